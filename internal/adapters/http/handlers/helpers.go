package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/openbrainhub/neuroagent/internal/adapters/http/dto"
	"github.com/openbrainhub/neuroagent/internal/adapters/http/middleware"
	"github.com/openbrainhub/neuroagent/internal/domain"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

// respondJSON writes a JSON response with the given status code
func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondDetail writes the {"detail": {"detail": message}} error shape.
func respondDetail(w http.ResponseWriter, message string, status int) {
	respondJSON(w, dto.NewDetail(message), status)
}

func respondThreadNotFound(w http.ResponseWriter) {
	respondDetail(w, "Thread not found.", http.StatusNotFound)
}

// parseIntQuery parses an integer query parameter with a default value
func parseIntQuery(r *http.Request, name string, defaultValue int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

// parseTimeQuery parses an RFC3339 timestamp query parameter. Timestamps
// without an explicit UTC offset are rejected.
func parseTimeQuery(r *http.Request, name string) (time.Time, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", domain.ErrNaiveTimestamp, name)
	}
	return t, nil
}

// decodeJSON decodes the request body, answering 422 on malformed payloads.
func decodeJSON[T any](r *http.Request, w http.ResponseWriter) (*T, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1024*1024) // 1MB limit

	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"body": "Malformed request payload."}),
			http.StatusUnprocessableEntity)
		return nil, false
	}
	return &req, true
}

// threadSort maps the API sort parameter onto repository terms. The leading
// "-" selects descending order.
func threadSort(param string) (ports.ThreadSortField, ports.SortOrder, error) {
	if param == "" {
		param = "-update_date"
	}
	order := ports.SortAsc
	if param[0] == '-' {
		order = ports.SortDesc
		param = param[1:]
	}
	switch param {
	case "update_date":
		return ports.ThreadSortByUpdateDate, order, nil
	case "creation_date":
		return ports.ThreadSortByCreationDate, order, nil
	}
	return "", "", fmt.Errorf("%w: sort", domain.ErrInvalidInput)
}

// fetchAuthorizedThread resolves a thread the requesting user may touch.
// Ownership mismatches and missing threads are indistinguishable (404), a
// project-group mismatch likewise hides the thread's existence.
func fetchAuthorizedThread(r *http.Request, threads ports.ThreadRepository, gate ports.AuthGate, threadID string) (*models.Thread, *ports.UserInfo, error) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		return nil, nil, domain.ErrInvalidToken
	}

	thread, err := threads.GetByIDAndUserID(r.Context(), threadID, user.Sub)
	if err != nil {
		if errors.Is(err, domain.ErrThreadNotFound) {
			return nil, user, domain.ErrThreadNotFound
		}
		return nil, user, err
	}

	if thread.InProject() && !gate.CheckProjectAccess(r.Context(), user, thread.VlabID, thread.ProjectID) {
		return nil, user, domain.ErrThreadNotFound
	}
	return thread, user, nil
}

// respondThreadError maps fetchAuthorizedThread failures to HTTP responses.
func respondThreadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrThreadNotFound):
		respondThreadNotFound(w)
	case errors.Is(err, domain.ErrInvalidToken):
		respondDetail(w, "Invalid or expired token.", http.StatusUnauthorized)
	default:
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
	}
}

// setRateLimitHeaders mirrors the limiter verdict onto the response. The
// unlimited sentinel produces no headers.
func setRateLimitHeaders(w http.ResponseWriter, info *ports.RateLimitInfo) {
	if info == nil || info.Limit < 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(info.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(info.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(info.ResetIn.Seconds()), 10))
}
