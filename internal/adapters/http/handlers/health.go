package handlers

import (
	"context"
	"net/http"
	"time"
)

type HealthHandler struct {
	dbPing func(ctx context.Context) error
}

func NewHealthHandler(dbPing func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{dbPing: dbPing}
}

// Root is the service banner on "/".
func (h *HealthHandler) Root(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"service": "neuroagent", "status": "ok"}, http.StatusOK)
}

// Healthz reports readiness: the process is up and the database answers.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.dbPing != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.dbPing(ctx); err != nil {
			respondJSON(w, map[string]string{"status": "degraded", "database": err.Error()},
				http.StatusServiceUnavailable)
			return
		}
	}
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
