package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/adapters/http/dto"
	"github.com/openbrainhub/neuroagent/internal/adapters/http/middleware"
	"github.com/openbrainhub/neuroagent/internal/application/chat"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/ports"
)

// maxSearchQueryLen bounds the full-text search input; longer queries get 413.
const maxSearchQueryLen = 1000

type ThreadHandler struct {
	threads  ports.ThreadRepository
	messages ports.MessageRepository
	gate     ports.AuthGate
	store    ports.ObjectStore
	assist   *chat.Assist
	ids      ports.IDGenerator
}

func NewThreadHandler(
	threads ports.ThreadRepository,
	messages ports.MessageRepository,
	gate ports.AuthGate,
	store ports.ObjectStore,
	assist *chat.Assist,
	ids ports.IDGenerator,
) *ThreadHandler {
	return &ThreadHandler{
		threads:  threads,
		messages: messages,
		gate:     gate,
		store:    store,
		assist:   assist,
		ids:      ids,
	}
}

func (h *ThreadHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	req, ok := decodeJSON[dto.CreateThreadRequest](r, w)
	if !ok {
		return
	}

	if (req.VirtualLabID == "") != (req.ProjectID == "") {
		respondJSON(w, dto.NewValidationDetail(map[string]string{
			"project_id": "virtual_lab_id and project_id must be provided together.",
		}), http.StatusUnprocessableEntity)
		return
	}
	if req.VirtualLabID != "" && !h.gate.CheckProjectAccess(r.Context(), user, req.VirtualLabID, req.ProjectID) {
		respondDetail(w, "Access to this project is forbidden.", http.StatusForbidden)
		return
	}

	thread := models.NewThread(h.ids.NewID(), user.Sub, req.VirtualLabID, req.ProjectID, req.Title)
	if err := h.threads.Create(r.Context(), thread); err != nil {
		log.Error().Err(err).Msg("failed to create thread")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	respondJSON(w, thread, http.StatusOK)
}

func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	sortField, sortOrder, err := threadSort(r.URL.Query().Get("sort"))
	if err != nil {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"sort": "Unknown sort key."}),
			http.StatusUnprocessableEntity)
		return
	}

	cursor, err := parseTimeQuery(r, "cursor")
	if err != nil {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"cursor": "Cursor must be an RFC3339 timestamp with offset."}),
			http.StatusUnprocessableEntity)
		return
	}
	createdAfter, err := parseTimeQuery(r, "creation_date_gte")
	if err != nil {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"creation_date_gte": "Timestamp must carry an explicit UTC offset."}),
			http.StatusUnprocessableEntity)
		return
	}
	createdBefore, err := parseTimeQuery(r, "creation_date_lte")
	if err != nil {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"creation_date_lte": "Timestamp must carry an explicit UTC offset."}),
			http.StatusUnprocessableEntity)
		return
	}

	filter := ports.ThreadListFilter{
		VlabID:        r.URL.Query().Get("virtual_lab_id"),
		ProjectID:     r.URL.Query().Get("project_id"),
		Cursor:        cursor,
		PageSize:      clampPageSize(parseIntQuery(r, "page_size", 20)),
		SortField:     sortField,
		SortOrder:     sortOrder,
		ExcludeEmpty:  r.URL.Query().Get("exclude_empty") == "true",
		CreatedAfter:  createdAfter,
		CreatedBefore: createdBefore,
	}

	if filter.VlabID != "" && filter.ProjectID != "" &&
		!h.gate.CheckProjectAccess(r.Context(), user, filter.VlabID, filter.ProjectID) {
		respondDetail(w, "Access to this project is forbidden.", http.StatusForbidden)
		return
	}

	page, err := h.threads.List(r.Context(), user.Sub, filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list threads")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}

	resp := dto.ThreadPage{Results: page.Threads, HasMore: page.HasMore}
	if page.HasMore {
		resp.NextCursor = page.NextCursor.Format(time.RFC3339Nano)
	}
	respondJSON(w, resp, http.StatusOK)
}

func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	thread, _, err := fetchAuthorizedThread(r, h.threads, h.gate, chi.URLParam(r, "thread_id"))
	if err != nil {
		respondThreadError(w, err)
		return
	}
	respondJSON(w, thread, http.StatusOK)
}

func (h *ThreadHandler) Update(w http.ResponseWriter, r *http.Request) {
	thread, _, err := fetchAuthorizedThread(r, h.threads, h.gate, chi.URLParam(r, "thread_id"))
	if err != nil {
		respondThreadError(w, err)
		return
	}

	req, ok := decodeJSON[dto.UpdateThreadRequest](r, w)
	if !ok {
		return
	}
	if req.Title == "" {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"title": "Title cannot be empty."}),
			http.StatusUnprocessableEntity)
		return
	}

	if err := h.threads.UpdateTitle(r.Context(), thread.ID, req.Title); err != nil {
		log.Error().Err(err).Str("thread_id", thread.ID).Msg("failed to update thread title")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	thread.Title = req.Title
	thread.Touch()
	respondJSON(w, thread, http.StatusOK)
}

// Delete cascades the thread's messages, parts, selections and ledger rows,
// then purges the user's stored objects tagged with the thread id. The DB
// delete commits first; a storage failure leaves an orphaned object, logged
// and swallowed.
func (h *ThreadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	thread, user, err := fetchAuthorizedThread(r, h.threads, h.gate, chi.URLParam(r, "thread_id"))
	if err != nil {
		respondThreadError(w, err)
		return
	}

	if err := h.threads.Delete(r.Context(), thread.ID); err != nil {
		log.Error().Err(err).Str("thread_id", thread.ID).Msg("failed to delete thread")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}

	h.purgeThreadObjects(r, user.Sub, thread.ID)

	respondJSON(w, map[string]bool{"acknowledged": true}, http.StatusOK)
}

func (h *ThreadHandler) purgeThreadObjects(r *http.Request, userID, threadID string) {
	if h.store == nil {
		return
	}

	objects, err := h.store.ListPrefix(r.Context(), userID+"/")
	if err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to list thread objects for purge")
		return
	}

	var keys []string
	for _, obj := range objects {
		if obj.ThreadID == threadID {
			keys = append(keys, obj.Key)
		}
	}
	if len(keys) == 0 {
		return
	}

	deleted, err := h.store.DeleteKeys(r.Context(), keys)
	if err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Int("deleted", deleted).
			Msg("thread object purge incomplete")
		return
	}
	log.Info().Str("thread_id", threadID).Int("deleted", deleted).Msg("purged thread objects")
}

func (h *ThreadHandler) GenerateTitle(w http.ResponseWriter, r *http.Request) {
	thread, _, err := fetchAuthorizedThread(r, h.threads, h.gate, chi.URLParam(r, "thread_id"))
	if err != nil {
		respondThreadError(w, err)
		return
	}

	req, ok := decodeJSON[dto.GenerateTitleRequest](r, w)
	if !ok {
		return
	}
	if req.FirstUserMessage == "" {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"first_user_message": "Cannot be empty."}),
			http.StatusUnprocessableEntity)
		return
	}

	title, _, err := h.assist.GenerateTitle(r.Context(), req.FirstUserMessage)
	if err != nil {
		log.Error().Err(err).Str("thread_id", thread.ID).Msg("title generation failed")
		respondDetail(w, "Title generation failed.", http.StatusInternalServerError)
		return
	}

	if err := h.threads.UpdateTitle(r.Context(), thread.ID, title); err != nil {
		log.Error().Err(err).Str("thread_id", thread.ID).Msg("failed to store generated title")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	thread.Title = title
	thread.Touch()
	respondJSON(w, thread, http.StatusOK)
}

func (h *ThreadHandler) Search(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	query := r.URL.Query().Get("query")
	if query == "" {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"query": "Query cannot be empty."}),
			http.StatusUnprocessableEntity)
		return
	}
	if len(query) > maxSearchQueryLen {
		respondDetail(w, "Query too large.", http.StatusRequestEntityTooLarge)
		return
	}

	vlabID := r.URL.Query().Get("virtual_lab_id")
	projectID := r.URL.Query().Get("project_id")
	if vlabID != "" && projectID != "" &&
		!h.gate.CheckProjectAccess(r.Context(), user, vlabID, projectID) {
		respondDetail(w, "Access to this project is forbidden.", http.StatusForbidden)
		return
	}

	limit := parseIntQuery(r, "limit", 10)
	if limit < 1 || limit > 50 {
		limit = 10
	}

	results, err := h.threads.Search(r.Context(), user.Sub, vlabID, projectID, query, limit)
	if err != nil {
		log.Error().Err(err).Msg("thread search failed")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []*ports.ThreadSearchResult{}
	}
	respondJSON(w, map[string]any{"results": results}, http.StatusOK)
}

func (h *ThreadHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	thread, _, err := fetchAuthorizedThread(r, h.threads, h.gate, chi.URLParam(r, "thread_id"))
	if err != nil {
		respondThreadError(w, err)
		return
	}

	order := ports.SortAsc
	switch r.URL.Query().Get("sort") {
	case "", "creation_date":
	case "-creation_date":
		order = ports.SortDesc
	default:
		respondJSON(w, dto.NewValidationDetail(map[string]string{"sort": "Unknown sort key."}),
			http.StatusUnprocessableEntity)
		return
	}

	cursor, err := parseTimeQuery(r, "cursor")
	if err != nil {
		respondJSON(w, dto.NewValidationDetail(map[string]string{"cursor": "Cursor must be an RFC3339 timestamp with offset."}),
			http.StatusUnprocessableEntity)
		return
	}

	entity := r.URL.Query().Get("entity")
	switch entity {
	case "", "user", "assistant":
	default:
		respondJSON(w, dto.NewValidationDetail(map[string]string{"entity": "Entity must be user or assistant."}),
			http.StatusUnprocessableEntity)
		return
	}

	page, err := h.messages.ListByThread(r.Context(), thread.ID, cursor,
		clampPageSize(parseIntQuery(r, "page_size", 20)), order, models.MessageRole(entity))
	if err != nil {
		log.Error().Err(err).Str("thread_id", thread.ID).Msg("failed to list messages")
		respondDetail(w, "Internal server error.", http.StatusInternalServerError)
		return
	}

	resp := dto.MessagePage{HasMore: page.HasMore}
	if page.HasMore {
		resp.NextCursor = page.NextCursor.Format(time.RFC3339Nano)
	}
	if r.URL.Query().Get("vercel_format") == "true" {
		resp.Results = dto.ToVercelMessages(page.Messages)
	} else {
		resp.Results = page.Messages
	}
	respondJSON(w, resp, http.StatusOK)
}

func clampPageSize(size int) int {
	if size < 1 {
		return 20
	}
	if size > 100 {
		return 100
	}
	return size
}
