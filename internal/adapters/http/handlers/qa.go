package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/adapters/http/dto"
	"github.com/openbrainhub/neuroagent/internal/adapters/http/middleware"
	"github.com/openbrainhub/neuroagent/internal/adapters/metrics"
	"github.com/openbrainhub/neuroagent/internal/application/chat"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/ports"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

const (
	routeChatStreamed = "/qa/chat_streamed"
	routeSuggestions  = "/qa/question_suggestions"
)

// QAConfig carries the static knobs of the QA surface.
type QAConfig struct {
	// Agent is the entry agent; Agents indexes every agent reachable through
	// handoffs, keyed by name.
	Agent  *models.Agent
	Agents map[string]*models.Agent

	FrontendURL string

	LimitChat          int64
	LimitChatInProject int64
	LimitSuggestions   int64
	Window             time.Duration

	// LLMBaseURL and ModelWhitelist feed the models listing endpoint.
	LLMBaseURL     string
	LLMAPIKey      string
	ModelWhitelist []string
}

type QAHandler struct {
	cfg        QAConfig
	threads    ports.ThreadRepository
	messages   ports.MessageRepository
	ledger     ports.TokenUsageRepository
	gate       ports.AuthGate
	limiter    ports.RateLimiter
	accounting ports.AccountingSession
	engine     *chat.Engine
	assist     *chat.Assist
	store      ports.ObjectStore
	llmClient  *llm.Client
	toolModel  string
	httpClient *http.Client

	modelsMu   sync.Mutex
	modelCache []models.ModelDescriptor
}

func NewQAHandler(
	cfg QAConfig,
	threads ports.ThreadRepository,
	messages ports.MessageRepository,
	ledger ports.TokenUsageRepository,
	gate ports.AuthGate,
	limiter ports.RateLimiter,
	accounting ports.AccountingSession,
	engine *chat.Engine,
	assist *chat.Assist,
	store ports.ObjectStore,
	llmClient *llm.Client,
	toolModel string,
) *QAHandler {
	return &QAHandler{
		cfg:        cfg,
		threads:    threads,
		messages:   messages,
		ledger:     ledger,
		gate:       gate,
		limiter:    limiter,
		accounting: accounting,
		engine:     engine,
		assist:     assist,
		store:      store,
		llmClient:  llmClient,
		toolModel:  toolModel,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// ChatStreamed runs the agent loop over SSE. Once the stream has begun,
// errors never reach the HTTP layer again; they become terminal frames or
// silent truncation.
func (h *QAHandler) ChatStreamed(w http.ResponseWriter, r *http.Request) {
	thread, user, err := fetchAuthorizedThread(r, h.threads, h.gate, chi.URLParam(r, "thread_id"))
	if err != nil {
		respondThreadError(w, err)
		return
	}

	req, ok := decodeJSON[dto.ChatRequest](r, w)
	if !ok {
		return
	}

	limit := h.cfg.LimitChat
	if thread.InProject() {
		limit = h.cfg.LimitChatInProject
	}
	info, err := h.limiter.Check(r.Context(), user.Sub, routeChatStreamed, limit, h.cfg.Window)
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter store unreachable, admitting request")
	}
	setRateLimitHeaders(w, info)

	// Over the limit: personal usage is hard-denied; in-project usage
	// switches to a billable accounting session instead.
	var closer ports.AccountingCloser
	if info != nil && info.Limited {
		if thread.InProject() && h.accounting != nil {
			closer, err = h.accounting.Start(r.Context(), user.Sub, thread.VlabID, thread.ProjectID)
			if err != nil {
				log.Warn().Err(err).Str("thread_id", thread.ID).Msg("accounting session refused")
				metrics.RateLimitRejectionsTotal.WithLabelValues(routeChatStreamed).Inc()
				respondJSON(w, dto.NewRateLimitDetail(), http.StatusTooManyRequests)
				return
			}
		} else {
			metrics.RateLimitRejectionsTotal.WithLabelValues(routeChatStreamed).Inc()
			respondJSON(w, dto.NewRateLimitDetail(), http.StatusTooManyRequests)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondDetail(w, "Streaming unsupported.", http.StatusInternalServerError)
		return
	}

	frontendURL := req.FrontendURL
	if frontendURL == "" {
		frontendURL = h.cfg.FrontendURL
	}
	tc := tools.NewContext()
	tc.UserID = user.Sub
	tc.VlabID = thread.VlabID
	tc.ProjectID = thread.ProjectID
	tc.FrontendURL = frontendURL
	tc.BaseURL = h.cfg.FrontendURL
	tc.State = tools.NewSharedState(req.State)
	tc.HTTPClient = h.httpClient
	tc.Store = h.store
	tc.LLM = h.llmClient
	tc.Model = h.toolModel

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("x-vercel-ai-data-stream", "v1")
	w.WriteHeader(http.StatusOK)

	emitter := newSSEEmitter(w, flusher)
	if err := h.engine.Run(r.Context(), &chat.StreamRequest{
		Thread:      thread,
		Agent:       h.cfg.Agent,
		Agents:      h.cfg.Agents,
		Content:     req.Content,
		ToolNames:   req.ToolSelection,
		ToolContext: tc,
		Emitter:     emitter,
	}); err != nil {
		log.Error().Err(err).Str("thread_id", thread.ID).Msg("agent loop failed")
	}
	emitter.Done()

	if closer != nil {
		h.settleAccounting(context.WithoutCancel(r.Context()), closer, emitter.messageID)
	}
}

// settleAccounting closes the billable session with the token totals the
// ledger recorded for the assistant message.
func (h *QAHandler) settleAccounting(ctx context.Context, closer ports.AccountingCloser, messageID string) {
	var inputTokens, outputTokens int64
	if messageID != "" {
		records, err := h.ledger.GetByMessage(ctx, messageID)
		if err != nil {
			log.Error().Err(err).Str("message_id", messageID).Msg("failed to read ledger for accounting")
		}
		for _, rec := range records {
			if rec.Type == models.TokenTypeCompletion {
				outputTokens += rec.Count
			} else {
				inputTokens += rec.Count
			}
		}
	}
	if err := closer.Close(ctx, inputTokens, outputTokens); err != nil {
		log.Error().Err(err).Str("message_id", messageID).Msg("failed to close accounting session")
	}
}

func (h *QAHandler) QuestionSuggestions(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())

	req, ok := decodeJSON[dto.SuggestionsRequest](r, w)
	if !ok {
		return
	}

	info, err := h.limiter.Check(r.Context(), user.Sub, routeSuggestions, h.cfg.LimitSuggestions, h.cfg.Window)
	if err != nil {
		log.Warn().Err(err).Msg("rate limiter store unreachable, admitting request")
	}
	setRateLimitHeaders(w, info)
	if info != nil && info.Limited {
		metrics.RateLimitRejectionsTotal.WithLabelValues(routeSuggestions).Inc()
		respondJSON(w, dto.NewRateLimitDetail(), http.StatusTooManyRequests)
		return
	}

	var history []json.RawMessage
	if req.ThreadID != "" {
		thread, _, err := fetchAuthorizedThread(r, h.threads, h.gate, req.ThreadID)
		if err != nil {
			respondThreadError(w, err)
			return
		}
		messages, err := h.messages.GetAllByThread(r.Context(), thread.ID)
		if err != nil {
			log.Error().Err(err).Str("thread_id", thread.ID).Msg("failed to load history for suggestions")
			respondDetail(w, "Internal server error.", http.StatusInternalServerError)
			return
		}
		history = chat.BuildHistory(messages)
	}

	suggestions, _, err := h.assist.SuggestQuestions(r.Context(), history, req.ClickHistory)
	if err != nil {
		log.Error().Err(err).Msg("question suggestion failed")
		respondDetail(w, "Question suggestion failed.", http.StatusInternalServerError)
		return
	}
	respondJSON(w, dto.SuggestionsResponse{Suggestions: suggestions}, http.StatusOK)
}

// Models lists the whitelisted model descriptors. The provider catalog is
// fetched once and cached; on fetch failure a config-derived fallback is
// served without being cached.
func (h *QAHandler) Models(w http.ResponseWriter, r *http.Request) {
	h.modelsMu.Lock()
	cached := h.modelCache
	h.modelsMu.Unlock()
	if cached != nil {
		respondJSON(w, map[string]any{"models": cached}, http.StatusOK)
		return
	}

	descriptors, err := h.fetchModels(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("model catalog fetch failed, serving fallback")
		respondJSON(w, map[string]any{"models": h.fallbackModels()}, http.StatusOK)
		return
	}

	h.modelsMu.Lock()
	h.modelCache = descriptors
	h.modelsMu.Unlock()
	respondJSON(w, map[string]any{"models": descriptors}, http.StatusOK)
}

type providerModel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *QAHandler) fetchModels(ctx context.Context) ([]models.ModelDescriptor, error) {
	url := strings.TrimSuffix(h.cfg.LLMBaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if h.cfg.LLMAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.LLMAPIKey)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var payload struct {
		Data []providerModel `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(h.cfg.ModelWhitelist))
	for _, id := range h.cfg.ModelWhitelist {
		allowed[id] = true
	}

	var out []models.ModelDescriptor
	for _, m := range payload.Data {
		if !allowed[m.ID] {
			continue
		}
		out = append(out, models.ModelDescriptor{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
		})
	}
	if len(out) == 0 {
		out = h.fallbackModels()
	}
	return out, nil
}

func (h *QAHandler) fallbackModels() []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, 0, len(h.cfg.ModelWhitelist))
	for _, id := range h.cfg.ModelWhitelist {
		out = append(out, models.ModelDescriptor{ID: id, Name: id})
	}
	return out
}
