package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openbrainhub/neuroagent/internal/adapters/http/handlers"
	"github.com/openbrainhub/neuroagent/internal/adapters/http/middleware"
	"github.com/openbrainhub/neuroagent/internal/application/chat"
	"github.com/openbrainhub/neuroagent/internal/config"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/ports"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

const readHeaderTimeout = 10 * time.Second

// Deps bundles the wired adapters the HTTP surface needs.
type Deps struct {
	Gate       ports.AuthGate
	Threads    ports.ThreadRepository
	Messages   ports.MessageRepository
	Ledger     ports.TokenUsageRepository
	Limiter    ports.RateLimiter
	Accounting ports.AccountingSession
	Store      ports.ObjectStore
	Registry   *tools.Registry
	Engine     *chat.Engine
	Assist     *chat.Assist
	LLM        *llm.Client
	IDs        ports.IDGenerator
	DBPing     func(ctx context.Context) error
	Agent      *models.Agent
	Agents     map[string]*models.Agent
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
}

func New(cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	router.Use(middleware.Tracing("neuroagent-api"))
	router.Use(middleware.Recovery)
	router.Use(middleware.Logger)
	router.Use(middleware.Metrics)
	router.Use(middleware.CORS(cfg.Server.CORSOrigins))

	healthH := handlers.NewHealthHandler(deps.DBPing)
	router.Get("/", healthH.Root)
	router.Get("/healthz", healthH.Healthz)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.Gate))

		threadH := handlers.NewThreadHandler(deps.Threads, deps.Messages, deps.Gate, deps.Store, deps.Assist, deps.IDs)
		r.Post("/threads", threadH.Create)
		r.Get("/threads", threadH.List)
		// The search route must precede the {thread_id} wildcard.
		r.Get("/threads/search", threadH.Search)
		r.Get("/threads/{thread_id}", threadH.Get)
		r.Patch("/threads/{thread_id}", threadH.Update)
		r.Delete("/threads/{thread_id}", threadH.Delete)
		r.Patch("/threads/{thread_id}/generate_title", threadH.GenerateTitle)
		r.Get("/threads/{thread_id}/messages", threadH.ListMessages)

		qaH := handlers.NewQAHandler(handlers.QAConfig{
			Agent:              deps.Agent,
			Agents:             deps.Agents,
			FrontendURL:        cfg.Frontend.BaseURL,
			LimitChat:          cfg.RateLimit.LimitChat,
			LimitChatInProject: cfg.RateLimit.LimitChatInProject,
			LimitSuggestions:   cfg.RateLimit.LimitSuggestions,
			Window:             time.Duration(cfg.RateLimit.ExpirySeconds) * time.Second,
			LLMBaseURL:         cfg.LLM.URL,
			LLMAPIKey:          cfg.LLM.APIKey,
			ModelWhitelist:     []string{cfg.LLM.Model, cfg.LLM.UtilityModel},
		}, deps.Threads, deps.Messages, deps.Ledger, deps.Gate, deps.Limiter,
			deps.Accounting, deps.Engine, deps.Assist, deps.Store, deps.LLM, cfg.LLM.UtilityModel)
		r.Post("/qa/chat_streamed/{thread_id}", qaH.ChatStreamed)
		r.Post("/qa/question_suggestions", qaH.QuestionSuggestions)
		r.Get("/qa/models", qaH.Models)

		toolsH := handlers.NewToolsHandler(deps.Registry, deps.Threads, deps.Messages, deps.Gate)
		r.Get("/tools", toolsH.List)
		r.Patch("/tools/validate/{thread_id}/{tool_call_id}", toolsH.ValidateToolCall)
	})

	return &Server{cfg: cfg, router: router}
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start blocks serving HTTP until the listener fails or Stop is called.
// No write timeout: chat responses stream for minutes.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	log.Info().Str("addr", addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests until the context expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
