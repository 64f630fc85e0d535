package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openbrainhub/neuroagent/internal/adapters/accounting"
	"github.com/openbrainhub/neuroagent/internal/adapters/auth"
	"github.com/openbrainhub/neuroagent/internal/adapters/id"
	"github.com/openbrainhub/neuroagent/internal/adapters/mcp"
	"github.com/openbrainhub/neuroagent/internal/adapters/objectstore"
	"github.com/openbrainhub/neuroagent/internal/adapters/postgres"
	redisadapter "github.com/openbrainhub/neuroagent/internal/adapters/redis"
	"github.com/openbrainhub/neuroagent/internal/adapters/tracing"
	"github.com/openbrainhub/neuroagent/internal/application/chat"
	"github.com/openbrainhub/neuroagent/internal/domain/models"
	"github.com/openbrainhub/neuroagent/internal/llm"
	"github.com/openbrainhub/neuroagent/internal/ports"
	"github.com/openbrainhub/neuroagent/internal/server"
	"github.com/openbrainhub/neuroagent/internal/tools"
)

const agentInstructions = `You are a neuroscience research assistant on a scientific platform.
Answer questions about brain regions, cell morphologies, electrophysiology and
the scientific literature using the tools available to you. Be precise, cite
tool outputs rather than inventing data, and keep answers concise.`

// serveCmd starts the HTTP API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the neuroagent HTTP API server.

Required configuration:
  - PostgreSQL database (NEUROAGENT_POSTGRES_URL)
  - Keycloak issuer (NEUROAGENT_KEYCLOAK_ISSUER)

Optional:
  - Redis rate limiting (NEUROAGENT_REDIS_URL)
  - S3 object storage (NEUROAGENT_S3_ENDPOINT, NEUROAGENT_S3_BUCKET)
  - Accounting service (NEUROAGENT_ACCOUNTING_URL)
  - MCP tool servers (NEUROAGENT_MCP_SERVERS)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	log.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Str("llm", cfg.LLM.URL).
		Str("model", cfg.LLM.Model).
		Msg("starting neuroagent API server")

	shutdownTracer, err := tracing.InitTracer("neuroagent-api")
	if err != nil {
		log.Warn().Err(err).Msg("failed to initialize tracing")
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown failed")
			}
		}()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Msg("database connection established")

	threads := postgres.NewThreadRepository(pool)
	messages := postgres.NewMessageRepository(pool)
	ledger := postgres.NewTokenUsageRepository(pool)
	selections := postgres.NewToolSelectionRepository(pool)
	idGen := id.New()

	var redisClient goredis.UniversalClient
	if cfg.IsRateLimiterConfigured() {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("failed to parse redis URL: %w", err)
		}
		redisClient = goredis.NewClient(opts)
		defer redisClient.Close()
		log.Info().Msg("rate limiter store connected")
	} else {
		log.Warn().Msg("no redis configured, rate limiting disabled")
	}
	limiter := redisadapter.NewRateLimiter(redisClient)

	var store ports.ObjectStore
	if cfg.IsStorageConfigured() {
		s3Store, err := objectstore.NewS3Store(ctx, cfg.Storage.Endpoint, cfg.Storage.Region, cfg.Storage.Bucket)
		if err != nil {
			return fmt.Errorf("failed to initialize object storage: %w", err)
		}
		store = s3Store
		log.Info().Str("bucket", cfg.Storage.Bucket).Msg("object storage initialized")
	}

	gate, err := auth.NewKeycloakGate(ctx, cfg.Keycloak.IssuerURL)
	if err != nil {
		return fmt.Errorf("failed to initialize auth gate: %w", err)
	}

	var accountingSession ports.AccountingSession = accounting.Noop{}
	if cfg.IsAccountingConfigured() {
		accountingSession = accounting.NewClient(cfg.Accounting.URL)
		log.Info().Msg("accounting client initialized")
	}

	llmClient := llm.NewClient(cfg.LLM.URL, cfg.LLM.APIKey)

	registry, err := tools.NewRegistry(cfg.Tools.Whitelist)
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}
	if err := registry.Register(&tools.GetStateTool{}); err != nil {
		return err
	}
	if err := registry.Register(&tools.EditStateTool{}); err != nil {
		return err
	}
	for _, serverURL := range cfg.MCP.ServerURLs {
		mcpClient := mcp.NewClient(serverURL, "")
		if _, err := mcpClient.Initialize(ctx); err != nil {
			log.Warn().Err(err).Str("server", serverURL).Msg("MCP server unreachable, skipping")
			continue
		}
		if err := registry.RegisterMCP(ctx, mcpClient); err != nil {
			log.Warn().Err(err).Str("server", serverURL).Msg("failed to register MCP tools")
			continue
		}
		log.Info().Str("server", serverURL).Msg("MCP tools registered")
	}
	log.Info().Int("tools", len(registry.Names())).Msg("tool registry assembled")

	agent := &models.Agent{
		Name:         "neuroagent",
		Instructions: agentInstructions,
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
	}
	agents := map[string]*models.Agent{agent.Name: agent}

	filter := chat.NewFilter(llmClient, cfg.LLM.UtilityModel, cfg.Tools.MinToolCount)
	engine := chat.NewEngine(threads, messages, ledger, selections, idGen, registry, llmClient, filter,
		chat.EngineConfig{
			MaxTurns:         cfg.Agent.MaxTurns,
			MaxParallelTools: cfg.Agent.MaxParallelToolCalls,
		})
	assist := chat.NewAssist(llmClient, cfg.LLM.UtilityModel)

	srv := server.New(cfg, server.Deps{
		Gate:       gate,
		Threads:    threads,
		Messages:   messages,
		Ledger:     ledger,
		Limiter:    limiter,
		Accounting: accountingSession,
		Store:      store,
		Registry:   registry,
		Engine:     engine,
		Assist:     assist,
		LLM:        llmClient,
		IDs:        idGen,
		DBPing:     pool.Ping,
		Agent:      agent,
		Agents:     agents,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
