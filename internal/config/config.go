package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the neuroagent server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Agent      AgentConfig
	Tools      ToolsConfig
	Keycloak   KeycloakConfig
	Storage    StorageConfig
	Accounting AccountingConfig
	RateLimit  RateLimitConfig
	Frontend   FrontendConfig
	MCP        MCPConfig
}

type ServerConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

type DatabaseConfig struct {
	PostgresURL string
}

// RedisConfig points at the rate-limiter store. An empty URL disables
// limiting (unlimited sentinels).
type RedisConfig struct {
	URL string
}

type LLMConfig struct {
	URL    string
	APIKey string
	// Model drives the agent loop; UtilityModel serves tool filtering,
	// title generation and question suggestions.
	Model        string
	UtilityModel string
	Temperature  float64
}

type AgentConfig struct {
	MaxTurns             int
	MaxParallelToolCalls int
}

type ToolsConfig struct {
	// Whitelist is a list of regex patterns; empty admits every tool.
	Whitelist []string
	// MinToolCount is the catalog size below which the tool filter is
	// skipped.
	MinToolCount int
}

type KeycloakConfig struct {
	IssuerURL string
}

// StorageConfig points at the S3-compatible object store for tool artifacts.
type StorageConfig struct {
	Endpoint string
	Region   string
	Bucket   string
}

type AccountingConfig struct {
	URL string
}

// RateLimitConfig holds per-route request quotas. -1 disables a quota.
type RateLimitConfig struct {
	LimitChat          int64
	LimitChatInProject int64
	LimitSuggestions   int64
	ExpirySeconds      int
}

type FrontendConfig struct {
	// BaseURL is the platform frontend, used for return-URL inference.
	BaseURL string
}

type MCPConfig struct {
	// ServerURLs lists streamable-HTTP MCP endpoints whose tools join the
	// registry at startup.
	ServerURLs []string
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8078,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		LLM: LLMConfig{
			URL:          "https://openrouter.ai/api/v1",
			Model:        "openai/gpt-4.1",
			UtilityModel: "openai/gpt-4.1-mini",
			Temperature:  1.0,
		},
		Agent: AgentConfig{
			MaxTurns:             10,
			MaxParallelToolCalls: 5,
		},
		Tools: ToolsConfig{
			MinToolCount: 8,
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
		RateLimit: RateLimitConfig{
			LimitChat:          20,
			LimitChatInProject: 100,
			LimitSuggestions:   200,
			ExpirySeconds:      86400,
		},
	}
}

// envString loads a string environment variable into the target pointer if set
func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// envInt loads an integer environment variable into the target pointer if set and valid
func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

func envInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = i
		}
	}
}

func envFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// envStringSlice loads a comma-separated environment variable into a string slice
func envStringSlice(key string, target *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			*target = result
		}
	}
}

// Load builds the configuration from defaults, an optional .env file, and
// the environment.
func Load() (*Config, error) {
	// .env is developer convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	envString("NEUROAGENT_SERVER_HOST", &cfg.Server.Host)
	envInt("NEUROAGENT_SERVER_PORT", &cfg.Server.Port)
	envStringSlice("NEUROAGENT_CORS_ORIGINS", &cfg.Server.CORSOrigins)

	envString("NEUROAGENT_POSTGRES_URL", &cfg.Database.PostgresURL)
	envString("NEUROAGENT_REDIS_URL", &cfg.Redis.URL)

	envString("NEUROAGENT_LLM_URL", &cfg.LLM.URL)
	envString("NEUROAGENT_LLM_API_KEY", &cfg.LLM.APIKey)
	envString("NEUROAGENT_LLM_MODEL", &cfg.LLM.Model)
	envString("NEUROAGENT_LLM_UTILITY_MODEL", &cfg.LLM.UtilityModel)
	envFloat("NEUROAGENT_LLM_TEMPERATURE", &cfg.LLM.Temperature)

	envInt("NEUROAGENT_MAX_TURNS", &cfg.Agent.MaxTurns)
	envInt("NEUROAGENT_MAX_PARALLEL_TOOL_CALLS", &cfg.Agent.MaxParallelToolCalls)

	envStringSlice("NEUROAGENT_TOOL_WHITELIST", &cfg.Tools.Whitelist)
	envInt("NEUROAGENT_TOOL_MIN_COUNT", &cfg.Tools.MinToolCount)

	envString("NEUROAGENT_KEYCLOAK_ISSUER", &cfg.Keycloak.IssuerURL)

	envString("NEUROAGENT_S3_ENDPOINT", &cfg.Storage.Endpoint)
	envString("NEUROAGENT_S3_REGION", &cfg.Storage.Region)
	envString("NEUROAGENT_S3_BUCKET", &cfg.Storage.Bucket)

	envString("NEUROAGENT_ACCOUNTING_URL", &cfg.Accounting.URL)

	envInt64("NEUROAGENT_RATE_LIMIT_CHAT", &cfg.RateLimit.LimitChat)
	envInt64("NEUROAGENT_RATE_LIMIT_CHAT_IN_PROJECT", &cfg.RateLimit.LimitChatInProject)
	envInt64("NEUROAGENT_RATE_LIMIT_SUGGESTIONS", &cfg.RateLimit.LimitSuggestions)
	envInt("NEUROAGENT_RATE_LIMIT_EXPIRY", &cfg.RateLimit.ExpirySeconds)

	envString("NEUROAGENT_FRONTEND_URL", &cfg.Frontend.BaseURL)

	envStringSlice("NEUROAGENT_MCP_SERVERS", &cfg.MCP.ServerURLs)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsRateLimiterConfigured returns true if a redis store is configured.
func (c *Config) IsRateLimiterConfigured() bool {
	return c.Redis.URL != ""
}

// IsStorageConfigured returns true if object storage is configured.
func (c *Config) IsStorageConfigured() bool {
	return c.Storage.Bucket != ""
}

// IsAccountingConfigured returns true if the accounting service is configured.
func (c *Config) IsAccountingConfigured() bool {
	return c.Accounting.URL != ""
}

// isValidURL validates that a URL has proper format
func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// Validate checks that the configuration has valid values
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server port must be between 1 and 65535")
	}

	if c.Database.PostgresURL == "" {
		errs = append(errs, "PostgreSQL URL is required")
	} else if !isValidURL(c.Database.PostgresURL) {
		errs = append(errs, "PostgreSQL URL must be a valid URL")
	}

	if c.LLM.URL == "" {
		errs = append(errs, "LLM URL is required")
	} else if !isValidURL(c.LLM.URL) {
		errs = append(errs, "LLM URL must be a valid URL")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, "LLM temperature must be between 0 and 2")
	}

	if c.Keycloak.IssuerURL == "" {
		errs = append(errs, "Keycloak issuer URL is required")
	} else if !isValidURL(c.Keycloak.IssuerURL) {
		errs = append(errs, "Keycloak issuer URL must be a valid URL")
	}

	if c.Agent.MaxTurns < 1 {
		errs = append(errs, "max turns must be at least 1")
	}
	if c.Agent.MaxParallelToolCalls < 1 {
		errs = append(errs, "max parallel tool calls must be at least 1")
	}

	if c.RateLimit.ExpirySeconds < 1 {
		errs = append(errs, "rate limit expiry must be at least 1 second")
	}

	for _, serverURL := range c.MCP.ServerURLs {
		if !isValidURL(serverURL) {
			errs = append(errs, fmt.Sprintf("MCP server URL %q must be a valid URL", serverURL))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
