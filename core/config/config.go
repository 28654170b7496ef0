package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide configuration loaded once at startup.
type Config struct {
	// Env is the environment name (development, staging, production)
	Env string

	// Port is the optional HTTP status-surface bind port (see StatusAddr).
	Port string

	// StatusAddr is the optional host:port the gin status surface binds to.
	// Empty disables the HTTP surface entirely.
	StatusAddr string

	// RedisURL is the optional redis connection string for the status
	// pub/sub fan-out. Empty disables it; the in-process callback still works.
	RedisURL string

	// OTel holds OpenTelemetry exporter configuration.
	OTel OTelConfig

	// Drafting holds the optional LLM-assisted document drafting configuration.
	Drafting DraftingConfig

	// Orchestrator holds the worker defaults (apiKeyEnvVar, codexCommand,
	// timeoutSeconds) read from AUTO_* environment variables; codexArgs and
	// bootstrapTemplate are left empty. No package in this module reads an
	// orchestrator.json file.
	Orchestrator OrchestratorDefaults
}

// OTelConfig configures the OpenTelemetry OTLP-HTTP exporters.
type OTelConfig struct {
	Endpoint       string
	Headers        string
	ServiceName    string
	ServiceVersion string
}

// Enabled reports whether OTel export is configured.
func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

// DraftingConfig configures the optional LLM-assisted prose drafting pass.
// Every field is optional; when APIKey is empty the system falls back to
// deterministic templates per SPEC_FULL.md section 1.2.
type DraftingConfig struct {
	Provider string // "openai" or "anthropic"
	APIKey   string
	Model    string
	BaseURL  string
}

// Enabled reports whether drafting-LLM enrichment is configured.
func (c DraftingConfig) Enabled() bool {
	return c.APIKey != ""
}

// OrchestratorDefaults mirrors the recognized fields of orchestrator.json.
// Load fills it from environment variables only; pkg/cli copies it into
// spawner.Config.
type OrchestratorDefaults struct {
	APIKeyEnvVar      string
	CodexCommand      string
	CodexArgs         []string
	TimeoutSeconds    int
	BootstrapTemplate string
}

// Load loads configuration from environment variables, applying .env via
// godotenv in the caller (cmd/auto) before Load is invoked.
func Load() Config {
	return Config{
		Env:        getEnv("AUTO_ENV", "development"),
		Port:       getEnv("PORT", "8080"),
		StatusAddr: getEnv("AUTO_STATUS_ADDR", ""),
		RedisURL:   getEnv("AUTO_REDIS_URL", ""),
		OTel: OTelConfig{
			Endpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:        getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "auto"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "dev"),
		},
		Drafting: DraftingConfig{
			Provider: getEnv("AUTO_DRAFT_PROVIDER", "openai"),
			APIKey:   getEnv("AUTO_DRAFT_API_KEY", ""),
			Model:    getEnv("AUTO_DRAFT_MODEL", "gpt-4o-mini"),
			BaseURL:  getEnv("AUTO_DRAFT_BASE_URL", ""),
		},
		Orchestrator: OrchestratorDefaults{
			APIKeyEnvVar:   getEnv("AUTO_API_KEY_ENV_VAR", "CODEX_API_KEY"),
			CodexCommand:   getEnv("AUTO_CODEX_COMMAND", ""),
			TimeoutSeconds: getEnvInt("AUTO_TIMEOUT_SECONDS", 900),
		},
	}
}

// IsProduction returns true if running in production environment.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// IsDevelopment returns true if running in development environment.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
