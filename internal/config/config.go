package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3002"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings
	Database DatabaseConfig

	// Document structuring provider
	Structurer StructurerConfig

	// Embedding provider
	Embedder EmbedderConfig

	// Text extraction settings
	Extract ExtractConfig

	// Ingestion worker settings
	Worker WorkerConfig

	// Upload staging settings
	Upload UploadConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"120s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"docfoundry"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"docfoundry"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// StructurerConfig selects and configures the document structuring provider.
//
// Provider ids: "deterministic" (no model backend, CSV/Markdown reference
// implementation), "ollama" (native generate API), "openai" (chat-completions
// compatible API).
type StructurerConfig struct {
	Provider    string  `env:"DOCUMENT_STRUCTURER_PROVIDER" envDefault:"deterministic"`
	BaseURL     string  `env:"STRUCTURER_BASE_URL" envDefault:"http://localhost:11434"`
	Model       string  `env:"STRUCTURER_MODEL" envDefault:"llama3.1"`
	Temperature float64 `env:"STRUCTURER_TEMPERATURE" envDefault:"0"`
	NumCtx      int     `env:"STRUCTURER_NUM_CTX" envDefault:"0"`
	MaxTokens   int     `env:"STRUCTURER_MAX_TOKENS" envDefault:"0"`
	APIKey      string  `env:"STRUCTURER_API_KEY" envDefault:""`
}

// IsRemote returns true if the provider calls a model backend
func (c *StructurerConfig) IsRemote() bool {
	switch strings.ToLower(c.Provider) {
	case "", "deterministic":
		return false
	}
	return true
}

// Validate checks that a remote provider has the transport settings it needs
func (c *StructurerConfig) Validate() error {
	if !c.IsRemote() {
		return nil
	}
	if c.BaseURL == "" {
		return fmt.Errorf("structurer provider %q requires STRUCTURER_BASE_URL", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("structurer provider %q requires STRUCTURER_MODEL", c.Provider)
	}
	return nil
}

// EmbedderConfig selects and configures the embedding provider.
//
// Provider ids: "deterministic" (fixed 128-dim reference implementation),
// "ollama" (embeddings API).
type EmbedderConfig struct {
	Provider string `env:"EMBEDDING_PROVIDER" envDefault:"deterministic"`
	BaseURL  string `env:"EMBEDDING_BASE_URL" envDefault:"http://localhost:11434"`
	Model    string `env:"EMBEDDING_MODEL" envDefault:"nomic-embed-text"`
	APIKey   string `env:"EMBEDDING_API_KEY" envDefault:""`
}

// IsRemote returns true if the provider calls a model backend
func (c *EmbedderConfig) IsRemote() bool {
	switch strings.ToLower(c.Provider) {
	case "", "deterministic":
		return false
	}
	return true
}

// Validate checks that a remote provider has the transport settings it needs
func (c *EmbedderConfig) Validate() error {
	if !c.IsRemote() {
		return nil
	}
	if c.BaseURL == "" {
		return fmt.Errorf("embedding provider %q requires EMBEDDING_BASE_URL", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("embedding provider %q requires EMBEDDING_MODEL", c.Provider)
	}
	return nil
}

// ExtractConfig holds text extraction settings.
// ServiceURL points at an optional extraction sidecar for binary formats
// (PDF, DOC, DOCX); plain-text formats are read locally.
type ExtractConfig struct {
	ServiceURL string `env:"EXTRACT_SERVICE_URL" envDefault:""`
	TimeoutMs  int    `env:"EXTRACT_TIMEOUT_MS" envDefault:"120000"`
}

// Timeout returns the extraction timeout as a Duration
func (c *ExtractConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// ServiceEnabled returns true if the extraction sidecar is configured
func (c *ExtractConfig) ServiceEnabled() bool {
	return c.ServiceURL != ""
}

// WorkerConfig holds ingestion worker settings
type WorkerConfig struct {
	PollMs                int `env:"INGESTION_WORKER_POLL_MS" envDefault:"2000"`
	DBWaitTimeoutMs       int `env:"INGESTION_WORKER_DB_WAIT_TIMEOUT_MS" envDefault:"30000"`
	DBWaitPollMs          int `env:"INGESTION_WORKER_DB_WAIT_POLL_MS" envDefault:"500"`
	MaxAttempts           int `env:"INGESTION_JOB_MAX_ATTEMPTS" envDefault:"3"`
	StaleThresholdMinutes int `env:"INGESTION_STALE_THRESHOLD_MINUTES" envDefault:"10"`
}

// PollInterval returns the worker tick interval as a Duration
func (c *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollMs) * time.Millisecond
}

// DBWaitTimeout returns the startup database wait budget as a Duration
func (c *WorkerConfig) DBWaitTimeout() time.Duration {
	return time.Duration(c.DBWaitTimeoutMs) * time.Millisecond
}

// DBWaitPoll returns the startup database wait poll interval as a Duration
func (c *WorkerConfig) DBWaitPoll() time.Duration {
	return time.Duration(c.DBWaitPollMs) * time.Millisecond
}

// UploadConfig holds upload staging settings.
// TempDir is the root under which uploaded files are staged; document
// storedPath values are resolved relative to it and must not escape it.
type UploadConfig struct {
	TempDir      string `env:"UPLOAD_TEMP_DIR" envDefault:"/tmp/docfoundry-uploads"`
	MaxSizeBytes int64  `env:"UPLOAD_MAX_SIZE_BYTES" envDefault:"52428800"`
}

// NewConfig loads configuration from environment variables
func NewConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
