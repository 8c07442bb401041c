package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the relay agent.
type Config struct {
	Engine    EngineConfig    `json:"engine"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telegram  TelegramConfig  `json:"telegram,omitempty"`
	Providers ProvidersConfig `json:"providers,omitempty"`
	Tools     ToolsConfig     `json:"tools,omitempty"`
	Proactive ProactiveConfig `json:"proactive,omitempty"`
	Deploy    DeployConfig    `json:"deploy,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// EngineConfig holds the reactive-loop knobs.
type EngineConfig struct {
	ContextWindow              int `json:"context_window,omitempty"`                // K messages loaded for classify/execute (default 30)
	ApprovalTimeoutSeconds     int `json:"approval_timeout_seconds,omitempty"`      // default 3600
	ToolApprovalTimeoutSeconds int `json:"tool_approval_timeout_seconds,omitempty"` // default 3600
	ClassifierDeadlineSeconds  int `json:"classifier_deadline_seconds,omitempty"`   // default 30
	ExecutorDeadlineSeconds    int `json:"executor_deadline_seconds,omitempty"`     // default 120
	WorkerPollIntervalMS       int `json:"worker_poll_interval_ms,omitempty"`       // default 100
	ReactiveWorkers            int `json:"reactive_workers,omitempty"`              // default 2
	MaxJobAttempts             int `json:"max_job_attempts,omitempty"`              // default 3
	ReactiveTokenWarnThreshold int `json:"reactive_token_warn_threshold,omitempty"` // per-call warn (default 100000)
}

func (e EngineConfig) ApprovalTimeout() time.Duration {
	return time.Duration(e.ApprovalTimeoutSeconds) * time.Second
}

func (e EngineConfig) ToolApprovalTimeout() time.Duration {
	return time.Duration(e.ToolApprovalTimeoutSeconds) * time.Second
}

func (e EngineConfig) ClassifierDeadline() time.Duration {
	return time.Duration(e.ClassifierDeadlineSeconds) * time.Second
}

func (e EngineConfig) ExecutorDeadline() time.Duration {
	return time.Duration(e.ExecutorDeadlineSeconds) * time.Second
}

func (e EngineConfig) WorkerPollInterval() time.Duration {
	return time.Duration(e.WorkerPollIntervalMS) * time.Millisecond
}

// ProactiveConfig holds the autonomous-loop knobs.
type ProactiveConfig struct {
	DailyTokenLimit    int64 `json:"daily_token_limit,omitempty"`    // default 7_000_000
	MinIntervalSeconds int   `json:"min_interval_seconds,omitempty"` // adaptive sleep floor (default 60)
	MaxIntervalSeconds int   `json:"max_interval_seconds,omitempty"` // adaptive sleep ceiling (default 3600)
	MaxToolIterations  int   `json:"max_tool_iterations,omitempty"`  // per-cycle tool loop bound (default 5)
}

func (p ProactiveConfig) MinInterval() time.Duration {
	return time.Duration(p.MinIntervalSeconds) * time.Second
}

func (p ProactiveConfig) MaxInterval() time.Duration {
	return time.Duration(p.MaxIntervalSeconds) * time.Second
}

// DatabaseConfig selects the backing store.
// PostgresDSN is NEVER read from config.json (secret); only from env
// RELAY_POSTGRES_DSN. With no DSN the engine runs standalone on sqlite.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env RELAY_POSTGRES_DSN only
	SQLitePath  string `json:"sqlite_path,omitempty"` // standalone db file (default ~/.relay/relay.db)
}

// IsManaged reports whether the engine runs against Postgres.
func (d DatabaseConfig) IsManaged() bool { return d.PostgresDSN != "" }

// TelegramConfig configures the Telegram adapter.
// Token and webhook secret come from env only.
type TelegramConfig struct {
	Enabled       bool     `json:"enabled,omitempty"`
	Token         string   `json:"-"` // from env RELAY_TELEGRAM_TOKEN only
	WebhookSecret string   `json:"-"` // from env RELAY_WEBHOOK_SECRET only
	OwnerIDs      []string `json:"owner_ids,omitempty"` // user ids allowed to resolve approvals
	RateLimitRPM  int      `json:"rate_limit_rpm,omitempty"`
}

// ProvidersConfig holds LLM provider credentials and model selection.
type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic,omitempty"`
	OpenAI    ProviderConfig `json:"openai,omitempty"`
	Default   string         `json:"default,omitempty"` // provider used when unset
}

// ProviderConfig is one LLM backend. APIKey from env only.
type ProviderConfig struct {
	APIKey         string `json:"-"`
	Model          string `json:"model,omitempty"`
	ClassifyModel  string `json:"classify_model,omitempty"` // cheaper model for classification
	MaxTokens      int    `json:"max_tokens,omitempty"`
	BaseURL        string `json:"base_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// ToolsConfig configures the tool registry.
type ToolsConfig struct {
	Workspace           string   `json:"workspace,omitempty"` // root for filesystem tools (default ~/.relay/workspace)
	RestrictToWorkspace bool     `json:"restrict_to_workspace,omitempty"`
	ShellEnabled        bool     `json:"shell_enabled,omitempty"`
	WebFetchEnabled     bool     `json:"web_fetch_enabled,omitempty"`
	ExtraDenyPatterns   []string `json:"extra_deny_patterns,omitempty"` // appended to the built-in shell denylist
	BlobRetentionDays   int      `json:"blob_retention_days,omitempty"` // artifact blob pruning window (default 30)
}

// DeployConfig configures the self-deployment controller.
type DeployConfig struct {
	Enabled              bool   `json:"enabled,omitempty"`
	RepoDir              string `json:"repo_dir,omitempty"`
	Branch               string `json:"branch,omitempty"` // default "main"
	HealthTimeoutSeconds int    `json:"health_timeout_seconds,omitempty"`
	BuildCommand         string `json:"build_command,omitempty"`
	TestCommand          string `json:"test_command,omitempty"`
	DeployCommand        string `json:"deploy_command,omitempty"`
	HealthURL            string `json:"health_url,omitempty"`
}

func (d DeployConfig) HealthTimeout() time.Duration {
	return time.Duration(d.HealthTimeoutSeconds) * time.Second
}

// TelemetryConfig configures OpenTelemetry span export to an OTLP backend.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS, local dev only
	ServiceName string            `json:"service_name,omitempty"` // default "relay"
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// The hot-reload watcher uses this to swap file-backed settings in place.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Engine = src.Engine
	c.Database = src.Database
	c.Telegram = src.Telegram
	c.Providers = src.Providers
	c.Tools = src.Tools
	c.Proactive = src.Proactive
	c.Deploy = src.Deploy
	c.Telemetry = src.Telemetry
}

// Snapshot returns a copy of the data fields for lock-free reads.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Engine:    c.Engine,
		Database:  c.Database,
		Telegram:  c.Telegram,
		Providers: c.Providers,
		Tools:     c.Tools,
		Proactive: c.Proactive,
		Deploy:    c.Deploy,
		Telemetry: c.Telemetry,
	}
}
