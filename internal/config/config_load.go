package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ContextWindow:              30,
			ApprovalTimeoutSeconds:     3600,
			ToolApprovalTimeoutSeconds: 3600,
			ClassifierDeadlineSeconds:  30,
			ExecutorDeadlineSeconds:    120,
			WorkerPollIntervalMS:       100,
			ReactiveWorkers:            2,
			MaxJobAttempts:             3,
			ReactiveTokenWarnThreshold: 100_000,
		},
		Proactive: ProactiveConfig{
			DailyTokenLimit:    7_000_000,
			MinIntervalSeconds: 60,
			MaxIntervalSeconds: 3600,
			MaxToolIterations:  5,
		},
		Database: DatabaseConfig{
			SQLitePath: "~/.relay/relay.db",
		},
		Telegram: TelegramConfig{
			RateLimitRPM: 20,
		},
		Providers: ProvidersConfig{
			Default: "anthropic",
			Anthropic: ProviderConfig{
				Model:          "claude-sonnet-4-5-20250929",
				ClassifyModel:  "claude-haiku-4-5-20251001",
				MaxTokens:      8192,
				TimeoutSeconds: 120,
			},
		},
		Tools: ToolsConfig{
			Workspace:           "~/.relay/workspace",
			RestrictToWorkspace: true,
			ShellEnabled:        true,
			WebFetchEnabled:     true,
			BlobRetentionDays:   30,
		},
		Deploy: DeployConfig{
			Branch:               "main",
			HealthTimeoutSeconds: 120,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "relay",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Secrets
	envStr("RELAY_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("RELAY_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("RELAY_WEBHOOK_SECRET", &c.Telegram.WebhookSecret)
	envStr("RELAY_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("RELAY_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)

	// Auto-enable the adapter when credentials arrive via env.
	if c.Telegram.Token != "" {
		c.Telegram.Enabled = true
	}

	envStr("RELAY_PROVIDER", &c.Providers.Default)
	envStr("RELAY_MODEL", &c.Providers.Anthropic.Model)
	envStr("RELAY_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("RELAY_WORKSPACE", &c.Tools.Workspace)

	if v := os.Getenv("RELAY_OWNER_IDS"); v != "" {
		c.Telegram.OwnerIDs = strings.Split(v, ",")
	}
	if v := os.Getenv("RELAY_REACTIVE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Engine.ReactiveWorkers = n
		}
	}
	if v := os.Getenv("RELAY_PROACTIVE_DAILY_TOKEN_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Proactive.DailyTokenLimit = n
		}
	}

	// Telemetry
	envStr("RELAY_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("RELAY_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("RELAY_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("RELAY_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RELAY_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// ApplyEnvOverrides re-applies environment overrides, restoring runtime
// secrets after a file reload replaced them.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
}

// Save writes the config to disk. Secret fields carry `json:"-"` tags, so
// they never persist.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config, used by the watcher to
// skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
