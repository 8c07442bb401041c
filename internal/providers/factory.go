package providers

import (
	"fmt"
	"time"

	"github.com/nextlevelbuilder/relay/internal/config"
)

// FromConfig builds the configured default provider with the given retry
// policy. The returned classify model may differ from the provider default
// when a cheaper model is set. Callers that must not repeat side-effecting
// calls pass NoRetry().
func FromConfig(cfg config.ProvidersConfig, retry RetryConfig) (Provider, string, error) {
	switch cfg.Default {
	case "", "anthropic":
		pc := cfg.Anthropic
		if pc.APIKey == "" {
			return nil, "", fmt.Errorf("providers: anthropic selected but RELAY_ANTHROPIC_API_KEY unset")
		}
		opts := []AnthropicOption{WithAnthropicRetry(retry)}
		if pc.Model != "" {
			opts = append(opts, WithAnthropicModel(pc.Model))
		}
		if pc.BaseURL != "" {
			opts = append(opts, WithAnthropicBaseURL(pc.BaseURL))
		}
		if pc.TimeoutSeconds > 0 {
			opts = append(opts, WithAnthropicTimeout(time.Duration(pc.TimeoutSeconds)*time.Second))
		}
		return NewAnthropicProvider(pc.APIKey, opts...), pc.ClassifyModel, nil

	case "openai":
		pc := cfg.OpenAI
		if pc.APIKey == "" {
			return nil, "", fmt.Errorf("providers: openai selected but RELAY_OPENAI_API_KEY unset")
		}
		opts := []OpenAIOption{WithOpenAIRetry(retry)}
		if pc.Model != "" {
			opts = append(opts, WithOpenAIModel(pc.Model))
		}
		if pc.BaseURL != "" {
			opts = append(opts, WithOpenAIBaseURL(pc.BaseURL))
		}
		return NewOpenAIProvider(pc.APIKey, opts...), pc.ClassifyModel, nil

	default:
		return nil, "", fmt.Errorf("providers: unknown provider %q", cfg.Default)
	}
}
