package perception

import (
	"context"
	"fmt"

	"crewplan/internal/config"
	"crewplan/internal/logging"
)

// NewProviderFromConfig builds the configured provider. A missing credential
// surfaces as config.ErrMissingCredential.
func NewProviderFromConfig(ctx context.Context, cfg *config.Config) (Provider, error) {
	pc := ProviderConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.Timeouts().PerCallTimeout,
	}

	logging.Boot("using provider %s (default model %s)", cfg.LLM.Provider, cfg.LLM.DefaultModel)
	switch cfg.LLM.Provider {
	case "", "gemini":
		return NewGeminiProvider(ctx, pc)
	case "openai":
		return NewOpenAIProvider(pc)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", config.ErrInvalidConfig, cfg.LLM.Provider)
	}
}
