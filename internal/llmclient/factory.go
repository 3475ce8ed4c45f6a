package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// NewClient creates a provider client for a single model configuration.
func NewClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI, config.ProviderOllama:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI, config.ProviderOllama)
	}
}

// NewRouterFromConfig builds the fast and powerful clients named in cfg and
// wraps them in a router. When both tiers name the same model, one client
// serves both.
func NewRouterFromConfig(ctx context.Context, cfg config.LLMRouterConfig, logger *zap.Logger) (*LLMRouter, error) {
	build := func(name string) (schemas.LLMClient, error) {
		modelCfg, ok := cfg.Models[name]
		if !ok {
			return nil, fmt.Errorf("model %q is not defined in agent.llm.models", name)
		}
		client, err := NewClient(ctx, modelCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for model %q: %w", name, err)
		}
		return client, nil
	}

	fast, err := build(cfg.DefaultFastModel)
	if err != nil {
		return nil, err
	}
	powerful := fast
	if cfg.DefaultPowerfulModel != cfg.DefaultFastModel {
		if powerful, err = build(cfg.DefaultPowerfulModel); err != nil {
			_ = fast.Close()
			return nil, err
		}
	}
	return NewLLMRouter(logger, fast, powerful)
}
