package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/webpilot/internal/config"
)

func TestNewClient(t *testing.T) {
	logger, _ := setupTestLogger(t)
	ctx := context.Background()

	t.Run("gemini", func(t *testing.T) {
		client, err := NewClient(ctx, getValidLLMConfig(), logger)
		require.NoError(t, err)
		assert.IsType(t, &GeminiClient{}, client)
	})

	t.Run("ollama", func(t *testing.T) {
		cfg := getValidLLMConfig()
		cfg.Provider = config.ProviderOllama
		client, err := NewClient(ctx, cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, &OpenAIClient{}, client)
	})

	t.Run("unsupported", func(t *testing.T) {
		cfg := getValidLLMConfig()
		cfg.Provider = "anthropic"
		_, err := NewClient(ctx, cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported LLM provider")
	})
}

func TestNewRouterFromConfig(t *testing.T) {
	logger, _ := setupTestLogger(t)
	ctx := context.Background()

	ollama := config.LLMModelConfig{Provider: config.ProviderOllama, Model: "llama3.2-vision"}

	t.Run("shared model serves both tiers", func(t *testing.T) {
		router, err := NewRouterFromConfig(ctx, config.LLMRouterConfig{
			DefaultFastModel:     "local",
			DefaultPowerfulModel: "local",
			Models:               map[string]config.LLMModelConfig{"local": ollama},
		}, logger)
		require.NoError(t, err)
		assert.Same(t, router.clients["fast"], router.clients["powerful"])
	})

	t.Run("missing model", func(t *testing.T) {
		_, err := NewRouterFromConfig(ctx, config.LLMRouterConfig{
			DefaultFastModel:     "local",
			DefaultPowerfulModel: "cloud",
			Models:               map[string]config.LLMModelConfig{"local": ollama},
		}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `model "cloud" is not defined`)
	})
}
