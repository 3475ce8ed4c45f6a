// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// contentGenerator is the slice of the genai SDK the client uses; *genai.Models satisfies it.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements schemas.LLMClient on top of the Google Gen AI SDK.
type GeminiClient struct {
	models     contentGenerator
	logger     *zap.Logger
	config     config.LLMModelConfig
	newBackOff func() backoff.BackOff
}

// NewGeminiClient initializes the SDK client. An empty API key lets the SDK
// fall back to GEMINI_API_KEY / GOOGLE_API_KEY from the environment.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.Endpoint}
	}
	if cfg.APITimeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.APITimeout}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newGeminiClient(client.Models, cfg, logger), nil
}

func newGeminiClient(models contentGenerator, cfg config.LLMModelConfig, logger *zap.Logger) *GeminiClient {
	return &GeminiClient{
		models:     models,
		config:     cfg,
		logger:     logger.Named("llm_client.gemini").With(zap.String("model", cfg.Model)),
		newBackOff: defaultBackOff,
	}
}

// defaultBackOff mirrors the provider guidance for 429/503: exponential, capped.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Generate sends the prompt (and any images) to Gemini, retrying transient failures.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	contents := []*genai.Content{c.buildUserContent(req)}
	genCfg := c.buildGenerationConfig(req)

	var text string
	operation := func() error {
		start := time.Now()
		resp, err := c.models.GenerateContent(ctx, c.config.Model, contents, genCfg)
		if err != nil {
			return c.classifyError(err)
		}
		if len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		candidate := resp.Candidates[0]
		if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		fields := []zap.Field{zap.Duration("duration", time.Since(start))}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", u.PromptTokenCount),
				zap.Int32("completion_tokens", u.CandidatesTokenCount),
				zap.Int32("total_tokens", u.TotalTokenCount),
			)
		}
		c.logger.Debug("LLM generation complete.", fields...)

		text = resp.Text()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

func (c *GeminiClient) buildUserContent(req schemas.GenerationRequest) *genai.Content {
	parts := []*genai.Part{{Text: req.UserPrompt}}
	for _, img := range req.Images {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}})
	}
	return &genai.Content{Role: "user", Parts: parts}
}

func (c *GeminiClient) buildGenerationConfig(req schemas.GenerationRequest) *genai.GenerateContentConfig {
	temperature := float32(req.Options.Temperature)
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	genCfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(temperature),
		MaxOutputTokens: int32(c.config.MaxTokens),
	}
	if req.SystemPrompt != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.SystemPrompt}}}
	}
	if topP := firstNonZero(float32(req.Options.TopP), c.config.TopP); topP > 0 {
		genCfg.TopP = genai.Ptr(topP)
	}
	if topK := firstNonZero(float32(req.Options.TopK), float32(c.config.TopK)); topK > 0 {
		genCfg.TopK = genai.Ptr(topK)
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}
	return genCfg
}

// classifyError keeps rate limits and server errors retryable and makes everything else permanent.
func (c *GeminiClient) classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Warn("Gemini API returned error status.", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		if isTransientStatus(apiErr.Code) {
			return err
		}
		return backoff.Permanent(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return backoff.Permanent(err)
	}
	c.logger.Warn("Network error during LLM request, retrying.", zap.Error(err))
	return err
}

// Close is a no-op; the SDK holds no resources that need releasing.
func (c *GeminiClient) Close() error { return nil }

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func firstNonZero(vals ...float32) float32 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
