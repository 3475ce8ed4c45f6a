// internal/llmclient/openai_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultOllamaEndpoint = "http://localhost:11434/v1/chat/completions"
)

// OpenAIClient talks to any endpoint speaking the OpenAI chat-completions
// protocol, which covers OpenAI itself and a local Ollama server.
type OpenAIClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
	config     config.LLMModelConfig
	newBackOff func() backoff.BackOff
}

// -- Chat Completions Request/Response Structures --

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []contentPart when images are attached.
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	TopP           float32         `json:"top_p,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient initializes the client. Ollama needs no key; OpenAI does.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	endpoint := cfg.Endpoint
	switch cfg.Provider {
	case config.ProviderOllama:
		if endpoint == "" {
			endpoint = defaultOllamaEndpoint
		}
	default:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API Key is required")
		}
		if endpoint == "" {
			endpoint = defaultOpenAIEndpoint
		}
	}

	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &OpenAIClient{
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		config:     cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("llm_client." + string(cfg.Provider)).With(zap.String("model", cfg.Model)),
		newBackOff: defaultBackOff,
	}, nil
}

// Generate sends the prompts to the chat-completions endpoint with retries.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var content string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("Network error during LLM request, retrying.", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var payload chatResponse
		if err := json.Unmarshal(respBody, &payload); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(payload.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("%s API returned no choices", c.config.Provider))
		}

		c.logger.Debug("LLM generation complete.",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", payload.Usage.PromptTokens),
			zap.Int("completion_tokens", payload.Usage.CompletionTokens),
			zap.Int("total_tokens", payload.Usage.TotalTokens),
		)
		content = payload.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

func (c *OpenAIClient) buildRequestPayload(req schemas.GenerationRequest) chatRequest {
	temperature := req.Options.Temperature
	if temperature == 0 {
		temperature = float64(c.config.Temperature)
	}

	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	if len(req.Images) == 0 {
		messages = append(messages, chatMessage{Role: "user", Content: req.UserPrompt})
	} else {
		parts := []contentPart{{Type: "text", Text: req.UserPrompt}}
		for _, img := range req.Images {
			dataURL := "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: dataURL}})
		}
		messages = append(messages, chatMessage{Role: "user", Content: parts})
	}

	payload := chatRequest{
		Model:       c.config.Model,
		Messages:    messages,
		Temperature: temperature,
		TopP:        c.config.TopP,
		MaxTokens:   c.config.MaxTokens,
	}
	if req.Options.ForceJSONFormat {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return payload
}

func (c *OpenAIClient) handleAPIError(statusCode int, body []byte) error {
	c.logger.Warn("LLM API returned error status.", zap.Int("status", statusCode), zap.String("response", truncateBody(body)))
	err := fmt.Errorf("%s API error: status %d, body: %s", c.config.Provider, statusCode, truncateBody(body))
	if isTransientStatus(statusCode) || strings.Contains(strings.ToLower(string(body)), "temporarily unavailable") {
		return err
	}
	return backoff.Permanent(err)
}

// Close releases idle connections.
func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
