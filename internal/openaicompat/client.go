// Package openaicompat generates explanations through any provider that
// speaks the OpenAI chat completions API (OpenAI, Groq, OpenRouter).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"repair-service/internal/models"
	"repair-service/internal/prompt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Default endpoints and models per provider name
var (
	defaultBaseURLs = map[string]string{
		"openai":     "https://api.openai.com/v1",
		"groq":       "https://api.groq.com/openai/v1",
		"openrouter": "https://openrouter.ai/api/v1",
	}
	defaultModels = map[string]string{
		"openai":     "gpt-4o-mini",
		"groq":       "llama-3.3-70b-versatile",
		"openrouter": "meta-llama/llama-3.3-70b-instruct:free",
	}
)

// providerHeaders are extra request headers some providers ask for
var providerHeaders = map[string]map[string]string{
	"openrouter": {
		"HTTP-Referer": "https://github.com/repair-service",
		"X-Title":      "Repair Service",
	},
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// Client wraps a go-openai client pointed at one provider
type Client struct {
	client     *openai.Client
	provider   string
	modelName  string
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
}

// Config for an OpenAI-compatible client
type Config struct {
	Provider   string // openai, groq or openrouter
	APIKey     string
	BaseURL    string // Overrides the provider default
	ModelName  string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// NewClient creates a new OpenAI-compatible client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Provider == "" {
		cfg.Provider = "openai"
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s API key is required", cfg.Provider)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURLs[cfg.Provider]
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required for provider %s", cfg.Provider)
	}

	if cfg.ModelName == "" {
		cfg.ModelName = defaultModels[cfg.Provider]
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("model name is required for provider %s", cfg.Provider)
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL
	httpClient := &http.Client{Timeout: cfg.Timeout}
	if h, ok := providerHeaders[cfg.Provider]; ok {
		httpClient.Transport = &headerTransport{base: http.DefaultTransport, headers: h}
	}
	clientCfg.HTTPClient = httpClient

	logger.Info("OpenAI-compatible client initialized",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.ModelName),
		zap.Int("max_retries", cfg.MaxRetries))

	return &Client{
		client:     openai.NewClientWithConfig(clientCfg),
		provider:   cfg.Provider,
		modelName:  cfg.ModelName,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// Close is a no-op; the HTTP client holds no resources that need release
func (c *Client) Close() error {
	return nil
}

// Generate produces an explanation and repair for a single violation
func (c *Client) Generate(ctx context.Context, v models.Violation, gctx models.GenerationContext) (models.ExplanationRecord, error) {
	req := openai.ChatCompletionRequest{
		Model: c.modelName,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.SystemInstruction},
			{Role: openai.ChatMessageRoleUser, Content: prompt.Build(v, gctx)},
		},
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("Retrying provider request",
				zap.String("provider", c.provider),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", c.maxRetries))
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return models.ExplanationRecord{}, fmt.Errorf("%s request cancelled: %w", c.provider, ctx.Err())
			}
		}

		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = fmt.Errorf("%s API error: %w", c.provider, err)
			c.logger.Error("Provider API error",
				zap.String("provider", c.provider),
				zap.Error(err),
				zap.Int("attempt", attempt+1))

			// let the caller rotate providers instead of burning retries
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
				break
			}
			continue
		}

		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no choices in %s response", c.provider)
			c.logger.Error("Empty response from provider", zap.String("provider", c.provider), zap.Int("attempt", attempt+1))
			continue
		}

		content := resp.Choices[0].Message.Content
		result, err := prompt.Parse(content)
		if err != nil {
			lastErr = fmt.Errorf("failed to parse %s response: %w", c.provider, err)
			c.logger.Error("Failed to parse JSON response",
				zap.String("provider", c.provider),
				zap.Error(err),
				zap.String("original_response", content),
				zap.Int("attempt", attempt+1))
			continue
		}

		c.logger.Debug("Generated explanation",
			zap.String("provider", c.provider),
			zap.String("signature_key", gctx.SignatureKey),
			zap.Int("total_tokens", resp.Usage.TotalTokens),
			zap.Int("attempt", attempt+1))

		return prompt.ToRecord(result, c.provider, c.modelName), nil
	}

	return models.ExplanationRecord{}, fmt.Errorf("failed after %d attempts: %w", c.maxRetries, lastErr)
}

// GetModelInfo returns model information
func (c *Client) GetModelInfo() map[string]interface{} {
	return map[string]interface{}{
		"provider":    c.provider,
		"model":       c.modelName,
		"max_retries": c.maxRetries,
		"retry_delay": c.retryDelay.String(),
	}
}
