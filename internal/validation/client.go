package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"repair-service/internal/dataset"
	"repair-service/internal/models"

	"go.uber.org/zap"
)

// Validator checks a dataset against the configured rule set
type Validator interface {
	Validate(ctx context.Context, ds dataset.Dataset) ([]models.Violation, error)
}

// ErrNotConfigured is returned by the validator used when no constraint
// engine URL is configured.
var ErrNotConfigured = errors.New("constraint engine is not configured")

// Unconfigured is a Validator that always fails. Verification through it
// fails closed.
type Unconfigured struct{}

// Validate implements Validator
func (Unconfigured) Validate(context.Context, dataset.Dataset) ([]models.Violation, error) {
	return nil, ErrNotConfigured
}

// Client talks to a remote constraint-checking engine over HTTP
type Client struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// Config for the constraint engine client
type Config struct {
	URL     string
	Timeout time.Duration
}

type validateRequest struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type validateResponse struct {
	Conforms   bool               `json:"conforms"`
	Violations []models.Violation `json:"violations"`
}

// NewClient creates a new constraint engine client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		url: cfg.URL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Validate sends the dataset to the engine and returns the reported violations
func (c *Client) Validate(ctx context.Context, ds dataset.Dataset) ([]models.Violation, error) {
	reqBody := validateRequest{
		Data:   dataset.Serialize(ds),
		Format: "application/n-triples",
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("constraint engine request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("constraint engine returned status %d: %s", resp.StatusCode, string(body))
	}

	var result validateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse constraint engine response: %w", err)
	}

	c.logger.Debug("Dataset validated",
		zap.Int("triples", ds.Len()),
		zap.Int("violations", len(result.Violations)),
		zap.Duration("elapsed", time.Since(start)))

	return result.Violations, nil
}
