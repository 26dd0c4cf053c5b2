package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	defaultAnthropicTimeout = 60 * time.Second
	anthropicVersion        = "2023-06-01"

	// Requests per minute and burst when none are configured.
	defaultRateLimit = 50.0
	defaultBurst     = 5
)

// AnthropicConfig configures the Messages API client.
type AnthropicConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// RateLimit is in requests per minute.
	RateLimit float64
	RateBurst int
}

// Anthropic calls the Anthropic Messages API over HTTP, rate limited
// client-side.
type Anthropic struct {
	model       string
	apiKey      string
	baseURL     string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropic creates the client.
func NewAnthropic(cfg AnthropicConfig, logger *zap.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAnthropicTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anthropic{
		model:       cfg.Model,
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimit/60.0), cfg.RateBurst),
		logger:      logger,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Complete sends one Messages API request.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", a.apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", retryable(fmt.Errorf("%w: request failed: %w", ErrGenerationFailure, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", retryable(fmt.Errorf("%w: reading response: %w", ErrGenerationFailure, err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", retryable(fmt.Errorf("%w: rate limited (429)", ErrGenerationFailure))
	case resp.StatusCode >= 500:
		return "", retryable(fmt.Errorf("%w: server error (%d)", ErrGenerationFailure, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		var apiErr anthropicError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("%w: API error (%d): %s", ErrGenerationFailure, resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("%w: API error (%d)", ErrGenerationFailure, resp.StatusCode)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", retryable(fmt.Errorf("%w: malformed response: %w", ErrGenerationFailure, err))
	}
	var b strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyCompletion
	}
	a.logger.Debug("anthropic completion",
		zap.String("model", a.model), zap.String("stop_reason", parsed.StopReason))
	return b.String(), nil
}
