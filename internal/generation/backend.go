package generation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
)

// Request is one completion request. LLM backends read Prompt; local
// backends may work from Question and Context directly.
type Request struct {
	Prompt   string
	Question string
	Context  assembler.PromptContext
}

// Backend produces a completion for a request. One call is one attempt.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// BackendConfig selects and configures a backend.
type BackendConfig struct {
	Provider         string
	Model            string
	BaseURL          string
	AnthropicBaseURL string
	APIKey           string
	Temperature      float64
	MaxTokens        int
	Timeout          time.Duration
	// RateLimit is in requests per minute.
	RateLimit float64
	RateBurst int
}

// NewBackend returns the configured backend.
func NewBackend(cfg BackendConfig, logger *zap.Logger) (Backend, error) {
	switch cfg.Provider {
	case "extractive", "":
		return NewExtractive(), nil
	case "openai":
		return NewOpenAI(OpenAIConfig{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			BaseURL:     cfg.AnthropicBaseURL,
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
			RateLimit:   cfg.RateLimit,
			RateBurst:   cfg.RateBurst,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
