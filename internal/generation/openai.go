package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
}

// OpenAI completes prompts through langchaingo's OpenAI client. Any server
// speaking the OpenAI chat API works.
type OpenAI struct {
	llm         llms.Model
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAI builds the client. An API key is required unless BaseURL points
// at a self-hosted server.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai API key required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	token := cfg.APIKey
	if token == "" {
		token = "placeholder"
	}
	opts := []openai.Option{openai.WithModel(cfg.Model), openai.WithToken(token)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAI{llm: llm, model: cfg.Model, temperature: cfg.Temperature, maxTokens: cfg.MaxTokens}, nil
}

func (o *OpenAI) Name() string { return "openai" }

// Complete sends the prompt as a single user message.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	opts := []llms.CallOption{llms.WithTemperature(o.temperature)}
	if o.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(o.maxTokens))
	}
	text, err := llms.GenerateFromSinglePrompt(ctx, o.llm, req.Prompt, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: openai %s: %w", ErrGenerationFailure, o.model, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
