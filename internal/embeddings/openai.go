package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embedding endpoint.
type OpenAIConfig struct {
	// BaseURL overrides the API endpoint, e.g. a local gateway. Empty uses
	// api.openai.com.
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
}

// OpenAIProvider embeds text through langchaingo's OpenAI client.
type OpenAIProvider struct {
	embedder  *embeddings.EmbedderImpl
	model     string
	dimension int
}

// NewOpenAIProvider builds the langchaingo client and embedder.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	dim, err := dimensionFor(cfg.Model, cfg.Dimension)
	if err != nil {
		return nil, err
	}

	token := cfg.APIKey
	if token == "" {
		// Self-hosted gateways often accept any token, but the client
		// refuses to start without one.
		token = "placeholder"
	}
	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: creating openai client: %v", ErrInvalidConfig, err)
	}
	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("%w: creating embedder: %v", ErrInvalidConfig, err)
	}

	return &OpenAIProvider{embedder: emb, model: cfg.Model, dimension: dim}, nil
}

// Embed embeds a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vec, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classifyRemoteError(ctx, err)
	}
	if err := checkVectors([][]float32{vec}, 1, p.dimension); err != nil {
		return nil, err
	}
	return vec, nil
}

// EmbedBatch embeds texts in order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkBatch(texts); err != nil {
		return nil, err
	}
	vecs, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classifyRemoteError(ctx, err)
	}
	if err := checkVectors(vecs, len(texts), p.dimension); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Dimension returns the model's vector width.
func (p *OpenAIProvider) Dimension() int { return p.dimension }

// Model returns the model name.
func (p *OpenAIProvider) Model() string { return p.model }

// Close is a no-op.
func (p *OpenAIProvider) Close() error { return nil }

// classifyRemoteError maps a langchaingo client error onto the package
// sentinels. The client reports HTTP status only in its message text.
func classifyRemoteError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "500", "502", "503", "504", "connection refused", "timeout", "eof"} {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
}
