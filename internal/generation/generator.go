// Package generation turns a question and its assembled context into an
// answer, falling back to fixed messages when that is not possible.
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
)

var tracer = otel.Tracer(instrumentationName)

const (
	DefaultFallbackMessage      = "I'm sorry, I can't answer that right now. Please try again in a moment."
	DefaultNoInformationMessage = "I don't have any information about that in my knowledge base."
)

// AnswerResult is the outcome of answering one question.
type AnswerResult struct {
	Text       string   `json:"text"`
	UsedChunks []string `json:"used_chunks"`
	LatencyMS  int64    `json:"latency_ms"`
	// Degraded marks a fallback answer.
	Degraded bool `json:"degraded"`
	Cached   bool `json:"cached"`
}

// Config configures a Generator.
type Config struct {
	Template       string
	MaxAttempts    int
	InitialBackoff time.Duration
	// AttemptTimeout bounds each backend call; zero leaves it to ctx.
	AttemptTimeout       time.Duration
	FallbackMessage      string
	NoInformationMessage string
}

// Generator calls a backend with retries.
type Generator struct {
	backend Backend
	cfg     Config
	metrics *Metrics
	logger  *zap.Logger
}

// New creates a Generator. Empty template and messages take the defaults.
func New(backend Backend, cfg Config, metrics *Metrics, logger *zap.Logger) (*Generator, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	if err := ValidateTemplate(cfg.Template); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = DefaultFallbackMessage
	}
	if cfg.NoInformationMessage == "" {
		cfg.NoInformationMessage = DefaultNoInformationMessage
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{backend: backend, cfg: cfg, metrics: metrics, logger: logger}, nil
}

// FallbackMessage returns the text used when generation fails.
func (g *Generator) FallbackMessage() string { return g.cfg.FallbackMessage }

// Generate answers query from pc. It never returns an error: failures yield
// a degraded result carrying the fallback message. If ctx ends, the result is
// degraded and the caller should check ctx.Err().
func (g *Generator) Generate(ctx context.Context, query string, pc assembler.PromptContext) AnswerResult {
	ctx, span := tracer.Start(ctx, "generation.Generate")
	defer span.End()
	start := time.Now()

	used := pc.ChunkIDs()
	if pc.Empty() {
		g.metrics.recordResult(ctx, g.backend.Name(), "no_context", time.Since(start))
		span.SetAttributes(attribute.Bool("generation.degraded", true))
		return AnswerResult{Text: g.cfg.NoInformationMessage, UsedChunks: used, Degraded: true}
	}

	req := Request{
		Prompt:   BuildPrompt(g.cfg.Template, pc.Render(), query),
		Question: query,
		Context:  pc,
	}

	text, attempts, err := g.complete(ctx, req)
	span.SetAttributes(attribute.Int("generation.attempts", attempts))
	if err != nil {
		g.logger.Error("generation failed",
			zap.String("query", query),
			zap.Strings("chunk_ids", used),
			zap.Int("attempts", attempts),
			zap.Error(err))
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("generation.degraded", true))
		g.metrics.recordResult(ctx, g.backend.Name(), "backend_failure", time.Since(start))
		return AnswerResult{Text: g.cfg.FallbackMessage, UsedChunks: used, Degraded: true}
	}

	g.metrics.recordResult(ctx, g.backend.Name(), "", time.Since(start))
	return AnswerResult{Text: text, UsedChunks: used}
}

// complete runs up to MaxAttempts backend calls with exponential backoff.
func (g *Generator) complete(ctx context.Context, req Request) (string, int, error) {
	var lastErr error
	backoff := g.cfg.InitialBackoff
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", attempt - 1, ctx.Err()
			}
			backoff *= 2
		}

		text, err := g.attempt(ctx, req)
		retry := isRetryable(ctx, err)
		g.metrics.recordAttempt(ctx, g.backend.Name(), err, retry)
		if err == nil {
			return text, attempt, nil
		}
		lastErr = err
		if !retry {
			return "", attempt, err
		}
		g.logger.Warn("generation attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.String("backend", g.backend.Name()),
			zap.Error(err))
	}
	return "", g.cfg.MaxAttempts, fmt.Errorf("%w: %d attempts exhausted: %w", ErrGenerationFailure, g.cfg.MaxAttempts, lastErr)
}

func (g *Generator) attempt(ctx context.Context, req Request) (string, error) {
	if g.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.AttemptTimeout)
		defer cancel()
	}
	text, err := g.backend.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
