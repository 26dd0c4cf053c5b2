// Package pipeline answers questions end to end: validate, retrieve,
// assemble, generate. It owns the answer cache and coalesces identical
// concurrent questions into one computation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/generation"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/vectorindex"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/ragd/internal/pipeline")

var (
	// ErrEmptyQuery rejects a blank question.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrQueryTooLong rejects a question over the configured length.
	ErrQueryTooLong = errors.New("query is too long")
)

// AnswerResult is the pipeline's answer.
type AnswerResult = generation.AnswerResult

// Retriever finds chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Result, error)
}

// Assembler packs results into a budget.
type Assembler interface {
	Assemble(results []retrieval.Result, budget int) assembler.PromptContext
}

// Generator produces an answer from a context.
type Generator interface {
	Generate(ctx context.Context, query string, pc assembler.PromptContext) generation.AnswerResult
	FallbackMessage() string
}

// Config configures a Pipeline.
type Config struct {
	TopK   int
	Budget int

	CacheSize int
	CacheTTL  time.Duration
	// SingleFlight coalesces concurrent identical questions.
	SingleFlight   bool
	RequestTimeout time.Duration

	EmbedAttempts int
	EmbedBackoff  time.Duration

	MaxQueryLength int
}

// Pipeline answers questions.
type Pipeline struct {
	retriever Retriever
	assembler Assembler
	generator Generator
	cfg       Config
	logger    *zap.Logger

	cache *expirable.LRU[string, AnswerResult]
	// epoch increments on every purge so computations that started before
	// it do not repopulate the cache with stale answers. cacheMu makes the
	// purge and the epoch check before an add mutually exclusive.
	cacheMu sync.Mutex
	epoch   atomic.Uint64
	group   singleflight.Group

	unsubscribe func()
}

// New creates a Pipeline. With a non-nil bus the cache is purged whenever a
// document is ingested or removed.
func New(r Retriever, a Assembler, g Generator, bus events.Bus, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if r == nil || a == nil || g == nil {
		return nil, errors.New("retriever, assembler and generator are required")
	}
	if cfg.EmbedAttempts <= 0 {
		cfg.EmbedAttempts = 1
	}
	if cfg.EmbedBackoff <= 0 {
		cfg.EmbedBackoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{retriever: r, assembler: a, generator: g, cfg: cfg, logger: logger}
	if cfg.CacheSize > 0 {
		p.cache = expirable.NewLRU[string, AnswerResult](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	if bus != nil {
		p.unsubscribe = bus.Subscribe(p.onCorpusEvent)
	}
	return p, nil
}

// Answer answers query. Validation failures return ErrEmptyQuery or
// ErrQueryTooLong; if ctx ends first its error is returned. Every other
// failure produces a degraded result, which is never cached.
func (p *Pipeline) Answer(ctx context.Context, query string) (*AnswerResult, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Answer")
	defer span.End()

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, ErrEmptyQuery
	}
	if p.cfg.MaxQueryLength > 0 && utf8.RuneCountInString(trimmed) > p.cfg.MaxQueryLength {
		return nil, fmt.Errorf("%w: limit is %d characters", ErrQueryTooLong, p.cfg.MaxQueryLength)
	}
	key := cacheKey(trimmed)

	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			cacheHits.Inc()
			res := clone(cached)
			res.Cached = true
			res.LatencyMS = time.Since(start).Milliseconds()
			answerDuration.WithLabelValues("true").Observe(time.Since(start).Seconds())
			span.SetAttributes(attribute.Bool("answer.cached", true))
			return &res, nil
		}
		cacheMisses.Inc()
	}

	var res AnswerResult
	if p.cfg.SingleFlight {
		ch := p.group.DoChan(key, func() (any, error) {
			// Shared by every waiter, so no single caller may cancel it.
			cctx := context.WithoutCancel(ctx)
			if p.cfg.RequestTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(cctx, p.cfg.RequestTimeout)
				defer cancel()
			}
			return p.compute(cctx, trimmed, key), nil
		})
		select {
		case r := <-ch:
			if r.Shared {
				coalesced.Inc()
			}
			res = clone(r.Val.(AnswerResult))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		cctx := ctx
		if p.cfg.RequestTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, p.cfg.RequestTimeout)
			defer cancel()
		}
		res = p.compute(cctx, trimmed, key)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.LatencyMS = time.Since(start).Milliseconds()
	answerDuration.WithLabelValues("false").Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Bool("answer.cached", false),
		attribute.Bool("answer.degraded", res.Degraded),
		attribute.Int("answer.chunks", len(res.UsedChunks)),
	)
	return &res, nil
}

// FallbackMessage is the answer text used when no answer can be produced.
func (p *Pipeline) FallbackMessage() string {
	return p.generator.FallbackMessage()
}

// Purge drops every cached answer.
func (p *Pipeline) Purge() {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	p.epoch.Add(1)
	if p.cache != nil {
		p.cache.Purge()
	}
}

// storeIfCurrent caches res unless a purge happened after epoch was read.
func (p *Pipeline) storeIfCurrent(key string, res AnswerResult, epoch uint64) bool {
	if p.cache == nil {
		return false
	}
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	if p.epoch.Load() != epoch {
		return false
	}
	p.cache.Add(key, clone(res))
	return true
}

// CacheLen returns the number of cached answers.
func (p *Pipeline) CacheLen() int {
	if p.cache == nil {
		return 0
	}
	return p.cache.Len()
}

// Close stops listening for corpus events.
func (p *Pipeline) Close() error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	return nil
}

func (p *Pipeline) onCorpusEvent(_ context.Context, e events.Event) {
	switch e.Type {
	case events.DocumentIngested, events.DocumentRemoved:
		p.Purge()
		p.logger.Debug("answer cache purged",
			zap.String("event", string(e.Type)), zap.String("document_id", e.DocumentID))
	}
}

// compute runs retrieval, assembly and generation and caches a successful
// answer.
func (p *Pipeline) compute(ctx context.Context, query, key string) AnswerResult {
	ctx, span := tracer.Start(ctx, "pipeline.compute")
	defer span.End()
	epoch := p.epoch.Load()

	results, err := p.retrieve(ctx, query)
	if err != nil {
		reason := degradedReason(err)
		degradedAnswers.WithLabelValues(reason).Inc()
		span.RecordError(err)
		p.logger.Warn("retrieval failed, returning fallback answer",
			zap.String("query", query), zap.String("reason", reason), zap.Error(err))
		return AnswerResult{Text: p.generator.FallbackMessage(), UsedChunks: []string{}, Degraded: true}
	}

	pc := p.assembler.Assemble(results, p.cfg.Budget)
	span.SetAttributes(
		attribute.Int("context.items", len(pc.Items)),
		attribute.Int("context.size", pc.TotalSize),
		attribute.Bool("context.truncated", pc.Truncated),
	)

	res := p.generator.Generate(ctx, query, pc)
	if res.UsedChunks == nil {
		res.UsedChunks = []string{}
	}
	if res.Degraded {
		reason := "generation"
		if pc.Empty() {
			reason = "no_context"
		}
		degradedAnswers.WithLabelValues(reason).Inc()
		return res
	}
	if ctx.Err() == nil {
		p.storeIfCurrent(key, res, epoch)
	}
	return res
}

// retrieve calls the retriever, retrying while the embedder is unavailable.
func (p *Pipeline) retrieve(ctx context.Context, query string) ([]retrieval.Result, error) {
	backoff := p.cfg.EmbedBackoff
	var err error
	for attempt := 1; attempt <= p.cfg.EmbedAttempts; attempt++ {
		var results []retrieval.Result
		results, err = p.retriever.Retrieve(ctx, query, p.cfg.TopK)
		if err == nil {
			return results, nil
		}
		if !errors.Is(err, embeddings.ErrEmbeddingUnavailable) || attempt == p.cfg.EmbedAttempts {
			break
		}
		p.logger.Debug("embedder unavailable, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, err
}

func degradedReason(err error) string {
	switch {
	case errors.Is(err, embeddings.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, vectorindex.ErrIndexCorrupt):
		return "index_corrupt"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "retrieval_error"
	}
}

func cacheKey(trimmed string) string {
	return strings.ToLower(trimmed)
}

func clone(r AnswerResult) AnswerResult {
	r.UsedChunks = slices.Clone(r.UsedChunks)
	return r
}
