package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/assembler"
	"github.com/fyrsmithlabs/ragd/internal/config"
	"github.com/fyrsmithlabs/ragd/internal/corpus"
	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/embeddings"
	"github.com/fyrsmithlabs/ragd/internal/events"
	"github.com/fyrsmithlabs/ragd/internal/generation"
	httpserver "github.com/fyrsmithlabs/ragd/internal/http"
	"github.com/fyrsmithlabs/ragd/internal/logging"
	"github.com/fyrsmithlabs/ragd/internal/pipeline"
	"github.com/fyrsmithlabs/ragd/internal/reranker"
	"github.com/fyrsmithlabs/ragd/internal/retrieval"
	"github.com/fyrsmithlabs/ragd/internal/secrets"
	"github.com/fyrsmithlabs/ragd/internal/telemetry"
	"github.com/fyrsmithlabs/ragd/internal/vectorindex"
)

// recallSampleSize caps the stored vectors replayed as queries when checking
// a non-exact index.
const recallSampleSize = 32

// app holds the running components. Close releases them in reverse order of
// construction.
type app struct {
	logger   *zap.Logger
	store    *document.Store
	index    vectorindex.Index
	pipeline *pipeline.Pipeline
	server   *httpserver.Server

	closers []func() error
}

func (a *app) onClose(name string, fn func() error) {
	a.closers = append(a.closers, func() error {
		if err := fn(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

// Close runs the registered closers last-in first-out.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	err := errors.Join(errs...)
	if err != nil && a.logger != nil {
		a.logger.Warn("errors during shutdown", zap.Error(err))
	}
	return err
}

// build constructs config-dependent components in dependency order. On
// error everything built so far is closed.
func build(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.onClose("telemetry", func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tel.Shutdown(sctx)
	})

	logCfg, err := logging.FromAppConfig(cfg.Logging, cfg.Observability.ServiceName, tel.IsEnabled())
	if err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	l, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := l.Underlying()
	a.logger = logger
	a.onClose("logger", func() error {
		_ = logger.Sync() // stdout sync fails on some terminals
		return nil
	})

	logger.Info("starting ragd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("embeddings", cfg.Embeddings.Provider),
		zap.String("index", cfg.Index.Provider),
		zap.String("generation", cfg.Generation.Provider))

	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		Dimension: cfg.Embeddings.Dimension,
		BaseURL:   cfg.Embeddings.BaseURL,
		APIKey:    cfg.Embeddings.APIKey.Value(),
		Timeout:   cfg.Embeddings.Timeout,
		CacheSize: cfg.Embeddings.CacheSize,
		CacheDir:  cfg.Embeddings.FastEmbedCacheDir,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	a.onClose("embedder", embedder.Close)

	index, err := vectorindex.New(ctx, vectorindex.Config{
		Provider:          cfg.Index.Provider,
		Dimension:         embedder.Dimension(),
		ChromemPath:       cfg.Index.ChromemPath,
		ChromemCollection: cfg.Index.ChromemCollection,
		Qdrant: vectorindex.QdrantConfig{
			Host:       cfg.Index.QdrantHost,
			Port:       cfg.Index.QdrantPort,
			Collection: cfg.Index.QdrantCollection,
			UseTLS:     cfg.Index.QdrantUseTLS,
			APIKey:     cfg.Index.QdrantAPIKey.Value(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	a.index = index
	a.onClose("index", index.Close)

	bus, err := events.New(events.Config{
		Provider: cfg.Events.Provider,
		NATSURL:  cfg.Events.NATSURL,
		Subject:  cfg.Events.Subject,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	a.onClose("events", bus.Close)

	storeOpts := []document.Option{document.WithEventBus(bus), document.WithLogger(logger)}
	if cfg.Redaction.Enabled {
		allow, err := secrets.LoadAllowlist(cfg.Redaction.AllowlistFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load redaction allowlist: %w", err)
		}
		redactor, err := secrets.NewRedactor(allow, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redactor: %w", err)
		}
		storeOpts = append(storeOpts, document.WithSanitizer(redactor))
	}
	store, err := document.NewStore(document.Config{
		ChunkSize:       cfg.Store.ChunkSize,
		ChunkOverlap:    cfg.Store.ChunkOverlap,
		MaxDocumentSize: cfg.Store.MaxDocumentSize,
	}, embedder, index, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create document store: %w", err)
	}
	a.store = store

	if cfg.Corpus.Dir != "" {
		if err := a.seedCorpus(ctx, cfg.Corpus, store); err != nil {
			return nil, err
		}
	}

	// A persistent index may hold vectors from a previous run; the store is
	// authoritative.
	if cfg.Index.Provider != "memory" || index.Len() != store.ChunkCount() {
		logger.Info("rebuilding vector index from store",
			zap.Int("index_len", index.Len()), zap.Int("chunks", store.ChunkCount()))
		if err := store.RebuildIndex(ctx); err != nil {
			return nil, fmt.Errorf("failed to rebuild vector index: %w", err)
		}
	}
	if cfg.Index.Provider != "memory" && cfg.Index.MinRecall > 0 {
		if err := checkRecall(ctx, store, index, cfg.Retrieval.TopK, cfg.Index.MinRecall, logger); err != nil {
			return nil, err
		}
	}

	rr, err := reranker.New(reranker.Config{
		Name:             cfg.Retrieval.Reranker,
		SimilarityWeight: float32(cfg.Retrieval.SimilarityWeight),
		OverlapWeight:    float32(cfg.Retrieval.OverlapWeight),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reranker: %w", err)
	}
	a.onClose("reranker", rr.Close)

	retriever, err := retrieval.New(store, embedder, rr, retrieval.Config{
		TopK:     cfg.Retrieval.TopK,
		MaxTopK:  cfg.Retrieval.MaxTopK,
		MinScore: float32(cfg.Retrieval.MinScore),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}

	counter, err := assembler.NewCounter(assembler.Unit(cfg.Assembler.Unit), cfg.Assembler.TokenizerModel)
	if err != nil {
		return nil, fmt.Errorf("failed to create context assembler: %w", err)
	}
	asm := assembler.New(counter)

	backend, err := generation.NewBackend(generation.BackendConfig{
		Provider:         cfg.Generation.Provider,
		Model:            cfg.Generation.Model,
		BaseURL:          cfg.Generation.BaseURL,
		AnthropicBaseURL: cfg.Generation.AnthropicBaseURL,
		APIKey:           cfg.Generation.APIKey.Value(),
		Temperature:      cfg.Generation.Temperature,
		MaxTokens:        cfg.Generation.MaxTokens,
		Timeout:          cfg.Generation.Timeout,
		RateLimit:        cfg.Generation.RateLimit,
		RateBurst:        cfg.Generation.RateBurst,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation backend: %w", err)
	}
	gen, err := generation.New(backend, generation.Config{
		Template:             cfg.Generation.PromptTemplate,
		MaxAttempts:          cfg.Generation.MaxAttempts,
		InitialBackoff:       cfg.Generation.InitialBackoff,
		AttemptTimeout:       cfg.Generation.Timeout,
		FallbackMessage:      cfg.Generation.FallbackMessage,
		NoInformationMessage: cfg.Generation.NoInformationMessage,
	}, generation.NewMetrics(logger), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}

	p, err := pipeline.New(retriever, asm, gen, bus, pipeline.Config{
		TopK:           cfg.Retrieval.TopK,
		Budget:         cfg.Assembler.Budget,
		CacheSize:      cfg.Pipeline.CacheSize,
		CacheTTL:       cfg.Pipeline.CacheTTL,
		SingleFlight:   cfg.Pipeline.SingleFlight,
		RequestTimeout: cfg.Pipeline.RequestTimeout,
		EmbedAttempts:  cfg.Pipeline.EmbedAttempts,
		EmbedBackoff:   cfg.Pipeline.EmbedBackoff,
		MaxQueryLength: cfg.Pipeline.MaxQueryLength,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	a.pipeline = p
	a.onClose("pipeline", p.Close)

	srv, err := httpserver.NewServer(httpserver.Deps{
		Answerer:  p,
		Retriever: retriever,
		Store:     store,
	}, logger, &httpserver.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		BodyLimit:      cfg.Server.BodyLimit,
		Version:        version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create http server: %w", err)
	}
	a.server = srv

	logger.Info("ragd ready",
		zap.Int("documents", store.Len()),
		zap.Int("chunks", store.ChunkCount()),
		zap.String("reranker", rr.Name()),
		zap.String("backend", backend.Name()))
	return a, nil
}

func (a *app) seedCorpus(ctx context.Context, cfg config.CorpusConfig, store *document.Store) error {
	loader, err := corpus.NewLoader(corpus.Config{
		Dir:         cfg.Dir,
		Extensions:  cfg.Extensions,
		MaxFileSize: cfg.MaxFileSize,
		Debounce:    cfg.Debounce,
	}, store, a.logger)
	if err != nil {
		return fmt.Errorf("failed to open corpus: %w", err)
	}
	if _, err := loader.Load(ctx); err != nil {
		return err
	}
	if !cfg.Watch {
		return nil
	}
	w, err := corpus.NewWatcher(loader)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return fmt.Errorf("failed to watch corpus: %w", err)
	}
	a.onClose("corpus watcher", func() error {
		w.Stop()
		return nil
	})
	return nil
}

// checkRecall compares the configured index with an exact in-memory index
// over the same entries, replaying stored vectors as queries.
func checkRecall(ctx context.Context, store *document.Store, index vectorindex.Index, k int, minRecall float64, logger *zap.Logger) error {
	entries := store.Entries()
	if len(entries) == 0 {
		return nil
	}
	reference := vectorindex.NewMemory(index.Dimension())
	defer reference.Close()
	if err := reference.Rebuild(ctx, entries); err != nil {
		return fmt.Errorf("failed to build reference index: %w", err)
	}

	step := max(1, len(entries)/recallSampleSize)
	queries := make([][]float32, 0, recallSampleSize)
	for i := 0; i < len(entries) && len(queries) < recallSampleSize; i += step {
		queries = append(queries, entries[i].Vector)
	}

	recall, err := vectorindex.Recall(ctx, reference, index, queries, k)
	if err != nil {
		return fmt.Errorf("failed to measure index recall: %w", err)
	}
	logger.Info("index recall verified", zap.Float64("recall", recall), zap.Float64("min_recall", minRecall), zap.Int("queries", len(queries)))
	if recall < minRecall {
		return fmt.Errorf("index recall %.3f is below index.min_recall %.3f", recall, minRecall)
	}
	return nil
}
