// Package corpus seeds the document store from a directory of text files and
// optionally keeps it in sync with the directory while the server runs.
//
// Document IDs are slash-separated paths relative to the corpus root, so the
// same tree produces the same IDs on every host.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragd/internal/document"
	"github.com/fyrsmithlabs/ragd/internal/sanitize"
)

var (
	// ErrInvalidConfig indicates a corpus configuration that cannot be used.
	ErrInvalidConfig = errors.New("invalid corpus configuration")

	// errSkipped marks files that are deliberately not ingested.
	errSkipped = errors.New("skipped")
)

// Metadata keys set on every corpus document.
const (
	MetaFilename  = "filename"
	MetaExtension = "extension"
)

// DefaultMaxFileSize bounds corpus files when no limit is configured.
const DefaultMaxFileSize int64 = 1 << 20

// Config configures the loader and watcher.
type Config struct {
	Dir         string
	Extensions  []string
	MaxFileSize int64
	Debounce    time.Duration
}

// Ingester is the subset of the document store the loader writes to.
type Ingester interface {
	Ingest(ctx context.Context, doc document.Document) ([]string, error)
	Remove(ctx context.Context, documentID string) (bool, error)
}

// Stats summarizes one Load pass.
type Stats struct {
	Ingested int `json:"ingested"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Loader maps files under a root directory to documents.
type Loader struct {
	root     string
	cfg      Config
	exts     map[string]struct{}
	ignore   *ignoreRules
	ingester Ingester
	logger   *zap.Logger

	mu    sync.Mutex
	known map[string]struct{}
}

// NewLoader validates cfg and resolves the corpus root.
func NewLoader(cfg Config, ingester Ingester, logger *zap.Logger) (*Loader, error) {
	if ingester == nil {
		return nil, fmt.Errorf("%w: ingester is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("%w: dir is required", ErrInvalidConfig)
	}
	root, err := sanitize.ValidatePath(cfg.Dir, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidConfig, cfg.Dir)
	}

	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = []string{".txt", ".md"}
	}
	exts := make(map[string]struct{}, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = struct{}{}
	}

	rules, err := loadIgnoreRules(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFile, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		root:     root,
		cfg:      cfg,
		exts:     exts,
		ignore:   rules,
		ingester: ingester,
		logger:   logger.Named("corpus"),
		known:    make(map[string]struct{}),
	}, nil
}

// Root returns the resolved corpus directory.
func (l *Loader) Root() string {
	return l.root
}

// Load walks the corpus once and ingests every eligible file. Per-file
// failures are logged and counted; only context cancellation or an
// unreadable root aborts the walk.
func (l *Loader) Load(ctx context.Context) (Stats, error) {
	var stats Stats
	start := time.Now()

	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			if p == l.root {
				return walkErr
			}
			l.logger.Warn("skipping unreadable path", zap.String("path", p), zap.Error(walkErr))
			stats.Failed++
			return nil
		}
		rel := l.relative(p)
		if d.IsDir() {
			if p != l.root && l.ignore.Ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}

		switch err := l.ingestFile(ctx, p); {
		case err == nil:
			stats.Ingested++
		case errors.Is(err, errSkipped):
			stats.Skipped++
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			l.logger.Warn("failed to ingest corpus file", zap.String("path", rel), zap.Error(err))
			stats.Failed++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("failed to load corpus %s: %w", l.root, err)
	}

	filesTotal.WithLabelValues("ingested").Add(float64(stats.Ingested))
	filesTotal.WithLabelValues("skipped").Add(float64(stats.Skipped))
	filesTotal.WithLabelValues("failed").Add(float64(stats.Failed))
	l.logger.Info("corpus loaded",
		zap.String("dir", l.root),
		zap.Int("ingested", stats.Ingested),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", time.Since(start)))
	return stats, nil
}

// eligible reports whether a file path should become a document, by name
// alone.
func (l *Loader) eligible(rel string) bool {
	if l.ignore.Ignored(rel, false) {
		return false
	}
	_, ok := l.exts[strings.ToLower(filepath.Ext(rel))]
	return ok
}

func (l *Loader) relative(p string) string {
	rel, err := filepath.Rel(l.root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func (l *Loader) ingestFile(ctx context.Context, p string) error {
	rel := l.relative(p)
	if !l.eligible(rel) {
		return errSkipped
	}

	// Symlinks are followed only while they stay inside the corpus.
	resolved, err := sanitize.ValidatePath(p, l.root)
	if err != nil {
		l.logger.Warn("skipping file outside corpus", zap.String("path", rel), zap.Error(err))
		return errSkipped
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return errSkipped
	}
	if info.Size() > l.cfg.MaxFileSize {
		l.logger.Warn("skipping oversized corpus file",
			zap.String("path", rel),
			zap.Int64("size", info.Size()),
			zap.Int64("max_file_size", l.cfg.MaxFileSize))
		return errSkipped
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return err
	}
	if !utf8.Valid(data) {
		l.logger.Warn("skipping non-UTF-8 corpus file", zap.String("path", rel))
		return errSkipped
	}
	if strings.TrimSpace(string(data)) == "" {
		l.logger.Debug("skipping empty corpus file", zap.String("path", rel))
		return errSkipped
	}

	doc := document.Document{
		ID:        rel,
		SourceURI: fileURI(p),
		RawText:   string(data),
		Metadata: map[string]string{
			MetaFilename:  filepath.Base(p),
			MetaExtension: strings.ToLower(filepath.Ext(p)),
		},
	}
	ids, err := l.ingester.Ingest(ctx, doc)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.known[rel] = struct{}{}
	l.mu.Unlock()
	l.logger.Debug("ingested corpus file", zap.String("document_id", rel), zap.Int("chunks", len(ids)))
	return nil
}

// removePath removes the document for rel, or every known document below it
// when rel was a directory.
func (l *Loader) removePath(ctx context.Context, rel string) int {
	l.mu.Lock()
	var ids []string
	for id := range l.known {
		if id == rel || strings.HasPrefix(id, rel+"/") {
			ids = append(ids, id)
			delete(l.known, id)
		}
	}
	l.mu.Unlock()

	removed := 0
	for _, id := range ids {
		ok, err := l.ingester.Remove(ctx, id)
		if err != nil {
			l.logger.Warn("failed to remove corpus document", zap.String("document_id", id), zap.Error(err))
			continue
		}
		if ok {
			removed++
			filesTotal.WithLabelValues("removed").Inc()
		}
	}
	return removed
}

func fileURI(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
