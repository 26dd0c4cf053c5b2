package corpus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// DefaultDebounce is the quiet period after the last event on a path before
// it is synced.
const DefaultDebounce = 250 * time.Millisecond

// Watcher keeps the store in sync with the corpus directory. Bursts of
// events on one path collapse into a single sync after the debounce period.
type Watcher struct {
	loader   *Loader
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	started bool
	stopped bool

	inflight sync.WaitGroup
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher for the loader's root. Call Start to begin.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	debounce := loader.cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		loader:   loader,
		watcher:  fw,
		debounce: debounce,
		logger:   loader.logger.Named("watcher"),
		timers:   make(map[string]*time.Timer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start registers every non-ignored directory and processes events in a
// background goroutine until Stop is called or ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(ctx, w.loader.root, false); err != nil {
		return err
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.processEvents(ctx)
	w.logger.Info("watching corpus", zap.String("dir", w.loader.root), zap.Duration("debounce", w.debounce))
	return nil
}

// Stop stops the watcher, cancels pending syncs and waits for running ones.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	for p, t := range w.timers {
		t.Stop()
		delete(w.timers, p)
	}
	w.mu.Unlock()

	close(w.stop)
	_ = w.watcher.Close()
	if started {
		<-w.done
	}
	w.inflight.Wait()
}

// addTree watches dir and its subdirectories. With schedule set, files found
// are queued for sync; this covers files created before a new directory's
// watch was registered.
func (w *Watcher) addTree(ctx context.Context, dir string, schedule bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			if schedule {
				w.schedule(ctx, p)
			}
			return nil
		}
		if p != w.loader.root && w.loader.ignore.Ignored(w.loader.relative(p), true) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("watching %s: %w", p, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(ctx, event.Name, true); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("path", event.Name), zap.Error(err))
			}
			return
		}
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	w.schedule(ctx, event.Name)
}

// schedule (re)arms the debounce timer for p.
func (w *Watcher) schedule(ctx context.Context, p string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if t, ok := w.timers[p]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[p] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, p)
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.inflight.Add(1)
		w.mu.Unlock()
		defer w.inflight.Done()

		w.sync(ctx, p)
	})
}

// sync brings the store in line with the current state of p.
func (w *Watcher) sync(ctx context.Context, p string) {
	if ctx.Err() != nil {
		return
	}
	rel := w.loader.relative(p)

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		if n := w.loader.removePath(ctx, rel); n > 0 {
			w.logger.Info("removed corpus documents", zap.String("path", rel), zap.Int("documents", n))
		}
		return
	}
	if err != nil {
		w.logger.Warn("failed to stat corpus path", zap.String("path", rel), zap.Error(err))
		return
	}
	if info.IsDir() {
		return
	}

	switch err := w.loader.ingestFile(ctx, p); {
	case err == nil:
		filesTotal.WithLabelValues("ingested").Inc()
		w.logger.Info("re-ingested corpus file", zap.String("document_id", rel))
	case errors.Is(err, errSkipped):
		filesTotal.WithLabelValues("skipped").Inc()
		// A file that became ineligible (e.g. grew past the limit) must not
		// keep serving its old content.
		w.loader.removePath(ctx, rel)
	default:
		filesTotal.WithLabelValues("failed").Inc()
		w.logger.Warn("failed to re-ingest corpus file", zap.String("path", rel), zap.Error(err))
	}
}
