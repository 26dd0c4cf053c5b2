package corpus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 3 * time.Second
	tick    = 20 * time.Millisecond
)

func startWatcher(t *testing.T, dir string, ing *fakeIngester) *Watcher {
	t.Helper()
	l, err := NewLoader(Config{Dir: dir, Debounce: 30 * time.Millisecond}, ing, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = l.Load(context.Background())
	require.NoError(t, err)

	w, err := NewWatcher(l)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_SyncsChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "existing.txt", "first version")

	ing := newFakeIngester()
	startWatcher(t, dir, ing)

	t.Run("create", func(t *testing.T) {
		writeFile(t, dir, "new.md", "fresh content")
		require.Eventually(t, func() bool {
			_, ok := ing.get("new.md")
			return ok
		}, waitFor, tick)
	})

	t.Run("modify", func(t *testing.T) {
		writeFile(t, dir, "existing.txt", "second version")
		require.Eventually(t, func() bool {
			d, ok := ing.get("existing.txt")
			return ok && d.RawText == "second version"
		}, waitFor, tick)
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "existing.txt")))
		require.Eventually(t, func() bool {
			_, ok := ing.get("existing.txt")
			return !ok
		}, waitFor, tick)
	})

	t.Run("new directory", func(t *testing.T) {
		writeFile(t, dir, "later/nested.txt", "inside a new directory")
		require.Eventually(t, func() bool {
			_, ok := ing.get("later/nested.txt")
			return ok
		}, waitFor, tick)
	})

	t.Run("ignored extension", func(t *testing.T) {
		writeFile(t, dir, "script.sh", "echo hi")
		time.Sleep(150 * time.Millisecond)
		_, ok := ing.get("script.sh")
		assert.False(t, ok)
	})
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	ing := newFakeIngester()
	startWatcher(t, dir, ing)

	for i := 0; i < 5; i++ {
		writeFile(t, dir, "burst.txt", "revision")
	}
	require.Eventually(t, func() bool {
		_, ok := ing.get("burst.txt")
		return ok
	}, waitFor, tick)

	ing.mu.Lock()
	n := ing.ingests
	ing.mu.Unlock()
	assert.LessOrEqual(t, n, 2)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLoader(Config{Dir: dir}, newFakeIngester(), nil)
	require.NoError(t, err)

	w, err := NewWatcher(l)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()

	unstarted, err := NewWatcher(l)
	require.NoError(t, err)
	unstarted.Stop()
}
