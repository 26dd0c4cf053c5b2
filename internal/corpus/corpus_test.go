package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/ragd/internal/document"
)

var _ Ingester = (*document.Store)(nil)

type fakeIngester struct {
	mu      sync.Mutex
	docs    map[string]document.Document
	ingests int
	fail    map[string]error
}

func newFakeIngester() *fakeIngester {
	return &fakeIngester{docs: make(map[string]document.Document), fail: make(map[string]error)}
}

func (f *fakeIngester) Ingest(_ context.Context, doc document.Document) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[doc.ID]; err != nil {
		return nil, err
	}
	f.ingests++
	f.docs[doc.ID] = doc
	return []string{doc.ID + "#0"}, nil
}

func (f *fakeIngester) Remove(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[id]
	delete(f.docs, id)
	return ok, nil
}

func (f *fakeIngester) get(id string) (document.Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	return d, ok
}

func (f *fakeIngester) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.docs))
	for id := range f.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestNewLoader_Validation(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "a.txt", "x")

	tests := []struct {
		name     string
		cfg      Config
		ingester Ingester
	}{
		{"missing ingester", Config{Dir: dir}, nil},
		{"empty dir", Config{Dir: " "}, newFakeIngester()},
		{"missing dir", Config{Dir: filepath.Join(dir, "nope")}, newFakeIngester()},
		{"file not dir", Config{Dir: file}, newFakeIngester()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(tt.cfg, tt.ingester, nil)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "marrakech.txt", "Marrakech is a city in Morocco.")
	writeFile(t, dir, "notes/souks.MD", "The souks sell spices and lanterns.")
	writeFile(t, dir, "main.go", "package main")
	writeFile(t, dir, "big.txt", strings.Repeat("a", 200))
	writeFile(t, dir, "empty.txt", "  \n")
	writeFile(t, dir, "binary.txt", string([]byte{0xff, 0xfe, 0x00}))
	writeFile(t, dir, "drafts/wip.txt", "unfinished")
	writeFile(t, dir, IgnoreFile, "drafts/\n")

	ing := newFakeIngester()
	l, err := NewLoader(Config{Dir: dir, Extensions: []string{"txt", ".md"}, MaxFileSize: 100}, ing, zaptest.NewLogger(t))
	require.NoError(t, err)

	stats, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"marrakech.txt", "notes/souks.MD"}, ing.ids())
	assert.Equal(t, 2, stats.Ingested)
	// main.go, big.txt, empty.txt, binary.txt, .ragignore
	assert.Equal(t, 5, stats.Skipped)
	assert.Zero(t, stats.Failed)

	doc, ok := ing.get("notes/souks.MD")
	require.True(t, ok)
	assert.Equal(t, "The souks sell spices and lanterns.", doc.RawText)
	assert.Equal(t, "souks.MD", doc.Metadata[MetaFilename])
	assert.Equal(t, ".md", doc.Metadata[MetaExtension])
	assert.True(t, strings.HasPrefix(doc.SourceURI, "file://"))
	assert.True(t, strings.HasSuffix(doc.SourceURI, "/notes/souks.MD"))
}

func TestLoader_Load_FailuresCounted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.txt", "fine")
	writeFile(t, dir, "bad.txt", "rejected")

	ing := newFakeIngester()
	ing.fail["bad.txt"] = errors.New("store full")
	l, err := NewLoader(Config{Dir: dir}, ing, nil)
	require.NoError(t, err)

	stats, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ingested)
	assert.Equal(t, 1, stats.Failed)
}

func TestLoader_Load_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "alpha")

	l, err := NewLoader(Config{Dir: dir}, newFakeIngester(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoader_RemovePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "top.txt", "top")
	writeFile(t, dir, "guides/a.txt", "a")
	writeFile(t, dir, "guides/b.txt", "b")
	writeFile(t, dir, "guidesx.txt", "not below guides")

	ing := newFakeIngester()
	l, err := NewLoader(Config{Dir: dir}, ing, nil)
	require.NoError(t, err)
	_, err = l.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, l.removePath(context.Background(), "guides"))
	assert.Equal(t, []string{"guidesx.txt", "top.txt"}, ing.ids())
	assert.Zero(t, l.removePath(context.Background(), "unknown.txt"))
}
