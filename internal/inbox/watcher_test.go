package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(paths chan<- string, err error) HandleFunc {
	return func(_ context.Context, p string) error {
		paths <- filepath.Base(p)
		return err
	}
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for handler")
		return ""
	}
}

func TestWatcher_HandlesNewDocuments(t *testing.T) {
	dir := t.TempDir()
	paths := make(chan string, 10)
	w, err := NewWatcher(dir, 50*time.Millisecond, collect(paths, nil))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".doc.json.tmp.1.ab"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tower.json"), []byte("{}"), 0644))

	assert.Equal(t, "tower.json", waitFor(t, paths))
	assert.Eventually(t, func() bool { return w.Stats().Handled == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_PicksUpExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.json"), []byte("{}"), 0644))

	paths := make(chan string, 10)
	w, err := NewWatcher(dir, 20*time.Millisecond, collect(paths, nil))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Equal(t, "existing.json", waitFor(t, paths))
}

func TestWatcher_CountsFailures(t *testing.T) {
	dir := t.TempDir()
	paths := make(chan string, 10)
	w, err := NewWatcher(dir, 20*time.Millisecond, collect(paths, errors.New("stage failed")))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{}"), 0644))
	waitFor(t, paths)
	assert.Eventually(t, func() bool {
		s := w.Stats()
		return s.Failed == 1 && s.LastError == "stage failed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), 0, collect(make(chan string, 1), nil))
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	w.Stop()
	w.Stop()
}

func TestNewWatcher_RequiresHandler(t *testing.T) {
	_, err := NewWatcher(t.TempDir(), 0, nil)
	assert.Error(t, err)
}

func TestIsDocument(t *testing.T) {
	assert.True(t, isDocument("/x/a.json"))
	assert.False(t, isDocument("/x/.a.json.tmp.1.ff"))
	assert.False(t, isDocument("/x/a.json.lock"))
	assert.False(t, isDocument("/x/a.yaml"))
}
