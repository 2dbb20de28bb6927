// Package inbox watches a directory for project documents and hands each new
// or changed *.json file to a callback, typically one that runs the pipeline.
package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"crewplan/internal/logging"
)

// HandleFunc processes one document path.
type HandleFunc func(ctx context.Context, path string) error

// Stats counts watcher activity.
type Stats struct {
	Events    int
	Handled   int
	Failed    int
	LastPath  string
	LastError string
}

// Watcher debounces filesystem events per file and calls the handler from a
// single goroutine, so documents are processed one at a time.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	dir      string
	handle   HandleFunc
	debounce time.Duration
	pending  map[string]time.Time
	quiet    map[string]time.Time
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
	stats    Stats
}

// NewWatcher creates a watcher for dir. debounce <= 0 uses 500ms.
func NewWatcher(dir string, debounce time.Duration, handle HandleFunc) (*Watcher, error) {
	if handle == nil {
		return nil, errors.New("inbox: nil handler")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:  fw,
		dir:      dir,
		handle:   handle,
		debounce: debounce,
		pending:  make(map[string]time.Time),
		quiet:    make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start watches the directory and queues documents already present. It does
// not block.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}
	logging.Inbox("watching %s", w.dir)

	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	existing, _ := filepath.Glob(filepath.Join(w.dir, "*.json"))
	w.mu.Lock()
	for _, p := range existing {
		if isDocument(p) {
			w.pending[p] = time.Time{}
		}
	}
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop ends the event loop and releases the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		logging.InboxError("error closing watcher: %v", err)
	}
	logging.Inbox("stopped watching %s", w.dir)
}

// Stats returns a snapshot of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := time.NewTicker(max(w.debounce/5, time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.InboxError("watcher error: %v", err)
		case <-tick.C:
			w.processDue(ctx)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !isDocument(ev.Name) {
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return
	}
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.Events++
	// Our own handler rewrites the document; ignore the echo.
	if t, ok := w.quiet[ev.Name]; ok && now.Sub(t) < w.debounce {
		return
	}
	w.pending[ev.Name] = now
	logging.InboxDebug("%s %s", ev.Op, ev.Name)
}

func (w *Watcher) processDue(ctx context.Context) {
	now := time.Now()
	w.mu.Lock()
	var due []string
	for p, t := range w.pending {
		if now.Sub(t) >= w.debounce {
			due = append(due, p)
			delete(w.pending, p)
		}
	}
	w.mu.Unlock()
	sort.Strings(due)

	for _, p := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		err := w.handle(ctx, p)

		w.mu.Lock()
		w.quiet[p] = time.Now()
		w.stats.LastPath = p
		if err != nil {
			w.stats.Failed++
			w.stats.LastError = err.Error()
		} else {
			w.stats.Handled++
		}
		w.mu.Unlock()

		if err != nil {
			logging.InboxError("%s: %v", p, err)
		} else {
			logging.Inbox("%s processed", p)
		}
	}
}

// isDocument skips temp files from atomic writes and lock files.
func isDocument(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, ".json") && !strings.HasPrefix(base, ".")
}
