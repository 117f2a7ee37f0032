// Package watch runs the hot-folder mode: drawings dropped into a directory
// are debounced and handed to the ingest pipeline once they stop changing.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"cadgraph/internal/logging"
)

// Stats tracks watcher activity for the CLI status line and tests.
type Stats struct {
	FilesSeen        int
	IngestsTriggered int
	Errors           int
	LastEventPath    string
	LastEventTime    time.Time
}

// Handler receives a settled file path. It runs on the watcher goroutine;
// long work should hand off internally.
type Handler func(ctx context.Context, path string)

// Watcher debounces filesystem events on one directory. A file must be
// quiet for the debounce window before the handler fires, which guards
// against ingesting a drawing mid-copy.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	dir         string
	extensions  []string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	handler     Handler
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats Stats
}

// tickInterval is how often the debounce map is swept. It bounds how stale a
// settled file can sit before the handler fires.
const tickInterval = 100 * time.Millisecond

// New creates a watcher over dir for the given extensions (lower-case, with
// dot). The debounce window guards against partially copied files.
func New(dir string, extensions []string, debounce time.Duration, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{
		watcher:     fsw,
		dir:         dir,
		extensions:  extensions,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		handler:     handler,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; events are handled on one goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Watch("watching %s (debounce %s)", w.dir, w.debounceDur)

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for the event loop to drain.
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
		logging.WatchError("error closing watcher: %v", err)
	}
	logging.Watch("stopped watching %s", w.dir)
}

// Stats returns a copy of the activity counters.
func (w *Watcher) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.WatchError("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

// handleEvent records create and write events for allowed extensions. Every
// new event resets the file's debounce clock.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if !w.allowed(event.Name) {
		return
	}
	logging.WatchDebug("%s event for %s", event.Op, event.Name)

	w.mu.Lock()
	if _, pending := w.debounceMap[event.Name]; !pending {
		w.stats.FilesSeen++
	}
	w.debounceMap[event.Name] = time.Now()
	w.stats.LastEventPath = event.Name
	w.stats.LastEventTime = time.Now()
	w.mu.Unlock()
}

// processSettled fires the handler for files quiet past the debounce window.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, last := range w.debounceMap {
		if now.Sub(last) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.stats.IngestsTriggered += len(settled)
	w.mu.Unlock()

	for _, path := range settled {
		logging.Watch("file settled, triggering ingest: %s", filepath.Base(path))
		w.handler(ctx, path)
	}
}

func (w *Watcher) allowed(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, a := range w.extensions {
		if ext == a {
			return true
		}
	}
	return false
}
