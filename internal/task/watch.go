package task

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tabnerd/internal/logging"
)

// Watcher watches one task file and fires a callback when edits settle.
// It watches the parent directory rather than the file itself because most
// editors save via rename, which would silently detach a file-level watch.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	path        string
	base        string
	debounceDur time.Duration
	pendingAt   time.Time
	hasPending  bool
	onChange    func()
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the task file at path. onChange runs on
// the watcher goroutine after edits have settled for the debounce window.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		path:        abs,
		base:        filepath.Base(abs),
		debounceDur: 500 * time.Millisecond,
		onChange:    onChange,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	logging.Task("watching %s for changes", w.path)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
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
		logging.TaskError("watcher close failed: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
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
			logging.TaskError("watch error: %v", err)

		case <-ticker.C:
			w.fireIfSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != w.base {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	logging.TaskDebug("task file event: %s %s", event.Op, event.Name)

	w.mu.Lock()
	w.pendingAt = time.Now()
	w.hasPending = true
	w.mu.Unlock()
}

// fireIfSettled runs the callback once the last event is older than the
// debounce window. Rapid saves coalesce into one callback.
func (w *Watcher) fireIfSettled() {
	w.mu.Lock()
	ready := w.hasPending && time.Since(w.pendingAt) >= w.debounceDur
	w.mu.Unlock()
	if !ready {
		return
	}

	// A rename-replace save briefly removes the file; stay pending until it
	// is back on disk.
	if _, err := os.Stat(w.path); err != nil {
		logging.TaskDebug("task file not readable yet: %v", err)
		return
	}

	w.mu.Lock()
	w.hasPending = false
	w.mu.Unlock()
	w.onChange()
}
