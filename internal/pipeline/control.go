package pipeline

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// abortSignal is the file name that stops an in-flight run.
const abortSignal = "abort"

// ControlWatcher watches a control directory for an abort signal file.
// A long analysis run can be stopped from another terminal by dropping
// an "abort" file into the directory; the engine checks between dispatch
// steps, so in-flight calls still settle before the run stops.
type ControlWatcher struct {
	dir string

	mu          sync.RWMutex
	abortSignal bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewControlWatcher creates a watcher over the given control directory.
// An empty dir disables external control entirely. If the fsnotify
// watcher cannot be established the watcher degrades to the stat-based
// fallback in ShouldAbort.
func NewControlWatcher(dir string) (*ControlWatcher, error) {
	cw := &ControlWatcher{
		dir:  dir,
		done: make(chan struct{}),
	}
	if dir == "" {
		return cw, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - will use polling fallback
		return cw, nil
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return cw, nil
	}
	cw.watcher = watcher

	go cw.watchSignals()

	return cw, nil
}

// watchSignals monitors the control directory for the abort file.
func (cw *ControlWatcher) watchSignals() {
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) == abortSignal &&
				(event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0) {
				// A stale event can arrive after ClearSignals already
				// removed the file; only latch while it still exists.
				if _, err := os.Stat(event.Name); err == nil {
					cw.mu.Lock()
					cw.abortSignal = true
					cw.mu.Unlock()
					debugLog("control: abort signal observed")
				}
			}
		case <-cw.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// ShouldAbort returns true if an abort signal has been received.
func (cw *ControlWatcher) ShouldAbort() bool {
	if cw == nil || cw.dir == "" {
		return false
	}

	// Also check the file directly in case the watcher missed it.
	if _, err := os.Stat(filepath.Join(cw.dir, abortSignal)); err == nil {
		cw.mu.Lock()
		cw.abortSignal = true
		cw.mu.Unlock()
	}

	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.abortSignal
}

// SendAbort creates the abort signal file.
func (cw *ControlWatcher) SendAbort() error {
	if cw == nil || cw.dir == "" {
		return nil
	}
	path := filepath.Join(cw.dir, abortSignal)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}

// ClearSignals removes the abort file and resets signal state.
func (cw *ControlWatcher) ClearSignals() {
	if cw == nil || cw.dir == "" {
		return
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.abortSignal = false
	os.Remove(filepath.Join(cw.dir, abortSignal))
}

// Close shuts down the control watcher.
func (cw *ControlWatcher) Close() {
	if cw == nil {
		return
	}
	close(cw.done)
	if cw.watcher != nil {
		cw.watcher.Close()
	}
}
