package scenario

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HotLoader watches a scenario file and reloads it when it changes, so
// a running simulation picks up script edits without a restart.
type HotLoader struct {
	scenario  *Scenario
	path      string
	watcher   *fsnotify.Watcher
	onReload  func()
	verbosity int

	// Debouncing
	pending    time.Time
	debounceMu sync.Mutex

	debounceDelay time.Duration
	done          chan struct{}
}

// NewHotLoader creates a hot loader for the scenario's file. onReload,
// if non-nil, is called after each successful reload.
func NewHotLoader(s *Scenario, verbosity int, onReload func()) (*HotLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &HotLoader{
		scenario:      s,
		path:          s.path,
		watcher:       watcher,
		onReload:      onReload,
		verbosity:     verbosity,
		debounceDelay: 100 * time.Millisecond,
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching for file changes. Editors replace files rather
// than writing in place, so the watch is on the containing directory.
func (h *HotLoader) Start() error {
	if err := h.watcher.Add(filepath.Dir(h.path)); err != nil {
		return err
	}

	go h.eventLoop()
	go h.debounceLoop()

	if h.verbosity >= 1 {
		log.Printf("[v1] hotloader: watching %s for changes", h.path)
	}
	return nil
}

// Stop stops the hot loader.
func (h *HotLoader) Stop() error {
	close(h.done)
	return h.watcher.Close()
}

func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			if h.verbosity >= 1 {
				log.Printf("[v1] hotloader: watcher error: %v", err)
			}
		}
	}
}

func (h *HotLoader) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(h.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	if h.verbosity >= 3 {
		log.Printf("[v3] hotloader: event %s on %s", event.Op, event.Name)
	}

	h.debounceMu.Lock()
	h.pending = time.Now()
	h.debounceMu.Unlock()
}

// debounceLoop reloads once the file has been quiet for debounceDelay.
func (h *HotLoader) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.debounceMu.Lock()
			ready := !h.pending.IsZero() && time.Since(h.pending) >= h.debounceDelay
			if ready {
				h.pending = time.Time{}
			}
			h.debounceMu.Unlock()

			if ready {
				h.reload()
			}
		}
	}
}

func (h *HotLoader) reload() {
	if err := h.scenario.Reload(); err != nil {
		log.Printf("hotloader: error reloading %s: %v", h.path, err)
		return
	}
	if h.verbosity >= 1 {
		log.Printf("[v1] hotloader: reloaded %s", h.path)
	}
	if h.onReload != nil {
		h.onReload()
	}
}
