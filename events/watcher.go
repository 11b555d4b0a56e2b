package events

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// Watcher re-registers custom events when their YAML documents change, so a
// deployment can declare new event names without a restart. Registration is
// add-only: removing a document does not unregister its names.
type Watcher struct {
	bus     *Bus
	dirs    []string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	pendingMu sync.Mutex
	pending   bool
}

// NewWatcher builds a watcher over the custom event directories.
func NewWatcher(bus *Bus, dirs []string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		bus:     bus,
		dirs:    dirs,
		watcher: fsw,
		logger:  logger.With("component", "custom-event-watcher"),
	}, nil
}

// Start performs an initial load and begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	registered, err := RegisterCustomEvents(w.bus, w.dirs)
	if err != nil {
		return err
	}
	w.logger.Info("Custom events loaded", "count", len(registered), "directories", w.dirs)

	for _, dir := range w.dirs {
		if err := w.addWatchesRecursive(dir); err != nil {
			return err
		}
	}

	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying filesystem watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

// addWatchesRecursive adds watches to dir and all its subdirectories.
func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") && base != "." {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// processEvents debounces filesystem events and reloads once per burst.
func (w *Watcher) processEvents(ctx context.Context) {
	ticker := time.NewTicker(watcherDebounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent marks a reload pending for YAML changes and picks up new
// subdirectories.
func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	ext := strings.ToLower(filepath.Ext(event.Name))
	if ext != ".yaml" && ext != ".yml" {
		if event.Has(fsnotify.Create) {
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if err := w.watcher.Add(event.Name); err != nil {
					w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
				}
			}
		}
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.pendingMu.Lock()
	w.pending = true
	w.pendingMu.Unlock()
}

// flushPending reloads the directories when a change was seen since the last
// tick. Load failures are logged and retried on the next change.
func (w *Watcher) flushPending() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = false
	w.pendingMu.Unlock()
	if !pending {
		return
	}

	registered, err := RegisterCustomEvents(w.bus, w.dirs)
	if err != nil {
		w.logger.Error("Custom event reload failed", "error", err)
		return
	}
	if len(registered) > 0 {
		names := make([]string, 0, len(registered))
		for _, evt := range registered {
			names = append(names, evt.Name)
		}
		w.logger.Info("Custom events registered", "events", names)
	}
}
