package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// Watch modes.
const (
	WatchNative  = "native"
	WatchPolling = "polling"
)

// FileWatcher observes one file for modification, either through fsnotify
// or by polling its mtime. Both paths debounce so a flurry of writes
// produces a single change event. The parent directory is watched in native
// mode because the engine replaces the file with rename writes.
type FileWatcher struct {
	logger       logging.Logger
	path         string
	mode         string
	pollInterval time.Duration
	debounce     time.Duration

	ready   chan struct{}
	changes chan struct{}
	errs    chan error

	mu        sync.Mutex
	debouncer *time.Timer
	lastMtime time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewFileWatcher creates a watcher. mode is WatchNative or WatchPolling.
func NewFileWatcher(path, mode string, pollInterval, debounce time.Duration, logger logging.Logger) *FileWatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	return &FileWatcher{
		logger:       logger,
		path:         path,
		mode:         mode,
		pollInterval: pollInterval,
		debounce:     debounce,
		ready:        make(chan struct{}, 1),
		changes:      make(chan struct{}, 4),
		errs:         make(chan error, 4),
		stopped:      make(chan struct{}),
	}
}

// Ready fires once after the initial scan.
func (w *FileWatcher) Ready() <-chan struct{} { return w.ready }

// Changes delivers debounced change events.
func (w *FileWatcher) Changes() <-chan struct{} { return w.changes }

// Errors delivers access failures.
func (w *FileWatcher) Errors() <-chan error { return w.errs }

// Run watches until ctx is done or Stop is called.
func (w *FileWatcher) Run(ctx context.Context) {
	if fi, err := os.Stat(w.path); err == nil {
		w.mu.Lock()
		w.lastMtime = fi.ModTime()
		w.mu.Unlock()
	} else {
		w.emitError(fmt.Errorf("initial scan %s: %w", w.path, err))
	}
	select {
	case w.ready <- struct{}{}:
	default:
	}

	if w.mode == WatchNative {
		if err := w.runNative(ctx); err != nil {
			w.emitError(err)
			w.logger.WithError(err).Warn("Native file watch failed, falling back to polling")
			w.runPolling(ctx)
		}
		return
	}
	w.runPolling(ctx)
}

func (w *FileWatcher) runNative(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopped:
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.emitError(fmt.Errorf("watch: %w", err))
		}
	}
}

func (w *FileWatcher) runPolling(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-ticker.C:
			fi, err := os.Stat(w.path)
			if err != nil {
				w.emitError(fmt.Errorf("poll %s: %w", w.path, err))
				continue
			}
			w.mu.Lock()
			changed := !fi.ModTime().Equal(w.lastMtime)
			if changed {
				w.lastMtime = fi.ModTime()
			}
			w.mu.Unlock()
			if changed {
				w.scheduleChange()
			}
		}
	}
}

// scheduleChange coalesces rapid events into one emission after the
// debounce window.
func (w *FileWatcher) scheduleChange() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debouncer != nil {
		w.debouncer.Stop()
	}
	w.debouncer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopped:
			return
		default:
		}
		select {
		case w.changes <- struct{}{}:
		default:
		}
	})
}

// Stop ends the watch loop and cancels a pending debounce. Idempotent.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		w.mu.Lock()
		if w.debouncer != nil {
			w.debouncer.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *FileWatcher) emitError(err error) {
	select {
	case w.errs <- err:
	default:
	}
}
