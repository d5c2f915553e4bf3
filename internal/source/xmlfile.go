package source

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/protocol"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// XMLFileSource reads the shared XML database file whenever it changes and
// emits the full content as one frame. The active path may change at
// runtime when the config locator resolves a different file.
type XMLFileSource struct {
	logger       logging.Logger
	mode         string
	pollInterval time.Duration
	debounce     time.Duration

	mu        sync.Mutex
	path      string
	status    Status
	lastMtime time.Time
	wasOpen   bool

	frames   chan string
	statusCh chan Status
	errs     chan error
	restart  chan string

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewXMLFileSource creates a source; path may be empty until SetPath.
func NewXMLFileSource(path, mode string, pollInterval, debounce time.Duration, logger logging.Logger) *XMLFileSource {
	return &XMLFileSource{
		logger:       logger,
		mode:         mode,
		pollInterval: pollInterval,
		debounce:     debounce,
		path:         path,
		status:       StatusDisconnected,
		frames:       make(chan string, 8),
		statusCh:     make(chan Status, 8),
		errs:         make(chan error, 8),
		restart:      make(chan string, 1),
		stopped:      make(chan struct{}),
	}
}

// Frames returns whole-file frames.
func (x *XMLFileSource) Frames() <-chan string { return x.frames }

// StatusChanges returns the status transition channel.
func (x *XMLFileSource) StatusChanges() <-chan Status { return x.statusCh }

// Errors returns the error channel.
func (x *XMLFileSource) Errors() <-chan error { return x.errs }

// Status returns the current state.
func (x *XMLFileSource) Status() Status {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// Path returns the currently watched file path.
func (x *XMLFileSource) Path() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.path
}

// SetPath switches the watched file. A no-op when the path is unchanged.
func (x *XMLFileSource) SetPath(path string) {
	x.mu.Lock()
	same := x.path == path
	x.path = path
	x.mu.Unlock()
	if same {
		return
	}
	select {
	case x.restart <- path:
	default:
		// A restart is already pending; it will pick up the new path.
	}
}

// Run watches the active path until ctx is done or Stop is called.
func (x *XMLFileSource) Run(ctx context.Context) {
	defer func() {
		x.setStatus(StatusDisconnected)
		close(x.frames)
	}()

	for {
		path := x.Path()
		if path == "" {
			select {
			case <-ctx.Done():
				return
			case <-x.stopped:
				return
			case <-x.restart:
				continue
			}
		}
		if !x.watchPath(ctx, path) {
			return
		}
	}
}

// watchPath runs one watcher generation. Returns false to end Run.
func (x *XMLFileSource) watchPath(ctx context.Context, path string) bool {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher := NewFileWatcher(path, x.mode, x.pollInterval, x.debounce, x.logger)
	go watcher.Run(watchCtx)
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-x.stopped:
			return false
		case <-x.restart:
			return true
		case <-watcher.Ready():
			x.readAndEmit(path)
		case <-watcher.Changes():
			x.readAndEmit(path)
		case err := <-watcher.Errors():
			x.handleReadError(err)
		}
	}
}

func (x *XMLFileSource) readAndEmit(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		x.handleReadError(fmt.Errorf("stat %s: %w", path, err))
		return
	}

	x.mu.Lock()
	unchanged := fi.ModTime().Equal(x.lastMtime) && x.wasOpen
	x.mu.Unlock()
	if unchanged {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		x.handleReadError(fmt.Errorf("read %s: %w", path, err))
		return
	}

	content := string(data)
	if !protocol.HasMagic(content) {
		x.emitError(fmt.Errorf("%s: not a Canoe123 data file", path))
		return
	}

	x.mu.Lock()
	x.lastMtime = fi.ModTime()
	x.wasOpen = true
	x.mu.Unlock()
	x.setStatus(StatusConnected)

	select {
	case x.frames <- content:
	case <-x.stopped:
	}
}

// handleReadError demotes the status to connecting when the file goes away
// after having been read, mirroring how a dropped stream is reported.
func (x *XMLFileSource) handleReadError(err error) {
	x.emitError(err)
	x.mu.Lock()
	wasOpen := x.wasOpen
	x.mu.Unlock()
	if wasOpen {
		x.setStatus(StatusConnecting)
	}
}

// Stop ends the watch loop. Idempotent.
func (x *XMLFileSource) Stop() {
	x.stopOnce.Do(func() {
		close(x.stopped)
	})
}

func (x *XMLFileSource) setStatus(status Status) {
	x.mu.Lock()
	if x.status == status {
		x.mu.Unlock()
		return
	}
	x.status = status
	x.mu.Unlock()

	select {
	case x.statusCh <- status:
	default:
	}
}

func (x *XMLFileSource) emitError(err error) {
	select {
	case x.errs <- err:
	default:
	}
}
