package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/protocol"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// ErrNotWritable is returned by Send while the source is not connected.
var ErrNotWritable = errors.New("tcp source not connected")

// TCPSource maintains a single outbound connection to the timing engine and
// emits delimited frames. It reconnects forever with exponential backoff
// (1s doubling to a 30s cap) until stopped; the backoff resets after a
// successful read.
type TCPSource struct {
	logger logging.Logger

	mu     sync.Mutex
	addr   string
	conn   net.Conn
	status Status

	messages chan string
	statusCh chan Status
	errs     chan error

	stopOnce sync.Once
	stopped  chan struct{}
	cancel   context.CancelFunc
}

// NewTCPSource creates a source for host:port. Run must be called to start.
func NewTCPSource(host string, port int, logger logging.Logger) *TCPSource {
	return &TCPSource{
		logger:   logger,
		addr:     net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		status:   StatusDisconnected,
		messages: make(chan string, 64),
		statusCh: make(chan Status, 8),
		errs:     make(chan error, 8),
		stopped:  make(chan struct{}),
	}
}

// Messages returns the frame channel. Closed when the source stops.
func (s *TCPSource) Messages() <-chan string { return s.messages }

// StatusChanges returns the status transition channel.
func (s *TCPSource) StatusChanges() <-chan Status { return s.statusCh }

// Errors returns the error channel.
func (s *TCPSource) Errors() <-chan error { return s.errs }

// Status returns the current connection state.
func (s *TCPSource) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Addr returns the current target address.
func (s *TCPSource) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// SetHost retargets the source, e.g. after UDP discovery. The new address
// is used on the next connect attempt; an established connection to the old
// address is dropped.
func (s *TCPSource) SetHost(host string, port int) {
	s.mu.Lock()
	s.addr = net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Run drives the connect/read loop until ctx is done or Stop is called.
func (s *TCPSource) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.setStatus(StatusDisconnected)
		close(s.messages)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		default:
		}

		s.setStatus(StatusConnecting)
		addr := s.Addr()
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			s.emitError(fmt.Errorf("connect %s: %w", addr, err))
			s.setStatus(StatusDisconnected)
			if !s.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setStatus(StatusConnected)
		s.logger.WithField("addr", addr).Info("TCP source connected")

		s.readLoop(ctx, conn, bo)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
		s.setStatus(StatusDisconnected)

		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		default:
		}
		if !s.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (s *TCPSource) readLoop(ctx context.Context, conn net.Conn, bo *backoff.ExponentialBackOff) {
	reader := protocol.NewFrameReader(conn)
	for {
		frame, err := reader.Next()
		switch {
		case err == nil:
			bo.Reset()
			select {
			case s.messages <- frame:
			case <-ctx.Done():
				return
			case <-s.stopped:
				return
			}
		case errors.Is(err, protocol.ErrFrameTooLong), errors.Is(err, protocol.ErrMalformedFrame):
			// Recoverable framing problem; the connection stays up.
			s.emitError(err)
		default:
			s.emitError(fmt.Errorf("read: %w", err))
			return
		}
	}
}

// Send writes an outbound XML frame, appending the delimiter.
func (s *TCPSource) Send(frame string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotWritable
	}
	_, err := conn.Write(append([]byte(frame), protocol.Delimiter))
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Stop cancels the active connect or read and ends the run loop. Idempotent.
func (s *TCPSource) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		conn := s.conn
		cancel := s.cancel
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if cancel != nil {
			cancel()
		}
	})
}

func (s *TCPSource) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	select {
	case s.statusCh <- status:
	default:
	}
}

func (s *TCPSource) emitError(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *TCPSource) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.stopped:
		return false
	case <-timer.C:
		return true
	}
}
