package source

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/OpenCanoeTiming/c123-server-sub000/internal/protocol"
	"github.com/OpenCanoeTiming/c123-server-sub000/pkg/logging"
)

// DefaultDiscoveryTimeout bounds the wait for the first valid announcement.
const DefaultDiscoveryTimeout = 30 * time.Second

// Datagram is one valid announcement received over UDP.
type Datagram struct {
	Frame      string
	SourceAddr string
}

// UDPAnnouncer listens for the engine's broadcast announcements. The first
// valid datagram latches the discovered host, exactly once per lifetime.
// Malformed payloads are ignored silently. The socket is never rebound.
type UDPAnnouncer struct {
	logger  logging.Logger
	port    int
	timeout time.Duration

	messages   chan Datagram
	discovered chan string
	timeoutCh  chan struct{}

	mu             sync.Mutex
	conn           net.PacketConn
	status         Status
	discoveredHost string

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewUDPAnnouncer creates an announcer on the given port.
func NewUDPAnnouncer(port int, logger logging.Logger) *UDPAnnouncer {
	return &UDPAnnouncer{
		logger:     logger,
		port:       port,
		timeout:    DefaultDiscoveryTimeout,
		messages:   make(chan Datagram, 64),
		discovered: make(chan string, 1),
		timeoutCh:  make(chan struct{}, 1),
		status:     StatusDisconnected,
		stopped:    make(chan struct{}),
	}
}

// Messages returns valid announcement frames with their source address.
func (u *UDPAnnouncer) Messages() <-chan Datagram { return u.messages }

// Discovered delivers the engine host address, at most once.
func (u *UDPAnnouncer) Discovered() <-chan string { return u.discovered }

// Timeout fires once if no valid datagram arrives within the discovery
// window. After a successful discovery it never fires.
func (u *UDPAnnouncer) Timeout() <-chan struct{} { return u.timeoutCh }

// Status returns the current listener state.
func (u *UDPAnnouncer) Status() Status {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// DiscoveredHost returns the latched engine host, or "" before discovery.
func (u *UDPAnnouncer) DiscoveredHost() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.discoveredHost
}

// Run binds the socket and reads datagrams until ctx is done or Stop is
// called. A bind failure is returned immediately.
func (u *UDPAnnouncer) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", u.port))
	if err != nil {
		return fmt.Errorf("bind udp :%d: %w", u.port, err)
	}

	u.mu.Lock()
	u.conn = conn
	u.status = StatusConnected
	u.mu.Unlock()
	u.logger.WithField("port", u.port).Info("UDP announcer listening")

	timer := time.NewTimer(u.timeout)
	defer timer.Stop()
	go func() {
		select {
		case <-timer.C:
			select {
			case u.timeoutCh <- struct{}{}:
			default:
			}
		case <-u.stopped:
		case <-ctx.Done():
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-u.stopped:
		}
		conn.Close()
	}()

	defer func() {
		u.mu.Lock()
		u.status = StatusDisconnected
		u.mu.Unlock()
		close(u.messages)
	}()

	buf := make([]byte, 64*1024)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-u.stopped:
				return nil
			default:
				return fmt.Errorf("udp read: %w", err)
			}
		}

		frame := string(buf[:n])
		if !protocol.HasMagic(frame) {
			continue
		}

		host, _, splitErr := net.SplitHostPort(addr.String())
		if splitErr != nil {
			host = addr.String()
		}

		u.mu.Lock()
		first := u.discoveredHost == ""
		if first {
			u.discoveredHost = host
		}
		u.mu.Unlock()

		if first {
			timer.Stop()
			u.logger.WithField("host", host).Info("Timing engine discovered via UDP")
			u.discovered <- host
			close(u.discovered)
		}

		select {
		case u.messages <- Datagram{Frame: frame, SourceAddr: host}:
		default:
			// Slow consumer; announcements are periodic, dropping is safe.
		}
	}
}

// Stop closes the socket and ends Run. Idempotent.
func (u *UDPAnnouncer) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopped)
		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}
