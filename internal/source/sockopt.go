//go:build !windows

package source

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddr marks the socket shareable before bind. The timing engine's own
// tooling listens on the announcement port on the same machine, so the
// gateway must not claim it exclusively.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
