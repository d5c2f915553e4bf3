package source

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddr marks the socket shareable before bind. The timing engine's own
// tooling listens on the announcement port on the same machine, so the
// gateway must not claim it exclusively.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
