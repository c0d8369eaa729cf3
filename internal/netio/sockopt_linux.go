//go:build linux

package netio

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOpts configures CoAP listener socket options via the
// ListenConfig Control callback.
func setSocketOpts(c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: kernel FDs are small positive integers.
		sockErr = applySockOpts(int(fd))
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

func applySockOpts(fd int) error {
	// SO_REUSEADDR: a stopped and restarted service rebinds its port
	// without waiting for the previous socket to drain.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	return nil
}
