//go:build windows

package transport

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// setSocketOptions sets SO_REUSEADDR on fd, the same single option the unix
// build sets; SO_REUSEPORT is not touched.
func setSocketOptions(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// controlReuseAddr mirrors the unix build's Control callback for
// net.ListenConfig.
func controlReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = setSocketOptions(fd)
	})
	if err != nil {
		return err
	}
	return sockErr
}
