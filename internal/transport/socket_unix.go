//go:build !windows

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setSocketOptions sets SO_REUSEADDR on fd so a restarted server endpoint can
// rebind its listen address immediately, without waiting out TIME_WAIT.
func setSocketOptions(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// controlReuseAddr is passed as the Control callback of a net.ListenConfig so
// every socket this package binds for a server endpoint gets SO_REUSEADDR
// applied before bind(2), matching the teacher's platform socket-tuning
// pattern (internal/transport/socket_windows_test.go) generalized to TCP/UDP
// server endpoints.
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
