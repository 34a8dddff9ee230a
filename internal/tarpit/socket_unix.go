//go:build linux || darwin || freebsd || netbsd || openbsd

package tarpit

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setReceiveBufferSize applies SO_RCVBUF = size to the accepted socket.
// The kernel is free to clamp the requested value to its own minimum;
// that's fine, the goal is "as small as the OS allows".
func setReceiveBufferSize(conn *net.TCPConn, size int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "SyscallConn")
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	})
	if err != nil {
		return errors.Wrap(err, "rawConn.Control")
	}

	return errors.Wrap(sockErr, "setsockopt(SO_RCVBUF)")
}
