//go:build unix

package dialer

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneKeepAlive is a belt-and-suspenders pass over the raw file
// descriptor on unix targets, setting TCP_NODELAY directly via the
// socket option in addition to the portable net.TCPConn setters above.
// It never overrides a failure already returned by those setters; any
// error here is swallowed since the connection is already usable.
func tuneKeepAlive(conn *net.TCPConn, period time.Duration) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = period
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}
