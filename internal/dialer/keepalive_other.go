//go:build !unix

package dialer

import (
	"net"
	"time"
)

// tuneKeepAlive is a no-op on non-unix targets; the portable
// net.TCPConn setters in Dial already cover them.
func tuneKeepAlive(conn *net.TCPConn, period time.Duration) {}
