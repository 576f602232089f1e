// Package dialer establishes outbound TCP connections to a parsed
// Target with a configurable connect deadline.
package dialer

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/relaynet/tunrelay/internal/addr"
)

const keepAlivePeriod = 60 * time.Second

// Kind classifies a dial failure so the Session can pick the right
// client-facing response.
type Kind int

const (
	KindDNS Kind = iota
	KindRefused
	KindTimeout
	KindUnreachable
)

// Error wraps a dial failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Dialer establishes upstream connections.
type Dialer struct {
	ConnectTimeout time.Duration
}

// New builds a Dialer with the given connect timeout.
func New(connectTimeout time.Duration) *Dialer {
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	return &Dialer{ConnectTimeout: connectTimeout}
}

// Dial connects to target, resolving a domain via the system resolver,
// and tunes the resulting socket for relay use (TCP_NODELAY, keepalive).
func (d *Dialer) Dial(ctx context.Context, target addr.Target) (*net.TCPConn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.ConnectTimeout)
	defer cancel()

	nd := net.Dialer{}
	conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(target.Host(), strconv.Itoa(int(target.Port))))
	if err != nil {
		return nil, classify(err, target)
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, &Error{Kind: KindUnreachable, Err: errors.New("dialer: dialed connection is not TCP")}
	}

	if err := tcpConn.SetNoDelay(true); err != nil {
		tcpConn.Close()
		return nil, &Error{Kind: KindUnreachable, Err: errors.Wrap(err, "dialer: set no delay")}
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		tcpConn.Close()
		return nil, &Error{Kind: KindUnreachable, Err: errors.Wrap(err, "dialer: set keepalive")}
	}
	if err := tcpConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
		tcpConn.Close()
		return nil, &Error{Kind: KindUnreachable, Err: errors.Wrap(err, "dialer: set keepalive period")}
	}
	tuneKeepAlive(tcpConn, keepAlivePeriod)

	return tcpConn, nil
}

func classify(err error, target addr.Target) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &Error{Kind: KindDNS, Err: errors.Wrapf(dnsErr, "dialer: resolve %s", target.Host())}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: errors.Wrapf(err, "dialer: connect to %s timed out", target.String())}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &Error{Kind: KindRefused, Err: errors.Wrapf(err, "dialer: connect to %s refused", target.String())}
	}
	return &Error{Kind: KindUnreachable, Err: errors.Wrapf(err, "dialer: connect to %s", target.String())}
}
