package framing

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// StreamTransport wraps a raw net.Conn (TCP, or RawTCP/Trojan/VLESS
// listeners that speak directly over TCP). Backpressure is native: a
// slow peer simply leaves WriteChunk blocked, which in turn leaves the
// source side's ReadChunk loop waiting on the next call.
type StreamTransport struct {
	conn net.Conn
}

// NewStreamTransport adapts conn to the Transport interface.
func NewStreamTransport(conn net.Conn) *StreamTransport {
	return &StreamTransport{conn: conn}
}

func (s *StreamTransport) ReadChunk() ([]byte, error) {
	buf := make([]byte, MaxChunk)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return buf[:n], err
	}
	return nil, err
}

func (s *StreamTransport) WriteChunk(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

// Pause and Resume are no-ops: the kernel's TCP receive window already
// applies backpressure once WriteChunk stops draining it.
func (s *StreamTransport) Pause()  {}
func (s *StreamTransport) Resume() {}

func (s *StreamTransport) CloseWrite() error {
	if hc, ok := s.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return errors.New("framing: underlying conn does not support half-close")
}

func (s *StreamTransport) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }
func (s *StreamTransport) Close() error                  { return s.conn.Close() }
func (s *StreamTransport) RemoteAddr() net.Addr           { return s.conn.RemoteAddr() }

var _ Transport = (*StreamTransport)(nil)
