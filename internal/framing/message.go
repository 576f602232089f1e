package framing

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
)

const pingInterval = 30 * time.Second

// MessageTransport adapts a WebSocket connection (binary messages) to
// the Transport interface. Each ReadChunk call yields exactly one
// binary message; control frames (ping/close) are handled internally.
// Backpressure is explicit: Pause blocks the read loop until Resume is
// called, since a message transport has no native notion of a paused
// socket buffer.
type MessageTransport struct {
	conn net.Conn

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}

	stopPing chan struct{}
	pingOnce sync.Once
}

// UpgradeServer performs the server-side WebSocket handshake on an
// already-accepted connection and returns a Transport driving it.
func UpgradeServer(conn net.Conn) (*MessageTransport, error) {
	if _, err := ws.Upgrade(conn); err != nil {
		return nil, errors.Wrap(err, "framing: websocket upgrade")
	}
	mt := &MessageTransport{
		conn:     conn,
		resume:   make(chan struct{}),
		stopPing: make(chan struct{}),
	}
	go mt.pingLoop()
	return mt, nil
}

func (m *MessageTransport) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = wsutil.WriteServerMessage(m.conn, ws.OpPing, nil)
		case <-m.stopPing:
			return
		}
	}
}

func (m *MessageTransport) ReadChunk() ([]byte, error) {
	m.waitIfPaused()

	for {
		data, op, err := wsutil.ReadClientData(m.conn)
		if err != nil {
			return nil, err
		}
		switch op {
		case ws.OpBinary, ws.OpText:
			return data, nil
		case ws.OpPing:
			if err := wsutil.WriteServerMessage(m.conn, ws.OpPong, data); err != nil {
				return nil, err
			}
		case ws.OpPong:
			// optional, per spec: nothing to do.
		case ws.OpClose:
			return nil, errors.Wrap(errOpClose, "framing: websocket closed by peer")
		default:
			// ignore unsupported op codes rather than fail the session
		}
	}
}

var errOpClose = errors.New("websocket close frame")

func (m *MessageTransport) waitIfPaused() {
	m.pauseMu.Lock()
	if !m.paused {
		m.pauseMu.Unlock()
		return
	}
	resume := m.resume
	m.pauseMu.Unlock()
	<-resume
}

func (m *MessageTransport) WriteChunk(b []byte) error {
	return wsutil.WriteServerMessage(m.conn, ws.OpBinary, b)
}

func (m *MessageTransport) Pause() {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if m.paused {
		return
	}
	m.paused = true
	m.resume = make(chan struct{})
}

func (m *MessageTransport) Resume() {
	m.pauseMu.Lock()
	defer m.pauseMu.Unlock()
	if !m.paused {
		return
	}
	m.paused = false
	close(m.resume)
}

// CloseWrite has no WebSocket analogue short of a close frame, so it
// sends one: this ends the whole WebSocket connection rather than
// half-closing it. The session's splice calls it when the upstream
// reaches EOF.
func (m *MessageTransport) CloseWrite() error {
	return wsutil.WriteServerMessage(m.conn, ws.OpClose, nil)
}

func (m *MessageTransport) SetDeadline(t time.Time) error { return m.conn.SetDeadline(t) }

func (m *MessageTransport) Close() error {
	m.pingOnce.Do(func() { close(m.stopPing) })
	return m.conn.Close()
}

func (m *MessageTransport) RemoteAddr() net.Addr { return m.conn.RemoteAddr() }

var _ Transport = (*MessageTransport)(nil)
