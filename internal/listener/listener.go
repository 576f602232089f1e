// Package listener implements the Listener Supervisor from spec.md
// §4.5: it accepts TCP connections on the configured port, wraps each
// in the protocol's framing, wires the handshake parser and upstream
// dialer into a session.Session, and tracks live sessions so it can
// drain them on shutdown.
package listener

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/relaynet/tunrelay/internal/addr"
	"github.com/relaynet/tunrelay/internal/config"
	"github.com/relaynet/tunrelay/internal/dialer"
	"github.com/relaynet/tunrelay/internal/framing"
	"github.com/relaynet/tunrelay/internal/proxyproto"
	"github.com/relaynet/tunrelay/internal/session"
)

// GraceDuration bounds how long Serve's drain waits for live sessions
// to close on their own before force-closing them.
const GraceDuration = 5 * time.Second

// Supervisor owns the listening socket and the set of live sessions
// spawned from it.
type Supervisor struct {
	cfg    *config.Config
	dialer *dialer.Dialer
	logger *zap.Logger

	parse session.ParseFunc

	mu       sync.Mutex
	sessions map[string]*session.Session

	ln net.Listener
}

// New builds a Supervisor for cfg. It does not bind the socket; call
// Serve to do that.
func New(cfg *config.Config, logger *zap.Logger) (*Supervisor, error) {
	parse, err := buildParseFunc(cfg)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:      cfg,
		dialer:   dialer.New(time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond),
		logger:   logger,
		parse:    parse,
		sessions: make(map[string]*session.Session),
	}, nil
}

// Serve binds the configured port and accepts connections until ctx is
// canceled, at which point it stops accepting, gives live sessions
// GraceDuration to close, then force-closes whatever remains. It
// returns nil on a graceful drain, or a non-nil error if the bind
// failed or the grace period expired with sessions still open.
func (sv *Supervisor) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(sv.cfg.ListenPort))
	if err != nil {
		return errors.Wrap(err, "listener: bind")
	}
	if sv.cfg.TrustProxyProtocol {
		ln = proxyproto.NewListener(ln,
			proxyproto.WithReadHeaderTimeout(time.Duration(sv.cfg.ProxyProtocolHeaderTimeoutMs)*time.Millisecond),
			proxyproto.WithCRC32cChecksum(sv.cfg.ProxyProtocolChecksum),
			proxyproto.WithPostReadHeader(sv.logProxyProtocolHeader),
		)
	}
	sv.ln = ln

	acceptErrs := make(chan error, 1)
	go sv.acceptLoop(ctx, acceptErrs)

	select {
	case <-ctx.Done():
	case err := <-acceptErrs:
		sv.closeAll()
		return err
	}

	_ = sv.ln.Close()
	return sv.drain()
}

func (sv *Supervisor) acceptLoop(ctx context.Context, errs chan<- error) {
	for {
		conn, err := sv.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				errs <- errors.Wrap(err, "listener: accept")
				return
			}
		}
		go sv.handle(ctx, conn)
	}
}

// drain waits up to GraceDuration for all tracked sessions to finish
// on their own, then force-closes any stragglers.
func (sv *Supervisor) drain() error {
	deadline := time.After(GraceDuration)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if sv.liveCount() == 0 {
			return nil
		}
		select {
		case <-ticker.C:
			continue
		case <-deadline:
			sv.closeAll()
			return errors.New("listener: grace period expired with sessions still open")
		}
	}
}

func (sv *Supervisor) liveCount() int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return len(sv.sessions)
}

func (sv *Supervisor) closeAll() {
	sv.mu.Lock()
	live := make([]*session.Session, 0, len(sv.sessions))
	for _, s := range sv.sessions {
		live = append(live, s)
	}
	sv.mu.Unlock()

	for _, s := range live {
		s.Shutdown()
	}
}

// logProxyProtocolHeader is wired in as the proxyproto.PostReadHeader
// hook: it runs once per accepted connection, right after the PROXY
// protocol header (if any) has been read, and logs the recovered
// client address and TLV fields before the relay's own handshake
// parsing begins.
func (sv *Supervisor) logProxyProtocolHeader(h *proxyproto.Header, err error) {
	if sv.logger == nil {
		return
	}
	if err != nil {
		if errors.Is(err, proxyproto.ErrNoProxyProtocol) {
			return
		}
		sv.logger.Warn("listener: proxy protocol header rejected", zap.Error(err))
		return
	}
	if h == nil {
		return
	}
	sv.logger.Debug("listener: proxy protocol header accepted", h.ZapFields()...)
}

func (sv *Supervisor) handle(ctx context.Context, conn net.Conn) {
	if pc, ok := conn.(*proxyproto.Conn); ok {
		_ = pc.RemoteAddr() // forces the one-time PROXY protocol header read
		if err := pc.Err(); err != nil {
			if sv.logger != nil {
				sv.logger.Warn("listener: proxy protocol error, closing", zap.Error(err))
			}
			_ = conn.Close()
			return
		}
		if tlvs := pc.TLVs(); len(tlvs) > 0 && sv.logger != nil {
			sv.logger.Debug("listener: proxy protocol tlvs", zap.String("tlvs", tlvs.String()), zap.Int("raw_header_bytes", len(pc.RawHeader())))
		}
	}

	inbound, err := wrapInbound(conn, sv.cfg)
	if err != nil {
		if sv.logger != nil {
			sv.logger.Warn("listener: framing upgrade failed", zap.Error(err), zap.Stringer("remote", conn.RemoteAddr()))
		}
		_ = conn.Close()
		return
	}

	id := uuid.NewString()

	sess := session.New(
		id,
		inbound,
		sv.parse,
		sv.dial,
		sv.logger,
		session.WithHandshakeTimeout(time.Duration(sv.cfg.HandshakeTimeoutMs)*time.Millisecond),
		session.WithConnectTimeout(time.Duration(sv.cfg.ConnectTimeoutMs)*time.Millisecond),
		session.WithIdleTimeout(time.Duration(sv.cfg.UpstreamIdleTimeoutMs)*time.Millisecond),
		session.WithMaxHandshakeBuffer(sv.cfg.MaxHandshakeBufferBytes),
	)

	sv.mu.Lock()
	sv.sessions[id] = sess
	sv.mu.Unlock()
	defer func() {
		sv.mu.Lock()
		delete(sv.sessions, id)
		sv.mu.Unlock()
	}()

	sess.Run(ctx)
}

// dial is the session.DialFunc wired into every Session this
// Supervisor spawns: it dials upstream TCP and wraps the connection in
// a plain StreamTransport, since the dial side never speaks WebSocket.
func (sv *Supervisor) dial(ctx context.Context, target addr.Target) (framing.Transport, error) {
	conn, err := sv.dialer.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	return framing.NewStreamTransport(conn), nil
}
