// Package session implements the per-connection relay state machine:
// await handshake, dial upstream, splice bidirectionally, and guarantee
// cleanup on every exit path exactly once.
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaynet/tunrelay/internal/addr"
	"github.com/relaynet/tunrelay/internal/framing"
)

// State is a Session's position in the handshake/relay lifecycle.
type State int

const (
	StateAwaitHandshake State = iota
	StateDialing
	StateRelaying
	StateClosing
	StateClosed
)

// HandshakeResult is what a ParseFunc produces once a handshake header
// has been fully decoded, generalized across VLESS/Trojan/RawTCP/HTTP
// so Session never needs to know which protocol it is driving.
type HandshakeResult struct {
	Target   addr.Target
	Leftover []byte
	// OnSuccess, if set, is invoked once the upstream has connected and
	// before Leftover is forwarded — e.g. the 0x00 signaling byte, or
	// HTTP CONNECT's "200 Connection established".
	OnSuccess func(inbound framing.Transport) error
	// OnFailure, if set, is invoked if the dial fails, before the
	// session closes — e.g. the 0x01 signaling byte, or HTTP's "502
	// Bad Gateway".
	OnFailure func(inbound framing.Transport) error
}

// ParseStatus mirrors tunnel.Status so the session package does not
// need to import tunnel, keeping parsers decoupled from the state
// machine that drives them.
type ParseStatus int

const (
	ParseNeedMore ParseStatus = iota
	ParseOk
	ParseFail
)

// ParseOutcome is what a ParseFunc returns for one call.
type ParseOutcome struct {
	Status ParseStatus
	Result HandshakeResult
	// FailResponse, when Status is ParseFail, is written best-effort to
	// the inbound transport before closing (e.g. "400 Bad Request").
	FailResponse []byte
	// FailKind classifies a ParseFail outcome so the Session can choose
	// the right CloseReason.
	FailKind ReasonKind
	Err      error
}

// ParseFunc drives the protocol-specific handshake parser over the
// accumulated buffer.
type ParseFunc func(buf []byte) ParseOutcome

// DialFunc establishes the upstream connection for a parsed Target.
type DialFunc func(ctx context.Context, target addr.Target) (framing.Transport, error)

// Session is the per-connection state machine. It owns both sockets
// exclusively; a Listener holds only a weak reference for shutdown.
type Session struct {
	ID string

	inbound framing.Transport
	parse   ParseFunc
	dial    DialFunc
	logger  *zap.Logger

	handshakeTimeout   time.Duration
	connectTimeout     time.Duration
	idleTimeout        time.Duration
	maxHandshakeBuffer int
	postHandshake      PostHandshake

	mu       sync.Mutex
	state    State
	upstream framing.Transport
	buf      []byte

	closeOnce sync.Once
	done      chan struct{}
	reason    CloseReason
}

// New builds a Session ready to Run.
func New(id string, inbound framing.Transport, parse ParseFunc, dial DialFunc, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		ID:                 id,
		inbound:            inbound,
		parse:              parse,
		dial:               dial,
		logger:             logger,
		handshakeTimeout:   15 * time.Second,
		connectTimeout:     15 * time.Second,
		idleTimeout:        30 * time.Second,
		maxHandshakeBuffer: 8192,
		done:               make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Shutdown closes the session from the outside (e.g. listener
// shutdown). It is idempotent and safe to call concurrently with Run.
func (s *Session) Shutdown() {
	s.close(CloseReason{Kind: ReasonInternalError, Err: errors.New("session: shutdown requested")})
}

// Run drives the session to completion and returns its terminal
// reason. It never panics and never returns until the session is
// fully closed.
func (s *Session) Run(ctx context.Context) CloseReason {
	go func() {
		select {
		case <-ctx.Done():
			s.close(CloseReason{Kind: ReasonInternalError, Err: ctx.Err()})
		case <-s.done:
		}
	}()

	result, ok := s.awaitHandshake()
	if !ok {
		<-s.done
		return s.reason
	}

	if !s.dialUpstream(ctx, result) {
		<-s.done
		return s.reason
	}

	s.relay()
	<-s.done
	return s.reason
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// awaitHandshake reads and accumulates inbound chunks, handing them to
// the configured parser until it returns Ok or Fail, or the handshake
// deadline/buffer limit trips.
func (s *Session) awaitHandshake() (HandshakeResult, bool) {
	s.setState(StateAwaitHandshake)

	deadline := time.Now().Add(s.handshakeTimeout)
	if err := s.inbound.SetDeadline(deadline); err != nil {
		s.close(CloseReason{Kind: ReasonInternalError, Err: err})
		return HandshakeResult{}, false
	}

	for {
		chunk, err := s.inbound.ReadChunk()
		if len(chunk) > 0 {
			s.buf = append(s.buf, chunk...)
		}
		if err != nil {
			kind := ReasonBadHandshake
			if errors.Is(err, io.EOF) {
				kind = ReasonClientClosed
			}
			s.close(CloseReason{Kind: kind, Err: err})
			return HandshakeResult{}, false
		}

		if len(s.buf) > s.maxHandshakeBuffer {
			s.close(CloseReason{Kind: ReasonBadHandshake, Err: errors.New("session: handshake buffer exceeds limit")})
			return HandshakeResult{}, false
		}

		outcome := s.parse(s.buf)
		if s.postHandshake != nil && outcome.Status != ParseNeedMore {
			s.postHandshake(&outcome.Result, outcome.Err)
		}

		switch outcome.Status {
		case ParseNeedMore:
			continue
		case ParseOk:
			_ = s.inbound.SetDeadline(time.Time{})
			return outcome.Result, true
		case ParseFail:
			if len(outcome.FailResponse) > 0 {
				_ = s.inbound.WriteChunk(outcome.FailResponse)
			}
			kind := outcome.FailKind
			if kind == ReasonNone {
				kind = ReasonBadHandshake
			}
			s.close(CloseReason{Kind: kind, Err: outcome.Err})
			return HandshakeResult{}, false
		default:
			s.close(CloseReason{Kind: ReasonInternalError, Err: errors.New("session: parser returned unknown status")})
			return HandshakeResult{}, false
		}
	}
}

// dialUpstream establishes the upstream connection, sends the
// success/failure response, and forwards Leftover as the first
// upstream write on success.
func (s *Session) dialUpstream(ctx context.Context, result HandshakeResult) bool {
	s.setState(StateDialing)

	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	upstream, err := s.dial(dialCtx, result.Target)
	if err != nil {
		if result.OnFailure != nil {
			_ = result.OnFailure(s.inbound)
		}
		s.close(CloseReason{Kind: ReasonDialFailed, Err: err})
		return false
	}

	if result.OnSuccess != nil {
		if err := result.OnSuccess(s.inbound); err != nil {
			upstream.Close()
			s.close(CloseReason{Kind: ReasonInternalError, Err: err})
			return false
		}
	}

	if len(result.Leftover) > 0 {
		if err := upstream.WriteChunk(result.Leftover); err != nil {
			upstream.Close()
			s.close(CloseReason{Kind: ReasonInternalError, Err: err})
			return false
		}
	}

	s.mu.Lock()
	s.upstream = upstream
	s.state = StateRelaying
	s.mu.Unlock()
	return true
}

type halfResult struct {
	direction string // "client" (inbound->upstream) or "upstream" (upstream->inbound)
	err       error
}

// relay runs the two half-duplex splice directions concurrently. The
// first direction to finish — cleanly or with an error — decides the
// session's terminal CloseReason. After a clean EOF or an idle timeout
// the other direction is left to drain; after any other error the
// session closes at once, which cuts the other direction short.
func (s *Session) relay() {
	var wg sync.WaitGroup
	results := make(chan halfResult, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		results <- halfResult{"client", s.spliceHalf(s.inbound, s.upstream)}
	}()
	go func() {
		defer wg.Done()
		results <- halfResult{"upstream", s.spliceHalf(s.upstream, s.inbound)}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var first *halfResult
	for r := range results {
		r := r
		if first == nil {
			first = &r
			if r.err != nil && !errors.Is(r.err, errIdleTimeout) {
				break
			}
		}
	}

	switch {
	case first == nil:
		s.close(CloseReason{Kind: ReasonInternalError, Err: errors.New("session: relay produced no result")})
	case first.err == nil && first.direction == "client":
		s.close(CloseReason{Kind: ReasonClientClosed})
	case first.err == nil:
		s.close(CloseReason{Kind: ReasonUpstreamClosed})
	case errors.Is(first.err, errIdleTimeout):
		s.close(CloseReason{Kind: ReasonIdleTimeout, Err: first.err})
	default:
		s.close(CloseReason{Kind: ReasonInternalError, Err: first.err})
	}
}

var errIdleTimeout = errors.New("session: upstream idle timeout")

func (s *Session) spliceHalf(src, dst framing.Transport) error {
	for {
		if err := src.SetDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return err
		}

		chunk, err := src.ReadChunk()
		if err != nil {
			if isTimeout(err) {
				return errIdleTimeout
			}
			if errors.Is(err, io.EOF) {
				_ = dst.CloseWrite()
				return nil
			}
			return err
		}

		if err := dst.WriteChunk(chunk); err != nil {
			return err
		}
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	t, ok := err.(timeouter)
	return ok && t.Timeout()
}

// close drives the idempotent Closing->Closed transition: it closes
// both owned sockets exactly once and records the terminal reason.
func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.reason = reason

		s.mu.Lock()
		upstream := s.upstream
		s.mu.Unlock()

		if upstream != nil {
			_ = upstream.Close()
		}
		_ = s.inbound.Close()

		if s.logger != nil {
			s.logger.Info("session closed", append([]zap.Field{zap.String("session_id", s.ID)}, reason.ZapFields()...)...)
		}

		s.setState(StateClosed)
		close(s.done)
	})
}
