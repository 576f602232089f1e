package session

import "time"

// Option configures a Session at construction time, the same
// functional-option shape the relay's teacher codebase uses for its
// connection wrapper.
type Option func(*Session)

// WithHandshakeTimeout bounds the time from the start of handshake
// reading until the parser returns Ok or Fail. The deadline is cleared
// once the handshake parses, so the dial that follows is not counted
// against it.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) { s.handshakeTimeout = d }
}

// WithConnectTimeout bounds the dial step on its own; it is not taken
// out of the handshake deadline.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) { s.connectTimeout = d }
}

// WithIdleTimeout bounds the maximum gap between successful reads on
// either half while Relaying.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) { s.idleTimeout = d }
}

// WithMaxHandshakeBuffer bounds how large the accumulated handshake
// buffer may grow before the session fails with BadHandshake.
func WithMaxHandshakeBuffer(n int) Option {
	return func(s *Session) { s.maxHandshakeBuffer = n }
}

// PostHandshake is called once a handshake has been fully parsed,
// mirroring the teacher's PostReadHeader hook — useful for logging or
// metrics without modifying Session itself.
type PostHandshake func(res *HandshakeResult, err error)

// WithPostHandshake installs a PostHandshake hook.
func WithPostHandshake(fn PostHandshake) Option {
	return func(s *Session) { s.postHandshake = fn }
}
