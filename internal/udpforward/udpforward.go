// Package udpforward implements the UDP Forwarder companion from
// spec.md §4.6: a stateless datagram relay to a single configured
// upstream target, tracking per-source endpoints so in-flight clients
// can be reaped after an idle period.
//
// Return-path routing (delivering upstream replies back to the
// originating client) is an explicit Open Question in spec.md §9 and
// is left unimplemented here: the routing map records source
// endpoints and last-seen times only. Completing it would require
// deciding how the upstream's replies are demultiplexed back across
// sources sharing one upstream socket, which spec.md leaves open.
package udpforward

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// reapInterval is how often the routing map is swept for expired
// entries, per spec.md §4.6.
const reapInterval = 60 * time.Second

// ClientEntry is spec.md §3's UdpClientEntry: the source endpoint of
// an inbound datagram and when it was last seen.
type ClientEntry struct {
	Source   *net.UDPAddr
	LastSeen time.Time
}

// Forwarder binds a local UDP socket and relays every datagram it
// receives to a fixed upstream target, tracking source endpoints in a
// mutex-guarded map with idle expiry.
type Forwarder struct {
	upstream  *net.UDPAddr
	idleAfter time.Duration
	logger    *zap.Logger

	conn *net.UDPConn

	mu      sync.Mutex
	clients map[string]*ClientEntry
}

// New builds a Forwarder targeting upstreamHost:upstreamPort. idleAfter
// is the UDP_IDLE duration from spec.md §6 (default 5 minutes).
func New(upstreamHost string, upstreamPort int, idleAfter time.Duration, logger *zap.Logger) (*Forwarder, error) {
	upstream, err := net.ResolveUDPAddr("udp", net.JoinHostPort(upstreamHost, strconv.Itoa(upstreamPort)))
	if err != nil {
		return nil, errors.Wrap(err, "udpforward: resolve upstream")
	}
	return &Forwarder{
		upstream:  upstream,
		idleAfter: idleAfter,
		logger:    logger,
		clients:   make(map[string]*ClientEntry),
	}, nil
}

// Serve binds listenPort and forwards datagrams until ctx-style
// cancellation is signaled by closing the Forwarder (via Close), or an
// unrecoverable read error occurs.
func (f *Forwarder) Serve(listenPort int) error {
	addr := &net.UDPAddr{Port: listenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return errors.Wrap(err, "udpforward: bind")
	}
	f.conn = conn

	stopReap := make(chan struct{})
	go f.reapLoop(stopReap)
	defer close(stopReap)

	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return errors.Wrap(err, "udpforward: read")
		}
		f.touch(src)

		if _, err := conn.WriteToUDP(buf[:n], f.upstream); err != nil {
			if f.logger != nil {
				f.logger.Warn("udpforward: write to upstream failed", zap.Error(err))
			}
		}
	}
}

// Close stops Serve's accept loop by closing the underlying socket.
func (f *Forwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

func (f *Forwarder) touch(src *net.UDPAddr) {
	key := src.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[key] = &ClientEntry{Source: src, LastSeen: time.Now()}
}

// ClientCount reports the number of tracked (not-yet-reaped) source
// endpoints; exposed for tests and diagnostics.
func (f *Forwarder) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *Forwarder) reapLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.reapOnce()
		}
	}
}

func (f *Forwarder) reapOnce() {
	cutoff := time.Now().Add(-f.idleAfter)
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, entry := range f.clients {
		if entry.LastSeen.Before(cutoff) {
			delete(f.clients, key)
		}
	}
}
