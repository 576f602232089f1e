package listener

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaynet/tunrelay/internal/addr"
	"github.com/relaynet/tunrelay/internal/config"
)

// echoUpstream starts a TCP listener that echoes back whatever it
// reads, returning its address for use as the raw-TCP dial target.
func echoUpstream(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	return ln.Addr()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSupervisorRawTCPRoundTrip(t *testing.T) {
	upstream := echoUpstream(t).(*net.TCPAddr)

	cfg := &config.Config{
		ListenPort:            freePort(t),
		Protocol:              config.ProtocolRawTCP,
		ConnectTimeoutMs:      2000,
		HandshakeTimeoutMs:    2000,
		UpstreamIdleTimeoutMs: 2000,
	}
	require.NoError(t, cfg.Validate())

	sv, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- sv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond) // allow Serve to bind

	client, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(cfg.ListenPort))
	require.NoError(t, err)
	defer client.Close()

	header, err := addr.Encode(addr.Target{
		Kind: addr.KindIPv4,
		IP:   upstream.IP.To4(),
		Port: uint16(upstream.Port),
	}, addr.RawTCPTable, true)
	require.NoError(t, err)

	_, err = client.Write(append(header, []byte("hello")...))
	require.NoError(t, err)

	// The 0x00 success byte precedes the echoed payload.
	resp := make([]byte, 6)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	assert.Equal(t, "\x00hello", string(resp))

	client.Close()
	cancel()
	<-serveErr
}

// TestSupervisorTrustProxyProtocolRoundTrip enables TrustProxyProtocol
// and sends a PROXY protocol v1 header immediately ahead of the RawTCP
// handshake, on the same connection. It exercises the wiring in
// internal/proxyproto end to end: the header is peeked and consumed by
// a bufio.Reader shared with the relay's own handshake read, so a bug
// that discarded buffered handshake bytes after the header would show
// up here as a hang or a short read rather than in a unit test of the
// codec alone.
func TestSupervisorTrustProxyProtocolRoundTrip(t *testing.T) {
	upstream := echoUpstream(t).(*net.TCPAddr)

	cfg := &config.Config{
		ListenPort:                   freePort(t),
		Protocol:                     config.ProtocolRawTCP,
		ConnectTimeoutMs:             2000,
		HandshakeTimeoutMs:           2000,
		UpstreamIdleTimeoutMs:        2000,
		TrustProxyProtocol:           true,
		ProxyProtocolHeaderTimeoutMs: 2000,
	}
	require.NoError(t, cfg.Validate())

	sv, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- sv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond) // allow Serve to bind

	client, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(cfg.ListenPort))
	require.NoError(t, err)
	defer client.Close()

	proxyHeader := "PROXY TCP4 203.0.113.1 127.0.0.1 56324 " + strconv.Itoa(cfg.ListenPort) + "\r\n"

	handshake, err := addr.Encode(addr.Target{
		Kind: addr.KindIPv4,
		IP:   upstream.IP.To4(),
		Port: uint16(upstream.Port),
	}, addr.RawTCPTable, true)
	require.NoError(t, err)

	payload := append([]byte(proxyHeader), handshake...)
	payload = append(payload, []byte("hello")...)
	_, err = client.Write(payload)
	require.NoError(t, err)

	// The 0x00 success byte precedes the echoed payload.
	resp := make([]byte, 6)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	assert.Equal(t, "\x00hello", string(resp))

	client.Close()
	cancel()
	<-serveErr
}

// TestSupervisorTrustProxyProtocolOptionalWhenAbsent confirms that, with
// TrustProxyProtocol on, a client that never sends a PROXY header still
// completes its handshake normally — proxyproto.ReadHeader's "no prefix
// match" path must fall through to the relay's own parser rather than
// failing the connection.
func TestSupervisorTrustProxyProtocolOptionalWhenAbsent(t *testing.T) {
	upstream := echoUpstream(t).(*net.TCPAddr)

	cfg := &config.Config{
		ListenPort:            freePort(t),
		Protocol:              config.ProtocolRawTCP,
		ConnectTimeoutMs:      2000,
		HandshakeTimeoutMs:    2000,
		UpstreamIdleTimeoutMs: 2000,
		TrustProxyProtocol:    true,
	}
	require.NoError(t, cfg.Validate())

	sv, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- sv.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)

	client, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(cfg.ListenPort))
	require.NoError(t, err)
	defer client.Close()

	handshake, err := addr.Encode(addr.Target{
		Kind: addr.KindIPv4,
		IP:   upstream.IP.To4(),
		Port: uint16(upstream.Port),
	}, addr.RawTCPTable, true)
	require.NoError(t, err)

	_, err = client.Write(append(handshake, []byte("hello")...))
	require.NoError(t, err)

	// The 0x00 success byte precedes the echoed payload.
	resp := make([]byte, 6)
	_, err = io.ReadFull(client, resp)
	require.NoError(t, err)
	assert.Equal(t, "\x00hello", string(resp))

	client.Close()
	cancel()
	<-serveErr
}
