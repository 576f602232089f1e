package proxyproto

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func v1HeaderBytes(srcPort, dstPort int) []byte {
	return []byte("PROXY TCP4 203.0.113.1 127.0.0.1 " +
		strconv.Itoa(srcPort) + " " + strconv.Itoa(dstPort) + "\r\n")
}

// buildV2Header assembles a minimal PROXY protocol v2 IPv4 TCP header
// carrying a single CRC-32c TLV, computing (and optionally corrupting)
// the checksum the same way crc32c.go verifies it.
func buildV2Header(withChecksum, corrupt bool) []byte {
	payload := make([]byte, 0, 19)
	payload = append(payload, net.IPv4(10, 0, 0, 1).To4()...)
	payload = append(payload, net.IPv4(10, 0, 0, 2).To4()...)
	payload = append(payload, 0x13, 0x88) // src port 5000
	payload = append(payload, 0x01, 0xbb) // dst port 443
	if withChecksum {
		payload = append(payload, byte(PP2_TYPE_CRC32C), 0x00, 0x04, 0, 0, 0, 0)
	}

	header := make([]byte, 0, len(v2Signature)+4+len(payload))
	header = append(header, v2Signature...)
	header = append(header, byte(Version2)<<4|byte(CMD_PROXY))
	header = append(header, byte(AF_INET)<<4|byte(SOCK_STREAM))
	header = append(header, byte(len(payload)>>8), byte(len(payload)))
	header = append(header, payload...)

	if withChecksum {
		crcOffset := len(header) - 4
		sum := crc32.Checksum(header, crc32cTab)
		if corrupt {
			sum ^= 0xffffffff
		}
		binary.BigEndian.PutUint32(header[crcOffset:], sum)
	}
	return header
}

// TestConnPreservesHandshakeBytesAfterHeader is a regression test for a
// bug where readHeader peeked the PROXY header with a throwaway
// bufio.Reader while Read pulled from the raw net.Conn: any relay
// handshake bytes already buffered past the header were silently
// dropped. Writing the header and the handshake payload in a single
// Write (as a real load balancer hop would deliver them back-to-back)
// exercises exactly that path.
func TestConnPreservesHandshakeBytesAfterHeader(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := client.Write(append(v1HeaderBytes(5000, 443), []byte("handshake-bytes")...))
		assert.NoError(t, err)
	}()

	conn := NewConn(server, WithReadHeaderTimeout(time.Second))
	defer conn.Close()

	buf := make([]byte, len("handshake-bytes"))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "handshake-bytes", string(buf))

	require.NoError(t, conn.Err())
	assert.Equal(t, "203.0.113.1:5000", conn.RemoteAddr().String())
	<-done
}

// TestConnPassesThroughWhenNoHeaderPresent confirms a connection with
// no PROXY protocol prefix is left untouched: ReadHeader's
// ErrNoProxyProtocol path must not consume or mutate the relay's own
// handshake bytes, and RemoteAddr must fall back to the real socket
// address rather than failing the connection.
func TestConnPassesThroughWhenNoHeaderPresent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write([]byte("not-a-proxy-header"))
	}()

	conn := NewConn(server, WithReadHeaderTimeout(time.Second))
	defer conn.Close()

	buf := make([]byte, len("not-a-proxy-header"))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "not-a-proxy-header", string(buf))
	assert.NoError(t, conn.Err())
}

// TestConnValidatesV2Checksum exercises the CRC-32c TLV path wired
// through WithCRC32cChecksum: a valid checksum is accepted and its TLV
// is exposed via Conn.TLVs/RawHeader, a corrupted one fails Err() and
// the relay must not proceed past the PROXY header.
func TestConnValidatesV2Checksum(t *testing.T) {
	t.Run("valid checksum", func(t *testing.T) {
		server, client := net.Pipe()
		defer client.Close()
		go func() { _, _ = client.Write(buildV2Header(true, false)) }()

		conn := NewConn(server, WithReadHeaderTimeout(time.Second), WithCRC32cChecksum(true))
		defer conn.Close()

		_ = conn.RemoteAddr() // force the header read
		require.NoError(t, conn.Err())
		require.Len(t, conn.TLVs(), 1)
		assert.Equal(t, PP2_TYPE_CRC32C, conn.TLVs()[0].Type)
		assert.NotEmpty(t, conn.RawHeader())
		assert.NotEmpty(t, conn.ZapFields())
		assert.NotEmpty(t, conn.LogrusFields())
	})

	t.Run("corrupted checksum", func(t *testing.T) {
		server, client := net.Pipe()
		defer client.Close()
		go func() { _, _ = client.Write(buildV2Header(true, true)) }()

		conn := NewConn(server, WithReadHeaderTimeout(time.Second), WithCRC32cChecksum(true))
		defer conn.Close()

		_ = conn.RemoteAddr()
		assert.ErrorIs(t, conn.Err(), ErrValidateCRC32cChecksum)
	})
}

// TestConnPostReadHeaderHook confirms WithPostReadHeader fires exactly
// once, mirroring how internal/listener.Supervisor logs the recovered
// header before handing the connection to a session.
func TestConnPostReadHeaderHook(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	go func() { _, _ = client.Write(append(v1HeaderBytes(5000, 443), []byte("x")...)) }()

	calls := 0
	var gotHeader *Header
	conn := NewConn(server,
		WithReadHeaderTimeout(time.Second),
		WithPostReadHeader(func(h *Header, err error) {
			calls++
			gotHeader = h
			assert.NoError(t, err)
		}),
	)
	defer conn.Close()

	_ = conn.RemoteAddr()
	_ = conn.RemoteAddr() // readHeaderOnce must suppress a second call
	assert.Equal(t, 1, calls)
	require.NotNil(t, gotHeader)
	assert.Equal(t, Version1, gotHeader.Version)
}
