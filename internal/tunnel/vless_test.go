package tunnel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vlessUUIDHex(allowed UUIDSet) string {
	for h := range allowed {
		return h
	}
	return ""
}

func TestParseVLESSHappyPath(t *testing.T) {
	allowed := NewUUIDSet([]string{"0123456789abcdef0123456789abcdef"})
	uuidHex := vlessUUIDHex(allowed)

	header := []byte{0x00}
	for i := 0; i < 32; i += 2 {
		header = append(header, hexByte(uuidHex[i:i+2]))
	}
	header = append(header, 0x00)       // addons length = 0
	header = append(header, 0x01)       // command TCP
	header = append(header, 0x01, 0xBB) // port 443
	header = append(header, 0x01, 1, 2, 3, 4)
	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	buf := append(append([]byte(nil), header...), payload...)

	out := ParseVLESS(buf, allowed)
	require.Equal(t, Ok, out.Status)
	assert.Equal(t, "1.2.3.4", out.Result.Target.Host())
	assert.Equal(t, uint16(443), out.Result.Target.Port)
	assert.Equal(t, payload, out.Result.Leftover)
	assert.Equal(t, CommandTCP, out.Result.Command)
}

func TestParseVLESSUnauthorizedNeverProducesOk(t *testing.T) {
	allowed := NewUUIDSet([]string{"ffffffffffffffffffffffffffffffff"})
	header := []byte{0x00}
	header = append(header, make([]byte, 16)...) // zero UUID, not allowed
	header = append(header, 0x00, 0x01, 0x01, 0xBB, 0x01, 1, 2, 3, 4)

	out := ParseVLESS(header, allowed)
	require.Equal(t, Fail, out.Status)
	assert.ErrorIs(t, out.Err, ErrUnauthorized)
}

func TestParseVLESSUnsupportedCommand(t *testing.T) {
	allowed := NewUUIDSet([]string{strings.Repeat("f", 32)})
	header := []byte{0x00}
	for i := 0; i < 16; i++ {
		header = append(header, 0xff) // matches the allow-list entry
	}
	header = append(header, 0x00, 0x02 /* UDP */, 0x01, 0xBB, 0x01, 1, 2, 3, 4)

	out := ParseVLESS(header, allowed)
	require.Equal(t, Fail, out.Status)
	assert.ErrorIs(t, out.Err, ErrUnsupportedCmd)
}

func TestParseVLESSFragmentationNeverDiverges(t *testing.T) {
	allowed := NewUUIDSet([]string{"0123456789abcdef0123456789abcdef"})
	uuidHex := vlessUUIDHex(allowed)
	header := []byte{0x00}
	for i := 0; i < 32; i += 2 {
		header = append(header, hexByte(uuidHex[i:i+2]))
	}
	header = append(header, 0x00, 0x01, 0x01, 0xBB, 0x02, 7)
	header = append(header, "a.b.com"...)
	payload := []byte("PING")
	full := append(append([]byte(nil), header...), payload...)

	for n := 0; n <= len(full); n++ {
		out := ParseVLESS(full[:n], allowed)
		if n < len(header) {
			assert.NotEqual(t, Ok, out.Status, "prefix length %d should not yet be Ok", n)
		}
	}
	final := ParseVLESS(full, allowed)
	require.Equal(t, Ok, final.Status)
	assert.Equal(t, "a.b.com", final.Result.Target.Host())
	assert.Equal(t, payload, final.Result.Leftover)
}

func hexByte(s string) byte {
	var hi, lo byte
	hi = hexNibble(s[0])
	lo = hexNibble(s[1])
	return hi<<4 | lo
}

func hexNibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
