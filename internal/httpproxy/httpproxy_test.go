package httpproxy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnect(t *testing.T) {
	req := "CONNECT 1.2.3.4:443 HTTP/1.1\r\nHost: x\r\n\r\n"
	res, err := Parse([]byte(req))
	require.NoError(t, err)
	assert.Equal(t, ModeConnect, res.Mode)
	assert.Equal(t, "1.2.3.4", res.Host)
	assert.Equal(t, 443, res.Port)
}

func TestParseAbsoluteURI(t *testing.T) {
	req := "GET http://example.com/p HTTP/1.1\r\nHost: example.com\r\n\r\n"
	res, err := Parse([]byte(req))
	require.NoError(t, err)
	assert.Equal(t, ModeAbsoluteURI, res.Mode)
	assert.Equal(t, "example.com", res.Host)
	assert.Equal(t, 80, res.Port)
	assert.Equal(t, []byte(req), res.Replay)
}

func TestParseHTTPSAbsoluteURIRejected(t *testing.T) {
	req := "GET https://x/ HTTP/1.1\r\n\r\n"
	_, err := Parse([]byte(req))
	assert.ErrorIs(t, err, ErrHTTPSNotSupported)
}

func TestParseNeedsMoreUntilCRLF(t *testing.T) {
	req := "GET http://example.com/ HTTP/1.1\r\n\r\n"
	for n := 0; n < strings.Index(req, "\r\n"); n++ {
		_, err := Parse([]byte(req[:n]))
		assert.ErrorIs(t, err, ErrNeedMore)
	}
}

func TestParseHeaderTooLarge(t *testing.T) {
	_, err := Parse([]byte(strings.Repeat("a", MaxHeaderBytes+1)))
	assert.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestParseMalformedRequestLine(t *testing.T) {
	_, err := Parse([]byte("GARBAGE\r\n"))
	assert.ErrorIs(t, err, ErrMalformedRequestLine)
}
