// Package httpproxy recognizes the HTTP request line of an inbound
// connection and dispatches to CONNECT-tunnel mode or absolute-URI
// forwarding mode.
package httpproxy

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MaxHeaderBytes is the cutoff past which an unterminated request line
// fails the handshake outright.
const MaxHeaderBytes = 8 * 1024

// Mode distinguishes the two ways the parser may ask the session to
// proceed once a request line has been recognized.
type Mode int

const (
	// ModeConnect is the CONNECT tunnel: a pure byte pipe after the
	// "200 Connection established" response, nothing forwarded upstream.
	ModeConnect Mode = iota
	// ModeAbsoluteURI replays the entire buffered request verbatim to
	// the origin derived from the absolute URI.
	ModeAbsoluteURI
)

// Result is what Parse produces once a full request line (and, for
// ModeConnect, nothing more) has been seen.
type Result struct {
	Mode Mode
	Host string
	Port int
	// Replay is the exact bytes that must be written to the upstream
	// connection first. Empty for ModeConnect.
	Replay []byte
}

var (
	// ErrNeedMore asks the caller to wait for more inbound bytes.
	ErrNeedMore = errors.New("httpproxy: need more data")
	// ErrHeaderTooLarge means no CRLF was found within MaxHeaderBytes.
	ErrHeaderTooLarge = errors.New("httpproxy: header too large")
	// ErrMalformedRequestLine means the request line could not be split
	// into METHOD, TARGET and VERSION.
	ErrMalformedRequestLine = errors.New("httpproxy: malformed request line")
	// ErrHTTPSNotSupported is returned for an absolute-URI request whose
	// scheme is https; such targets must use CONNECT instead. The
	// session responds "400 Bad Request" for this error specifically.
	ErrHTTPSNotSupported = errors.New("httpproxy: https absolute-uri must use CONNECT")
)

// Parse inspects buf for a complete HTTP request line and decides the
// forwarding mode. It never mutates buf.
func Parse(buf []byte) (Result, error) {
	idx := bytes.Index(buf, []byte("\r\n"))
	if idx < 0 {
		if len(buf) > MaxHeaderBytes {
			return Result{}, ErrHeaderTooLarge
		}
		return Result{}, ErrNeedMore
	}

	line := string(buf[:idx])
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return Result{}, errors.Wrap(ErrMalformedRequestLine, line)
	}
	method, target := parts[0], parts[1]

	if strings.EqualFold(method, "CONNECT") {
		host, portStr, err := splitHostPort(target)
		if err != nil {
			return Result{}, errors.Wrap(ErrMalformedRequestLine, "CONNECT target")
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return Result{}, errors.Wrap(ErrMalformedRequestLine, "CONNECT port")
		}
		return Result{Mode: ModeConnect, Host: host, Port: port}, nil
	}

	u, err := url.ParseRequestURI(target)
	if err != nil || !u.IsAbs() {
		return Result{}, errors.Wrap(ErrMalformedRequestLine, "expected absolute-URI")
	}
	if u.Scheme == "https" {
		return Result{}, ErrHTTPSNotSupported
	}
	if u.Scheme != "http" {
		return Result{}, errors.Wrapf(ErrMalformedRequestLine, "unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	port := 80
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return Result{}, errors.Wrap(ErrMalformedRequestLine, "absolute-URI port")
		}
	}

	// The entire buffered request — request line and whatever headers
	// have accrued so far — is replayed unmodified. Parse does not wait
	// for the end of the headers: anything that arrives after buf is
	// not part of Replay.
	replay := append([]byte(nil), buf...)

	return Result{Mode: ModeAbsoluteURI, Host: host, Port: port, Replay: replay}, nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return "", "", errors.New("missing port")
	}
	return hostport[:i], hostport[i+1:], nil
}
