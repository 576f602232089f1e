package listener

import (
	"net"

	"github.com/pkg/errors"

	"github.com/relaynet/tunrelay/internal/addr"
	"github.com/relaynet/tunrelay/internal/config"
	"github.com/relaynet/tunrelay/internal/framing"
	"github.com/relaynet/tunrelay/internal/httpproxy"
	"github.com/relaynet/tunrelay/internal/session"
	"github.com/relaynet/tunrelay/internal/tunnel"
)

var (
	successByte = []byte{0x00}
	failureByte = []byte{0x01}
)

func writeByte(b []byte) func(framing.Transport) error {
	return func(in framing.Transport) error { return in.WriteChunk(b) }
}

func classifyTunnelErr(err error) session.ReasonKind {
	switch {
	case errors.Is(err, tunnel.ErrUnauthorized):
		return session.ReasonUnauthorized
	case errors.Is(err, tunnel.ErrUnsupportedCmd):
		return session.ReasonUnsupportedCommand
	default:
		return session.ReasonBadHandshake
	}
}

func convertTunnelOutcome(out tunnel.Outcome) session.ParseOutcome {
	switch out.Status {
	case tunnel.NeedMore:
		return session.ParseOutcome{Status: session.ParseNeedMore}
	case tunnel.Ok:
		return session.ParseOutcome{
			Status: session.ParseOk,
			Result: session.HandshakeResult{
				Target:    out.Result.Target,
				Leftover:  out.Result.Leftover,
				OnSuccess: writeByte(successByte),
				OnFailure: writeByte(failureByte),
			},
		}
	default: // tunnel.Fail
		return session.ParseOutcome{
			Status:       session.ParseFail,
			FailKind:     classifyTunnelErr(out.Err),
			Err:          out.Err,
			FailResponse: failureByte,
		}
	}
}

// vlessParseFunc builds a session.ParseFunc around the VLESS parser.
func vlessParseFunc(allowed tunnel.UUIDSet) session.ParseFunc {
	return func(buf []byte) session.ParseOutcome {
		return convertTunnelOutcome(tunnel.ParseVLESS(buf, allowed))
	}
}

// trojanParseFunc builds a session.ParseFunc around the Trojan parser.
func trojanParseFunc(allowed tunnel.HashSet) session.ParseFunc {
	return func(buf []byte) session.ParseOutcome {
		return convertTunnelOutcome(tunnel.ParseTrojan(buf, allowed))
	}
}

// rawTCPParseFunc builds a session.ParseFunc around the raw TCP parser.
func rawTCPParseFunc(requireChecksum bool) session.ParseFunc {
	return func(buf []byte) session.ParseOutcome {
		return convertTunnelOutcome(tunnel.ParseRawTCP(buf, requireChecksum))
	}
}

// httpProxyParseFunc builds a session.ParseFunc around the HTTP-proxy
// parser, dispatching CONNECT vs absolute-URI per spec.md §4.2.
func httpProxyParseFunc() session.ParseFunc {
	return func(buf []byte) session.ParseOutcome {
		res, err := httpproxy.Parse(buf)
		if err != nil {
			switch {
			case errors.Is(err, httpproxy.ErrNeedMore):
				return session.ParseOutcome{Status: session.ParseNeedMore}
			case errors.Is(err, httpproxy.ErrHTTPSNotSupported):
				return session.ParseOutcome{
					Status:       session.ParseFail,
					FailKind:     session.ReasonBadHandshake,
					Err:          err,
					FailResponse: []byte("HTTP/1.1 400 Bad Request\r\n\r\n"),
				}
			default:
				return session.ParseOutcome{Status: session.ParseFail, FailKind: session.ReasonBadHandshake, Err: err}
			}
		}

		target := hostToTarget(res.Host, res.Port)
		switch res.Mode {
		case httpproxy.ModeConnect:
			return session.ParseOutcome{
				Status: session.ParseOk,
				Result: session.HandshakeResult{
					Target: target,
					OnSuccess: func(in framing.Transport) error {
						return in.WriteChunk([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))
					},
					OnFailure: func(in framing.Transport) error {
						return in.WriteChunk([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
					},
				},
			}
		default: // ModeAbsoluteURI
			return session.ParseOutcome{
				Status: session.ParseOk,
				Result: session.HandshakeResult{
					Target:   target,
					Leftover: res.Replay,
				},
			}
		}
	}
}

func hostToTarget(host string, port int) addr.Target {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return addr.Target{Kind: addr.KindIPv4, IP: ip4, Port: uint16(port)}
		}
		return addr.Target{Kind: addr.KindIPv6, IP: ip.To16(), Port: uint16(port)}
	}
	return addr.Target{Kind: addr.KindDomain, Domain: host, Port: uint16(port)}
}

// buildParseFunc selects the handshake parser for cfg.Protocol.
func buildParseFunc(cfg *config.Config) (session.ParseFunc, error) {
	switch cfg.Protocol {
	case config.ProtocolVLESSWebSocket:
		return vlessParseFunc(tunnel.NewUUIDSet(cfg.AllowedUUIDs)), nil
	case config.ProtocolTrojanWebSocket:
		return trojanParseFunc(tunnel.NewHashSet(cfg.AllowedTrojanHashes)), nil
	case config.ProtocolRawTCP:
		return rawTCPParseFunc(cfg.RawTCPChecksum), nil
	case config.ProtocolHTTPProxy:
		return httpProxyParseFunc(), nil
	default:
		return nil, errors.Errorf("listener: unknown protocol %q", cfg.Protocol)
	}
}

// wrapInbound builds the Framing Adapter for an accepted connection,
// per cfg.Protocol: WebSocket variants upgrade to MessageTransport,
// everything else stays a plain StreamTransport.
func wrapInbound(conn net.Conn, cfg *config.Config) (framing.Transport, error) {
	switch cfg.Protocol {
	case config.ProtocolVLESSWebSocket, config.ProtocolTrojanWebSocket:
		return framing.UpgradeServer(conn)
	default:
		return framing.NewStreamTransport(conn), nil
	}
}
