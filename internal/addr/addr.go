// Package addr implements the address codec shared by VLESS, Trojan and
// the raw TCP handshake: an ATYP byte followed by an IPv4/IPv6/domain
// address and, depending on the caller, a big-endian port.
package addr

import (
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Kind identifies the textual form a Target was parsed from.
type Kind byte

const (
	KindIPv4 Kind = iota
	KindIPv6
	KindDomain
)

// Table maps the three Kinds to the ATYP byte a specific protocol uses
// for them. VLESS, Trojan and RawTCP each use a different code table.
type Table struct {
	IPv4   byte
	Domain byte
	IPv6   byte
}

var (
	// VLESSTable is the ATYP table used by the VLESS handshake.
	VLESSTable = Table{IPv4: 0x01, Domain: 0x02, IPv6: 0x03}
	// TrojanTable is the ATYP table used by the Trojan handshake.
	TrojanTable = Table{IPv4: 0x01, Domain: 0x03, IPv6: 0x04}
	// RawTCPTable is the ATYP table used by the bespoke raw TCP handshake.
	RawTCPTable = Table{IPv4: 0x01, Domain: 0x02, IPv6: 0x03}
)

// ErrShortBuffer indicates the caller must wait for more inbound bytes
// before decoding can proceed; it is never surfaced as a client-facing
// failure on its own.
var ErrShortBuffer = errors.New("addr: short buffer")

// ErrInvalidATYP indicates the ATYP byte does not match any entry of
// the table in use.
var ErrInvalidATYP = errors.New("addr: invalid atyp")

// Target is the parsed address half of a tunnel handshake.
type Target struct {
	Kind   Kind
	IP     net.IP // set when Kind is KindIPv4 or KindIPv6
	Domain string // set when Kind is KindDomain
	Port   uint16
}

// String renders the single canonical textual form used for logging and
// dialing.
func (t Target) String() string {
	return net.JoinHostPort(t.Host(), strconv.Itoa(int(t.Port)))
}

// Host returns the dialable host component without a port.
func (t Target) Host() string {
	switch t.Kind {
	case KindDomain:
		return t.Domain
	default:
		return t.IP.String()
	}
}

// Decode reads {ATYP, address, port-after} or {ATYP, address} depending
// on withPort, starting at buf[0]. It returns the number of bytes
// consumed from buf along with the Target.
//
// withPort=true reads the 2-byte big-endian port immediately following
// the address, matching the RawTCP and Trojan layouts. VLESS instead
// reads the port *before* the ATYP byte; callers for VLESS should pass
// withPort=false and parse the port themselves prior to calling Decode.
func Decode(buf []byte, t Table, withPort bool) (Target, int, error) {
	if len(buf) < 1 {
		return Target{}, 0, ErrShortBuffer
	}
	atyp := buf[0]
	cursor := 1

	var target Target
	switch atyp {
	case t.IPv4:
		if len(buf) < cursor+4 {
			return Target{}, 0, ErrShortBuffer
		}
		target.Kind = KindIPv4
		target.IP = net.IPv4(buf[cursor], buf[cursor+1], buf[cursor+2], buf[cursor+3]).To4()
		cursor += 4

	case t.IPv6:
		if len(buf) < cursor+16 {
			return Target{}, 0, ErrShortBuffer
		}
		ip := make(net.IP, 16)
		for k := 0; k < 8; k++ {
			off := cursor + 2*k
			binary.BigEndian.PutUint16(ip[2*k:2*k+2], binary.BigEndian.Uint16(buf[off:off+2]))
		}
		target.Kind = KindIPv6
		target.IP = ip
		cursor += 16

	case t.Domain:
		if len(buf) < cursor+1 {
			return Target{}, 0, ErrShortBuffer
		}
		l := int(buf[cursor])
		cursor++
		if l < 1 || l > 255 {
			return Target{}, 0, errors.Wrap(ErrInvalidATYP, "domain length out of range")
		}
		if len(buf) < cursor+l {
			return Target{}, 0, ErrShortBuffer
		}
		target.Kind = KindDomain
		target.Domain = string(buf[cursor : cursor+l])
		cursor += l

	default:
		return Target{}, 0, ErrInvalidATYP
	}

	if withPort {
		if len(buf) < cursor+2 {
			return Target{}, 0, ErrShortBuffer
		}
		target.Port = binary.BigEndian.Uint16(buf[cursor : cursor+2])
		cursor += 2
	}

	return target, cursor, nil
}

// Encode writes {ATYP, address} (and the port, if withPort) to a fresh
// byte slice using the given table, the inverse of Decode.
func Encode(t Target, table Table, withPort bool) ([]byte, error) {
	var out []byte
	switch t.Kind {
	case KindIPv4:
		ip4 := t.IP.To4()
		if ip4 == nil {
			return nil, errors.New("addr: target kind is IPv4 but IP is not a v4 address")
		}
		out = append(out, table.IPv4)
		out = append(out, ip4...)

	case KindIPv6:
		ip6 := t.IP.To16()
		if ip6 == nil {
			return nil, errors.New("addr: target kind is IPv6 but IP is not a v6 address")
		}
		out = append(out, table.IPv6)
		out = append(out, ip6...)

	case KindDomain:
		if len(t.Domain) < 1 || len(t.Domain) > 255 {
			return nil, errors.New("addr: domain length out of range")
		}
		out = append(out, table.Domain, byte(len(t.Domain)))
		out = append(out, t.Domain...)

	default:
		return nil, errors.New("addr: unknown target kind")
	}

	if withPort {
		if t.Port == 0 {
			return nil, errors.New("addr: port must be in [1,65535]")
		}
		out = append(out, byte(t.Port>>8), byte(t.Port))
	}
	return out, nil
}
