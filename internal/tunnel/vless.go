package tunnel

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"github.com/relaynet/tunrelay/internal/addr"
)

// UUIDSet is a read-only allow-list of VLESS client UUIDs, normalized
// to lowercase hex with hyphens stripped so comparisons are
// case-insensitive and hyphen-insensitive as required.
type UUIDSet map[string]struct{}

// NewUUIDSet builds an allow-list from textual UUIDs (hyphenated or
// not, any case).
func NewUUIDSet(uuids []string) UUIDSet {
	set := make(UUIDSet, len(uuids))
	for _, u := range uuids {
		set[normalizeUUID(u)] = struct{}{}
	}
	return set
}

func normalizeUUID(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "-", ""))
}

// Allows reports whether the 16 raw UUID bytes are on the allow-list.
func (s UUIDSet) Allows(raw [16]byte) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[hex.EncodeToString(raw[:])]
	return ok
}

const vlessUUIDLen = 16

// ParseVLESS decodes the VLESS handshake header described in the wire
// format table: version byte, 16-byte UUID, addon block, command byte,
// big-endian port, ATYP+address, leftover.
func ParseVLESS(buf []byte, allowed UUIDSet) Outcome {
	const minHeader = 1 + vlessUUIDLen + 1 // version + uuid + addons-length
	if len(buf) < minHeader {
		return needMore()
	}

	if buf[0] != 0x00 {
		return fail(errors.Wrapf(ErrBadVersion, "got version %d", buf[0]))
	}

	var rawUUID [vlessUUIDLen]byte
	copy(rawUUID[:], buf[1:1+vlessUUIDLen])

	cursor := 1 + vlessUUIDLen
	addonsLen := int(buf[cursor])
	cursor++

	if len(buf) < cursor+addonsLen+1 /* command */ +2 /* port */ +1 /* atyp */ {
		return needMore()
	}
	cursor += addonsLen // addon bytes are skipped, per spec

	if !allowed.Allows(rawUUID) {
		return fail(errors.Wrap(ErrUnauthorized, "vless uuid not allowed"))
	}

	cmd := Command(buf[cursor])
	cursor++
	switch cmd {
	case 0x01:
		cmd = CommandTCP
	case 0x02:
		cmd = CommandUDP
	case 0x03:
		cmd = CommandMux
	default:
		return fail(errors.Wrapf(ErrMalformed, "vless unknown command %d", buf[cursor-1]))
	}
	if cmd != CommandTCP {
		return fail(errors.Wrapf(ErrUnsupportedCmd, "vless command %s", cmd))
	}

	if len(buf) < cursor+2 {
		return needMore()
	}
	port := binary.BigEndian.Uint16(buf[cursor : cursor+2])
	cursor += 2

	target, n, err := addr.Decode(buf[cursor:], addr.VLESSTable, false)
	if err != nil {
		if errors.Is(err, addr.ErrShortBuffer) {
			return needMore()
		}
		return fail(errors.Wrap(err, "vless address"))
	}
	target.Port = port
	cursor += n

	return ok(HandshakeResult{
		Target:   target,
		Command:  cmd,
		Leftover: append([]byte(nil), buf[cursor:]...),
	})
}
