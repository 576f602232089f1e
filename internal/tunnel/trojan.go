package tunnel

import (
	"regexp"

	"github.com/pkg/errors"

	"github.com/relaynet/tunrelay/internal/addr"
)

const trojanHashLen = 56

var trojanHashPattern = regexp.MustCompile(`^[0-9a-fA-F]{56}$`)

// HashSet is an optional allow-list of Trojan password hashes. A nil or
// empty HashSet means "accept any syntactically valid hash" — the
// legacy behavior spec.md §4.2 calls out, left as deployment policy.
type HashSet map[string]struct{}

// NewHashSet builds an allow-list from 56-hex-character password hashes.
func NewHashSet(hashes []string) HashSet {
	if len(hashes) == 0 {
		return nil
	}
	set := make(HashSet, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}

func (s HashSet) allows(hash string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[hash]
	return ok
}

// ParseTrojan decodes the Trojan handshake: 56-hex password, CRLF,
// command byte, ATYP+address+port, CRLF, leftover.
func ParseTrojan(buf []byte, allowed HashSet) Outcome {
	const minHeader = trojanHashLen + 2 + 1 // hash + CRLF + command
	if len(buf) < trojanHashLen {
		return needMore()
	}

	hash := string(buf[:trojanHashLen])
	if !trojanHashPattern.MatchString(hash) {
		return fail(errors.Wrap(ErrMalformed, "trojan password is not 56 hex characters"))
	}
	if len(buf) < minHeader {
		return needMore()
	}
	if buf[trojanHashLen] != '\r' || buf[trojanHashLen+1] != '\n' {
		return fail(errors.Wrap(ErrMalformed, "trojan header missing CRLF after password"))
	}
	if !allowed.allows(hash) {
		return fail(errors.Wrap(ErrUnauthorized, "trojan hash not allowed"))
	}

	cursor := trojanHashLen + 2
	cmd := buf[cursor]
	cursor++
	if cmd != 0x01 {
		return fail(errors.Wrapf(ErrUnsupportedCmd, "trojan command %d", cmd))
	}

	target, n, err := addr.Decode(buf[cursor:], addr.TrojanTable, true)
	if err != nil {
		if errors.Is(err, addr.ErrShortBuffer) {
			return needMore()
		}
		return fail(errors.Wrap(err, "trojan address"))
	}
	cursor += n

	if len(buf) < cursor+2 {
		return needMore()
	}
	if buf[cursor] != '\r' || buf[cursor+1] != '\n' {
		return fail(errors.Wrap(ErrMalformed, "trojan header missing trailing CRLF"))
	}
	cursor += 2

	return ok(HandshakeResult{
		Target:   target,
		Command:  CommandTCP,
		Leftover: append([]byte(nil), buf[cursor:]...),
	})
}
