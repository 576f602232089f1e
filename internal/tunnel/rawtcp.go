package tunnel

import (
	"github.com/pkg/errors"

	"github.com/relaynet/tunrelay/internal/addr"
)

// ParseRawTCP decodes the bespoke raw-TCP handshake: ATYP+address+port,
// leftover. Optionally a trailing 4-byte CRC-32c of the header (see
// ChecksumLen/VerifyChecksum) may be required by the listener config.
func ParseRawTCP(buf []byte, requireChecksum bool) Outcome {
	target, n, err := addr.Decode(buf, addr.RawTCPTable, true)
	if err != nil {
		if errors.Is(err, addr.ErrShortBuffer) {
			return needMore()
		}
		return fail(errors.Wrap(err, "rawtcp address"))
	}

	if !requireChecksum {
		return ok(HandshakeResult{
			Target:   target,
			Command:  CommandTCP,
			Leftover: append([]byte(nil), buf[n:]...),
		})
	}

	if len(buf) < n+ChecksumLen {
		return needMore()
	}
	if !VerifyChecksum(buf[:n], buf[n:n+ChecksumLen]) {
		return fail(errors.Wrap(ErrChecksumMismatch, "rawtcp header checksum"))
	}

	return ok(HandshakeResult{
		Target:   target,
		Command:  CommandTCP,
		Leftover: append([]byte(nil), buf[n+ChecksumLen:]...),
	})
}
