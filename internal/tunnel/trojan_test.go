package tunnel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrojanHashPatternBoundaries(t *testing.T) {
	assert.True(t, trojanHashPattern.MatchString(strings.Repeat("a", 56)))
	assert.True(t, trojanHashPattern.MatchString(strings.Repeat("F", 56)))
	assert.False(t, trojanHashPattern.MatchString(strings.Repeat("a", 55)))
	assert.False(t, trojanHashPattern.MatchString(strings.Repeat("a", 57)))
	bad := strings.Repeat("a", 55) + "z"
	assert.False(t, trojanHashPattern.MatchString(bad))
}

func TestParseTrojanReject(t *testing.T) {
	buf := append([]byte(strings.Repeat("z", 56)), '\r', '\n')
	out := ParseTrojan(buf, nil)
	require.Equal(t, Fail, out.Status)
	assert.ErrorIs(t, out.Err, ErrMalformed)
}

func TestParseTrojanHappyPathWithoutAllowList(t *testing.T) {
	hash := strings.Repeat("a", 56)
	buf := []byte(hash)
	buf = append(buf, '\r', '\n')
	buf = append(buf, 0x01)                 // CONNECT
	buf = append(buf, 0x01, 1, 2, 3, 4)      // IPv4 atyp
	buf = append(buf, 0x01, 0xBB)            // port 443
	buf = append(buf, '\r', '\n')
	buf = append(buf, "hello"...)

	out := ParseTrojan(buf, nil)
	require.Equal(t, Ok, out.Status)
	assert.Equal(t, "1.2.3.4", out.Result.Target.Host())
	assert.Equal(t, uint16(443), out.Result.Target.Port)
	assert.Equal(t, []byte("hello"), out.Result.Leftover)
}

func TestParseTrojanAllowListRejectsUnknownHash(t *testing.T) {
	allowed := NewHashSet([]string{strings.Repeat("b", 56)})
	hash := strings.Repeat("a", 56)
	buf := []byte(hash)
	buf = append(buf, '\r', '\n', 0x01, 0x01, 1, 2, 3, 4, 0x01, 0xBB, '\r', '\n')

	out := ParseTrojan(buf, allowed)
	require.Equal(t, Fail, out.Status)
	assert.ErrorIs(t, out.Err, ErrUnauthorized)
}
