package framing

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamTransportReadWrite(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	st := NewStreamTransport(server)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := client.Write([]byte("hello"))
		assert.NoError(t, err)
	}()

	chunk, err := st.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(chunk))
	<-done
}

func TestStreamTransportWriteChunk(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	st := NewStreamTransport(server)
	go func() {
		_ = st.WriteChunk([]byte("world"))
	}()

	buf := make([]byte, 5)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
}
