package framing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageTransportPauseBlocksUntilResume(t *testing.T) {
	mt := &MessageTransport{resume: make(chan struct{}), stopPing: make(chan struct{})}
	mt.Pause()

	unblocked := make(chan struct{})
	go func() {
		mt.waitIfPaused()
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("waitIfPaused returned before Resume was called")
	case <-time.After(20 * time.Millisecond):
	}

	mt.Resume()

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("waitIfPaused did not unblock after Resume")
	}
}

func TestMessageTransportResumeWithoutPauseIsNoop(t *testing.T) {
	mt := &MessageTransport{resume: make(chan struct{}), stopPing: make(chan struct{})}
	assert.NotPanics(t, mt.Resume)
}
