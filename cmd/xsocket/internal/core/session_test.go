package core

import (
	"bufio"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	base, client := newTestBasePair(t, "s")
	assert.Equal(t, StateConnecting, base.State())
	assert.Same(t, base, base.Base())

	require.True(t, base.activate())
	assert.False(t, base.activate(), "activation happens once")
	assert.True(t, base.Connected())

	received := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(client).ReadString('\n')
		received <- line
	}()
	require.NoError(t, base.SendString("hello\n"))
	assert.Equal(t, "hello\n", <-received)

	base.Close(CloseReasonServerClosing)
	assert.Equal(t, StateClosing, base.State())
	assert.Equal(t, CloseReasonServerClosing, base.CloseReason())

	// A second close keeps the first reason.
	base.Close(CloseReasonTimeout)
	assert.Equal(t, CloseReasonServerClosing, base.CloseReason())

	released := 0
	base.onRelease = func(*Session) { released++ }
	base.release(CloseReasonClientClosing)
	base.release(CloseReasonClientClosing)

	assert.Equal(t, StateClosed, base.State())
	assert.Equal(t, CloseReasonServerClosing, base.CloseReason())
	assert.Equal(t, 1, released)
	assert.Error(t, base.Context().Err())
	select {
	case <-base.Done():
	default:
		t.Fatal("Done must be closed after release")
	}

	err := base.SendString("late\n")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionSendRequiresActivation(t *testing.T) {
	base := newTestBase(t, "s")
	assert.ErrorIs(t, base.SendString("x"), ErrSessionClosed)

	base.Close(CloseReasonServerClosing)
	assert.Equal(t, StateConnecting, base.State(), "closing a session that never became active is a no-op")
}

func TestSessionSendFailureClosesSession(t *testing.T) {
	base, client := newTestBasePair(t, "s")
	require.True(t, base.activate())
	require.NoError(t, client.Close())

	err := base.SendString("x")
	assert.ErrorIs(t, err, ErrTransportFault)
	assert.Equal(t, StateClosing, base.State())
	assert.Equal(t, CloseReasonTransportFault, base.CloseReason())
}

func TestReleaseFromActiveRecordsReason(t *testing.T) {
	base := newTestBase(t, "s")
	require.True(t, base.activate())

	base.release(CloseReasonClientClosing)
	assert.Equal(t, StateClosed, base.State())
	assert.Equal(t, CloseReasonClientClosing, base.CloseReason())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "server_shutdown", CloseReasonServerShutdown.String())
	assert.Equal(t, "running", ServerRunning.String())
}
