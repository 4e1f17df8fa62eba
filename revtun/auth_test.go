package revtun

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthGateCheckTokenSuccess(t *testing.T) {
	g := NewAuthGate("secret", time.Second)
	g.Start(nil)

	err := g.CheckToken(Headers{"AuthToken": "secret"})
	require.NoError(t, err)
	assert.Equal(t, AuthStateAuthSuccess, g.State())
	assert.NoError(t, g.RequireAuthed())

	select {
	case <-g.Done():
	default:
		t.Fatal("Done channel should be closed after successful CheckToken")
	}
	require.NoError(t, g.Wait())
}

func TestAuthGateCheckTokenMismatch(t *testing.T) {
	g := NewAuthGate("secret", time.Second)
	g.Start(nil)

	err := g.CheckToken(Headers{"AuthToken": "wrong"})
	require.Error(t, err)
	assert.Equal(t, AuthStateAuthFail, g.State())
	assert.ErrorIs(t, g.RequireAuthed(), ErrUnauthenticated)
	assert.Equal(t, err, g.Wait())
}

func TestAuthGateRequireAuthedBeforeCheck(t *testing.T) {
	g := NewAuthGate("secret", time.Second)
	assert.ErrorIs(t, g.RequireAuthed(), ErrUnauthenticated)
}

func TestAuthGateExpiresOnTimeout(t *testing.T) {
	g := NewAuthGate("secret", 20*time.Millisecond)
	expired := make(chan struct{})
	g.Start(func() { close(expired) })

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("onExpire was never called")
	}
	assert.Equal(t, AuthStateExpired, g.State())
	require.Error(t, g.Wait())

	// A CheckToken arriving after expiry must not flip state back.
	err := g.CheckToken(Headers{"AuthToken": "secret"})
	require.Error(t, err)
	assert.Equal(t, AuthStateExpired, g.State())
}

func TestAuthGateCheckTokenStopsTimer(t *testing.T) {
	g := NewAuthGate("secret", 20*time.Millisecond)
	expired := false
	g.Start(func() { expired = true })

	require.NoError(t, g.CheckToken(Headers{"AuthToken": "secret"}))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, expired, "timer should have been stopped by CheckToken")
	assert.Equal(t, AuthStateAuthSuccess, g.State())
}

func TestAuthGateExpire(t *testing.T) {
	g := NewAuthGate("secret", time.Second)
	g.Start(nil)

	g.Expire()
	assert.Equal(t, AuthStateExpired, g.State())
	require.Error(t, g.Wait())

	// Calling Expire twice, or after resolution, is a no-op.
	g.Expire()
	assert.Equal(t, AuthStateExpired, g.State())
}

func TestAuthGateExpireAfterSuccessIsNoOp(t *testing.T) {
	g := NewAuthGate("secret", time.Second)
	g.Start(nil)
	require.NoError(t, g.CheckToken(Headers{"AuthToken": "secret"}))

	g.Expire()
	assert.Equal(t, AuthStateAuthSuccess, g.State())
	require.NoError(t, g.Wait())
}

func TestAuthGateCheckTokenIdempotent(t *testing.T) {
	g := NewAuthGate("secret", time.Second)
	g.Start(nil)

	require.NoError(t, g.CheckToken(Headers{"AuthToken": "secret"}))
	// A second CheckToken call (e.g. a duplicate AuthRequire frame) must not
	// re-resolve the gate or change its state.
	err := g.CheckToken(Headers{"AuthToken": "wrong"})
	require.NoError(t, err)
	assert.Equal(t, AuthStateAuthSuccess, g.State())
}
