package revtun

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	tunnel  TunnelHandle
	written [][]byte
	closed  bool
	closeErr error
	built   bool
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{tunnel: FakeClosed}
}

func (f *fakeEndpoint) OnTunnelBuild(t TunnelHandle) {
	f.tunnel = t
	f.built = true
}

func (f *fakeEndpoint) OnTunnelClose(err error) {
	f.closed = true
	f.closeErr = err
}

func (f *fakeEndpoint) OnTunnelWrite(data []byte) {
	cp := append([]byte{}, data...)
	f.written = append(f.written, cp)
}

func TestTunnelBuildAndWrite(t *testing.T) {
	a := newFakeEndpoint()
	b := newFakeEndpoint()
	tun := NewTunnel(a, b, "127.0.0.1:9999")
	tun.Build()
	require.True(t, a.built)
	require.True(t, b.built)

	tun.Write(a, []byte("hello"))
	require.Len(t, b.written, 1)
	assert.Equal(t, []byte("hello"), b.written[0])
	assert.Empty(t, a.written)

	tun.Write(b, []byte("world"))
	require.Len(t, a.written, 1)
	assert.Equal(t, []byte("world"), a.written[0])
}

func TestTunnelCloseIsOneShotAndNotifiesOnlyPeer(t *testing.T) {
	a := newFakeEndpoint()
	b := newFakeEndpoint()
	tun := NewTunnel(a, b, "")
	tun.Build()

	boom := errors.New("boom")
	tun.Close(a, boom)
	assert.True(t, b.closed)
	assert.Equal(t, boom, b.closeErr)
	assert.False(t, a.closed)
	assert.False(t, tun.Connected())

	// second close, even from the other side, is a silent no-op
	b.closed = false
	tun.Close(b, errors.New("ignored"))
	assert.False(t, a.closed)
	assert.False(t, b.closed)
}

func TestTunnelWriteAfterCloseIsDropped(t *testing.T) {
	a := newFakeEndpoint()
	b := newFakeEndpoint()
	tun := NewTunnel(a, b, "")
	tun.Build()
	tun.Close(a, nil)

	tun.Write(b, []byte("late"))
	assert.Empty(t, a.written)
}

func TestFakeClosedToleratesCloseBeforeBuild(t *testing.T) {
	a := newFakeEndpoint()
	require.Equal(t, FakeClosed, a.tunnel)
	assert.NotPanics(t, func() {
		a.tunnel.Close(a, nil)
	})
}

func TestFakeClosedPanicsOnBuildAndWrite(t *testing.T) {
	assert.Panics(t, func() { FakeClosed.Build() })
	assert.Panics(t, func() { FakeClosed.Write(newFakeEndpoint(), []byte("x")) })
}
