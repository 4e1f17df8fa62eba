package revtun

import (
	"fmt"
	"sync"
)

// TunnelEndpoint is one side of a Tunnel — a relay link, a proxy link, a
// relay-client socket, or a local-dial socket. Each endpoint holds a
// TunnelHandle (initially the FakeClosed sentinel) rather than an owning
// back-pointer; the Tunnel itself owns the pairing between its two sides.
type TunnelEndpoint interface {
	// OnTunnelBuild is called once, for both endpoints, when the tunnel they
	// are paired in is built. Implementations store the handle and may emit
	// a protocol frame here (e.g. the relay side sends NewTunnel).
	OnTunnelBuild(t TunnelHandle)

	// OnTunnelClose is called on the surviving endpoint exactly once, the
	// first time the tunnel is closed by either side.
	OnTunnelClose(err error)

	// OnTunnelWrite delivers bytes written by the peer endpoint.
	OnTunnelWrite(data []byte)
}

// TunnelHandle is what a TunnelEndpoint stores: either a live *Tunnel or the
// FakeClosed sentinel. This is the indirection the spec's design notes call
// for in place of the source's "endpoint always has a non-nil tunnel" trick.
type TunnelHandle interface {
	Build()
	Write(sender TunnelEndpoint, data []byte)
	Close(sender TunnelEndpoint, err error)
}

// Tunnel pairs two TunnelEndpoints and forwards bytes between them while
// connected. Close is one-shot and idempotent: the first call flips
// connected false, notifies only the peer of the closing endpoint, and
// detaches the pairing so a second Close is a silent no-op.
type Tunnel struct {
	mu        sync.Mutex
	a, b      TunnelEndpoint
	connected bool
	// Endpoint is the destination label ("host:port") copied from the
	// proxy port that created this tunnel; unused by client-side local
	// tunnels.
	Endpoint string
}

// NewTunnel creates a tunnel pairing a and b. Build() must be called once
// to notify both sides before any Write/Close is meaningful.
func NewTunnel(a, b TunnelEndpoint, endpoint string) *Tunnel {
	return &Tunnel{a: a, b: b, connected: true, Endpoint: endpoint}
}

// Build notifies both endpoints that the tunnel now exists, in the order
// (a, b) — each stores the handle via OnTunnelBuild.
func (t *Tunnel) Build() {
	t.a.OnTunnelBuild(t)
	t.b.OnTunnelBuild(t)
}

// peerOf must be called with t.mu held.
func (t *Tunnel) peerOf(sender TunnelEndpoint) TunnelEndpoint {
	if sender == t.a {
		return t.b
	}
	if sender == t.b {
		return t.a
	}
	return nil
}

// Write routes data from sender to the peer endpoint. A silent no-op once
// the tunnel is no longer connected. sender and peer endpoints run on
// independent goroutines (a relay link's pump, a proxy link's read loop, a
// local-dial read loop), so a and b are read and connected is checked under
// t.mu rather than assumed single-threaded the way the source's event loop
// allowed.
func (t *Tunnel) Write(sender TunnelEndpoint, data []byte) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	peer := t.peerOf(sender)
	t.mu.Unlock()
	if peer != nil {
		peer.OnTunnelWrite(data)
	}
}

// Close is one-shot: the first caller (from either side) flips connected to
// false, notifies the peer's OnTunnelClose exactly once, and detaches the
// pairing. A second Close call (from either endpoint, possibly racing on a
// different goroutine) is a no-op.
func (t *Tunnel) Close(sender TunnelEndpoint, err error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	peer := t.peerOf(sender)
	t.a, t.b = nil, nil
	t.mu.Unlock()
	if peer != nil {
		peer.OnTunnelClose(err)
	}
}

// Connected reports whether the tunnel is still forwarding bytes.
func (t *Tunnel) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// fakeClosedTunnel is the sentinel initial value of every endpoint's
// TunnelHandle field, so that Close calls made before Build is ever reached
// are safe no-ops. Write and Build are programming errors on this sentinel:
// an endpoint should never be written to or built against before it has
// exchanged its real tunnel reference.
type fakeClosedTunnel struct{}

// FakeClosed is the shared sentinel TunnelHandle. Endpoints should
// initialize their tunnel field to FakeClosed.
var FakeClosed TunnelHandle = fakeClosedTunnel{}

func (fakeClosedTunnel) Build() {
	panic(fmt.Errorf("revtun: Build called on the FakeClosed tunnel"))
}

func (fakeClosedTunnel) Write(sender TunnelEndpoint, data []byte) {
	panic(fmt.Errorf("revtun: Write called on the FakeClosed tunnel"))
}

func (fakeClosedTunnel) Close(sender TunnelEndpoint, err error) {
	// close before build is a safe no-op
}
