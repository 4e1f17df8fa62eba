package revtun

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
)

// RelayClient is one outbound relay socket opened in response to a
// NewReplier request. It authenticates, announces readiness, and then
// waits for at most one NewTunnel before dialing the local service and
// bridging bytes between the two, grounded on the source's
// client.relay_client.RelayClient.
type RelayClient struct {
	cfg       *ClientConfig
	sessionID string
	logger    Logger
}

// NewRelayClient creates a RelayClient tagged with the manager session id
// that authorized it.
func NewRelayClient(cfg *ClientConfig, sessionID string) *RelayClient {
	return &RelayClient{cfg: cfg, sessionID: sessionID, logger: cfg.logger().Fork("relay-client: ")}
}

// Run dials the relay port once and services the connection until it
// closes or ctx is cancelled. Unlike ManagerClient it does not redial
// itself on failure — a fresh RelayClient is spawned by the next
// NewReplier instead, matching the source (one asyncio task per replier
// request, no retry loop).
func (c *RelayClient) Run(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.RelayHost, strconv.Itoa(c.cfg.RelayPort))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.logger.WLogf("relay dial %s: %v", addr, err)
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	link := &relayClientLink{
		FrameLink:  NewFrameLink(conn, c.logger),
		cfg:        c.cfg,
		tunnel:     FakeClosed,
		dialCtx:    dialCtx,
		cancelDial: cancel,
	}
	dec := NewDecoder(link)

	done := make(chan error, 1)
	go pump(conn, dec, func(err error) { done <- err })

	if err := link.SendFrame(CommandAuthRequire, Headers{
		"AuthToken":        c.cfg.AuthToken,
		"ManagerSessionId": c.sessionID,
	}, nil); err != nil {
		conn.Close()
		return err
	}
	if err := link.SendFrame(CommandClientReady, nil, nil); err != nil {
		conn.Close()
		return err
	}

	select {
	case err := <-done:
		cancel()
		t := link.currentTunnel()
		t.Close(link, err)
		return err
	case <-ctx.Done():
		conn.Close()
		<-done
		return ctx.Err()
	}
}

type relayClientLink struct {
	*FrameLink
	cfg *ClientConfig

	dialCtx    context.Context
	cancelDial context.CancelFunc

	mu          sync.Mutex
	tunnel      TunnelHandle
	buffer      [][]byte
	tunnelBuilt bool
}

// OnCommand implements FrameHandler: the only command a relay client acts
// on is NewTunnel, and only once per connection; AuthSuccess and any other
// command are ignored.
func (l *relayClientLink) OnCommand(cmd Command, headers Headers) error {
	if cmd != CommandNewTunnel {
		return nil
	}
	l.mu.Lock()
	if l.tunnelBuilt {
		l.mu.Unlock()
		return errors.New("revtun: duplicate NewTunnel on one relay socket")
	}
	l.tunnelBuilt = true
	l.mu.Unlock()
	go l.dialLocal(l.dialCtx, headers["Endpoint"])
	return nil
}

// OnBody implements FrameHandler: Forward bodies are buffered until the
// local dial completes, then written through the tunnel.
func (l *relayClientLink) OnBody(chunk []byte) error {
	l.mu.Lock()
	if _, fake := l.tunnel.(fakeClosedTunnel); fake {
		l.buffer = append(l.buffer, append([]byte{}, chunk...))
		l.mu.Unlock()
		return nil
	}
	t := l.tunnel
	l.mu.Unlock()
	t.Write(l, chunk)
	return nil
}

func (l *relayClientLink) currentTunnel() TunnelHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tunnel
}

func (l *relayClientLink) dialLocal(ctx context.Context, endpoint string) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		l.Close()
		return
	}
	local := newLocalLink(conn)
	tun := NewTunnel(l, local, endpoint)
	tun.Build()
	go local.readLoop(tun)

	l.mu.Lock()
	buffered := l.buffer
	l.buffer = nil
	l.mu.Unlock()
	for _, b := range buffered {
		tun.Write(l, b)
	}
}

// OnTunnelBuild implements TunnelEndpoint.
func (l *relayClientLink) OnTunnelBuild(t TunnelHandle) {
	l.mu.Lock()
	l.tunnel = t
	l.mu.Unlock()
}

// OnTunnelClose implements TunnelEndpoint.
func (l *relayClientLink) OnTunnelClose(err error) {
	l.Close()
}

// OnTunnelWrite implements TunnelEndpoint: forward bytes from the local
// service back to the server as a Forward frame.
func (l *relayClientLink) OnTunnelWrite(data []byte) {
	l.SendFrame(CommandForward, nil, data)
}
