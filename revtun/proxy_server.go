package revtun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrProxyPortExists is returned by ProxyRegistry.CreatePort when a port
// for the given endpoint is already registered (including one still mid
// creation).
var ErrProxyPortExists = errors.New("revtun: proxy port already exists for this endpoint")

// ErrProxyPortNotFound is returned by ProxyRegistry.ClosePort for an
// endpoint with no registered port.
var ErrProxyPortNotFound = errors.New("revtun: no proxy port for this endpoint")

// ProxyLink is one raw user connection accepted on a proxy port. Unlike
// ManagerLink/RelayLink it carries no framing of its own — bytes flow
// through the tunnel exactly as received, matching the source's
// ProxyProtocol (a BaseProtocol, not an ImitateHttpProtocol). Data that
// arrives before the tunnel to a relay is built is buffered and replayed
// once Build fires, per spec §4.6.
type ProxyLink struct {
	conn     net.Conn
	endpoint Endpoint
	pool     *RelayPool
	onClose  func(*ProxyLink)

	mu           sync.Mutex
	tunnel       TunnelHandle
	buffer       [][]byte
	cancelWait   context.CancelFunc
}

func newProxyLink(conn net.Conn, endpoint Endpoint, pool *RelayPool, onClose func(*ProxyLink)) *ProxyLink {
	return &ProxyLink{conn: conn, endpoint: endpoint, pool: pool, onClose: onClose, tunnel: FakeClosed}
}

// serve runs the link until the connection closes: one goroutine waits on
// the relay pool to build the tunnel, this goroutine reads raw bytes and
// either forwards or buffers them depending on whether the tunnel exists
// yet.
func (l *ProxyLink) serve(ctx context.Context) {
	waitCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancelWait = cancel
	l.mu.Unlock()

	go l.buildTunnel(waitCtx)

	buf := make([]byte, 32*1024)
	for {
		n, err := l.conn.Read(buf)
		if n > 0 {
			l.handleData(append([]byte{}, buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	l.onConnLost()
}

func (l *ProxyLink) buildTunnel(ctx context.Context) {
	relay, err := l.pool.Get(ctx)
	if err != nil {
		// cancelled because the connection closed before a relay arrived
		return
	}
	tun := NewTunnel(l, relay, string(l.endpoint))
	tun.Build()

	l.mu.Lock()
	buffered := l.buffer
	l.buffer = nil
	l.mu.Unlock()
	for _, chunk := range buffered {
		tun.Write(l, chunk)
	}
}

func (l *ProxyLink) handleData(data []byte) {
	l.mu.Lock()
	if _, fake := l.tunnel.(fakeClosedTunnel); fake {
		l.buffer = append(l.buffer, data)
		l.mu.Unlock()
		return
	}
	t := l.tunnel
	l.mu.Unlock()
	t.Write(l, data)
}

func (l *ProxyLink) onConnLost() {
	l.mu.Lock()
	cancel := l.cancelWait
	t := l.tunnel
	l.buffer = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.Close(l, nil)
	if l.onClose != nil {
		l.onClose(l)
	}
}

// OnTunnelBuild implements TunnelEndpoint.
func (l *ProxyLink) OnTunnelBuild(t TunnelHandle) {
	l.mu.Lock()
	l.tunnel = t
	l.mu.Unlock()
}

// OnTunnelClose implements TunnelEndpoint: the relay side went away, so the
// user connection is torn down too.
func (l *ProxyLink) OnTunnelClose(err error) {
	l.conn.Close()
}

// OnTunnelWrite implements TunnelEndpoint: bytes arriving from the relay
// side are written straight to the user socket.
func (l *ProxyLink) OnTunnelWrite(data []byte) {
	l.conn.Write(data)
}

// ProxyPort is one bound listener forwarding to a fixed Endpoint, grounded
// on the source's ProxyServer.
type ProxyPort struct {
	ID        int
	Endpoint  Endpoint
	CreatedAt time.Time

	listener net.Listener
	stats    ConnStats

	mu    sync.Mutex
	links map[*ProxyLink]struct{}
}

// BindAddr returns the address the port is actually listening on.
func (p *ProxyPort) BindAddr() net.Addr {
	return p.listener.Addr()
}

// OpenConns and TotalConns report live/lifetime proxy connection counts for
// the admin surface.
func (p *ProxyPort) OpenConns() int32  { return p.stats.OpenCount() }
func (p *ProxyPort) TotalConns() int32 { return p.stats.TotalCount() }

func (p *ProxyPort) addLink(l *ProxyLink) {
	p.mu.Lock()
	p.links[l] = struct{}{}
	p.mu.Unlock()
	p.stats.New()
	p.stats.Open()
}

func (p *ProxyPort) removeLink(l *ProxyLink) {
	p.mu.Lock()
	delete(p.links, l)
	p.mu.Unlock()
	p.stats.Close()
}

func (p *ProxyPort) closeAllLinks() {
	p.mu.Lock()
	links := make([]*ProxyLink, 0, len(p.links))
	for l := range p.links {
		links = append(links, l)
	}
	p.mu.Unlock()
	for _, l := range links {
		l.conn.Close()
	}
}

// ProxyRegistry creates and tears down ProxyPorts on demand (via the admin
// surface) or at startup (InternalEndpoints), grounded on the source's
// ProxyServerFactory. One endpoint maps to at most one live port; a nil map
// entry is the "creation in progress" guard the source implements with
// `self.servers.setdefault(endpoint, None)`.
type ProxyRegistry struct {
	cfg         *ServerConfig
	pool        *RelayPool
	broadcaster *Broadcaster
	logger      Logger

	mu     sync.Mutex
	nextID int
	ports  map[Endpoint]*ProxyPort
}

// NewProxyRegistry creates a registry and subscribes it to
// EventManagerClose so in-flight proxy connections are torn down when their
// manager is superseded — the listening ports themselves are left running,
// ready to serve the next manager.
func NewProxyRegistry(cfg *ServerConfig, pool *RelayPool, broadcaster *Broadcaster) *ProxyRegistry {
	r := &ProxyRegistry{cfg: cfg, pool: pool, broadcaster: broadcaster, logger: cfg.logger().Fork("proxy: "), ports: make(map[Endpoint]*ProxyPort)}
	broadcaster.Subscribe(EventManagerClose, r.onManagerClose)
	return r
}

func (r *ProxyRegistry) onManagerClose(event Event, manager *ManagerLink) {
	r.mu.Lock()
	ports := make([]*ProxyPort, 0, len(r.ports))
	for _, p := range r.ports {
		if p != nil {
			ports = append(ports, p)
		}
	}
	r.mu.Unlock()
	for _, p := range ports {
		p.closeAllLinks()
	}
}

// CreatePort binds bindPort (0 picks an ephemeral port) and starts
// forwarding accepted connections toward endpoint. Returns
// ErrProxyPortExists if endpoint already has a port, matching the source's
// silent early-return but surfaced as an error for the admin layer.
func (r *ProxyRegistry) CreatePort(ctx context.Context, endpoint Endpoint, bindPort int) (*ProxyPort, error) {
	r.mu.Lock()
	if _, exists := r.ports[endpoint]; exists {
		r.mu.Unlock()
		return nil, ErrProxyPortExists
	}
	r.ports[endpoint] = nil
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	addr := fmt.Sprintf(":%d", bindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.mu.Lock()
		delete(r.ports, endpoint)
		r.mu.Unlock()
		return nil, fmt.Errorf("revtun: proxy listen on %s: %w", addr, err)
	}

	port := &ProxyPort{
		ID:        id,
		Endpoint:  endpoint,
		CreatedAt: time.Now(),
		listener:  ln,
		links:     make(map[*ProxyLink]struct{}),
	}

	r.mu.Lock()
	r.ports[endpoint] = port
	r.mu.Unlock()

	r.logger.ILogf("proxy port %s -> %s", ln.Addr(), endpoint)
	go r.acceptLoop(ctx, port)
	return port, nil
}

func (r *ProxyRegistry) acceptLoop(ctx context.Context, port *ProxyPort) {
	go func() {
		<-ctx.Done()
		port.listener.Close()
	}()
	for {
		conn, err := port.listener.Accept()
		if err != nil {
			return
		}
		manager := r.broadcaster.CurrentManager()
		if manager == nil {
			conn.Close()
			continue
		}
		if err := manager.ApplyNewReplier(1); err != nil {
			r.logger.WLogf("requesting replier for %s: %v", port.Endpoint, err)
		}
		link := newProxyLink(conn, port.Endpoint, r.pool, port.removeLink)
		port.addLink(link)
		go link.serve(ctx)
	}
}

// ClosePort stops accepting on endpoint's port, closes every open
// connection through it, and forgets the endpoint.
func (r *ProxyRegistry) ClosePort(endpoint Endpoint) error {
	r.mu.Lock()
	port, ok := r.ports[endpoint]
	if !ok || port == nil {
		r.mu.Unlock()
		return ErrProxyPortNotFound
	}
	delete(r.ports, endpoint)
	r.mu.Unlock()

	port.listener.Close()
	port.closeAllLinks()
	r.logger.ILogf("proxy port for %s closed", endpoint)
	return nil
}

// Ports returns a snapshot of every live (fully created) proxy port.
func (r *ProxyRegistry) Ports() []*ProxyPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ProxyPort, 0, len(r.ports))
	for _, p := range r.ports {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// PortByEndpoint looks up the live port for endpoint, if any.
func (r *ProxyRegistry) PortByEndpoint(endpoint Endpoint) (*ProxyPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[endpoint]
	return p, ok && p != nil
}
