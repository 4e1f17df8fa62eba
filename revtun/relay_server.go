package revtun

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// RelayLink is one pooled data connection from a relay client. It
// implements both FrameHandler (so it can decode the relay client's
// AuthRequire/ClientReady frames and Forward bodies) and TunnelEndpoint (so a Tunnel can pair it against a
// ProxyLink), grounded on the source's RelayProtocol.
type RelayLink struct {
	*FrameLink

	manager *ManagerLink

	mu     sync.Mutex
	tunnel TunnelHandle
}

func newRelayLink(conn net.Conn, manager *ManagerLink, token string, authTimeout time.Duration, logger Logger) *RelayLink {
	l := &RelayLink{
		FrameLink: NewFrameLink(conn, logger),
		manager:   manager,
		tunnel:    FakeClosed,
	}
	l.Auth = NewAuthGate(token, authTimeout)
	return l
}

// OnCommand implements FrameHandler.
func (l *RelayLink) OnCommand(cmd Command, headers Headers) error {
	if cmd == CommandAuthRequire {
		return l.handleAuthRequire(headers)
	}
	return l.Auth.RequireAuthed()
}

// OnBody implements FrameHandler: a relay body is always a Forward payload
// destined for whatever ProxyLink this relay is currently tunneled to.
func (l *RelayLink) OnBody(chunk []byte) error {
	if err := l.Auth.RequireAuthed(); err != nil {
		return err
	}
	l.mu.Lock()
	t := l.tunnel
	l.mu.Unlock()
	t.Write(l, chunk)
	return nil
}

func (l *RelayLink) handleAuthRequire(headers Headers) error {
	if headers["ManagerSessionId"] != l.manager.SessionID() {
		// stale relay from a superseded manager: tell it to reconnect and
		// expire the gate so the caller does not mistake this for a normal
		// auth failure.
		l.SendFrame(CommandManagerEpochChange, nil, nil)
		l.Auth.Expire()
		l.Close()
		return nil
	}
	if err := l.Auth.CheckToken(headers); err != nil {
		return nil
	}
	return l.SendFrame(CommandAuthSuccess, nil, nil)
}

// OnTunnelBuild implements TunnelEndpoint: a relay announces the tunnel's
// destination endpoint to the relay client so it knows where to dial.
func (l *RelayLink) OnTunnelBuild(t TunnelHandle) {
	l.mu.Lock()
	l.tunnel = t
	l.mu.Unlock()
	endpoint := ""
	if real, ok := t.(*Tunnel); ok {
		endpoint = real.Endpoint
	}
	l.SendFrame(CommandNewTunnel, Headers{"Endpoint": endpoint}, nil)
}

// OnTunnelClose implements TunnelEndpoint: once the peer closes, this
// relay's transport is no longer useful, matching the source's
// on_tunnel_close -> transport.close().
func (l *RelayLink) OnTunnelClose(err error) {
	l.Close()
}

// OnTunnelWrite implements TunnelEndpoint: forward bytes from the proxy
// side out over the wire as a Forward frame.
func (l *RelayLink) OnTunnelWrite(data []byte) {
	l.SendFrame(CommandForward, nil, data)
}

func (l *RelayLink) currentTunnel() TunnelHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tunnel
}

// RelayServer accepts relay client connections, authenticates them against
// the currently active manager, and feeds successfully authenticated links
// into the shared RelayPool. Grounded on the source's RelayServer.
type RelayServer struct {
	cfg         *ServerConfig
	pool        *RelayPool
	broadcaster *Broadcaster
	logger      Logger

	mu     sync.Mutex
	active map[*RelayLink]struct{}
}

// NewRelayServer creates a RelayServer and subscribes it to
// EventManagerClose so every relay belonging to a superseded manager is
// torn down with it.
func NewRelayServer(cfg *ServerConfig, pool *RelayPool, broadcaster *Broadcaster) *RelayServer {
	s := &RelayServer{
		cfg:         cfg,
		pool:        pool,
		broadcaster: broadcaster,
		logger:      cfg.logger().Fork("relay: "),
		active:      make(map[*RelayLink]struct{}),
	}
	broadcaster.Subscribe(EventManagerClose, s.onManagerClose)
	return s
}

func (s *RelayServer) onManagerClose(event Event, manager *ManagerLink) {
	s.mu.Lock()
	victims := make([]*RelayLink, 0, len(s.active))
	for l := range s.active {
		if l.manager == manager {
			victims = append(victims, l)
		}
	}
	s.mu.Unlock()
	for _, l := range victims {
		s.pool.Remove(l)
		l.Close()
	}
}

// Serve listens and accepts relay connections until ctx is cancelled or the
// listener errors. A connection accepted while no manager is currently
// active is refused immediately, matching the source's ForbiddenProtocol.
func (s *RelayServer) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.RelayHost, strconv.Itoa(s.cfg.RelayPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("revtun: relay listen on %s: %w", addr, err)
	}
	s.logger.ILogf("listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *RelayServer) handleConn(conn net.Conn) {
	manager := s.broadcaster.CurrentManager()
	if manager == nil {
		conn.Close()
		return
	}

	link := newRelayLink(conn, manager, s.cfg.AuthToken, s.cfg.AuthTimeout, s.logger)
	dec := NewDecoder(link)
	link.Auth.Start(func() { conn.Close() })

	s.mu.Lock()
	s.active[link] = struct{}{}
	s.mu.Unlock()

	go pump(conn, dec, func(err error) {
		s.mu.Lock()
		delete(s.active, link)
		s.mu.Unlock()
		s.pool.Remove(link)
		link.currentTunnel().Close(link, err)
	})

	if err := link.Auth.Wait(); err != nil {
		conn.Close()
		return
	}
	s.pool.Put(link)
}
