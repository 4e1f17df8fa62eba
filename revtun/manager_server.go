package revtun

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ManagerLink is the single control connection a manager client holds open
// to the server. Grounded on the source's ManagerProtocol: it carries an
// AuthGate, a server-assigned epoch (informational — the broadcaster's
// current-manager slot is what actually governs precedence) and a session
// id minted on successful auth, which relay links must echo back via
// ManagerSessionId to be accepted.
type ManagerLink struct {
	*FrameLink

	epoch int

	mu        sync.Mutex
	sessionID string
}

func newManagerLink(conn net.Conn, epoch int, token string, authTimeout time.Duration, logger Logger) *ManagerLink {
	l := &ManagerLink{
		FrameLink: NewFrameLink(conn, logger),
		epoch:     epoch,
	}
	l.Auth = NewAuthGate(token, authTimeout)
	return l
}

// SessionID returns the id minted for this manager once auth succeeds; the
// zero value before that point.
func (l *ManagerLink) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// OnCommand implements FrameHandler. AuthRequire is handled inline; every
// other command requires a completed auth handshake first, matching the
// source's check_auth guard — ManagerLink has nothing else to act on, so a
// post-auth command is simply accepted as a no-op.
func (l *ManagerLink) OnCommand(cmd Command, headers Headers) error {
	if cmd == CommandAuthRequire {
		return l.handleAuthRequire(headers)
	}
	return l.Auth.RequireAuthed()
}

// OnBody implements FrameHandler; ManagerLink never receives a framed body.
func (l *ManagerLink) OnBody(chunk []byte) error {
	return l.Auth.RequireAuthed()
}

func (l *ManagerLink) handleAuthRequire(headers Headers) error {
	if err := l.Auth.CheckToken(headers); err != nil {
		// auth failure is not a protocol violation; the accept loop closes
		// the transport once it observes the gate resolve with an error.
		return nil
	}
	id := uuid.New()
	l.mu.Lock()
	l.sessionID = base64.RawURLEncoding.EncodeToString(id[:])
	l.mu.Unlock()
	return l.SendFrame(CommandAuthSuccess, nil, nil)
}

// ApplyNewReplier asks this manager's client to open n additional relay
// sockets, tagging the request with this manager's session id so relay
// links created in response can prove they belong to it.
func (l *ManagerLink) ApplyNewReplier(n int) error {
	if err := l.Auth.RequireAuthed(); err != nil {
		return err
	}
	return l.SendFrame(CommandNewReplier, Headers{
		"ReplierNum":       strconv.Itoa(n),
		"ManagerSessionId": l.SessionID(),
	}, nil)
}

// ManagerServer accepts manager connections on ManagerHost:ManagerPort and
// arbitrates which one is "the" active manager through the Broadcaster,
// grounded on the source's ManagerServer/build_protocol.
type ManagerServer struct {
	cfg         *ServerConfig
	broadcaster *Broadcaster
	logger      Logger

	mu    sync.Mutex
	epoch int
}

// NewManagerServer creates a ManagerServer sharing cfg's auth settings and
// broadcaster with the rest of the Server aggregate.
func NewManagerServer(cfg *ServerConfig, broadcaster *Broadcaster) *ManagerServer {
	return &ManagerServer{cfg: cfg, broadcaster: broadcaster, logger: cfg.logger().Fork("manager: ")}
}

// Serve listens and accepts manager connections until ctx is cancelled or
// the listener errors.
func (s *ManagerServer) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.ManagerHost, strconv.Itoa(s.cfg.ManagerPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("revtun: manager listen on %s: %w", addr, err)
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

func (s *ManagerServer) handleConn(conn net.Conn) {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	link := newManagerLink(conn, epoch, s.cfg.AuthToken, s.cfg.AuthTimeout, s.logger)
	dec := NewDecoder(link)
	link.Auth.Start(func() { conn.Close() })

	go pump(conn, dec, func(err error) {
		if link.Auth.State() == AuthStateAuthSuccess && s.broadcaster.CurrentManager() == link {
			s.broadcaster.Fire(EventManagerClose, link)
		}
	})

	if err := link.Auth.Wait(); err != nil {
		s.logger.DLogf("manager auth from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	if prev := s.broadcaster.CurrentManager(); prev != nil {
		prev.SendFrame(CommandManagerKickOut, nil, nil)
		prev.Close()
		s.broadcaster.Fire(EventManagerClose, prev)
	}

	s.logger.ILogf("manager %s authenticated, session %s", conn.RemoteAddr(), link.SessionID())
	s.broadcaster.Fire(EventManagerValid, link)

	if s.cfg.IdleReplierNum > 0 {
		if err := link.ApplyNewReplier(s.cfg.IdleReplierNum); err != nil {
			s.logger.WLogf("requesting idle repliers: %v", err)
		}
	}
}
