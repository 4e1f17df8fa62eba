package revtun

import (
	"context"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/jpillora/backoff"
)

// ErrManagerKickedOut is returned from ManagerClient.Run when the server
// sends ManagerKickOut — a newer manager connection has taken over and this
// process should stop entirely rather than redial, matching the source's
// `sys.exit(0)` on that command.
var ErrManagerKickedOut = errors.New("revtun: kicked out by a newer manager connection")

// ManagerClient holds the single control connection to the server,
// redialing with backoff on any disconnect, and spawns a RelayClient for
// every relay socket the server's NewReplier requests. Grounded on the
// source's client.manager_client.ManagerClient/ManagerProtocol.
type ManagerClient struct {
	cfg    *ClientConfig
	logger Logger
}

// NewManagerClient creates a ManagerClient from cfg.
func NewManagerClient(cfg *ClientConfig) *ManagerClient {
	return &ManagerClient{cfg: cfg, logger: cfg.logger().Fork("manager-client: ")}
}

// Run dials, authenticates, and services the manager connection until ctx
// is cancelled, redialing with backoff after every disconnect. It returns
// ErrManagerKickedOut immediately (no redial) if the server ever sends
// ManagerKickOut.
func (c *ManagerClient) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.redialMin(), Max: c.redialMax(), Factor: 1}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.runOnce(ctx)
		if errors.Is(err, ErrManagerKickedOut) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := b.Duration()
		c.logger.ILogf("disconnected (%v), reconnecting in %s", err, d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *ManagerClient) redialMin() time.Duration {
	if c.cfg.RedialMin > 0 {
		return c.cfg.RedialMin
	}
	return time.Second
}

func (c *ManagerClient) redialMax() time.Duration {
	if c.cfg.RedialMax > 0 {
		return c.cfg.RedialMax
	}
	return time.Second
}

func (c *ManagerClient) runOnce(ctx context.Context) error {
	addr := net.JoinHostPort(c.cfg.ManagerHost, strconv.Itoa(c.cfg.ManagerPort))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
	}

	link := &managerClientLink{
		FrameLink: NewFrameLink(conn, c.logger),
		ctx:       ctx,
		cfg:       c.cfg,
		logger:    c.logger,
	}
	dec := NewDecoder(link)

	done := make(chan error, 1)
	go pump(conn, dec, func(err error) { done <- err })

	if err := link.SendFrame(CommandAuthRequire, Headers{"AuthToken": c.cfg.AuthToken}, nil); err != nil {
		return err
	}

	select {
	case err := <-done:
		if link.kickedOut {
			return ErrManagerKickedOut
		}
		return err
	case <-ctx.Done():
		conn.Close()
		<-done
		return ctx.Err()
	}
}

// managerClientLink implements FrameHandler for the manager connection.
type managerClientLink struct {
	*FrameLink
	ctx       context.Context
	cfg       *ClientConfig
	logger    Logger
	kickedOut bool
}

func (l *managerClientLink) OnCommand(cmd Command, headers Headers) error {
	switch cmd {
	case CommandAuthSuccess:
		l.logger.ILogf("manager connected")
	case CommandNewReplier:
		n, err := strconv.Atoi(headers["ReplierNum"])
		if err != nil {
			return err
		}
		sessionID := headers["ManagerSessionId"]
		for i := 0; i < n; i++ {
			go NewRelayClient(l.cfg, sessionID).Run(l.ctx)
		}
	case CommandManagerKickOut:
		l.kickedOut = true
		return l.Close()
	}
	return nil
}

func (l *managerClientLink) OnBody(chunk []byte) error {
	return nil
}
