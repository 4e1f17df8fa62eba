package revtun

import (
	"context"
)

// Server is the top-level server-side aggregate: it owns the broadcaster,
// the shared relay pool, and the three listeners (manager, relay, proxy)
// that together implement spec §4's component design. It embeds
// ShutdownHelper the way the teacher's own Server and Client do. Close/
// Shutdown completes that helper only: the manager, relay and proxy
// listeners stop when the context passed to Run is cancelled, not through
// HandleOnceShutdown.
type Server struct {
	ShutdownHelper

	cfg *ServerConfig

	Broadcaster *Broadcaster
	Pool        *RelayPool
	Manager     *ManagerServer
	Relay       *RelayServer
	Proxy       *ProxyRegistry
}

// NewServer builds a Server from cfg; nothing is listening yet until Run is
// called.
func NewServer(cfg *ServerConfig) (*Server, error) {
	logger := cfg.logger()
	s := &Server{cfg: cfg}
	s.InitShutdownHelper(logger, s)

	s.Broadcaster = NewBroadcaster()
	s.Pool = NewRelayPool(logger.Fork("pool: "))
	s.Manager = NewManagerServer(cfg, s.Broadcaster)
	s.Relay = NewRelayServer(cfg, s.Pool, s.Broadcaster)
	s.Proxy = NewProxyRegistry(cfg, s.Pool, s.Broadcaster)
	return s, nil
}

// Run starts the manager and relay listeners, pre-creates every configured
// internal endpoint, and blocks until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	err := s.DoOnceActivate(func() error {
		s.ShutdownOnContext(ctx)

		for _, ie := range s.cfg.InternalEndpoints {
			if _, err := s.Proxy.CreatePort(ctx, ie.Endpoint, ie.BindPort); err != nil {
				return err
			}
		}

		errCh := make(chan error, 2)
		go func() { errCh <- s.Manager.Serve(ctx) }()
		go func() { errCh <- s.Relay.Serve(ctx) }()

		go func() {
			select {
			case err := <-errCh:
				s.Shutdown(err)
			case <-s.ShutdownStartedChan():
			}
		}()
		return nil
	}, true)
	if err == nil {
		err = s.WaitShutdown()
	}
	return err
}

// HandleOnceShutdown implements OnceShutdownHandler.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	return completionErr
}
