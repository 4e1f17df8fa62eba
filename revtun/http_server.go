package revtun

import (
	"context"
	"net"
	"net/http"
	"time"
)

// shutdownDrainTimeout bounds how long HTTPServer waits for in-flight admin
// API requests (add/remove/list) to finish before falling back to a hard
// listener close. Open watching websockets are hijacked connections, which
// http.Server.Shutdown neither waits for nor closes.
const shutdownDrainTimeout = 5 * time.Second

// HTTPServer wraps net/http.Server with ShutdownHelper-managed graceful
// shutdown, used by the admin package to serve the endpoint-management API
// alongside the manager/relay/proxy TCP listeners.
type HTTPServer struct {
	ShutdownHelper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates an HTTPServer that is not yet listening.
func NewHTTPServer(logger Logger) *HTTPServer {
	h := &HTTPServer{Server: &http.Server{}}
	h.InitShutdownHelper(logger, h)
	return h
}

// HandleOnceShutdown implements OnceShutdownHandler. Unlike a bare
// listener.Close(), it gives in-flight admin requests up to
// shutdownDrainTimeout to complete via http.Server.Shutdown before forcing
// the listener closed.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer cancel()

	err := h.Server.Shutdown(drainCtx)
	if err != nil {
		h.DLogf("admin http server: graceful shutdown failed, forcing listener close: %s", err)
		if closeErr := h.listener.Close(); closeErr != nil {
			h.DLogf("admin http server: close of listener failed, ignoring: %s", closeErr)
		}
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAndServe binds addr and serves handler until the context is
// cancelled or Shutdown/Close is called directly.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	err := h.DoOnceActivate(func() error {
		h.ShutdownOnContext(ctx)

		l, err := net.Listen("tcp", addr)
		if err != nil {
			return h.Errorf("listen failed: %s", err)
		}
		h.Handler = handler
		h.listener = l
		h.ILogf("admin http server listening on %s", l.Addr())

		go func() {
			err := h.Serve(l)
			if err == http.ErrServerClosed {
				err = nil
			}
			h.Shutdown(err)
		}()

		return nil
	}, true)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Shutdown shuts the server down, returning the final completion error.
func (h *HTTPServer) Shutdown(completionError error) error {
	return h.ShutdownHelper.Shutdown(completionError)
}

// Close shuts the server down, returning the final completion error.
func (h *HTTPServer) Close() error {
	return h.ShutdownHelper.Close()
}
