package revtun

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// AuthState is the lifecycle of a link's auth handshake, shared verbatim by
// ManagerLink and RelayLink per spec §4.3.
type AuthState string

const (
	AuthStateWaitAuth    AuthState = "WaitAuth"
	AuthStateAuthSuccess AuthState = "AuthSuccess"
	AuthStateAuthFail    AuthState = "AuthFail"
	AuthStateExpired     AuthState = "Expired"
)

// ErrUnauthenticated is returned when a command other than AuthRequire
// arrives on a link that has not yet completed auth.
var ErrUnauthenticated = errors.New("revtun: command received before auth completed")

// AuthGate is the auth half of a manager or relay link: it owns the
// WaitAuth -> AuthSuccess|AuthFail|Expired state, the auth deadline timer,
// and a one-shot waiter that the link's owner can block on before treating
// the connection as usable. Grounded on the source's AuthProtocol, whose
// auth_timer/auth_waiter pair this mirrors with a time.Timer and a
// buffered channel instead of an event-loop Future.
type AuthGate struct {
	token   string
	timeout time.Duration

	mu       sync.Mutex
	state    AuthState
	timer    *time.Timer
	waitCh   chan struct{}
	waitErr  error
	resolved bool
}

// NewAuthGate creates a gate in WaitAuth state. Call Start once the
// connection is accepted to begin the auth deadline.
func NewAuthGate(token string, timeout time.Duration) *AuthGate {
	return &AuthGate{
		token:   token,
		timeout: timeout,
		state:   AuthStateWaitAuth,
		waitCh:  make(chan struct{}),
	}
}

// Start begins the auth deadline timer. onExpire is invoked exactly once,
// from the timer's own goroutine, if the deadline elapses before CheckToken
// resolves the gate; implementations use it to close the underlying
// transport, matching the source's `transport.close()` on expiry.
func (g *AuthGate) Start(onExpire func()) {
	g.mu.Lock()
	g.timer = time.AfterFunc(g.timeout, func() {
		g.mu.Lock()
		expired := g.state == AuthStateWaitAuth
		if expired {
			g.state = AuthStateExpired
		}
		g.mu.Unlock()
		if expired {
			g.resolve(fmt.Errorf("revtun: auth timed out after %s", g.timeout))
			if onExpire != nil {
				onExpire()
			}
		}
	})
	g.mu.Unlock()
}

// CheckToken handles an AuthRequire frame's headers: if AuthToken matches,
// the gate moves to AuthSuccess and resolves its waiter with a nil error;
// otherwise it moves to AuthFail, resolves the waiter with an error, and
// the caller is expected to close the transport (mirroring
// on_auth_fail/transport.close in the source). Calling CheckToken a second
// time is a no-op returning the gate's already-resolved error.
func (g *AuthGate) CheckToken(headers Headers) error {
	g.mu.Lock()
	if g.state != AuthStateWaitAuth {
		err := g.waitErr
		g.mu.Unlock()
		return err
	}
	if g.timer != nil {
		g.timer.Stop()
	}
	if headers["AuthToken"] != g.token {
		g.state = AuthStateAuthFail
		g.mu.Unlock()
		err := errors.New("revtun: auth token mismatch")
		g.resolve(err)
		return err
	}
	g.state = AuthStateAuthSuccess
	g.mu.Unlock()
	g.resolve(nil)
	return nil
}

// Expire forcibly moves a still-WaitAuth gate to Expired and resolves its
// waiter with an error, for the relay-link case where a ManagerSessionId
// mismatch is detected (spec §4.3: "close, state := Expired") rather than a
// token mismatch or a timeout.
func (g *AuthGate) Expire() {
	g.mu.Lock()
	if g.state != AuthStateWaitAuth {
		g.mu.Unlock()
		return
	}
	g.state = AuthStateExpired
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	g.resolve(errors.New("revtun: session expired"))
}

// RequireAuthed returns ErrUnauthenticated unless the gate is in
// AuthSuccess state. Links call this for every non-AuthRequire command,
// mirroring AuthProtocol.check_auth.
func (g *AuthGate) RequireAuthed() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != AuthStateAuthSuccess {
		return ErrUnauthenticated
	}
	return nil
}

// State returns the gate's current AuthState.
func (g *AuthGate) State() AuthState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Wait blocks until the gate resolves (success, fail, or expiry) and
// returns the resolution error, or nil on success.
func (g *AuthGate) Wait() error {
	<-g.waitCh
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waitErr
}

// Done returns a channel closed once the gate has resolved, for use in
// select statements alongside shutdown or I/O channels.
func (g *AuthGate) Done() <-chan struct{} {
	return g.waitCh
}

func (g *AuthGate) resolve(err error) {
	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	g.waitErr = err
	ch := g.waitCh
	g.mu.Unlock()
	close(ch)
}
