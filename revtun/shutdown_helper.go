package revtun

import (
	"context"
	"sync"
)

// OnceActivateHandler is called exactly once, with shutdown paused, to
// activate an object managed by ShutdownHelper.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object a ShutdownHelper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. It
	// takes completionError as an advisory completion value, actually shuts
	// down, then returns the real completion value.
	HandleOnceShutdown(completionError error) error
}

// ShutdownHelper manages clean asynchronous teardown for an object that
// implements OnceShutdownHandler: Server and HTTPServer embed one. It is trimmed to the subset of the teacher's
// lifecycle API this package actually drives — one-shot activation guarded
// by DoOnceActivate, shutdown triggered by context cancellation or an
// explicit Shutdown/Close call, and WaitShutdown to block for completion.
// The teacher's fuller surface (pause/resume counting exposed as public
// methods, child-shutdown cascading, individual phase-done channels) has no
// caller anywhere in this module, since revtun's Server owns its Manager/
// Relay/Proxy components directly rather than cascading shutdown through
// them.
type ShutdownHelper struct {
	Logger

	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount  int
	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	shutdownErr         error

	shutdownStartedChan chan struct{}
	shutdownDoneChan    chan struct{}
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.DLogf("->shutdownStarted")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.DLogf("->shutdownDone")
		close(h.shutdownDoneChan)
	}()
}

func (h *ShutdownHelper) activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, invokes onceActivateHandler, then resumes
// shutdown. If the handler fails, shutdown is started immediately.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	var err error
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()
	err = onceActivateHandler()
	if err == nil {
		err = h.activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.resumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// resumeShutdown decrements the pause count; if it reaches zero and
// shutdown has been scheduled, shutdown actually begins.
func (h *ShutdownHelper) resumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Lock.Unlock()
		h.Panic("resumeShutdown before pause")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ShutdownOnContext begins background monitoring of ctx; when ctx completes
// this helper starts shutting down with ctx.Err() as the advisory cause.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// ShutdownStartedChan is closed as soon as shutdown is initiated.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} { return h.shutdownStartedChan }

// WaitShutdown blocks until shutdown is complete, then returns its status.
// It does not itself initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown initiates shutdown (if not already started), waits for it to
// complete, then returns the final status.
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules asynchronous shutdown. Idempotent: only the first
// call has any effect.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory completion status and returns the
// final completion status.
func (h *ShutdownHelper) Close() error {
	h.DLogf("Close()")
	return h.Shutdown(nil)
}
