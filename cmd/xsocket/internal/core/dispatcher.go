package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hasirciogluhq/xsocket/cmd/xsocket/internal/logger"
)

// Handler executes one request against a session.
type Handler[S AppSession, R Request] interface {
	Execute(ctx context.Context, session S, req R) error
}

// HandlerFunc adapts a plain function into a Handler.
type HandlerFunc[S AppSession, R Request] func(ctx context.Context, session S, req R) error

func (f HandlerFunc[S, R]) Execute(ctx context.Context, session S, req R) error {
	return f(ctx, session, req)
}

// DispatchStats counts dispatch outcomes since the dispatcher was created.
type DispatchStats struct {
	Dispatched      uint64 `json:"dispatched"`
	UnknownCommands uint64 `json:"unknown_commands"`
	HandlerFailures uint64 `json:"handler_failures"`
}

// Dispatcher routes requests to handlers by request key.
//
// The handler table is built during setup and frozen when the server starts
// (or on the first Execute). After that it is only read, without locking.
// Requests of one session run strictly one after another; requests of
// different sessions run in parallel.
type Dispatcher[S AppSession, R Request] struct {
	mu              sync.Mutex
	frozen          atomic.Bool
	handlers        map[string]Handler[S, R]
	caseInsensitive bool
	maxFailures     int

	onUnknown func(S, R)
	onFailure func(S, R, error)

	dispatched      atomic.Uint64
	unknownCommands atomic.Uint64
	handlerFailures atomic.Uint64
}

func NewDispatcher[S AppSession, R Request]() *Dispatcher[S, R] {
	return &Dispatcher[S, R]{handlers: make(map[string]Handler[S, R])}
}

// CaseInsensitive makes key matching ignore case. It panics if a handler is
// already registered or the dispatcher is frozen.
func (d *Dispatcher[S, R]) CaseInsensitive() *Dispatcher[S, R] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen.Load() {
		panic("core: CaseInsensitive called on a frozen dispatcher")
	}
	if len(d.handlers) > 0 {
		panic("core: CaseInsensitive called after handlers were registered")
	}
	d.caseInsensitive = true
	return d
}

func (d *Dispatcher[S, R]) normalize(key string) string {
	if d.caseInsensitive {
		return strings.ToUpper(key)
	}
	return key
}

// Handle registers h for key, replacing any previous handler.
func (d *Dispatcher[S, R]) Handle(key string, h Handler[S, R]) error {
	if key == "" {
		return fmt.Errorf("empty command key")
	}
	if h == nil {
		return fmt.Errorf("nil handler for command %q", key)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrDispatcherFrozen, key)
	}
	d.handlers[d.normalize(key)] = h
	return nil
}

func (d *Dispatcher[S, R]) HandleFunc(key string, fn func(ctx context.Context, session S, req R) error) error {
	return d.Handle(key, HandlerFunc[S, R](fn))
}

// SetMaxHandlerFailures closes a session after n consecutive handler
// failures. Zero, the default, never closes sessions on failures.
func (d *Dispatcher[S, R]) SetMaxHandlerFailures(n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen.Load() {
		return ErrDispatcherFrozen
	}
	if n < 0 {
		n = 0
	}
	d.maxFailures = n
	return nil
}

// OnUnknownCommand sets a hook called when no handler matches a request.
func (d *Dispatcher[S, R]) OnUnknownCommand(fn func(S, R)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen.Load() {
		return ErrDispatcherFrozen
	}
	d.onUnknown = fn
	return nil
}

// OnHandlerFailure sets a hook called after a handler failed.
func (d *Dispatcher[S, R]) OnHandlerFailure(fn func(S, R, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen.Load() {
		return ErrDispatcherFrozen
	}
	d.onFailure = fn
	return nil
}

// Freeze makes the handler table read-only.
func (d *Dispatcher[S, R]) Freeze() {
	d.mu.Lock()
	d.frozen.Store(true)
	d.mu.Unlock()
}

// Keys returns the registered keys in sorted order.
func (d *Dispatcher[S, R]) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *Dispatcher[S, R]) Stats() DispatchStats {
	return DispatchStats{
		Dispatched:      d.dispatched.Load(),
		UnknownCommands: d.unknownCommands.Load(),
		HandlerFailures: d.handlerFailures.Load(),
	}
}

// Execute runs req against session.
//
// It returns ErrSessionNotActive when the session no longer accepts
// requests, an *UnknownCommandError when no handler matches and a
// *HandlerError when the handler failed or panicked. None of these close the
// session, except a handler failure that reaches the configured limit.
func (d *Dispatcher[S, R]) Execute(ctx context.Context, session S, req R) error {
	if !d.frozen.Load() {
		d.Freeze()
	}

	base := session.Base()
	base.dispatchMu.Lock()
	defer base.dispatchMu.Unlock()

	if base.State() != StateActive {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotActive, base.ID(), base.State())
	}
	base.touch()

	key := req.Key()
	h, ok := d.handlers[d.normalize(key)]
	if !ok {
		d.unknownCommands.Add(1)
		logger.Warn("Unknown command", "session_id", base.ID(), "command", key)
		if d.onUnknown != nil {
			d.onUnknown(session, req)
		}
		return &UnknownCommandError{SessionID: base.ID(), Key: key}
	}

	d.dispatched.Add(1)
	if err := invoke(ctx, h, session, req); err != nil {
		herr := &HandlerError{SessionID: base.ID(), Key: key, Err: err}
		d.handlerFailures.Add(1)
		failures := base.failures.Add(1)
		logger.Error("Command failed", "session_id", base.ID(), "command", key, "failures", failures, "error", err)
		if d.onFailure != nil {
			d.onFailure(session, req, herr)
		}
		if d.maxFailures > 0 && int(failures) >= d.maxFailures {
			logger.Warn("Closing session after repeated handler failures", "session_id", base.ID(), "failures", failures)
			base.Close(CloseReasonHandlerFailure)
		}
		return herr
	}
	base.failures.Store(0)
	return nil
}

func invoke[S AppSession, R Request](ctx context.Context, h Handler[S, R], session S, req R) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("Handler panic stack", "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Execute(ctx, session, req)
}
