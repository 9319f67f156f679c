// Package registry maps canonical type tags to handlers and listeners.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lightforgemedia/go-wslink/pkg/envelope"
)

// ErrDispatch marks a failure raised by a handler or listener.
var ErrDispatch = errors.New("dispatch error")

// Handler processes one inbound envelope.
type Handler func(env *envelope.Envelope) error

// DispatchError wraps an error returned by, or a panic raised in, a handler.
type DispatchError struct {
	Tag      string
	Listener bool
	Err      error
}

func (e *DispatchError) Error() string {
	role := "handler"
	if e.Listener {
		role = "listener"
	}
	return fmt.Sprintf("dispatch error: %s for %q: %v", role, e.Tag, e.Err)
}

func (e *DispatchError) Unwrap() []error { return []error{ErrDispatch, e.Err} }

type listener struct {
	id uint64
	fn Handler
}

// Registry holds one primary handler and an ordered listener list per tag.
// It is safe for concurrent use; handlers run outside the lock.
type Registry struct {
	logger  *slog.Logger
	onError func(*DispatchError)

	mu        sync.RWMutex
	handlers  map[string]Handler
	listeners map[string][]listener
	nextID    uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used to report dropped envelopes and failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithErrorHook receives every isolated handler failure after it is logged.
func WithErrorHook(fn func(*DispatchError)) Option {
	return func(r *Registry) {
		r.onError = fn
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:    slog.Default(),
		handlers:  make(map[string]Handler),
		listeners: make(map[string][]listener),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle sets the primary handler for tag, replacing any previous one.
func (r *Registry) Handle(tag string, h Handler) error {
	key := envelope.Canonical(tag)
	if key == "" {
		return errors.New("registry: empty type tag")
	}
	if h == nil {
		return fmt.Errorf("registry: nil handler for %q", key)
	}
	r.mu.Lock()
	r.handlers[key] = h
	r.mu.Unlock()
	return nil
}

// Remove deletes the primary handler for tag. It reports whether one existed.
func (r *Registry) Remove(tag string) bool {
	key := envelope.Canonical(tag)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handlers[key]
	delete(r.handlers, key)
	return ok
}

// Listen appends a listener for tag. The returned func removes only this listener.
func (r *Registry) Listen(tag string, h Handler) (func(), error) {
	key := envelope.Canonical(tag)
	if key == "" {
		return nil, errors.New("registry: empty type tag")
	}
	if h == nil {
		return nil, fmt.Errorf("registry: nil listener for %q", key)
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[key] = append(r.listeners[key], listener{id: id, fn: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.removeListener(key, id) })
	}, nil
}

func (r *Registry) removeListener(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls := r.listeners[key]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		kept := make([]listener, 0, len(ls)-1)
		kept = append(kept, ls[:i]...)
		kept = append(kept, ls[i+1:]...)
		if len(kept) == 0 {
			delete(r.listeners, key)
		} else {
			r.listeners[key] = kept
		}
		return
	}
}

// HasHandler reports whether a primary handler is set for tag.
func (r *Registry) HasHandler(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[envelope.Canonical(tag)]
	return ok
}

// ListenerCount returns the number of listeners registered for tag.
func (r *Registry) ListenerCount(tag string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[envelope.Canonical(tag)])
}

// Dispatch runs the primary handler then every listener for the envelope's tag,
// in registration order. Failures are isolated and never returned. It returns
// how many functions were invoked.
func (r *Registry) Dispatch(env *envelope.Envelope) int {
	key := env.Tag()
	if key == "" {
		r.logger.Warn("Dropping envelope without type tag", "fields", len(env.Extra))
		return 0
	}

	r.mu.RLock()
	primary := r.handlers[key]
	ls := r.listeners[key]
	r.mu.RUnlock()

	if primary == nil && len(ls) == 0 {
		r.logger.Warn("No handler registered for envelope", "tag", key)
		return 0
	}

	invoked := 0
	if primary != nil {
		r.invoke(key, false, primary, env)
		invoked++
	}
	for _, l := range ls {
		r.invoke(key, true, l.fn, env)
		invoked++
	}
	return invoked
}

func (r *Registry) invoke(key string, isListener bool, fn Handler, env *envelope.Envelope) {
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		err = fn(env)
	}()
	if err == nil {
		return
	}
	de := &DispatchError{Tag: key, Listener: isListener, Err: err}
	r.logger.Error("Envelope handler failed", "tag", key, "listener", isListener, "error", err)
	if r.onError != nil {
		r.onError(de)
	}
}
