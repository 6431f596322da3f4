package gpsd

import (
	"sync"
	"sync/atomic"
)

// Handle identifies one subscription.
type Handle uint64

// Listener receives every decoded object and every non-fatal error of a
// session, in wire order, on the session's read goroutine. Callbacks must
// not wait on a correlated Send: the reply is read by the same goroutine.
type Listener interface {
	OnObject(obj Object)
	OnError(err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Object func(Object)
	Error  func(error)
}

func (l ListenerFuncs) OnObject(obj Object) {
	if l.Object != nil {
		l.Object(obj)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

type subscriber struct {
	handle   Handle
	listener Listener
}

// Registry is a copy-on-write subscriber set. Each notification pass
// walks the snapshot current when it started, so callbacks may subscribe
// or unsubscribe anyone (themselves included) without deadlock.
type Registry struct {
	mu     sync.Mutex // serializes writers
	next   Handle
	subs   atomic.Pointer[[]subscriber]
	report func(error)
}

// NewRegistry returns an empty registry. report receives listener panics;
// nil discards them.
func NewRegistry(report func(error)) *Registry {
	if report == nil {
		report = func(error) {}
	}
	r := &Registry{report: report}
	r.subs.Store(&[]subscriber{})
	return r
}

func (r *Registry) Subscribe(l Listener) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	cur := *r.subs.Load()
	next := make([]subscriber, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, subscriber{handle: r.next, listener: l})
	r.subs.Store(&next)
	return r.next
}

// Unsubscribe removes h and reports whether it was present. A pass already
// in progress still reaches h.
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := *r.subs.Load()
	next := make([]subscriber, 0, len(cur))
	found := false
	for _, s := range cur {
		if s.handle == h {
			found = true
			continue
		}
		next = append(next, s)
	}
	if found {
		r.subs.Store(&next)
	}
	return found
}

func (r *Registry) Len() int { return len(*r.subs.Load()) }

func (r *Registry) NotifyObject(obj Object) {
	for _, s := range *r.subs.Load() {
		r.deliver(s, func() { s.listener.OnObject(obj) })
	}
}

func (r *Registry) NotifyError(err error) {
	for _, s := range *r.subs.Load() {
		r.deliver(s, func() { s.listener.OnError(err) })
	}
}

func (r *Registry) deliver(s subscriber, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.report(&ListenerPanicError{Handle: s.handle, Value: v})
		}
	}()
	fn()
}
