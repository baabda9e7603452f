package provider

import (
	"context"
	"sync"
)

// flight is one shared computation. Waiters attach and detach until it
// finishes; the computation is cancelled when the last waiter detaches.
type flight[T any] struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters map[*waiter[T]]struct{}
	done    bool
}

type waiter[T any] struct {
	deliver func(T, error)
	stop    func() bool
}

// inflight de-duplicates computations by key. It has its own lock,
// independent of the cache.
type inflight[T any] struct {
	mu      sync.Mutex
	flights map[string]*flight[T]
	parent  context.Context
	zero    T
}

func newInflight[T any](parent context.Context) *inflight[T] {
	return &inflight[T]{flights: make(map[string]*flight[T]), parent: parent}
}

// join attaches deliver to the flight for key, creating it if needed. The
// caller must start the computation when leader is true. When done fires,
// the waiter detaches and receives errCancel.
func (r *inflight[T]) join(key string, done context.Context, errCancel error, deliver func(T, error)) (f *flight[T], leader bool) {
	r.mu.Lock()
	f, ok := r.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(r.parent)
		f = &flight[T]{key: key, ctx: ctx, cancel: cancel, waiters: make(map[*waiter[T]]struct{})}
		r.flights[key] = f
	}
	w := &waiter[T]{deliver: deliver}
	f.waiters[w] = struct{}{}
	w.stop = context.AfterFunc(done, func() { r.detach(f, w, errCancel) })
	r.mu.Unlock()
	return f, !ok
}

func (r *inflight[T]) detach(f *flight[T], w *waiter[T], err error) {
	r.mu.Lock()
	if _, ok := f.waiters[w]; !ok || f.done {
		r.mu.Unlock()
		return
	}
	delete(f.waiters, w)
	if len(f.waiters) == 0 {
		f.cancel()
		if r.flights[f.key] == f {
			delete(r.flights, f.key)
		}
	}
	r.mu.Unlock()

	w.deliver(r.zero, err)
}

// finish delivers v and err to every attached waiter.
func (r *inflight[T]) finish(f *flight[T], v T, err error) {
	r.mu.Lock()
	if f.done {
		r.mu.Unlock()
		return
	}
	f.done = true
	if r.flights[f.key] == f {
		delete(r.flights, f.key)
	}
	waiters := make([]*waiter[T], 0, len(f.waiters))
	for w := range f.waiters {
		waiters = append(waiters, w)
	}
	f.waiters = nil
	r.mu.Unlock()

	f.cancel()
	for _, w := range waiters {
		w.stop()
		w.deliver(v, err)
	}
}

// size returns the number of computations in flight.
func (r *inflight[T]) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flights)
}
