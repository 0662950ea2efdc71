package admission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config controls gate-wide queueing behavior.
type Config struct {
	// MaxQueue is the maximum number of waiters per endpoint. Zero
	// disables queueing entirely: the gate admits or rejects immediately.
	MaxQueue int

	// WaitTimeout bounds how long a queued request waits for a slot.
	WaitTimeout time.Duration
}

// Gate enforces per-endpoint concurrency limits with bounded FIFO queueing.
//
// A request either gets a slot immediately, waits in the endpoint's queue,
// or is rejected when the queue is full. A released slot is handed directly
// to the oldest waiter so queued requests cannot be starved by new arrivals.
type Gate struct {
	cfg Config

	mu       sync.Mutex
	limiters map[uuid.UUID]*limiter
}

type limiter struct {
	limit    int
	inFlight int
	queue    []*Ticket
	draining bool
	idle     []chan struct{}
}

// Ticket is the outcome of an admission attempt. An admitted ticket holds a
// slot already; a queued ticket holds one after Wait returns nil. Either
// way the holder must call Release exactly once when the request finishes.
type Ticket struct {
	gate       *Gate
	endpointID uuid.UUID

	// Admitted is true when a slot was granted without queueing.
	Admitted bool
	// Position is the 1-based queue position at enqueue time, 0 when
	// admitted immediately.
	Position int

	ready chan error
	// holding is true while the ticket owns a slot.
	holding  bool
	released bool
}

// NewGate creates a gate with the given queue configuration.
func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg:      cfg,
		limiters: make(map[uuid.UUID]*limiter),
	}
}

// SetLimit creates or resizes the limiter for an endpoint. Raising the limit
// immediately admits waiters into the new slots. Lowering it never evicts
// in-flight work; the limiter converges as requests complete.
func (g *Gate) SetLimit(id uuid.UUID, limit int) {
	if limit < 1 {
		limit = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[id]
	if !ok {
		g.limiters[id] = &limiter{limit: limit}
		return
	}
	l.limit = limit
	g.admitWaiters(l)
}

// Remove deletes the endpoint's limiter and fails all queued waiters.
// In-flight requests may still call Release afterwards; that is a no-op.
func (g *Gate) Remove(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[id]
	if !ok {
		return
	}
	for _, t := range l.queue {
		t.ready <- ErrEndpointRemoved
	}
	l.queue = nil
	notifyIdle(l)
	delete(g.limiters, id)
}

// Enter attempts to claim a slot on the endpoint. The decision is immediate:
// the returned ticket is either admitted, queued (call Wait), or an error is
// returned (ErrUnknownEndpoint, ErrDraining, ErrQueueFull).
func (g *Gate) Enter(id uuid.UUID) (*Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[id]
	if !ok {
		return nil, ErrUnknownEndpoint
	}
	if l.draining {
		return nil, ErrDraining
	}

	t := &Ticket{gate: g, endpointID: id, ready: make(chan error, 1)}

	if l.inFlight < l.limit {
		l.inFlight++
		t.Admitted = true
		t.holding = true
		return t, nil
	}
	if len(l.queue) >= g.cfg.MaxQueue {
		return nil, ErrQueueFull
	}
	l.queue = append(l.queue, t)
	t.Position = len(l.queue)
	return t, nil
}

// TryEnter claims a slot only if one is immediately free and no one is
// queued ahead. It never queues: ok reports whether a slot was claimed.
func (g *Gate) TryEnter(id uuid.UUID) (*Ticket, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[id]
	if !ok {
		return nil, false, ErrUnknownEndpoint
	}
	if l.draining {
		return nil, false, ErrDraining
	}
	if l.inFlight >= l.limit || len(l.queue) > 0 {
		return nil, false, nil
	}
	l.inFlight++
	t := &Ticket{
		gate:       g,
		endpointID: id,
		Admitted:   true,
		ready:      make(chan error, 1),
		holding:    true,
	}
	return t, true, nil
}

// Wait blocks until the ticket holds a slot, the wait window elapses, or ctx
// is cancelled. It returns nil exactly when the ticket holds a slot. Wait on
// an already admitted ticket returns nil immediately.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.Admitted {
		return nil
	}

	var timeout <-chan time.Time
	if d := t.gate.cfg.WaitTimeout; d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-t.ready:
		return err
	case <-ctx.Done():
		return t.abandon(ctx.Err())
	case <-timeout:
		return t.abandon(ErrWaitTimeout)
	}
}

// abandon removes the ticket from its queue. If a slot was handed over
// concurrently it is given back to the next waiter; the caller is leaving
// either way.
func (t *Ticket) abandon(cause error) error {
	g := t.gate
	g.mu.Lock()

	l, ok := g.limiters[t.endpointID]
	if ok {
		for i, queued := range l.queue {
			if queued == t {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				notifyIdle(l)
				g.mu.Unlock()
				return cause
			}
		}
	}
	g.mu.Unlock()

	// Not queued anymore: an outcome is already in flight on the channel.
	if err := <-t.ready; err == nil {
		t.Release()
	}
	return cause
}

// Release returns the ticket's slot. The slot goes to the oldest waiter if
// one exists. Release is idempotent.
func (t *Ticket) Release() {
	g := t.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	if t.released || !t.holding {
		return
	}
	t.released = true
	t.holding = false

	l, ok := g.limiters[t.endpointID]
	if !ok {
		return
	}
	l.inFlight--
	g.admitWaiters(l)
	notifyIdle(l)
}

// admitWaiters hands free slots to queued tickets in FIFO order. Callers
// must hold g.mu.
func (g *Gate) admitWaiters(l *limiter) {
	for !l.draining && l.inFlight < l.limit && len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		l.inFlight++
		next.holding = true
		next.ready <- nil
	}
}

// notifyIdle wakes WaitForIdle callers when nothing is in flight or queued.
// Callers must hold g.mu.
func notifyIdle(l *limiter) {
	if l.inFlight > 0 || len(l.queue) > 0 {
		return
	}
	for _, ch := range l.idle {
		close(ch)
	}
	l.idle = nil
}

// BeginDrain puts the endpoint into drain mode: new Enter calls fail with
// ErrDraining and all queued waiters are evicted. In-flight requests run to
// completion.
func (g *Gate) BeginDrain(id uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[id]
	if !ok {
		return ErrUnknownEndpoint
	}
	l.draining = true
	for _, t := range l.queue {
		t.ready <- ErrDraining
	}
	l.queue = nil
	notifyIdle(l)
	return nil
}

// EndDrain reopens the endpoint for admission.
func (g *Gate) EndDrain(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.limiters[id]; ok {
		l.draining = false
	}
}

// WaitForIdle blocks until the endpoint has no in-flight or queued work, or
// ctx is cancelled. An unknown endpoint is trivially idle.
func (g *Gate) WaitForIdle(ctx context.Context, id uuid.UUID) error {
	g.mu.Lock()
	l, ok := g.limiters[id]
	if !ok || (l.inFlight == 0 && len(l.queue) == 0) {
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.idle = append(l.idle, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of requests currently holding slots.
func (g *Gate) InFlight(id uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[id]; ok {
		return l.inFlight
	}
	return 0
}

// QueueDepth returns the number of queued waiters.
func (g *Gate) QueueDepth(id uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[id]; ok {
		return len(l.queue)
	}
	return 0
}

// Limit returns the endpoint's configured concurrency limit.
func (g *Gate) Limit(id uuid.UUID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.limiters[id]; ok {
		return l.limit
	}
	return 0
}
