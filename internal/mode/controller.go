// Package mode owns the view-only flag and its transitions. The Controller
// is the only writer of the flag; every side effect goes through the guard
// it drives.
package mode

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"viewonly-guard/internal/guard"
)

// Protector is the guard contract the controller drives.
type Protector interface {
	Apply() guard.Report
	Revert() guard.Report
	Refresh() guard.Report
}

// Transition sources.
const (
	SourceUser     = "user"
	SourceShutdown = "shutdown"
)

// StateChange is published after every completed transition.
type StateChange struct {
	Active bool      `json:"active"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`
}

// Sink records completed transitions (audit engine, trace recorder).
type Sink interface {
	StateChanged(c StateChange)
}

// Controller serialises enable/disable transitions. Reads of the flag never
// block: IsActive reports the last completed transition, so a concurrent
// reader sees the pre-transition value until the guard work is done.
type Controller struct {
	guard Protector
	sinks []Sink

	mu     sync.Mutex
	active atomic.Bool
	closed bool
	cancel context.CancelFunc
	done   chan struct{}

	subMu      sync.RWMutex
	subs       map[int]chan StateChange
	nextSub    int
	subsClosed bool
}

// New returns an inactive controller.
func New(p Protector, sinks ...Sink) *Controller {
	return &Controller{
		guard: p,
		sinks: sinks,
		subs:  make(map[int]chan StateChange),
	}
}

// Init starts the reconcile loop that keeps protections in place while the
// host re-renders. A non-positive interval disables it.
func (c *Controller) Init(ctx context.Context, refresh time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.closed || refresh <= 0 {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.reconcileLoop(loopCtx, refresh, c.done)
}

func (c *Controller) reconcileLoop(ctx context.Context, every time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Reconcile()
		}
	}
}

// IsActive reports whether view-only mode is engaged.
func (c *Controller) IsActive() bool {
	return c.active.Load()
}

// Enable engages view-only mode. It is a no-op when already active or after
// Shutdown. If the guard could not put any protection in place the partial
// work is reverted and the controller stays inactive.
func (c *Controller) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enableLocked()
}

// Disable releases view-only mode. It is a no-op when inactive.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableLocked(SourceUser)
}

// ForceDisable releases view-only mode because the host is unloading. The
// transition is published with SourceShutdown; the controller stays usable.
func (c *Controller) ForceDisable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disableLocked(SourceShutdown)
}

// Toggle flips the mode and returns the resulting state.
func (c *Controller) Toggle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active.Load() {
		c.disableLocked(SourceUser)
	} else {
		c.enableLocked()
	}
	return c.active.Load()
}

// Reconcile re-asserts protections while active.
func (c *Controller) Reconcile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active.Load() {
		return
	}
	c.guard.Refresh()
}

// Shutdown stops the reconcile loop, forces the mode off and closes every
// subscription. It is safe to call more than once.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	c.disableLocked(SourceShutdown)
	c.closed = true
	c.mu.Unlock()

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsClosed = true
	c.subMu.Unlock()
}

// Subscribe returns a channel receiving every completed transition and a
// cancel func. Delivery never blocks the controller; a full channel drops
// the event, and readers should fall back to IsActive.
func (c *Controller) Subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan StateChange, buffer)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			defer c.subMu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

func (c *Controller) enableLocked() {
	if c.closed || c.active.Load() {
		return
	}
	r := c.guard.Apply()
	if !r.Protected() {
		log.Printf("view-only enable aborted, no protection could be applied: %v", r.Err())
		c.guard.Revert()
		return
	}
	if err := r.Err(); err != nil {
		log.Printf("view-only enabled with degraded protection (%v): %v", r.Failed(), err)
	}
	c.active.Store(true)
	c.publish(true, SourceUser)
}

func (c *Controller) disableLocked(source string) {
	if !c.active.Load() {
		return
	}
	// Revert always drops its handles, so the flag follows even on errors.
	c.guard.Revert()
	c.active.Store(false)
	c.publish(false, source)
}

func (c *Controller) publish(active bool, source string) {
	change := StateChange{Active: active, Source: source, At: time.Now()}
	for _, s := range c.sinks {
		if s != nil {
			s.StateChanged(change)
		}
	}

	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
