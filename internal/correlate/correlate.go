// ABOUTME: Correlates synchronous inbound requests with asynchronous replies
// ABOUTME: Process-local waiter map with single-resolution and deadline semantics

package correlate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrDuplicateCorrelation indicates a request ID was reused while a waiter
// for it is still pending. Duplicate registration fails fast rather than
// silently overwriting the earlier waiter.
var ErrDuplicateCorrelation = errors.New("correlation key already pending")

// Waiter blocks one request flow until its reply arrives or time runs out.
type Waiter struct {
	key      string
	deadline time.Time
	done     chan struct{}
	msgs     []*store.Message
	parent   *Correlator
}

// Correlator tracks pending synchronous requests by correlation key.
// State is process-local: a restart drops all waiters by design and the
// callers observe it as a timeout.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
	logger  *slog.Logger
}

// New creates a Correlator. Pass nil logger for default.
func New(logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		waiters: make(map[string]*Waiter),
		logger:  logger.With("component", "correlator"),
	}
}

// Register creates a waiter for the given correlation key. At most one
// waiter may exist per key; a duplicate fails with ErrDuplicateCorrelation.
func (c *Correlator) Register(key string, deadline time.Time) (*Waiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.waiters[key]; exists {
		return nil, ErrDuplicateCorrelation
	}

	w := &Waiter{
		key:      key,
		deadline: deadline,
		done:     make(chan struct{}),
		parent:   c,
	}
	c.waiters[key] = w

	c.logger.Debug("waiter registered", "correlation_key", key, "deadline", deadline)
	return w, nil
}

// Resolve delivers reply messages to the waiter for key, if one is still
// pending, and removes it. A missing waiter is the normal race with a
// caller that already timed out and walked away: a no-op, not an error.
// Only the first resolution per key is honored.
func (c *Correlator) Resolve(key string, msgs []*store.Message) bool {
	c.mu.Lock()
	w, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("resolve for unknown correlation key, dropping", "correlation_key", key)
		return false
	}

	w.msgs = msgs
	close(w.done)
	return true
}

// Pending returns the number of outstanding waiters.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Await blocks until the waiter is resolved, its deadline elapses, or ctx
// is cancelled (client disconnect). Timeout and cancellation return
// resolved=false and remove the waiter promptly so no waiter outlives its
// deadline. Awaiting an already-resolved waiter returns the resolved value.
func (w *Waiter) Await(ctx context.Context) (msgs []*store.Message, resolved bool) {
	timer := time.NewTimer(time.Until(w.deadline))
	defer timer.Stop()

	select {
	case <-w.done:
		return w.msgs, true
	case <-timer.C:
	case <-ctx.Done():
	}

	w.parent.remove(w)

	// Resolve may have won the race just before removal; honor it.
	select {
	case <-w.done:
		return w.msgs, true
	default:
	}
	return nil, false
}

// Cancel removes the waiter without resolving it. Use when the request is
// abandoned before Await, e.g. the engine signal could not be delivered.
func (w *Waiter) Cancel() {
	w.parent.remove(w)
}

// remove deletes the waiter from the map if it is still the registered one.
func (c *Correlator) remove(w *Waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.waiters[w.key]; ok && current == w {
		delete(c.waiters, w.key)
	}
}
