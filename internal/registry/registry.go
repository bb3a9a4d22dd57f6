// ABOUTME: In-memory registry of live delivery targets per conversation thread
// ABOUTME: Many-to-many forward/reverse indexes with non-blocking best-effort push

package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrTooManySubscriptions indicates a connection hit its thread cap.
var ErrTooManySubscriptions = errors.New("too many subscriptions for connection")

const (
	// defaultBufferSize is the channel buffer for each connection.
	defaultBufferSize = 64

	// defaultMaxThreads bounds how many threads one connection may watch.
	defaultMaxThreads = 32
)

// EventType tags a delivered event for the transport layer.
type EventType string

const (
	EventChat      EventType = "chat"
	EventData      EventType = "data"
	EventHandoff   EventType = "handoff"
	EventHeartbeat EventType = "heartbeat"
)

// EventTypeFor derives the delivery event type from a message type.
func EventTypeFor(t store.MessageType) EventType {
	switch t {
	case store.MessageTypeData:
		return EventData
	case store.MessageTypeControl:
		return EventHandoff
	default:
		return EventChat
	}
}

// Event is one item delivered to a subscribed connection.
type Event struct {
	Type    EventType
	Message *store.Message // nil for heartbeats

	// Subscribers carries the live subscriber count on heartbeat events.
	Subscribers int
}

// connection holds one live delivery target. All threads a connection
// subscribes to feed the same channel.
type connection struct {
	ch      chan Event
	threads map[string]struct{}
}

// Registry maps conversation threads to live delivery targets. State is
// process-local and lost on restart; clients resubscribe on reconnect.
type Registry struct {
	mu         sync.RWMutex
	forward    map[string]map[string]*connection // threadKey -> connID -> conn
	conns      map[string]*connection            // connID -> conn (reverse index)
	bufferSize int
	maxThreads int
	logger     *slog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithBufferSize sets the per-connection channel buffer.
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithMaxThreads sets the per-connection subscription cap.
func WithMaxThreads(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxThreads = n
		}
	}
}

// New creates a Registry. Pass nil logger for default.
func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		forward:    make(map[string]map[string]*connection),
		conns:      make(map[string]*connection),
		bufferSize: defaultBufferSize,
		maxThreads: defaultMaxThreads,
		logger:     logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe binds a connection to a thread and returns the connection's
// event channel. All threads a connection subscribes to share one channel.
// The binding is removed automatically when ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context, key store.ThreadKey, connID string) (<-chan Event, error) {
	threadKey := key.String()

	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		conn = &connection{
			ch:      make(chan Event, r.bufferSize),
			threads: make(map[string]struct{}),
		}
		r.conns[connID] = conn
	}
	if _, bound := conn.threads[threadKey]; !bound && len(conn.threads) >= r.maxThreads {
		if len(conn.threads) == 0 {
			delete(r.conns, connID)
		}
		r.mu.Unlock()
		return nil, ErrTooManySubscriptions
	}
	conn.threads[threadKey] = struct{}{}
	if _, ok := r.forward[threadKey]; !ok {
		r.forward[threadKey] = make(map[string]*connection)
	}
	r.forward[threadKey][connID] = conn
	r.mu.Unlock()

	r.logger.Debug("subscriber added", "thread_key", threadKey, "conn_id", connID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		r.Unsubscribe(connID)
	}()

	return conn.ch, nil
}

// Unsubscribe removes all of a connection's bindings and closes its channel.
// The reverse index makes this O(threads-per-connection), not O(all threads).
func (r *Registry) Unsubscribe(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}

	for threadKey := range conn.threads {
		if subs, ok := r.forward[threadKey]; ok {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(r.forward, threadKey)
			}
		}
	}
	delete(r.conns, connID)
	close(conn.ch)

	r.logger.Debug("subscriber removed", "conn_id", connID)
}

// TargetsFor returns the connection IDs currently bound to a thread.
func (r *Registry) TargetsFor(key store.ThreadKey) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.forward[key.String()]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	return ids
}

// SubscriberCount returns how many connections are bound to a thread.
func (r *Registry) SubscriberCount(key store.ThreadKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.forward[key.String()])
}

// Push delivers an event to every connection bound to the thread.
// Non-blocking: the event is dropped for connections whose channels are
// full, so one slow consumer never stalls delivery to the rest.
// Returns the delivered and dropped counts.
func (r *Registry) Push(key store.ThreadKey, event Event) (delivered, dropped int) {
	threadKey := key.String()

	// Sends stay under the read lock: channels are only closed under the
	// write lock, so a send can never race a close. The sends never block.
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.forward[threadKey] {
		select {
		case conn.ch <- event:
			delivered++
		default:
			dropped++
			r.logger.Debug("dropped event for slow subscriber", "thread_key", threadKey)
		}
	}
	return delivered, dropped
}

// Close shuts down the registry and closes all connection channels.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID, conn := range r.conns {
		close(conn.ch)
		delete(r.conns, connID)
	}
	r.forward = make(map[string]map[string]*connection)

	r.logger.Debug("registry closed")
}
