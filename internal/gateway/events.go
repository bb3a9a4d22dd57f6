// ABOUTME: Live event delivery over SSE and WebSocket subscriptions
// ABOUTME: Connections bind to threads in the registry; dispatch pushes events

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

const defaultHeartbeatInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	// Tokens authenticate callers; browser-origin checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventEnvelope is the JSON shape of one delivered event on both the SSE
// and WebSocket transports.
type EventEnvelope struct {
	Event       string           `json:"event"`
	ThreadKey   string           `json:"thread_key,omitempty"`
	Message     *MessageResponse `json:"message,omitempty"`
	Subscribers int              `json:"subscribers,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// wsControl is a client-to-server control frame on the WebSocket transport.
// Payload and units only apply to the "send" action.
type wsControl struct {
	Action      string `json:"action"`
	Tenant      string `json:"tenant"`
	Workflow    string `json:"workflow"`
	Participant string `json:"participant"`
	Scope       string `json:"scope,omitempty"`
	Type        string `json:"type,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Units       int64  `json:"units,omitempty"`
}

// handleSubscribe handles GET /api/subscribe: an SSE stream of events for
// one thread. Events pushed while nobody is connected are not replayed;
// use /api/history to catch up after reconnecting.
func (g *Gateway) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	key, ok := g.threadKeyFromQuery(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	connID := uuid.NewString()
	ch, err := g.registry.Subscribe(r.Context(), key, connID)
	if err != nil {
		g.sendError(w, http.StatusTooManyRequests, "too_many_subscriptions", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "connected", EventEnvelope{
		Event:       "connected",
		ThreadKey:   key.String(),
		Subscribers: g.registry.SubscriberCount(key),
	})
	flusher.Flush()

	heartbeat := time.NewTicker(g.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Registry cleanup rides on the request context.
			return

		case <-heartbeat.C:
			g.writeSSEEvent(w, "heartbeat", EventEnvelope{
				Event:       "heartbeat",
				ThreadKey:   key.String(),
				Subscribers: g.registry.SubscriberCount(key),
			})
			flusher.Flush()

		case event, ok := <-ch:
			if !ok {
				return
			}
			env := toEventEnvelope(event)
			g.writeSSEEvent(w, env.Event, env)
			flusher.Flush()
		}
	}
}

// handleWebSocket handles GET /api/ws. One socket may watch several
// threads: the client sends subscribe frames and all matching events
// arrive interleaved on the same connection.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	connID := uuid.NewString()
	defer g.registry.Unsubscribe(connID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// All writes go through the event loop below; gorilla allows only one
	// concurrent writer.
	out := make(chan EventEnvelope, 8)
	subscribed := make(chan (<-chan registry.Event), 1)
	watched := make(chan store.ThreadKey, 8)

	go g.readControlFrames(ctx, cancel, ws, id, connID, out, subscribed, watched)

	heartbeat := time.NewTicker(g.heartbeatInterval())
	defer heartbeat.Stop()

	var events <-chan registry.Event
	var threads []store.ThreadKey
	for {
		select {
		case <-ctx.Done():
			return

		case ch := <-subscribed:
			events = ch

		case key := <-watched:
			threads = append(threads, key)

		case env := <-out:
			if err := ws.WriteJSON(env); err != nil {
				return
			}

		case <-heartbeat.C:
			// One heartbeat per watched thread, carrying its live
			// subscriber count like the SSE path does.
			if len(threads) == 0 {
				if err := ws.WriteJSON(EventEnvelope{Event: "heartbeat"}); err != nil {
					return
				}
				continue
			}
			for _, key := range threads {
				if err := ws.WriteJSON(EventEnvelope{
					Event:       "heartbeat",
					ThreadKey:   key.String(),
					Subscribers: g.registry.SubscriberCount(key),
				}); err != nil {
					return
				}
			}

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := ws.WriteJSON(toEventEnvelope(event)); err != nil {
				return
			}
		}
	}
}

// readControlFrames consumes client control frames until the socket drops.
// Subscription outcomes are reported back through out rather than written
// directly, keeping a single socket writer.
func (g *Gateway) readControlFrames(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, id *auth.Identity, connID string, out chan<- EventEnvelope, subscribed chan<- <-chan registry.Event, watched chan<- store.ThreadKey) {
	defer cancel()

	sentChannel := false
	seen := make(map[string]struct{})
	for {
		var ctrl wsControl
		if err := ws.ReadJSON(&ctrl); err != nil {
			return
		}

		if ctrl.Action != "subscribe" && ctrl.Action != "send" {
			g.emit(ctx, out, EventEnvelope{Event: "error", Error: fmt.Sprintf("unknown action %q", ctrl.Action)})
			continue
		}

		key := store.ThreadKey{
			Tenant:      ctrl.Tenant,
			Workflow:    ctrl.Workflow,
			Participant: ctrl.Participant,
			Scope:       ctrl.Scope,
		}
		if err := key.Validate(); err != nil {
			g.emit(ctx, out, EventEnvelope{Event: "error", Error: err.Error()})
			continue
		}
		if key.Tenant != id.Tenant {
			g.emit(ctx, out, EventEnvelope{Event: "error", Error: "token is not valid for this tenant"})
			continue
		}

		switch ctrl.Action {
		case "subscribe":
			ch, err := g.registry.Subscribe(ctx, key, connID)
			if err != nil {
				g.emit(ctx, out, EventEnvelope{Event: "error", ThreadKey: key.String(), Error: err.Error()})
				continue
			}
			// Every thread of a connection shares one channel; hand it to
			// the writer loop once.
			if !sentChannel {
				sentChannel = true
				subscribed <- ch
			}
			if _, ok := seen[key.String()]; !ok {
				seen[key.String()] = struct{}{}
				select {
				case watched <- key:
				case <-ctx.Done():
					return
				}
			}
			g.emit(ctx, out, EventEnvelope{
				Event:       "subscribed",
				ThreadKey:   key.String(),
				Subscribers: g.registry.SubscriberCount(key),
			})

		case "send":
			msg, err := g.service.Send(ctx, id.User, &SendRequest{
				ThreadKey: key,
				Type:      store.MessageType(ctrl.Type),
				Payload:   ctrl.Payload,
				Units:     ctrl.Units,
			})
			if err != nil {
				g.emit(ctx, out, EventEnvelope{Event: "error", ThreadKey: key.String(), Error: err.Error()})
				continue
			}
			accepted := toMessageResponse(msg)
			g.emit(ctx, out, EventEnvelope{
				Event:     "accepted",
				ThreadKey: key.String(),
				Message:   &accepted,
			})
		}
	}
}

// emit queues an envelope for the writer loop unless the connection is gone.
func (g *Gateway) emit(ctx context.Context, out chan<- EventEnvelope, env EventEnvelope) {
	select {
	case out <- env:
	case <-ctx.Done():
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func toEventEnvelope(event registry.Event) EventEnvelope {
	env := EventEnvelope{
		Event:       string(event.Type),
		Subscribers: event.Subscribers,
	}
	if event.Message != nil {
		env.ThreadKey = event.Message.ThreadKey.String()
		msg := toMessageResponse(event.Message)
		env.Message = &msg
	}
	return env
}

func (g *Gateway) heartbeatInterval() time.Duration {
	if g.config != nil && g.config.Dispatch.HeartbeatInterval > 0 {
		return g.config.Dispatch.HeartbeatInterval
	}
	return defaultHeartbeatInterval
}
