// ABOUTME: Workflow-engine boundary over NATS: signal publishing and reply ingestion
// ABOUTME: Signals are lightweight pokes; replies are persisted then fed to dispatch

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/2389/relay-gateway/internal/feed"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	// SubjectSignalPrefix is where inbound-message signals are published;
	// the full subject is engine.signal.<tenant>.<workflow>.
	SubjectSignalPrefix = "engine.signal"

	// SubjectReply is where workflow engines publish replies.
	SubjectReply = "engine.reply"

	// replyQueue makes reply ingestion a queue group: with several gateway
	// instances running, exactly one persists each reply.
	replyQueue = "relay-gateway"

	signalAttempts = 3
	signalBackoff  = 100 * time.Millisecond

	ingestTimeout = 10 * time.Second
)

var (
	errNotConnected = errors.New("engine bus not connected")

	// ErrSignalFailed wraps publish failures after retries are exhausted.
	ErrSignalFailed = errors.New("engine signal failed")
)

// Signal is the envelope published to wake a workflow engine. The payload
// is not included: engines fetch the message by ID so the signal stays a
// cheap, loss-tolerant poke.
type Signal struct {
	Tenant      string    `json:"tenant"`
	Workflow    string    `json:"workflow"`
	Participant string    `json:"participant"`
	Scope       string    `json:"scope,omitempty"`
	MessageID   string    `json:"message_id"`
	RequestID   string    `json:"request_id,omitempty"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reply is the envelope a workflow engine publishes on SubjectReply.
type Reply struct {
	Tenant      string `json:"tenant"`
	Workflow    string `json:"workflow"`
	Participant string `json:"participant"`
	Scope       string `json:"scope,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Type        string `json:"type"`
	Payload     string `json:"payload"`
}

// Signaler notifies a workflow engine that an inbound message is waiting.
type Signaler interface {
	Signal(ctx context.Context, msg *store.Message) error
	Close()
}

// SignalSubject constructs the per-tenant-workflow signal subject.
func SignalSubject(tenant, workflow string) string {
	return SubjectSignalPrefix + "." + subjectToken(tenant) + "." + subjectToken(workflow)
}

// subjectToken makes a key component safe for use inside a NATS subject.
func subjectToken(s string) string {
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "*", "_")
	s = strings.ReplaceAll(s, ">", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}

// NATSSignaler publishes signals over a NATS connection.
type NATSSignaler struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials NATS and returns a Signaler. The connection reconnects
// indefinitely; transient outages are absorbed by the client.
func Connect(url string, logger *slog.Logger) (*NATSSignaler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine-bus")

	opts := []nats.Option{
		nats.Name("relay-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("disconnected from engine bus", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to engine bus", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to engine bus: %w", err)
	}
	return &NATSSignaler{nc: nc, logger: logger}, nil
}

// Signal publishes a poke for msg with bounded retries. The caller decides
// what a final failure means; persistence has already happened by then.
func (s *NATSSignaler) Signal(ctx context.Context, msg *store.Message) error {
	if s == nil || s.nc == nil {
		return errNotConnected
	}

	sig := Signal{
		Tenant:      msg.ThreadKey.Tenant,
		Workflow:    msg.ThreadKey.Workflow,
		Participant: msg.ThreadKey.Participant,
		Scope:       msg.ThreadKey.Scope,
		MessageID:   msg.ID,
		RequestID:   msg.RequestID,
		Type:        string(msg.Type),
		CreatedAt:   msg.CreatedAt,
	}
	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encoding signal: %w", err)
	}

	subject := SignalSubject(sig.Tenant, sig.Workflow)
	var lastErr error
	for attempt := 0; attempt < signalAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(signalBackoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = s.nc.Publish(subject, data); lastErr == nil {
			s.logger.Debug("signal published", "subject", subject, "message_id", msg.ID)
			return nil
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrSignalFailed, subject, lastErr)
}

// Connected reports whether the bus connection is currently up.
func (s *NATSSignaler) Connected() bool {
	return s != nil && s.nc != nil && s.nc.IsConnected()
}

// Close shuts down the underlying connection.
func (s *NATSSignaler) Close() {
	if s != nil && s.nc != nil {
		s.nc.Close()
	}
}

// ReplyIngester consumes engine replies, persists them and appends them to
// the change feed. It runs as a queue group so each reply is stored once
// no matter how many gateway instances are up; the feed then carries it to
// every instance's dispatcher.
type ReplyIngester struct {
	nc       *nats.Conn
	store    store.Store
	appender *feed.Appender
	sub      *nats.Subscription
	logger   *slog.Logger
}

// NewReplyIngester creates an ingester on the signaler's connection.
func NewReplyIngester(s *NATSSignaler, st store.Store, appender *feed.Appender, logger *slog.Logger) *ReplyIngester {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyIngester{
		nc:       s.nc,
		store:    st,
		appender: appender,
		logger:   logger.With("component", "reply-ingester"),
	}
}

// Start subscribes to the reply subject. Handler failures are logged and
// the reply is dropped; the engine owns retrying undelivered replies.
func (i *ReplyIngester) Start() error {
	if i.nc == nil {
		return errNotConnected
	}
	sub, err := i.nc.QueueSubscribe(SubjectReply, replyQueue, func(m *nats.Msg) {
		// The callback runs on the subscription's message pump; a wedged
		// store must not stall it indefinitely.
		ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
		defer cancel()
		if err := i.ingest(ctx, m.Data); err != nil {
			i.logger.Error("reply ingestion failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to engine replies: %w", err)
	}
	i.sub = sub
	i.logger.Info("reply ingester started", "subject", SubjectReply, "queue", replyQueue)
	return nil
}

// Stop unsubscribes from the reply subject.
func (i *ReplyIngester) Stop() {
	if i.sub != nil {
		_ = i.sub.Unsubscribe()
		i.sub = nil
	}
}

// ingest decodes one reply, persists it and appends it to the feed.
func (i *ReplyIngester) ingest(ctx context.Context, data []byte) error {
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("decoding reply: %w", err)
	}

	msg, err := messageFromReply(&reply)
	if err != nil {
		return err
	}

	if err := i.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("persisting reply: %w", err)
	}
	if err := i.appender.Append(ctx, msg); err != nil {
		// The reply is durable but invisible to dispatchers until a later
		// message lands on the feed. Loud log, no retry loop here.
		return fmt.Errorf("appending reply to feed: %w", err)
	}

	i.logger.Debug("reply ingested",
		"message_id", msg.ID,
		"thread_key", msg.ThreadKey.String(),
		"request_id", msg.RequestID,
	)
	return nil
}

// messageFromReply validates a reply envelope and builds the outbound message.
func messageFromReply(reply *Reply) (*store.Message, error) {
	key := store.ThreadKey{
		Tenant:      reply.Tenant,
		Workflow:    reply.Workflow,
		Participant: reply.Participant,
		Scope:       reply.Scope,
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reply thread key: %w", err)
	}

	msgType := store.MessageType(reply.Type)
	switch msgType {
	case store.MessageTypeChat, store.MessageTypeData, store.MessageTypeControl:
	case "":
		msgType = store.MessageTypeChat
	default:
		return nil, fmt.Errorf("unknown reply type %q", reply.Type)
	}

	return &store.Message{
		ID:        uuid.NewString(),
		ThreadKey: key,
		Direction: store.DirectionOutbound,
		Type:      msgType,
		Payload:   reply.Payload,
		RequestID: reply.RequestID,
		Delivery:  store.DeliveryStatusDelivered,
		CreatedAt: time.Now().UTC(),
	}, nil
}
