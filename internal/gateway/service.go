// ABOUTME: Core message flow: admit, persist, feed, signal, and correlate
// ABOUTME: Transport-independent so HTTP, SSE and WebSocket share one path

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/correlate"
	"github.com/2389/relay-gateway/internal/engine"
	"github.com/2389/relay-gateway/internal/feed"
	"github.com/2389/relay-gateway/internal/limiter"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/store"
)

const (
	defaultConverseTimeout = 30 * time.Second
	minConverseTimeout     = time.Second
	maxConverseTimeout     = 5 * time.Minute

	defaultPageSize = 50
	maxPageSize     = 500
)

// ErrInvalidRequest marks validation failures a caller can fix.
var ErrInvalidRequest = errors.New("invalid request")

// LimitError carries the window status of a quota rejection so the
// transport layer can tell the caller when to retry.
type LimitError struct {
	Status *limiter.Status
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("usage limit exceeded: %d/%d units used until %s",
		e.Status.Used, e.Status.MaxUnits, e.Status.WindowEnd.Format(time.RFC3339))
}

// SendRequest describes one inbound message. RequestID is the caller's
// correlation key; converse generates one when it is empty.
type SendRequest struct {
	ThreadKey store.ThreadKey
	Type      store.MessageType
	Payload   string
	Units     int64
	RequestID string
}

// Service implements the message flow shared by all transports: admit
// against the usage limit, persist, publish on the change feed, signal the
// workflow engine, and (for converse) wait for the correlated reply.
type Service struct {
	store      store.Store
	limiter    *limiter.Limiter
	appender   *feed.Appender
	signaler   engine.Signaler
	correlator *correlate.Correlator
	metrics    metrics.Metrics
	logger     *slog.Logger
}

// NewService wires the service. Pass nil metrics or logger for defaults.
func NewService(s store.Store, lim *limiter.Limiter, appender *feed.Appender, sig engine.Signaler, corr *correlate.Correlator, m metrics.Metrics, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      s,
		limiter:    lim,
		appender:   appender,
		signaler:   sig,
		correlator: corr,
		metrics:    m,
		logger:     logger.With("component", "service"),
	}
}

// Send accepts a fire-and-forget message: admit, persist, feed, signal.
// The returned message is durable even when the signal fails; in that case
// it is marked undelivered and the error reports the failure.
func (s *Service) Send(ctx context.Context, user string, req *SendRequest) (*store.Message, error) {
	msg, err := s.accept(ctx, user, req, req.RequestID)
	if err != nil {
		return nil, err
	}
	return msg, s.signal(ctx, msg)
}

// Converse accepts a message and blocks for its correlated reply. A timeout
// is not an error: the reply slice is empty and the engine may still answer
// later through the feed. The waiter is registered before any side effect,
// so a reused request ID fails fast without charging the limiter or
// persisting anything, and before the signal goes out so a fast reply can
// never slip past it.
func (s *Service) Converse(ctx context.Context, user string, req *SendRequest, timeout time.Duration) (*store.Message, []*store.Message, error) {
	timeout = clampTimeout(timeout)
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	w, err := s.correlator.Register(requestID, time.Now().Add(timeout))
	if err != nil {
		return nil, nil, err
	}

	msg, err := s.accept(ctx, user, req, requestID)
	if err != nil {
		w.Cancel()
		return nil, nil, err
	}

	if err := s.signal(ctx, msg); err != nil {
		w.Cancel()
		return msg, nil, err
	}

	replies, resolved := w.Await(ctx)
	if !resolved {
		s.logger.Info("converse timed out waiting for reply",
			"request_id", requestID,
			"thread_key", msg.ThreadKey.String(),
			"timeout", timeout,
		)
		return msg, nil, nil
	}
	return msg, replies, nil
}

// History returns one page of thread history in insert order. An unknown
// thread is an empty page, not an error.
func (s *Service) History(ctx context.Context, key store.ThreadKey, page, pageSize int) (*store.HistoryPage, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return s.store.ListMessages(ctx, key, page, pageSize)
}

// Usage reports the caller's current window without consuming units.
func (s *Service) Usage(ctx context.Context, tenant, user string) (*limiter.Status, error) {
	return s.limiter.Check(ctx, tenant, user)
}

// PutLimit validates and stores a usage limit. A zero EffectiveFrom is
// anchored at the current time, which realigns the window immediately.
func (s *Service) PutLimit(ctx context.Context, limit *store.UsageLimit) error {
	if limit.EffectiveFrom.IsZero() {
		limit.EffectiveFrom = time.Now().UTC()
	}
	if err := limit.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.store.UpsertUsageLimit(ctx, limit)
}

// GetLimit returns the limit for (tenant, user); user may be empty for the
// tenant-wide limit.
func (s *Service) GetLimit(ctx context.Context, tenant, user string) (*store.UsageLimit, error) {
	return s.store.GetUsageLimit(ctx, tenant, user)
}

// ListLimits returns all limits configured for a tenant.
func (s *Service) ListLimits(ctx context.Context, tenant string) ([]*store.UsageLimit, error) {
	return s.store.ListUsageLimits(ctx, tenant)
}

// accept runs the shared admission path: validate, charge the usage
// window, persist, and publish on the change feed. Rejection happens
// before any side effect so a denied message leaves no trace.
func (s *Service) accept(ctx context.Context, user string, req *SendRequest, requestID string) (*store.Message, error) {
	if err := req.ThreadKey.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Payload == "" {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidRequest)
	}
	msgType := req.Type
	switch msgType {
	case "":
		msgType = store.MessageTypeChat
	case store.MessageTypeChat, store.MessageTypeData, store.MessageTypeControl:
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidRequest, req.Type)
	}
	units := req.Units
	if units <= 0 {
		units = 1
	}

	status, err := s.limiter.Record(ctx, req.ThreadKey.Tenant, user, units)
	if err != nil {
		return nil, err
	}
	if status.Exceeded {
		s.metrics.IncRateLimitRejected(req.ThreadKey.Tenant)
		return nil, &LimitError{Status: status}
	}

	msg := &store.Message{
		ID:        uuid.NewString(),
		ThreadKey: req.ThreadKey,
		Direction: store.DirectionInbound,
		Type:      msgType,
		Payload:   req.Payload,
		RequestID: requestID,
		Delivery:  store.DeliveryStatusDelivered,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persisting message: %w", err)
	}

	if err := s.appender.Append(ctx, msg); err != nil {
		// The message is durable; subscribers just won't see it live.
		s.logger.Error("appending message to feed failed",
			"message_id", msg.ID, "error", err)
	}

	return msg, nil
}

// signal pokes the workflow engine. On failure the message is flagged
// undelivered so operators can find messages the engine never heard about;
// there is no transaction spanning the store and the bus.
func (s *Service) signal(ctx context.Context, msg *store.Message) error {
	err := s.signaler.Signal(ctx, msg)
	if err == nil {
		return nil
	}

	s.logger.Error("engine signal failed, marking message undelivered",
		"message_id", msg.ID, "error", err)
	if markErr := s.store.MarkUndelivered(context.WithoutCancel(ctx), msg.ID); markErr != nil {
		s.logger.Error("marking message undelivered failed",
			"message_id", msg.ID, "error", markErr)
	} else {
		msg.Delivery = store.DeliveryStatusUndelivered
	}
	return err
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return defaultConverseTimeout
	case d < minConverseTimeout:
		return minConverseTimeout
	case d > maxConverseTimeout:
		return maxConverseTimeout
	default:
		return d
	}
}
