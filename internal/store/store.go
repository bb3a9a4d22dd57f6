// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines ThreadKey, Message, UsageLimit and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidLimit is returned when a usage limit fails validation at write time
var ErrInvalidLimit = errors.New("invalid usage limit")

// Direction indicates whether a message flows toward or away from the workflow engine
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType categorizes the kind of message
type MessageType string

const (
	MessageTypeChat    MessageType = "chat"
	MessageTypeData    MessageType = "data"
	MessageTypeControl MessageType = "control"
)

// DeliveryStatus tracks whether an inbound message reached the workflow engine.
// A persisted message whose signal could not be delivered is marked undelivered
// so it stays discoverable; there is no transaction spanning both writes.
type DeliveryStatus string

const (
	DeliveryStatusDelivered   DeliveryStatus = "delivered"
	DeliveryStatusUndelivered DeliveryStatus = "undelivered"
)

// ThreadKey identifies one ongoing conversation. Scope is optional and
// narrows the conversation within a (tenant, workflow, participant) triple.
type ThreadKey struct {
	Tenant      string
	Workflow    string
	Participant string
	Scope       string
}

// String returns the canonical form used as conversation key everywhere:
// tenant/workflow/participant[/scope].
func (k ThreadKey) String() string {
	s := k.Tenant + "/" + k.Workflow + "/" + k.Participant
	if k.Scope != "" {
		s += "/" + k.Scope
	}
	return s
}

// Validate checks that the required key components are present.
func (k ThreadKey) Validate() error {
	switch {
	case k.Tenant == "":
		return errors.New("tenant is required")
	case k.Workflow == "":
		return errors.New("workflow is required")
	case k.Participant == "":
		return errors.New("participant is required")
	}
	for _, part := range []string{k.Tenant, k.Workflow, k.Participant, k.Scope} {
		if strings.Contains(part, "/") {
			return fmt.Errorf("thread key component %q must not contain '/'", part)
		}
	}
	return nil
}

// Message is an immutable record in a thread. Appended only; never mutated
// after creation except for the delivery status half-state marker.
type Message struct {
	ID        string
	Seq       int64 // assigned by the store, monotonically increasing
	ThreadKey ThreadKey
	Direction Direction
	Type      MessageType
	Payload   string // opaque JSON payload
	RequestID string // correlation key set by a synchronous inbound request
	Delivery  DeliveryStatus
	CreatedAt time.Time
}

// UsageLimit configures the sliding-window quota for a tenant or a single
// user within a tenant. User == "" means the tenant-wide default.
type UsageLimit struct {
	Tenant        string
	User          string
	MaxUnits      int64
	WindowSeconds int64
	Enabled       bool
	EffectiveFrom time.Time
	UpdatedAt     time.Time
}

// Validate rejects configuration errors at write time, not at check time.
func (l *UsageLimit) Validate() error {
	if l.Tenant == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidLimit)
	}
	if l.MaxUnits <= 0 {
		return fmt.Errorf("%w: max_units must be positive, got %d", ErrInvalidLimit, l.MaxUnits)
	}
	if l.WindowSeconds <= 0 {
		return fmt.Errorf("%w: window_seconds must be positive, got %d", ErrInvalidLimit, l.WindowSeconds)
	}
	return nil
}

// HistoryPage is one page of thread history.
type HistoryPage struct {
	Messages []*Message
	HasMore  bool
}

// Store defines the interface for message and usage-limit persistence
type Store interface {
	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, key ThreadKey, page, pageSize int) (*HistoryPage, error)
	MarkUndelivered(ctx context.Context, id string) error

	// Usage limits
	UpsertUsageLimit(ctx context.Context, limit *UsageLimit) error
	GetUsageLimit(ctx context.Context, tenant, user string) (*UsageLimit, error)
	ListUsageLimits(ctx context.Context, tenant string) ([]*UsageLimit, error)

	// Close releases any resources held by the store
	Close() error
}
