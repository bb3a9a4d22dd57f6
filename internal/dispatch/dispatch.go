// ABOUTME: Change-feed dispatcher driving fan-out and request correlation
// ABOUTME: Consumes the feed in order, commits its position only after delivery

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/relay-gateway/internal/correlate"
	"github.com/2389/relay-gateway/internal/feed"
	"github.com/2389/relay-gateway/internal/metrics"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

const errBackoff = time.Second

// Dispatcher pumps feed entries to live subscribers and resolves pending
// synchronous requests. Exactly one reader cursor per consumer name, so
// every subscriber of this process sees events in feed order.
type Dispatcher struct {
	reader     *feed.Reader
	registry   *registry.Registry
	correlator *correlate.Correlator
	metrics    metrics.Metrics
	logger     *slog.Logger
}

// New creates a Dispatcher. Pass nil metrics or logger for defaults.
func New(reader *feed.Reader, reg *registry.Registry, corr *correlate.Correlator, m metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		reader:     reader,
		registry:   reg,
		correlator: corr,
		metrics:    m,
		logger:     logger.With("component", "dispatcher"),
	}
}

// Run consumes the feed until ctx is cancelled. The resume position is
// committed only after a batch has been fully handed off, so a crash
// mid-batch re-delivers rather than loses events.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.reader.Start(ctx); err != nil {
		return err
	}

	for {
		entries, err := d.reader.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			d.logger.Error("feed read failed, backing off", "error", err)
			if rewErr := d.reader.Rewind(context.WithoutCancel(ctx)); rewErr != nil {
				d.logger.Error("feed rewind failed", "error", rewErr)
			}
			select {
			case <-time.After(errBackoff):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if len(entries) == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		for _, entry := range entries {
			d.dispatch(entry.Message)
		}

		last := entries[len(entries)-1].Pos
		if err := d.reader.Commit(context.WithoutCancel(ctx), last); err != nil {
			// The cursor still advances in memory; a crash before the next
			// successful commit re-delivers this batch.
			d.logger.Error("feed commit failed", "pos", last, "error", err)
		}
	}
}

// dispatch hands one message to its waiter (if any) and fans it out to
// every live subscriber of its thread.
func (d *Dispatcher) dispatch(msg *store.Message) {
	if msg.Direction == store.DirectionOutbound && msg.RequestID != "" {
		if d.correlator.Resolve(msg.RequestID, []*store.Message{msg}) {
			d.metrics.IncResolved()
		}
	}

	eventType := registry.EventTypeFor(msg.Type)
	delivered, dropped := d.registry.Push(msg.ThreadKey, registry.Event{
		Type:    eventType,
		Message: msg,
	})

	d.metrics.IncDispatched(string(eventType))
	for i := 0; i < dropped; i++ {
		d.metrics.IncDropped("slow_subscriber")
	}

	d.logger.Debug("dispatched",
		"message_id", msg.ID,
		"thread_key", msg.ThreadKey.String(),
		"event_type", eventType,
		"delivered", delivered,
		"dropped", dropped,
	)
}
