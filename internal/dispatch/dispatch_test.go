// ABOUTME: Tests for the change-feed dispatcher
// ABOUTME: Covers ordered fan-out, reply correlation, commit-based resume

package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/correlate"
	"github.com/2389/relay-gateway/internal/feed"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

type fixture struct {
	srv        *miniredis.Miniredis
	appender   *feed.Appender
	registry   *registry.Registry
	correlator *correlate.Correlator
	dispatcher *Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

func setup(t *testing.T) *fixture {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	reg := registry.New(nil)
	t.Cleanup(reg.Close)
	corr := correlate.New(nil)

	reader := feed.NewReader(client, "", "dispatch", nil, feed.WithBlock(50*time.Millisecond))
	f := &fixture{
		srv:        srv,
		appender:   feed.NewAppender(client, "", nil),
		registry:   reg,
		correlator: corr,
		dispatcher: New(reader, reg, corr, nil, nil),
	}
	f.start(t)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.dispatcher.Run(ctx); err != nil {
			t.Error(err)
		}
	}()
	f.cancel = cancel
	f.done = done
	t.Cleanup(f.stop)
}

func (f *fixture) stop() {
	f.cancel()
	<-f.done
}

func threadKey() store.ThreadKey {
	return store.ThreadKey{Tenant: "t1", Workflow: "wf", Participant: "p1"}
}

func outbound(id, requestID string) *store.Message {
	return &store.Message{
		ID:        id,
		ThreadKey: threadKey(),
		Direction: store.DirectionOutbound,
		Type:      store.MessageTypeChat,
		Payload:   `{"text":"hi"}`,
		RequestID: requestID,
		Delivery:  store.DeliveryStatusDelivered,
		CreatedAt: time.Now().UTC(),
	}
}

func recvEvent(t *testing.T, ch <-chan registry.Event) registry.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return registry.Event{}
	}
}

func TestDispatcher_FanOutInInsertOrder(t *testing.T) {
	f := setup(t)
	ctx := testContext(t)

	ch, err := f.registry.Subscribe(ctx, threadKey(), "conn-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.appender.Append(ctx, outbound(fmt.Sprintf("m%d", i), "")))
	}

	for i := 0; i < 5; i++ {
		e := recvEvent(t, ch)
		assert.Equal(t, fmt.Sprintf("m%d", i), e.Message.ID)
		assert.Equal(t, registry.EventChat, e.Type)
	}
}

func TestDispatcher_EventTypesFollowMessageType(t *testing.T) {
	f := setup(t)
	ctx := testContext(t)

	ch, err := f.registry.Subscribe(ctx, threadKey(), "conn-1")
	require.NoError(t, err)

	data := outbound("m-data", "")
	data.Type = store.MessageTypeData
	control := outbound("m-ctl", "")
	control.Type = store.MessageTypeControl

	require.NoError(t, f.appender.Append(ctx, data))
	require.NoError(t, f.appender.Append(ctx, control))

	assert.Equal(t, registry.EventData, recvEvent(t, ch).Type)
	assert.Equal(t, registry.EventHandoff, recvEvent(t, ch).Type)
}

func TestDispatcher_ReplyResolvesWaiterAndFansOut(t *testing.T) {
	f := setup(t)
	ctx := testContext(t)

	ch, err := f.registry.Subscribe(ctx, threadKey(), "conn-1")
	require.NoError(t, err)

	w, err := f.correlator.Register("req-1", time.Now().Add(5*time.Second))
	require.NoError(t, err)

	require.NoError(t, f.appender.Append(ctx, outbound("reply-1", "req-1")))

	msgs, resolved := w.Await(ctx)
	require.True(t, resolved)
	require.Len(t, msgs, 1)
	assert.Equal(t, "reply-1", msgs[0].ID)

	// The waiter getting the reply does not starve live subscribers
	e := recvEvent(t, ch)
	assert.Equal(t, "reply-1", e.Message.ID)
}

func TestDispatcher_ReplyWithoutWaiterStillFansOut(t *testing.T) {
	f := setup(t)
	ctx := testContext(t)

	ch, err := f.registry.Subscribe(ctx, threadKey(), "conn-1")
	require.NoError(t, err)

	require.NoError(t, f.appender.Append(ctx, outbound("reply-1", "req-gone")))

	e := recvEvent(t, ch)
	assert.Equal(t, "reply-1", e.Message.ID)
}

func TestDispatcher_InboundMessagesNeverResolveWaiters(t *testing.T) {
	f := setup(t)
	ctx := testContext(t)

	ch, err := f.registry.Subscribe(ctx, threadKey(), "conn-1")
	require.NoError(t, err)

	w, err := f.correlator.Register("req-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	in := outbound("in-1", "req-1")
	in.Direction = store.DirectionInbound
	require.NoError(t, f.appender.Append(ctx, in))

	recvEvent(t, ch)
	assert.Equal(t, 1, f.correlator.Pending(), "inbound echo must not resolve the waiter")

	f.correlator.Resolve("req-1", nil)
	w.Await(ctx)
}

func TestDispatcher_ResumesFromCommittedPosition(t *testing.T) {
	f := setup(t)
	ctx := testContext(t)

	ch, err := f.registry.Subscribe(ctx, threadKey(), "conn-1")
	require.NoError(t, err)

	require.NoError(t, f.appender.Append(ctx, outbound("m1", "")))
	recvEvent(t, ch)

	// Wait until the position for m1's batch is durably committed
	require.Eventually(t, func() bool {
		pos, err := f.srv.Get("relay:feed:pos:dispatch")
		return err == nil && pos != ""
	}, 2*time.Second, 10*time.Millisecond)

	f.stop()

	// Appended while the dispatcher is down
	require.NoError(t, f.appender.Append(ctx, outbound("m2", "")))

	f.start(t)

	e := recvEvent(t, ch)
	assert.Equal(t, "m2", e.Message.ID, "already-committed events are not re-delivered")
}
