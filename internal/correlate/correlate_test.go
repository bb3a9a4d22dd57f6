// ABOUTME: Tests for the pending-request correlator
// ABOUTME: Covers duplicate keys, single resolution, timeouts, cancellation, races

package correlate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/store"
)

func reply(id string) []*store.Message {
	return []*store.Message{{
		ID:        id,
		ThreadKey: store.ThreadKey{Tenant: "t1", Workflow: "wf", Participant: "p"},
		Direction: store.DirectionOutbound,
		Type:      store.MessageTypeChat,
		CreatedAt: time.Now(),
	}}
}

func TestCorrelator_ResolveDeliversToWaiter(t *testing.T) {
	c := New(nil)

	w, err := c.Register("req-1", time.Now().Add(time.Second))
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Resolve("req-1", reply("m1"))
	}()

	msgs, resolved := w.Await(testContext(t))
	assert.True(t, resolved)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, 0, c.Pending(), "waiter removed on resolution")
}

func TestCorrelator_DuplicateRegistrationFailsFast(t *testing.T) {
	c := New(nil)

	_, err := c.Register("req-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = c.Register("req-1", time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrDuplicateCorrelation)
}

func TestCorrelator_KeyReusableAfterResolution(t *testing.T) {
	c := New(nil)

	w, err := c.Register("req-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	c.Resolve("req-1", reply("m1"))
	w.Await(testContext(t))

	_, err = c.Register("req-1", time.Now().Add(time.Second))
	assert.NoError(t, err)
}

func TestCorrelator_TimeoutIsNotAnError(t *testing.T) {
	c := New(nil)

	w, err := c.Register("req-1", time.Now().Add(100*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	msgs, resolved := w.Await(testContext(t))
	elapsed := time.Since(start)

	assert.False(t, resolved)
	assert.Nil(t, msgs)
	assert.InDelta(t, 100*time.Millisecond, elapsed, float64(200*time.Millisecond))
	assert.Equal(t, 0, c.Pending(), "timed-out waiter removed")
}

func TestCorrelator_ResolveAfterTimeoutIsNoOp(t *testing.T) {
	c := New(nil)

	w, err := c.Register("req-1", time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	w.Await(testContext(t))

	assert.False(t, c.Resolve("req-1", reply("late")), "late resolve is dropped silently")
}

func TestCorrelator_SecondResolveHasNoEffect(t *testing.T) {
	c := New(nil)

	w, err := c.Register("req-1", time.Now().Add(time.Second))
	require.NoError(t, err)

	assert.True(t, c.Resolve("req-1", reply("first")))
	assert.False(t, c.Resolve("req-1", reply("second")))

	msgs, resolved := w.Await(testContext(t))
	require.True(t, resolved)
	assert.Equal(t, "first", msgs[0].ID)
}

func TestCorrelator_AwaitAfterResolutionReturnsValue(t *testing.T) {
	c := New(nil)

	w, err := c.Register("req-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	c.Resolve("req-1", reply("m1"))

	// Both awaits see the already-resolved value, no second wait
	for i := 0; i < 2; i++ {
		start := time.Now()
		msgs, resolved := w.Await(testContext(t))
		assert.True(t, resolved)
		assert.Equal(t, "m1", msgs[0].ID)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	}
}

func TestCorrelator_CancellationRemovesWaiter(t *testing.T) {
	c := New(nil)

	w, err := c.Register("req-1", time.Now().Add(time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, resolved := w.Await(ctx)
	assert.False(t, resolved)
	assert.Less(t, time.Since(start), time.Second, "cancellation unblocks promptly")
	assert.Equal(t, 0, c.Pending(), "cancelled waiter removed to bound memory")
}

func TestCorrelator_ConcurrentResolveAndTimeout(t *testing.T) {
	c := New(nil)

	// Race Resolve against a near-immediate deadline many times; every
	// outcome must be either a clean resolution or a clean timeout, and
	// the map must always end empty.
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("req-%d", i)
		w, err := c.Register(key, time.Now().Add(time.Millisecond))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wgGo(&wg, func() {
			c.Resolve(key, reply("m"))
		})

		msgs, resolved := w.Await(context.Background())
		if resolved {
			assert.Len(t, msgs, 1)
		} else {
			assert.Nil(t, msgs)
		}
		wg.Wait()
	}

	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_ManyConcurrentWaiters(t *testing.T) {
	c := New(nil)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("req-%d", i)
		w, err := c.Register(key, time.Now().Add(time.Second))
		require.NoError(t, err)

		wgGo(&wg, func() {
			msgs, resolved := w.Await(context.Background())
			assert.True(t, resolved)
			assert.Equal(t, "reply-"+key, msgs[0].ID)
		})
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("req-%d", i)
		c.Resolve(key, reply("reply-"+key))
	}

	wg.Wait()
	assert.Equal(t, 0, c.Pending())
}
