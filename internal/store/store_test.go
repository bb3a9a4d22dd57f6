// ABOUTME: Tests for SQLite message and usage-limit persistence
// ABOUTME: Covers thread keys, history pagination, delivery status, limit validation

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testKey() ThreadKey {
	return ThreadKey{Tenant: "t1", Workflow: "wf-order", Participant: "user-42"}
}

func testMessage(key ThreadKey, dir Direction) *Message {
	return &Message{
		ID:        uuid.New().String(),
		ThreadKey: key,
		Direction: dir,
		Type:      MessageTypeChat,
		Payload:   `{"text":"hello"}`,
		CreatedAt: time.Now().UTC(),
	}
}

func TestThreadKey_String(t *testing.T) {
	key := ThreadKey{Tenant: "t1", Workflow: "wf", Participant: "p"}
	assert.Equal(t, "t1/wf/p", key.String())

	key.Scope = "support"
	assert.Equal(t, "t1/wf/p/support", key.String())
}

func TestThreadKey_Validate(t *testing.T) {
	tests := []struct {
		name    string
		key     ThreadKey
		wantErr bool
	}{
		{"valid", ThreadKey{Tenant: "t", Workflow: "w", Participant: "p"}, false},
		{"valid with scope", ThreadKey{Tenant: "t", Workflow: "w", Participant: "p", Scope: "s"}, false},
		{"missing tenant", ThreadKey{Workflow: "w", Participant: "p"}, true},
		{"missing workflow", ThreadKey{Tenant: "t", Participant: "p"}, true},
		{"missing participant", ThreadKey{Tenant: "t", Workflow: "w"}, true},
		{"slash in component", ThreadKey{Tenant: "t/x", Workflow: "w", Participant: "p"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStore_SaveAndGetMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	msg := testMessage(testKey(), DirectionInbound)
	msg.RequestID = "req-1"
	require.NoError(t, s.SaveMessage(ctx, msg))
	assert.Greater(t, msg.Seq, int64(0), "store should assign a sequence")

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, testKey(), got.ThreadKey)
	assert.Equal(t, DirectionInbound, got.Direction)
	assert.Equal(t, MessageTypeChat, got.Type)
	assert.Equal(t, `{"text":"hello"}`, got.Payload)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, DeliveryStatusDelivered, got.Delivery)
}

func TestStore_GetMessage_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetMessage(context.Background(), "no-such-message")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveMessage_InvalidThreadKey(t *testing.T) {
	s := setupTestStore(t)

	msg := testMessage(ThreadKey{Tenant: "t1"}, DirectionInbound)
	err := s.SaveMessage(context.Background(), msg)
	assert.Error(t, err)
}

func TestStore_SequencesAreMonotonic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var lastSeq int64
	for i := 0; i < 5; i++ {
		msg := testMessage(testKey(), DirectionOutbound)
		require.NoError(t, s.SaveMessage(ctx, msg))
		assert.Greater(t, msg.Seq, lastSeq)
		lastSeq = msg.Seq
	}
}

func TestStore_ListMessages_Pagination(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	key := testKey()

	var ids []string
	for i := 0; i < 7; i++ {
		msg := testMessage(key, DirectionOutbound)
		msg.Payload = fmt.Sprintf(`{"n":%d}`, i)
		require.NoError(t, s.SaveMessage(ctx, msg))
		ids = append(ids, msg.ID)
	}

	page1, err := s.ListMessages(ctx, key, 1, 3)
	require.NoError(t, err)
	require.Len(t, page1.Messages, 3)
	assert.True(t, page1.HasMore)
	assert.Equal(t, ids[0], page1.Messages[0].ID)
	assert.Equal(t, ids[2], page1.Messages[2].ID)

	page3, err := s.ListMessages(ctx, key, 3, 3)
	require.NoError(t, err)
	require.Len(t, page3.Messages, 1)
	assert.False(t, page3.HasMore)
	assert.Equal(t, ids[6], page3.Messages[0].ID)
}

func TestStore_ListMessages_UnknownThreadIsEmpty(t *testing.T) {
	s := setupTestStore(t)

	page, err := s.ListMessages(context.Background(), ThreadKey{
		Tenant: "t1", Workflow: "nope", Participant: "nobody",
	}, 1, 50)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestStore_ListMessages_ScopeIsolation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	scoped := testKey()
	scoped.Scope = "support"

	require.NoError(t, s.SaveMessage(ctx, testMessage(testKey(), DirectionInbound)))
	require.NoError(t, s.SaveMessage(ctx, testMessage(scoped, DirectionInbound)))

	page, err := s.ListMessages(ctx, scoped, 1, 50)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "support", page.Messages[0].ThreadKey.Scope)
}

func TestStore_MarkUndelivered(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	msg := testMessage(testKey(), DirectionInbound)
	require.NoError(t, s.SaveMessage(ctx, msg))

	require.NoError(t, s.MarkUndelivered(ctx, msg.ID))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusUndelivered, got.Delivery)

	assert.ErrorIs(t, s.MarkUndelivered(ctx, "missing"), ErrNotFound)
}

func TestStore_UpsertUsageLimit_Validation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		limit UsageLimit
	}{
		{"zero max units", UsageLimit{Tenant: "t1", MaxUnits: 0, WindowSeconds: 60}},
		{"negative max units", UsageLimit{Tenant: "t1", MaxUnits: -5, WindowSeconds: 60}},
		{"zero window", UsageLimit{Tenant: "t1", MaxUnits: 10, WindowSeconds: 0}},
		{"missing tenant", UsageLimit{MaxUnits: 10, WindowSeconds: 60}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.UpsertUsageLimit(ctx, &tt.limit)
			assert.ErrorIs(t, err, ErrInvalidLimit)
		})
	}
}

func TestStore_UsageLimit_RoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	limit := &UsageLimit{
		Tenant:        "t1",
		User:          "", // tenant-wide
		MaxUnits:      100,
		WindowSeconds: 60,
		Enabled:       true,
		EffectiveFrom: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.UpsertUsageLimit(ctx, limit))

	got, err := s.GetUsageLimit(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.MaxUnits)
	assert.Equal(t, int64(60), got.WindowSeconds)
	assert.True(t, got.Enabled)
	assert.Equal(t, limit.EffectiveFrom, got.EffectiveFrom.UTC())

	// Upsert replaces in place
	limit.MaxUnits = 250
	limit.Enabled = false
	require.NoError(t, s.UpsertUsageLimit(ctx, limit))

	got, err = s.GetUsageLimit(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, int64(250), got.MaxUnits)
	assert.False(t, got.Enabled)
}

func TestStore_GetUsageLimit_NotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetUsageLimit(context.Background(), "t1", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListUsageLimits(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, user := range []string{"", "alice", "bob"} {
		require.NoError(t, s.UpsertUsageLimit(ctx, &UsageLimit{
			Tenant:        "t1",
			User:          user,
			MaxUnits:      10,
			WindowSeconds: 60,
			Enabled:       true,
		}))
	}
	require.NoError(t, s.UpsertUsageLimit(ctx, &UsageLimit{
		Tenant:        "t2",
		MaxUnits:      10,
		WindowSeconds: 60,
		Enabled:       true,
	}))

	limits, err := s.ListUsageLimits(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, limits, 3)
	assert.Equal(t, "", limits[0].User)
	assert.Equal(t, "alice", limits[1].User)
	assert.Equal(t, "bob", limits[2].User)
}
