package localstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketledger/pocketledger/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestKV(t *testing.T) *KV {
	t.Helper()
	kv, err := OpenKV(filepath.Join(t.TempDir(), "test.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func mustRecord(t *testing.T, action models.PendingAction, userID string, payload any) models.MutationRecord {
	t.Helper()
	rec, err := models.NewMutationRecord(action, userID, payload)
	require.NoError(t, err)
	return rec
}

func TestQueueEnqueuePreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestKV(t), "transactions", testLogger())

	first := mustRecord(t, models.ActionAdd, "u1", map[string]string{"note": "first"})
	second := mustRecord(t, models.ActionUpdate, "u1", map[string]string{"note": "second"})
	second.TargetID = "tx-9"
	third := mustRecord(t, models.ActionDelete, "u1", nil)
	third.TargetID = "tx-3"

	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))
	require.NoError(t, q.Enqueue(ctx, third))

	pending, err := q.ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.Equal(t, third.ID, pending[2].ID)
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "durable.db")

	kv, err := OpenKV(path, testLogger())
	require.NoError(t, err)
	q := NewQueue(kv, "transactions", testLogger())

	rec := mustRecord(t, models.ActionAdd, "u1", map[string]string{"note": "persist me"})
	require.NoError(t, q.Enqueue(ctx, rec))
	require.NoError(t, kv.Close())

	kv2, err := OpenKV(path, testLogger())
	require.NoError(t, err)
	defer kv2.Close()

	pending, err := NewQueue(kv2, "transactions", testLogger()).ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ID, pending[0].ID)
}

func TestQueueIsolatesUsers(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestKV(t), "transactions", testLogger())

	require.NoError(t, q.Enqueue(ctx, mustRecord(t, models.ActionAdd, "alice", nil)))
	require.NoError(t, q.Enqueue(ctx, mustRecord(t, models.ActionAdd, "bob", nil)))

	pending, err := q.ListPending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].UserID)
}

func TestQueueRemoveIgnoresAbsentIDs(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestKV(t), "transactions", testLogger())

	keep := mustRecord(t, models.ActionAdd, "u1", nil)
	drop := mustRecord(t, models.ActionAdd, "u1", nil)
	require.NoError(t, q.Enqueue(ctx, keep))
	require.NoError(t, q.Enqueue(ctx, drop))

	require.NoError(t, q.Remove(ctx, map[string]struct{}{
		drop.ID:       {},
		"never-there": {},
	}))

	pending, err := q.ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, keep.ID, pending[0].ID)
}

func TestQueueUpdateInPlace(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestKV(t), "transactions", testLogger())

	rec := mustRecord(t, models.ActionAdd, "u1", nil)
	require.NoError(t, q.Enqueue(ctx, rec))

	ok, err := q.UpdateInPlace(ctx, rec.ID, func(r *models.MutationRecord) error {
		r.Attempts = 3
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.UpdateInPlace(ctx, "missing", func(r *models.MutationRecord) error { return nil })
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := q.ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Attempts)
	assert.True(t, pending[0].UpdatedAt.After(rec.UpdatedAt) || pending[0].UpdatedAt.Equal(rec.UpdatedAt))
}

func TestQueueFindPendingAdd(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestKV(t), "transactions", testLogger())

	add := mustRecord(t, models.ActionAdd, "u1", nil)
	add.LocalID = "local-1"
	update := mustRecord(t, models.ActionUpdate, "u1", nil)
	update.TargetID = "local-1"
	require.NoError(t, q.Enqueue(ctx, add))
	require.NoError(t, q.Enqueue(ctx, update))

	found, ok, err := q.FindPendingAdd(ctx, "u1", "local-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, add.ID, found.ID)

	_, ok, err = q.FindPendingAdd(ctx, "u1", "local-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueQuarantineMovesRecordOutOfDrainPath(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestKV(t), "transactions", testLogger())

	poison := mustRecord(t, models.ActionUpdate, "u1", nil)
	poison.TargetID = "gone"
	healthy := mustRecord(t, models.ActionAdd, "u1", nil)
	require.NoError(t, q.Enqueue(ctx, poison))
	require.NoError(t, q.Enqueue(ctx, healthy))

	require.NoError(t, q.Quarantine(ctx, poison.ID, "document not found"))

	pending, err := q.ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, healthy.ID, pending[0].ID)

	quarantined, err := q.ListQuarantined(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
	assert.Equal(t, poison.ID, quarantined[0].Record.ID)
	assert.Equal(t, "document not found", quarantined[0].Reason)
	assert.False(t, quarantined[0].QuarantinedAt.IsZero())
}

func TestQueueCorruptBlobDoesNotWedgeTheQueue(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)
	q := NewQueue(kv, "transactions", testLogger())

	require.NoError(t, kv.Set(ctx, "queue:transactions", []byte("{not json at all")))

	pending, err := q.ListPending(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The damaged blob is preserved for inspection, not silently dropped.
	raw, ok, err := kv.Get(ctx, "queue:transactions:corrupt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "{not json at all", string(raw))

	// The queue accepts new work immediately.
	require.NoError(t, q.Enqueue(ctx, mustRecord(t, models.ActionAdd, "u1", nil)))
	pending, err = q.ListPending(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestQueueCorruptElementIsQuarantinedIndividually(t *testing.T) {
	ctx := context.Background()
	kv := openTestKV(t)
	q := NewQueue(kv, "transactions", testLogger())

	good := mustRecord(t, models.ActionAdd, "u1", nil)
	require.NoError(t, q.Enqueue(ctx, good))

	// Splice a garbage element into the persisted array.
	raw, ok, err := kv.Get(ctx, "queue:transactions")
	require.NoError(t, err)
	require.True(t, ok)
	tampered := []byte(`[{"bogus":true},` + string(raw[1:]))
	require.NoError(t, kv.Set(ctx, "queue:transactions", tampered))

	pending, err := q.ListPending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, good.ID, pending[0].ID)

	_, ok, err = kv.Get(ctx, "queue:transactions:corrupt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueueSizeCountsAllUsers(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(openTestKV(t), "transactions", testLogger())

	require.NoError(t, q.Enqueue(ctx, mustRecord(t, models.ActionAdd, "alice", nil)))
	require.NoError(t, q.Enqueue(ctx, mustRecord(t, models.ActionAdd, "bob", nil)))

	n, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
