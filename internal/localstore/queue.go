package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketledger/pocketledger/internal/models"
)

// Queue is the Local Durable Queue for one entity collection: the persisted
// list of mutations waiting for connectivity. The whole queue lives under a
// single key as a JSON array, so every operation is a serialized
// read-modify-write guarded by mu.
type Queue struct {
	kv         *KV
	collection string
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewQueue returns the durable queue for the given remote collection.
func NewQueue(kv *KV, collection string, logger *slog.Logger) *Queue {
	return &Queue{
		kv:         kv,
		collection: collection,
		logger:     logger.With("queue", collection),
	}
}

func (q *Queue) key() string           { return "queue:" + q.collection }
func (q *Queue) corruptKey() string    { return "queue:" + q.collection + ":corrupt" }
func (q *Queue) quarantineKey() string { return "queue:" + q.collection + ":quarantine" }

// load reads the queue defensively. Entries that fail to parse are moved to
// the corrupt bucket instead of taking the whole queue down with them.
func (q *Queue) load(ctx context.Context) ([]models.MutationRecord, error) {
	raw, ok, err := q.kv.Get(ctx, q.key())
	if err != nil {
		return nil, err
	}
	if !ok || len(raw) == 0 {
		return nil, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		// The stored value is not even a JSON array. Preserve it for manual
		// inspection and start over rather than erroring on every call.
		q.logger.Error("Queue storage is not a JSON array, moving to corrupt bucket", "error", err)
		if err := q.kv.Set(ctx, q.corruptKey(), raw); err != nil {
			return nil, err
		}
		if err := q.kv.Delete(ctx, q.key()); err != nil {
			return nil, err
		}
		return nil, nil
	}

	records := make([]models.MutationRecord, 0, len(elems))
	var corrupt []json.RawMessage
	for _, e := range elems {
		var rec models.MutationRecord
		if err := json.Unmarshal(e, &rec); err != nil || rec.ID == "" || !rec.Action.Valid() {
			corrupt = append(corrupt, e)
			continue
		}
		records = append(records, rec)
	}

	if len(corrupt) > 0 {
		q.logger.Warn("Quarantined unparseable queue entries", "count", len(corrupt))
		if err := q.appendRaw(ctx, q.corruptKey(), corrupt); err != nil {
			return nil, err
		}
		if err := q.save(ctx, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (q *Queue) save(ctx context.Context, records []models.MutationRecord) error {
	if records == nil {
		records = []models.MutationRecord{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to serialize queue: %w", err)
	}
	return q.kv.Set(ctx, q.key(), raw)
}

func (q *Queue) appendRaw(ctx context.Context, key string, elems []json.RawMessage) error {
	raw, ok, err := q.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	var existing []json.RawMessage
	if ok && len(raw) > 0 {
		_ = json.Unmarshal(raw, &existing)
	}
	existing = append(existing, elems...)
	out, err := json.Marshal(existing)
	if err != nil {
		return err
	}
	return q.kv.Set(ctx, key, out)
}

// Enqueue appends a mutation record. Persistence errors propagate so the
// caller can tell the user the offline write did not durably register.
func (q *Queue) Enqueue(ctx context.Context, rec models.MutationRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return err
	}
	records = append(records, rec)
	if err := q.save(ctx, records); err != nil {
		return err
	}
	q.logger.Debug("Enqueued offline mutation", "action", rec.Action, "record_id", rec.ID)
	return nil
}

// ListPending returns the user's records in insertion order.
func (q *Queue) ListPending(ctx context.Context, userID string) ([]models.MutationRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	var out []models.MutationRecord
	for _, r := range records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Remove deletes the records whose ids appear in ids. Used after a successful
// drain and when a purely-local add is cancelled. Ids not present are ignored,
// so a record enqueued mid-drain is never removed by mistake.
func (q *Queue) Remove(ctx context.Context, ids map[string]struct{}) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if _, gone := ids[r.ID]; !gone {
			kept = append(kept, r)
		}
	}
	return q.save(ctx, kept)
}

// UpdateInPlace mutates a single record through fn. Used when an offline
// entity is edited or paid before it ever synced: folding the change into the
// existing add record keeps one record per logical entity and eliminates the
// add-before-update ordering hazard. Returns false when no record matched.
func (q *Queue) UpdateInPlace(ctx context.Context, id string, fn func(*models.MutationRecord) error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return false, err
	}
	for i := range records {
		if records[i].ID != id {
			continue
		}
		if err := fn(&records[i]); err != nil {
			return false, err
		}
		records[i].UpdatedAt = time.Now().UTC()
		if err := q.save(ctx, records); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// FindPendingAdd locates the add record that created the given local entity,
// if it is still unsynced.
func (q *Queue) FindPendingAdd(ctx context.Context, userID, localID string) (models.MutationRecord, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return models.MutationRecord{}, false, err
	}
	for _, r := range records {
		if r.UserID == userID && r.Action == models.ActionAdd && r.LocalID == localID {
			return r, true, nil
		}
	}
	return models.MutationRecord{}, false, nil
}

// Quarantine moves a record into the terminal needs-resolution bucket. It no
// longer participates in drains; the UI surfaces it for manual handling.
func (q *Queue) Quarantine(ctx context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return err
	}
	var victim models.MutationRecord
	found := false
	kept := make([]models.MutationRecord, 0, len(records))
	for _, r := range records {
		if r.ID == id {
			victim = r
			found = true
			continue
		}
		kept = append(kept, r)
	}
	if !found {
		return nil
	}

	entry := models.QuarantinedRecord{
		Record:        victim,
		Reason:        reason,
		QuarantinedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := q.appendRaw(ctx, q.quarantineKey(), []json.RawMessage{raw}); err != nil {
		return err
	}
	q.logger.Warn("Quarantined poison record", "record_id", id, "action", victim.Action, "reason", reason)
	return q.save(ctx, kept)
}

// ListQuarantined returns the user's quarantined records.
func (q *Queue) ListQuarantined(ctx context.Context, userID string) ([]models.QuarantinedRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, ok, err := q.kv.Get(ctx, q.quarantineKey())
	if err != nil || !ok {
		return nil, err
	}
	var all []models.QuarantinedRecord
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("failed to parse quarantine bucket: %w", err)
	}
	var out []models.QuarantinedRecord
	for _, r := range all {
		if r.Record.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Size returns the total number of pending records across users, for the
// backlog gauge.
func (q *Queue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	records, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
