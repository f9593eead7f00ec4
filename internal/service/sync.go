package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pocketledger/pocketledger/internal/connectivity"
	"github.com/pocketledger/pocketledger/internal/localstore"
	"github.com/pocketledger/pocketledger/internal/models"
	"github.com/pocketledger/pocketledger/internal/remote"
	"github.com/pocketledger/pocketledger/pkg/metrics"
)

// Notifier publishes change events after mutations land remotely. It is
// best-effort: failures are logged, never propagated into sync results.
type Notifier interface {
	EntityChanged(ctx context.Context, userID, collection, action, entityID string) error
}

// drainer is the sync engine shared by every entity service. It walks the
// queue in insertion order and applies records one by one: a failed record
// stays queued (or is quarantined) while the rest of the batch continues, so
// one poisoned mutation can never wedge the whole queue.
type drainer struct {
	collection  string
	queue       *localstore.Queue
	monitor     *connectivity.Monitor
	maxAttempts int
	notifier    Notifier
	logger      *slog.Logger
}

// drain flushes pending mutations for userID through apply. It returns
// connectivity.ErrOffline without touching the queue when the backend is
// unreachable, so callers can retry on the next connectivity change.
func (d *drainer) drain(ctx context.Context, userID string, apply func(context.Context, models.MutationRecord) error) (models.SyncResult, error) {
	result := models.SyncResult{SyncedIDs: []string{}}

	if !d.monitor.IsOnline(ctx) {
		return result, connectivity.ErrOffline
	}

	pending, err := d.queue.ListPending(ctx, userID)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	start := time.Now()
	defer func() {
		metrics.DrainDuration.WithLabelValues(d.collection).Observe(time.Since(start).Seconds())
	}()

	synced := make(map[string]struct{}, len(pending))
	for _, rec := range pending {
		if ctx.Err() != nil {
			break
		}

		log := d.logger.With("record_id", rec.ID, "action", string(rec.Action), "collection", d.collection)

		if err := apply(ctx, rec); err != nil {
			d.handleFailure(ctx, rec, err, &result, log)
			continue
		}

		synced[rec.ID] = struct{}{}
		result.SyncedCount++
		result.SyncedIDs = append(result.SyncedIDs, localFacingID(rec))
		metrics.RecordsSynced.WithLabelValues("success", d.collection, string(rec.Action)).Inc()

		if d.notifier != nil {
			if err := d.notifier.EntityChanged(ctx, userID, d.collection, string(rec.Action), localFacingID(rec)); err != nil {
				log.Warn("Change notification failed", "error", err)
			}
		}
	}

	if err := d.queue.Remove(ctx, synced); err != nil {
		return result, err
	}

	d.logger.Info("Drain finished",
		"collection", d.collection,
		"synced", result.SyncedCount,
		"quarantined", result.Quarantined,
		"duration", time.Since(start).String())
	return result, nil
}

func (d *drainer) handleFailure(ctx context.Context, rec models.MutationRecord, applyErr error, result *models.SyncResult, log *slog.Logger) {
	attempts := rec.Attempts + 1

	if permanentFailure(applyErr) || attempts >= d.maxAttempts {
		if err := d.queue.Quarantine(ctx, rec.ID, applyErr.Error()); err != nil {
			log.Error("Failed to quarantine record", "error", err)
			return
		}
		result.Quarantined++
		metrics.RecordsSynced.WithLabelValues("quarantined", d.collection, string(rec.Action)).Inc()
		log.Warn("Record quarantined", "attempts", attempts, "error", applyErr)
		return
	}

	if _, err := d.queue.UpdateInPlace(ctx, rec.ID, func(r *models.MutationRecord) error {
		r.Attempts++
		return nil
	}); err != nil {
		log.Error("Failed to bump attempt counter", "error", err)
	}
	metrics.RecordsSynced.WithLabelValues("failed", d.collection, string(rec.Action)).Inc()
	log.Warn("Record sync failed, will retry", "attempts", attempts, "error", applyErr)
}

// permanentFailure reports errors no retry can fix: the target document is
// gone, so replaying the mutation would fail forever.
func permanentFailure(err error) bool {
	return errors.Is(err, remote.ErrNotFound)
}

// localFacingID is the id the device knows the entity by, so the UI can drop
// its now-duplicate offline row after a successful sync.
func localFacingID(rec models.MutationRecord) string {
	if rec.Action == models.ActionAdd && rec.LocalID != "" {
		return rec.LocalID
	}
	return rec.TargetID
}
