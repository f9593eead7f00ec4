package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pocketledger/pocketledger/internal/connectivity"
	"github.com/pocketledger/pocketledger/internal/localstore"
	"github.com/pocketledger/pocketledger/internal/models"
	"github.com/pocketledger/pocketledger/internal/remote"
	"github.com/pocketledger/pocketledger/internal/session"
)

// ProfileService owns the per-user profile document. The profile is keyed by
// user id (one document per user), cached locally so settings screens work
// offline, and edited through the same queue machinery as everything else.
type ProfileService struct {
	session *session.Session
	kv      *localstore.KV
	store   remote.Store
	queue   *localstore.Queue
	monitor *connectivity.Monitor
	logger  *slog.Logger
	d       drainer
}

func NewProfileService(sess *session.Session, kv *localstore.KV, store remote.Store, monitor *connectivity.Monitor, maxAttempts int, notifier Notifier, logger *slog.Logger) *ProfileService {
	q := localstore.NewQueue(kv, models.CollectionProfiles, logger)
	return &ProfileService{
		session: sess,
		kv:      kv,
		store:   store,
		queue:   q,
		monitor: monitor,
		logger:  logger,
		d: drainer{
			collection:  models.CollectionProfiles,
			queue:       q,
			monitor:     monitor,
			maxAttempts: maxAttempts,
			notifier:    notifier,
			logger:      logger,
		},
	}
}

func profileCacheKey(userID string) string { return "profile:" + userID }

// Get returns the profile for the current read identity. Online responses
// refresh the local cache; offline the cache is served with any queued edits
// overlaid, and a never-synced user gets an empty profile rather than an
// error.
func (s *ProfileService) Get(ctx context.Context) (models.Profile, models.ListMeta, error) {
	meta := models.ListMeta{}

	userID, err := s.session.ReadUserID(ctx)
	if err != nil {
		return models.Profile{}, meta, err
	}

	if s.monitor.IsOnline(ctx) {
		doc, err := s.store.Get(ctx, models.CollectionProfiles, userID)
		if errors.Is(err, remote.ErrNotFound) {
			return models.Profile{UserID: userID}, meta, nil
		}
		if err != nil {
			return models.Profile{}, meta, err
		}
		profile, err := fromDoc[models.Profile](doc)
		if err != nil {
			return models.Profile{}, meta, err
		}
		profile.UserID = userID
		s.cache(ctx, profile)
		return profile, meta, nil
	}

	meta.IsPartiallyOffline = true
	profile := models.Profile{UserID: userID}
	if raw, ok, err := s.kv.Get(ctx, profileCacheKey(userID)); err != nil {
		return models.Profile{}, meta, err
	} else if ok {
		if err := json.Unmarshal(raw, &profile); err != nil {
			s.logger.Warn("Discarding undecodable cached profile", "error", err)
			profile = models.Profile{UserID: userID}
		}
	}

	// Queued edits are newer than the cache snapshot; replay them in order.
	pending, err := s.queue.ListPending(ctx, userID)
	if err != nil {
		return models.Profile{}, meta, err
	}
	for _, rec := range pending {
		if rec.Action != models.ActionUpdate || rec.TargetID != userID {
			continue
		}
		var patch ProfilePatch
		if err := json.Unmarshal(rec.Payload, &patch); err != nil {
			continue
		}
		patch.applyTo(&profile)
	}
	return profile, meta, nil
}

// ProfilePatch updates a subset of fields; nil means leave unchanged.
type ProfilePatch struct {
	DisplayName  *string `json:"displayName,omitempty"`
	BusinessName *string `json:"businessName,omitempty"`
	Currency     *string `json:"currency,omitempty"`
}

func (p ProfilePatch) applyTo(profile *models.Profile) {
	if p.DisplayName != nil {
		profile.DisplayName = *p.DisplayName
	}
	if p.BusinessName != nil {
		profile.BusinessName = *p.BusinessName
	}
	if p.Currency != nil {
		profile.Currency = *p.Currency
	}
}

func (p ProfilePatch) doc(now time.Time) remote.Doc {
	doc := remote.Doc{"updatedAt": now}
	if p.DisplayName != nil {
		doc["displayName"] = *p.DisplayName
	}
	if p.BusinessName != nil {
		doc["businessName"] = *p.BusinessName
	}
	if p.Currency != nil {
		doc["currency"] = *p.Currency
	}
	return doc
}

// Update edits the profile, creating the document on first write. The bool
// reports whether the change is queued rather than applied.
func (s *ProfileService) Update(ctx context.Context, p ProfilePatch) (models.Profile, bool, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.Profile{}, false, err
	}
	now := time.Now().UTC()

	if s.monitor.IsOnline(ctx) {
		if err := s.applyPatch(ctx, userID, p.doc(now)); err != nil {
			return models.Profile{}, false, err
		}
		doc, err := s.store.Get(ctx, models.CollectionProfiles, userID)
		if err != nil {
			return models.Profile{}, false, err
		}
		profile, err := fromDoc[models.Profile](doc)
		if err != nil {
			return models.Profile{}, false, err
		}
		profile.UserID = userID
		s.cache(ctx, profile)
		return profile, false, nil
	}

	rec, err := models.NewMutationRecord(models.ActionUpdate, userID, p)
	if err != nil {
		return models.Profile{}, false, err
	}
	rec.TargetID = userID
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return models.Profile{}, false, err
	}

	profile, _, err := s.Get(ctx)
	if err != nil {
		return models.Profile{}, false, err
	}
	return profile, true, nil
}

// applyPatch merges the patch into the profile document, creating it when the
// user has never saved a profile before.
func (s *ProfileService) applyPatch(ctx context.Context, userID string, patch remote.Doc) error {
	err := s.store.Update(ctx, models.CollectionProfiles, userID, patch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	doc := remote.Doc{"userId": userID}
	for k, v := range patch {
		doc[k] = v
	}
	return s.store.BatchApply(ctx, []remote.Op{
		{Kind: remote.OpCreate, Collection: models.CollectionProfiles, ID: userID, Doc: doc},
	})
}

// SyncOffline drains queued profile edits into the remote store.
func (s *ProfileService) SyncOffline(ctx context.Context) (models.SyncResult, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.SyncResult{}, err
	}
	result, err := s.d.drain(ctx, userID, s.applyRecord)
	if err != nil {
		return result, err
	}
	if result.SyncedCount > 0 {
		// Refresh the cache so the next offline read reflects the merge.
		if _, _, err := s.Get(ctx); err != nil {
			s.logger.Warn("Profile cache refresh after sync failed", "error", err)
		}
	}
	return result, nil
}

func (s *ProfileService) applyRecord(ctx context.Context, rec models.MutationRecord) error {
	if rec.Action != models.ActionUpdate {
		return fmt.Errorf("unsupported profile action %q", rec.Action)
	}
	var patch ProfilePatch
	if err := json.Unmarshal(rec.Payload, &patch); err != nil {
		return fmt.Errorf("failed to decode pending profile patch: %w", err)
	}
	return s.applyPatch(ctx, rec.TargetID, patch.doc(rec.UpdatedAt))
}

func (s *ProfileService) cache(ctx context.Context, profile models.Profile) {
	raw, err := json.Marshal(profile)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, profileCacheKey(profile.UserID), raw); err != nil {
		s.logger.Warn("Failed to cache profile", "error", err)
	}
}

// Quarantined lists mutations parked after repeated or permanent failures.
func (s *ProfileService) Quarantined(ctx context.Context) ([]models.QuarantinedRecord, error) {
	userID, err := s.session.OwnerUserID()
	if err != nil {
		return nil, err
	}
	return s.queue.ListQuarantined(ctx, userID)
}

// PendingCount reports the queue backlog for gauges and UI badges.
func (s *ProfileService) PendingCount(ctx context.Context) (int, error) {
	return s.queue.Size(ctx)
}
