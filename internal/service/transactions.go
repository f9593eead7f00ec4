package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pocketledger/pocketledger/internal/connectivity"
	"github.com/pocketledger/pocketledger/internal/localstore"
	"github.com/pocketledger/pocketledger/internal/models"
	"github.com/pocketledger/pocketledger/internal/remote"
	"github.com/pocketledger/pocketledger/internal/session"
)

// TransactionService owns the transactions collection: offline-first writes
// through the durable queue, merged reads, and the drain that flushes pending
// mutations once the backend is reachable.
type TransactionService struct {
	session *session.Session
	store   remote.Store
	queue   *localstore.Queue
	monitor *connectivity.Monitor
	logger  *slog.Logger
	d       drainer

	// readSeq orders List calls so a slow response can be flagged as
	// superseded instead of overwriting a fresher one.
	readSeq atomic.Uint64
}

func NewTransactionService(sess *session.Session, kv *localstore.KV, store remote.Store, monitor *connectivity.Monitor, maxAttempts int, notifier Notifier, logger *slog.Logger) *TransactionService {
	q := localstore.NewQueue(kv, models.CollectionTransactions, logger)
	return &TransactionService{
		session: sess,
		store:   store,
		queue:   q,
		monitor: monitor,
		logger:  logger,
		d: drainer{
			collection:  models.CollectionTransactions,
			queue:       q,
			monitor:     monitor,
			maxAttempts: maxAttempts,
			notifier:    notifier,
			logger:      logger,
		},
	}
}

// TransactionInput carries the caller-supplied fields of a new transaction.
type TransactionInput struct {
	Type     models.TransactionType
	Amount   decimal.Decimal
	Category string
	Note     string
	Date     time.Time
}

func (in TransactionInput) validate() error {
	if in.Type != models.TypeExpense && in.Type != models.TypeRevenue {
		return fmt.Errorf("invalid transaction type %q", in.Type)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("transaction amount must be positive")
	}
	return nil
}

// Add records a transaction. Online it writes straight to the remote store;
// offline it enqueues the add and returns a locally-identified entity the UI
// can render immediately.
func (s *TransactionService) Add(ctx context.Context, in TransactionInput) (models.Transaction, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.Transaction{}, err
	}
	if err := in.validate(); err != nil {
		return models.Transaction{}, err
	}

	now := time.Now().UTC()
	tx := models.Transaction{
		UserID:    userID,
		Type:      in.Type,
		Amount:    in.Amount,
		Category:  in.Category,
		Note:      in.Note,
		Date:      in.Date,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if tx.Date.IsZero() {
		tx.Date = now
	}

	if s.monitor.IsOnline(ctx) {
		doc, err := toDoc(tx)
		if err != nil {
			return models.Transaction{}, err
		}
		id, err := s.store.Create(ctx, models.CollectionTransactions, doc)
		if err != nil {
			return models.Transaction{}, err
		}
		tx.ID = id
		tx.Origin = models.OriginRemote
		return tx, nil
	}

	tx.ID = uuid.NewString()
	tx.Origin = models.OriginLocal
	rec, err := models.NewMutationRecord(models.ActionAdd, userID, tx)
	if err != nil {
		return models.Transaction{}, err
	}
	rec.LocalID = tx.ID
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return models.Transaction{}, err
	}
	s.logger.Debug("Transaction queued for sync", "local_id", tx.ID)
	return tx, nil
}

// TransactionFilter narrows a List result. Filters apply to the merged view,
// so pending offline entities are filtered the same way remote ones are.
type TransactionFilter struct {
	Type            models.TransactionType
	Category        string
	From            time.Time
	To              time.Time
	IncludeArchived bool
}

func (f TransactionFilter) matches(t models.Transaction) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Category != "" && t.Category != f.Category {
		return false
	}
	if !f.From.IsZero() && t.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.Date.After(f.To) {
		return false
	}
	if t.Archived && !f.IncludeArchived {
		return false
	}
	return true
}

// List returns the unified transaction view, newest first. Offline it serves
// pending entities only and flags the result as partial rather than failing.
func (s *TransactionService) List(ctx context.Context, f TransactionFilter) ([]models.Transaction, models.ListMeta, error) {
	reqID := s.readSeq.Add(1)
	meta := models.ListMeta{RequestID: reqID}

	userID, err := s.session.ReadUserID(ctx)
	if err != nil {
		return nil, meta, err
	}

	var remoteTxs []models.Transaction
	if s.monitor.IsOnline(ctx) {
		docs, degraded, indexURL, err := remote.QueryWithFallback(ctx, s.store, models.CollectionTransactions,
			remote.Filter{"userId": userID},
			&remote.Order{Field: "createdAt", Descending: true})
		if err != nil {
			return nil, meta, err
		}
		meta.NeedsIndexCreation = degraded
		meta.IndexURL = indexURL
		for _, doc := range docs {
			tx, err := fromDoc[models.Transaction](doc)
			if err != nil {
				s.logger.Warn("Skipping undecodable transaction document", "error", err)
				continue
			}
			tx.Origin = models.OriginRemote
			remoteTxs = append(remoteTxs, tx)
		}
	} else {
		meta.IsPartiallyOffline = true
	}

	pending, err := s.queue.ListPending(ctx, userID)
	if err != nil {
		return nil, meta, err
	}

	merged := mergeView(remoteTxs, pending, func(rec models.MutationRecord) (models.Transaction, bool) {
		var tx models.Transaction
		if err := json.Unmarshal(rec.Payload, &tx); err != nil {
			s.logger.Warn("Skipping undecodable pending transaction", "record_id", rec.ID, "error", err)
			return models.Transaction{}, false
		}
		tx.ID = rec.LocalID
		tx.Origin = models.OriginLocal
		return tx, true
	})

	out := merged[:0]
	for _, tx := range merged {
		if f.matches(tx) {
			out = append(out, tx)
		}
	}

	meta.Superseded = s.readSeq.Load() != reqID
	return out, meta, nil
}

// TransactionPatch updates a subset of fields; nil means leave unchanged.
type TransactionPatch struct {
	Type     *models.TransactionType
	Amount   *decimal.Decimal
	Category *string
	Note     *string
	Date     *time.Time
}

func (p TransactionPatch) applyTo(t *models.Transaction) {
	if p.Type != nil {
		t.Type = *p.Type
	}
	if p.Amount != nil {
		t.Amount = *p.Amount
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.Note != nil {
		t.Note = *p.Note
	}
	if p.Date != nil {
		t.Date = *p.Date
	}
}

func (p TransactionPatch) doc(now time.Time) remote.Doc {
	doc := remote.Doc{"updatedAt": now}
	if p.Type != nil {
		doc["type"] = *p.Type
	}
	if p.Amount != nil {
		doc["amount"] = *p.Amount
	}
	if p.Category != nil {
		doc["category"] = *p.Category
	}
	if p.Note != nil {
		doc["note"] = *p.Note
	}
	if p.Date != nil {
		doc["date"] = *p.Date
	}
	return doc
}

// Update edits a transaction. Edits to a not-yet-synced entity fold into its
// pending add so the queue still holds a single record for it; otherwise the
// patch is applied remotely or enqueued. The bool reports whether the change
// is queued rather than applied.
func (s *TransactionService) Update(ctx context.Context, id string, p TransactionPatch) (models.Transaction, bool, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.Transaction{}, false, err
	}
	now := time.Now().UTC()

	if rec, ok, err := s.queue.FindPendingAdd(ctx, userID, id); err != nil {
		return models.Transaction{}, false, err
	} else if ok {
		var updated models.Transaction
		if _, err := s.queue.UpdateInPlace(ctx, rec.ID, func(r *models.MutationRecord) error {
			var tx models.Transaction
			if err := json.Unmarshal(r.Payload, &tx); err != nil {
				return fmt.Errorf("failed to decode pending transaction: %w", err)
			}
			p.applyTo(&tx)
			tx.UpdatedAt = now
			raw, err := json.Marshal(tx)
			if err != nil {
				return err
			}
			r.Payload = raw
			updated = tx
			return nil
		}); err != nil {
			return models.Transaction{}, false, err
		}
		updated.ID = id
		updated.Origin = models.OriginLocal
		return updated, true, nil
	}

	if s.monitor.IsOnline(ctx) {
		if err := s.store.Update(ctx, models.CollectionTransactions, id, p.doc(now)); err != nil {
			return models.Transaction{}, false, err
		}
		doc, err := s.store.Get(ctx, models.CollectionTransactions, id)
		if err != nil {
			return models.Transaction{}, false, err
		}
		tx, err := fromDoc[models.Transaction](doc)
		if err != nil {
			return models.Transaction{}, false, err
		}
		tx.Origin = models.OriginRemote
		return tx, false, nil
	}

	rec, err := models.NewMutationRecord(models.ActionUpdate, userID, p.doc(now))
	if err != nil {
		return models.Transaction{}, false, err
	}
	rec.TargetID = id
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return models.Transaction{}, false, err
	}

	tx := models.Transaction{ID: id, UserID: userID, UpdatedAt: now, Origin: models.OriginRemote}
	p.applyTo(&tx)
	return tx, true, nil
}

// Delete removes a transaction. Deleting an entity that only exists as a
// pending add prunes the queue record outright: nothing was ever written
// remotely, so nothing must be deleted there on the next sync.
func (s *TransactionService) Delete(ctx context.Context, id string) (bool, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return false, err
	}

	if rec, ok, err := s.queue.FindPendingAdd(ctx, userID, id); err != nil {
		return false, err
	} else if ok {
		return false, s.queue.Remove(ctx, map[string]struct{}{rec.ID: {}})
	}

	if s.monitor.IsOnline(ctx) {
		return false, s.store.Delete(ctx, models.CollectionTransactions, id)
	}

	rec, err := models.NewMutationRecord(models.ActionDelete, userID, nil)
	if err != nil {
		return false, err
	}
	rec.TargetID = id
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// SyncOffline drains the transaction queue into the remote store.
func (s *TransactionService) SyncOffline(ctx context.Context) (models.SyncResult, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.SyncResult{}, err
	}
	return s.d.drain(ctx, userID, s.applyRecord)
}

func (s *TransactionService) applyRecord(ctx context.Context, rec models.MutationRecord) error {
	switch rec.Action {
	case models.ActionAdd:
		var tx models.Transaction
		if err := json.Unmarshal(rec.Payload, &tx); err != nil {
			return fmt.Errorf("failed to decode pending transaction: %w", err)
		}
		doc, err := toDoc(tx)
		if err != nil {
			return err
		}
		_, err = s.store.Create(ctx, models.CollectionTransactions, doc)
		return err

	case models.ActionUpdate:
		var patch remote.Doc
		if err := json.Unmarshal(rec.Payload, &patch); err != nil {
			return fmt.Errorf("failed to decode pending patch: %w", err)
		}
		return s.store.Update(ctx, models.CollectionTransactions, rec.TargetID, patch)

	case models.ActionDelete:
		return s.store.Delete(ctx, models.CollectionTransactions, rec.TargetID)

	default:
		return fmt.Errorf("unsupported transaction action %q", rec.Action)
	}
}

// Quarantined lists mutations parked after repeated or permanent failures so
// the user can resolve them by hand.
func (s *TransactionService) Quarantined(ctx context.Context) ([]models.QuarantinedRecord, error) {
	userID, err := s.session.OwnerUserID()
	if err != nil {
		return nil, err
	}
	return s.queue.ListQuarantined(ctx, userID)
}

// Archive moves all unarchived transactions dated before the cutoff into a
// single archive document and deletes the originals, atomically. It is an
// online-only operation: a half-applied archive is worse than a delayed one.
func (s *TransactionService) Archive(ctx context.Context, before time.Time) (int, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return 0, err
	}
	if !s.monitor.IsOnline(ctx) {
		return 0, connectivity.ErrOffline
	}

	docs, _, _, err := remote.QueryWithFallback(ctx, s.store, models.CollectionTransactions,
		remote.Filter{"userId": userID},
		&remote.Order{Field: "createdAt", Descending: true})
	if err != nil {
		return 0, err
	}

	var archived []remote.Doc
	var ids []string
	for _, doc := range docs {
		tx, err := fromDoc[models.Transaction](doc)
		if err != nil {
			continue
		}
		if tx.Archived || !tx.Date.Before(before) {
			continue
		}
		archived = append(archived, doc)
		ids = append(ids, tx.ID)
	}
	if len(archived) == 0 {
		return 0, nil
	}

	ops := make([]remote.Op, 0, len(ids)+1)
	ops = append(ops, remote.Op{
		Kind:       remote.OpCreate,
		Collection: models.CollectionArchives,
		ID:         uuid.NewString(),
		Doc: remote.Doc{
			"userId":       userID,
			"cutoff":       before,
			"archivedAt":   time.Now().UTC(),
			"transactions": archived,
		},
	})
	for _, id := range ids {
		ops = append(ops, remote.Op{Kind: remote.OpDelete, Collection: models.CollectionTransactions, ID: id})
	}

	if err := s.store.BatchApply(ctx, ops); err != nil {
		return 0, err
	}
	s.logger.Info("Transactions archived", "count", len(ids), "cutoff", before)
	return len(ids), nil
}

// PendingCount reports the queue backlog for gauges and UI badges.
func (s *TransactionService) PendingCount(ctx context.Context) (int, error) {
	return s.queue.Size(ctx)
}
