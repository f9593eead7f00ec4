package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
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

// EmployeeService owns the employees and payments collections. Payments are
// coupled to an employee balance, so their remote writes always travel as a
// batch: payment document plus balance adjustment, or neither.
type EmployeeService struct {
	session *session.Session
	store   remote.Store
	queue   *localstore.Queue
	monitor *connectivity.Monitor
	logger  *slog.Logger
	d       drainer

	readSeq atomic.Uint64
}

func NewEmployeeService(sess *session.Session, kv *localstore.KV, store remote.Store, monitor *connectivity.Monitor, maxAttempts int, notifier Notifier, logger *slog.Logger) *EmployeeService {
	q := localstore.NewQueue(kv, models.CollectionEmployees, logger)
	return &EmployeeService{
		session: sess,
		store:   store,
		queue:   q,
		monitor: monitor,
		logger:  logger,
		d: drainer{
			collection:  models.CollectionEmployees,
			queue:       q,
			monitor:     monitor,
			maxAttempts: maxAttempts,
			notifier:    notifier,
			logger:      logger,
		},
	}
}

// employeeAddPayload is the queue payload of a pending employee add. Payments
// made against the employee while it is still unsynced ride along so the
// whole family lands remotely in one batch.
type employeeAddPayload struct {
	models.Employee
	PendingPayments []models.Payment `json:"pendingPayments,omitempty"`
}

// EmployeeInput carries the caller-supplied fields of a new employee.
type EmployeeInput struct {
	Name           string
	Role           string
	Salary         decimal.Decimal
	OpeningBalance decimal.Decimal
}

func (in EmployeeInput) validate() error {
	if in.Name == "" {
		return fmt.Errorf("employee name must not be empty")
	}
	if in.Salary.IsNegative() {
		return fmt.Errorf("employee salary must not be negative")
	}
	return nil
}

// Add records an employee, remotely when reachable or via the queue when not.
func (s *EmployeeService) Add(ctx context.Context, in EmployeeInput) (models.Employee, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.Employee{}, err
	}
	if err := in.validate(); err != nil {
		return models.Employee{}, err
	}

	now := time.Now().UTC()
	emp := models.Employee{
		UserID:    userID,
		Name:      in.Name,
		Role:      in.Role,
		Salary:    in.Salary,
		Balance:   in.OpeningBalance,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.monitor.IsOnline(ctx) {
		doc, err := toDoc(emp)
		if err != nil {
			return models.Employee{}, err
		}
		id, err := s.store.Create(ctx, models.CollectionEmployees, doc)
		if err != nil {
			return models.Employee{}, err
		}
		emp.ID = id
		emp.Origin = models.OriginRemote
		return emp, nil
	}

	emp.ID = uuid.NewString()
	emp.Origin = models.OriginLocal
	rec, err := models.NewMutationRecord(models.ActionAdd, userID, employeeAddPayload{Employee: emp})
	if err != nil {
		return models.Employee{}, err
	}
	rec.LocalID = emp.ID
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return models.Employee{}, err
	}
	return emp, nil
}

// EmployeeFilter narrows a List result after the merge.
type EmployeeFilter struct {
	Role string
}

func (f EmployeeFilter) matches(e models.Employee) bool {
	return f.Role == "" || e.Role == f.Role
}

// List returns the unified employee view, newest first.
func (s *EmployeeService) List(ctx context.Context, f EmployeeFilter) ([]models.Employee, models.ListMeta, error) {
	reqID := s.readSeq.Add(1)
	meta := models.ListMeta{RequestID: reqID}

	userID, err := s.session.ReadUserID(ctx)
	if err != nil {
		return nil, meta, err
	}

	var remoteEmps []models.Employee
	if s.monitor.IsOnline(ctx) {
		docs, degraded, indexURL, err := remote.QueryWithFallback(ctx, s.store, models.CollectionEmployees,
			remote.Filter{"userId": userID},
			&remote.Order{Field: "createdAt", Descending: true})
		if err != nil {
			return nil, meta, err
		}
		meta.NeedsIndexCreation = degraded
		meta.IndexURL = indexURL
		for _, doc := range docs {
			emp, err := fromDoc[models.Employee](doc)
			if err != nil {
				s.logger.Warn("Skipping undecodable employee document", "error", err)
				continue
			}
			emp.Origin = models.OriginRemote
			remoteEmps = append(remoteEmps, emp)
		}
	} else {
		meta.IsPartiallyOffline = true
	}

	pending, err := s.queue.ListPending(ctx, userID)
	if err != nil {
		return nil, meta, err
	}

	merged := mergeView(remoteEmps, pending, func(rec models.MutationRecord) (models.Employee, bool) {
		var p employeeAddPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			s.logger.Warn("Skipping undecodable pending employee", "record_id", rec.ID, "error", err)
			return models.Employee{}, false
		}
		p.Employee.ID = rec.LocalID
		p.Employee.Origin = models.OriginLocal
		return p.Employee, true
	})

	out := merged[:0]
	for _, emp := range merged {
		if f.matches(emp) {
			out = append(out, emp)
		}
	}

	meta.Superseded = s.readSeq.Load() != reqID
	return out, meta, nil
}

// EmployeePatch updates a subset of fields; nil means leave unchanged.
type EmployeePatch struct {
	Name   *string
	Role   *string
	Salary *decimal.Decimal
}

func (p EmployeePatch) applyTo(e *models.Employee) {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.Role != nil {
		e.Role = *p.Role
	}
	if p.Salary != nil {
		e.Salary = *p.Salary
	}
}

func (p EmployeePatch) doc(now time.Time) remote.Doc {
	doc := remote.Doc{"updatedAt": now}
	if p.Name != nil {
		doc["name"] = *p.Name
	}
	if p.Role != nil {
		doc["role"] = *p.Role
	}
	if p.Salary != nil {
		doc["salary"] = *p.Salary
	}
	return doc
}

// Update edits an employee, folding edits to a not-yet-synced employee into
// its pending add. The bool reports whether the change is queued.
func (s *EmployeeService) Update(ctx context.Context, id string, p EmployeePatch) (models.Employee, bool, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.Employee{}, false, err
	}
	now := time.Now().UTC()

	if rec, ok, err := s.queue.FindPendingAdd(ctx, userID, id); err != nil {
		return models.Employee{}, false, err
	} else if ok {
		var updated models.Employee
		if _, err := s.queue.UpdateInPlace(ctx, rec.ID, func(r *models.MutationRecord) error {
			var payload employeeAddPayload
			if err := json.Unmarshal(r.Payload, &payload); err != nil {
				return fmt.Errorf("failed to decode pending employee: %w", err)
			}
			p.applyTo(&payload.Employee)
			payload.Employee.UpdatedAt = now
			raw, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			r.Payload = raw
			updated = payload.Employee
			return nil
		}); err != nil {
			return models.Employee{}, false, err
		}
		updated.ID = id
		updated.Origin = models.OriginLocal
		return updated, true, nil
	}

	if s.monitor.IsOnline(ctx) {
		if err := s.store.Update(ctx, models.CollectionEmployees, id, p.doc(now)); err != nil {
			return models.Employee{}, false, err
		}
		doc, err := s.store.Get(ctx, models.CollectionEmployees, id)
		if err != nil {
			return models.Employee{}, false, err
		}
		emp, err := fromDoc[models.Employee](doc)
		if err != nil {
			return models.Employee{}, false, err
		}
		emp.Origin = models.OriginRemote
		return emp, false, nil
	}

	rec, err := models.NewMutationRecord(models.ActionUpdate, userID, p.doc(now))
	if err != nil {
		return models.Employee{}, false, err
	}
	rec.TargetID = id
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return models.Employee{}, false, err
	}

	emp := models.Employee{ID: id, UserID: userID, UpdatedAt: now, Origin: models.OriginRemote}
	p.applyTo(&emp)
	return emp, true, nil
}

// Delete removes an employee and, remotely, every payment that references it.
// Deleting a not-yet-synced employee prunes its pending add, payments and all.
func (s *EmployeeService) Delete(ctx context.Context, id string) (bool, error) {
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
		return false, s.deleteWithPayments(ctx, id)
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

func (s *EmployeeService) deleteWithPayments(ctx context.Context, employeeID string) error {
	payments, err := s.store.Query(ctx, models.CollectionPayments, remote.Filter{"employeeId": employeeID}, nil)
	if err != nil {
		return err
	}

	ops := []remote.Op{{Kind: remote.OpDelete, Collection: models.CollectionEmployees, ID: employeeID}}
	for _, doc := range payments {
		p, err := fromDoc[models.Payment](doc)
		if err != nil {
			continue
		}
		ops = append(ops, remote.Op{Kind: remote.OpDelete, Collection: models.CollectionPayments, ID: p.ID})
	}
	return s.store.BatchApply(ctx, ops)
}

// PaymentInput carries the caller-supplied fields of a new payment.
type PaymentInput struct {
	Amount decimal.Decimal
	Note   string
	PaidAt time.Time
}

func (in PaymentInput) validate() error {
	if !in.Amount.IsPositive() {
		return fmt.Errorf("payment amount must be positive")
	}
	return nil
}

// AddPayment records a payment against an employee and debits the employee
// balance by the same amount. Remotely the two writes are one batch. Payments
// against a not-yet-synced employee fold into its pending add instead of
// queuing separately, so the drain can create everything in order. The bool
// reports whether the change is queued.
func (s *EmployeeService) AddPayment(ctx context.Context, employeeID string, in PaymentInput) (models.Payment, bool, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.Payment{}, false, err
	}
	if err := in.validate(); err != nil {
		return models.Payment{}, false, err
	}

	now := time.Now().UTC()
	payment := models.Payment{
		ID:         uuid.NewString(),
		EmployeeID: employeeID,
		UserID:     userID,
		Amount:     in.Amount,
		Note:       in.Note,
		PaidAt:     in.PaidAt,
		CreatedAt:  now,
	}
	if payment.PaidAt.IsZero() {
		payment.PaidAt = now
	}

	if rec, ok, err := s.queue.FindPendingAdd(ctx, userID, employeeID); err != nil {
		return models.Payment{}, false, err
	} else if ok {
		if _, err := s.queue.UpdateInPlace(ctx, rec.ID, func(r *models.MutationRecord) error {
			var payload employeeAddPayload
			if err := json.Unmarshal(r.Payload, &payload); err != nil {
				return fmt.Errorf("failed to decode pending employee: %w", err)
			}
			payload.PendingPayments = append(payload.PendingPayments, payment)
			payload.Employee.Balance = payload.Employee.Balance.Sub(in.Amount)
			payload.Employee.UpdatedAt = now
			raw, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			r.Payload = raw
			return nil
		}); err != nil {
			return models.Payment{}, false, err
		}
		return payment, true, nil
	}

	if s.monitor.IsOnline(ctx) {
		if err := s.applyPaymentOnline(ctx, payment); err != nil {
			return models.Payment{}, false, err
		}
		return payment, false, nil
	}

	rec, err := models.NewMutationRecord(models.ActionAddPayment, userID, payment)
	if err != nil {
		return models.Payment{}, false, err
	}
	rec.TargetID = employeeID
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return models.Payment{}, false, err
	}
	return payment, true, nil
}

func (s *EmployeeService) applyPaymentOnline(ctx context.Context, payment models.Payment) error {
	empDoc, err := s.store.Get(ctx, models.CollectionEmployees, payment.EmployeeID)
	if err != nil {
		return err
	}
	emp, err := fromDoc[models.Employee](empDoc)
	if err != nil {
		return err
	}

	doc, err := toDoc(payment)
	if err != nil {
		return err
	}
	return s.store.BatchApply(ctx, []remote.Op{
		{Kind: remote.OpCreate, Collection: models.CollectionPayments, ID: payment.ID, Doc: doc},
		{Kind: remote.OpUpdate, Collection: models.CollectionEmployees, ID: payment.EmployeeID, Doc: remote.Doc{
			"balance":   emp.Balance.Sub(payment.Amount),
			"updatedAt": time.Now().UTC(),
		}},
	})
}

// DeletePayment removes a payment and credits the amount back to the
// employee balance. A payment that only exists in the queue is pruned from
// wherever it is pending, with the balance adjustment undone.
func (s *EmployeeService) DeletePayment(ctx context.Context, paymentID string) (bool, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return false, err
	}

	pruned, err := s.prunePendingPayment(ctx, userID, paymentID)
	if err != nil {
		return false, err
	}
	if pruned {
		return false, nil
	}

	if s.monitor.IsOnline(ctx) {
		return false, s.deletePaymentOnline(ctx, paymentID)
	}

	rec, err := models.NewMutationRecord(models.ActionDeletePayment, userID, nil)
	if err != nil {
		return false, err
	}
	rec.TargetID = paymentID
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// prunePendingPayment looks for the payment among queued mutations: either a
// standalone add_payment record, or a payment riding inside a pending
// employee add. Both never reached the backend, so pruning locally is enough.
func (s *EmployeeService) prunePendingPayment(ctx context.Context, userID, paymentID string) (bool, error) {
	pending, err := s.queue.ListPending(ctx, userID)
	if err != nil {
		return false, err
	}

	for _, rec := range pending {
		switch rec.Action {
		case models.ActionAddPayment:
			var p models.Payment
			if err := json.Unmarshal(rec.Payload, &p); err != nil || p.ID != paymentID {
				continue
			}
			return true, s.queue.Remove(ctx, map[string]struct{}{rec.ID: {}})

		case models.ActionAdd:
			var payload employeeAddPayload
			if err := json.Unmarshal(rec.Payload, &payload); err != nil {
				continue
			}
			for i, p := range payload.PendingPayments {
				if p.ID != paymentID {
					continue
				}
				if _, err := s.queue.UpdateInPlace(ctx, rec.ID, func(r *models.MutationRecord) error {
					payload.PendingPayments = append(payload.PendingPayments[:i], payload.PendingPayments[i+1:]...)
					payload.Employee.Balance = payload.Employee.Balance.Add(p.Amount)
					raw, err := json.Marshal(payload)
					if err != nil {
						return err
					}
					r.Payload = raw
					return nil
				}); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *EmployeeService) deletePaymentOnline(ctx context.Context, paymentID string) error {
	pDoc, err := s.store.Get(ctx, models.CollectionPayments, paymentID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			return nil
		}
		return err
	}
	payment, err := fromDoc[models.Payment](pDoc)
	if err != nil {
		return err
	}

	ops := []remote.Op{{Kind: remote.OpDelete, Collection: models.CollectionPayments, ID: paymentID}}

	empDoc, err := s.store.Get(ctx, models.CollectionEmployees, payment.EmployeeID)
	if err == nil {
		if emp, derr := fromDoc[models.Employee](empDoc); derr == nil {
			ops = append(ops, remote.Op{Kind: remote.OpUpdate, Collection: models.CollectionEmployees, ID: emp.ID, Doc: remote.Doc{
				"balance":   emp.Balance.Add(payment.Amount),
				"updatedAt": time.Now().UTC(),
			}})
		}
	} else if !errors.Is(err, remote.ErrNotFound) {
		return err
	}

	return s.store.BatchApply(ctx, ops)
}

// ListPayments returns payments for one employee, newest first, including
// ones still waiting in the queue.
func (s *EmployeeService) ListPayments(ctx context.Context, employeeID string) ([]models.Payment, models.ListMeta, error) {
	meta := models.ListMeta{}

	userID, err := s.session.ReadUserID(ctx)
	if err != nil {
		return nil, meta, err
	}

	var out []models.Payment
	if s.monitor.IsOnline(ctx) {
		docs, degraded, indexURL, err := remote.QueryWithFallback(ctx, s.store, models.CollectionPayments,
			remote.Filter{"userId": userID, "employeeId": employeeID},
			&remote.Order{Field: "paidAt", Descending: true})
		if err != nil {
			return nil, meta, err
		}
		meta.NeedsIndexCreation = degraded
		meta.IndexURL = indexURL
		for _, doc := range docs {
			p, err := fromDoc[models.Payment](doc)
			if err != nil {
				continue
			}
			out = append(out, p)
		}
	} else {
		meta.IsPartiallyOffline = true
	}

	pending, err := s.queue.ListPending(ctx, userID)
	if err != nil {
		return nil, meta, err
	}
	deleted := make(map[string]struct{})
	for _, rec := range pending {
		if rec.Action == models.ActionDeletePayment && rec.TargetID != "" {
			deleted[rec.TargetID] = struct{}{}
		}
	}
	for _, rec := range pending {
		switch rec.Action {
		case models.ActionAddPayment:
			var p models.Payment
			if err := json.Unmarshal(rec.Payload, &p); err == nil && p.EmployeeID == employeeID {
				out = append(out, p)
			}
		case models.ActionAdd:
			if rec.LocalID != employeeID {
				continue
			}
			var payload employeeAddPayload
			if err := json.Unmarshal(rec.Payload, &payload); err == nil {
				out = append(out, payload.PendingPayments...)
			}
		}
	}

	filtered := out[:0]
	for _, p := range out {
		if _, gone := deleted[p.ID]; !gone {
			filtered = append(filtered, p)
		}
	}
	sortPaymentsByPaidAtDesc(filtered)
	return filtered, meta, nil
}

// SyncOffline drains the employee queue into the remote store.
func (s *EmployeeService) SyncOffline(ctx context.Context) (models.SyncResult, error) {
	userID, err := s.session.WriteUserID(ctx)
	if err != nil {
		return models.SyncResult{}, err
	}
	return s.d.drain(ctx, userID, s.applyRecord)
}

func (s *EmployeeService) applyRecord(ctx context.Context, rec models.MutationRecord) error {
	switch rec.Action {
	case models.ActionAdd:
		var payload employeeAddPayload
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode pending employee: %w", err)
		}
		empID := uuid.NewString()
		empDoc, err := toDoc(payload.Employee)
		if err != nil {
			return err
		}
		ops := []remote.Op{{Kind: remote.OpCreate, Collection: models.CollectionEmployees, ID: empID, Doc: empDoc}}
		for _, p := range payload.PendingPayments {
			p.EmployeeID = empID
			pDoc, err := toDoc(p)
			if err != nil {
				return err
			}
			ops = append(ops, remote.Op{Kind: remote.OpCreate, Collection: models.CollectionPayments, ID: p.ID, Doc: pDoc})
		}
		return s.store.BatchApply(ctx, ops)

	case models.ActionUpdate:
		var patch remote.Doc
		if err := json.Unmarshal(rec.Payload, &patch); err != nil {
			return fmt.Errorf("failed to decode pending patch: %w", err)
		}
		return s.store.Update(ctx, models.CollectionEmployees, rec.TargetID, patch)

	case models.ActionDelete:
		return s.deleteWithPayments(ctx, rec.TargetID)

	case models.ActionAddPayment:
		var p models.Payment
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode pending payment: %w", err)
		}
		return s.applyPaymentOnline(ctx, p)

	case models.ActionDeletePayment:
		return s.deletePaymentOnline(ctx, rec.TargetID)

	default:
		return fmt.Errorf("unsupported employee action %q", rec.Action)
	}
}

// Quarantined lists mutations parked after repeated or permanent failures.
func (s *EmployeeService) Quarantined(ctx context.Context) ([]models.QuarantinedRecord, error) {
	userID, err := s.session.OwnerUserID()
	if err != nil {
		return nil, err
	}
	return s.queue.ListQuarantined(ctx, userID)
}

// PendingCount reports the queue backlog for gauges and UI badges.
func (s *EmployeeService) PendingCount(ctx context.Context) (int, error) {
	return s.queue.Size(ctx)
}

func sortPaymentsByPaidAtDesc(payments []models.Payment) {
	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].PaidAt.After(payments[j].PaidAt)
	})
}
