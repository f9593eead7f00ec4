package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PendingAction identifies what a queued mutation does when it is drained
// against the remote store.
type PendingAction string

const (
	ActionAdd           PendingAction = "add"
	ActionUpdate        PendingAction = "update"
	ActionDelete        PendingAction = "delete"
	ActionAddPayment    PendingAction = "add_payment"
	ActionDeletePayment PendingAction = "delete_payment"
)

// Valid reports whether the action is one the sync engine knows how to apply.
func (a PendingAction) Valid() bool {
	switch a {
	case ActionAdd, ActionUpdate, ActionDelete, ActionAddPayment, ActionDeletePayment:
		return true
	}
	return false
}

// MutationRecord is the unit of the local durable queue: a single write intent
// captured while the remote store was unreachable.
//
// Provenance is explicit rather than encoded in id prefixes: a pending add
// carries LocalID (the synthetic id handed to the UI), while operations on an
// already-persisted entity carry TargetID (the remote document id). A record
// id is never reused; once drained or discarded it is gone for good.
type MutationRecord struct {
	ID       string          `json:"id"`
	Action   PendingAction   `json:"action"`
	UserID   string          `json:"userId"`
	LocalID  string          `json:"localId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Attempts int             `json:"attempts"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewMutationRecord builds a record with a fresh id and timestamps.
func NewMutationRecord(action PendingAction, userID string, payload any) (MutationRecord, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return MutationRecord{}, err
	}
	now := time.Now().UTC()
	return MutationRecord{
		ID:        uuid.NewString(),
		Action:    action,
		UserID:    userID,
		Payload:   raw,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// QuarantinedRecord is a mutation that exhausted its sync attempts and was
// pulled out of the drain path. It needs manual resolution by the user.
type QuarantinedRecord struct {
	Record        MutationRecord `json:"record"`
	Reason        string         `json:"reason"`
	QuarantinedAt time.Time      `json:"quarantinedAt"`
}
