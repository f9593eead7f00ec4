package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Origin tells where an entity currently lives. Local entities exist only in
// the pending queue and migrate to remote exactly once, when a drain succeeds.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginLocal  Origin = "local"
)

// Collection names in the remote document store.
const (
	CollectionTransactions = "transactions"
	CollectionEmployees    = "employees"
	CollectionPayments     = "payments"
	CollectionProfiles     = "profiles"
	CollectionArchives     = "archives"
)

// TransactionType is either money out or money in.
type TransactionType string

const (
	TypeExpense TransactionType = "expense"
	TypeRevenue TransactionType = "revenue"
)

// Transaction is a single expense or revenue entry.
type Transaction struct {
	ID       string          `json:"id"`
	UserID   string          `json:"userId"`
	Type     TransactionType `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Category string          `json:"category,omitempty"`
	Note     string          `json:"note,omitempty"`
	Date     time.Time       `json:"date"`
	Archived bool            `json:"archived,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Origin    Origin    `json:"origin"`
}

func (t Transaction) EntityID() string          { return t.ID }
func (t Transaction) CreatedInstant() time.Time { return t.CreatedAt }

// Employee is a tracked worker with a running balance of what is owed.
type Employee struct {
	ID      string          `json:"id"`
	UserID  string          `json:"userId"`
	Name    string          `json:"name"`
	Role    string          `json:"role,omitempty"`
	Salary  decimal.Decimal `json:"salary"`
	Balance decimal.Decimal `json:"balance"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Origin    Origin    `json:"origin"`
}

func (e Employee) EntityID() string          { return e.ID }
func (e Employee) CreatedInstant() time.Time { return e.CreatedAt }

// Payment is money paid out to an employee. Stored in its own collection,
// referencing the employee document.
type Payment struct {
	ID         string          `json:"id"`
	EmployeeID string          `json:"employeeId"`
	UserID     string          `json:"userId"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note,omitempty"`
	PaidAt     time.Time       `json:"paidAt"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Profile is the per-user account profile, cached locally for offline reads.
type Profile struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"displayName"`
	BusinessName string    `json:"businessName,omitempty"`
	Currency     string    `json:"currency"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Entity is the minimal surface the unified view builder needs: identity for
// deduplication and a creation instant for the descending sort.
type Entity interface {
	EntityID() string
	CreatedInstant() time.Time
}
