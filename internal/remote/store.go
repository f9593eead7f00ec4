// Package remote adapts domain operations onto a remote document store:
// single-document CRUD, filtered/ordered queries, and atomic batch writes.
// Two implementations exist, Postgres (JSONB documents) and SurrealDB.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pocketledger/pocketledger/pkg/metrics"
)

// Doc is a schemaless document as stored in the backend.
type Doc map[string]any

// Filter is an equality match on top-level document fields.
type Filter map[string]any

// Order is the server-side ordering clause for a query.
type Order struct {
	Field      string
	Descending bool
}

// OpKind enumerates the operations a batch may carry.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one element of an atomic batch. Creates inside a batch carry a
// pre-generated id so the caller can reference the document before commit.
type Op struct {
	Kind       OpKind
	Collection string
	ID         string
	Doc        Doc
}

// Store is the contract every remote backend implements.
//
// BatchApply must be all-or-nothing: a drained multi-document mutation
// (payment + balance, archive + delete) must never be half-visible.
type Store interface {
	Create(ctx context.Context, collection string, doc Doc) (string, error)
	Get(ctx context.Context, collection, id string) (Doc, error)
	Update(ctx context.Context, collection, id string, patch Doc) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filter Filter, order *Order) ([]Doc, error)
	BatchApply(ctx context.Context, ops []Op) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrNotFound signals the target document does not exist. The sync engine
// treats it as permanent: retrying cannot succeed.
var ErrNotFound = errors.New("document not found")

// WriteError wraps network or permission failures during a write.
type WriteError struct {
	Collection string
	Op         OpKind
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("remote %s on %s failed: %v", e.Op, e.Collection, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ReadError wraps network or permission failures during a query.
type ReadError struct {
	Collection string
	Err        error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("remote read on %s failed: %v", e.Collection, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// IndexRequiredError is the backend-specific condition where an ordered query
// is rejected because a composite index has not been provisioned. IndexURL,
// when the backend provides one, is an actionable creation link.
type IndexRequiredError struct {
	Collection string
	IndexURL   string
	Err        error
}

func (e *IndexRequiredError) Error() string {
	return fmt.Sprintf("ordered query on %s requires a missing index: %v", e.Collection, e.Err)
}

func (e *IndexRequiredError) Unwrap() error { return e.Err }

// QueryWithFallback runs the ordered query, and on IndexRequiredError
// automatically re-runs it without the ordering clause and sorts client-side
// by the same key. The degraded flag tells the caller ordering happened here,
// not on the server; indexURL carries the provisioning link when known.
func QueryWithFallback(ctx context.Context, s Store, collection string, filter Filter, order *Order) (docs []Doc, degraded bool, indexURL string, err error) {
	docs, err = s.Query(ctx, collection, filter, order)
	if err == nil || order == nil {
		return docs, false, "", err
	}

	var idxErr *IndexRequiredError
	if !errors.As(err, &idxErr) {
		return nil, false, "", err
	}

	docs, err = s.Query(ctx, collection, filter, nil)
	if err != nil {
		return nil, false, "", err
	}

	SortDocs(docs, order)
	metrics.IndexFallbacks.WithLabelValues(collection).Inc()
	return docs, true, idxErr.IndexURL, nil
}

// SortDocs sorts documents client-side by the order field, matching what the
// server-side clause would have produced. The sort is stable so documents
// with equal keys keep their backend order.
func SortDocs(docs []Doc, order *Order) {
	if order == nil {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		less := compareValues(docs[i][order.Field], docs[j][order.Field]) < 0
		if order.Descending {
			return !less && compareValues(docs[i][order.Field], docs[j][order.Field]) != 0
		}
		return less
	})
}

// compareValues orders the JSON scalar types we sort on. Timestamps are
// RFC 3339 strings, which order lexicographically.
func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprint(a)
	bs := fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
