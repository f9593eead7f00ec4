package models

// ListMeta carries the degraded-mode flags a read operation may set.
//
// IsPartiallyOffline means the remote store was unreachable and the result
// contains only locally pending entities. NeedsIndexCreation means the remote
// backend rejected the ordered query and the result was sorted client-side;
// IndexURL, when present, is an actionable provisioning link the UI can show.
type ListMeta struct {
	IsPartiallyOffline bool   `json:"isPartiallyOffline,omitempty"`
	NeedsIndexCreation bool   `json:"needsIndexCreation,omitempty"`
	IndexURL           string `json:"indexUrl,omitempty"`

	// RequestID and Superseded implement the stale-read guard: a response
	// whose Superseded flag is set was overtaken by a newer read on the same
	// service and must not be applied to view state.
	RequestID  uint64 `json:"-"`
	Superseded bool   `json:"-"`
}

// SyncResult reports the outcome of one drain pass so the UI can reconcile
// its cache (drop rows that just migrated from pending to remote).
type SyncResult struct {
	SyncedCount int      `json:"syncedCount"`
	SyncedIDs   []string `json:"syncedIds"`
	Quarantined int      `json:"quarantined,omitempty"`
}
