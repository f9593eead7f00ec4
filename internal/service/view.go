package service

import (
	"sort"

	"github.com/pocketledger/pocketledger/internal/models"
)

// mergeView builds the single list a screen renders: remote entities plus the
// queue's pending adds, minus anything slated for deletion.
//
// Entities with a pending delete are stripped from the remote set before the
// merge so nothing appears both as existing and as about-to-be-deleted. The
// combined set is sorted by creation instant descending with a stable sort,
// so equal instants keep their incoming order. Caller-supplied filters run
// after this merge, never before, so pending entities are filtered exactly
// like remote ones.
func mergeView[T models.Entity](remoteEntities []T, pending []models.MutationRecord, decodeAdd func(models.MutationRecord) (T, bool)) []T {
	deleted := make(map[string]struct{})
	for _, rec := range pending {
		if rec.Action == models.ActionDelete && rec.TargetID != "" {
			deleted[rec.TargetID] = struct{}{}
		}
	}

	merged := make([]T, 0, len(remoteEntities)+len(pending))
	for _, e := range remoteEntities {
		if _, gone := deleted[e.EntityID()]; gone {
			continue
		}
		merged = append(merged, e)
	}

	for _, rec := range pending {
		if rec.Action != models.ActionAdd {
			continue
		}
		if e, ok := decodeAdd(rec); ok {
			merged = append(merged, e)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedInstant().After(merged[j].CreatedInstant())
	})
	return merged
}
