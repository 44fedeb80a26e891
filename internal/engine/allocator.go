package engine

import (
	"context"
	"fmt"

	"automation-engine/internal/store"
)

// Allocator hands out pool members round-robin. The rotation cursor is
// durable (one per pool, not per entity) and advanced with a
// conditional write so concurrent allocations for the same pool cannot
// double-assign a slot.
//
// Weight orders the rotation (descending, user_id ascending on ties);
// it is not a selection probability.
type Allocator struct {
	Repo *store.Repo
}

const allocatorMaxAttempts = 5

// NextAssignee returns the next member of the pool and persists the
// advanced cursor. Returns "" when the pool has no active members.
func (a *Allocator) NextAssignee(ctx context.Context, poolName string) (string, error) {
	members, err := a.Repo.ListActivePoolMembers(ctx, poolName)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", nil
	}

	for attempt := 0; attempt < allocatorMaxAttempts; attempt++ {
		cursor, err := a.Repo.GetPoolCursor(ctx, poolName)
		if err != nil {
			return "", err
		}
		prev := ""
		if cursor != nil {
			prev = cursor.LastUserID
		}

		next := nextAfter(members, prev)
		won, err := a.Repo.AdvancePoolCursor(ctx, poolName, prev, next)
		if err != nil {
			return "", err
		}
		if won {
			return next, nil
		}
		// Lost the cursor race; re-read and try the following slot.
	}
	return "", fmt.Errorf("pool %s: cursor contention", poolName)
}

// nextAfter picks the member following prev in rotation order. No
// cursor, an unknown cursor member, or the last member all wrap to
// index 0.
func nextAfter(members []store.AssignmentPoolMember, prev string) string {
	if prev == "" {
		return members[0].UserID
	}
	for i, m := range members {
		if m.UserID == prev {
			if i+1 < len(members) {
				return members[i+1].UserID
			}
			return members[0].UserID
		}
	}
	return members[0].UserID
}
