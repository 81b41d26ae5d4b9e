// Package window computes, per connection, which entities are replicated,
// under which role and at which priority.
package window

import (
	"slices"

	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// EntityReplicationData is what a window decides for one entity.
type EntityReplicationData struct {
	Role     nettypes.NetEntityRole
	Priority float64
}

// ReplicationSet maps every entity in the window to its data.
type ReplicationSet map[netentity.Handle]EntityReplicationData

// SetEntry is one element of an ordered replication set.
type SetEntry struct {
	Handle netentity.Handle
	EntityReplicationData
}

// Before orders by descending priority, then ascending id.
func Before(a, b SetEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Handle.ID < b.Handle.ID
}

// Compare is Before as a three-way comparison for slices.SortFunc.
func Compare(a, b SetEntry) int {
	switch {
	case Before(a, b):
		return -1
	case Before(b, a):
		return 1
	default:
		return 0
	}
}

// Ordered returns the set sorted for consumption.
func (s ReplicationSet) Ordered() []SetEntry {
	out := make([]SetEntry, 0, len(s))
	for h, d := range s {
		out = append(out, SetEntry{Handle: h, EntityReplicationData: d})
	}
	slices.SortFunc(out, Compare)
	return out
}

// ReplicationWindow is the per connection replication policy.
type ReplicationWindow interface {
	// ReplicationSetUpdateReady is polled once per tick and gates
	// UpdateWindow. Returning true more often than needed is always safe.
	ReplicationSetUpdateReady() bool
	// UpdateWindow recomputes the replication set.
	UpdateWindow()
	GetReplicationSet() ReplicationSet
	GetMaxEntityReplicatorCount() int
	GetMaxEntityReplicatorSendCount() int
	IsInWindow(h netentity.Handle) (bool, nettypes.NetEntityRole)
}
