// Package domain decides which entities matter to a connection and reports
// the tracked ones that stopped mattering.
package domain

import (
	"slices"

	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// EntityDomain is the interest policy of one connection.
type EntityDomain interface {
	// ActivateTracking starts watching entities for domain exit.
	ActivateTracking(handles ...netentity.Handle)
	// StopTracking forgets an entity without reporting it.
	StopTracking(id nettypes.NetEntityId)
	// IsInDomain has no side effects.
	IsInDomain(h netentity.Handle) bool
	// RetrieveEntitiesNotInDomain returns, in ascending order, the tracked
	// entities that left the domain since the last call and stops tracking
	// them. A second call without changes in between returns nothing.
	RetrieveEntitiesNotInDomain() []nettypes.NetEntityId
	// Tracked reports the number of tracked entities.
	Tracked() int
}

type membership func(h netentity.Handle, tracked bool) bool

// tracker holds the tracking state shared by every domain implementation.
type tracker struct {
	tracked map[nettypes.NetEntityId]netentity.Handle
	member  membership
}

func newTracker(member membership) tracker {
	return tracker{
		tracked: make(map[nettypes.NetEntityId]netentity.Handle),
		member:  member,
	}
}

func (t *tracker) ActivateTracking(handles ...netentity.Handle) {
	for _, h := range handles {
		if h.IsValid() {
			t.tracked[h.ID] = h
		}
	}
}

func (t *tracker) StopTracking(id nettypes.NetEntityId) {
	delete(t.tracked, id)
}

func (t *tracker) IsInDomain(h netentity.Handle) bool {
	th, ok := t.tracked[h.ID]
	return t.member(h, ok && th == h)
}

func (t *tracker) RetrieveEntitiesNotInDomain() []nettypes.NetEntityId {
	var out []nettypes.NetEntityId
	for id, h := range t.tracked {
		if !t.member(h, true) {
			out = append(out, id)
			delete(t.tracked, id)
		}
	}
	slices.Sort(out)
	return out
}

func (t *tracker) Tracked() int {
	return len(t.tracked)
}

// FullDomain treats every live entity as relevant.
type FullDomain struct {
	tracker
}

var _ EntityDomain = (*FullDomain)(nil)

func NewFullDomain(registry *netentity.Registry) *FullDomain {
	return &FullDomain{tracker: newTracker(func(h netentity.Handle, _ bool) bool {
		e, ok := registry.Resolve(h)
		return ok && !e.MarkedForRemoval()
	})}
}
