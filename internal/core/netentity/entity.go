package netentity

import (
	"fmt"

	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// Handle is a weak reference to an entity. It resolves only while the
// registry slot still carries the same generation.
type Handle struct {
	ID         nettypes.NetEntityId
	Generation uint32
}

// InvalidHandle never resolves.
var InvalidHandle = Handle{}

func (h Handle) IsValid() bool {
	return h.ID != nettypes.InvalidNetEntityId && h.Generation != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", uint64(h.ID), h.Generation)
}

// Spec describes an entity to create.
type Spec struct {
	Type           string
	Fields         []FieldKind
	Position       Vec3
	AlwaysRelevant bool
	Priority       float64
	// Authority is the connection simulating the entity. The zero value keeps
	// authority on this host.
	Authority nettypes.ConnectionID
	// Controller is the connection driving the entity autonomously, if any.
	Controller nettypes.ConnectionID
	// Role is this host's role for proxies of remotely held entities. It is
	// ignored when Authority is local.
	Role nettypes.NetEntityRole
}

// Entity is the registry owned record of one network entity. It is only
// mutated from the tick goroutine.
type Entity struct {
	handle         Handle
	typeName       string
	fields         *FieldSet
	authority      nettypes.ConnectionID
	controller     nettypes.ConnectionID
	localRole      nettypes.NetEntityRole
	alwaysRelevant bool
	priority       float64
	removing       bool

	lastSequence    uint32
	hasLastSequence bool
}

func (e *Entity) Handle() Handle                    { return e.handle }
func (e *Entity) ID() nettypes.NetEntityId          { return e.handle.ID }
func (e *Entity) Type() string                      { return e.typeName }
func (e *Entity) Fields() *FieldSet                 { return e.fields }
func (e *Entity) AlwaysRelevant() bool              { return e.alwaysRelevant }
func (e *Entity) Priority() float64                 { return e.priority }
func (e *Entity) MarkedForRemoval() bool            { return e.removing }
func (e *Entity) Controller() nettypes.ConnectionID { return e.controller }

// Authority returns the connection holding authority, or LocalConnectionID
// when this host does.
func (e *Entity) Authority() nettypes.ConnectionID { return e.authority }

// LocalRole is the role this host has over the entity.
func (e *Entity) LocalRole() nettypes.NetEntityRole { return e.localRole }

func (e *Entity) SetAlwaysRelevant(v bool) { e.alwaysRelevant = v }
func (e *Entity) SetPriority(p float64)    { e.priority = p }

// Position reads the transform field.
func (e *Entity) Position() Vec3 {
	return e.fields.Vec3(TransformField)
}

// SetPosition writes the transform field.
func (e *Entity) SetPosition(p Vec3) {
	_ = e.fields.SetVec3(TransformField, p)
}

// AcceptSequence records an inbound update sequence and reports whether it is
// newer than the last one applied to this entity.
func (e *Entity) AcceptSequence(seq uint32) bool {
	if e.hasLastSequence && !nettypes.SequenceNewer(seq, e.lastSequence) {
		return false
	}
	e.lastSequence = seq
	e.hasLastSequence = true
	return true
}

// ResetSequence forgets the inbound sequence, e.g. after a new snapshot.
func (e *Entity) ResetSequence() {
	e.hasLastSequence = false
}
