package packet

import (
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/serialize"
)

const (
	MaxEntriesPerPacket = 256
	MaxSnapshotSize     = 16 * 1024
	MaxDeltaSize        = 8 * 1024
	MaxAcksPerPacket    = 256
)

// ControlOpcode selects what an EntityControl entry does on the receiver.
type ControlOpcode uint8

const (
	OpInvalid ControlOpcode = iota
	// OpCreate creates a proxy with the carried role and full snapshot.
	OpCreate
	// OpRemove removes the entity from the receiver's replication.
	OpRemove
	// OpRoleChange commits a role transition after a migration.
	OpRoleChange
	// OpRelinquish asks the current holder for its final snapshot.
	OpRelinquish
	// OpPromote hands the final snapshot to the migration target.
	OpPromote
	// OpCancel rolls a pending migration back to the carried role.
	OpCancel

	opcodeCount
)

func (op ControlOpcode) Valid() bool {
	return op > OpInvalid && op < opcodeCount
}

func (op ControlOpcode) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	case OpRoleChange:
		return "role_change"
	case OpRelinquish:
		return "relinquish"
	case OpPromote:
		return "promote"
	case OpCancel:
		return "cancel"
	default:
		return "invalid"
	}
}

// ControlEntry is [id][opcode][role][nonce][type if create][optional snapshot].
type ControlEntry struct {
	EntityID nettypes.NetEntityId
	Opcode   ControlOpcode
	Role     nettypes.NetEntityRole
	Nonce    uint32
	// Type names what the receiver instantiates; creates only.
	Type     string
	Checksum uint64
	Snapshot []byte
}

func (e *ControlEntry) Serialize(s serialize.Serializer) bool {
	id := uint64(e.EntityID)
	op := uint8(e.Opcode)
	role := uint8(e.Role)
	s.VarUint(&id)
	s.Uint8(&op)
	s.Uint8(&role)
	s.Uint32(&e.Nonce)

	e.EntityID = nettypes.NetEntityId(id)
	e.Opcode = ControlOpcode(op)
	e.Role = nettypes.NetEntityRole(role)
	if !s.IsValid() {
		return false
	}
	if e.EntityID == nettypes.InvalidNetEntityId || !e.Opcode.Valid() || !e.Role.Valid() {
		s.Invalidate()
		return false
	}

	if e.Opcode == OpCreate {
		if !s.String(&e.Type, nettypes.MaxTypeNameLength) {
			return false
		}
	} else {
		e.Type = ""
	}

	hasSnapshot := len(e.Snapshot) > 0
	if !s.Bool(&hasSnapshot) {
		return false
	}
	if hasSnapshot {
		s.Uint64(&e.Checksum)
		return s.Bytes(&e.Snapshot, MaxSnapshotSize)
	}
	e.Checksum = 0
	e.Snapshot = nil
	return true
}

// EntityControl batches control entries for one connection. Entries are
// applied in order.
type EntityControl struct {
	Entries []ControlEntry
}

func (p *EntityControl) GetPacketType() Type { return TypeEntityControl }

func (p *EntityControl) Clone() Packet {
	c := &EntityControl{Entries: make([]ControlEntry, len(p.Entries))}
	for i, e := range p.Entries {
		e.Snapshot = cloneBytes(e.Snapshot)
		c.Entries[i] = e
	}
	return c
}

func (p *EntityControl) Serialize(s serialize.Serializer) bool {
	n := len(p.Entries)
	if !serialize.Count(s, &n, MaxEntriesPerPacket) {
		return false
	}
	if s.Mode() == serialize.ModeRead {
		p.Entries = make([]ControlEntry, n)
	}
	for i := range p.Entries {
		if !p.Entries[i].Serialize(s) {
			return false
		}
	}
	return s.IsValid()
}

// UpdateEntry carries one entity delta: the dirty-field bitmask followed by
// the field values. The blob is decoded against the entity's field set.
type UpdateEntry struct {
	EntityID nettypes.NetEntityId
	Delta    []byte
}

// EntityUpdates is a sequenced batch of entity deltas.
type EntityUpdates struct {
	Sequence uint32
	Entries  []UpdateEntry
}

func (p *EntityUpdates) GetPacketType() Type { return TypeEntityUpdates }

func (p *EntityUpdates) Clone() Packet {
	c := &EntityUpdates{Sequence: p.Sequence, Entries: make([]UpdateEntry, len(p.Entries))}
	for i, e := range p.Entries {
		c.Entries[i] = UpdateEntry{EntityID: e.EntityID, Delta: cloneBytes(e.Delta)}
	}
	return c
}

func (p *EntityUpdates) Serialize(s serialize.Serializer) bool {
	s.Uint32(&p.Sequence)
	n := len(p.Entries)
	if !serialize.Count(s, &n, MaxEntriesPerPacket) {
		return false
	}
	if s.Mode() == serialize.ModeRead {
		p.Entries = make([]UpdateEntry, n)
	}
	for i := range p.Entries {
		e := &p.Entries[i]
		id := uint64(e.EntityID)
		s.VarUint(&id)
		e.EntityID = nettypes.NetEntityId(id)
		if !s.Bytes(&e.Delta, MaxDeltaSize) {
			return false
		}
		if e.EntityID == nettypes.InvalidNetEntityId || len(e.Delta) == 0 {
			s.Invalidate()
			return false
		}
	}
	return s.IsValid()
}

// EntryOverhead returns the bytes an entry adds to an EntityUpdates payload
// besides the delta itself, worst case.
func EntryOverhead() int {
	return 10 + 5
}

// EntityAck acknowledges received EntityUpdates sequences.
type EntityAck struct {
	Sequences []uint32
}

func (p *EntityAck) GetPacketType() Type { return TypeEntityAck }

func (p *EntityAck) Clone() Packet {
	return &EntityAck{Sequences: append([]uint32(nil), p.Sequences...)}
}

func (p *EntityAck) Serialize(s serialize.Serializer) bool {
	n := len(p.Sequences)
	if !serialize.Count(s, &n, MaxAcksPerPacket) {
		return false
	}
	if s.Mode() == serialize.ModeRead {
		p.Sequences = make([]uint32, n)
	}
	for i := range p.Sequences {
		s.Uint32(&p.Sequences[i])
	}
	return s.IsValid()
}

// EntityResets asks the peer to resend create snapshots for entities the
// receiver does not know.
type EntityResets struct {
	EntityIDs []nettypes.NetEntityId
}

func (p *EntityResets) GetPacketType() Type { return TypeEntityResets }

func (p *EntityResets) Clone() Packet {
	return &EntityResets{EntityIDs: append([]nettypes.NetEntityId(nil), p.EntityIDs...)}
}

func (p *EntityResets) Serialize(s serialize.Serializer) bool {
	n := len(p.EntityIDs)
	if !serialize.Count(s, &n, MaxEntriesPerPacket) {
		return false
	}
	if s.Mode() == serialize.ModeRead {
		p.EntityIDs = make([]nettypes.NetEntityId, n)
	}
	for i := range p.EntityIDs {
		id := uint64(p.EntityIDs[i])
		s.VarUint(&id)
		p.EntityIDs[i] = nettypes.NetEntityId(id)
	}
	return s.IsValid()
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
