package packet

import (
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/serialize"
)

// MigrationRelease carries the old authority's final snapshot in reply to
// OpRelinquish.
type MigrationRelease struct {
	EntityID nettypes.NetEntityId
	Nonce    uint32
	Checksum uint64
	Snapshot []byte
}

func (p *MigrationRelease) GetPacketType() Type { return TypeMigrationRelease }

func (p *MigrationRelease) Clone() Packet {
	c := *p
	c.Snapshot = cloneBytes(p.Snapshot)
	return &c
}

func (p *MigrationRelease) Serialize(s serialize.Serializer) bool {
	id := uint64(p.EntityID)
	s.VarUint(&id)
	p.EntityID = nettypes.NetEntityId(id)
	s.Uint32(&p.Nonce)
	s.Uint64(&p.Checksum)
	if !s.Bytes(&p.Snapshot, MaxSnapshotSize) {
		return false
	}
	if p.EntityID == nettypes.InvalidNetEntityId || len(p.Snapshot) == 0 {
		s.Invalidate()
		return false
	}
	return true
}

// MigrationAck confirms the target applied the promoted snapshot.
type MigrationAck struct {
	EntityID nettypes.NetEntityId
	Nonce    uint32
}

func (p *MigrationAck) GetPacketType() Type { return TypeMigrationAck }

func (p *MigrationAck) Clone() Packet {
	c := *p
	return &c
}

func (p *MigrationAck) Serialize(s serialize.Serializer) bool {
	id := uint64(p.EntityID)
	s.VarUint(&id)
	p.EntityID = nettypes.NetEntityId(id)
	if !s.Uint32(&p.Nonce) {
		return false
	}
	if p.EntityID == nettypes.InvalidNetEntityId {
		s.Invalidate()
		return false
	}
	return true
}
