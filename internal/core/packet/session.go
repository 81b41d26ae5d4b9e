package packet

import (
	"github.com/google/uuid"

	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/serialize"
)

// ProtocolVersion is bumped on any incompatible packet change.
const ProtocolVersion uint16 = 1

const maxNameLen = 64
const maxReasonLen = 256

// Connect opens the handshake from the client.
type Connect struct {
	ProtocolVersion uint16
	Name            string
}

func (p *Connect) GetPacketType() Type { return TypeConnect }

func (p *Connect) Clone() Packet {
	c := *p
	return &c
}

func (p *Connect) Serialize(s serialize.Serializer) bool {
	s.Uint16(&p.ProtocolVersion)
	return s.String(&p.Name, maxNameLen)
}

// Accept completes the handshake and tells the client who it is.
type Accept struct {
	HostID       uuid.UUID
	ConnectionID nettypes.ConnectionID
	TickRate     uint16
}

func (p *Accept) GetPacketType() Type { return TypeAccept }

func (p *Accept) Clone() Packet {
	c := *p
	return &c
}

func (p *Accept) Serialize(s serialize.Serializer) bool {
	host := p.HostID[:]
	if !s.Bytes(&host, len(uuid.UUID{})) {
		return false
	}
	if s.Mode() == serialize.ModeRead {
		id, err := uuid.FromBytes(host)
		if err != nil {
			s.Invalidate()
			return false
		}
		p.HostID = id
	}

	conn := uint32(p.ConnectionID)
	s.Uint32(&conn)
	p.ConnectionID = nettypes.ConnectionID(conn)
	return s.Uint16(&p.TickRate)
}

// Disconnect announces a graceful close.
type Disconnect struct {
	Reason string
}

func (p *Disconnect) GetPacketType() Type { return TypeDisconnect }

func (p *Disconnect) Clone() Packet {
	c := *p
	return &c
}

func (p *Disconnect) Serialize(s serialize.Serializer) bool {
	return s.String(&p.Reason, maxReasonLen)
}

// Heartbeat keeps an idle connection alive.
type Heartbeat struct {
	Tick uint64
}

func (p *Heartbeat) GetPacketType() Type { return TypeHeartbeat }

func (p *Heartbeat) Clone() Packet {
	c := *p
	return &c
}

func (p *Heartbeat) Serialize(s serialize.Serializer) bool {
	return s.VarUint(&p.Tick)
}

// ReadyForEntityUpdates toggles the sender side CanSendUpdates gate, e.g.
// false while the client loads a level.
type ReadyForEntityUpdates struct {
	Ready bool
}

func (p *ReadyForEntityUpdates) GetPacketType() Type { return TypeReadyForEntityUpdates }

func (p *ReadyForEntityUpdates) Clone() Packet {
	c := *p
	return &c
}

func (p *ReadyForEntityUpdates) Serialize(s serialize.Serializer) bool {
	return s.Bool(&p.Ready)
}
