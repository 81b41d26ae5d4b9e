// Package packet defines the typed envelopes exchanged between hosts. Packets
// carry ids and opaque state blobs only; they own no entity knowledge.
package packet

import (
	"fmt"
	"sync"

	"github.com/zeusync/netreplica/internal/core/serialize"
)

// Type is the numeric packet discriminator written in every frame header.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeConnect
	TypeAccept
	TypeDisconnect
	TypeHeartbeat
	TypeReadyForEntityUpdates
	TypeEntityControl
	TypeEntityUpdates
	TypeEntityAck
	TypeEntityResets
	TypeMigrationRelease
	TypeMigrationAck
)

func (t Type) String() string {
	switch t {
	case TypeConnect:
		return "connect"
	case TypeAccept:
		return "accept"
	case TypeDisconnect:
		return "disconnect"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeReadyForEntityUpdates:
		return "ready_for_entity_updates"
	case TypeEntityControl:
		return "entity_control"
	case TypeEntityUpdates:
		return "entity_updates"
	case TypeEntityAck:
		return "entity_ack"
	case TypeEntityResets:
		return "entity_resets"
	case TypeMigrationRelease:
		return "migration_release"
	case TypeMigrationAck:
		return "migration_ack"
	default:
		return fmt.Sprintf("packet(%d)", uint16(t))
	}
}

// Reliable reports whether packets of type t must travel on the ordered
// reliable channel. Entity updates, acks and heartbeats tolerate loss.
func Reliable(t Type) bool {
	switch t {
	case TypeEntityUpdates, TypeEntityAck, TypeHeartbeat:
		return false
	default:
		return true
	}
}

// Packet is a typed message. Serialize is used for both directions.
type Packet interface {
	GetPacketType() Type
	Clone() Packet
	Serialize(s serialize.Serializer) bool
}

// Factory builds an empty packet ready to be read into.
type Factory func() Packet

// Registry maps packet types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewRegistry returns a registry with every built-in packet registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Type]Factory)}
	builtin := []Factory{
		func() Packet { return &Connect{} },
		func() Packet { return &Accept{} },
		func() Packet { return &Disconnect{} },
		func() Packet { return &Heartbeat{} },
		func() Packet { return &ReadyForEntityUpdates{} },
		func() Packet { return &EntityControl{} },
		func() Packet { return &EntityUpdates{} },
		func() Packet { return &EntityAck{} },
		func() Packet { return &EntityResets{} },
		func() Packet { return &MigrationRelease{} },
		func() Packet { return &MigrationAck{} },
	}
	for _, f := range builtin {
		r.factories[f().GetPacketType()] = f
	}
	return r
}

// Register adds a packet type. Registering a type twice is an error.
func (r *Registry) Register(t Type, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[t]; exists {
		return ErrAlreadyRegistered
	}
	r.factories[t] = f
	return nil
}

// New returns an empty packet of type t.
func (r *Registry) New(t Type) (Packet, bool) {
	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}
