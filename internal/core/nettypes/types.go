// Package nettypes holds the identifiers shared by every replication layer.
package nettypes

import "fmt"

// NetEntityId is the stable identifier of a network entity.
type NetEntityId uint64

// InvalidNetEntityId never names a live entity.
const InvalidNetEntityId NetEntityId = 0

// MaxTypeNameLength bounds entity type names, which travel with every create.
const MaxTypeNameLength = 64

func (id NetEntityId) String() string {
	return fmt.Sprintf("entity:%d", uint64(id))
}

// ConnectionID identifies a connection within one host.
type ConnectionID uint32

// LocalConnectionID stands for this host itself when it holds authority.
const LocalConnectionID ConnectionID = 0

func (id ConnectionID) String() string {
	if id == LocalConnectionID {
		return "local"
	}
	return fmt.Sprintf("conn:%d", uint32(id))
}

// NetEntityRole is the relationship of one side to one entity.
type NetEntityRole uint8

const (
	RoleInvalid NetEntityRole = iota
	RoleAuthority
	RoleAutonomous
	RoleSimulated

	roleCount
)

// Valid reports whether r is a known role value.
func (r NetEntityRole) Valid() bool {
	return r < roleCount
}

func (r NetEntityRole) String() string {
	switch r {
	case RoleInvalid:
		return "invalid"
	case RoleAuthority:
		return "authority"
	case RoleAutonomous:
		return "autonomous"
	case RoleSimulated:
		return "simulated"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// SequenceNewer reports whether a is newer than b using serial number
// arithmetic, so the comparison survives wraparound.
func SequenceNewer(a, b uint32) bool {
	return int32(a-b) > 0
}
