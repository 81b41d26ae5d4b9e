package replication

import (
	"fmt"
	"strings"
)

// Mode is the direction a manager replicates in.
type Mode uint8

const (
	// ServerToClient creates proxies on the peer and streams deltas of every
	// entity in the window the peer does not hold authority over.
	ServerToClient Mode = iota
	// ClientToServer streams deltas of locally held entities only. The peer
	// owns entity lifetime.
	ClientToServer
)

func (m Mode) String() string {
	if m == ClientToServer {
		return "client_to_server"
	}
	return "server_to_client"
}

// MalformedPolicy is the reaction to an inbound packet that fails to decode
// or apply.
type MalformedPolicy string

const (
	PolicyDrop       MalformedPolicy = "drop"
	PolicyDisconnect MalformedPolicy = "disconnect"
)

func (p *MalformedPolicy) UnmarshalText(text []byte) error {
	switch v := MalformedPolicy(strings.ToLower(string(text))); v {
	case PolicyDrop, PolicyDisconnect:
		*p = v
		return nil
	default:
		return fmt.Errorf("unknown malformed packet policy %q", text)
	}
}

type Config struct {
	// MaxPendingCreates caps the create-proxy messages emitted per tick.
	MaxPendingCreates int `yaml:"max_pending_creates"`
	// ResendTimeoutTicks is how long an update may stay unacknowledged
	// before its fields are considered dirty again.
	ResendTimeoutTicks uint64 `yaml:"resend_timeout_ticks"`
	// PriorityBoost is added each tick an entity is deferred.
	PriorityBoost float64 `yaml:"priority_boost"`
	// MaxBytesPerTick bounds delta bytes per tick. Zero disables it.
	MaxBytesPerTick int `yaml:"max_bytes_per_tick"`
	// MaxPacketSize is the MTU update packets are packed to.
	MaxPacketSize   int             `yaml:"max_packet_size"`
	MalformedPolicy MalformedPolicy `yaml:"malformed_policy"`
}

func DefaultConfig() Config {
	return Config{
		MaxPendingCreates:  32,
		ResendTimeoutTicks: 30,
		PriorityBoost:      1,
		MaxBytesPerTick:    0,
		MaxPacketSize:      1200,
		MalformedPolicy:    PolicyDrop,
	}
}
