package connection

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrSendQueueFull    = errors.New("send queue is full")
	ErrNotConnected     = errors.New("connection is not connected")
)

// State is the connection lifecycle. Disconnected is terminal.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config sizes the queues between the I/O goroutines and the tick.
// MaxFrameSize is the hard encode limit; packing to the path MTU is done by
// the replication layer.
type Config struct {
	InboundQueueSize  int           `yaml:"inbound_queue_size"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	DrainPerTick      int           `yaml:"drain_per_tick"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func DefaultConfig() Config {
	return Config{
		InboundQueueSize:  1024,
		OutboundQueueSize: 1024,
		MaxFrameSize:      64 * 1024,
		DrainPerTick:      256,
		WriteTimeout:      5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		IdleTimeout:       30 * time.Second,
		HeartbeatInterval: time.Second,
	}
}

// Stats are cumulative counters.
type Stats struct {
	FramesSent      uint64
	FramesReceived  uint64
	BytesSent       uint64
	BytesReceived   uint64
	InboundDropped  uint64
	OutboundDropped uint64
}
