// Package config loads the YAML configuration shared by the binaries.
package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/netreplica/internal/core/multiplayer"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/transport"
	"github.com/zeusync/netreplica/internal/server"
)

var ErrInvalid = errors.New("invalid configuration")

// minPacketSize leaves room for a header and at least one small delta.
const minPacketSize = 64

type Config struct {
	Log     log.Config         `yaml:"log"`
	Server  server.Config      `yaml:"server"`
	Client  ClientConfig       `yaml:"client"`
	Network multiplayer.Config `yaml:"network"`
}

// ClientConfig tells cmd/client where to connect.
type ClientConfig struct {
	// Transport is "quic" or "websocket".
	Transport    string `yaml:"transport"`
	QUICAddr     string `yaml:"quic_addr"`
	WebSocketURL string `yaml:"websocket_url"`
	// InsecureSkipVerify accepts self-signed server certificates.
	InsecureSkipVerify bool                      `yaml:"insecure_skip_verify"`
	QUIC               transport.QUICConfig      `yaml:"quic"`
	WebSocket          transport.WebSocketConfig `yaml:"websocket"`
}

// Default returns a configuration that runs a local server and client
// without any file.
func Default() Config {
	return Config{
		Log:    log.DefaultConfig(),
		Server: server.DefaultConfig(),
		Client: ClientConfig{
			Transport:          string(transport.KindQUIC),
			QUICAddr:           "127.0.0.1:7777",
			WebSocketURL:       "ws://127.0.0.1:7778/replicate",
			InsecureSkipVerify: true,
			QUIC:               transport.DefaultQUICConfig(),
			WebSocket:          transport.DefaultWebSocketConfig(),
		},
		Network: multiplayer.DefaultConfig(),
	}
}

// Load reads path over the defaults. Unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Log.Encoding {
	case "json", "console":
	default:
		return errors.Wrapf(ErrInvalid, "log.encoding must be json or console, got %q", c.Log.Encoding)
	}
	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "server")
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	return c.validateNetwork()
}

func (c *Config) validateClient() error {
	switch transport.Kind(c.Client.Transport) {
	case transport.KindQUIC:
		if c.Client.QUICAddr == "" {
			return errors.Wrap(ErrInvalid, "client.quic_addr must be set")
		}
	case transport.KindWebSocket:
		if c.Client.WebSocketURL == "" {
			return errors.Wrap(ErrInvalid, "client.websocket_url must be set")
		}
	default:
		return errors.Wrapf(ErrInvalid, "client.transport must be quic or websocket, got %q", c.Client.Transport)
	}
	return nil
}

func (c *Config) validateNetwork() error {
	n := c.Network
	switch {
	case n.TickRate <= 0:
		return errors.Wrap(ErrInvalid, "network.tick_rate must be positive")
	case n.MaxConnections < 0:
		return errors.Wrap(ErrInvalid, "network.max_connections cannot be negative")
	case n.Connection.InboundQueueSize <= 0 || n.Connection.OutboundQueueSize <= 0:
		return errors.Wrap(ErrInvalid, "network.connection queue sizes must be positive")
	case n.Connection.MaxFrameSize < n.Replication.MaxPacketSize:
		return errors.Wrap(ErrInvalid, "network.connection.max_frame_size must not be below network.replication.max_packet_size")
	case n.Replication.MaxPacketSize < minPacketSize:
		return errors.Wrapf(ErrInvalid, "network.replication.max_packet_size must be at least %d", minPacketSize)
	case n.Replication.MaxPendingCreates <= 0:
		return errors.Wrap(ErrInvalid, "network.replication.max_pending_creates must be positive")
	case n.Replication.MaxBytesPerTick < 0:
		return errors.Wrap(ErrInvalid, "network.replication.max_bytes_per_tick cannot be negative")
	case n.Replication.PriorityBoost < 0:
		return errors.Wrap(ErrInvalid, "network.replication.priority_boost cannot be negative")
	case n.Window.MaxEntityReplicatorCount <= 0 || n.Window.MaxEntityReplicatorSendCount <= 0:
		return errors.Wrap(ErrInvalid, "network.window replicator counts must be positive")
	case n.Window.MaxEntityReplicatorSendCount > n.Window.MaxEntityReplicatorCount:
		return errors.Wrap(ErrInvalid, "network.window.max_entity_replicator_send_count exceeds max_entity_replicator_count")
	case n.Domain.Radius < 0 || n.Domain.Hysteresis < 0:
		return errors.Wrap(ErrInvalid, "network.domain radius and hysteresis cannot be negative")
	}
	return nil
}
