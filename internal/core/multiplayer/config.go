package multiplayer

import (
	"time"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/domain"
	"github.com/zeusync/netreplica/internal/core/replication"
	"github.com/zeusync/netreplica/internal/core/window"
)

// Config gathers everything a Network needs. Sub configs keep their own
// package defaults.
type Config struct {
	Name                  string `yaml:"name"`
	TickRate              int    `yaml:"tick_rate"`
	MaxConnections        int    `yaml:"max_connections"`
	AcceptQueueSize       int    `yaml:"accept_queue_size"`
	MigrationTimeoutTicks uint64 `yaml:"migration_timeout_ticks"`

	Connection  connection.Config  `yaml:"connection"`
	Replication replication.Config `yaml:"replication"`
	Window      window.Config      `yaml:"window"`
	Domain      domain.Config      `yaml:"domain"`
}

func DefaultConfig() Config {
	return Config{
		Name:                  "netreplica",
		TickRate:              30,
		MaxConnections:        256,
		AcceptQueueSize:       64,
		MigrationTimeoutTicks: 90,
		Connection:            connection.DefaultConfig(),
		Replication:           replication.DefaultConfig(),
		Window:                window.DefaultConfig(),
		Domain:                domain.DefaultConfig(),
	}
}

// TickInterval is the wall time between ticks.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / 30
	}
	return time.Second / time.Duration(c.TickRate)
}
