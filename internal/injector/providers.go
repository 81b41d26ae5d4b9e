// Package injector wires the binaries together.
package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/netreplica/internal/config"
	"github.com/zeusync/netreplica/internal/core/multiplayer"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/server"
)

// ConfigPath is the YAML file to load; empty uses the defaults.
type ConfigPath string

var baseSet = wire.NewSet(
	ProvideConfig,
	ProvideLogger,
	wire.Bind(new(log.Log), new(*log.Logger)),
)

var ServerSet = wire.NewSet(
	baseSet,
	ProvideServerNetwork,
	ProvideServer,
)

var ClientSet = wire.NewSet(
	baseSet,
	ProvideClientNetwork,
	wire.Struct(new(Client), "*"),
)

// Client bundles what cmd/client needs.
type Client struct {
	Config  *config.Config
	Network *multiplayer.Network
	Logger  log.Log
}

func ProvideConfig(path ConfigPath) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.Load(string(path))
}

func ProvideLogger(cfg *config.Config) (*log.Logger, func(), error) {
	logger, err := log.NewWithConfig(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func ProvideServerNetwork(cfg *config.Config, logger log.Log) *multiplayer.Network {
	return multiplayer.NewServer(cfg.Network, logger)
}

func ProvideClientNetwork(cfg *config.Config, logger log.Log) *multiplayer.Network {
	return multiplayer.NewClient(cfg.Network, logger)
}

func ProvideServer(cfg *config.Config, network *multiplayer.Network, logger log.Log) *server.Server {
	return server.New(cfg.Server, network, logger)
}
