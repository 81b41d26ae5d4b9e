//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/netreplica/internal/server"
)

func InitializeServer(path ConfigPath) (*server.Server, func(), error) {
	wire.Build(ServerSet)
	return nil, nil, nil
}

func InitializeClient(path ConfigPath) (*Client, func(), error) {
	wire.Build(ClientSet)
	return nil, nil, nil
}
