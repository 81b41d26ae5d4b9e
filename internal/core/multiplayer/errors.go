package multiplayer

import "errors"

var (
	ErrMigrationConflict  = errors.New("authority migration conflict")
	ErrMigrationNotReady  = errors.New("migration target does not replicate the entity")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNotServer          = errors.New("operation requires a server network")
	ErrNotClient          = errors.New("operation requires a client network")
	ErrAcceptQueueFull    = errors.New("accept queue is full")
	ErrMaxConnections     = errors.New("maximum connections reached")
	ErrAlreadyConnected   = errors.New("client is already connected")
	ErrProtocolVersion    = errors.New("protocol version mismatch")
)
