package multiplayer

import (
	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/replication"
)

// ConnectionData is the per connection aggregate that lives while the
// connection is Connected. It owns the replication manager and the send gate.
type ConnectionData struct {
	conn           connection.Handle
	manager        *replication.Manager
	canSendUpdates bool
}

func NewConnectionData(manager *replication.Manager, canSendUpdates bool) *ConnectionData {
	return &ConnectionData{
		conn:           manager.Connection(),
		manager:        manager,
		canSendUpdates: canSendUpdates,
	}
}

func (d *ConnectionData) Connection() connection.Handle { return d.conn }

func (d *ConnectionData) Manager() *replication.Manager { return d.manager }

func (d *ConnectionData) CanSendUpdates() bool { return d.canSendUpdates }

// SetCanSendUpdates gates outbound replication. While false nothing but
// acknowledgements is sent and dirty state accumulates.
func (d *ConnectionData) SetCanSendUpdates(v bool) { d.canSendUpdates = v }

// Update runs one replication tick. It returns false once the connection is
// gone.
func (d *ConnectionData) Update(tick uint64) bool {
	if !d.manager.Update(tick) {
		return false
	}
	if d.canSendUpdates {
		d.manager.SendUpdates()
	}
	d.manager.FlushAcks()
	return true
}
