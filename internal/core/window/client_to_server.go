package window

import (
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// ClientToServerWindow replicates upstream the entities this host holds
// authority over. The peer observes them, so every entry is Simulated.
type ClientToServerWindow struct {
	registry    *netentity.Registry
	cfg         Config
	set         ReplicationSet
	computed    bool
	lastVersion uint64
}

var _ ReplicationWindow = (*ClientToServerWindow)(nil)

func NewClientToServerWindow(registry *netentity.Registry, cfg Config) *ClientToServerWindow {
	return &ClientToServerWindow{
		registry: registry,
		cfg:      cfg,
		set:      make(ReplicationSet),
	}
}

// ReplicationSetUpdateReady is true whenever the registry changed, which
// includes authority commits.
func (w *ClientToServerWindow) ReplicationSetUpdateReady() bool {
	return !w.computed || w.registry.Version() != w.lastVersion
}

func (w *ClientToServerWindow) UpdateWindow() {
	w.lastVersion = w.registry.Version()
	w.computed = true

	set := make(ReplicationSet)
	w.registry.Range(func(e *netentity.Entity) bool {
		if e.MarkedForRemoval() || e.LocalRole() != nettypes.RoleAuthority {
			return true
		}
		set[e.Handle()] = EntityReplicationData{Role: nettypes.RoleSimulated, Priority: e.Priority()}
		return true
	})
	w.set = set
}

func (w *ClientToServerWindow) GetReplicationSet() ReplicationSet { return w.set }

func (w *ClientToServerWindow) GetMaxEntityReplicatorCount() int {
	return w.cfg.MaxEntityReplicatorCount
}

func (w *ClientToServerWindow) GetMaxEntityReplicatorSendCount() int {
	return w.cfg.MaxEntityReplicatorSendCount
}

func (w *ClientToServerWindow) IsInWindow(h netentity.Handle) (bool, nettypes.NetEntityRole) {
	d, ok := w.set[h]
	if !ok {
		return false, nettypes.RoleInvalid
	}
	return true, d.Role
}
