package window

import (
	"slices"

	"github.com/zeusync/netreplica/internal/core/domain"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
)

// Config caps and weights a server to client window.
type Config struct {
	MaxEntityReplicatorCount     int     `yaml:"max_entity_replicator_count"`
	MaxEntityReplicatorSendCount int     `yaml:"max_entity_replicator_send_count"`
	UpdateIntervalTicks          int     `yaml:"update_interval_ticks"`
	ProximityRadius              float64 `yaml:"proximity_radius"`
	ProximityWeight              float64 `yaml:"proximity_weight"`
	OwnedPriority                float64 `yaml:"owned_priority"`
}

func DefaultConfig() Config {
	return Config{
		MaxEntityReplicatorCount:     512,
		MaxEntityReplicatorSendCount: 64,
		UpdateIntervalTicks:          5,
		ProximityRadius:              100,
		ProximityWeight:              4,
		OwnedPriority:                100,
	}
}

// ServerToClientWindow selects the entities a server replicates to one
// client connection.
type ServerToClientWindow struct {
	registry *netentity.Registry
	domain   domain.EntityDomain
	conn     nettypes.ConnectionID
	center   domain.InterestFunc
	cfg      Config

	set         ReplicationSet
	computed    bool
	lastVersion uint64
	idleTicks   int
	excluded    int
}

var _ ReplicationWindow = (*ServerToClientWindow)(nil)

func NewServerToClientWindow(
	registry *netentity.Registry,
	d domain.EntityDomain,
	conn nettypes.ConnectionID,
	center domain.InterestFunc,
	cfg Config,
) *ServerToClientWindow {
	return &ServerToClientWindow{
		registry: registry,
		domain:   d,
		conn:     conn,
		center:   center,
		cfg:      cfg,
		set:      make(ReplicationSet),
	}
}

func (w *ServerToClientWindow) ReplicationSetUpdateReady() bool {
	w.idleTicks++
	return !w.computed ||
		w.registry.Version() != w.lastVersion ||
		w.idleTicks >= w.cfg.UpdateIntervalTicks
}

// RoleFor is the role the window's connection has over e.
func (w *ServerToClientWindow) RoleFor(e *netentity.Entity) nettypes.NetEntityRole {
	switch {
	case e.Authority() == w.conn:
		return nettypes.RoleAuthority
	case e.Controller() == w.conn:
		return nettypes.RoleAutonomous
	default:
		return nettypes.RoleSimulated
	}
}

func (w *ServerToClientWindow) priorityOf(e *netentity.Entity, center netentity.Vec3, hasCenter bool) float64 {
	p := e.Priority()
	if e.Authority() == w.conn || e.Controller() == w.conn {
		p += w.cfg.OwnedPriority
	}
	if hasCenter && w.cfg.ProximityRadius > 0 {
		closeness := 1 - e.Position().Distance(center)/w.cfg.ProximityRadius
		if closeness > 0 {
			p += closeness * w.cfg.ProximityWeight
		}
	}
	return p
}

func (w *ServerToClientWindow) UpdateWindow() {
	w.lastVersion = w.registry.Version()
	w.idleTicks = 0
	w.computed = true

	center, hasCenter := w.center()
	entries := make([]SetEntry, 0, len(w.set))
	w.registry.Range(func(e *netentity.Entity) bool {
		if e.MarkedForRemoval() || !w.domain.IsInDomain(e.Handle()) {
			return true
		}
		entries = append(entries, SetEntry{
			Handle: e.Handle(),
			EntityReplicationData: EntityReplicationData{
				Role:     w.RoleFor(e),
				Priority: w.priorityOf(e, center, hasCenter),
			},
		})
		return true
	})

	w.excluded = 0
	if limit := w.cfg.MaxEntityReplicatorCount; limit > 0 && len(entries) > limit {
		slices.SortFunc(entries, Compare)
		w.excluded = len(entries) - limit
		entries = entries[:limit]
	}

	w.set = make(ReplicationSet, len(entries))
	for _, entry := range entries {
		w.set[entry.Handle] = entry.EntityReplicationData
	}
}

func (w *ServerToClientWindow) GetReplicationSet() ReplicationSet {
	return w.set
}

func (w *ServerToClientWindow) GetMaxEntityReplicatorCount() int {
	return w.cfg.MaxEntityReplicatorCount
}

func (w *ServerToClientWindow) GetMaxEntityReplicatorSendCount() int {
	return w.cfg.MaxEntityReplicatorSendCount
}

func (w *ServerToClientWindow) IsInWindow(h netentity.Handle) (bool, nettypes.NetEntityRole) {
	d, ok := w.set[h]
	if !ok {
		return false, nettypes.RoleInvalid
	}
	return true, d.Role
}

// Excluded returns how many in-domain entities the last update dropped for
// capacity.
func (w *ServerToClientWindow) Excluded() int {
	return w.excluded
}
