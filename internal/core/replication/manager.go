// Package replication runs the per connection replication engine: it turns
// the window's replication set into create and remove control messages,
// streams prioritized deltas under a send cap and a byte budget, and applies
// what the peer sends back.
package replication

import (
	"slices"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/domain"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
	"github.com/zeusync/netreplica/internal/core/window"
)

// Stats are cumulative counters of one manager.
type Stats struct {
	CreatesSent    uint64
	RemovesSent    uint64
	DeltasSent     uint64
	PacketsSent    uint64
	BytesSent      uint64
	Deferred       uint64
	Expired        uint64
	SendFailures   uint64
	DeltasApplied  uint64
	StaleSkipped   uint64
	Rejected       uint64
	ResetsReceived uint64
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.CreatesSent += o.CreatesSent
	s.RemovesSent += o.RemovesSent
	s.DeltasSent += o.DeltasSent
	s.PacketsSent += o.PacketsSent
	s.BytesSent += o.BytesSent
	s.Deferred += o.Deferred
	s.Expired += o.Expired
	s.SendFailures += o.SendFailures
	s.DeltasApplied += o.DeltasApplied
	s.StaleSkipped += o.StaleSkipped
	s.Rejected += o.Rejected
	s.ResetsReceived += o.ResetsReceived
}

// Deps are the collaborators of a manager. They are shared across every
// manager of a host except Window and Domain, which are per connection.
type Deps struct {
	Conns    *connection.Registry
	Registry *netentity.Registry
	Window   window.ReplicationWindow
	Domain   domain.EntityDomain
	Logger   log.Log
}

type controlItem struct {
	entry packet.ControlEntry
	r     *replicator
}

// Manager is the replication engine of one connection. Every method must be
// called from the tick goroutine.
type Manager struct {
	mode     Mode
	conn     connection.Handle
	conns    *connection.Registry
	registry *netentity.Registry
	window   window.ReplicationWindow
	domain   domain.EntityDomain
	cfg      Config
	logger   log.Log

	replicators map[nettypes.NetEntityId]*replicator
	frozen      map[nettypes.NetEntityId]netentity.Handle
	// relinquished entities resend every field if authority comes back
	relinquished map[nettypes.NetEntityId]netentity.Handle
	controls     []packet.ControlEntry
	deferred     []packet.ControlEntry
	acks         []uint32
	resets       []nettypes.NetEntityId
	records      map[uint32]*sendRecord
	sequence     uint32
	tick         uint64
	abandoned    bool
	stats        Stats

	onAdded   []func(netentity.Handle, nettypes.NetEntityRole)
	onRemoved []func(nettypes.NetEntityId)
}

func NewManager(mode Mode, conn connection.Handle, deps Deps, cfg Config) *Manager {
	return &Manager{
		mode:         mode,
		conn:         conn,
		conns:        deps.Conns,
		registry:     deps.Registry,
		window:       deps.Window,
		domain:       deps.Domain,
		cfg:          cfg,
		logger:       deps.Logger.With(log.String("component", "replication"), log.Stringer("connection_id", conn.ID), log.Stringer("mode", mode)),
		replicators:  make(map[nettypes.NetEntityId]*replicator),
		frozen:       make(map[nettypes.NetEntityId]netentity.Handle),
		relinquished: make(map[nettypes.NetEntityId]netentity.Handle),
		records:      make(map[uint32]*sendRecord),
	}
}

func (m *Manager) Mode() Mode                    { return m.mode }
func (m *Manager) Connection() connection.Handle { return m.conn }
func (m *Manager) Stats() Stats                  { return m.stats }
func (m *Manager) Config() Config                { return m.cfg }

// OnEntityAdded registers an observer called when an entity becomes
// replicated to the peer.
func (m *Manager) OnEntityAdded(fn func(netentity.Handle, nettypes.NetEntityRole)) {
	m.onAdded = append(m.onAdded, fn)
}

// OnEntityRemoved registers an observer called when an entity leaves
// replication.
func (m *Manager) OnEntityRemoved(fn func(nettypes.NetEntityId)) {
	m.onRemoved = append(m.onRemoved, fn)
}

// Role returns the peer's role over h while it is replicated.
func (m *Manager) Role(h netentity.Handle) (nettypes.NetEntityRole, bool) {
	r, ok := m.replicators[h.ID]
	if !ok || r.handle != h {
		return nettypes.RoleInvalid, false
	}
	return r.role, true
}

// Established reports whether the peer has a proxy of h.
func (m *Manager) Established(h netentity.Handle) bool {
	r, ok := m.replicators[h.ID]
	return ok && r.handle == h && r.established
}

// Len returns the number of replicators.
func (m *Manager) Len() int { return len(m.replicators) }

// QueueControl schedules a control entry for the next send, after removes and
// creates.
func (m *Manager) QueueControl(entry packet.ControlEntry) {
	m.controls = append(m.controls, entry)
}

// Freeze stops applying the peer's updates for h while it still holds
// authority, e.g. once it handed over its final snapshot.
func (m *Manager) Freeze(h netentity.Handle) {
	m.frozen[h.ID] = h
}

// Thaw undoes Freeze.
func (m *Manager) Thaw(h netentity.Handle) {
	if m.frozen[h.ID] == h {
		delete(m.frozen, h.ID)
	}
}

// CommitRole switches the peer's role over h as the result of a migration
// and tells the peer. A peer losing authority gets every field again, since
// its copy is no longer the reference.
func (m *Manager) CommitRole(h netentity.Handle, role nettypes.NetEntityRole, nonce uint32) bool {
	r, ok := m.replicators[h.ID]
	if !ok || r.handle != h {
		return false
	}
	if r.role == nettypes.RoleAuthority && role != nettypes.RoleAuthority {
		if e, ok := m.registry.Resolve(h); ok {
			r.invalidate(len(e.Fields().Versions(nil)))
		}
	}
	r.role = role
	if r.established {
		m.QueueControl(packet.ControlEntry{EntityID: h.ID, Opcode: packet.OpRoleChange, Role: role, Nonce: nonce})
	}
	return true
}

// Update runs the per tick bookkeeping: domain exits, window changes and
// destroyed entities. It returns false once the connection is gone or has
// left Connected, after which the manager holds no replication state.
func (m *Manager) Update(tick uint64) bool {
	m.tick = tick
	if conn, ok := m.conns.Resolve(m.conn); !ok || conn.State() > connection.StateConnected {
		m.abandon()
		return false
	}

	m.applyDeferred()
	m.expireRecords()

	for _, id := range m.domain.RetrieveEntitiesNotInDomain() {
		m.remove(id, "domain exit")
	}

	if m.window.ReplicationSetUpdateReady() {
		m.window.UpdateWindow()
		m.reconcile(m.window.GetReplicationSet())
	}

	m.pruneDestroyed()
	return true
}

func (m *Manager) reconcile(set window.ReplicationSet) {
	for _, id := range m.sortedIDs() {
		r := m.replicators[id]
		d, ok := set[r.handle]
		switch {
		case !ok:
			m.remove(id, "left window")
		case d.Role != r.role:
			// outside a migration a role change goes through Invalid
			m.remove(id, "role change")
		default:
			r.reprioritize(d.Priority)
		}
	}

	for _, entry := range set.Ordered() {
		if _, ok := m.replicators[entry.Handle.ID]; ok {
			continue
		}
		e, ok := m.registry.Resolve(entry.Handle)
		if !ok {
			continue
		}
		m.add(e, entry.EntityReplicationData)
	}
}

func (m *Manager) add(e *netentity.Entity, d window.EntityReplicationData) {
	r := &replicator{
		handle:   e.Handle(),
		role:     d.Role,
		priority: d.Priority,
	}
	m.replicators[r.handle.ID] = r
	m.domain.ActivateTracking(r.handle)

	if m.mode == ClientToServer {
		// the peer already has the entity; only later changes flow upstream
		if m.relinquished[r.handle.ID] == r.handle {
			delete(m.relinquished, r.handle.ID)
			r.invalidate(len(e.Fields().Versions(nil)))
		} else {
			r.sync(e.Fields())
		}
		r.established = true
		m.notifyAdded(r)
		return
	}
	r.pendingCreate = true
}

func (m *Manager) remove(id nettypes.NetEntityId, reason string) {
	r, ok := m.replicators[id]
	if !ok {
		return
	}
	delete(m.replicators, id)
	m.domain.StopTracking(id)

	if m.mode == ServerToClient && r.established {
		m.controls = append(m.controls, packet.ControlEntry{EntityID: id, Opcode: packet.OpRemove})
	}
	m.logger.Debug("Entity removed from replication", log.Stringer("entity_id", id), log.String("reason", reason))
	for _, fn := range m.onRemoved {
		fn(id)
	}
}

func (m *Manager) pruneDestroyed() {
	for id, h := range m.relinquished {
		if _, ok := m.registry.Resolve(h); !ok {
			delete(m.relinquished, id)
		}
	}
	for _, id := range m.sortedIDs() {
		if _, ok := m.registry.Resolve(m.replicators[id].handle); !ok {
			m.remove(id, "destroyed")
		}
	}
}

func (m *Manager) notifyAdded(r *replicator) {
	for _, fn := range m.onAdded {
		fn(r.handle, r.role)
	}
}

func (m *Manager) expireRecords() {
	if m.cfg.ResendTimeoutTicks == 0 {
		return
	}
	for seq, rec := range m.records {
		if m.tick-rec.tick < m.cfg.ResendTimeoutTicks {
			continue
		}
		delete(m.records, seq)
		for _, e := range rec.entries {
			if r, ok := m.replicators[e.handle.ID]; ok && r.handle == e.handle && r.expire(e) {
				m.stats.Expired++
			}
		}
	}
}

func (m *Manager) abandon() {
	if m.abandoned {
		return
	}
	m.abandoned = true
	for id := range m.replicators {
		m.domain.StopTracking(id)
	}
	m.replicators = make(map[nettypes.NetEntityId]*replicator)
	m.frozen = make(map[nettypes.NetEntityId]netentity.Handle)
	m.relinquished = make(map[nettypes.NetEntityId]netentity.Handle)
	m.records = make(map[uint32]*sendRecord)
	m.controls, m.deferred, m.acks, m.resets = nil, nil, nil, nil
	m.logger.Debug("Connection gone, replication abandoned")
}

func (m *Manager) sortedIDs() []nettypes.NetEntityId {
	ids := make([]nettypes.NetEntityId, 0, len(m.replicators))
	for id := range m.replicators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
