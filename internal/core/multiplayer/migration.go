package multiplayer

import (
	"maps"
	"slices"

	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
)

type migrationPhase uint8

const (
	// phaseRelinquishing waits for the holder's final snapshot. The holder
	// keeps simulating until then.
	phaseRelinquishing migrationPhase = iota
	// phasePromoting waits for the target to acknowledge the snapshot.
	phasePromoting
)

func (p migrationPhase) String() string {
	if p == phasePromoting {
		return "promoting"
	}
	return "relinquishing"
}

type migration struct {
	handle   netentity.Handle
	from     nettypes.ConnectionID
	to       nettypes.ConnectionID
	phase    migrationPhase
	nonce    uint32
	started  uint64
	checksum uint64
	snapshot []byte
}

// migrator runs authority migrations as two phase commits. Authority only
// changes in commit, through a single Registry.SetAuthority call, so no tick
// ever observes two holders.
type migrator struct {
	n      *Network
	active map[nettypes.NetEntityId]*migration
	nonce  uint32
	logger log.Log
}

func newMigrator(n *Network) *migrator {
	return &migrator{
		n:      n,
		active: make(map[nettypes.NetEntityId]*migration),
		logger: n.logger.With(log.String("component", "migration")),
	}
}

func (m *migrator) pending(h netentity.Handle) bool {
	mig, ok := m.active[h.ID]
	return ok && mig.handle == h
}

func (m *migrator) request(h netentity.Handle, to nettypes.ConnectionID) error {
	e, ok := m.n.Entity(h)
	if !ok {
		return netentity.ErrEntityNotFound
	}
	if _, busy := m.active[h.ID]; busy {
		return ErrMigrationConflict
	}
	from := e.Authority()
	if from == to {
		return nil
	}
	if to != nettypes.LocalConnectionID {
		data, ok := m.n.ConnectionData(to)
		if !ok {
			return ErrConnectionNotFound
		}
		if !data.manager.Established(h) {
			return ErrMigrationNotReady
		}
	}

	m.nonce++
	mig := &migration{handle: h, from: from, to: to, nonce: m.nonce, started: m.n.tick}

	if from == nettypes.LocalConnectionID {
		snapshot, checksum, err := e.Fields().EncodeSnapshot()
		if err != nil {
			return err
		}
		mig.snapshot, mig.checksum = snapshot, checksum
		mig.phase = phasePromoting
		m.active[h.ID] = mig
		m.promote(mig)
	} else {
		holder, ok := m.n.ConnectionData(from)
		if !ok {
			return ErrConnectionNotFound
		}
		mig.phase = phaseRelinquishing
		m.active[h.ID] = mig
		holder.manager.QueueControl(packet.ControlEntry{
			EntityID: h.ID,
			Opcode:   packet.OpRelinquish,
			Role:     nettypes.RoleAuthority,
			Nonce:    mig.nonce,
		})
	}

	m.logger.Info("Authority migration started",
		log.Stringer("entity", h), log.Stringer("from", from), log.Stringer("to", to),
		log.Uint32("nonce", mig.nonce))
	return nil
}

func (m *migrator) promote(mig *migration) {
	if mig.to == nettypes.LocalConnectionID {
		m.commit(mig)
		return
	}
	target, ok := m.n.ConnectionData(mig.to)
	if !ok {
		m.rollback(mig, "target gone")
		return
	}
	target.manager.QueueControl(packet.ControlEntry{
		EntityID: mig.handle.ID,
		Opcode:   packet.OpPromote,
		Role:     nettypes.RoleAuthority,
		Nonce:    mig.nonce,
		Checksum: mig.checksum,
		Snapshot: mig.snapshot,
	})
}

func (m *migrator) onRelease(from nettypes.ConnectionID, p *packet.MigrationRelease) {
	mig, ok := m.active[p.EntityID]
	if !ok || mig.nonce != p.Nonce {
		m.logger.Debug("Release for unknown migration", log.Stringer("entity_id", p.EntityID), log.Uint32("nonce", p.Nonce))
		return
	}
	if from != mig.from || mig.phase != phaseRelinquishing {
		m.rollback(mig, "release from a connection that does not hold authority")
		return
	}

	final, err := netentity.DecodeSnapshot(p.Snapshot, p.Checksum)
	if err != nil {
		m.rollback(mig, "invalid final snapshot: "+err.Error())
		return
	}
	e, ok := m.n.Entity(mig.handle)
	if !ok {
		delete(m.active, p.EntityID)
		return
	}
	if _, err := e.Fields().ApplySnapshot(final); err != nil {
		m.rollback(mig, "incompatible final snapshot: "+err.Error())
		return
	}

	if holder, ok := m.n.ConnectionData(mig.from); ok {
		holder.manager.Freeze(mig.handle)
	}
	mig.phase = phasePromoting
	mig.snapshot, mig.checksum = p.Snapshot, p.Checksum
	m.promote(mig)
}

func (m *migrator) onAck(from nettypes.ConnectionID, p *packet.MigrationAck) {
	mig, ok := m.active[p.EntityID]
	if !ok || mig.nonce != p.Nonce {
		return
	}
	if from != mig.to || mig.phase != phasePromoting {
		m.rollback(mig, "acknowledgement from a connection that is not the target")
		return
	}
	m.commit(mig)
}

func (m *migrator) commit(mig *migration) {
	m.finish(mig)
	e, ok := m.n.Entity(mig.handle)
	if !ok {
		return
	}
	m.n.registry.SetAuthority(mig.handle, mig.to)
	e.ResetSequence()

	for _, id := range m.n.Peers() {
		data := m.n.peers[id].data
		current, ok := data.manager.Role(mig.handle)
		if !ok {
			continue
		}
		role := nettypes.RoleSimulated
		switch {
		case id == mig.to:
			role = nettypes.RoleAuthority
		case id == e.Controller():
			role = nettypes.RoleAutonomous
		}
		if role != current {
			data.manager.CommitRole(mig.handle, role, mig.nonce)
		}
	}

	m.logger.Info("Authority migrated",
		log.Stringer("entity", mig.handle), log.Stringer("from", mig.from), log.Stringer("to", mig.to))
}

func (m *migrator) finish(mig *migration) {
	delete(m.active, mig.handle.ID)
	if holder, ok := m.n.ConnectionData(mig.from); ok {
		holder.manager.Thaw(mig.handle)
	}
}

// rollback abandons mig. Authority never moved, so the holder only needs to
// know it keeps simulating.
func (m *migrator) rollback(mig *migration, reason string) {
	m.finish(mig)

	if holder, ok := m.n.ConnectionData(mig.from); ok {
		holder.manager.QueueControl(packet.ControlEntry{
			EntityID: mig.handle.ID,
			Opcode:   packet.OpCancel,
			Role:     nettypes.RoleAuthority,
			Nonce:    mig.nonce,
		})
	}
	if mig.phase == phasePromoting {
		if target, ok := m.n.ConnectionData(mig.to); ok {
			if role, ok := target.manager.Role(mig.handle); ok {
				target.manager.QueueControl(packet.ControlEntry{
					EntityID: mig.handle.ID,
					Opcode:   packet.OpCancel,
					Role:     role,
					Nonce:    mig.nonce,
				})
			}
		}
	}

	m.logger.Warn("Authority migration rolled back",
		log.Stringer("entity", mig.handle), log.Stringer("from", mig.from), log.Stringer("to", mig.to),
		log.Stringer("phase", mig.phase), log.String("reason", reason))
}

func (m *migrator) update(tick uint64) {
	for _, id := range slices.Sorted(maps.Keys(m.active)) {
		mig := m.active[id]
		if _, ok := m.n.Entity(mig.handle); !ok {
			delete(m.active, id)
			continue
		}
		timeout := m.n.cfg.MigrationTimeoutTicks
		if timeout > 0 && tick-mig.started >= timeout {
			m.rollback(mig, "timeout")
		}
	}
}

// connectionLost rolls back every migration the connection takes part in.
// It runs after the peer was removed, so nothing is sent to it.
func (m *migrator) connectionLost(id nettypes.ConnectionID) {
	for _, eid := range slices.Sorted(maps.Keys(m.active)) {
		mig := m.active[eid]
		if mig.from == id || mig.to == id {
			m.rollback(mig, "connection lost")
		}
	}
}
