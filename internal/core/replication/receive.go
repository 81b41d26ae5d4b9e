package replication

import (
	"github.com/pkg/errors"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
)

// HandlePacket applies one inbound replication packet. A packet is applied
// entirely or not at all; a returned *Error with Malformed() true is subject
// to the connection's malformed packet policy.
func (m *Manager) HandlePacket(p packet.Packet) error {
	switch p := p.(type) {
	case *packet.EntityUpdates:
		return m.handleUpdates(p)
	case *packet.EntityAck:
		m.handleAck(p)
		return nil
	case *packet.EntityResets:
		m.handleResets(p)
		return nil
	case *packet.EntityControl:
		if m.mode != ClientToServer {
			return newError(ErrCodeUnexpectedPacket, nettypes.InvalidNetEntityId, errors.Errorf("%s from client", p.GetPacketType()))
		}
		return m.handleControl(p)
	default:
		return newError(ErrCodeUnexpectedPacket, nettypes.InvalidNetEntityId, errors.Errorf("%s", p.GetPacketType()))
	}
}

// acceptsUpdatesFor reports whether the peer is the source of truth for e.
func (m *Manager) acceptsUpdatesFor(e *netentity.Entity) bool {
	if m.mode == ServerToClient {
		return e.Authority() == m.conn.ID && m.frozen[e.ID()] != e.Handle()
	}
	return e.LocalRole() != nettypes.RoleAuthority
}

func (m *Manager) handleUpdates(p *packet.EntityUpdates) error {
	type staged struct {
		e     *netentity.Entity
		delta []byte
	}

	var (
		apply   []staged
		unknown bool
	)
	for _, entry := range p.Entries {
		e, ok := m.registry.Lookup(entry.EntityID)
		if !ok || e.MarkedForRemoval() {
			unknown = true
			if m.mode == ClientToServer {
				m.resets = append(m.resets, entry.EntityID)
			}
			continue
		}
		if !m.acceptsUpdatesFor(e) {
			m.stats.Rejected++
			m.logger.Debug("Dropping update from non authoritative peer",
				log.Stringer("entity_id", e.ID()), log.Stringer("authority", e.Authority()))
			continue
		}
		if err := e.Fields().CheckDelta(entry.Delta); err != nil {
			m.stats.Rejected++
			return newError(ErrCodeMalformedDelta, entry.EntityID, err)
		}
		apply = append(apply, staged{e: e, delta: entry.Delta})
	}

	for _, s := range apply {
		if !s.e.AcceptSequence(p.Sequence) {
			m.stats.StaleSkipped++
			continue
		}
		if _, err := s.e.Fields().ApplyDelta(s.delta); err != nil {
			// CheckDelta passed on the same state, so this is a bug
			return newError(ErrCodeMalformedDelta, s.e.ID(), err)
		}
		m.stats.DeltasApplied++
	}

	// unknown entities are recovered by a reset; the sender resends the rest
	if !unknown || m.mode == ServerToClient {
		m.acks = append(m.acks, p.Sequence)
	}
	return nil
}

func (m *Manager) handleAck(p *packet.EntityAck) {
	for _, seq := range p.Sequences {
		rec, ok := m.records[seq]
		if !ok {
			continue
		}
		delete(m.records, seq)
		for _, e := range rec.entries {
			if r, ok := m.replicators[e.handle.ID]; ok && r.handle == e.handle {
				r.ack(e)
			}
		}
	}
}

// handleResets re-emits create snapshots the peer asked for.
func (m *Manager) handleResets(p *packet.EntityResets) {
	if m.mode != ServerToClient {
		return
	}
	for _, id := range p.EntityIDs {
		r, ok := m.replicators[id]
		if !ok || !r.established {
			continue
		}
		r.established = false
		r.pendingCreate = true
		m.stats.ResetsReceived++
	}
}

func (m *Manager) handleControl(p *packet.EntityControl) error {
	// decode every snapshot before touching state
	snapshots := make([]*netentity.FieldSet, len(p.Entries))
	for i, entry := range p.Entries {
		if len(entry.Snapshot) == 0 {
			if entry.Opcode == packet.OpCreate || entry.Opcode == packet.OpPromote {
				return newError(ErrCodeMalformedSnapshot, entry.EntityID, errors.New("missing snapshot"))
			}
			continue
		}
		fields, err := netentity.DecodeSnapshot(entry.Snapshot, entry.Checksum)
		if err != nil {
			code := ErrCodeMalformedSnapshot
			if errors.Is(err, netentity.ErrChecksumMismatch) {
				code = ErrCodeChecksumMismatch
			}
			return newError(code, entry.EntityID, err)
		}
		snapshots[i] = fields
	}

	conn, _ := m.conns.Resolve(m.conn)
	for i, entry := range p.Entries {
		if err := m.applyControl(conn, entry, snapshots[i]); err != nil {
			m.logger.Warn("Control entry not applied",
				log.Stringer("entity_id", entry.EntityID), log.Stringer("opcode", entry.Opcode), log.Error(err))
		}
	}
	return nil
}

func (m *Manager) applyControl(conn *connection.Conn, entry packet.ControlEntry, fields *netentity.FieldSet) error {
	if entry.Opcode == packet.OpCreate {
		return m.applyCreate(entry, fields)
	}

	e, ok := m.registry.Lookup(entry.EntityID)
	if !ok || e.MarkedForRemoval() {
		return newError(ErrCodeUnknownEntity, entry.EntityID, netentity.ErrEntityNotFound)
	}

	switch entry.Opcode {
	case packet.OpRemove:
		m.registry.Destroy(e.Handle())

	case packet.OpRoleChange, packet.OpCancel:
		m.setLocalRole(e, entry.Role)

	case packet.OpRelinquish:
		snapshot, checksum, err := e.Fields().EncodeSnapshot()
		if err != nil {
			return err
		}
		if conn == nil {
			return connection.ErrConnectionClosed
		}
		if err := conn.Send(&packet.MigrationRelease{
			EntityID: e.ID(),
			Nonce:    entry.Nonce,
			Checksum: checksum,
			Snapshot: snapshot,
		}); err != nil {
			return err
		}
		// the snapshot is the last word; a Cancel hands authority back
		m.remove(e.ID(), "relinquished")
		m.relinquished[e.ID()] = e.Handle()
		m.registry.SetAuthority(e.Handle(), m.conn.ID)
		e.ResetSequence()
		return nil

	case packet.OpPromote:
		if _, err := e.Fields().ApplySnapshot(fields); err != nil {
			return newError(ErrCodeMalformedSnapshot, e.ID(), err)
		}
		if conn == nil {
			return connection.ErrConnectionClosed
		}
		return conn.Send(&packet.MigrationAck{EntityID: e.ID(), Nonce: entry.Nonce})
	}
	return nil
}

func (m *Manager) applyCreate(entry packet.ControlEntry, fields *netentity.FieldSet) error {
	if e, ok := m.registry.Lookup(entry.EntityID); ok {
		if e.MarkedForRemoval() {
			// the slot frees at the next flush
			m.deferred = append(m.deferred, entry)
			return nil
		}
		if _, err := e.Fields().ApplySnapshot(fields); err != nil {
			return newError(ErrCodeRegistry, e.ID(), err)
		}
		e.ResetSequence()
		m.setLocalRole(e, entry.Role)
		return nil
	}

	spec := netentity.Spec{Type: entry.Type, Authority: m.conn.ID, Role: entry.Role}
	h, err := m.registry.CreateWithID(entry.EntityID, spec, fields)
	if err != nil {
		return newError(ErrCodeRegistry, entry.EntityID, err)
	}
	if entry.Role == nettypes.RoleAuthority {
		m.registry.SetAuthority(h, nettypes.LocalConnectionID)
	}
	m.logger.Debug("Proxy created", log.Stringer("entity_id", entry.EntityID),
		log.String("type", entry.Type), log.Stringer("role", entry.Role))
	return nil
}

// applyDeferred retries creates that waited for their id to be freed.
func (m *Manager) applyDeferred() {
	if len(m.deferred) == 0 {
		return
	}
	pending := m.deferred
	m.deferred = nil
	for _, entry := range pending {
		fields, err := netentity.DecodeSnapshot(entry.Snapshot, entry.Checksum)
		if err != nil {
			continue
		}
		if err := m.applyCreate(entry, fields); err != nil {
			m.logger.Warn("Deferred create failed", log.Stringer("entity_id", entry.EntityID), log.Error(err))
		}
	}
}

func (m *Manager) setLocalRole(e *netentity.Entity, role nettypes.NetEntityRole) {
	if role == nettypes.RoleAuthority {
		m.registry.SetAuthority(e.Handle(), nettypes.LocalConnectionID)
	} else {
		m.registry.SetAuthority(e.Handle(), m.conn.ID)
		m.registry.SetLocalRole(e.Handle(), role)
	}
	e.ResetSequence()
}
