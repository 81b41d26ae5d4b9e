package replication

import (
	"cmp"
	"slices"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
	"github.com/zeusync/netreplica/internal/core/window"
	"github.com/zeusync/netreplica/pkg/sequence"
)

const (
	countOverhead    = 2
	sequenceOverhead = 4
	controlOverhead  = 10 + 1 + 1 + 4 + 1 + 1 + 8 + 3
)

func (m *Manager) payloadBudget(extra int) int {
	return m.cfg.MaxPacketSize - packet.HeaderSize - countOverhead - extra
}

// SendUpdates emits pending control messages and then the highest priority
// deltas. Control always precedes deltas on the connection, so the peer
// never sees a delta for an entity it was not told to create.
func (m *Manager) SendUpdates() {
	conn, ok := m.conns.Resolve(m.conn)
	if !ok {
		return
	}
	if !m.flushControl(conn) {
		return
	}
	m.sendDeltas(conn)
}

// flushControl sends removes, then creates, then queued control entries. It
// reports false if the connection refused a packet; unsent entries stay
// queued.
func (m *Manager) flushControl(conn *connection.Conn) bool {
	items := make([]controlItem, 0, len(m.controls))

	var removes, others []packet.ControlEntry
	for _, c := range m.controls {
		if c.Opcode == packet.OpRemove {
			removes = append(removes, c)
		} else {
			others = append(others, c)
		}
	}
	slices.SortStableFunc(removes, func(a, b packet.ControlEntry) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	for _, c := range removes {
		items = append(items, controlItem{entry: c})
	}
	items = append(items, m.pendingCreates()...)
	for _, c := range others {
		items = append(items, controlItem{entry: c})
	}
	m.controls = nil
	if len(items) == 0 {
		return true
	}

	budget := m.payloadBudget(0)
	for start := 0; start < len(items); {
		end, size := start, 0
		for end < len(items) && end-start < packet.MaxEntriesPerPacket {
			n := controlOverhead + len(items[end].entry.Type) + len(items[end].entry.Snapshot)
			if end > start && size+n > budget {
				break
			}
			size += n
			end++
		}

		batch := items[start:end]
		p := &packet.EntityControl{Entries: make([]packet.ControlEntry, len(batch))}
		for i, it := range batch {
			p.Entries[i] = it.entry
		}
		if err := conn.Send(p); err != nil {
			m.stats.SendFailures++
			m.logger.Warn("Control packet not sent, retrying next tick", log.Error(err), log.Int("entries", len(batch)))
			m.requeue(items[start:])
			return false
		}
		m.stats.PacketsSent++
		m.stats.BytesSent += uint64(size)
		for _, it := range batch {
			m.controlSent(it)
		}
		start = end
	}
	return true
}

func (m *Manager) requeue(items []controlItem) {
	var rest []packet.ControlEntry
	for _, it := range items {
		// creates stay pending on their replicator
		if it.r == nil {
			rest = append(rest, it.entry)
		}
	}
	m.controls = append(rest, m.controls...)
}

func (m *Manager) controlSent(it controlItem) {
	switch it.entry.Opcode {
	case packet.OpRemove:
		m.stats.RemovesSent++
	case packet.OpCreate:
		if it.r == nil {
			return
		}
		it.r.pendingCreate = false
		it.r.established = true
		m.stats.CreatesSent++
		m.notifyAdded(it.r)
	}
}

// pendingCreates builds create entries for at most MaxPendingCreates
// replicators, highest priority first. Each carries a full snapshot, so the
// replicator starts clean.
func (m *Manager) pendingCreates() []controlItem {
	var pending []window.SetEntry
	for _, r := range m.replicators {
		if r.pendingCreate {
			pending = append(pending, window.SetEntry{
				Handle:                r.handle,
				EntityReplicationData: window.EntityReplicationData{Role: r.role, Priority: r.effectivePriority()},
			})
		}
	}
	slices.SortFunc(pending, window.Compare)
	if limit := m.cfg.MaxPendingCreates; limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	items := make([]controlItem, 0, len(pending))
	for _, p := range pending {
		r := m.replicators[p.Handle.ID]
		e, ok := m.registry.Resolve(r.handle)
		if !ok {
			continue
		}
		snapshot, checksum, err := e.Fields().EncodeSnapshot()
		if err != nil {
			m.logger.Error("Failed to encode snapshot", log.Stringer("entity_id", e.ID()), log.Error(err))
			continue
		}
		r.sync(e.Fields())
		items = append(items, controlItem{
			entry: packet.ControlEntry{
				EntityID: e.ID(),
				Opcode:   packet.OpCreate,
				Role:     r.role,
				Type:     e.Type(),
				Checksum: checksum,
				Snapshot: snapshot,
			},
			r: r,
		})
	}
	return items
}

type candidate struct {
	entry window.SetEntry
	r     *replicator
	e     *netentity.Entity
	mask  uint64
}

type pendingDelta struct {
	r        *replicator
	prevSent []uint32
	record   recordEntry
	entry    packet.UpdateEntry
}

// sendDeltas serializes dirty entities by priority until the send count cap
// or the byte budget is reached. Dirty entities left over keep their dirty
// fields and gain PriorityBoost for the next tick.
func (m *Manager) sendDeltas(conn *connection.Conn) {
	var candidates []candidate
	for _, id := range m.sortedIDs() {
		r := m.replicators[id]
		if !r.sendsDeltas() {
			continue
		}
		e, ok := m.registry.Resolve(r.handle)
		if !ok {
			continue
		}
		mask := e.Fields().DirtyMask(r.sent)
		if mask == 0 {
			r.boost = 0
			continue
		}
		candidates = append(candidates, candidate{
			entry: window.SetEntry{
				Handle:                r.handle,
				EntityReplicationData: window.EntityReplicationData{Role: r.role, Priority: r.effectivePriority()},
			},
			r:    r,
			e:    e,
			mask: mask,
		})
	}
	if len(candidates) == 0 {
		return
	}

	queue := sequence.NewPriorityQueueFrom(candidates, func(a, b candidate) bool {
		return window.Before(a.entry, b.entry)
	})

	limit := m.window.GetMaxEntityReplicatorSendCount()
	budget := m.payloadBudget(sequenceOverhead)
	var (
		batch     []pendingDelta
		batchSize int
		count     int
		spent     int
	)
	flush := func() {
		if len(batch) > 0 {
			m.sendBatch(conn, batch, batchSize)
			batch, batchSize = nil, 0
		}
	}

	for !queue.IsEmpty() {
		c, _ := queue.Dequeue()
		if limit > 0 && count >= limit {
			m.deferCandidate(c)
			continue
		}

		delta, err := c.e.Fields().EncodeDelta(c.mask)
		if err != nil {
			m.logger.Error("Failed to encode delta", log.Stringer("entity_id", c.e.ID()), log.Error(err))
			continue
		}
		size := len(delta) + packet.EntryOverhead()
		if m.cfg.MaxBytesPerTick > 0 && count > 0 && spent+size > m.cfg.MaxBytesPerTick {
			m.deferCandidate(c)
			continue
		}
		if len(batch) > 0 && (batchSize+size > budget || len(batch) >= packet.MaxEntriesPerPacket) {
			flush()
		}

		versions := c.e.Fields().Versions(nil)
		batch = append(batch, pendingDelta{
			r:        c.r,
			prevSent: append([]uint32(nil), c.r.sent...),
			record:   recordEntry{handle: c.r.handle, mask: c.mask, versions: versions},
			entry:    packet.UpdateEntry{EntityID: c.e.ID(), Delta: delta},
		})
		c.r.sent = append(c.r.sent[:0], versions...)
		c.r.boost = 0
		batchSize += size
		spent += size
		count++
	}
	flush()
}

func (m *Manager) deferCandidate(c candidate) {
	c.r.boost += m.cfg.PriorityBoost
	m.stats.Deferred++
}

func (m *Manager) sendBatch(conn *connection.Conn, batch []pendingDelta, size int) {
	m.sequence++
	p := &packet.EntityUpdates{Sequence: m.sequence, Entries: make([]packet.UpdateEntry, len(batch))}
	for i, d := range batch {
		p.Entries[i] = d.entry
	}

	if err := conn.Send(p); err != nil {
		m.stats.SendFailures++
		m.logger.Debug("Update packet not sent", log.Error(err), log.Uint32("sequence", p.Sequence))
		for _, d := range batch {
			d.r.sent = d.prevSent
			d.r.boost += m.cfg.PriorityBoost
		}
		return
	}

	rec := &sendRecord{tick: m.tick, entries: make([]recordEntry, len(batch))}
	for i, d := range batch {
		rec.entries[i] = d.record
	}
	m.records[p.Sequence] = rec
	m.stats.PacketsSent++
	m.stats.DeltasSent += uint64(len(batch))
	m.stats.BytesSent += uint64(size)
}

// FlushAcks sends the acknowledgements and reset requests gathered while
// handling inbound packets. It runs even while updates are gated.
func (m *Manager) FlushAcks() {
	conn, ok := m.conns.Resolve(m.conn)
	if !ok {
		m.acks, m.resets = nil, nil
		return
	}

	for len(m.acks) > 0 {
		n := min(len(m.acks), packet.MaxAcksPerPacket)
		if err := conn.Send(&packet.EntityAck{Sequences: m.acks[:n]}); err != nil {
			m.logger.Debug("Ack not sent", log.Error(err))
			break
		}
		m.acks = m.acks[n:]
	}
	m.acks = nil

	if len(m.resets) > 0 {
		slices.Sort(m.resets)
		m.resets = slices.Compact(m.resets)
		for len(m.resets) > 0 {
			n := min(len(m.resets), packet.MaxEntriesPerPacket)
			if err := conn.Send(&packet.EntityResets{EntityIDs: m.resets[:n]}); err != nil {
				m.logger.Debug("Reset request not sent", log.Error(err))
				break
			}
			m.resets = m.resets[n:]
		}
		m.resets = nil
	}
}
