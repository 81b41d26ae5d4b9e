package replication

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/domain"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
	"github.com/zeusync/netreplica/internal/core/serialize"
	"github.com/zeusync/netreplica/internal/core/transport"
	"github.com/zeusync/netreplica/internal/core/window"
)

// fakeWindow replicates a fixed set of entities while they are alive and in
// the domain.
type fakeWindow struct {
	registry  *netentity.Registry
	domain    domain.EntityDomain
	entries   map[netentity.Handle]window.EntityReplicationData
	set       window.ReplicationSet
	sendCount int
}

func (w *fakeWindow) ReplicationSetUpdateReady() bool { return true }

func (w *fakeWindow) UpdateWindow() {
	w.set = make(window.ReplicationSet)
	for h, d := range w.entries {
		e, ok := w.registry.Resolve(h)
		if !ok || e.MarkedForRemoval() || !w.domain.IsInDomain(h) {
			continue
		}
		w.set[h] = d
	}
}

func (w *fakeWindow) GetReplicationSet() window.ReplicationSet { return w.set }
func (w *fakeWindow) GetMaxEntityReplicatorCount() int         { return 0 }
func (w *fakeWindow) GetMaxEntityReplicatorSendCount() int     { return w.sendCount }

func (w *fakeWindow) IsInWindow(h netentity.Handle) (bool, nettypes.NetEntityRole) {
	d, ok := w.set[h]
	return ok, d.Role
}

type harness struct {
	registry *netentity.Registry
	conns    *connection.Registry
	conn     *connection.Conn
	peer     transport.Link
	win      *fakeWindow
	manager  *Manager
	packets  *packet.Registry
	tick     uint64
}

func newHarness(t *testing.T, mode Mode, cfg Config) *harness {
	t.Helper()
	registry := netentity.NewRegistry()
	conns := connection.NewRegistry(connection.DefaultConfig(), log.NewNop())
	local, peer := transport.NewPipe(256)
	conn := conns.Add(local)
	conn.SetState(connection.StateConnected)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = conn.Run(ctx) }()

	d := domain.NewFullDomain(registry)
	win := &fakeWindow{
		registry: registry,
		domain:   d,
		entries:  make(map[netentity.Handle]window.EntityReplicationData),
	}
	m := NewManager(mode, conn.Handle(), Deps{
		Conns:    conns,
		Registry: registry,
		Window:   win,
		Domain:   d,
		Logger:   log.NewNop(),
	}, cfg)

	return &harness{
		registry: registry,
		conns:    conns,
		conn:     conn,
		peer:     peer,
		win:      win,
		manager:  m,
		packets:  packet.NewRegistry(),
	}
}

func (h *harness) spawn(t *testing.T, priority float64, role nettypes.NetEntityRole) netentity.Handle {
	t.Helper()
	hd, err := h.registry.Create(netentity.Spec{
		Type:     "crate",
		Priority: priority,
		Fields:   []netentity.FieldKind{netentity.KindInt64},
	})
	require.NoError(t, err)
	h.win.entries[hd] = window.EntityReplicationData{Role: role, Priority: priority}
	return hd
}

func (h *harness) entity(t *testing.T, hd netentity.Handle) *netentity.Entity {
	t.Helper()
	e, ok := h.registry.Resolve(hd)
	require.True(t, ok)
	return e
}

// step runs one tick: flush, update, send.
func (h *harness) step() {
	h.tick++
	h.registry.Flush()
	h.manager.Update(h.tick)
	h.manager.SendUpdates()
	h.manager.FlushAcks()
}

// receive collects every packet that reaches the peer within a short window.
func (h *harness) receive(t *testing.T) []packet.Packet {
	t.Helper()
	var out []packet.Packet
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		frame, err := h.peer.Receive(ctx)
		cancel()
		if err != nil {
			return out
		}
		p, err := packet.Decode(frame, h.packets)
		require.NoError(t, err)
		out = append(out, p)
	}
}

func controlEntries(ps []packet.Packet) []packet.ControlEntry {
	var out []packet.ControlEntry
	for _, p := range ps {
		if c, ok := p.(*packet.EntityControl); ok {
			out = append(out, c.Entries...)
		}
	}
	return out
}

func updateEntries(ps []packet.Packet) []packet.UpdateEntry {
	var out []packet.UpdateEntry
	for _, p := range ps {
		if u, ok := p.(*packet.EntityUpdates); ok {
			out = append(out, u.Entries...)
		}
	}
	return out
}

func TestCreateCarriesSnapshotAndPrecedesDeltas(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	hd := h.spawn(t, 1, nettypes.RoleSimulated)
	require.NoError(t, h.entity(t, hd).Fields().SetInt(1, 42))

	h.step()
	got := h.receive(t)
	require.Len(t, got, 1)
	entries := controlEntries(got)
	require.Len(t, entries, 1)
	assert.Equal(t, packet.OpCreate, entries[0].Opcode)
	assert.Equal(t, nettypes.RoleSimulated, entries[0].Role)
	assert.Equal(t, "crate", entries[0].Type)

	proxy, err := netentity.DecodeSnapshot(entries[0].Snapshot, entries[0].Checksum)
	require.NoError(t, err)
	assert.Equal(t, int64(42), proxy.Int(1))
	assert.True(t, h.manager.Established(hd))

	// unchanged entities are not re-sent
	h.step()
	assert.Empty(t, h.receive(t))

	h.entity(t, hd).SetPosition(netentity.Vec3{X: 3})
	h.step()
	updates := updateEntries(h.receive(t))
	require.Len(t, updates, 1)
	assert.Equal(t, hd.ID, updates[0].EntityID)

	changed, err := proxy.ApplyDelta(updates[0].Delta)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), changed)
	assert.Equal(t, netentity.Vec3{X: 3}, proxy.Vec3(netentity.TransformField))
}

func TestDeferredEntityGainsPriorityUntilSent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoost = 1
	h := newHarness(t, ServerToClient, cfg)
	h.win.sendCount = 1

	f := h.spawn(t, 9, nettypes.RoleSimulated)
	e := h.spawn(t, 5, nettypes.RoleSimulated)
	h.step()
	require.Len(t, controlEntries(h.receive(t)), 2)

	h.entity(t, e).SetPosition(netentity.Vec3{X: 1})
	last := h.manager.replicators[e.ID].effectivePriority()
	for i := 1; i <= 10; i++ {
		h.entity(t, f).SetPosition(netentity.Vec3{Y: float64(i)})
		h.step()

		updates := updateEntries(h.receive(t))
		require.Len(t, updates, 1, "send cap is one entity per tick")
		if updates[0].EntityID == e.ID {
			assert.Equal(t, float64(0), h.manager.replicators[e.ID].boost, "boost resets once sent")
			return
		}
		assert.Equal(t, f.ID, updates[0].EntityID)

		p := h.manager.replicators[e.ID].effectivePriority()
		assert.Greater(t, p, last, "a deferred entity's priority must grow")
		last = p
		if i == 1 {
			assert.Equal(t, 6.0, p)
		}
	}
	t.Fatal("deferred entity was starved")
}

func TestDeferredPriorityHoldsWhenWindowPriorityDrops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PriorityBoost = 1
	h := newHarness(t, ServerToClient, cfg)
	h.win.sendCount = 1

	f := h.spawn(t, 9, nettypes.RoleSimulated)
	e := h.spawn(t, 5, nettypes.RoleSimulated)
	h.step()
	h.receive(t)

	h.entity(t, e).SetPosition(netentity.Vec3{X: 1})
	last := math.Inf(-1)
	for i := 1; i <= 10; i++ {
		// e drifts away faster than the boost grows
		h.win.entries[e] = window.EntityReplicationData{Role: nettypes.RoleSimulated, Priority: 5 - 3*float64(i)}
		h.entity(t, f).SetPosition(netentity.Vec3{Y: float64(i)})
		h.step()

		updates := updateEntries(h.receive(t))
		require.Len(t, updates, 1)
		if updates[0].EntityID == e.ID {
			return
		}
		p := h.manager.replicators[e.ID].effectivePriority()
		assert.Greater(t, p, last)
		last = p
	}
	t.Fatal("deferred entity was starved")
}

func TestReprioritize(t *testing.T) {
	r := &replicator{priority: 5}
	r.reprioritize(1)
	assert.Equal(t, 1.0, r.effectivePriority(), "a clean entity follows the window")

	r = &replicator{priority: 5, boost: 2}
	r.reprioritize(1)
	assert.Equal(t, 7.0, r.effectivePriority())
	assert.Equal(t, 1.0, r.priority)

	r.reprioritize(10)
	assert.GreaterOrEqual(t, r.effectivePriority(), 7.0)
	assert.Equal(t, 10.0, r.priority)
}

func TestDomainExitAndDestroyEmitRemove(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	a := h.spawn(t, 1, nettypes.RoleSimulated)
	b := h.spawn(t, 1, nettypes.RoleSimulated)
	h.step()
	require.Len(t, controlEntries(h.receive(t)), 2)

	var removed []nettypes.NetEntityId
	h.manager.OnEntityRemoved(func(id nettypes.NetEntityId) { removed = append(removed, id) })

	delete(h.win.entries, a)
	require.True(t, h.registry.Destroy(b))
	h.step()

	entries := controlEntries(h.receive(t))
	require.Len(t, entries, 2)
	assert.Equal(t, packet.OpRemove, entries[0].Opcode)
	assert.Equal(t, a.ID, entries[0].EntityID, "removes are sorted by id")
	assert.Equal(t, b.ID, entries[1].EntityID)
	assert.ElementsMatch(t, []nettypes.NetEntityId{a.ID, b.ID}, removed)
	assert.Equal(t, 0, h.manager.Len())
}

func TestPendingCreateNeverEmitsRemove(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPendingCreates = 1
	h := newHarness(t, ServerToClient, cfg)
	high := h.spawn(t, 5, nettypes.RoleSimulated)
	low := h.spawn(t, 1, nettypes.RoleSimulated)

	h.step()
	entries := controlEntries(h.receive(t))
	require.Len(t, entries, 1, "creates are capped per tick")
	assert.Equal(t, high.ID, entries[0].EntityID)

	delete(h.win.entries, low)
	h.step()
	assert.Empty(t, controlEntries(h.receive(t)))
}

func TestRoleChangeOutsideMigrationGoesThroughInvalid(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	hd := h.spawn(t, 1, nettypes.RoleSimulated)
	h.step()
	h.receive(t)

	h.win.entries[hd] = window.EntityReplicationData{Role: nettypes.RoleAutonomous, Priority: 1}
	h.step()
	h.step()
	entries := controlEntries(h.receive(t))
	require.Len(t, entries, 2)
	assert.Equal(t, packet.OpRemove, entries[0].Opcode)
	assert.Equal(t, packet.OpCreate, entries[1].Opcode)
	assert.Equal(t, nettypes.RoleAutonomous, entries[1].Role)
}

func TestAuthorityPeerGetsNoDeltas(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	hd := h.spawn(t, 1, nettypes.RoleAuthority)
	h.step()
	entries := controlEntries(h.receive(t))
	require.Len(t, entries, 1)
	assert.Equal(t, nettypes.RoleAuthority, entries[0].Role)

	h.entity(t, hd).SetPosition(netentity.Vec3{Z: 1})
	h.step()
	assert.Empty(t, updateEntries(h.receive(t)))
}

func TestUnackedUpdateIsResentAfterTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResendTimeoutTicks = 3
	h := newHarness(t, ServerToClient, cfg)
	acked := h.spawn(t, 1, nettypes.RoleSimulated)
	lost := h.spawn(t, 1, nettypes.RoleSimulated)
	h.step()
	h.receive(t)

	h.entity(t, lost).SetPosition(netentity.Vec3{X: 1})
	h.step()
	first := h.receive(t)
	require.Len(t, updateEntries(first), 1)

	h.entity(t, acked).SetPosition(netentity.Vec3{X: 2})
	h.step()
	second := h.receive(t)
	require.Len(t, second, 1)
	require.NoError(t, h.manager.HandlePacket(&packet.EntityAck{Sequences: []uint32{second[0].(*packet.EntityUpdates).Sequence}}))

	for i := 0; i < 3; i++ {
		h.step()
	}
	resent := updateEntries(h.receive(t))
	require.Len(t, resent, 1)
	assert.Equal(t, lost.ID, resent[0].EntityID)
	assert.Equal(t, uint64(1), h.manager.Stats().Expired)
}

func TestMalformedDeltaRejectedWithoutMutation(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	good := h.spawn(t, 1, nettypes.RoleAuthority)
	bad := h.spawn(t, 1, nettypes.RoleAuthority)
	require.True(t, h.registry.SetAuthority(good, h.conn.ID()))
	require.True(t, h.registry.SetAuthority(bad, h.conn.ID()))

	valid, err := h.entity(t, good).Fields().Clone().EncodeDelta(1)
	require.NoError(t, err)

	wide, err := netentity.NewFieldSet(netentity.KindInt64, netentity.KindInt64, netentity.KindInt64)
	require.NoError(t, err)
	outOfRange, err := wide.EncodeDelta(1 << 3)
	require.NoError(t, err)

	before := h.entity(t, good).Fields().Versions(nil)
	err = h.manager.HandlePacket(&packet.EntityUpdates{Sequence: 1, Entries: []packet.UpdateEntry{
		{EntityID: good.ID, Delta: valid},
		{EntityID: bad.ID, Delta: outOfRange},
	}})

	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, ErrCodeMalformedDelta, rerr.Code)
	assert.Equal(t, bad.ID, rerr.EntityID)
	assert.True(t, rerr.Malformed())
	assert.Equal(t, before, h.entity(t, good).Fields().Versions(nil), "no entity state is mutated")
	assert.Empty(t, h.manager.acks)
	assert.Equal(t, connection.StateConnected, h.conn.State())
}

func TestUpdatesAcceptedOnlyFromAuthority(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	hd := h.spawn(t, 1, nettypes.RoleSimulated)

	src, err := netentity.NewFieldSet(netentity.KindInt64)
	require.NoError(t, err)
	require.NoError(t, src.SetInt(1, 7))
	delta, err := src.EncodeDelta(1 << 1)
	require.NoError(t, err)

	require.NoError(t, h.manager.HandlePacket(&packet.EntityUpdates{Sequence: 1, Entries: []packet.UpdateEntry{{EntityID: hd.ID, Delta: delta}}}))
	assert.Equal(t, int64(0), h.entity(t, hd).Fields().Int(1))
	assert.Equal(t, uint64(1), h.manager.Stats().Rejected)

	require.True(t, h.registry.SetAuthority(hd, h.conn.ID()))
	require.NoError(t, h.manager.HandlePacket(&packet.EntityUpdates{Sequence: 2, Entries: []packet.UpdateEntry{{EntityID: hd.ID, Delta: delta}}}))
	assert.Equal(t, int64(7), h.entity(t, hd).Fields().Int(1))
	assert.Equal(t, []uint32{1, 2}, h.manager.acks)
}

func TestStaleSequenceSkipped(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	hd := h.spawn(t, 1, nettypes.RoleSimulated)
	require.True(t, h.registry.SetAuthority(hd, h.conn.ID()))

	src, err := netentity.NewFieldSet(netentity.KindInt64)
	require.NoError(t, err)
	require.NoError(t, src.SetInt(1, 10))
	newer, err := src.EncodeDelta(1 << 1)
	require.NoError(t, err)
	require.NoError(t, src.SetInt(1, 9))
	older, err := src.EncodeDelta(1 << 1)
	require.NoError(t, err)

	require.NoError(t, h.manager.HandlePacket(&packet.EntityUpdates{Sequence: 5, Entries: []packet.UpdateEntry{{EntityID: hd.ID, Delta: newer}}}))
	require.NoError(t, h.manager.HandlePacket(&packet.EntityUpdates{Sequence: 4, Entries: []packet.UpdateEntry{{EntityID: hd.ID, Delta: older}}}))

	assert.Equal(t, int64(10), h.entity(t, hd).Fields().Int(1))
	assert.Equal(t, uint64(1), h.manager.Stats().StaleSkipped)
}

func TestResetReemitsCreate(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	hd := h.spawn(t, 1, nettypes.RoleSimulated)
	h.step()
	h.receive(t)

	require.NoError(t, h.manager.HandlePacket(&packet.EntityResets{EntityIDs: []nettypes.NetEntityId{hd.ID, 999}}))
	h.step()
	entries := controlEntries(h.receive(t))
	require.Len(t, entries, 1)
	assert.Equal(t, packet.OpCreate, entries[0].Opcode)
	assert.Equal(t, hd.ID, entries[0].EntityID)
}

func TestByteBudgetAndPacking(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPacketSize = packet.HeaderSize + countOverhead + sequenceOverhead + 40
	h := newHarness(t, ServerToClient, cfg)
	a := h.spawn(t, 3, nettypes.RoleSimulated)
	b := h.spawn(t, 2, nettypes.RoleSimulated)
	h.step()
	h.receive(t)

	h.entity(t, a).SetPosition(netentity.Vec3{X: 1})
	h.entity(t, b).SetPosition(netentity.Vec3{X: 1})
	h.step()
	got := h.receive(t)
	require.Len(t, got, 2, "two deltas do not fit one packet")
	assert.Len(t, updateEntries(got), 2)

	h.manager.cfg.MaxBytesPerTick = 1
	h.entity(t, a).SetPosition(netentity.Vec3{X: 2})
	h.entity(t, b).SetPosition(netentity.Vec3{X: 2})
	h.step()
	updates := updateEntries(h.receive(t))
	require.Len(t, updates, 1, "the first delta is always sent, the budget defers the rest")
	assert.Equal(t, a.ID, updates[0].EntityID)

	h.step()
	updates = updateEntries(h.receive(t))
	require.Len(t, updates, 1)
	assert.Equal(t, b.ID, updates[0].EntityID)
}

func TestConnectionGoneAbandonsReplication(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	h.spawn(t, 1, nettypes.RoleSimulated)
	h.step()
	require.Equal(t, 1, h.manager.Len())

	require.True(t, h.conns.Remove(h.conn.Handle()))
	assert.False(t, h.manager.Update(h.tick+1))
	assert.Equal(t, 0, h.manager.Len())
}

func TestClientAppliesControlAndRequestsResets(t *testing.T) {
	h := newHarness(t, ClientToServer, DefaultConfig())

	src, err := netentity.NewFieldSet(netentity.KindString)
	require.NoError(t, err)
	require.NoError(t, src.SetString(1, "crate"))
	snapshot, checksum, err := src.EncodeSnapshot()
	require.NoError(t, err)

	require.NoError(t, h.manager.HandlePacket(&packet.EntityControl{Entries: []packet.ControlEntry{
		{EntityID: 7, Opcode: packet.OpCreate, Role: nettypes.RoleAutonomous, Type: "avatar", Checksum: checksum, Snapshot: snapshot},
	}}))
	e, ok := h.registry.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, "avatar", e.Type())
	assert.Equal(t, "crate", e.Fields().String(1))
	assert.Equal(t, nettypes.RoleAutonomous, e.LocalRole())
	assert.Equal(t, h.conn.ID(), e.Authority())

	delta, err := src.EncodeDelta(1)
	require.NoError(t, err)
	require.NoError(t, h.manager.HandlePacket(&packet.EntityUpdates{Sequence: 1, Entries: []packet.UpdateEntry{{EntityID: 8, Delta: delta}}}))
	assert.Empty(t, h.manager.acks, "a packet naming an unknown entity is not acked")

	h.manager.FlushAcks()
	got := h.receive(t)
	require.Len(t, got, 1)
	resets, ok := got[0].(*packet.EntityResets)
	require.True(t, ok)
	assert.Equal(t, []nettypes.NetEntityId{8}, resets.EntityIDs)
}

func TestClientRejectsBadChecksum(t *testing.T) {
	h := newHarness(t, ClientToServer, DefaultConfig())
	src, err := netentity.NewFieldSet()
	require.NoError(t, err)
	snapshot, checksum, err := src.EncodeSnapshot()
	require.NoError(t, err)

	err = h.manager.HandlePacket(&packet.EntityControl{Entries: []packet.ControlEntry{
		{EntityID: 1, Opcode: packet.OpCreate, Role: nettypes.RoleSimulated, Checksum: checksum, Snapshot: snapshot},
		{EntityID: 2, Opcode: packet.OpCreate, Role: nettypes.RoleSimulated, Checksum: checksum + 1, Snapshot: snapshot},
	}})
	var rerr *Error
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, ErrCodeChecksumMismatch, rerr.Code)
	assert.Equal(t, 0, h.registry.Len(), "no entry of a rejected packet is applied")
}

func TestClientReplicatesOwnedEntitiesUpstream(t *testing.T) {
	h := newHarness(t, ClientToServer, DefaultConfig())
	h.manager.window = window.NewClientToServerWindow(h.registry, window.DefaultConfig())

	src, err := netentity.NewFieldSet()
	require.NoError(t, err)
	snapshot, checksum, err := src.EncodeSnapshot()
	require.NoError(t, err)
	require.NoError(t, h.manager.HandlePacket(&packet.EntityControl{Entries: []packet.ControlEntry{
		{EntityID: 3, Opcode: packet.OpCreate, Role: nettypes.RoleAuthority, Checksum: checksum, Snapshot: snapshot},
		{EntityID: 4, Opcode: packet.OpCreate, Role: nettypes.RoleSimulated, Checksum: checksum, Snapshot: snapshot},
	}}))

	h.step()
	assert.Empty(t, h.receive(t), "nothing changed since the snapshot")
	assert.Equal(t, 1, h.manager.Len())

	owned, _ := h.registry.Lookup(3)
	proxy, _ := h.registry.Lookup(4)
	owned.SetPosition(netentity.Vec3{X: 5})
	proxy.SetPosition(netentity.Vec3{X: 5})
	h.step()

	updates := updateEntries(h.receive(t))
	require.Len(t, updates, 1)
	assert.Equal(t, nettypes.NetEntityId(3), updates[0].EntityID)
}

func TestClientRemoveThenCreateSameID(t *testing.T) {
	h := newHarness(t, ClientToServer, DefaultConfig())
	src, err := netentity.NewFieldSet()
	require.NoError(t, err)
	snapshot, checksum, err := src.EncodeSnapshot()
	require.NoError(t, err)
	create := packet.ControlEntry{EntityID: 2, Opcode: packet.OpCreate, Role: nettypes.RoleSimulated, Checksum: checksum, Snapshot: snapshot}

	require.NoError(t, h.manager.HandlePacket(&packet.EntityControl{Entries: []packet.ControlEntry{create}}))
	first, _ := h.registry.Lookup(2)

	create.Role = nettypes.RoleAutonomous
	require.NoError(t, h.manager.HandlePacket(&packet.EntityControl{Entries: []packet.ControlEntry{
		{EntityID: 2, Opcode: packet.OpRemove},
		create,
	}}))
	h.step()

	second, ok := h.registry.Lookup(2)
	require.True(t, ok)
	assert.NotEqual(t, first.Handle(), second.Handle())
	assert.Equal(t, nettypes.RoleAutonomous, second.LocalRole())
}

func TestFrozenHolderUpdatesRejected(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	hd := h.spawn(t, 1, nettypes.RoleAuthority)
	require.True(t, h.registry.SetAuthority(hd, h.conn.ID()))

	src, err := netentity.NewFieldSet(netentity.KindInt64)
	require.NoError(t, err)
	update := func(seq uint32, v int64) {
		require.NoError(t, src.SetInt(1, v))
		delta, err := src.EncodeDelta(1 << 1)
		require.NoError(t, err)
		require.NoError(t, h.manager.HandlePacket(&packet.EntityUpdates{Sequence: seq, Entries: []packet.UpdateEntry{{EntityID: hd.ID, Delta: delta}}}))
	}

	update(1, 1)
	assert.Equal(t, int64(1), h.entity(t, hd).Fields().Int(1))

	h.manager.Freeze(hd)
	update(2, 2)
	assert.Equal(t, int64(1), h.entity(t, hd).Fields().Int(1), "the handed over snapshot stays the reference")
	assert.Equal(t, uint64(1), h.manager.Stats().Rejected)

	h.manager.Thaw(hd)
	update(3, 3)
	assert.Equal(t, int64(3), h.entity(t, hd).Fields().Int(1))
}

func TestCommitRoleResendsEveryFieldToFormerHolder(t *testing.T) {
	h := newHarness(t, ServerToClient, DefaultConfig())
	hd := h.spawn(t, 1, nettypes.RoleAuthority)
	h.step()
	h.receive(t)

	h.win.entries[hd] = window.EntityReplicationData{Role: nettypes.RoleSimulated, Priority: 1}
	require.True(t, h.manager.CommitRole(hd, nettypes.RoleSimulated, 9))
	h.step()

	got := h.receive(t)
	entries := controlEntries(got)
	require.Len(t, entries, 1)
	assert.Equal(t, packet.OpRoleChange, entries[0].Opcode)

	updates := updateEntries(got)
	require.Len(t, updates, 1)
	assert.Equal(t, hd.ID, updates[0].EntityID)

	var mask uint64
	stage := h.entity(t, hd).Fields().Clone()
	require.True(t, stage.SerializeDelta(serialize.NewReader(updates[0].Delta), &mask))
	assert.Equal(t, h.entity(t, hd).Fields().FullMask(), mask, "every field is sent again")
}

func TestRelinquishStopsUpstreamReplication(t *testing.T) {
	h := newHarness(t, ClientToServer, DefaultConfig())
	h.manager.window = window.NewClientToServerWindow(h.registry, window.DefaultConfig())

	src, err := netentity.NewFieldSet()
	require.NoError(t, err)
	snapshot, checksum, err := src.EncodeSnapshot()
	require.NoError(t, err)
	require.NoError(t, h.manager.HandlePacket(&packet.EntityControl{Entries: []packet.ControlEntry{
		{EntityID: 3, Opcode: packet.OpCreate, Role: nettypes.RoleAuthority, Checksum: checksum, Snapshot: snapshot},
	}}))
	h.step()
	require.Equal(t, 1, h.manager.Len())

	owned, _ := h.registry.Lookup(3)
	owned.SetPosition(netentity.Vec3{X: 1})
	require.NoError(t, h.manager.HandlePacket(&packet.EntityControl{Entries: []packet.ControlEntry{
		{EntityID: 3, Opcode: packet.OpRelinquish, Role: nettypes.RoleAuthority, Nonce: 4},
	}}))
	assert.Equal(t, nettypes.RoleSimulated, owned.LocalRole())
	assert.Equal(t, 0, h.manager.Len())

	owned.SetPosition(netentity.Vec3{X: 2})
	h.step()
	got := h.receive(t)
	require.Len(t, got, 1, "only the release goes out")
	release, ok := got[0].(*packet.MigrationRelease)
	require.True(t, ok)
	assert.Equal(t, uint32(4), release.Nonce)
	final, err := netentity.DecodeSnapshot(release.Snapshot, release.Checksum)
	require.NoError(t, err)
	assert.Equal(t, netentity.Vec3{X: 1}, final.Vec3(netentity.TransformField))

	// a cancelled migration hands authority back and resends everything
	require.NoError(t, h.manager.HandlePacket(&packet.EntityControl{Entries: []packet.ControlEntry{
		{EntityID: 3, Opcode: packet.OpCancel, Role: nettypes.RoleAuthority, Nonce: 4},
	}}))
	assert.Equal(t, nettypes.RoleAuthority, owned.LocalRole())
	h.step()
	updates := updateEntries(h.receive(t))
	require.Len(t, updates, 1)
	assert.Equal(t, nettypes.NetEntityId(3), updates[0].EntityID)
}
