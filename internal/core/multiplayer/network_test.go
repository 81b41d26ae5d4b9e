package multiplayer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
	"github.com/zeusync/netreplica/internal/core/replication"
	"github.com/zeusync/netreplica/internal/core/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Domain.Radius = 0
	cfg.MigrationTimeoutTicks = 0
	return cfg
}

type pair struct {
	server     *Network
	client     *Network
	serverConn *connection.Conn
	clientConn *connection.Conn
	// id of the client as seen by the server
	clientID nettypes.ConnectionID
}

func newPair(t *testing.T, cfg Config) *pair {
	t.Helper()
	server := NewServer(cfg, log.NewNop())
	client := NewClient(cfg, log.NewNop())

	serverLink, clientLink := transport.NewPipe(512)
	sc, err := server.Attach(serverLink)
	require.NoError(t, err)
	cc, err := client.Connect(clientLink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sc.Run(ctx) }()
	go func() { _ = cc.Run(ctx) }()

	p := &pair{server: server, client: client, serverConn: sc, clientConn: cc, clientID: sc.ID()}
	p.until(t, func() bool {
		_, ok := client.ServerConnection()
		data, ready := server.ConnectionData(p.clientID)
		return ok && ready && data.CanSendUpdates()
	})
	return p
}

func (p *pair) tick() {
	p.server.Tick()
	p.client.Tick()
}

func (p *pair) until(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		p.tick()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func (p *pair) proxy(id nettypes.NetEntityId) (*netentity.Entity, bool) {
	e, ok := p.client.Registry().Lookup(id)
	if !ok || e.MarkedForRemoval() {
		return nil, false
	}
	return e, true
}

func (p *pair) established(h netentity.Handle) bool {
	data, ok := p.server.ConnectionData(p.clientID)
	return ok && data.Manager().Established(h)
}

func spawn(t *testing.T, n *Network) netentity.Handle {
	t.Helper()
	h, err := n.CreateEntity(netentity.Spec{Type: "crate", Fields: []netentity.FieldKind{netentity.KindString}})
	require.NoError(t, err)
	return h
}

func TestHandshakeAndReplication(t *testing.T) {
	p := newPair(t, testConfig())
	assert.Equal(t, p.server.HostID(), p.client.RemoteHostID())
	assert.Equal(t, []nettypes.ConnectionID{p.clientID}, p.server.Peers())

	h := spawn(t, p.server)
	e, _ := p.server.Entity(h)
	require.NoError(t, e.Fields().SetString(1, "hello"))

	p.until(t, func() bool {
		proxy, ok := p.proxy(h.ID)
		return ok && proxy.Fields().String(1) == "hello"
	})
	proxy, _ := p.proxy(h.ID)
	assert.Equal(t, "crate", proxy.Type())
	assert.Equal(t, nettypes.RoleSimulated, proxy.LocalRole())
	assert.Equal(t, nettypes.RoleSimulated, p.server.GetReplicationRole(h, p.clientID))
	assert.Equal(t, nettypes.RoleAuthority, p.server.GetReplicationRole(h, nettypes.LocalConnectionID))

	e.SetPosition(netentity.Vec3{X: 4, Y: 2})
	p.until(t, func() bool {
		proxy, ok := p.proxy(h.ID)
		return ok && proxy.Position() == netentity.Vec3{X: 4, Y: 2}
	})
}

func TestCanSendUpdatesGatePreservesDirtyState(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)
	p.until(t, func() bool { _, ok := p.proxy(h.ID); return ok })

	data, _ := p.server.ConnectionData(p.clientID)
	data.SetCanSendUpdates(false)
	e, _ := p.server.Entity(h)
	e.SetPosition(netentity.Vec3{Z: 9})

	for i := 0; i < 10; i++ {
		p.tick()
		time.Sleep(time.Millisecond)
	}
	proxy, _ := p.proxy(h.ID)
	assert.Equal(t, netentity.Vec3{}, proxy.Position(), "nothing is sent while gated")

	data.SetCanSendUpdates(true)
	p.until(t, func() bool { return proxy.Position() == netentity.Vec3{Z: 9} })
}

func TestDestroyEntityRemovesProxy(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)
	p.until(t, func() bool { _, ok := p.proxy(h.ID); return ok })

	require.True(t, p.server.DestroyEntity(h))
	p.until(t, func() bool { _, ok := p.proxy(h.ID); return !ok })
	_, ok := p.server.Entity(h)
	assert.False(t, ok)
}

func TestControlledEntityIsAutonomous(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)
	require.NoError(t, p.server.SetControlledEntity(p.clientID, h))

	p.until(t, func() bool {
		proxy, ok := p.proxy(h.ID)
		return ok && proxy.LocalRole() == nettypes.RoleAutonomous
	})
	assert.Equal(t, nettypes.RoleAutonomous, p.server.GetReplicationRole(h, p.clientID))
	assert.ErrorIs(t, p.server.SetControlledEntity(99, h), ErrConnectionNotFound)
}

func TestMigrationToClientAndBack(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)
	p.until(t, func() bool { return p.established(h) })

	require.NoError(t, p.server.RequestAuthorityMigration(h, p.clientID))
	assert.True(t, p.server.MigrationPending(h))
	assert.ErrorIs(t, p.server.RequestAuthorityMigration(h, nettypes.LocalConnectionID), ErrMigrationConflict)

	p.until(t, func() bool {
		proxy, ok := p.proxy(h.ID)
		return ok && proxy.LocalRole() == nettypes.RoleAuthority && !p.server.MigrationPending(h)
	})
	e, _ := p.server.Entity(h)
	assert.Equal(t, p.clientID, e.Authority())
	assert.Equal(t, nettypes.RoleAuthority, p.server.GetReplicationRole(h, p.clientID))
	assert.Equal(t, nettypes.RoleSimulated, p.server.GetReplicationRole(h, nettypes.LocalConnectionID))

	// the new holder now drives the entity
	proxy, _ := p.proxy(h.ID)
	require.NoError(t, proxy.Fields().SetString(1, "from client"))
	p.until(t, func() bool { return e.Fields().String(1) == "from client" })

	require.NoError(t, p.server.RequestAuthorityMigration(h, nettypes.LocalConnectionID))
	require.NoError(t, proxy.Fields().SetString(1, "final"))
	p.until(t, func() bool {
		return e.Authority() == nettypes.LocalConnectionID && proxy.LocalRole() == nettypes.RoleSimulated
	})
	assert.Equal(t, "final", e.Fields().String(1), "the holder's final snapshot is kept")
	assert.Equal(t, nettypes.RoleSimulated, p.server.GetReplicationRole(h, p.clientID))
}

func TestMigrationRequestValidation(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)

	assert.ErrorIs(t, p.server.RequestAuthorityMigration(h, p.clientID), ErrMigrationNotReady)
	assert.ErrorIs(t, p.server.RequestAuthorityMigration(h, 42), ErrConnectionNotFound)
	assert.ErrorIs(t, p.server.RequestAuthorityMigration(netentity.Handle{ID: 77, Generation: 1}, p.clientID), netentity.ErrEntityNotFound)
	assert.NoError(t, p.server.RequestAuthorityMigration(h, nettypes.LocalConnectionID), "already held")
	assert.ErrorIs(t, p.client.RequestAuthorityMigration(h, nettypes.LocalConnectionID), ErrNotServer)
}

func authorityHolders(n *Network, h netentity.Handle) int {
	holders := 0
	if n.GetReplicationRole(h, nettypes.LocalConnectionID) == nettypes.RoleAuthority {
		holders++
	}
	for _, id := range n.Peers() {
		if n.GetReplicationRole(h, id) == nettypes.RoleAuthority {
			holders++
		}
	}
	return holders
}

func TestTargetDisconnectMidMigrationRollsBack(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)
	p.until(t, func() bool { return p.established(h) })

	var disconnected []nettypes.ConnectionID
	p.server.OnDisconnect(func(id nettypes.ConnectionID, _ string) { disconnected = append(disconnected, id) })

	require.NoError(t, p.server.RequestAuthorityMigration(h, p.clientID))
	p.clientConn.Close("client quit")

	deadline := time.Now().Add(3 * time.Second)
	for len(p.server.Peers()) > 0 && time.Now().Before(deadline) {
		p.server.Tick()
		require.Equal(t, 1, authorityHolders(p.server, h), "exactly one authority holder per tick")
		time.Sleep(time.Millisecond)
	}
	require.Empty(t, p.server.Peers())

	e, ok := p.server.Entity(h)
	require.True(t, ok)
	assert.Equal(t, nettypes.LocalConnectionID, e.Authority())
	assert.False(t, p.server.MigrationPending(h))
	assert.Equal(t, []nettypes.ConnectionID{p.clientID}, disconnected)
}

func TestHolderDisconnectReclaimsAuthority(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)
	p.until(t, func() bool { return p.established(h) })
	require.NoError(t, p.server.RequestAuthorityMigration(h, p.clientID))
	e, _ := p.server.Entity(h)
	p.until(t, func() bool { return e.Authority() == p.clientID })

	p.clientConn.Close("crash")
	p.until(t, func() bool { return len(p.server.Peers()) == 0 })
	assert.Equal(t, nettypes.LocalConnectionID, e.Authority())
	assert.Equal(t, nettypes.RoleAuthority, e.LocalRole())

	_, ok := p.client.ServerConnection()
	assert.False(t, ok)
	_, ok = p.proxy(h.ID)
	assert.False(t, ok, "client proxies die with the server connection")
}

func TestMigrationTimeoutRollsBack(t *testing.T) {
	cfg := testConfig()
	cfg.MigrationTimeoutTicks = 3
	p := newPair(t, cfg)
	h := spawn(t, p.server)
	p.until(t, func() bool { return p.established(h) })

	require.NoError(t, p.server.RequestAuthorityMigration(h, p.clientID))
	// the client never ticks, so it never acknowledges
	for i := 0; i < 4; i++ {
		p.server.Tick()
	}
	assert.False(t, p.server.MigrationPending(h))
	e, _ := p.server.Entity(h)
	assert.Equal(t, nettypes.LocalConnectionID, e.Authority())
}

func TestAckFromWrongConnectionIsConflict(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)
	p.until(t, func() bool { return p.established(h) })
	require.NoError(t, p.server.RequestAuthorityMigration(h, p.clientID))

	mig := p.server.migrations.active[h.ID]
	require.NotNil(t, mig)
	p.server.migrations.onAck(p.clientID+1, &packet.MigrationAck{EntityID: h.ID, Nonce: mig.nonce})
	assert.False(t, p.server.MigrationPending(h))
	e, _ := p.server.Entity(h)
	assert.Equal(t, nettypes.LocalConnectionID, e.Authority())
}

// rawClient speaks the protocol by hand over a pipe.
type rawClient struct {
	link    transport.Link
	packets *packet.Registry
}

func attachRaw(t *testing.T, server *Network) *rawClient {
	t.Helper()
	serverLink, clientLink := transport.NewPipe(64)
	conn, err := server.Attach(serverLink)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = conn.Run(ctx) }()
	return &rawClient{link: clientLink, packets: packet.NewRegistry()}
}

func (c *rawClient) send(t *testing.T, p packet.Packet) {
	t.Helper()
	frame, err := packet.Encode(p, 64*1024)
	require.NoError(t, err)
	require.NoError(t, c.link.Send(context.Background(), frame, true))
}

func (c *rawClient) expect(t *testing.T, typ packet.Type) packet.Packet {
	t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		frame, err := c.link.Receive(ctx)
		cancel()
		require.NoError(t, err)
		p, err := packet.Decode(frame, c.packets)
		require.NoError(t, err)
		if p.GetPacketType() == typ {
			return p
		}
	}
}

func tickUntil(t *testing.T, n *Network, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n.Tick()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestProtocolVersionMismatch(t *testing.T) {
	server := NewServer(testConfig(), log.NewNop())
	c := attachRaw(t, server)
	c.send(t, &packet.Connect{ProtocolVersion: packet.ProtocolVersion + 1})

	tickUntil(t, server, func() bool { return server.Connections().Len() == 0 })
	d := c.expect(t, packet.TypeDisconnect).(*packet.Disconnect)
	assert.Equal(t, ErrProtocolVersion.Error(), d.Reason)
}

func TestMalformedPacketPolicy(t *testing.T) {
	valid, err := packet.Encode(&packet.EntityUpdates{}, 0)
	require.NoError(t, err)
	malformed := append(valid, 0xff)

	t.Run("drop", func(t *testing.T) {
		server := NewServer(testConfig(), log.NewNop())
		c := attachRaw(t, server)
		c.send(t, &packet.Connect{ProtocolVersion: packet.ProtocolVersion})
		tickUntil(t, server, func() bool { return len(server.Peers()) == 1 })
		c.expect(t, packet.TypeAccept)

		require.NoError(t, c.link.Send(context.Background(), malformed, true))
		for i := 0; i < 20; i++ {
			server.Tick()
			time.Sleep(time.Millisecond)
		}
		assert.Len(t, server.Peers(), 1, "connection stays alive")
	})

	t.Run("disconnect", func(t *testing.T) {
		cfg := testConfig()
		cfg.Replication.MalformedPolicy = replication.PolicyDisconnect
		server := NewServer(cfg, log.NewNop())
		c := attachRaw(t, server)
		c.send(t, &packet.Connect{ProtocolVersion: packet.ProtocolVersion})
		tickUntil(t, server, func() bool { return len(server.Peers()) == 1 })
		c.expect(t, packet.TypeAccept)

		require.NoError(t, c.link.Send(context.Background(), malformed, true))
		tickUntil(t, server, func() bool { return len(server.Peers()) == 0 })
		d := c.expect(t, packet.TypeDisconnect).(*packet.Disconnect)
		assert.Equal(t, "malformed packet", d.Reason)
	})
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	server := NewServer(cfg, log.NewNop())
	a, _ := transport.NewPipe(1)
	_, err := server.Attach(a)
	require.NoError(t, err)

	b, _ := transport.NewPipe(1)
	_, err = server.Attach(b)
	assert.ErrorIs(t, err, ErrMaxConnections)
}

func TestOnTickChangesGoOutSameTick(t *testing.T) {
	p := newPair(t, testConfig())
	h := spawn(t, p.server)
	p.until(t, func() bool { _, ok := p.proxy(h.ID); return ok })

	var ticks []uint64
	p.server.OnTick(func(tick uint64) {
		ticks = append(ticks, tick)
		if e, ok := p.server.Entity(h); ok {
			e.SetPosition(netentity.Vec3{X: float64(tick)})
		}
	})
	p.until(t, func() bool {
		proxy, ok := p.proxy(h.ID)
		return ok && proxy.Position().X > 0
	})
	require.NotEmpty(t, ticks)
	assert.Equal(t, p.server.CurrentTick(), ticks[len(ticks)-1])
}

func TestShutdownDisconnectsPeers(t *testing.T) {
	p := newPair(t, testConfig())
	var reasons []string
	p.client.OnDisconnect(func(_ nettypes.ConnectionID, reason string) { reasons = append(reasons, reason) })

	p.server.Shutdown("maintenance")
	p.until(t, func() bool {
		_, ok := p.client.ServerConnection()
		return len(p.server.Peers()) == 0 && !ok
	})
	require.Len(t, reasons, 1)
}

// joinClient connects a new client to server and waits until the server
// streams updates to it.
func joinClient(t *testing.T, server *Network, cfg Config) (*Network, nettypes.ConnectionID) {
	t.Helper()
	client := NewClient(cfg, log.NewNop())
	serverLink, clientLink := transport.NewPipe(512)
	sc, err := server.Attach(serverLink)
	require.NoError(t, err)
	cc, err := client.Connect(clientLink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sc.Run(ctx) }()
	go func() { _ = cc.Run(ctx) }()

	tickAll(t, []*Network{server, client}, func() bool {
		data, ok := server.ConnectionData(sc.ID())
		return ok && data.CanSendUpdates()
	})
	return client, sc.ID()
}

func tickAll(t *testing.T, nets []*Network, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nets {
			n.Tick()
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func fieldOf(n *Network, id nettypes.NetEntityId) string {
	e, ok := n.Registry().Lookup(id)
	if !ok || e.MarkedForRemoval() {
		return ""
	}
	return e.Fields().String(1)
}

func TestMigrationBetweenClientsKeepsStateConsistent(t *testing.T) {
	cfg := testConfig()
	server := NewServer(cfg, log.NewNop())
	a, aID := joinClient(t, server, cfg)
	b, bID := joinClient(t, server, cfg)
	all := []*Network{server, a, b}

	h := spawn(t, server)
	tickAll(t, all, func() bool {
		da, _ := server.ConnectionData(aID)
		db, _ := server.ConnectionData(bID)
		return da.Manager().Established(h) && db.Manager().Established(h)
	})

	require.NoError(t, server.RequestAuthorityMigration(h, aID))
	tickAll(t, all, func() bool {
		e, ok := a.Registry().Lookup(h.ID)
		return ok && e.LocalRole() == nettypes.RoleAuthority && !server.MigrationPending(h)
	})
	held, _ := a.Registry().Lookup(h.ID)
	require.NoError(t, held.Fields().SetString(1, "x1"))
	tickAll(t, all, func() bool { return fieldOf(server, h.ID) == "x1" && fieldOf(b, h.ID) == "x1" })

	require.NoError(t, server.RequestAuthorityMigration(h, bID))
	server.Tick()
	tickAll(t, []*Network{a}, func() bool { return held.LocalRole() != nettypes.RoleAuthority })

	// writes after the final snapshot are not the reference anymore
	require.NoError(t, held.Fields().SetString(1, "x2"))
	for i := 0; i < 5; i++ {
		a.Tick()
		time.Sleep(time.Millisecond)
	}

	e, _ := server.Entity(h)
	deadline := time.Now().Add(3 * time.Second)
	for e.Authority() != bID || server.MigrationPending(h) {
		require.True(t, time.Now().Before(deadline), "migration did not commit")
		for _, n := range all {
			n.Tick()
		}
		require.Equal(t, 1, authorityHolders(server, h), "exactly one authority holder per tick")
		time.Sleep(time.Millisecond)
	}

	tickAll(t, all, func() bool {
		return fieldOf(server, h.ID) == "x1" && fieldOf(b, h.ID) == "x1" && fieldOf(a, h.ID) == "x1"
	})
	proxyB, _ := b.Registry().Lookup(h.ID)
	assert.Equal(t, nettypes.RoleAuthority, proxyB.LocalRole())
	assert.Equal(t, nettypes.RoleSimulated, held.LocalRole())

	// the new holder drives the entity for everyone
	require.NoError(t, proxyB.Fields().SetString(1, "x3"))
	tickAll(t, all, func() bool { return fieldOf(server, h.ID) == "x3" && fieldOf(a, h.ID) == "x3" })
}
