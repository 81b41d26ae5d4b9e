// Package multiplayer hosts the replication subsystem: it accepts
// connections, runs the handshake, owns one ConnectionData per connected
// peer, coordinates authority migrations and drives everything from a single
// tick.
package multiplayer

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/domain"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
	"github.com/zeusync/netreplica/internal/core/replication"
	"github.com/zeusync/netreplica/internal/core/transport"
	"github.com/zeusync/netreplica/internal/core/window"
)

// HostMode is the side a Network plays.
type HostMode uint8

const (
	HostServer HostMode = iota
	HostClient
)

func (m HostMode) String() string {
	if m == HostClient {
		return "client"
	}
	return "server"
}

type peer struct {
	conn          *connection.Conn
	data          *ConnectionData
	controlled    netentity.Handle
	attachedAt    time.Time
	lastHeartbeat time.Time
}

func (p *peer) id() nettypes.ConnectionID { return p.conn.ID() }

// Network is the gameplay facing entry point. Apart from Attach and Connect,
// which may be called from accept goroutines, every method belongs to the
// tick goroutine.
type Network struct {
	mode     HostMode
	hostID   uuid.UUID
	cfg      Config
	logger   log.Log
	registry *netentity.Registry
	conns    *connection.Registry
	packets  *packet.Registry
	incoming chan *connection.Conn

	peers      map[nettypes.ConnectionID]*peer
	migrations *migrator
	tick       uint64

	// client side
	remoteHostID uuid.UUID

	onConnect    []func(nettypes.ConnectionID)
	onDisconnect []func(nettypes.ConnectionID, string)
	onTick       []func(uint64)
}

func newNetwork(mode HostMode, cfg Config, logger log.Log) *Network {
	n := &Network{
		mode:     mode,
		hostID:   uuid.New(),
		cfg:      cfg,
		registry: netentity.NewRegistry(),
		conns:    connection.NewRegistry(cfg.Connection, logger),
		packets:  packet.NewRegistry(),
		incoming: make(chan *connection.Conn, max(cfg.AcceptQueueSize, 1)),
		peers:    make(map[nettypes.ConnectionID]*peer),
	}
	n.logger = logger.With(log.String("component", "network"), log.Stringer("host_mode", mode), log.String("host_id", n.hostID.String()))
	n.migrations = newMigrator(n)
	return n
}

// NewServer creates the authoritative side.
func NewServer(cfg Config, logger log.Log) *Network {
	return newNetwork(HostServer, cfg, logger)
}

// NewClient creates a client that connects to one server.
func NewClient(cfg Config, logger log.Log) *Network {
	return newNetwork(HostClient, cfg, logger)
}

func (n *Network) Mode() HostMode                    { return n.mode }
func (n *Network) HostID() uuid.UUID                 { return n.hostID }
func (n *Network) Config() Config                    { return n.cfg }
func (n *Network) Registry() *netentity.Registry     { return n.registry }
func (n *Network) Connections() *connection.Registry { return n.conns }
func (n *Network) CurrentTick() uint64               { return n.tick }

// RemoteHostID is the server's host id once a client has been accepted.
func (n *Network) RemoteHostID() uuid.UUID { return n.remoteHostID }

// OnConnect registers an observer called when a peer completes the
// handshake.
func (n *Network) OnConnect(fn func(nettypes.ConnectionID)) {
	n.onConnect = append(n.onConnect, fn)
}

// OnDisconnect registers an observer called after a peer's replication state
// has been torn down.
func (n *Network) OnDisconnect(fn func(nettypes.ConnectionID, string)) {
	n.onDisconnect = append(n.onDisconnect, fn)
}

// OnTick registers a simulation step. It runs every tick after inbound
// packets were applied and before replication is sent, so changes it makes
// go out in the same tick.
func (n *Network) OnTick(fn func(tick uint64)) {
	n.onTick = append(n.onTick, fn)
}

// Attach wraps an accepted link. The caller runs the returned connection's
// Run. The peer joins the network at the next tick.
func (n *Network) Attach(link transport.Link) (*connection.Conn, error) {
	if n.mode != HostServer {
		return nil, ErrNotServer
	}
	if n.cfg.MaxConnections > 0 && n.conns.Len() >= n.cfg.MaxConnections {
		_ = link.Close(ErrMaxConnections.Error())
		return nil, ErrMaxConnections
	}
	conn := n.conns.Add(link)
	if err := n.enqueue(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Connect starts the handshake with a server over link. The caller runs the
// returned connection's Run.
func (n *Network) Connect(link transport.Link) (*connection.Conn, error) {
	if n.mode != HostClient {
		return nil, ErrNotClient
	}
	if n.conns.Len() > 0 {
		return nil, ErrAlreadyConnected
	}
	conn := n.conns.Add(link)
	if err := conn.Send(&packet.Connect{ProtocolVersion: packet.ProtocolVersion, Name: n.cfg.Name}); err != nil {
		n.conns.Remove(conn.Handle())
		return nil, err
	}
	if err := n.enqueue(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (n *Network) enqueue(conn *connection.Conn) error {
	select {
	case n.incoming <- conn:
		return nil
	default:
		conn.Close(ErrAcceptQueueFull.Error())
		n.conns.Remove(conn.Handle())
		return ErrAcceptQueueFull
	}
}

// CreateEntity creates a server owned entity.
func (n *Network) CreateEntity(spec netentity.Spec) (netentity.Handle, error) {
	if n.mode != HostServer {
		return netentity.InvalidHandle, ErrNotServer
	}
	return n.registry.Create(spec)
}

// DestroyEntity removes the entity at the next tick boundary. Every peer
// gets a remove in that tick.
func (n *Network) DestroyEntity(h netentity.Handle) bool {
	return n.registry.Destroy(h)
}

func (n *Network) Entity(h netentity.Handle) (*netentity.Entity, bool) {
	e, ok := n.registry.Resolve(h)
	if !ok || e.MarkedForRemoval() {
		return nil, false
	}
	return e, true
}

// RequestAuthorityMigration moves authority over h to target, which may be
// LocalConnectionID to take it back. The migration completes over the
// following ticks.
func (n *Network) RequestAuthorityMigration(h netentity.Handle, target nettypes.ConnectionID) error {
	if n.mode != HostServer {
		return ErrNotServer
	}
	return n.migrations.request(h, target)
}

// MigrationPending reports whether h is being migrated.
func (n *Network) MigrationPending(h netentity.Handle) bool {
	return n.migrations.pending(h)
}

// GetReplicationRole returns the role conn has over h. For
// LocalConnectionID it is this host's own role.
func (n *Network) GetReplicationRole(h netentity.Handle, conn nettypes.ConnectionID) nettypes.NetEntityRole {
	if conn == nettypes.LocalConnectionID {
		if e, ok := n.registry.Resolve(h); ok {
			return e.LocalRole()
		}
		return nettypes.RoleInvalid
	}
	p, ok := n.peers[conn]
	if !ok || p.data == nil {
		return nettypes.RoleInvalid
	}
	role, _ := p.data.manager.Role(h)
	return role
}

// SetControlledEntity makes conn the autonomous controller of h and centers
// conn's area of interest on it.
func (n *Network) SetControlledEntity(conn nettypes.ConnectionID, h netentity.Handle) error {
	if n.mode != HostServer {
		return ErrNotServer
	}
	p, ok := n.peers[conn]
	if !ok {
		return ErrConnectionNotFound
	}
	if !n.registry.SetController(h, conn) {
		return netentity.ErrEntityNotFound
	}
	if p.controlled.IsValid() && p.controlled != h {
		if e, ok := n.registry.Resolve(p.controlled); ok && e.Controller() == conn {
			n.registry.SetController(p.controlled, nettypes.LocalConnectionID)
		}
	}
	p.controlled = h
	return nil
}

// ConnectionData returns the replication state of a connected peer.
func (n *Network) ConnectionData(conn nettypes.ConnectionID) (*ConnectionData, bool) {
	p, ok := n.peers[conn]
	if !ok || p.data == nil {
		return nil, false
	}
	return p.data, true
}

// Peers returns the connected peers in ascending id order.
func (n *Network) Peers() []nettypes.ConnectionID {
	var out []nettypes.ConnectionID
	for _, id := range n.sortedPeers() {
		if n.peers[id].data != nil {
			out = append(out, id)
		}
	}
	return out
}

// ServerConnection is the client's connection to its server.
func (n *Network) ServerConnection() (nettypes.ConnectionID, bool) {
	for _, id := range n.sortedPeers() {
		if n.peers[id].data != nil {
			return id, true
		}
	}
	return nettypes.LocalConnectionID, false
}

func (n *Network) sortedPeers() []nettypes.ConnectionID {
	return slices.Sorted(maps.Keys(n.peers))
}

// startReplication attaches ConnectionData to a peer that completed the
// handshake.
func (n *Network) startReplication(p *peer) {
	var (
		mode replication.Mode
		win  window.ReplicationWindow
		dom  domain.EntityDomain
		send bool
	)
	if n.mode == HostServer {
		center := n.interestCenter(p)
		if n.cfg.Domain.Radius > 0 {
			dom = domain.NewSpatialDomain(n.registry, p.id(), center, n.cfg.Domain)
		} else {
			dom = domain.NewFullDomain(n.registry)
		}
		mode = replication.ServerToClient
		win = window.NewServerToClientWindow(n.registry, dom, p.id(), center, n.cfg.Window)
		// the client opts in with ReadyForEntityUpdates
		send = false
	} else {
		dom = domain.NewFullDomain(n.registry)
		mode = replication.ClientToServer
		win = window.NewClientToServerWindow(n.registry, n.cfg.Window)
		send = true
	}

	manager := replication.NewManager(mode, p.conn.Handle(), replication.Deps{
		Conns:    n.conns,
		Registry: n.registry,
		Window:   win,
		Domain:   dom,
		Logger:   n.logger,
	}, n.cfg.Replication)
	p.data = NewConnectionData(manager, send)
}

func (n *Network) interestCenter(p *peer) domain.InterestFunc {
	return func() (netentity.Vec3, bool) {
		e, ok := n.registry.Resolve(p.controlled)
		if !ok {
			return netentity.Vec3{}, false
		}
		return e.Position(), true
	}
}
