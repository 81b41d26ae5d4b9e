package multiplayer

import (
	"time"

	"github.com/pkg/errors"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/netentity"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
	"github.com/zeusync/netreplica/internal/core/replication"
)

// Tick advances the network by one step:
//
//  1. removes entities destroyed during the previous tick
//  2. admits attached connections
//  3. applies inbound packets, per connection in arrival order
//  4. tears down disconnected peers and reclaims their authority
//  5. times out stale migrations
//  6. runs the OnTick simulation steps
//  7. runs every ConnectionData, which sends this tick's replication
func (n *Network) Tick() {
	n.tick++
	now := time.Now()

	for _, h := range n.registry.Flush() {
		n.logger.Debug("Entity removed", log.Stringer("entity", h))
	}

	n.admit(now)

	for _, id := range n.sortedPeers() {
		p := n.peers[id]
		for _, frame := range p.conn.Drain(0) {
			n.dispatch(p, frame)
		}
	}

	for _, id := range n.sortedPeers() {
		n.checkLiveness(n.peers[id], now)
	}

	n.migrations.update(n.tick)

	for _, fn := range n.onTick {
		fn(n.tick)
	}

	for _, id := range n.sortedPeers() {
		p := n.peers[id]
		if p.data == nil {
			continue
		}
		n.heartbeat(p, now)
		if !p.data.Update(n.tick) {
			n.dropPeer(p, p.conn.CloseReason())
		}
	}
}

func (n *Network) admit(now time.Time) {
	for {
		select {
		case conn := <-n.incoming:
			n.peers[conn.ID()] = &peer{conn: conn, attachedAt: now, lastHeartbeat: now}
			n.logger.Debug("Connection attached", log.Stringer("connection_id", conn.ID()),
				log.String("transport", string(conn.Transport())))
		default:
			return
		}
	}
}

func (n *Network) checkLiveness(p *peer, now time.Time) {
	cfg := n.cfg.Connection
	switch {
	case p.conn.State() > connection.StateConnected:
		n.dropPeer(p, p.conn.CloseReason())
	case p.data == nil && cfg.HandshakeTimeout > 0 && now.Sub(p.attachedAt) > cfg.HandshakeTimeout:
		n.disconnect(p, "handshake timeout")
		n.dropPeer(p, "handshake timeout")
	case cfg.IdleTimeout > 0 && now.Sub(p.conn.LastActivity()) > cfg.IdleTimeout:
		n.disconnect(p, "idle timeout")
		n.dropPeer(p, "idle timeout")
	}
}

func (n *Network) heartbeat(p *peer, now time.Time) {
	interval := n.cfg.Connection.HeartbeatInterval
	if interval <= 0 || now.Sub(p.lastHeartbeat) < interval {
		return
	}
	p.lastHeartbeat = now
	if err := p.conn.Send(&packet.Heartbeat{Tick: n.tick}); err != nil {
		p.conn.Logger().Debug("Heartbeat not sent", log.Error(err))
	}
}

// Shutdown disconnects every peer with reason. Queued packets, including
// the Disconnect, are still flushed by each connection's writer. The next
// Tick tears the peers down.
func (n *Network) Shutdown(reason string) {
	for _, id := range n.sortedPeers() {
		n.disconnect(n.peers[id], reason)
	}
	n.logger.Info("Network shutting down", log.Int("peers", len(n.peers)), log.String("reason", reason))
}

// disconnect tells the peer why and closes the connection after the queued
// packets are flushed.
func (n *Network) disconnect(p *peer, reason string) {
	_ = p.conn.Send(&packet.Disconnect{Reason: reason})
	p.conn.Close(reason)
}

// dropPeer destroys the peer's ConnectionData, rolls back its migrations and
// reclaims what it held. The connection handle stops resolving at once.
func (n *Network) dropPeer(p *peer, reason string) {
	id := p.id()
	if _, ok := n.peers[id]; !ok {
		return
	}
	delete(n.peers, id)
	p.conn.Close(reason)
	n.conns.Remove(p.conn.Handle())

	wasConnected := p.data != nil
	p.data = nil
	n.migrations.connectionLost(id)

	n.registry.Range(func(e *netentity.Entity) bool {
		if n.mode == HostClient {
			// proxies die with the server connection
			if e.Authority() == id || e.LocalRole() == nettypes.RoleAuthority {
				n.registry.Destroy(e.Handle())
			}
			return true
		}
		if e.Authority() == id {
			n.registry.SetAuthority(e.Handle(), nettypes.LocalConnectionID)
			e.ResetSequence()
			n.logger.Info("Authority reclaimed from disconnected connection",
				log.Stringer("entity_id", e.ID()), log.Stringer("connection_id", id))
		}
		if e.Controller() == id {
			n.registry.SetController(e.Handle(), nettypes.LocalConnectionID)
		}
		return true
	})

	n.logger.Info("Connection dropped", log.Stringer("connection_id", id), log.String("reason", reason))
	if !wasConnected {
		return
	}
	for _, fn := range n.onDisconnect {
		fn(id, reason)
	}
}

func (n *Network) dispatch(p *peer, frame []byte) {
	pkt, err := packet.Decode(frame, n.packets)
	if err != nil {
		n.rejected(p, err)
		return
	}

	switch pkt := pkt.(type) {
	case *packet.Connect:
		n.handleConnect(p, pkt)
	case *packet.Accept:
		n.handleAccept(p, pkt)
	case *packet.Disconnect:
		p.conn.Logger().Info("Peer disconnected", log.String("reason", pkt.Reason))
		p.conn.Close(pkt.Reason)
	case *packet.Heartbeat:
	case *packet.ReadyForEntityUpdates:
		if p.data != nil && n.mode == HostServer {
			p.data.SetCanSendUpdates(pkt.Ready)
			p.conn.Logger().Debug("Peer readiness changed", log.Bool("ready", pkt.Ready))
		}
	case *packet.MigrationRelease:
		if n.mode == HostServer && p.data != nil {
			n.migrations.onRelease(p.id(), pkt)
		}
	case *packet.MigrationAck:
		if n.mode == HostServer && p.data != nil {
			n.migrations.onAck(p.id(), pkt)
		}
	default:
		if p.data == nil {
			p.conn.Logger().Warn("Replication packet before handshake", log.Stringer("packet_type", pkt.GetPacketType()))
			return
		}
		if err := p.data.manager.HandlePacket(pkt); err != nil {
			n.rejected(p, err)
		}
	}
}

// rejected applies the malformed packet policy. State was not touched.
func (n *Network) rejected(p *peer, err error) {
	var rerr *replication.Error
	malformed := errors.Is(err, packet.ErrMalformedPacket) ||
		errors.Is(err, packet.ErrUnknownPacketType) ||
		(errors.As(err, &rerr) && rerr.Malformed())
	if !malformed {
		p.conn.Logger().Warn("Packet rejected", log.Error(err))
		return
	}

	if n.cfg.Replication.MalformedPolicy == replication.PolicyDisconnect {
		p.conn.Logger().Warn("Malformed packet, disconnecting", log.Error(err))
		n.disconnect(p, "malformed packet")
		return
	}
	p.conn.Logger().Warn("Malformed packet dropped", log.Error(err))
}

func (n *Network) handleConnect(p *peer, pkt *packet.Connect) {
	if n.mode != HostServer || p.data != nil {
		return
	}
	logger := p.conn.Logger()
	if pkt.ProtocolVersion != packet.ProtocolVersion {
		logger.Warn("Protocol version mismatch", log.Uint32("version", uint32(pkt.ProtocolVersion)))
		n.disconnect(p, ErrProtocolVersion.Error())
		return
	}

	accept := &packet.Accept{HostID: n.hostID, ConnectionID: p.id(), TickRate: uint16(n.cfg.TickRate)}
	if err := p.conn.Send(accept); err != nil {
		logger.Error("Failed to send accept", log.Error(err))
		p.conn.Close("handshake failed")
		return
	}
	p.conn.SetState(connection.StateConnected)
	n.startReplication(p)
	logger.Info("Client connected", log.String("name", pkt.Name))
	for _, fn := range n.onConnect {
		fn(p.id())
	}
}

func (n *Network) handleAccept(p *peer, pkt *packet.Accept) {
	if n.mode != HostClient || p.data != nil {
		return
	}
	n.remoteHostID = pkt.HostID
	p.conn.SetState(connection.StateConnected)
	n.startReplication(p)
	if err := p.conn.Send(&packet.ReadyForEntityUpdates{Ready: true}); err != nil {
		p.conn.Logger().Warn("Failed to send readiness", log.Error(err))
	}
	p.conn.Logger().Info("Connected to server",
		log.String("server_host_id", pkt.HostID.String()),
		log.Uint32("assigned_connection_id", uint32(pkt.ConnectionID)),
		log.Uint32("tick_rate", uint32(pkt.TickRate)))
	for _, fn := range n.onConnect {
		fn(p.id())
	}
}
