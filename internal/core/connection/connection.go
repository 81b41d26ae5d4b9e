// Package connection wraps a transport link with bounded FIFO queues so the
// tick goroutine never blocks on I/O, and hands out generation checked
// handles so stale references to closed connections never resolve.
package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/packet"
	"github.com/zeusync/netreplica/internal/core/transport"
)

type outFrame struct {
	data     []byte
	reliable bool
}

// Conn is one endpoint. Send, Drain and state queries are called from the
// tick goroutine; Run owns the link and runs the I/O pumps.
type Conn struct {
	handle    Handle
	sessionID uuid.UUID
	link      transport.Link
	cfg       Config
	logger    log.Log

	state        atomic.Int32
	inbound      chan []byte
	outbound     chan outFrame
	done         chan struct{}
	closeOnce    sync.Once
	lastActivity atomic.Int64

	mu          sync.Mutex
	closeReason string
	observers   []func(*Conn, State)

	framesSent      atomic.Uint64
	framesReceived  atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	inboundDropped  atomic.Uint64
	outboundDropped atomic.Uint64
}

func newConn(h Handle, link transport.Link, cfg Config, logger log.Log) *Conn {
	sessionID := uuid.New()
	c := &Conn{
		handle:    h,
		sessionID: sessionID,
		link:      link,
		cfg:       cfg,
		inbound:   make(chan []byte, cfg.InboundQueueSize),
		outbound:  make(chan outFrame, cfg.OutboundQueueSize),
		done:      make(chan struct{}),
		logger: logger.With(
			log.Stringer("connection_id", h.ID),
			log.String("session_id", sessionID.String()),
			log.String("transport", string(link.Kind()))),
	}
	c.touch()
	return c
}

func (c *Conn) ID() nettypes.ConnectionID { return c.handle.ID }
func (c *Conn) Handle() Handle            { return c.handle }
func (c *Conn) SessionID() uuid.UUID      { return c.sessionID }
func (c *Conn) Logger() log.Log           { return c.logger }
func (c *Conn) Transport() transport.Kind { return c.link.Kind() }
func (c *Conn) State() State              { return State(c.state.Load()) }

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// LastActivity is the time the last frame was received.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// OnStateChange registers a lifecycle observer. Observers run on the
// goroutine that caused the transition and must not block.
func (c *Conn) OnStateChange(fn func(*Conn, State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// SetState moves the connection forward in its lifecycle. Transitions never
// go backwards and Disconnected is final.
func (c *Conn) SetState(next State) bool {
	for {
		cur := State(c.state.Load())
		if next <= cur {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			break
		}
	}

	c.logger.Debug("Connection state changed", log.Stringer("state", next))
	c.mu.Lock()
	observers := make([]func(*Conn, State), len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(c, next)
	}
	return true
}

// Send encodes p and enqueues it for the writer. It never blocks: a full
// queue drops the packet and reports ErrSendQueueFull.
func (c *Conn) Send(p packet.Packet) error {
	if s := c.State(); s != StateConnecting && s != StateConnected {
		return ErrConnectionClosed
	}

	frame, err := packet.Encode(p, c.cfg.MaxFrameSize)
	if err != nil {
		return err
	}

	select {
	case c.outbound <- outFrame{data: frame, reliable: packet.Reliable(p.GetPacketType())}:
		return nil
	default:
		c.outboundDropped.Add(1)
		c.logger.Warn("Send queue full, dropping packet", log.Stringer("packet_type", p.GetPacketType()))
		return ErrSendQueueFull
	}
}

// Drain returns up to limit queued inbound frames in arrival order without
// blocking. limit <= 0 uses the configured per tick limit.
func (c *Conn) Drain(limit int) [][]byte {
	if limit <= 0 {
		limit = c.cfg.DrainPerTick
	}
	var frames [][]byte
	for len(frames) < limit {
		select {
		case f := <-c.inbound:
			frames = append(frames, f)
		default:
			return frames
		}
	}
	return frames
}

// Run pumps frames between the link and the queues until the link fails,
// ctx ends or Close is called. The connection is Disconnected on return.
func (c *Conn) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readPump(ctx) })
	g.Go(func() error { return c.writePump(ctx) })

	err := g.Wait()
	c.Close("connection terminated")
	_ = c.link.Close(c.CloseReason())
	c.SetState(StateDisconnected)
	if err != nil {
		c.logger.Debug("Connection pumps stopped", log.Error(err))
	}
	return err
}

func (c *Conn) readPump(ctx context.Context) error {
	for {
		frame, err := c.link.Receive(ctx)
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
				return err
			}
		}

		c.touch()
		c.framesReceived.Add(1)
		c.bytesReceived.Add(uint64(len(frame)))

		if !reliableFrame(frame) {
			select {
			case c.inbound <- frame:
			default:
				c.inboundDropped.Add(1)
				c.logger.Warn("Inbound queue full, dropping frame", log.Int("bytes", len(frame)))
			}
			continue
		}

		// reliable frames wait for room, which pushes back on the link
		select {
		case c.inbound <- frame:
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func reliableFrame(frame []byte) bool {
	t, ok := packet.PeekType(frame)
	return ok && packet.Reliable(t)
}

func (c *Conn) writePump(ctx context.Context) error {
	for {
		select {
		case f := <-c.outbound:
			if err := c.write(ctx, f); err != nil {
				return err
			}
		case <-c.done:
			c.flush(ctx)
			_ = c.link.Close(c.CloseReason())
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Conn) write(ctx context.Context, f outFrame) error {
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	if err := c.link.Send(ctx, f.data, f.reliable); err != nil {
		return err
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(f.data)))
	return nil
}

// flush writes whatever was queued before Close, best effort.
func (c *Conn) flush(ctx context.Context) {
	for {
		select {
		case f := <-c.outbound:
			if err := c.write(ctx, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Close starts a graceful shutdown: queued packets are flushed, then the link
// is closed. It is safe to call more than once.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		c.SetState(StateDisconnecting)
		close(c.done)
		c.logger.Info("Connection closing", log.String("reason", reason))
	})
}

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *Conn) Stats() Stats {
	return Stats{
		FramesSent:      c.framesSent.Load(),
		FramesReceived:  c.framesReceived.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		InboundDropped:  c.inboundDropped.Load(),
		OutboundDropped: c.outboundDropped.Load(),
	}
}
