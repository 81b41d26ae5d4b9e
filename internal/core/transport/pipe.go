package transport

import (
	"context"
	"net"
	"sync"
)

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

type pipeShared struct {
	once   sync.Once
	done   chan struct{}
	reason string
}

func (s *pipeShared) close(reason string) {
	s.once.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// pipeLink is an in-process link. Both directions are buffered channels; a
// full buffer makes Send block until ctx ends, like a congested socket.
type pipeLink struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
	remote pipeAddr
}

// NewPipe returns two connected in-memory links.
func NewPipe(buffer int) (Link, Link) {
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	shared := &pipeShared{done: make(chan struct{})}
	a := &pipeLink{in: ba, out: ab, shared: shared, remote: "pipe-b"}
	b := &pipeLink{in: ab, out: ba, shared: shared, remote: "pipe-a"}
	return a, b
}

func (p *pipeLink) Send(ctx context.Context, frame []byte, _ bool) error {
	select {
	case <-p.shared.done:
		return ErrClosed
	default:
	}
	data := append([]byte(nil), frame...)
	select {
	case p.out <- data:
		return nil
	case <-p.shared.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.shared.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeLink) Close(reason string) error {
	p.shared.close(reason)
	return nil
}

func (p *pipeLink) RemoteAddr() net.Addr { return p.remote }

func (p *pipeLink) Kind() Kind { return KindPipe }

// PipeListener hands out the server ends of pipes created with Dial.
type PipeListener struct {
	links  chan Link
	done   chan struct{}
	once   sync.Once
	buffer int
}

var _ Listener = (*PipeListener)(nil)

func NewPipeListener(buffer int) *PipeListener {
	return &PipeListener{
		links:  make(chan Link, 16),
		done:   make(chan struct{}),
		buffer: buffer,
	}
}

// Dial creates a pipe and queues its server end for Accept.
func (l *PipeListener) Dial(ctx context.Context) (Link, error) {
	client, server := NewPipe(l.buffer)
	select {
	case l.links <- server:
		return client, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.links:
		return link, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Addr() net.Addr { return pipeAddr("pipe-listener") }

func (l *PipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *PipeListener) Kind() Kind { return KindPipe }
