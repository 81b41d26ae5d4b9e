// Package transport moves opaque frames between two hosts. A link offers a
// reliable ordered channel and, where the transport supports it, an
// unreliable one; links fall back to the reliable channel otherwise.
package transport

import (
	"context"
	"errors"
	"net"
)

// Kind names a transport implementation.
type Kind string

const (
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "websocket"
	KindPipe      Kind = "pipe"
)

var (
	ErrClosed        = errors.New("transport link closed")
	ErrFrameTooLarge = errors.New("frame exceeds transport limit")
)

// Link is one established session. Send and Receive may be called from
// different goroutines; Send is safe for concurrent use.
type Link interface {
	Send(ctx context.Context, frame []byte, reliable bool) error
	Receive(ctx context.Context) ([]byte, error)
	Close(reason string) error
	RemoteAddr() net.Addr
	Kind() Kind
}

// Listener accepts inbound links.
type Listener interface {
	Accept(ctx context.Context) (Link, error)
	Addr() net.Addr
	Close() error
	Kind() Kind
}
