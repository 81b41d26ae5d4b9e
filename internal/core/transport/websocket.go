package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/netreplica/internal/core/observability/log"
)

// WebSocketConfig holds WebSocket specific settings.
type WebSocketConfig struct {
	Path            string        `yaml:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxFrameSize    int           `yaml:"max_frame_size"`
	AcceptQueueSize int           `yaml:"accept_queue_size"`
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Path:            "/replicate",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		WriteTimeout:    5 * time.Second,
		MaxFrameSize:    64 * 1024,
		AcceptQueueSize: 64,
	}
}

// WebSocketListener upgrades HTTP requests on one path into links. Browsers
// have no datagram channel, so every frame is sent reliably.
type WebSocketListener struct {
	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader
	cfg      WebSocketConfig
	links    chan Link
	done     chan struct{}
	once     sync.Once
	logger   log.Log
}

var _ Listener = (*WebSocketListener)(nil)

func ListenWebSocket(addr string, cfg WebSocketConfig, logger log.Log) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen websocket %s", addr)
	}

	l := &WebSocketListener{
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		cfg:    cfg,
		links:  make(chan Link, cfg.AcceptQueueSize),
		done:   make(chan struct{}),
		logger: logger.With(log.String("transport", string(KindWebSocket))),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleUpgrade)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("WebSocket server stopped", log.Error(err))
		}
	}()

	l.logger.Info("WebSocket listener started",
		log.String("addr", ln.Addr().String()),
		log.String("path", cfg.Path))
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("WebSocket upgrade failed", log.Error(err))
		return
	}

	link := newWebSocketLink(conn, l.cfg)
	select {
	case l.links <- link:
	case <-l.done:
		_ = link.Close("listener closed")
	default:
		l.logger.Warn("Accept queue full, rejecting connection",
			log.String("remote_addr", conn.RemoteAddr().String()))
		_ = link.Close("server busy")
	}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Link, error) {
	select {
	case link := <-l.links:
		return link, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *WebSocketListener) Addr() net.Addr { return l.listener.Addr() }

func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}

func (l *WebSocketListener) Kind() Kind { return KindWebSocket }

// DialWebSocket connects to a ws:// or wss:// url.
func DialWebSocket(ctx context.Context, url string, cfg WebSocketConfig) (Link, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial websocket %s", url)
	}
	return newWebSocketLink(conn, cfg), nil
}

type webSocketLink struct {
	conn    *websocket.Conn
	cfg     WebSocketConfig
	writeMu sync.Mutex
	once    sync.Once
}

func newWebSocketLink(conn *websocket.Conn, cfg WebSocketConfig) *webSocketLink {
	conn.SetReadLimit(int64(cfg.MaxFrameSize))
	return &webSocketLink{conn: conn, cfg: cfg}
}

func (l *webSocketLink) Send(_ context.Context, frame []byte, _ bool) error {
	if len(frame) > l.cfg.MaxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(frame))
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.cfg.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return errors.Wrap(err, "failed to write message")
	}
	return nil
}

func (l *webSocketLink) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read message")
		}
		if messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (l *webSocketLink) Close(reason string) error {
	var err error
	l.once.Do(func() {
		l.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

func (l *webSocketLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *webSocketLink) Kind() Kind { return KindWebSocket }
