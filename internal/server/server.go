// Package server hosts a server Network. It accepts links on the configured
// transports, runs every connection's I/O pumps and drives the tick loop.
package server

import (
	"context"
	"crypto/tls"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/netreplica/internal/core/connection"
	"github.com/zeusync/netreplica/internal/core/multiplayer"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/replication"
	"github.com/zeusync/netreplica/internal/core/transport"
)

// Config holds the host level settings. Replication itself is configured
// through multiplayer.Config.
type Config struct {
	// QUICAddr and WebSocketAddr enable a listener each; empty disables it.
	QUICAddr      string `yaml:"quic_addr"`
	WebSocketAddr string `yaml:"websocket_addr"`
	// StatusAddr serves /healthz and /stats over HTTP; empty disables it.
	StatusAddr string `yaml:"status_addr"`

	// Without a certificate a self-signed one is generated.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	StatsInterval   time.Duration `yaml:"stats_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	QUIC      transport.QUICConfig      `yaml:"quic"`
	WebSocket transport.WebSocketConfig `yaml:"websocket"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		QUICAddr:        "127.0.0.1:7777",
		WebSocketAddr:   "127.0.0.1:7778",
		StatsInterval:   30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		QUIC:            transport.DefaultQUICConfig(),
		WebSocket:       transport.DefaultWebSocketConfig(),
	}
}

// Validate checks the settings that cannot be defaulted.
func (c Config) Validate() error {
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.Wrap(ErrInvalidConfig, "tls_cert_file and tls_key_file must be set together")
	}
	if c.ShutdownTimeout < 0 || c.StatsInterval < 0 {
		return errors.Wrap(ErrInvalidConfig, "durations cannot be negative")
	}
	if c.WebSocketAddr != "" && c.WebSocket.Path == "" {
		return errors.Wrap(ErrInvalidConfig, "websocket.path must be set")
	}
	return nil
}

// Stats is a snapshot taken by the tick goroutine.
type Stats struct {
	Running     bool              `json:"running"`
	Tick        uint64            `json:"tick"`
	Peers       int               `json:"peers"`
	Entities    int               `json:"entities"`
	Connection  connection.Stats  `json:"connection"`
	Replication replication.Stats `json:"replication"`
}

// Server runs one multiplayer.Network.
type Server struct {
	config  Config
	network *multiplayer.Network
	logger  log.Log

	mu        sync.Mutex
	listeners []transport.Listener

	running atomic.Bool
	closed  atomic.Bool
	stats   atomic.Pointer[Stats]

	conns     errgroup.Group
	lastStats time.Time
}

// New creates a server around network, which must be in server mode.
func New(config Config, network *multiplayer.Network, logger log.Log) *Server {
	s := &Server{
		config:  config,
		network: network,
		logger:  logger.With(log.String("component", "server")),
	}
	s.stats.Store(&Stats{})

	s.logger.Info("Server created",
		log.String("quic_addr", config.QUICAddr),
		log.String("websocket_addr", config.WebSocketAddr),
		log.Int("tick_rate", network.Config().TickRate))
	return s
}

// Network is the hosted network. Outside the tick loop it must only be used
// from OnTick steps and connection observers.
func (s *Server) Network() *multiplayer.Network { return s.network }

// AddListener registers an extra listener, e.g. an in-memory one. It must be
// called before Run.
func (s *Server) AddListener(l transport.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Stats returns the latest snapshot.
func (s *Server) Stats() Stats {
	st := *s.stats.Load()
	st.Running = s.running.Load()
	return st
}

// Run serves until ctx is cancelled or a listener fails, then disconnects
// every peer and waits for their connections to flush.
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}
	defer func() {
		s.running.Store(false)
		s.closed.Store(true)
	}()

	if err := s.listen(); err != nil {
		s.closeListeners()
		return err
	}

	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return ErrNoListeners
	}

	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		g.Go(func() error { return s.acceptLoop(gctx, connCtx, l) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})
	g.Go(func() error { return s.tickLoop(gctx) })
	if s.config.StatusAddr != "" {
		g.Go(func() error { return s.serveStatus(gctx) })
	}

	s.logger.Info("Server started", log.Int("listeners", len(listeners)))
	err := g.Wait()
	s.drain(cancelConns)
	s.logger.Info("Server stopped")
	return err
}

func (s *Server) listen() error {
	if s.config.QUICAddr != "" {
		tlsConf, err := s.tlsConfig()
		if err != nil {
			return err
		}
		l, err := transport.ListenQUIC(s.config.QUICAddr, tlsConf, s.config.QUIC, s.logger)
		if err != nil {
			return errors.Wrap(ErrListenerFailed, err.Error())
		}
		s.AddListener(l)
	}
	if s.config.WebSocketAddr != "" {
		l, err := transport.ListenWebSocket(s.config.WebSocketAddr, s.config.WebSocket, s.logger)
		if err != nil {
			return errors.Wrap(ErrListenerFailed, err.Error())
		}
		s.AddListener(l)
	}
	return nil
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.config.TLSCertFile != "" {
		return transport.LoadTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	}
	s.logger.Warn("No TLS certificate configured, using a self-signed one")
	return transport.GenerateSelfSignedTLS()
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if err := l.Close(); err != nil {
			s.logger.Debug("Listener close failed", log.String("transport", string(l.Kind())), log.Error(err))
		}
	}
}

// acceptLoop attaches accepted links to the network. Connection pumps run
// under connCtx, which outlives ctx so Disconnect packets still flush.
func (s *Server) acceptLoop(ctx, connCtx context.Context, l transport.Listener) error {
	logger := s.logger.With(log.String("transport", string(l.Kind())))
	logger.Debug("Connection acceptor started")
	defer logger.Debug("Connection acceptor stopped")

	for {
		link, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			logger.Error("Failed to accept connection", log.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		conn, err := s.network.Attach(link)
		if err != nil {
			logger.Warn("Connection rejected",
				log.String("remote_addr", link.RemoteAddr().String()), log.Error(err))
			_ = link.Close(err.Error())
			continue
		}
		logger.Debug("Connection accepted",
			log.Stringer("connection_id", conn.ID()),
			log.String("remote_addr", link.RemoteAddr().String()))
		s.conns.Go(func() error {
			_ = conn.Run(connCtx)
			return nil
		})
	}
}

func (s *Server) tickLoop(ctx context.Context) error {
	interval := s.network.Config().TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Debug("Tick loop started", log.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			s.network.Shutdown("server shutting down")
			s.network.Tick()
			s.publishStats()
			return nil
		case now := <-ticker.C:
			started := time.Now()
			s.network.Tick()
			if elapsed := time.Since(started); elapsed > interval {
				s.logger.Warn("Tick overran its interval",
					log.Uint64("tick", s.network.CurrentTick()), log.Duration("elapsed", elapsed))
			}
			s.publishStats()
			s.reportStats(now)
		}
	}
}

func (s *Server) publishStats() {
	st := &Stats{
		Tick:     s.network.CurrentTick(),
		Entities: s.network.Registry().Len(),
	}
	for _, id := range s.network.Peers() {
		data, ok := s.network.ConnectionData(id)
		if !ok {
			continue
		}
		st.Peers++
		st.Replication.Add(data.Manager().Stats())
		if conn, ok := s.network.Connections().Resolve(data.Connection()); ok {
			cs := conn.Stats()
			st.Connection.FramesSent += cs.FramesSent
			st.Connection.FramesReceived += cs.FramesReceived
			st.Connection.BytesSent += cs.BytesSent
			st.Connection.BytesReceived += cs.BytesReceived
			st.Connection.InboundDropped += cs.InboundDropped
			st.Connection.OutboundDropped += cs.OutboundDropped
		}
	}
	s.stats.Store(st)
}

func (s *Server) reportStats(now time.Time) {
	if s.config.StatsInterval <= 0 || now.Sub(s.lastStats) < s.config.StatsInterval {
		return
	}
	s.lastStats = now
	st := s.stats.Load()
	s.logger.Info("Server stats",
		log.Uint64("tick", st.Tick),
		log.Int("peers", st.Peers),
		log.Int("entities", st.Entities),
		log.Uint64("deltas_sent", st.Replication.DeltasSent),
		log.Uint64("bytes_sent", st.Replication.BytesSent),
		log.Uint64("deferred", st.Replication.Deferred),
		log.Uint64("rejected", st.Replication.Rejected))
}

// drain waits for every connection to finish, forcing them down after
// ShutdownTimeout.
func (s *Server) drain(cancelConns context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = s.conns.Wait()
		close(done)
	}()

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		cancelConns()
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("Connections did not close in time, forcing", log.Duration("timeout", timeout))
		cancelConns()
		<-done
	}
}
