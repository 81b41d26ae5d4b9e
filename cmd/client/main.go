package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeusync/netreplica/internal/config"
	"github.com/zeusync/netreplica/internal/core/nettypes"
	"github.com/zeusync/netreplica/internal/core/observability/log"
	"github.com/zeusync/netreplica/internal/core/transport"
	"github.com/zeusync/netreplica/internal/injector"
)

func main() {
	var (
		cfgPath       string
		transportKind string
		duration      time.Duration
	)
	flag.StringVar(&cfgPath, "config", "", "path to the YAML configuration file")
	flag.StringVar(&transportKind, "transport", "", "override client.transport (quic or websocket)")
	flag.DurationVar(&duration, "duration", 0, "disconnect after this long; zero runs until interrupted")
	flag.Parse()

	if err := run(cfgPath, transportKind, duration); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfgPath, transportKind string, duration time.Duration) error {
	app, cleanup, err := injector.InitializeClient(injector.ConfigPath(cfgPath))
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer cleanup()

	cfg := app.Config.Client
	if transportKind != "" {
		cfg.Transport = transportKind
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	link, err := dial(dialCtx, cfg, app.Logger)
	cancelDial()
	if err != nil {
		return err
	}

	network := app.Network
	conn, err := network.Connect(link)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	defer cancelConn()
	go func() { _ = conn.Run(connCtx) }()

	var lost string
	network.OnDisconnect(func(_ nettypes.ConnectionID, reason string) { lost = reason })

	ticker := time.NewTicker(network.Config().TickInterval())
	defer ticker.Stop()
	var lastReport time.Time

	for {
		select {
		case <-ctx.Done():
			network.Shutdown("client closing")
			network.Tick()
			select {
			case <-conn.Done():
			case <-time.After(time.Second):
			}
			return nil
		case now := <-ticker.C:
			network.Tick()
			if lost != "" {
				app.Logger.Info("Disconnected from server", log.String("reason", lost))
				return nil
			}
			if now.Sub(lastReport) >= time.Second {
				lastReport = now
				report(app.Logger, summarize(network.Registry()), network.CurrentTick())
			}
		}
	}
}

func dial(ctx context.Context, cfg config.ClientConfig, logger log.Log) (transport.Link, error) {
	switch transport.Kind(cfg.Transport) {
	case transport.KindQUIC:
		tlsConf := &tls.Config{NextProtos: []string{transport.ALPN}, MinVersion: tls.VersionTLS13}
		if cfg.InsecureSkipVerify {
			tlsConf = transport.InsecureClientTLS()
		}
		return transport.DialQUIC(ctx, cfg.QUICAddr, tlsConf, cfg.QUIC, logger)
	case transport.KindWebSocket:
		return transport.DialWebSocket(ctx, cfg.WebSocketURL, cfg.WebSocket)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
