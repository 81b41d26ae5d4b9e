package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/profile"

	"github.com/zeusync/netreplica/internal/injector"
)

func main() {
	var (
		cfgPath     string
		profileMode string
		wanderers   int
	)
	flag.StringVar(&cfgPath, "config", "", "path to the YAML configuration file")
	flag.StringVar(&profileMode, "profile", "", "write a cpu or mem profile to the working directory")
	flag.IntVar(&wanderers, "wanderers", 16, "number of demo entities circling the origin")
	flag.Parse()

	if err := run(cfgPath, profileMode, wanderers); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cfgPath, profileMode string, wanderers int) error {
	switch profileMode {
	case "":
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	case "mem":
		defer profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
	default:
		return fmt.Errorf("unknown profile mode %q", profileMode)
	}

	srv, cleanup, err := injector.InitializeServer(injector.ConfigPath(cfgPath))
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer cleanup()

	w := newWorld(srv.Network(), srv.Network().Config().Domain.Radius)
	if err := w.spawnWanderers(wanderers); err != nil {
		return fmt.Errorf("spawn demo entities: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
