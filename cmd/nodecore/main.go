// Package main implements the nodecore entry point. It loads the node
// configuration, assembles the engine, and runs until a signal or a
// reboot request stops it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/emberline/nodecore/config"
	"github.com/emberline/nodecore/engine"
)

const (
	Version = "0.1.0"
	appName = "nodecore"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("node failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "nodecore.yaml", "path to the node configuration")
		validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
		showVersion  = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *validateOnly {
		slog.Info("configuration is valid", "path", *configPath)
		return nil
	}

	// Tasks are registered by the application build; the bare binary
	// runs the framework services only.
	e, err := engine.New(cfg, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx); err != nil {
		return err
	}

	// A reboot request drains the engine loops; treat it like a signal.
	drained := make(chan error, 1)
	go func() { drained <- e.Wait() }()

	select {
	case <-ctx.Done():
	case err := <-drained:
		if err != nil {
			slog.Error("engine loop failed", "error", err)
		}
	}
	slog.Info("shutting down", "health", e.Health().State)
	return e.Stop(10 * time.Second)
}
