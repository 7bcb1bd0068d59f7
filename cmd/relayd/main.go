// Command relayd starts the collaborative-editing broadcast relay
// server. Flag parsing and process lifecycle are deliberately thin —
// per spec, they are external collaborators to the core engine in
// pkg/room and internal/server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"collabrelay/internal/config"
	"collabrelay/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to an optional YAML config file")
		port       = flag.Int("port", 0, "port to listen on (overrides config/env if > 0)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("relayd: load config: %w", err)
	}
	if *port > 0 {
		cfg.Port = *port
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

	ln, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("relayd: build listener: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ln.Run(ctx); err != nil {
		return fmt.Errorf("relayd: run: %w", err)
	}
	return nil
}
