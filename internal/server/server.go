// Package server owns the TCP network surface (§6): a single listening
// socket, a non-blocking accept loop polled with a short timeout so
// shutdown is responsive, and one supervised goroutine per accepted
// connection. The session/room engine itself lives in pkg/room.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"collabrelay/internal/config"
	"collabrelay/pkg/room"
)

// Listener accepts TCP connections and hands each one to the room
// registry.
type Listener struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *room.Server

	pollInterval time.Duration
}

// New constructs a Listener bound to cfg's port. It does not start
// listening — call Run.
func New(cfg config.Config, logger zerolog.Logger) (*Listener, error) {
	poll, err := time.ParseDuration(cfg.AcceptPollInterval)
	if err != nil {
		return nil, fmt.Errorf("server: parse acceptPollInterval %q: %w", cfg.AcceptPollInterval, err)
	}

	return &Listener{
		cfg:          cfg,
		logger:       logger,
		registry:     room.NewServer(logger, cfg.OutboundQueueCapacity),
		pollInterval: poll,
	}, nil
}

// Run listens on all interfaces at cfg.Port and serves connections
// until ctx is canceled. Every accepted connection is supervised by an
// errgroup so Run does not return until the accept loop and every live
// connection goroutine have exited.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", l.cfg.Port, err)
	}
	defer ln.Close()

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("server: expected *net.TCPListener, got %T", ln)
	}

	l.logger.Info().Int("port", l.cfg.Port).Int("backlog", l.cfg.Backlog).Msg("listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.acceptLoop(gctx, tcpLn, g)
	})

	<-ctx.Done()
	_ = ln.Close()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context, ln *net.TCPListener, g *errgroup.Group) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = ln.SetDeadline(time.Now().Add(l.pollInterval))
		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		c := l.registry.Accept(conn)
		g.Go(func() error {
			c.Serve(ctx, l.pollInterval)
			return nil
		})
	}
}
