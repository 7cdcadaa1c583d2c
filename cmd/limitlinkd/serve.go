package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/toolink/limitlink/extension"
)

// ServeCmd runs the HTTP, WebSocket and gRPC servers until interrupted.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg)
	mgr := extension.New()
	for _, ext := range []extension.Extension{
		a.storeExtension(),
		a.runtimeExtension(),
		a.httpExtension(),
		a.grpcExtension(),
	} {
		if err := mgr.Register(ext); err != nil {
			return err
		}
	}
	if err := mgr.LoadAll(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-a.errCh:
		log.Error().Err(runErr).Msg("server failed")
	}

	if err := mgr.ShutdownAll(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("shutdown completed with errors")
	}
	return runErr
}
