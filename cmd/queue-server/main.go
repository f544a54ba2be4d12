// Command queue-server runs the run-engine queue server: the queue manager
// state machine, the plan queue service, the worker supervisor, and the
// control channel that exposes them to clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ksunden/bluesky-queueserver/internal/allowed"
	"github.com/ksunden/bluesky-queueserver/internal/common"
	"github.com/ksunden/bluesky-queueserver/internal/controlchannel"
	"github.com/ksunden/bluesky-queueserver/internal/manager"
	"github.com/ksunden/bluesky-queueserver/internal/planqueue"
	"github.com/ksunden/bluesky-queueserver/internal/runcatalog"
	"github.com/ksunden/bluesky-queueserver/internal/storage/kvstore"
	"github.com/ksunden/bluesky-queueserver/internal/worker"
)

func main() {
	configPath := common.ResolveConfigPath(os.Getenv("QSERVER_CONFIG"))

	config, err := common.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(config.Logging.Level)
	common.LoadVersionFromFile()
	common.PrintBanner(config, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := kvstore.Open(logger, config.Storage.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open durable store")
	}

	queue := planqueue.New(store, logger)
	if err := queue.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start plan queue service")
	}

	allowedProvider, err := allowed.NewFileProvider(logger, config.Allowed.Path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load allowed-items configuration")
	}

	spawn := worker.ExecSpawner(config.Worker.Path, config.Worker.Args...)
	supervisor := worker.NewSupervisor(logger, spawn)

	mgr := manager.New(queue, supervisor, logger)
	if err := mgr.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start queue manager")
	}

	var catalog runcatalog.Sink = runcatalog.NoopSink{}
	if config.RunCatalog.Enabled {
		sink, err := runcatalog.NewSurrealSink(ctx, config.RunCatalog, logger)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect run catalog, continuing without it")
		} else {
			catalog = sink
			mgr.SetRunCatalog(sink)
		}
	}

	dispatcher := controlchannel.NewDispatcher(mgr, queue, allowedProvider, logger)
	srv := controlchannel.NewServer(config.ControlChannel.Addr(), dispatcher, logger, controlchannel.Options{
		ServerPrivateKey:     config.ControlChannel.TransportPrivateKey,
		JWTSecret:            []byte(config.ControlChannel.JWTSecret),
		TokenRequired:        config.ControlChannel.JWTTokenRequired,
		RequestTimeout:       config.ControlChannel.GetRequestTimeout(),
		ConnectionsPerSecond: 50,
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx) }()

	logger.Info().Str("addr", config.ControlChannel.Addr()).Msg("queue server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("control channel stopped unexpectedly")
		}
	}

	cancel()

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("control channel shutdown failed")
	}
	mgr.Close()
	if err := catalog.Close(); err != nil {
		logger.Error().Err(err).Msg("run catalog shutdown failed")
	}

	common.PrintShutdownBanner(logger)
}
