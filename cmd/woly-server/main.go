package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kaonis/woly-server/internal/aggregator"
	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/metrics"
	"github.com/kaonis/woly-server/internal/nodegate"
	"github.com/kaonis/woly-server/internal/router"
	"github.com/kaonis/woly-server/internal/scheduler"
	"github.com/kaonis/woly-server/internal/server"
	"github.com/kaonis/woly-server/internal/store"
	"github.com/kaonis/woly-server/internal/stream"
	"github.com/kaonis/woly-server/internal/vendorlookup"
	"github.com/kaonis/woly-server/internal/webhook"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	st, err := store.Open(log, cfg.DatabaseEngine, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}

	// Reconcile leftover state from the previous process before any
	// node can connect: stale online flags and stranded commands.
	if _, err := st.MarkAllNodesOffline(); err != nil {
		log.Fatal().Err(err).Msg("failed to reset node status")
	}
	if _, err := st.ReconcileCommandsOnStartup(); err != nil {
		log.Fatal().Err(err).Msg("failed to reconcile command log")
	}

	reg := metrics.New()
	b := bus.New()
	agg := aggregator.New(log, st, b, cfg.PortScanCacheTTL, cfg.HistoryRetentionDays)
	nodes := nodegate.New(log, cfg, st, agg, b, reg)
	rt := router.New(log, cfg, st, agg, nodes, reg, b)
	nodes.SetResultSink(rt)

	broker := stream.New(log, cfg, b, stream.NewJWTAuth(cfg))
	webhooks := webhook.New(log, cfg, st, b)
	vendors := vendorlookup.New(log)

	srv := server.New(log, cfg, server.Deps{
		Store:    st,
		Agg:      agg,
		Router:   rt,
		Nodes:    nodes,
		Broker:   broker,
		Webhooks: webhooks,
		Metrics:  reg,
		Vendors:  vendors,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.ScheduleWorkerEnabled {
		worker := scheduler.New(log, cfg, st, rt)
		g.Go(func() error {
			err := worker.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("stopped")
}
