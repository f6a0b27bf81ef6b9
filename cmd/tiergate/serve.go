package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cortexhub/tiergate/internal/classifier"
	"github.com/cortexhub/tiergate/internal/config"
	"github.com/cortexhub/tiergate/internal/health"
	"github.com/cortexhub/tiergate/internal/logging"
	"github.com/cortexhub/tiergate/internal/nodeclient"
	"github.com/cortexhub/tiergate/internal/pipeline"
	"github.com/cortexhub/tiergate/internal/registry"
	"github.com/cortexhub/tiergate/internal/router"
	"github.com/cortexhub/tiergate/internal/scheduler"
	"github.com/cortexhub/tiergate/internal/server"
)

// gateway is the fully wired process.
type gateway struct {
	logger      zerolog.Logger
	monitor     *health.Monitor
	coordinator *pipeline.Coordinator
	scheduler   *scheduler.Scheduler
	server      *server.Server
	redis       *redis.Client
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runGateway(cmd.Context(), c.cfg, c.logger)
		},
	}
}

// buildGateway wires every component from cfg. Nothing is started.
func buildGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*gateway, error) {
	reg, err := registry.FromConfig(cfg.Nodes)
	if err != nil {
		return nil, fmt.Errorf("failed to build node registry: %w", err)
	}

	client := nodeclient.FromConfig(cfg.Timeouts, logging.WithComponent(logger, "nodeclient"))
	monitor := health.NewMonitor(reg, client, cfg.Health.Interval, logging.WithComponent(logger, "health"))
	rt := router.New(reg, classifier.New(), client, logging.WithComponent(logger, "router"))

	g := &gateway{logger: logger, monitor: monitor}

	opts := pipeline.Options{
		LockTTL:   cfg.Pipeline.LockTTL,
		Health:    monitor,
		Preflight: cfg.Health.PreflightGate,
		Logger:    logging.WithComponent(logger, "pipeline"),
	}
	var journal *pipeline.RedisJournal
	if cfg.UsesRedis() {
		rdb, err := pipeline.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		g.redis = rdb
		if cfg.Pipeline.Ledger == config.BackendRedis {
			opts.Ledger = pipeline.NewRedisLedger(rdb)
		}
		if cfg.Pipeline.Lock == config.BackendRedis {
			opts.Locker = pipeline.NewRedisLocker(rdb)
		}
		if cfg.Pipeline.Journal {
			journal = pipeline.NewRedisJournal(rdb)
			opts.Journal = journal
		}
	}

	coord, err := pipeline.New(reg, client, opts)
	if err != nil {
		g.close()
		return nil, err
	}
	g.coordinator = coord

	if cfg.Pipeline.Schedule != "" {
		sched, err := scheduler.NewScheduler(cfg.Pipeline.Schedule, coord, logging.WithComponent(logger, "scheduler"))
		if err != nil {
			g.close()
			return nil, err
		}
		g.scheduler = sched
	}

	deps := server.Deps{
		Registry: reg,
		Router:   rt,
		Pipeline: coord,
		Health:   monitor,
		Stats:    client,
		Logger:   logging.WithComponent(logger, "server"),
		Version:  version,
	}
	if journal != nil {
		deps.Events = journal
	}
	g.server = server.New(cfg.Server, cfg.Metrics, cfg.Timeouts, deps)
	return g, nil
}

// runGateway starts the gateway and blocks until SIGINT/SIGTERM or a server error.
func runGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer g.close()

	g.monitor.Start(ctx)
	if g.scheduler != nil {
		g.scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- g.server.Start()
	}()

	logger.Info().
		Str("addr", cfg.Server.Addr()).
		Int("nodes", len(cfg.Nodes)).
		Str("ledger", cfg.Pipeline.Ledger).
		Str("lock", cfg.Pipeline.Lock).
		Str("version", version).
		Msg("tiergate started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error().Err(serveErr).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	g.shutdown(shutdownCtx)
	return serveErr
}

// shutdown stops components in reverse start order.
func (g *gateway) shutdown(ctx context.Context) {
	if g.scheduler != nil {
		g.logger.Info().Msg("stopping scheduler")
		g.scheduler.Stop()
	}
	g.logger.Info().Msg("stopping HTTP server")
	if err := g.server.Shutdown(ctx); err != nil {
		g.logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	g.logger.Info().Msg("stopping health monitor")
	g.monitor.Stop()
}

func (g *gateway) close() {
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Warn().Err(err).Msg("failed to close redis client")
		}
		g.redis = nil
	}
}
