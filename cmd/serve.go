package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tournament-engine/handlers"
	"tournament-engine/metrics"
	"tournament-engine/middleware"
	"tournament-engine/workers"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, scheduler and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	e, err := bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	e.pool.Start(ctx)

	if err := e.scheduler.Start(); err != nil {
		return err
	}
	defer e.scheduler.Shutdown()

	if e.redis != nil {
		if boards, err := e.segments.RebuildLeaderboards(ctx); err != nil {
			logrus.WithError(err).Warn("initial leaderboard rebuild failed")
		} else {
			logrus.WithField("boards", boards).Info("leaderboard cache warmed")
		}
		go workers.PollLeaderboards(ctx, e.segments, cfg.LeaderboardSyncInterval)
	}

	if cfg.ProfileServiceURL != "" {
		workers.NewPlayerSyncWorker(e.store, cfg.ProfileServiceURL, "/api/v1/public/profiles", cfg.GameServiceToken, cfg.PlayerSyncInterval).Start(ctx)
	} else {
		logrus.Info("PROFILE_SERVICE_URL not set, player sync disabled")
	}

	var validator middleware.TokenValidator
	if e.auth != nil {
		validator = e.auth
	}
	app := handlers.NewApp(cfg, handlers.Services{
		Matchmaking: e.matchmaking,
		Settlement:  e.settlement,
		Segments:    e.segments,
		Tournaments: e.tournaments,
		Scheduler:   e.scheduler,
		Rewards:     e.rewards,
		Players:     e.players,
		Tables:      e.tables,
		Validator:   validator,
	})
	metricsServer := metrics.NewServer(e.registry, cfg.MetricsPort, cfg.MetricsEndpoint)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("port", cfg.HTTPPort).Info("server listening")
		return app.Listen(fmt.Sprintf(":%d", cfg.HTTPPort))
	})
	g.Go(func() error {
		logrus.WithFields(logrus.Fields{
			"port":     cfg.MetricsPort,
			"endpoint": cfg.MetricsEndpoint,
		}).Info("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("metrics server shutdown error")
		}
		return app.ShutdownWithContext(shutdownCtx)
	})
	return g.Wait()
}
