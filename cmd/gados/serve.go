package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/alfredjeanlab/gados/internal/analytics"
	"github.com/alfredjeanlab/gados/internal/config"
	"github.com/alfredjeanlab/gados/internal/events"
	"github.com/alfredjeanlab/gados/internal/logging"
	"github.com/alfredjeanlab/gados/internal/metrics"
	"github.com/alfredjeanlab/gados/internal/presence"
	"github.com/alfredjeanlab/gados/internal/ratelimit"
	"github.com/alfredjeanlab/gados/internal/registry"
	"github.com/alfredjeanlab/gados/internal/reporting"
	"github.com/alfredjeanlab/gados/internal/server"
	"github.com/alfredjeanlab/gados/internal/store/sqlstore"
	gadossync "github.com/alfredjeanlab/gados/internal/sync"
	"github.com/alfredjeanlab/gados/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the control plane HTTP server",
	GroupID: "system",
	// Override PersistentPreRunE so we don't create an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := logging.New(cfg.LogFormat, logging.ParseLevel(cfg.LogLevel))
		slog.SetDefault(logger)

		ctx := context.Background()
		st, err := sqlstore.Open(ctx, cfg.BusDatabaseURL)
		if err != nil {
			return err
		}

		// Events fan out to NATS, the SSE hub and the metrics counters.
		hub := server.NewEventHub()
		m := metrics.New()
		publisher := events.Fanout{hub, m}
		if cfg.NATSURL != "" {
			nats, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			publisher = append(publisher, nats)
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		} else {
			logger.Info("events disabled (GADOS_NATS_URL not set)")
		}

		ws := newWorkspace(cfg, logger, st, publisher)
		defer ws.Close()

		var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimitRPS, int(cfg.RateLimitBurst))
		if cfg.RateLimitRedisURL != "" {
			rl, err := ratelimit.NewRedisFromURL(cfg.RateLimitRedisURL, cfg.RateLimitRPS, int(cfg.RateLimitBurst))
			if err != nil {
				return err
			}
			defer rl.Close()
			limiter = rl
			logger.Info("shared rate limiter enabled")
		}

		reg := registry.New(cfg.BetaRunStorePath, publisher)

		tracker := presence.New()
		ws.scenarios.Presence = tracker
		tracker.StartReaper(&presence.ReaperConfig{
			DeadThreshold: cfg.PresenceDeadAfter,
			OnDead:        ws.scenarios.AgentDead,
		})
		defer tracker.Stop()

		srv := server.New(server.Options{
			Project:           ws.project,
			Bus:               ws.bus,
			Notifier:          ws.notifier,
			Runs:              ws.runs,
			Registry:          reg,
			Scenarios:         ws.scenarios,
			Presence:          tracker,
			Analytics:         analytics.New(m.Registry, cfg.AnalyticsAllowlist, logger),
			Metrics:           m,
			Limiter:           limiter,
			Hub:               hub,
			Logger:            logger,
			BasicAuthUser:     cfg.BasicAuthUser,
			BasicAuthPassword: cfg.BasicAuthPassword,
			MaxRequestBytes:   cfg.MaxRequestBytes,
			CORSAllowOrigins:  cfg.CORSAllowOrigins,
		})

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		var grpcServer *grpc.Server
		if cfg.GRPCAddr != "" {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return err
			}
			gs, hs := server.NewGRPCServer()
			grpcServer = gs
			go func() {
				logger.Info("gRPC health server listening", "addr", cfg.GRPCAddr)
				if err := gs.Serve(lis); err != nil {
					logger.Error("gRPC server error", "err", err)
				}
			}()
			server.SetServing(hs)
		}

		var scheduler *gadossync.Scheduler
		if cfg.ArchiveInterval > 0 {
			var dests []gadossync.Destination
			if cfg.ArchiveS3Bucket != "" {
				s3Dest, err := gadossync.NewS3Destination(ctx,
					cfg.ArchiveS3Bucket,
					cfg.ArchiveS3Key,
					cfg.ArchiveS3Region,
					cfg.ArchiveS3Endpoint,
				)
				if err != nil {
					logger.Error("failed to create S3 archive destination", "err", err)
				} else {
					dests = append(dests, s3Dest)
					logger.Info("archive S3 destination enabled", "bucket", cfg.ArchiveS3Bucket, "key", cfg.ArchiveS3Key)
				}
			}
			if cfg.ArchiveGitRepo != "" {
				dests = append(dests, gadossync.NewGitDestination(cfg.ArchiveGitRepo, cfg.ArchiveGitFile, cfg.ArchiveGitBranch))
				logger.Info("archive git destination enabled", "repo", cfg.ArchiveGitRepo, "file", cfg.ArchiveGitFile)
			}
			if len(dests) > 0 {
				src := gadossync.Sources{Registry: reg, Runs: ws.runs, Ledger: ws.scenarios.Ledger}
				scheduler = gadossync.NewScheduler(src, dests, cfg.ArchiveInterval, logger)
				scheduler.Start()
				logger.Info("archive scheduler started", "interval", cfg.ArchiveInterval)
			}
		}

		var fsWatcher *watcher.Watcher
		if cfg.WatchArtifacts {
			fsWatcher = watcher.New(ws.project, publisher, 0, logger)
			if err := fsWatcher.Start(); err != nil {
				logger.Error("artifact watcher disabled", "err", err)
				fsWatcher = nil
			}
		}

		var autorun *reporting.Autorun
		if cfg.AutorunReports {
			autorun = reporting.NewAutorun(reporting.DigestJob(ws.project, logger), cfg.AutorunInterval, logger)
			autorun.Start()
			logger.Info("report autorun started", "interval", cfg.AutorunInterval)
		}

		srv.MarkReady()
		logger.Info("gados server started",
			"http_addr", cfg.HTTPAddr,
			"grpc_addr", cfg.GRPCAddr,
			"repo_root", cfg.RepoRoot,
			"auth_enabled", cfg.AuthEnabled(),
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		if autorun != nil {
			autorun.Stop()
		}
		if fsWatcher != nil {
			fsWatcher.Stop()
		}
		if scheduler != nil {
			scheduler.Stop()
			logger.Info("archive scheduler stopped")
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
			logger.Info("gRPC server stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("shutdown complete")
		return nil
	},
}
