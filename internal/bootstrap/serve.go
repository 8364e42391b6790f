package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"omniman/internal/httpapi"
	"omniman/internal/infrastructure/server"
	"omniman/internal/worker"
)

// Serve runs the HTTP API plus the configured sidecars until ctx is
// canceled. The embedded worker and sweeper are per-config; deployments
// running dedicated `omniman work` processes switch them off.
func (a *App) Serve(ctx context.Context) error {
	api := httpapi.NewServer(a.Engine, a.Store, a.Cfg, a.Logger, a.Health, a.Version)
	srv := &http.Server{
		Addr:              a.Cfg.App.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var ops *server.HealthServer
	if a.Cfg.Telemetry.EnableMetrics {
		ops = server.NewHealthServer(a.Cfg.Telemetry.MetricsPort, a.Logger, a.Health)
		ops.UpdateStatus("driver", a.Cfg.Database.Driver)
		ops.UpdateStatus("worker", workerMode(a))
		ops.Start()
	}

	var runner *worker.Runner
	if a.Cfg.Workers.Embedded {
		runner = worker.NewRunner(a.Store, a.Registry, a.Logger, worker.Config{
			Topics:       a.Cfg.Workers.Topics,
			PollInterval: time.Duration(a.Cfg.Workers.PollIntervalMS) * time.Millisecond,
			BatchSize:    a.Cfg.Workers.BatchSize,
			PoolSize:     a.Cfg.Workers.PoolSize,
			Alerts:       a.Alerts,
		})
		if err := runner.Start(ctx); err != nil {
			return err
		}
		a.Health.Register("worker", runner.Healthy)
	}

	var sweeper *worker.Sweeper
	if a.Cfg.Workers.SweepIntervalMin > 0 {
		sweeper = worker.NewSweeper(a.Store, a.Logger,
			time.Duration(a.Cfg.Workers.SweepIntervalMin)*time.Minute, 0)
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("HTTP API listening", "addr", a.Cfg.App.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.Logger.Info("Received shutdown signal, gracefully shutting down")

		if runner != nil {
			_ = runner.Stop()
		}
		if sweeper != nil {
			_ = sweeper.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if ops != nil {
			_ = ops.Stop(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Logger.Info("omniman stopped")
	return err
}

func workerMode(a *App) string {
	if a.Cfg.Workers.Embedded {
		return "embedded"
	}
	return "external"
}
