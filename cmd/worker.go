package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/monitoring"
	"github.com/sells-group/tariff-cli/internal/worker"
)

var workerMetricsPort int

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker pool and the source scheduler",
	Long: `Claims queued ingestion jobs and runs them with retry and dead-lettering.
Also re-fetches configured scheduler sources, reloads the dictionary on change,
and evaluates queue health alerts when monitoring is enabled.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		pool := worker.NewPool(env.Store, env.Service, env.Metrics, worker.OptionsFromConfig(cfg.Worker))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return pool.Run(gctx) })

		if cfg.Scheduler.Enabled && len(cfg.Scheduler.Sources) > 0 {
			sched := worker.NewScheduler(env.Store, env.Fetcher, env.Blobs, cfg.Scheduler, pool.MaxAttempts())
			g.Go(func() error {
				sched.Run(gctx)
				return nil
			})
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				env.Metrics,
				cfg.Monitoring,
			)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		g.Go(func() error {
			if err := env.watchDictionary(gctx); err != nil {
				zap.L().Error("dictionary watch stopped", zap.Error(err))
			}
			return nil
		})

		if workerMetricsPort > 0 {
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", workerMetricsPort),
				Handler:           metrics.Handler(env.Registry),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				zap.L().Info("serving worker metrics", zap.Int("port", workerMetricsPort))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return eris.Wrap(err, "metrics listen")
				}
				return nil
			})
		}

		return g.Wait()
	},
}

func init() {
	workerCmd.Flags().IntVar(&workerMetricsPort, "metrics-port", 0, "serve Prometheus metrics on this port (disabled when 0)")
	rootCmd.AddCommand(workerCmd)
}
