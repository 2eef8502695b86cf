package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/monitoring"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job monitoring API and Prometheus metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg)

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(st),
				monitoring.NewAlerter(cfg.Monitoring),
				m,
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildRouter(st, reg, cfg.Server.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// buildRouter exposes read-only job queue state.
func buildRouter(st store.Store, gatherer prometheus.Gatherer, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler(gatherer))

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			limit, offset, err := pageParams(q.Get("limit"), q.Get("offset"))
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			jobs, err := st.ListJobs(r.Context(), model.JobFilter{
				Status:   model.JobStatus(q.Get("status")),
				PortCode: strings.ToUpper(q.Get("port")),
				Limit:    limit,
				Offset:   offset,
			})
			if err != nil {
				zap.L().Error("api: list jobs", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "list jobs failed")
				return
			}
			if jobs == nil {
				jobs = []model.IngestionJob{}
			}
			respond(w, http.StatusOK, jobs)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			job, err := st.GetJob(r.Context(), id)
			if err != nil {
				zap.L().Error("api: get job", zap.String("job_id", id), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "get job failed")
				return
			}
			if job == nil {
				writeError(w, http.StatusNotFound, "job not found")
				return
			}
			respond(w, http.StatusOK, job)
		})
	})

	r.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _, err := pageParams(q.Get("limit"), "")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		entries, err := st.ListDLQ(r.Context(), resilience.DLQFilter{
			ErrorType: q.Get("error_type"),
			PortCode:  strings.ToUpper(q.Get("port")),
			Limit:     limit,
		})
		if err != nil {
			zap.L().Error("api: list dlq", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list dlq failed")
			return
		}
		if entries == nil {
			entries = []resilience.DLQEntry{}
		}
		respond(w, http.StatusOK, entries)
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := st.TariffStats(r.Context(), strings.ToUpper(r.URL.Query().Get("port")))
		if err != nil {
			zap.L().Error("api: tariff stats", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "stats failed")
			return
		}
		respond(w, http.StatusOK, stats)
	})

	return r
}

func pageParams(limitStr, offsetStr string) (limit, offset int, err error) {
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit < 0 {
			return 0, 0, eris.Errorf("invalid limit %q", limitStr)
		}
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, eris.Errorf("invalid offset %q", offsetStr)
		}
	}
	return limit, offset, nil
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
