// Command loadgend runs the load generation engine as a long-lived HTTP
// service: submit tests, poll or stream their progress, and scrape
// Prometheus metrics, all against the same process.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/99souls/loadgen/api"
	"github.com/99souls/loadgen/clock"
	"github.com/99souls/loadgen/config"
	"github.com/99souls/loadgen/service"
	"github.com/99souls/loadgen/telemetry/logging"
	"github.com/99souls/loadgen/telemetry/metrics"
)

func main() {
	var (
		addr        string
		profilesDir string
		watch       bool
	)
	flag.StringVar(&addr, "addr", ":8080", "address to listen on")
	flag.StringVar(&profilesDir, "profiles", "", "directory of WorkloadProfile YAML files (optional)")
	flag.BoolVar(&watch, "watch-profiles", true, "hot-reload profiles when their files change")
	flag.Parse()

	logger := logging.New(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "signal received; shutting down")
		cancel()
		<-sigCh
		os.Exit(1)
	}()

	var profiles *config.Store
	if profilesDir != "" {
		store, err := config.NewStore(profilesDir)
		if err != nil {
			logger.ErrorCtx(ctx, "loading profiles failed", "dir", profilesDir, "error", err)
			os.Exit(1)
		}
		profiles = store
		logger.InfoCtx(ctx, "profiles loaded", "dir", profilesDir, "count", len(store.Names()))

		if watch {
			w, err := config.NewProfileWatcher(profilesDir, store)
			if err != nil {
				logger.ErrorCtx(ctx, "creating profile watcher failed", "error", err)
				os.Exit(1)
			}
			changes, errs := w.Watch(ctx)
			go func() {
				for {
					select {
					case c, ok := <-changes:
						if !ok {
							return
						}
						logger.InfoCtx(ctx, "profile changed", "name", c.Name, "removed", c.Removed)
					case err, ok := <-errs:
						if !ok {
							return
						}
						logger.WarnCtx(ctx, "profile watch error", "error", err)
					case <-ctx.Done():
						return
					}
				}
			}()
			defer w.Close()
		}
	}

	prom := metrics.NewPrometheusProvider(metrics.PrometheusOptions{})
	svc := service.New(clock.Real())
	apiServer := api.New(svc, profiles, logger)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer)
	mux.Handle("/metrics", prom.MetricsHandler())

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.InfoCtx(ctx, "loadgend listening", "addr", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.ErrorCtx(ctx, "server exited with error", "error", err)
		os.Exit(1)
	}
}
