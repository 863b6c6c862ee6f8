// Package cmd implements the peerd subcommands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/peerd/internal/api"
	"grimm.is/peerd/internal/config"
	"grimm.is/peerd/internal/logging"
	"grimm.is/peerd/internal/registry"
	"grimm.is/peerd/internal/store"
)

// RunStart runs the coordinator in the foreground until SIGINT or
// SIGTERM.
func RunStart(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logging.SetDefault(logging.New(logging.Config{
		Level: parseLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	}))
	log := logging.WithComponent("main")

	st, err := store.New(store.DefaultOptions(cfg.Database))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.Sync(ctx, cfg, st); err != nil {
		return fmt.Errorf("failed to sync topology: %w", err)
	}

	reg := registry.New(api.StoreDirectory(st))
	srv := api.NewServer(cfg, st, reg)

	if cfg.MetricsListen != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", promhttp.Handler())
			ms := &http.Server{
				Addr:              cfg.MetricsListen,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			log.Info("metrics listening", "addr", cfg.MetricsListen)
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
