package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"logroller/internal/config"
	"logroller/internal/logger"
	"logroller/internal/metrics"
	"logroller/internal/server"
	"logroller/internal/store"
	"logroller/internal/transport"
)

func main() {
	os.Exit(run())
}

func run() int {

	// ====================================================================
	// Config & logging
	// ====================================================================
	// Environment first, flags on top.
	cfg := config.Load()
	cfg.BindFlags(pflag.CommandLine)
	cfg.BindServerFlags(pflag.CommandLine)
	pflag.Parse()

	lg := logger.Init(cfg, nil)
	m := metrics.New()

	// ====================================================================
	// Store (replays every run on open)
	// ====================================================================
	st, err := store.Open(cfg.StorageRoot, store.Options{Logger: lg, Metrics: m})
	if err != nil {
		log.Error().Err(err).Str("root", cfg.StorageRoot).Msg("open store")
		return 1
	}
	defer st.Close()

	// ====================================================================
	// Router + lifecycle controller
	// ====================================================================
	router := server.NewRouter(st, server.RouterOptions{
		Version:     cfg.Version,
		MaxBodySize: cfg.MaxBodySize,
		Logger:      lg,
		Metrics:     m,
	})
	ctrl := server.NewController(router,
		transport.FileIdentity{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		server.ControllerOptions{
			Transport: transport.Options{
				MaxBodySize:  cfg.MaxBodySize,
				StartTimeout: cfg.StartTimeout,
				Logger:       lg,
				Metrics:      m,
			},
			Logger: lg,
		})

	// ====================================================================
	// Optional plain-HTTP /metrics listener, separate from ingest
	// ====================================================================
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{
			Addr:         cfg.MetricsAddr,
			Handler:      mux,
			ReadTimeout:  8 * time.Second,
			WriteTimeout: 8 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server terminated")
			}
		}()
	}

	if err := ctrl.Start(cfg.Port); err != nil {
		log.Error().Str("reason", ctrl.LastStartError()).Int("port", cfg.Port).Msg("collector failed to start")
		shutdownMetrics(metricsSrv)
		return 1
	}
	log.Info().
		Int("port", ctrl.Status().Port).
		Str("storage", st.Root()).
		Str("version", cfg.Version).
		Msg("collector listening")

	// ====================================================================
	// Graceful shutdown
	// ====================================================================
	// Stop the listener first so no new ingest reaches the store, then
	// close the store.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutdown signal received")
	ctrl.Stop()
	shutdownMetrics(metricsSrv)
	log.Info().Msg("shutdown complete")
	return 0
}

func shutdownMetrics(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown")
	}
}
