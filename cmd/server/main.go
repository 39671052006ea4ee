package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"model-registry/internal/api"
	"model-registry/internal/config"
	"model-registry/internal/dockercli"
	"model-registry/internal/engine"
	"model-registry/internal/image"
	"model-registry/internal/monitor"
	"model-registry/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metrics
	metrics := monitor.NewMetrics()

	// Initialize execution engine (auto-detects containerd vs Docker)
	var eng engine.Engine
	eng, err = engine.NewEngine(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no execution backend available (predictions will fail)")
		// Continue startup so health/metrics endpoints work for debugging
	}

	// Validation and extraction always go through the docker CLI, even when
	// predictions run on containerd: transient inspection runs are cheap and
	// docker is required for building model images anyway.
	cli, err := dockercli.New()
	if err != nil {
		log.Fatal().Err(err).Msg("docker CLI unavailable, cannot validate model images")
	}
	validator := image.NewValidator(cli, cfg.Engine.PullOnRegister)
	extractor := image.NewExtractor(cli)

	// Initialize storage: Postgres when configured, in-memory otherwise.
	var store storage.Store
	var db *storage.DB
	if cfg.Registry.DSN != "" {
		db, err = storage.New(ctx, cfg.Registry.DSN, storage.Options{
			MaxConns:        cfg.Registry.MaxConns,
			MinConns:        cfg.Registry.MinConns,
			ConnMaxLifetime: cfg.Registry.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("database unavailable")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("schema migration failed")
		}
		store = db
	} else {
		log.Warn().Msg("no database configured — model records are lost on restart")
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	// Initialize audit writer (buffered, loss-tolerant logging)
	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	// Create and start HTTP server
	server := api.NewServer(cfg, store, eng, validator, extractor, auditWriter, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Drain active prediction runs
		if eng != nil {
			if err := eng.Close(); err != nil {
				log.Error().Err(err).Msg("engine close error")
			}
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("engine_available", eng != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
