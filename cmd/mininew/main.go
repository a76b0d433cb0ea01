// Copyright 2024-2026 Aiku AI

// Command mininew runs the multi-tenant bot supervision service: it
// restores every active session from MongoDB, supervises the per-tenant
// protocol connections, and routes their events through the command
// router and moderation pipeline.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/aiku/mininew/pkg/command"
	"github.com/aiku/mininew/pkg/config"
	"github.com/aiku/mininew/pkg/moderation"
	"github.com/aiku/mininew/pkg/store"
	"github.com/aiku/mininew/pkg/supervisor"
	"github.com/aiku/mininew/pkg/transport"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const policySweepInterval = 5 * time.Minute

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).Msg("Starting mininew")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewMongo(ctx, cfg.MongoDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close MongoDB client")
		}
	}()
	if err := db.EnsureIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create indexes")
	}

	registry := command.NewRegistry(log)
	if err := registry.RegisterAll(command.Builtin()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to register builtin commands")
	}
	router := command.NewRouter(registry, log)

	policies := moderation.NewStore(db, log)
	go policies.RunSweeper(ctx, policySweepInterval)
	pipeline := moderation.NewPipeline(policies, log)

	sup := supervisor.New(supervisor.Options{
		Transport:         transport.NewMemory(),
		Store:             db,
		Router:            router,
		Moderation:        pipeline,
		Log:               log,
		ReconnectDelay:    cfg.Supervisor.ReconnectDelay(),
		RecordingDuration: cfg.Supervisor.RecordingDuration(),
	})
	defer sup.Close()

	if err := sup.AutoReconnectAll(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Auto-reconnect failed")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}
