package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixelgrid/gridwall/gridwall"
	"github.com/pixelgrid/gridwall/gridwall/database"
	"github.com/pixelgrid/gridwall/gridwall/database/repositories"
	"github.com/pixelgrid/gridwall/gridwall/engagement"
	"github.com/pixelgrid/gridwall/gridwall/live"
	"github.com/pixelgrid/gridwall/gridwall/logger"
	"github.com/pixelgrid/gridwall/gridwall/reaper"
	"github.com/pixelgrid/gridwall/gridwall/reservation"
	"github.com/pixelgrid/gridwall/gridwall/server"
	"github.com/pixelgrid/gridwall/gridwall/services"
	"github.com/pixelgrid/gridwall/gridwall/users"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(logger.NewHandler("Gridwall")))

	slog.Info("Starting Gridwall",
		slog.String("version", version),
		slog.String("commit", commit))

	configPath := flag.String("config", "config.toml", "path to config file")
	flag.Parse()

	cfg, err := gridwall.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config",
			slog.String("type", "sys"),
			slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(slog.New(logger.NewHandlerWithLevel("Gridwall", cfg.Log.Level)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		slog.Error("Failed to connect to database",
			slog.String("type", "db"),
			slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitializeSchema(ctx); err != nil {
		slog.Error("Failed to initialize schema",
			slog.String("type", "db"),
			slog.Any("error", err))
		os.Exit(1)
	}

	slotRepo := repositories.NewSlotRepository(db.BunDB())
	userRepo := repositories.NewUserRepository(db.BunDB())
	engagementRepo := repositories.NewEngagementRepository(db.BunDB())

	if err := slotRepo.EnsureGrid(ctx, cfg.Grid.Rows, cfg.Grid.Cols); err != nil {
		slog.Error("Failed to provision slot grid",
			slog.String("type", "db"),
			slog.Any("error", err))
		os.Exit(1)
	}

	blobs, err := services.NewSpacesService(services.SpacesConfig{
		Key:    cfg.Spaces.Key,
		Secret: cfg.Spaces.Secret,
		Region: cfg.Spaces.Region,
		Bucket: cfg.Spaces.Bucket,
	})
	if err != nil {
		slog.Error("Failed to initialize blob store",
			slog.String("type", "sys"),
			slog.Any("error", err))
		os.Exit(1)
	}

	moderation := services.NewSightengineClient(services.ModerationConfig{
		Endpoint:  cfg.Moderation.Endpoint,
		APIUser:   cfg.Moderation.APIUser,
		APISecret: cfg.Moderation.APISecret,
		Threshold: cfg.Moderation.Threshold,
	})

	manager := reservation.NewManager(slotRepo, moderation, blobs, reservation.Config{
		HoldWindow: cfg.Lifecycle.HoldWindow,
		LifeWindow: cfg.Lifecycle.LifeWindow,
	})
	ledger := engagement.NewLedger(engagementRepo)
	accounts := users.NewService(userRepo, slotRepo, engagementRepo, blobs)

	rp := reaper.New(slotRepo, engagementRepo, userRepo, blobs, reaper.Config{
		Mode:             reaper.Mode(cfg.Lifecycle.ReapMode),
		Interval:         cfg.Lifecycle.ReapInterval,
		StreakDecayCheck: cfg.Lifecycle.StreakDecayCheck,
		StreakDecayAge:   cfg.Lifecycle.StreakDecayAge,
	})
	rp.Start(ctx)
	defer rp.Shutdown()

	aggregator, err := live.NewAggregator(slotRepo, userRepo, live.NewPGWatcher(db))
	if err != nil {
		slog.Error("Failed to build aggregator",
			slog.String("type", "live"),
			slog.Any("error", err))
		os.Exit(1)
	}
	if err := aggregator.Start(ctx); err != nil {
		slog.Error("Failed to start aggregator",
			slog.String("type", "live"),
			slog.Any("error", err))
		os.Exit(1)
	}
	defer aggregator.Shutdown()

	srv := server.New(manager, ledger, accounts, aggregator, rp, blobs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(cfg.Server.Addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("Server stopped",
			slog.String("type", "http"),
			slog.Any("error", err))
	case sig := <-sigCh:
		slog.Info("Shutting down",
			slog.String("type", "sys"),
			slog.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed",
			slog.String("type", "http"),
			slog.Any("error", err))
	}
}
