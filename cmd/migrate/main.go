package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/pixelgrid/gridwall/gridwall"
	"github.com/pixelgrid/gridwall/gridwall/database"
	"github.com/pixelgrid/gridwall/gridwall/logger"
	"github.com/pixelgrid/gridwall/gridwall/migration"
)

func main() {
	slog.SetDefault(slog.New(logger.NewHandler("Gridwall-Migrate")))

	configPath := flag.String("config", "config.toml", "path to config file")
	mongoURI := flag.String("mongo-uri", os.Getenv("MONGO_URI"), "legacy mongo connection string")
	mongoDB := flag.String("mongo-db", "wall", "legacy mongo database name")
	flag.Parse()

	if *mongoURI == "" {
		slog.Error("Missing mongo URI", slog.String("type", "sys"))
		os.Exit(1)
	}

	cfg, err := gridwall.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config",
			slog.String("type", "sys"),
			slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
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

	migrator, err := migration.New(ctx, migration.Config{
		MongoURI: *mongoURI,
		MongoDB:  *mongoDB,
	}, db)
	if err != nil {
		slog.Error("Failed to connect to mongo",
			slog.String("type", "db"),
			slog.Any("error", err))
		os.Exit(1)
	}
	defer migrator.Close(ctx)

	if err := migrator.Run(ctx); err != nil {
		slog.Error("Migration failed",
			slog.String("type", "db"),
			slog.Any("error", err))
		os.Exit(1)
	}
}
