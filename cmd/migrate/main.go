package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sarathsp06/orderhook/db/migrations"
	"github.com/sarathsp06/orderhook/internal/config"
	"github.com/sarathsp06/orderhook/internal/logger"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		envPath    = flag.String("env", "", "Directory holding .env files")
		direction  = flag.String("direction", "up", "Migration direction: up, down")
		steps      = flag.Int("steps", 0, "Number of migration steps (0 for all)")
		version    = flag.Uint("version", 0, "Target migration version")
		skipRiver  = flag.Bool("skip-river", false, "Do not apply River queue migrations")
	)
	flag.Parse()

	log := logger.NewLogger("migration")

	cfg, err := config.Load(*configFile, *envPath)
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("Starting database migration", "direction", *direction)

	ctx := context.Background()

	if !*skipRiver && *direction == "up" {
		if err := runRiverMigrations(ctx, cfg.Storage.DatabaseURL, log); err != nil {
			log.Error("Failed to run River migrations", "error", err)
			os.Exit(1)
		}
	}

	if err := runAppMigrations(cfg.Storage.DatabaseURL, *direction, *steps, *version, log); err != nil {
		log.Error("Failed to run application migrations", "error", err)
		os.Exit(1)
	}

	log.Info("All migrations completed successfully")
}

func runRiverMigrations(ctx context.Context, databaseURL string, log *slog.Logger) error {
	log.Info("Running River queue migrations...")

	dbPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return migrations.RiverUp(ctx, dbPool, log)
}

func runAppMigrations(databaseURL, direction string, steps int, targetVersion uint, log *slog.Logger) error {
	log.Info("Running application migrations...")

	m, err := migrations.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		log.Warn("Database is in dirty state, forcing version", "version", currentVersion)
		if err := m.Force(int(currentVersion)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}
	log.Info("Current migration state", "version", currentVersion, "dirty", dirty)

	if err := migrateTo(m, direction, steps, targetVersion, log); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	finalVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get final migration version: %w", err)
	}
	log.Info("Application migrations completed", "final_version", finalVersion, "dirty", dirty)
	return nil
}

func migrateTo(m *migrate.Migrate, direction string, steps int, targetVersion uint, log *slog.Logger) error {
	switch direction {
	case "up", "down":
	default:
		return fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", direction)
	}

	switch {
	case targetVersion > 0:
		log.Info("Migrating to specific version", "target_version", targetVersion)
		return m.Migrate(targetVersion)
	case steps > 0 && direction == "down":
		log.Info("Migrating down with steps", "steps", steps)
		return m.Steps(-steps)
	case steps > 0:
		log.Info("Migrating up with steps", "steps", steps)
		return m.Steps(steps)
	case direction == "down":
		log.Info("Migrating down one step")
		return m.Steps(-1)
	default:
		log.Info("Migrating to latest version")
		return m.Up()
	}
}
