// Package main provides a CLI tool for running database migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/syncqueue/internal/config"
	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/storage"
)

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, version")
		dbType = flag.String("db", "local", "Database: local, remote, clickhouse")
		dir    = flag.String("dir", "migrations", "Root directory holding postgres/ and clickhouse/ migrations")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}
	logging.InitGlobalLogger(logging.Options{
		Level:  logging.ParseLogLevel(cfg.Logging.Level),
		Format: logging.FormatText,
	})

	switch *dbType {
	case "local":
		err = runPostgresMigrations(&cfg.Database.Local, *dbType, *dir+"/postgres", *action)
	case "remote":
		err = runPostgresMigrations(&cfg.Database.Remote, *dbType, *dir+"/postgres", *action)
	case "clickhouse":
		err = runClickHouseMigrations(cfg, *dir+"/clickhouse", *action)
	default:
		err = fmt.Errorf("unknown database: %s", *dbType)
	}
	if err != nil {
		logging.Fatalf("Migration failed: %v", err)
	}
}

func runPostgresMigrations(pg *config.PostgresConfig, name, migrationsPath, action string) error {
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}
	m := storage.NewMigrator(pg.URL(), migrationsPath)
	logger := logging.WithField("database", name)

	switch action {
	case "up":
		logger.Info("Running Postgres migrations")
		if err := m.Up(); err != nil {
			return err
		}
		logger.Info("Postgres migrations completed successfully")

	case "down":
		logger.Info("Rolling back Postgres migration")
		if err := m.Down(); err != nil {
			return err
		}
		logger.Info("Postgres migration rolled back successfully")

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		logger.WithFields(map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		}).Info("Current Postgres migration version")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}

	return nil
}

func runClickHouseMigrations(cfg *config.Config, migrationsPath, action string) error {
	if action != "up" {
		return fmt.Errorf("ClickHouse migrations only support 'up' action")
	}
	if _, err := os.Stat(migrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("migrations directory not found: %s", migrationsPath)
	}

	db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.WithError(err).Warn("Error closing ClickHouse connection")
		}
	}()

	applied, err := storage.RunClickHouseMigrations(context.Background(), db, migrationsPath)
	if err != nil {
		return err
	}
	logging.WithField("files", applied).Info("ClickHouse migrations completed successfully")
	return nil
}
