package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncqueue/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func testPostgresConfig() *config.PostgresConfig {
	return &config.PostgresConfig{
		Host:           envOr("TEST_POSTGRES_HOST", "localhost"),
		Port:           envOr("TEST_POSTGRES_PORT", "5432"),
		Database:       envOr("TEST_POSTGRES_DB", "syncqueue_test"),
		User:           envOr("TEST_POSTGRES_USER", "syncqueue"),
		Password:       envOr("TEST_POSTGRES_PASSWORD", "syncqueue_dev_password"),
		SSLMode:        "disable",
		MaxConnections: 10,
	}
}

// testPostgres connects to the integration database, applies the queue
// migrations and empties the queue tables. It skips the test in short mode
// or when no database is reachable.
func testPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg, "test")
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	migrations, err := filepath.Abs(filepath.Join("..", "..", "migrations", "postgres"))
	if err != nil {
		t.Fatalf("migrations path: %v", err)
	}
	if err := NewMigrator(cfg.URL(), migrations).Up(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx, `TRUNCATE jobs, sync_cursors`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}
