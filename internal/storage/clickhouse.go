package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/syncqueue/internal/config"
)

// ClickHouseDB is the connection behind the conflict audit log. Traffic is a
// batch insert per sync batch plus occasional reads from queuectl, so the
// pool is small and inserts are LZ4 compressed.
type ClickHouseDB struct {
	conn     driver.Conn
	database string
}

// NewClickHouseDB connects to cfg.Database. With CreateDatabase set the
// database is created first, so the audit log can live in its own database
// without a manual setup step.
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.CreateDatabase && cfg.Database != "" && cfg.Database != "default" {
		if err := createClickHouseDatabase(ctx, cfg); err != nil {
			return nil, err
		}
	}

	conn, err := openClickHouse(ctx, cfg, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &ClickHouseDB{conn: conn, database: cfg.Database}, nil
}

func createClickHouseDatabase(ctx context.Context, cfg *config.ClickHouseConfig) error {
	conn, err := openClickHouse(ctx, cfg, "default")
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.Exec(ctx, "CREATE DATABASE IF NOT EXISTS "+quoteClickHouseIdent(cfg.Database)); err != nil {
		return fmt.Errorf("failed to create ClickHouse database %s: %w", cfg.Database, err)
	}
	return nil
}

func openClickHouse(ctx context.Context, cfg *config.ClickHouseConfig, database string) (driver.Conn, error) {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 2
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: "syncqueue-conflict-log", Version: "1"}},
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 10,
		},
		Compression:      &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:      5 * time.Second,
		MaxOpenConns:     maxConns,
		MaxIdleConns:     1,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return conn, nil
}

// quoteClickHouseIdent backquotes an identifier for use in DDL
func quoteClickHouseIdent(name string) string {
	return "`" + strings.ReplaceAll(strings.ReplaceAll(name, `\`, `\\`), "`", "\\`") + "`"
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying ClickHouse connection
func (db *ClickHouseDB) Conn() driver.Conn {
	return db.conn
}

// Database returns the database the audit log lives in
func (db *ClickHouseDB) Database() string {
	return db.database
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// Exec executes a query without returning rows
func (db *ClickHouseDB) Exec(ctx context.Context, query string, args ...interface{}) error {
	return db.conn.Exec(ctx, query, args...)
}
