// Package main provides queuectl, the operator CLI for the job queue and the
// table sync: enqueue and inspect jobs, reclaim orphaned leases, inspect
// cursors and conflicts, and run a sync cycle in the foreground.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncqueue/internal/app"
	"github.com/syncqueue/internal/config"
	"github.com/syncqueue/internal/job"
	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/storage"
)

var jsonOutput bool

var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "Operate the sync job queue",
	Long: `queuectl inspects and drives the durable job queue and the table sync.

Configuration is read from the environment and an optional .env file, the
same way the worker reads it.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)
	rootCmd.AddCommand(enqueueCmd, getCmd, listCmd, statsCmd, reclaimCmd, purgeCmd)
	rootCmd.AddCommand(syncCmd, cursorsCmd, conflictsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and installs a text logger
func loadConfig(cmd *cobra.Command) (context.Context, *config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.InitGlobalLogger(logging.Options{
		Level:  logging.ParseLogLevel(cfg.Logging.Level),
		Format: logging.FormatText,
	})
	return logging.WithLogger(cmd.Context(), logger), cfg, nil
}

// queueClient connects only to the local database, which holds the queue
type queueClient struct {
	db      *storage.PostgresDB
	jobs    *storage.JobRepository
	manager *job.Manager
}

func openQueue(cmd *cobra.Command) (context.Context, *queueClient, error) {
	ctx, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.NewPostgresDB(&cfg.Database.Local, "local")
	if err != nil {
		return nil, nil, err
	}
	jobs := storage.NewJobRepository(db)
	return ctx, &queueClient{db: db, jobs: jobs, manager: app.NewManager(cfg, jobs)}, nil
}

func (c *queueClient) Close() {
	c.db.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
