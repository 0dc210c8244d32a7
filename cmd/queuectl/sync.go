package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncqueue/internal/app"
	"github.com/syncqueue/internal/storage"
	"github.com/syncqueue/internal/syncer"
)

var (
	syncTables []string

	conflictsTable string
	conflictsLimit int
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle in the foreground",
	Long: `Run one sync cycle against the configured local and remote databases.

The cycle takes the same coordination lock as queued sync jobs, so it is
skipped while a worker is already syncing.`,
	Example: `  queuectl sync
  queuectl sync --tables orders,customers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		services, err := app.Connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer services.Close()

		result, err := services.Engine.RunCycle(ctx, syncer.CycleOptions{Tables: syncTables})
		if jsonOutput && result != nil {
			if perr := printJSON(result); perr != nil {
				return perr
			}
			return err
		}
		if result != nil {
			printCycle(result)
		}
		return err
	},
}

func printCycle(result *syncer.CycleResult) {
	if result.Skipped {
		fmt.Println("Another sync cycle holds the lock, skipped")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tBATCHES\tPULLED\tPUSHED\tCONFLICTS\tPUSH WM\tPULL WM\tERROR")
	for _, t := range result.Tables {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			t.Table, t.Batches, t.Pulled, t.Pushed, t.Conflicts, t.PushWatermark, t.PullWatermark, t.Error)
	}
	_ = w.Flush()
	fmt.Printf("Cycle finished in %s\n", result.Duration.Round(time.Millisecond))
}

var cursorsCmd = &cobra.Command{
	Use:     "cursors",
	GroupID: "sync",
	Short:   "Show sync watermarks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		db, err := storage.NewPostgresDB(&cfg.Database.Local, "local")
		if err != nil {
			return err
		}
		defer db.Close()

		cursors, err := storage.NewSyncCursorRepository(db).List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cursors)
		}
		if len(cursors) == 0 {
			fmt.Println("No cursors yet")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tDIRECTION\tWATERMARK\tUPDATED")
		for _, c := range cursors {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.TableName, c.Direction, c.Watermark, c.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Show recently resolved conflicts from the ClickHouse audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if !cfg.Database.ClickHouse.Enabled {
			return fmt.Errorf("conflict audit log is disabled (set CLICKHOUSE_ENABLED=true)")
		}
		db, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		records, err := storage.NewConflictLogRepository(db).Recent(ctx, conflictsTable, conflictsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(records)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RESOLVED\tTABLE\tROW\tLOCAL\tREMOTE\tRESOLUTION")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				r.ResolvedAt.Format(time.RFC3339), r.TableName, r.RowID, r.LocalVersion, r.RemoteVersion, r.Resolution)
		}
		return w.Flush()
	},
}

func init() {
	syncCmd.Flags().StringSliceVar(&syncTables, "tables", nil, "Tables to sync (default: SYNC_TABLES)")

	conflictsCmd.Flags().StringVar(&conflictsTable, "table", "", "Only show conflicts of this table")
	conflictsCmd.Flags().IntVar(&conflictsLimit, "limit", 50, "Maximum conflicts to show")
}
