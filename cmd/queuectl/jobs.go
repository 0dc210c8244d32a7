package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncqueue/internal/job"
	"github.com/syncqueue/internal/models"
)

var (
	enqueuePayload     string
	enqueueMaxAttempts int
	enqueueRunAfter    time.Duration

	listStatus string
	listType   string
	listLimit  int

	purgeRetention time.Duration
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <job-type>",
	GroupID: "queue",
	Short:   "Enqueue a job",
	Example: `  queuectl enqueue sync --payload '{"tables":["orders"]}'
  queuectl enqueue sync --run-after 10m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, client, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		var payload json.RawMessage
		if enqueuePayload != "" {
			payload = json.RawMessage(enqueuePayload)
		}
		j, err := client.manager.Enqueue(ctx, job.EnqueueInput{
			JobType:     args[0],
			Payload:     payload,
			MaxAttempts: enqueueMaxAttempts,
			RunAfter:    enqueueRunAfter,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(j)
		}
		fmt.Printf("Enqueued %s job %s (available %s)\n", j.JobType, j.ID, j.AvailableAt.Format(time.RFC3339))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <job-id>",
	GroupID: "queue",
	Short:   "Show one job",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, client, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		j, err := client.manager.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(j)
		}

		fmt.Printf("ID:           %s\n", j.ID)
		fmt.Printf("Type:         %s\n", j.JobType)
		fmt.Printf("Status:       %s\n", j.Status)
		fmt.Printf("Attempts:     %d/%d\n", j.Attempts, j.MaxAttempts)
		fmt.Printf("Available at: %s\n", j.AvailableAt.Format(time.RFC3339))
		if j.LeasedBy != nil {
			fmt.Printf("Leased by:    %s until %s\n", *j.LeasedBy, j.LeaseExpiresAt.Format(time.RFC3339))
		}
		if j.LastError != nil {
			fmt.Printf("Last error:   %s\n", *j.LastError)
		}
		fmt.Printf("Payload:      %s\n", string(j.Payload))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "queue",
	Short:   "List jobs in claim order",
	Example: `  queuectl list --status dead
  queuectl list --type sync --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, client, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		jobs, err := client.manager.List(ctx, models.JobFilter{
			Status:  models.JobStatus(listStatus),
			JobType: listType,
			Limit:   listLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(jobs)
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tATTEMPTS\tAVAILABLE\tLAST ERROR")
		for _, j := range jobs {
			lastErr := ""
			if j.LastError != nil {
				lastErr = *j.LastError
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.JobType, j.Status, j.Attempts, j.MaxAttempts,
				j.AvailableAt.Format(time.RFC3339), lastErr)
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "queue",
	Short:   "Show queue depth and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, client, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		stats, err := client.manager.Stats(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(stats)
		}

		for _, status := range []models.JobStatus{
			models.JobStatusPending, models.JobStatusLeased, models.JobStatusCompleted, models.JobStatusDead,
		} {
			fmt.Printf("%-10s %d\n", status, stats.Counts[status])
		}
		fmt.Printf("%-10s %d\n", "expired", stats.ExpiredLeases)
		if stats.OldestPendingAt != nil {
			fmt.Printf("Oldest pending job available since %s\n", stats.OldestPendingAt.Format(time.RFC3339))
		}
		if len(stats.DeadLetteredByType) > 0 {
			types := make([]string, 0, len(stats.DeadLetteredByType))
			for t := range stats.DeadLetteredByType {
				types = append(types, t)
			}
			sort.Strings(types)
			fmt.Println("Dead-lettered by type:")
			for _, t := range types {
				fmt.Printf("  %-20s %d\n", t, stats.DeadLetteredByType[t])
			}
		}
		return nil
	},
}

var reclaimCmd = &cobra.Command{
	Use:     "reclaim",
	GroupID: "queue",
	Short:   "Reclaim expired leases now",
	Long: `Fail every lease that expired before now with "lease expired",
exactly as the worker's reaper does on its interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, client, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		n, err := client.manager.ReclaimOrphans(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]int{"reclaimed": n})
		}
		fmt.Printf("Reclaimed %d orphaned leases\n", n)
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:     "purge",
	GroupID: "queue",
	Short:   "Delete completed jobs older than the retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, client, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer client.Close()

		n, err := client.manager.PurgeFinished(ctx, purgeRetention)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]int64{"purged": n})
		}
		fmt.Printf("Purged %d completed jobs\n", n)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueuePayload, "payload", "", "JSON payload")
	enqueueCmd.Flags().IntVar(&enqueueMaxAttempts, "max-attempts", 0, "Attempt budget (0 uses QUEUE_MAX_ATTEMPTS)")
	enqueueCmd.Flags().DurationVar(&enqueueRunAfter, "run-after", 0, "Delay before the job becomes claimable")

	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending, leased, completed, dead)")
	listCmd.Flags().StringVar(&listType, "type", "", "Filter by job type")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum jobs to show")

	purgeCmd.Flags().DurationVar(&purgeRetention, "older-than", 7*24*time.Hour, "Retention for completed jobs")
}
