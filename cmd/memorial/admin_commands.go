package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/bobarin/memorial/internal/models"
	"github.com/bobarin/memorial/internal/pipeline"
	"github.com/bobarin/memorial/internal/queue"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the job catalog schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()
			if err := app.init(); err != nil {
				return err
			}
			database, err := app.openDB()
			if err != nil {
				return err
			}
			if err := database.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func newEnqueueCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <job.json|->",
		Short: "Insert a job and push it onto the render queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()
			if err := app.init(); err != nil {
				return err
			}
			ctx := cmd.Context()

			msg, err := readJobMessage(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			if err := msg.Validate(); err != nil {
				return fmt.Errorf("invalid job: %w", err)
			}

			database, err := app.openDB()
			if err != nil {
				return err
			}
			q, err := app.openQueue()
			if err != nil {
				return err
			}

			created, err := database.CreateJob(ctx, msg.Job(time.Now().UTC()))
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("job %s already exists", msg.JobID)
			}

			priority := app.retryPolicy().PriorityOf(msg.Tier)
			d, err := q.Enqueue(ctx, msg, priority)
			if err != nil {
				if derr := database.DeleteJob(ctx, msg.JobID); derr != nil {
					app.logger.Warn("failed to roll back job", zap.Error(derr))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued job %s (delivery %s, %s)\n", msg.JobID, d.ID, priority)
			return nil
		},
	}
}

func readJobMessage(stdin io.Reader, path string) (models.JobMessage, error) {
	var msg models.JobMessage
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return msg, fmt.Errorf("failed to open job file: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return msg, fmt.Errorf("failed to parse job: %w", err)
	}
	return msg, nil
}

func newQueueCommand(app *appContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the render queue",
	}

	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue depths per list",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()
			if err := app.init(); err != nil {
				return err
			}
			q, err := app.openQueue()
			if err != nil {
				return err
			}
			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStats(stats))
			return nil
		},
	})

	return queueCmd
}

func renderStats(stats *queue.Stats) string {
	rows := make([][]string, 0, len(queue.Priorities)+3)
	for _, p := range queue.Priorities {
		rows = append(rows, []string{queue.ListKey(p), "pending", strconv.FormatInt(stats.Pending[p], 10)})
	}
	rows = append(rows,
		[]string{queue.KeyDelayed, "awaiting retry", strconv.FormatInt(stats.Delayed, 10)},
		[]string{queue.KeyInflight, "leased", strconv.FormatInt(stats.Inflight, 10)},
		[]string{queue.KeyDead, "dead", strconv.FormatInt(stats.Dead, 10)},
	)
	return renderTable([]string{"List", "State", "Count"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight})
}

func newSweepCommand(app *appContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove working areas left behind by crashed workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()
			if err := app.init(); err != nil {
				return err
			}
			age := app.cfg.StaleWorkAreaAge
			if olderThan > 0 {
				age = olderThan
			}

			removed, err := pipeline.SweepStale(app.cfg.WorkDir, age, time.Now())
			for _, dir := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), "removed", dir)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d working areas removed\n", len(removed))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override STALE_WORK_AREA_AGE")
	return cmd
}
