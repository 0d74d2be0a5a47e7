package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/relay/internal/config"
	"github.com/harrison/relay/internal/mergequeue"
)

// NewQueueCommand creates the queue command group for inspecting and
// editing the persisted merge queue.
func NewQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the merge queue",
		Long: `Inspect and manage the merge queue snapshot left by relay run.

Failed merges stay in the queue until they are retried or cleared.

Examples:
  relay queue status
  relay queue retry relay/run-1/task-3
  relay queue clear relay/run-1/task-3
  relay queue clear --all`,
	}

	cmd.PersistentFlags().String("config", "", "Path to config file (default: .relay/config.yaml)")
	cmd.PersistentFlags().String("snapshot", "", "Path to queue snapshot (overrides config)")

	cmd.AddCommand(newQueueStatusCommand())
	cmd.AddCommand(newQueueRetryCommand())
	cmd.AddCommand(newQueueClearCommand())

	return cmd
}

// queueContext resolves the snapshot path and queue settings.
func queueContext(cmd *cobra.Command) (string, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", nil, err
	}
	path, _ := cmd.Flags().GetString("snapshot")
	if path == "" {
		path = cfg.MergeQueue.SnapshotPath
	}
	if path == "" {
		return "", nil, fmt.Errorf("no queue snapshot path configured")
	}
	return path, cfg, nil
}

// offlineQueue builds a queue with no git backend for inspecting and editing
// a snapshot. It is never processed.
func offlineQueue(cfg *config.Config, snap mergequeue.Snapshot) (*mergequeue.Queue, error) {
	q, err := mergequeue.New(cfg.QueueConfig(""), nil)
	if err != nil {
		return nil, err
	}
	q.Restore(snap)
	return q, nil
}

func newQueueStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued merges, failures and predicted conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, cfg, err := queueContext(cmd)
			if err != nil {
				return err
			}
			snap, err := mergequeue.LoadSnapshot(cmd.Context(), path)
			if err != nil {
				return err
			}
			q, err := offlineQueue(cfg, snap)
			if err != nil {
				return err
			}
			printQueueStatus(cmd.OutOrStdout(), snap, q.DetectConflicts(), time.Now())
			return nil
		},
	}
}

// printQueueStatus renders the snapshot. Statuses come from the snapshot
// as written, so an item mid-pipeline in a live run shows as such.
func printQueueStatus(w io.Writer, snap mergequeue.Snapshot, conflicts []mergequeue.Conflict, now time.Time) {
	if len(snap.Items) == 0 {
		fmt.Fprintf(w, "Merge queue is empty (%d merged, %d lossy).\n", snap.Completed, snap.Lossy)
		return
	}

	var pending, processing, retryable, exhausted int
	for i := range snap.Items {
		it := &snap.Items[i]
		switch {
		case it.Status == mergequeue.StatusPending:
			pending++
		case it.Status.IsActive():
			processing++
		case it.Retryable():
			retryable++
		default:
			exhausted++
		}
	}
	fmt.Fprintf(w, "Merge queue (trunk %s): %d pending, %d processing, %d retryable, %d exhausted, %d merged, %d lossy\n\n",
		snap.Trunk, pending, processing, retryable, exhausted, snap.Completed, snap.Lossy)

	for i := range snap.Items {
		it := &snap.Items[i]
		fmt.Fprintf(w, "  %-12s %s", statusLabel(it), it.Branch)
		if it.StepID != "" {
			fmt.Fprintf(w, " (task %s)", it.StepID)
		}
		fmt.Fprintln(w)
		if it.Status.IsFailed() {
			fmt.Fprintf(w, "               retries %d/%d", it.RetryCount, it.MaxRetries)
			if it.NextRetryAfter != nil && now.Before(*it.NextRetryAfter) {
				fmt.Fprintf(w, ", next after %s", it.NextRetryAfter.Format("15:04:05"))
			}
			fmt.Fprintln(w)
		}
		if len(it.ConflictFiles) > 0 {
			fmt.Fprintf(w, "               conflicts: %s\n", strings.Join(it.ConflictFiles, ", "))
		}
		if it.Error != "" {
			fmt.Fprintf(w, "               error: %s\n", firstLine(it.Error))
		}
	}

	if len(conflicts) > 0 {
		fmt.Fprintln(w, "\nPredicted conflicts:")
		for _, c := range conflicts {
			sev := color.New(color.FgYellow).Sprint(c.Severity)
			if c.Severity == mergequeue.SeverityError {
				sev = color.New(color.FgRed).Sprint(c.Severity)
			}
			fmt.Fprintf(w, "  %s %s <-> %s: %s\n", sev, c.BranchA, c.BranchB, strings.Join(c.SharedFiles, ", "))
		}
	}
}

func statusLabel(it *mergequeue.Item) string {
	label := string(it.Status)
	switch {
	case it.Status == mergequeue.StatusPending:
		return label
	case it.Status.IsActive():
		return color.New(color.FgCyan).Sprint(label)
	case it.Exhausted():
		return color.New(color.FgRed, color.Bold).Sprint(label)
	default:
		return color.New(color.FgYellow).Sprint(label)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// editQueue applies fn to the snapshot at path under its lock.
func editQueue(ctx context.Context, path string, cfg *config.Config, fn func(*mergequeue.Queue) error) error {
	return mergequeue.UpdateSnapshot(ctx, path, func(snap *mergequeue.Snapshot) error {
		q, err := offlineQueue(cfg, *snap)
		if err != nil {
			return err
		}
		if err := fn(q); err != nil {
			return err
		}
		*snap = q.Snapshot()
		return nil
	})
}

func newQueueRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <branch>",
		Short: "Reset a failed merge so the next run retries it immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, cfg, err := queueContext(cmd)
			if err != nil {
				return err
			}
			branch := args[0]
			err = editQueue(cmd.Context(), path, cfg, func(q *mergequeue.Queue) error {
				if _, ok := q.Requeue(branch); !ok {
					return fmt.Errorf("no failed merge for branch %q", branch)
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", branch)
			return nil
		},
	}
}

func newQueueClearCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear [branch]",
		Short: "Remove one merge, or every merge with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all == (len(args) == 1) {
				return fmt.Errorf("specify either a branch or --all")
			}
			path, cfg, err := queueContext(cmd)
			if err != nil {
				return err
			}
			var removed int
			err = editQueue(cmd.Context(), path, cfg, func(q *mergequeue.Queue) error {
				if all {
					removed = q.Clear()
					return nil
				}
				if !q.Remove(args[0]) {
					return fmt.Errorf("no queued merge for branch %q", args[0])
				}
				removed = 1
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d item(s) from the merge queue\n", removed)
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Remove every queued merge")
	return cmd
}
