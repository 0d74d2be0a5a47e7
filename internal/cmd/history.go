package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/relay/internal/telemetry"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [task-id]",
		Short: "Show recorded attempts, merges and per-task statistics",
		Long: `Display the telemetry recorded by relay run:
  - Without arguments: per-task attempt statistics
  - With a task id: every attempt of that task, with tier and outcome
  - With --merges: the most recent merge queue results

Examples:
  relay history
  relay history 3
  relay history --merges --limit 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistory,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .relay/config.yaml)")
	cmd.Flags().Bool("merges", false, "Show merge history instead of attempts")
	cmd.Flags().Int("limit", 50, "Maximum number of merges to show")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	dbPath := cfg.Telemetry.DBPath

	// Check if database exists
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "No telemetry recorded yet.")
		fmt.Fprintf(out, "Database path: %s\n", dbPath)
		return nil
	}

	store, err := telemetry.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open telemetry store: %w", err)
	}
	defer store.Close()

	ctx := cmd.Context()
	if merges, _ := cmd.Flags().GetBool("merges"); merges {
		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := store.MergeHistory(ctx, limit)
		if err != nil {
			return fmt.Errorf("query merge history: %w", err)
		}
		printMergeHistory(out, rows)
		return nil
	}

	if len(args) == 1 {
		rows, err := store.AttemptHistory(ctx, args[0])
		if err != nil {
			return fmt.Errorf("query attempt history: %w", err)
		}
		if len(rows) == 0 {
			fmt.Fprintf(out, "No attempts recorded for task %s\n", args[0])
			return nil
		}
		printAttempts(out, rows)
		return nil
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("query statistics: %w", err)
	}
	if len(stats) == 0 {
		fmt.Fprintln(out, "No telemetry recorded yet.")
		return nil
	}
	printTaskStats(out, stats)
	return nil
}

func printTaskStats(w io.Writer, stats []telemetry.TaskStats) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tATTEMPTS\tFAILURES\tTOKENS IN\tTOKENS OUT\tLAST")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			s.TaskID, s.Attempts, s.Failures, s.InputTokens, s.OutputTokens, s.LastOutcome)
	}
	tw.Flush()
}

func printAttempts(w io.Writer, rows []telemetry.AttemptRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTIER\tOUTCOME\tFILES\tTOKENS\tDURATION\tERROR")
	for _, r := range rows {
		msg := ""
		if r.ErrorCategory != "" {
			msg = fmt.Sprintf("[%s] %s", r.ErrorCategory, firstLine(r.ErrorMessage))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			r.Attempt, r.Tier, outcomeLabel(r.Outcome), r.FilesWritten,
			r.InputTokens, r.OutputTokens, r.Duration.Round(100*time.Millisecond), msg)
	}
	tw.Flush()
}

func printMergeHistory(w io.Writer, rows []telemetry.MergeRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No merges recorded yet.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tBRANCH\tSTATUS\tRETRIES\tSTRATEGY\tNOTES")
	for _, r := range rows {
		notes := firstLine(r.Error)
		if len(r.ContestedFiles) > 0 {
			notes = "trunk kept for " + strings.Join(r.ContestedFiles, ", ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.RecordedAt.Local().Format("2006-01-02 15:04"), r.Branch, outcomeLabel(string(r.Status)),
			r.RetryCount, r.Strategy, notes)
	}
	tw.Flush()
}

// outcomeLabel colors success green and failures red.
func outcomeLabel(s string) string {
	switch s {
	case "success", "complete":
		return color.GreenString(s)
	case "", "pending":
		return s
	default:
		return color.RedString(s)
	}
}
