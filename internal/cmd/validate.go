package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harrison/relay/internal/executor"
	"github.com/harrison/relay/internal/taskboard"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <tasks-file>",
		Short: "Validate a task board and print its execution waves",
		Long: `Parse and validate a task board, checking for:
  - Missing task ids and objectives
  - Duplicate task ids
  - Dependencies on unknown tasks
  - Circular dependencies
  - Files declared by more than one task in the same wave

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateBoard(cmd, args[0], cmd.OutOrStdout())
		},
	}

	return cmd
}

func validateBoard(cmd *cobra.Command, path string, out io.Writer) error {
	board, err := taskboard.Load(cmd.Context(), path)
	if err != nil {
		return fmt.Errorf("failed to load task board: %w", err)
	}
	tasks := board.Tasks()
	if err := executor.ValidateTasks(tasks); err != nil {
		fmt.Fprintf(out, "✗ %s is invalid\n", path)
		return err
	}
	waves, err := executor.CalculateWaves(tasks)
	if err != nil {
		fmt.Fprintf(out, "✗ %s is invalid\n", path)
		return err
	}

	open := len(board.OpenTasks())
	fmt.Fprintf(out, "✓ %s is valid (%s board, %d tasks, %d open, %d waves)\n",
		path, board.Format(), len(tasks), open, len(waves))
	printWaves(out, waves, executor.FindFileOverlaps(waves, tasks))
	return nil
}
