package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for relay
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run coding tasks through escalating Claude workers and a serial merge queue",
		Long: `Relay executes a task board by running one Claude CLI worker per task in
its own git worktree. Failed attempts are retried or escalated to a stronger
model tier by the escalation policy. Finished branches are rebased, tested
and merged into trunk one at a time by the merge queue.

Task boards are Markdown or YAML files. Configuration is read from
.relay/config.yaml when present.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewQueueCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
