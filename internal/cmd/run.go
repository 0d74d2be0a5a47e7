package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/relay/internal/claude"
	"github.com/harrison/relay/internal/config"
	"github.com/harrison/relay/internal/executor"
	"github.com/harrison/relay/internal/gitops"
	"github.com/harrison/relay/internal/logger"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/taskboard"
	"github.com/harrison/relay/internal/telemetry"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <tasks-file>",
		Short: "Execute the open tasks of a task board",
		Long: `Execute a task board. Tasks run in dependency waves; within a wave up to
--max-concurrency workers run at once, each in its own worktree. After
every wave the merge queue integrates the finished branches into trunk
before dependents start.

Completed tasks are skipped. Task status is written back to the board.

Examples:
  relay run tasks.md
  relay run --dry-run tasks.yaml          # Show waves without executing
  relay run --max-concurrency 2 tasks.md
  relay run --timeout 2h --verbose tasks.md`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .relay/config.yaml)")
	cmd.Flags().Bool("dry-run", false, "Compute waves without running any task")
	cmd.Flags().Int("max-concurrency", 0, "Maximum number of concurrent workers per wave")
	cmd.Flags().String("timeout", "", "Maximum run time (e.g., 30m, 2h, 1h30m)")
	cmd.Flags().Bool("verbose", false, "Log attempts and retry decisions")
	cmd.Flags().String("log-dir", "", "Directory for log files")

	return cmd
}

// loadConfig reads --config or .relay/config.yaml, anchors its state paths
// at the repository root and applies the command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	root := repoRoot()
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg.ResolvePaths(root)

	var flags config.Flags
	if cmd.Flags().Changed("max-concurrency") {
		n, _ := cmd.Flags().GetInt("max-concurrency")
		flags.MaxConcurrency = &n
	}
	if cmd.Flags().Changed("timeout") {
		s, _ := cmd.Flags().GetString("timeout")
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format %q: %w", s, err)
		}
		flags.Timeout = &d
	}
	if cmd.Flags().Changed("log-dir") {
		s, _ := cmd.Flags().GetString("log-dir")
		flags.LogDir = &s
	}
	if cmd.Flags().Changed("dry-run") {
		b, _ := cmd.Flags().GetBool("dry-run")
		flags.DryRun = &b
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level := "debug"
		flags.LogLevel = &level
	}
	cfg.MergeWithFlags(flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// repoRoot returns the enclosing git repository, or the working directory.
func repoRoot() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if root, err := config.FindRepoRoot(cwd); err == nil {
		return root
	}
	return cwd
}

func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	fmt.Fprintf(out, "Loading tasks from %s...\n", args[0])
	board, err := taskboard.Load(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load task board: %w", err)
	}
	tasks := board.Tasks()
	if err := executor.ValidateTasks(tasks); err != nil {
		return fmt.Errorf("invalid task board: %w", err)
	}
	if len(board.OpenTasks()) == 0 {
		fmt.Fprintf(out, "All %d tasks are already completed.\n", len(tasks))
		return nil
	}

	console := logger.NewConsoleLogger(out, cfg.LogLevel)
	console.SetTotalTasks(len(tasks))
	loggers := []logger.Logger{console}
	if !cfg.DryRun {
		fileLog, err := logger.NewFileLogger(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			return err
		}
		defer fileLog.Close()
		loggers = append(loggers, fileLog)
	}
	log := logger.NewMultiLogger(loggers...)

	orch, cleanup, err := buildOrchestrator(ctx, cfg, repoRoot(), board, log)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, err := orch.Run(ctx, tasks)
	if err != nil {
		return runError(err, cfg.Timeout)
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", summary.Failed, summary.TotalTasks)
	}
	return nil
}

// runError names the run deadline when it is what stopped the run.
func runError(err error, timeout time.Duration) error {
	if timeout > 0 && executor.IsTimeoutError(err) {
		return fmt.Errorf("run timed out after %v: %w", timeout, err)
	}
	return err
}

// buildOrchestrator wires the agent, verifier, telemetry and merge queue
// for repoDir. cleanup closes what was opened.
func buildOrchestrator(ctx context.Context, cfg *config.Config, repoDir string, board *taskboard.Board, log logger.Logger) (*executor.Orchestrator, func(), error) {
	cleanup := func() {}
	repo := gitops.NewRepo(repoDir)

	inv := claude.NewInvoker()
	inv.ClaudePath = cfg.Agent.ClaudePath
	inv.MaxRateLimitWait = cfg.Agent.MaxRateLimitWait
	inv.RateLimitBuffer = cfg.Agent.RateLimitBuffer
	inv.Logger = log
	agent := claude.NewAgent(inv)
	agent.Models = cfg.Agent.Models

	runnerOpts := []executor.RunnerOption{
		executor.WithRunnerLogger(log),
		executor.WithInvokeTimeout(cfg.Worker.InvokeTimeout),
		executor.WithWriteWatch(cfg.Worker.WatchWrites),
	}
	if cfg.Worker.EnableVerification {
		runnerOpts = append(runnerOpts, executor.WithVerifier(gitops.NewCommandTestRunner(cfg.Worker.VerifyCommands, nil)))
	}
	if cfg.Worker.EnableReview {
		reviewer := claude.NewReviewer(inv)
		reviewer.Models = cfg.Agent.Models
		runnerOpts = append(runnerOpts, executor.WithReviewer(reviewer))
	}

	orchOpts := []executor.OrchestratorOption{
		executor.WithTaskBoard(board),
		executor.WithLogger(log),
	}
	if cfg.Telemetry.Enabled && !cfg.DryRun {
		store, err := telemetry.NewStore(cfg.Telemetry.DBPath)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open telemetry store: %w", err)
		}
		cleanup = func() { store.Close() }
		runnerOpts = append(runnerOpts, executor.WithTelemetry(store))
		orchOpts = append(orchOpts, executor.WithMergeTelemetry(store))
	}

	queueOpts := []mergequeue.Option{
		mergequeue.WithLogger(log),
		mergequeue.WithTaskCompleter(board),
	}
	if cmds := cfg.QueueTestCommands(); len(cmds) > 0 {
		queueOpts = append(queueOpts, mergequeue.WithTestRunner(gitops.NewCommandTestRunner(cmds, nil)))
	}
	queue, err := mergequeue.New(cfg.QueueConfig(repoDir), repo, queueOpts...)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	if err := restoreQueue(ctx, queue, cfg.MergeQueue.SnapshotPath, log); err != nil {
		cleanup()
		return nil, func() {}, err
	}

	runner := executor.NewTaskRunner(agent, repo, cfg.WorkerConfig(), runnerOpts...)
	orch := executor.NewOrchestrator(cfg.OrchestratorConfig(), runner, repo, queue, orchOpts...)
	return orch, cleanup, nil
}

// restoreQueue reloads items left in the snapshot by an earlier run so
// they are merged before new work.
func restoreQueue(ctx context.Context, queue *mergequeue.Queue, path string, log logger.Logger) error {
	if path == "" {
		return nil
	}
	snap, err := mergequeue.LoadSnapshot(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load merge queue snapshot: %w", err)
	}
	if len(snap.Items) == 0 {
		return nil
	}
	queue.Restore(snap)
	log.LogInfo(fmt.Sprintf("Restored %d merge queue items from %s", len(snap.Items), path))
	return nil
}

// printWaves writes the execution plan.
func printWaves(w io.Writer, waves []executor.Wave, overlaps []executor.FileOverlap) {
	for _, wave := range waves {
		fmt.Fprintf(w, "  %s: %v\n", wave.Name(), wave.TaskIDs)
	}
	for _, o := range overlaps {
		fmt.Fprintf(w, "  warning: Wave %d tasks %v all declare %s\n", o.Wave, o.TaskIDs, o.File)
	}
}
