package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/spf13/cobra"

	"github.com/aristath/undercity/internal/backend"
	"github.com/aristath/undercity/internal/config"
	"github.com/aristath/undercity/internal/events"
	"github.com/aristath/undercity/internal/executor"
	"github.com/aristath/undercity/internal/mergequeue"
	"github.com/aristath/undercity/internal/persistence"
	"github.com/aristath/undercity/internal/ratelimit"
	"github.com/aristath/undercity/internal/recovery"
	"github.com/aristath/undercity/internal/scheduler"
	"github.com/aristath/undercity/internal/verifier"
	"github.com/aristath/undercity/internal/worktree"
)

var (
	flagStateDir   string
	flagRepo       string
	flagBaseBranch string
	flagBackend    string
	flagBatch      string
)

// Exit codes are a contract per spec.md section 6: 0 is reserved for "every
// task reached complete or merged", 1 for "at least one task is terminally
// failed", 2 for configuration or recovery-store errors, and 3 for a
// rate-limit pause that exceeded the configured ceiling.
const (
	exitOK          = 0
	exitTaskFailed  = 1
	exitConfigError = 2
	exitRateLimited = 3
)

// exitCodeError pins a specific process exit code to an error, so RunE
// handlers can report a precise failure class without main() re-deriving it
// from error text.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func configError(err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: exitConfigError, err: err}
}

func rateLimitedError(err error) error {
	return &exitCodeError{code: exitRateLimited, err: err}
}

func taskFailedError(err error) error {
	return &exitCodeError{code: exitTaskFailed, err: err}
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return exitTaskFailed
}

func main() {
	root := &cobra.Command{
		Use:   "undercity",
		Short: "Unattended, multi-agent coding task orchestrator",
	}
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", ".undercity/state", "Recovery Store directory")
	root.PersistentFlags().StringVar(&flagRepo, "repo", ".", "path to the git repository tasks operate on")
	root.PersistentFlags().StringVar(&flagBaseBranch, "base-branch", "main", "trunk branch worktrees are cut from and merged into")
	root.PersistentFlags().StringVar(&flagBackend, "backend", "claude", "agent backend provider (claude, codex, goose)")
	root.PersistentFlags().StringVar(&flagBatch, "batch", "default", "batch ID grouping related tasks")

	root.AddCommand(newEnqueueCmd(), newRunCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func newStore() (*recovery.Store, error) {
	return recovery.New(flagStateDir)
}

// newBackendFactory builds the BackendFactory both the Task Executor and
// Merge Queue use to spawn agent calls, resolving the configured provider's
// transport type once up front.
func newBackendFactory(cfg *config.OrchestratorConfig, providerName string, procMgr *backend.ProcessManager) (executor.BackendFactory, error) {
	provider, ok := cfg.Providers[providerName]
	if !ok {
		return nil, fmt.Errorf("unknown backend provider %q", providerName)
	}
	return func(model, sessionID, workDir string) (backend.Backend, error) {
		return backend.New(backend.Config{
			Type:      provider.Type,
			WorkDir:   workDir,
			SessionID: sessionID,
			Model:     model,
		}, procMgr)
	}, nil
}

func parseFailureMode(s string) scheduler.FailureMode {
	switch s {
	case "soft":
		return scheduler.FailSoft
	case "skip":
		return scheduler.FailSkip
	default:
		return scheduler.FailHard
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newEnqueueCmd() *cobra.Command {
	var (
		taskID      string
		objective   string
		model       string
		maxAttempts int
		dependsOn   string
		failureMode string
		review      bool
		autoCommit  bool
		writes      string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a task to the batch queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if objective == "" {
				return fmt.Errorf("--objective is required")
			}
			store, err := newStore()
			if err != nil {
				return configError(err)
			}
			task := scheduler.PendingTask{
				TaskID:       taskID,
				Objective:    objective,
				Model:        model,
				MaxAttempts:  maxAttempts,
				ReviewPasses: review,
				AutoCommit:   autoCommit,
				DependsOn:    splitCSV(dependsOn),
				FailureMode:  parseFailureMode(failureMode),
				WritesFiles:  splitCSV(writes),
			}
			id, err := scheduler.Enqueue(store, flagBatch, task)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued %q in batch %q\n", id, flagBatch)
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task-id", "", "task identifier override; left blank, the engine assigns a ULID")
	cmd.Flags().StringVar(&objective, "objective", "", "natural-language task objective (required)")
	cmd.Flags().StringVar(&model, "model", "", "starting model tier; empty lets the executor assess complexity")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override the default max attempts (0 uses the configured default)")
	cmd.Flags().StringVar(&dependsOn, "depends-on", "", "comma-separated task IDs this task depends on")
	cmd.Flags().StringVar(&failureMode, "failure-mode", "hard", "hard|soft|skip: how a dependency's failure affects this task")
	cmd.Flags().BoolVar(&review, "review", false, "run the escalating review ladder after verification passes (multi-lens advisory review at the top tier when enabled in config)")
	cmd.Flags().BoolVar(&autoCommit, "auto-commit", true, "commit the worktree automatically once verification passes")
	cmd.Flags().StringVar(&writes, "writes", "", "comma-separated file hints for cross-task resource locking")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		maxConcurrent int
		enableMerge   bool
		resume        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain the batch queue, running eligible tasks to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), maxConcurrent, enableMerge, resume)
		},
	}

	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "override the configured concurrency cap (0 uses the config default)")
	cmd.Flags().BoolVar(&enableMerge, "merge", true, "wire completed branches into an automatic Merge Queue")
	cmd.Flags().BoolVar(&resume, "resume", true, "resume from any previously active tasks before loading the queue")
	return cmd
}

func runBatch(ctx context.Context, maxConcurrent int, enableMerge, resume bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return configError(fmt.Errorf("loading config: %w", err))
	}
	store, err := newStore()
	if err != nil {
		return configError(fmt.Errorf("opening recovery store: %w", err))
	}

	procMgr := backend.NewProcessManager()
	defer func() {
		if err := procMgr.KillAll(); err != nil {
			log.Printf("cleanup: failed to kill backend processes: %v", err)
		}
	}()
	newBackend, err := newBackendFactory(cfg, flagBackend, procMgr)
	if err != nil {
		return configError(err)
	}

	bus := events.NewEventBus()
	defer bus.Close()

	wm := worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
		RepoPath:     flagRepo,
		BaseBranch:   flagBaseBranch,
		MaxPreserved: cfg.MergeQueue.MaxPreservedWorktrees,
	})
	rl := ratelimit.New(store, cfg.RateLimit, cfg.ModelTiers)
	v := verifier.New(cfg.Project, 60*time.Second)

	conv, err := persistence.NewSQLiteStore(ctx, flagStateDir+"/conversations.db")
	if err != nil {
		return configError(fmt.Errorf("opening conversation store: %w", err))
	}
	defer conv.Close()

	lenses := executor.NewLensChannel(4, func(ctx context.Context, lens executor.Lens) (string, error) {
		be, err := newBackend(topTier(cfg.Executor.ModelLadder), "", flagRepo)
		if err != nil {
			return "", err
		}
		defer be.Close()
		resp, err := be.Send(ctx, backend.Message{
			Role:    "user",
			Content: fmt.Sprintf("Review the worktree's pending changes through a %s lens. Report findings concisely.", lens),
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	})
	lenses.Start(ctx)

	taskExecutor := &executor.Executor{
		Store:       store,
		Verifier:    v,
		RateLimit:   rl,
		ScoutCache:  executor.NewScoutCache(),
		Config:      cfg.Executor,
		NewBackend:  newBackend,
		BackendType: cfg.Providers[flagBackend].Type,
		PostMortem: func(ctx context.Context, prompt string) (string, error) {
			be, err := newBackend(cfg.Executor.ModelLadder[0], "", flagRepo)
			if err != nil {
				return "", err
			}
			defer be.Close()
			resp, err := be.Send(ctx, backend.Message{Role: "user", Content: prompt})
			if err != nil {
				return "", err
			}
			return resp.Content, nil
		},
		Lenses:       lenses,
		EventBus:     bus,
		Conversation: conv,
	}

	var mergeSink scheduler.MergeSink
	if enableMerge {
		mq := mergequeue.NewQueue(mergequeue.Config{
			Store:                store,
			WorktreeManager:      wm,
			Verifier:             v,
			NewBackend:           newBackend,
			EventBus:             bus,
			MaxRetries:           cfg.MergeQueue.MaxRetries,
			BackoffBase:          time.Duration(cfg.MergeQueue.BackoffBaseMillis) * time.Millisecond,
			BackoffCap:           time.Duration(cfg.MergeQueue.BackoffCapMillis) * time.Millisecond,
			ConflictMaxFiles:     cfg.MergeQueue.ConflictMaxFiles,
			ConflictCharsPerFile: cfg.MergeQueue.ConflictCharsPerFile,
			AgentID:              flagBackend,
		})
		mergeSink = mq
		go func() {
			if err := mq.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("merge queue stopped: %v", err)
			}
		}()
	}

	runner := scheduler.NewRunner(scheduler.RunnerConfig{
		MaxConcurrent:      maxConcurrent,
		MaxPauseCeiling:    time.Duration(cfg.RateLimit.MaxPauseCeilingSeconds) * time.Second,
		Store:              store,
		WorktreeManager:    wm,
		RateLimit:          rl,
		EventBus:           bus,
		MergeSink:          mergeSink,
		Executor:           taskExecutor,
		DefaultModel:       firstOr(cfg.Executor.ModelLadder, "sonnet"),
		DefaultMaxAttempts: cfg.Executor.DefaultMaxAttempts,
	}, flagBatch)

	if resume {
		if err := runner.Resume(ctx); err != nil {
			return configError(fmt.Errorf("resuming: %w", err))
		}
	}
	if err := runner.LoadQueue(ctx); err != nil {
		return configError(fmt.Errorf("loading queue: %w", err))
	}

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			if errors.Is(err, scheduler.ErrPauseCeilingExceeded) {
				return rateLimitedError(err)
			}
			return taskFailedError(fmt.Errorf("run: %w", err))
		}
	case <-ctx.Done():
		log.Println("shutdown signal received, draining in-flight tasks...")
		<-done
	}

	return failedTasksError(store, flagBatch)
}

// failedTasksError scans the batch's completed/ records for any terminal
// "failed" status, satisfying the exit code 1 contract even when the
// scheduler loop itself returned cleanly.
func failedTasksError(store *recovery.Store, batchID string) error {
	meta, ok, err := store.LoadBatchMetadata()
	if err != nil || !ok || meta.BatchID != batchID {
		return nil
	}
	var failed []string
	for _, taskID := range meta.TaskIDs {
		completed, ok, err := store.LoadCompleted(taskID)
		if err != nil || !ok {
			continue
		}
		if completed.Status == "failed" {
			failed = append(failed, taskID)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return taskFailedError(fmt.Errorf("%d task(s) terminally failed: %s", len(failed), strings.Join(failed, ", ")))
}

func topTier(ladder []string) string {
	if len(ladder) == 0 {
		return "opus"
	}
	return ladder[len(ladder)-1]
}

func firstOr(ladder []string, fallback string) string {
	if len(ladder) == 0 {
		return fallback
	}
	return ladder[0]
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the batch's task and merge queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus()
		},
	}
	return cmd
}

var (
	styleHeader  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	styleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	stylePending = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func styledStatus(status string) string {
	switch status {
	case "running", "rebasing", "testing", "merging", "pushing":
		return styleRunning.Render(status)
	case "complete", "completed":
		return styleDone.Render(status)
	case "failed", "conflict", "test_failed":
		return styleFailed.Render(status)
	default:
		return stylePending.Render(status)
	}
}

func printStatus() error {
	store, err := newStore()
	if err != nil {
		return configError(err)
	}

	meta, ok, err := store.LoadBatchMetadata()
	if err != nil {
		return fmt.Errorf("loading batch metadata: %w", err)
	}
	if !ok {
		fmt.Println("no batch recorded yet")
		return nil
	}

	fmt.Println(styleHeader.Render(fmt.Sprintf("batch %s  (%d tasks)", meta.BatchID, len(meta.TaskIDs))))
	fmt.Printf("%-24s %-14s %-10s %s\n", "TASK", "STATUS", "MODEL", "OBJECTIVE")
	for _, taskID := range meta.TaskIDs {
		if active, ok, _ := store.LoadActive(taskID); ok {
			fmt.Printf("%-24s %-23s %-10s %s\n", active.TaskID, styledStatus(string(active.Status)), active.Model, truncate(active.Objective, 40))
			continue
		}
		if completed, ok, _ := store.LoadCompleted(taskID); ok {
			fmt.Printf("%-24s %-23s %-10s %s\n", completed.TaskID, styledStatus(completed.Status), "-", truncate(completed.Objective, 40))
			continue
		}
		fmt.Printf("%-24s %-23s\n", taskID, stylePending.Render("unknown"))
	}

	var mq struct {
		Items []mergequeue.Item `json:"items"`
	}
	if err := recovery.AtomicReadJSON(store.MergeQueuePath(), &mq); err == nil && len(mq.Items) > 0 {
		fmt.Println()
		fmt.Println(styleHeader.Render("merge queue"))
		fmt.Printf("%-24s %-14s %-8s %s\n", "TASK", "STATUS", "RETRIES", "STRATEGY")
		for _, item := range mq.Items {
			fmt.Printf("%-24s %-23s %-8d %s\n", item.TaskID, styledStatus(string(item.Status)), item.RetryCount, item.StrategyUsed)
		}
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
