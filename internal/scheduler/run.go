package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/undercity/internal/events"
	"github.com/aristath/undercity/internal/executor"
	"github.com/aristath/undercity/internal/ratelimit"
	"github.com/aristath/undercity/internal/recovery"
	"github.com/aristath/undercity/internal/worktree"
)

// MergeSink hands a completed task's branch to the Merge Queue for
// integration. Runner only enqueues; it never merges a branch itself.
type MergeSink interface {
	Enqueue(taskID, objective, branch, worktreePath string) error
}

// PendingTask is one item accepted by Enqueue: enough to persist an
// ActiveTaskState and, once eligible, build a recovery.TaskAssignment.
type PendingTask struct {
	TaskID       string
	Objective    string
	Model        string
	MaxAttempts  int
	ReviewPasses bool
	AutoCommit   bool
	DependsOn    []string
	FailureMode  FailureMode
	WritesFiles  []string // optional hint; empty means no cross-task file locking is needed
}

func (fm FailureMode) String() string {
	switch fm {
	case FailSoft:
		return "soft"
	case FailSkip:
		return "skip"
	default:
		return "hard"
	}
}

func parseFailureMode(s string) FailureMode {
	switch s {
	case "soft":
		return FailSoft
	case "skip":
		return FailSkip
	default:
		return FailHard
	}
}

// Enqueue records a task as pending in the Recovery Store, under the given
// batch, so a later "undercity run" (or a resumed one) can pick it up. It
// does not touch the DAG directly -- that happens in Runner.LoadQueue. A
// blank task.TaskID is assigned a fresh ULID: lexically sortable by
// enqueue time, which keeps "undercity status" output in submission order
// without a separate sequence column.
func Enqueue(store *recovery.Store, batchID string, task PendingTask) (string, error) {
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	if task.TaskID == "" {
		task.TaskID = ulid.Make().String()
	}

	state := recovery.ActiveTaskState{
		TaskID:       task.TaskID,
		Objective:    task.Objective,
		Status:       recovery.ActiveStatusPending,
		BatchID:      batchID,
		Model:        task.Model,
		MaxAttempts:  task.MaxAttempts,
		ReviewPasses: task.ReviewPasses,
		AutoCommit:   task.AutoCommit,
		DependsOn:    task.DependsOn,
		FailureMode:  task.FailureMode.String(),
		WritesFiles:  task.WritesFiles,
	}
	if err := store.SaveActive(state); err != nil {
		return "", fmt.Errorf("enqueueing task %q: %w", task.TaskID, err)
	}

	meta, _, err := store.LoadBatchMetadata()
	if err != nil {
		return "", fmt.Errorf("loading batch metadata: %w", err)
	}
	if meta.BatchID == "" {
		meta = recovery.BatchMetadata{BatchID: batchID, CreatedAt: time.Now()}
	}
	meta.TaskIDs = appendIfMissing(meta.TaskIDs, task.TaskID)
	if err := store.SaveBatchMetadata(meta); err != nil {
		return "", err
	}
	return task.TaskID, nil
}

func appendIfMissing(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// ErrPauseCeilingExceeded is returned by Run when the Rate-Limit Tracker
// reports a pause longer than RunnerConfig.MaxPauseCeiling. The caller (the
// undercity CLI) maps this to exit code 3 rather than waiting it out.
var ErrPauseCeilingExceeded = errors.New("rate-limit pause exceeded configured ceiling")

// RunnerConfig configures the Parallel Scheduler.
type RunnerConfig struct {
	MaxConcurrent      int
	PauseCheckInterval time.Duration // no more often than once per 5s per spec
	ShutdownGrace      time.Duration // default 60s, grace period for in-flight executors on cancellation
	MaxPauseCeiling    time.Duration // 0 disables the check; a pause longer than this fails the batch instead of waiting

	Store           *recovery.Store
	WorktreeManager *worktree.WorktreeManager
	RateLimit       *ratelimit.Tracker
	EventBus        *events.EventBus
	MergeSink       MergeSink // optional; nil means completed branches are left for manual merge
	Executor        *executor.Executor

	DefaultModel       string
	DefaultMaxAttempts int
}

// Runner is the Parallel Scheduler (C6): pulls eligible tasks from a
// dependency DAG, acquires a worktree per task, runs it under the Task
// Executor with bounded concurrency, and hands completed branches to the
// Merge Queue. Grounded on the teacher's ParallelRunner wave loop
// (errgroup + DAG.Eligible), generalized to draw continuously from a
// persisted queue instead of running one DAG to completion per call, and
// to honor a global rate-limit pause between waves.
type Runner struct {
	cfg     RunnerConfig
	dag     *DAG
	lockMgr *ResourceLockManager
	batchID string

	mu              sync.Mutex
	activeWorktrees map[string]*worktree.WorktreeInfo
	pending         map[string]PendingTask
}

// NewRunner creates a Runner for the given batch. Call LoadQueue (fresh
// run) or Resume (crash recovery) before Run.
func NewRunner(cfg RunnerConfig, batchID string) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PauseCheckInterval <= 0 {
		cfg.PauseCheckInterval = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 60 * time.Second
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}

	return &Runner{
		cfg:             cfg,
		dag:             NewDAG(),
		lockMgr:         NewResourceLockManager(),
		batchID:         batchID,
		activeWorktrees: make(map[string]*worktree.WorktreeInfo),
		pending:         make(map[string]PendingTask),
	}
}

// LoadQueue reads every task belonging to this batch from the Recovery
// Store's active/ directory and adds it to the DAG. A task already
// recorded as running (status "running") when no live process owns it --
// a Reconcile recovery candidate -- is requeued as pending so its
// checkpoint gets replayed from the top of RunTask's attempt loop.
func (r *Runner) LoadQueue(ctx context.Context) error {
	states, err := r.cfg.Store.ListActive()
	if err != nil {
		return fmt.Errorf("listing active tasks: %w", err)
	}

	candidates, err := r.cfg.Store.Reconcile()
	if err != nil {
		return fmt.Errorf("reconciling active tasks: %w", err)
	}
	stale := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		stale[c.State.TaskID] = true
	}

	for _, state := range states {
		if state.BatchID != r.batchID {
			continue
		}

		status := TaskPending
		if state.Status == recovery.ActiveStatusRunning && !stale[state.TaskID] {
			status = TaskRunning
		}

		task := &Task{
			ID:          state.TaskID,
			DependsOn:   append([]string(nil), state.DependsOn...),
			FailureMode: parseFailureMode(state.FailureMode),
			Status:      status,
			WritesFiles: append([]string(nil), state.WritesFiles...),
		}
		if err := r.dag.AddTask(task); err != nil {
			return err
		}

		r.mu.Lock()
		r.pending[state.TaskID] = PendingTask{
			TaskID:       state.TaskID,
			Objective:    state.Objective,
			Model:        state.Model,
			MaxAttempts:  state.MaxAttempts,
			ReviewPasses: state.ReviewPasses,
			AutoCommit:   state.AutoCommit,
			DependsOn:    state.DependsOn,
			FailureMode:  parseFailureMode(state.FailureMode),
			WritesFiles:  state.WritesFiles,
		}
		r.mu.Unlock()
	}

	if _, err := r.dag.Validate(); err != nil {
		return fmt.Errorf("validating task DAG: %w", err)
	}
	return nil
}

// Resume is LoadQueue plus a log line distinguishing a crash-recovery run
// from a fresh one; the mechanism is identical because ActiveTaskState
// already carries everything needed to rebuild a TaskAssignment.
func (r *Runner) Resume(ctx context.Context) error {
	if err := r.LoadQueue(ctx); err != nil {
		return err
	}
	log.Printf("scheduler: resumed batch %q with %d tasks", r.batchID, len(r.dag.Tasks()))
	return nil
}

// Run drives the queue to completion: while the batch isn't exhausted, it
// pulls eligible tasks, honors any global rate-limit pause, and launches a
// bounded-concurrency wave of executors. Returns when no tasks are
// eligible and none are running, or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.cfg.WorktreeManager.Prune(); err != nil {
		log.Printf("WARNING: failed to prune stale worktrees: %v", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.drain(err)
		}

		if paused, pause := r.checkPause(ctx); paused {
			if r.cfg.MaxPauseCeiling > 0 && !pause.PausedAt.IsZero() && pause.ResumeAt.Sub(pause.PausedAt) > r.cfg.MaxPauseCeiling {
				return fmt.Errorf("%w: model %s paused until %s", ErrPauseCeilingExceeded, pause.LimitedModel, pause.ResumeAt)
			}
			r.publish(events.TopicRateLimit, events.RateLimitPausedEvent{
				Model:     pause.LimitedModel,
				Reason:    pause.Reason,
				ResumeAt:  pause.ResumeAt,
				Timestamp: time.Now(),
			})
			select {
			case <-ctx.Done():
				return r.drain(ctx.Err())
			case <-time.After(r.cfg.PauseCheckInterval):
			}
			continue
		}

		eligible := r.dag.Eligible()
		running := r.countRunning()

		if len(eligible) == 0 && running == 0 {
			break
		}
		if len(eligible) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.cfg.MaxConcurrent)

		for _, task := range eligible {
			t := task
			g.Go(func() error {
				r.executeTask(gctx, t)
				return nil
			})
		}

		_ = g.Wait()
		r.publishProgress()
	}

	return nil
}

// checkPause asks the Rate-Limit Tracker whether the default model is
// currently paused. RateLimit is optional; nil disables gating entirely.
func (r *Runner) checkPause(ctx context.Context) (bool, ratelimit.Pause) {
	if r.cfg.RateLimit == nil {
		return false, ratelimit.Pause{}
	}
	paused, pause, err := r.cfg.RateLimit.IsPaused(time.Now(), r.cfg.DefaultModel)
	if err != nil {
		log.Printf("WARNING: rate-limit check failed: %v", err)
		return false, ratelimit.Pause{}
	}
	return paused, pause
}

// drain waits up to ShutdownGrace for in-flight executors to reach a
// checkpoint boundary, then returns. Tasks still running past the grace
// period remain recorded in active/ for the next Resume to pick up --
// Run never force-kills an executor.
func (r *Runner) drain(cause error) error {
	deadline := time.Now().Add(r.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		if r.countRunning() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cause
}

func (r *Runner) countRunning() int {
	count := 0
	for _, t := range r.dag.Tasks() {
		if t.Status == TaskRunning {
			count++
		}
	}
	return count
}

// executeTask acquires a worktree, builds the TaskAssignment, and delegates
// the actual work to the Task Executor. Errors are recorded on the DAG and
// never escape to the errgroup, so one task's failure doesn't cancel its
// concurrent siblings.
func (r *Runner) executeTask(ctx context.Context, task *Task) {
	if err := ctx.Err(); err != nil {
		_ = r.dag.MarkFailed(task.ID)
		return
	}

	r.mu.Lock()
	spec, ok := r.pending[task.ID]
	r.mu.Unlock()
	if !ok {
		log.Printf("ERROR: no queued spec for task %q", task.ID)
		_ = r.dag.MarkFailed(task.ID)
		return
	}

	if err := r.dag.MarkRunning(task.ID); err != nil {
		log.Printf("ERROR: failed to mark task %q running: %v", task.ID, err)
		return
	}

	model := spec.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.DefaultMaxAttempts
	}

	wtInfo, err := r.cfg.WorktreeManager.Create(task.ID)
	if err != nil {
		log.Printf("ERROR: failed to create worktree for task %q: %v", task.ID, err)
		_ = r.dag.MarkFailed(task.ID)
		return
	}

	r.mu.Lock()
	r.activeWorktrees[task.ID] = wtInfo
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.activeWorktrees, task.ID)
		r.mu.Unlock()
	}()

	startedAt := time.Now()
	assignment := recovery.TaskAssignment{
		TaskID:       task.ID,
		Objective:    spec.Objective,
		Branch:       wtInfo.Branch,
		Model:        model,
		WorktreePath: wtInfo.Path,
		AssignedAt:   startedAt,
		MaxAttempts:  maxAttempts,
		ReviewPasses: spec.ReviewPasses,
		AutoCommit:   spec.AutoCommit,
		DependsOn:    spec.DependsOn,
	}

	// A recovery candidate carries its last checkpoint forward so RunTask
	// resumes the attempt loop instead of restarting at PhaseStarting.
	if prior, ok, _ := r.cfg.Store.LoadActive(task.ID); ok && prior.PreviousCheckpoint != nil {
		assignment.Checkpoint = prior.PreviousCheckpoint
	}

	if err := r.cfg.Store.SaveActive(recovery.ActiveTaskState{
		TaskID:       task.ID,
		Objective:    spec.Objective,
		WorktreePath: wtInfo.Path,
		Branch:       wtInfo.Branch,
		Status:       recovery.ActiveStatusRunning,
		BatchID:      r.batchID,
		PID:          os.Getpid(),
		StartedAt:    &startedAt,
		Model:        model,
		MaxAttempts:  maxAttempts,
		ReviewPasses: spec.ReviewPasses,
		AutoCommit:   spec.AutoCommit,
		DependsOn:    spec.DependsOn,
		FailureMode:  spec.FailureMode.String(),
	}); err != nil {
		log.Printf("WARNING: failed to checkpoint task %q as running: %v", task.ID, err)
	}

	// Worktree isolation already prevents concurrent tasks from stepping on
	// each other's working copies; this lock guards the rarer case of two
	// tasks declared to target the same files, so their eventual merges
	// serialize in submission order rather than racing.
	r.lockMgr.LockAll(spec.WritesFiles)
	defer r.lockMgr.UnlockAll(spec.WritesFiles)

	completed, runErr := r.cfg.Executor.RunTask(ctx, assignment)
	if runErr != nil {
		log.Printf("ERROR: task %q exited with error: %v", task.ID, runErr)
	}

	if runErr != nil || completed.Status != string(recovery.PhaseComplete) {
		_ = r.dag.MarkFailed(task.ID)
		preserveErr := runErr
		if preserveErr == nil && completed.Error != "" {
			preserveErr = fmt.Errorf("%s", completed.Error)
		}
		if relErr := r.cfg.WorktreeManager.Release(wtInfo, true, preserveErr); relErr != nil {
			log.Printf("WARNING: failed to preserve worktree for task %q: %v", task.ID, relErr)
		}
		return
	}

	_ = r.dag.MarkCompleted(task.ID)

	if r.cfg.MergeSink != nil {
		if err := r.cfg.MergeSink.Enqueue(task.ID, spec.Objective, wtInfo.Branch, wtInfo.Path); err != nil {
			log.Printf("ERROR: failed to enqueue task %q for merge: %v", task.ID, err)
		}
		// The Merge Queue owns worktree teardown/preservation from here:
		// it needs the worktree alive through rebasing/testing/merging.
		return
	}

	if err := r.cfg.WorktreeManager.Cleanup(wtInfo); err != nil {
		log.Printf("WARNING: failed to cleanup worktree for task %q: %v", task.ID, err)
	}
}

func (r *Runner) publish(topic string, event events.Event) {
	if r.cfg.EventBus != nil {
		r.cfg.EventBus.Publish(topic, event)
	}
}

func (r *Runner) publishProgress() {
	tasks := r.dag.Tasks()
	var total, completed, running, failed, pending int
	total = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case TaskCompleted, TaskMerged:
			completed++
		case TaskRunning:
			running++
		case TaskFailed:
			failed++
		default:
			pending++
		}
	}
	r.publish(events.TopicScheduler, events.SchedulerProgressEvent{
		Total:     total,
		Running:   running,
		Completed: completed,
		Failed:    failed,
		Pending:   pending,
		Timestamp: time.Now(),
	})
}
