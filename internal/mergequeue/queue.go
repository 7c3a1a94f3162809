package mergequeue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/undercity/internal/backend"
	"github.com/aristath/undercity/internal/events"
	"github.com/aristath/undercity/internal/recovery"
	"github.com/aristath/undercity/internal/verifier"
	"github.com/aristath/undercity/internal/worktree"
)

// BackendFactory creates a Backend for the merge queue's own LLM calls
// (conflict resolution, post-rebase fix). Same shape as the Task
// Executor's, so a caller can share one factory function across both.
type BackendFactory func(model, sessionID, workDir string) (backend.Backend, error)

// Config configures the Merge Queue.
type Config struct {
	Store           *recovery.Store
	WorktreeManager *worktree.WorktreeManager
	Verifier        *verifier.Verifier
	NewBackend      BackendFactory
	EventBus        *events.EventBus // optional

	// PollInterval bounds how often Run checks for new items and expired
	// backoff windows when the queue is otherwise idle.
	PollInterval time.Duration

	MaxRetries           int           // default 3
	BackoffBase          time.Duration // default 1s
	BackoffCap           time.Duration // default 30s
	ConflictModel        string        // opus-tier model for rebase conflict resolution, default "opus"
	FixModel             string        // sonnet-tier model for post-rebase re-verify fix, default "sonnet"
	AgentID              string        // recorded on every item, e.g. the backend type in use
	ConflictMaxFiles     int           // cap on conflicted files sent to the resolver prompt, default 3
	ConflictCharsPerFile int           // cap on per-file conflict excerpt length, default 100
}

// Queue is the Merge Queue (C7). It implements scheduler.MergeSink so the
// Parallel Scheduler can hand it completed task branches directly.
type Queue struct {
	cfg Config
}

// NewQueue creates a Merge Queue. Call Run in its own goroutine to start
// draining it.
func NewQueue(cfg Config) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.ConflictModel == "" {
		cfg.ConflictModel = "opus"
	}
	if cfg.FixModel == "" {
		cfg.FixModel = "sonnet"
	}
	if cfg.ConflictMaxFiles <= 0 {
		cfg.ConflictMaxFiles = 3
	}
	if cfg.ConflictCharsPerFile <= 0 {
		cfg.ConflictCharsPerFile = 100
	}
	return &Queue{cfg: cfg}
}

// Enqueue records a completed task's branch as a pending merge queue item.
// Satisfies scheduler.MergeSink.
func (q *Queue) Enqueue(taskID, objective, branch, worktreePath string) error {
	item := Item{
		Branch:       branch,
		TaskID:       taskID,
		AgentID:      q.cfg.AgentID,
		Objective:    objective,
		WorktreePath: worktreePath,
		Status:       StatusPending,
		QueuedAt:     time.Now(),
		MaxRetries:   q.cfg.MaxRetries,
	}

	return q.withState(func(state *queueState) error {
		for _, existing := range state.Items {
			if existing.Branch == branch && !existing.done() {
				return fmt.Errorf("branch %q already queued in status %q", branch, existing.Status)
			}
		}
		state.Items = append(state.Items, item)
		return nil
	})
}

// Run drains the queue until ctx is cancelled: pop the eligible head item,
// process its full lifecycle, persist the result, repeat. Backoff-waiting
// items are skipped in favor of later-queued items, per FIFO-with-deferral
// ordering.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, ok, err := q.popNext()
		if err != nil {
			log.Printf("mergequeue: failed reading queue state: %v", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}

		q.scanOverlap(item)
		result := q.process(ctx, item)
		if err := q.save(result); err != nil {
			log.Printf("mergequeue: failed saving item %q: %v", result.TaskID, err)
		}
	}
}

// popNext finds the oldest pending-or-ready-for-retry item not currently
// in an unexpired backoff window and marks it rebasing so a concurrent
// caller (there is at most one Run loop, but Enqueue can race it) won't
// double-process it.
func (q *Queue) popNext() (Item, bool, error) {
	var picked Item
	found := false

	err := q.withState(func(state *queueState) error {
		now := time.Now()
		candidates := make([]int, 0, len(state.Items))
		for i, it := range state.Items {
			if it.done() {
				continue
			}
			if it.inBackoff(now) {
				continue
			}
			candidates = append(candidates, i)
		}
		if len(candidates) == 0 {
			return nil
		}
		sort.Slice(candidates, func(a, b int) bool {
			return state.Items[candidates[a]].QueuedAt.Before(state.Items[candidates[b]].QueuedAt)
		})
		idx := candidates[0]
		state.Items[idx].Status = StatusRebasing
		picked = state.Items[idx]
		found = true
		return nil
	})
	return picked, found, err
}

// scanOverlap is the pre-merge overlap scan: informational only, never
// blocks or reorders the queue.
func (q *Queue) scanOverlap(head Item) {
	_ = q.withState(func(state *queueState) error {
		for _, other := range state.Items {
			if other.TaskID == head.TaskID || other.done() {
				continue
			}
			overlap := intersect(head.ModifiedFiles, other.ModifiedFiles)
			if len(overlap) == 0 {
				continue
			}
			conflict := Conflict{HeadTaskID: head.TaskID, OtherTaskID: other.TaskID, Files: overlap, Severity: "warning"}
			if len(overlap) > 2 {
				conflict.Severity = "error"
			}
			log.Printf("mergequeue: overlap %s between %q and %q: %v", conflict.Severity, conflict.HeadTaskID, conflict.OtherTaskID, conflict.Files)
		}
		return nil
	})
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, f := range a {
		set[f] = true
	}
	var out []string
	for _, f := range b {
		if set[f] {
			out = append(out, f)
		}
	}
	return out
}

func (q *Queue) publish(item Item) {
	if q.cfg.EventBus == nil {
		return
	}
	q.cfg.EventBus.Publish(events.TopicMergeQueue, events.MergeQueueStatusChangedEvent{
		ID:         item.TaskID,
		Branch:     item.Branch,
		Status:     string(item.Status),
		RetryCount: item.RetryCount,
		Timestamp:  time.Now(),
	})
}

func (q *Queue) save(item Item) error {
	return q.withState(func(state *queueState) error {
		for i, it := range state.Items {
			if it.TaskID == item.TaskID {
				state.Items[i] = item
				return nil
			}
		}
		state.Items = append(state.Items, item)
		return nil
	})
}

// withState loads the queue state, runs fn against it, and persists the
// result -- all under the Recovery Store's advisory lock for the queue
// file, since the queue owns that file exclusively.
func (q *Queue) withState(fn func(*queueState) error) error {
	path := q.cfg.Store.MergeQueuePath()
	return q.cfg.Store.WithLock(path, func() error {
		var state queueState
		if err := recovery.AtomicReadJSON(path, &state); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading merge queue state: %w", err)
		}
		if err := fn(&state); err != nil {
			return err
		}
		return recovery.AtomicWriteJSON(path, state)
	})
}

// nextBackoff computes the exponential delay for a retry attempt (1-based),
// capped at BackoffCap: base 1s, cap 30s per spec, advanced deterministically
// (no jitter) so the same attempt count always yields the same wait.
func (q *Queue) nextBackoff(attempt int) time.Duration {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = q.cfg.BackoffBase
	policy.MaxInterval = q.cfg.BackoffCap
	policy.Multiplier = 2.0
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset() // start the sequence at InitialInterval rather than the library default

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = policy.NextBackOff()
	}
	if d > q.cfg.BackoffCap {
		d = q.cfg.BackoffCap
	}
	return d
}
