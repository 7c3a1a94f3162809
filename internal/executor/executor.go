package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/undercity/internal/backend"
	"github.com/aristath/undercity/internal/config"
	"github.com/aristath/undercity/internal/events"
	"github.com/aristath/undercity/internal/persistence"
	"github.com/aristath/undercity/internal/ratelimit"
	"github.com/aristath/undercity/internal/recovery"
	"github.com/aristath/undercity/internal/verifier"
)

// BackendFactory creates a fresh Backend for a given model tier, (optional)
// session ID to resume, and worktree directory. The executor asks for a
// new one whenever it escalates to a different model, rather than holding
// one adapter open across the whole task. workDir makes a single Executor
// instance safe to reuse across concurrently running tasks, each with its
// own worktree.
type BackendFactory func(model, sessionID, workDir string) (backend.Backend, error)

// Executor drives a single task assignment through the adaptive
// escalation state machine: starting, context, executing, verifying,
// (reviewing), committing, complete or failed.
type Executor struct {
	Store      *recovery.Store
	Verifier   *verifier.Verifier
	RateLimit  *ratelimit.Tracker
	ScoutCache *ScoutCache
	Config     config.ExecutorConfig

	NewBackend  BackendFactory
	BackendType string // recorded alongside the session for Conversation logging
	PostMortem  PostMortemFunc
	Lenses      *LensChannel

	// EventBus is optional; nil disables event publishing entirely.
	EventBus *events.EventBus

	// Conversation is optional; nil disables session/history logging.
	// When set, every invokeAgent exchange is appended so a resumed task
	// can rebuild retryContext across process restarts.
	Conversation persistence.Store
}

func (e *Executor) publish(topic string, event events.Event) {
	if e.EventBus != nil {
		e.EventBus.Publish(topic, event)
	}
}

// RunTask runs assignment to completion (or exhaustion), checkpointing
// after every phase transition so a crash mid-task resumes from
// assignment.Checkpoint on the next call.
func (e *Executor) RunTask(ctx context.Context, assignment recovery.TaskAssignment) (recovery.CompletedTaskState, error) {
	checkpoint := recovery.Checkpoint{Phase: recovery.PhaseStarting, Model: assignment.Model, SavedAt: time.Now()}
	if assignment.Checkpoint != nil {
		checkpoint = *assignment.Checkpoint
	}

	maxAttempts := assignment.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.Config.DefaultMaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var postMortem PostMortem
	startedAt := time.Now()

	for checkpoint.Attempts < maxAttempts {
		checkpoint.Attempts++
		if checkpoint.Attempts > 1 {
			if err := e.enterPhase(assignment, &checkpoint, recovery.PhaseStarting); err != nil {
				return recovery.CompletedTaskState{}, err
			}
		}

		if err := e.enterPhase(assignment, &checkpoint, recovery.PhaseContext); err != nil {
			return recovery.CompletedTaskState{}, err
		}

		briefing, signals, err := e.buildContext(ctx, assignment)
		if err != nil {
			return e.fail(assignment, checkpoint, startedAt, fmt.Errorf("building context: %w", err))
		}
		if checkpoint.Model == "" {
			checkpoint.Model = StartingModel(AssessComplexity(signals), e.Config.ModelLadder)
		}

		if err := e.enterPhase(assignment, &checkpoint, recovery.PhaseExecuting); err != nil {
			return recovery.CompletedTaskState{}, err
		}

		retryContext := checkpoint.RetryContext
		checkpoint.RetryContext = ""
		if _, err := e.invokeAgent(ctx, assignment, checkpoint, briefing, retryContext, postMortem.Consume()); err != nil {
			return e.fail(assignment, checkpoint, startedAt, fmt.Errorf("agent call failed: %w", err))
		}

		if err := e.enterPhase(assignment, &checkpoint, recovery.PhaseVerifying); err != nil {
			return recovery.CompletedTaskState{}, err
		}

		result, err := e.Verifier.Verify(ctx, assignment.WorktreePath)
		if err != nil {
			return e.fail(assignment, checkpoint, startedAt, fmt.Errorf("verification failed to run: %w", err))
		}
		checkpoint.LastVerification = recovery.VerificationSummary{
			Passed: result.Passed,
			Errors: issueMessages(result.Issues),
		}

		if result.Passed {
			if assignment.ReviewPasses {
				if err := e.enterPhase(assignment, &checkpoint, recovery.PhaseReviewing); err != nil {
					return recovery.CompletedTaskState{}, err
				}
				outcome, err := e.runReviewLadder(ctx, assignment)
				if err != nil {
					return e.fail(assignment, checkpoint, startedAt, fmt.Errorf("review ladder: %w", err))
				}
				if !outcome.Converged {
					checkpoint.RetryContext = outcome.Notes
					continue
				}
			}
			return e.finishPassed(ctx, assignment, checkpoint, result, startedAt)
		}

		postMortem = e.maybeGeneratePostMortem(ctx, assignment, checkpoint, result)
		checkpoint.PostMortem = postMortem.Summary

		decision := DecideEscalation(result.Categories(), result.FilesChanged, checkpoint.SameModelRetries)
		if !decision.Escalate {
			checkpoint.SameModelRetries++
			continue
		}

		next := NextModel(e.Config.ModelLadder, checkpoint.Model)
		if next == checkpoint.Model {
			return e.fail(assignment, checkpoint, startedAt, fmt.Errorf("verification failed at top tier (%s): %s", checkpoint.Model, decision.Reason))
		}
		e.publish(events.TopicTask, events.TaskEscalatedEvent{
			ID:         assignment.TaskID,
			FromModel:  checkpoint.Model,
			ToModel:    next,
			PostMortem: postMortem.Summary,
			Timestamp:  time.Now(),
		})
		checkpoint.Model = next
		checkpoint.SameModelRetries = 0
	}

	return e.fail(assignment, checkpoint, startedAt, fmt.Errorf("exhausted %d attempts without passing verification", maxAttempts))
}

// buildContext assembles the briefing, consulting the scout cache before
// paying for a fresh scan, and returns the complexity signals alongside
// it so the caller can pick a starting model on a fresh task.
func (e *Executor) buildContext(ctx context.Context, assignment recovery.TaskAssignment) (Briefing, ComplexitySignals, error) {
	sha, dirty, err := gitFingerprint(ctx, assignment.WorktreePath)
	if err != nil {
		return Briefing{}, ComplexitySignals{}, err
	}
	branch, err := gitCurrentBranch(ctx, assignment.WorktreePath)
	if err != nil {
		branch = assignment.Branch
	}

	key := ""
	if e.ScoutCache != nil {
		key = ScoutCacheKey(sha, assignment.Objective)
		if cached, ok := e.ScoutCache.Get(key, time.Now()); ok {
			return cached, complexitySignalsFor(assignment, cached), nil
		}
	}

	candidates, err := gitListFiles(ctx, assignment.WorktreePath)
	if err != nil {
		return Briefing{}, ComplexitySignals{}, err
	}
	briefing := BuildBriefing(assignment.Objective, candidates, sha, dirty, branch)

	if e.ScoutCache != nil {
		e.ScoutCache.Put(key, briefing, time.Now())
	}
	return briefing, complexitySignalsFor(assignment, briefing), nil
}

func complexitySignalsFor(assignment recovery.TaskAssignment, briefing Briefing) ComplexitySignals {
	packages := make(map[string]bool)
	var aggregate int64
	for _, f := range briefing.TargetFiles {
		if i := strings.IndexByte(f, '/'); i >= 0 {
			packages[f[:i]] = true
		}
		aggregate += int64(len(f))
	}
	return ComplexitySignals{
		Objective:        assignment.Objective,
		TargetFileCount:  len(briefing.TargetFiles),
		AggregateBytes:   aggregate,
		CrossPackageSpan: len(packages),
	}
}

// invokeAgent builds the prompt (objective, briefing, any review notes
// carried back from a regressed fix, and any carried post-mortem) and
// sends it through a freshly constructed backend for the checkpoint's
// current model tier.
func (e *Executor) invokeAgent(ctx context.Context, assignment recovery.TaskAssignment, checkpoint recovery.Checkpoint, briefing Briefing, retryContext, postMortem string) (backend.Response, error) {
	prompt := buildTaskPrompt(assignment, briefing, retryContext, postMortem)
	return e.sendPrompt(ctx, assignment, checkpoint.Model, prompt)
}

// sendPrompt creates a fresh backend for model, sends prompt as a single
// user turn, and records usage and conversation history. Shared by the
// main task invocation and the review ladder's review and fix calls, so
// every Agent Invoker round-trip feeds the same rate-limit accounting and
// conversation log regardless of which phase made it.
func (e *Executor) sendPrompt(ctx context.Context, assignment recovery.TaskAssignment, model, prompt string) (backend.Response, error) {
	be, err := e.NewBackend(model, "", assignment.WorktreePath)
	if err != nil {
		return backend.Response{}, fmt.Errorf("creating backend for %s: %w", model, err)
	}
	defer be.Close()

	started := time.Now()
	resp, err := be.Send(ctx, backend.Message{Content: prompt, Role: "user"})
	if err != nil {
		return resp, err
	}

	if e.RateLimit != nil {
		_ = e.RateLimit.RecordUsage(time.Now(), assignment.TaskID, model, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(started))
	}
	if e.Conversation != nil {
		_ = e.Conversation.SaveMessage(ctx, assignment.TaskID, "user", prompt)
		_ = e.Conversation.SaveMessage(ctx, assignment.TaskID, "assistant", resp.Content)
		_ = e.Conversation.SaveSession(ctx, assignment.TaskID, be.SessionID(), e.BackendType)
	}
	return resp, nil
}

func buildTaskPrompt(assignment recovery.TaskAssignment, briefing Briefing, retryContext, postMortem string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", assignment.Objective)
	if len(briefing.TargetFiles) > 0 {
		fmt.Fprintf(&b, "Likely target files: %s\n", strings.Join(briefing.TargetFiles, ", "))
	}
	if retryContext != "" {
		fmt.Fprintf(&b, "\nReview notes from the previous pass:\n%s\n", retryContext)
	}
	if postMortem != "" {
		fmt.Fprintf(&b, "\nPrevious attempt's post-mortem:\n%s\n", postMortem)
	}
	return b.String()
}

// finishPassed commits the worktree when assignment.AutoCommit is set and
// moves the task into its completed terminal state. The review ladder (if assignment.ReviewPasses) has
// already run by the time this is called; a regression there sends RunTask
// back to executing instead of reaching here.
func (e *Executor) finishPassed(ctx context.Context, assignment recovery.TaskAssignment, checkpoint recovery.Checkpoint, result verifier.Result, startedAt time.Time) (recovery.CompletedTaskState, error) {
	if err := e.enterPhase(assignment, &checkpoint, recovery.PhaseCommitting); err != nil {
		return recovery.CompletedTaskState{}, err
	}

	var sha string
	if assignment.AutoCommit {
		var err error
		sha, err = commitWorktree(ctx, assignment.WorktreePath, assignment.Objective)
		if err != nil {
			return e.fail(assignment, checkpoint, startedAt, fmt.Errorf("commit failed: %w", err))
		}
	}
	checkpoint.LastCommitSha = sha

	completed := recovery.CompletedTaskState{
		TaskID:        assignment.TaskID,
		Objective:     assignment.Objective,
		Branch:        assignment.Branch,
		Status:        string(recovery.PhaseComplete),
		ModifiedFiles: issueFiles(result.Issues),
		CommitSha:     sha,
		Checkpoint:    checkpointAt(checkpoint, recovery.PhaseComplete),
	}
	if e.Store != nil {
		if err := e.Store.MoveActiveToCompleted(assignment.TaskID, completed); err != nil {
			return recovery.CompletedTaskState{}, fmt.Errorf("recording completion: %w", err)
		}
	}
	e.publish(events.TopicTask, events.TaskCompletedEvent{
		ID:           assignment.TaskID,
		Attempts:     checkpoint.Attempts,
		StartModel:   assignment.Model,
		FinalModel:   checkpoint.Model,
		WasEscalated: checkpoint.Model != assignment.Model,
		Duration:     time.Since(startedAt),
		Timestamp:    time.Now(),
	})
	return completed, nil
}

func (e *Executor) reviewEligible(assignment recovery.TaskAssignment, checkpoint recovery.Checkpoint) bool {
	if !assignment.ReviewPasses || e.Lenses == nil {
		return false
	}
	if !e.Config.MultiLens() {
		return false
	}
	return checkpoint.Model == topTier(e.Config.ModelLadder)
}

// runMultiLensReview fans the review across the fixed lens catalog and
// discards failures: the review is advisory, never a gate on commit.
func (e *Executor) runMultiLensReview(ctx context.Context) []Insight {
	lenses := PickLenses(3)
	return e.Lenses.AskAll(ctx, lenses)
}

func (e *Executor) maybeGeneratePostMortem(ctx context.Context, assignment recovery.TaskAssignment, checkpoint recovery.Checkpoint, result verifier.Result) PostMortem {
	if e.PostMortem == nil {
		return PostMortem{}
	}
	return GeneratePostMortem(ctx, e.PostMortem, assignment.Objective, checkpoint.Model, result)
}

// enterPhase advances the checkpoint's phase and persists it so an
// external reconciliation pass can resume from here.
func (e *Executor) enterPhase(assignment recovery.TaskAssignment, checkpoint *recovery.Checkpoint, phase recovery.Phase) error {
	checkpoint.Phase = phase
	checkpoint.SavedAt = time.Now()
	e.publish(events.TopicTask, events.TaskPhaseChangedEvent{
		ID:        assignment.TaskID,
		Phase:     string(phase),
		Model:     checkpoint.Model,
		Attempt:   checkpoint.Attempts,
		Timestamp: checkpoint.SavedAt,
	})
	if e.Store == nil {
		return nil
	}
	snapshot := *checkpoint

	// Preserve BatchID/PID/StartedAt set by the scheduler when it first
	// wrote this task's active record; this call only advances the phase.
	existing, _, _ := e.Store.LoadActive(assignment.TaskID)

	return e.Store.SaveActive(recovery.ActiveTaskState{
		TaskID:             assignment.TaskID,
		Objective:          assignment.Objective,
		WorktreePath:       assignment.WorktreePath,
		Branch:             assignment.Branch,
		Status:             recovery.ActiveStatusRunning,
		BatchID:            existing.BatchID,
		PID:                existing.PID,
		StartedAt:          existing.StartedAt,
		Model:              existing.Model,
		MaxAttempts:        existing.MaxAttempts,
		ReviewPasses:       existing.ReviewPasses,
		AutoCommit:         existing.AutoCommit,
		DependsOn:          existing.DependsOn,
		FailureMode:        existing.FailureMode,
		PreviousCheckpoint: &snapshot,
	})
}

func (e *Executor) fail(assignment recovery.TaskAssignment, checkpoint recovery.Checkpoint, startedAt time.Time, taskErr error) (recovery.CompletedTaskState, error) {
	completed := recovery.CompletedTaskState{
		TaskID:     assignment.TaskID,
		Objective:  assignment.Objective,
		Branch:     assignment.Branch,
		Status:     string(recovery.PhaseFailed),
		Error:      taskErr.Error(),
		Checkpoint: checkpointAt(checkpoint, recovery.PhaseFailed),
	}
	if e.Store != nil {
		if err := e.Store.MoveActiveToCompleted(assignment.TaskID, completed); err != nil {
			return recovery.CompletedTaskState{}, fmt.Errorf("%w (also failed to record failure: %v)", taskErr, err)
		}
	}
	e.publish(events.TopicTask, events.TaskFailedEvent{
		ID:        assignment.TaskID,
		Err:       taskErr,
		Attempts:  checkpoint.Attempts,
		Duration:  time.Since(startedAt),
		Timestamp: time.Now(),
	})
	return completed, taskErr
}

func checkpointAt(checkpoint recovery.Checkpoint, phase recovery.Phase) recovery.Checkpoint {
	checkpoint.Phase = phase
	checkpoint.SavedAt = time.Now()
	return checkpoint
}

func topTier(ladder []string) string {
	if len(ladder) == 0 {
		return "opus"
	}
	return ladder[len(ladder)-1]
}

func issueMessages(issues []verifier.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, fmt.Sprintf("[%s] %s", issue.Stage, issue.Message))
	}
	return out
}

func issueFiles(issues []verifier.Issue) []string {
	seen := make(map[string]bool)
	var out []string
	for _, issue := range issues {
		if issue.File != "" && !seen[issue.File] {
			seen[issue.File] = true
			out = append(out, issue.File)
		}
	}
	return out
}
