package mergequeue

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/undercity/internal/backend"
	"github.com/aristath/undercity/internal/verifier"
	"github.com/aristath/undercity/internal/worktree"
)

// process drives one item through its full lifecycle: rebase, re-verify,
// merge, push. Every exit -- complete, conflict, or a scheduled retry --
// returns the item in its resulting state for the caller to persist.
func (q *Queue) process(ctx context.Context, item Item) Item {
	repoPath := q.cfg.WorktreeManager.RepoPath()
	base := q.cfg.WorktreeManager.BaseBranch()

	item.Status = StatusRebasing
	q.publish(item)

	if hasRemote(ctx, repoPath) {
		if _, err := gitOutput(ctx, repoPath, "fetch", "origin", base); err != nil {
			log.Printf("mergequeue: fetch trunk failed for %q: %v", item.TaskID, err)
		}
	}

	if err := q.rebase(ctx, item); err != nil {
		if rebaseInProgress(item.WorktreePath) {
			_, _ = gitOutput(ctx, item.WorktreePath, "rebase", "--abort")
			return q.toConflict(item, fmt.Errorf("rebase conflict unresolved: %w", err))
		}
		return q.scheduleRetry(item, fmt.Errorf("rebase: %w", err))
	}

	if files, err := diffFiles(ctx, repoPath, base, item.Branch); err == nil {
		item.ModifiedFiles = files
	} else {
		log.Printf("mergequeue: diff for %q failed: %v", item.TaskID, err)
	}

	item.Status = StatusTesting
	q.publish(item)

	result, err := q.cfg.Verifier.Verify(ctx, item.WorktreePath)
	if err != nil {
		return q.scheduleRetry(item, fmt.Errorf("verify after rebase: %w", err))
	}
	if !passedForMerge(result) {
		if fixErr := q.fixVerification(ctx, item, result); fixErr != nil {
			log.Printf("mergequeue: post-rebase fix call failed for %q: %v", item.TaskID, fixErr)
		}
		result, err = q.cfg.Verifier.Verify(ctx, item.WorktreePath)
		if err != nil {
			return q.scheduleRetry(item, fmt.Errorf("re-verify after fix: %w", err))
		}
		if !passedForMerge(result) {
			return q.scheduleRetry(item, fmt.Errorf("verification failed after rebase: %s", strings.Join(issueMessages(result.Issues), "; ")))
		}
	}

	item.Status = StatusMerging
	q.publish(item)

	info := &worktree.WorktreeInfo{Path: item.WorktreePath, Branch: item.Branch, TaskID: item.TaskID}
	mergeResult, err := q.cfg.WorktreeManager.Merge(info, worktree.MergeOrt)
	if err != nil {
		return q.scheduleRetry(item, fmt.Errorf("merge: %w", err))
	}
	item.StrategyUsed = StrategyDefault

	if !mergeResult.Merged && isTextOnly(item.ModifiedFiles) {
		if fallback, ferr := q.cfg.WorktreeManager.Merge(info, worktree.MergeTheirs); ferr == nil && fallback.Merged {
			mergeResult = fallback
			item.StrategyUsed = StrategyTheirs
		}
	}

	if !mergeResult.Merged {
		reason := fmt.Errorf("merge conflict")
		if mergeResult.Error != nil {
			reason = mergeResult.Error
		}
		return q.toConflict(item, reason)
	}

	item.Status = StatusPushing
	q.publish(item)

	if hasRemote(ctx, repoPath) {
		if _, err := gitOutput(ctx, repoPath, "push", "origin", base); err != nil {
			return q.scheduleRetry(item, fmt.Errorf("push: %w", err))
		}
	}

	item.Status = StatusComplete
	item.CompletedAt = time.Now()
	item.Duration = item.CompletedAt.Sub(item.QueuedAt)
	if err := q.cfg.WorktreeManager.Cleanup(info); err != nil {
		log.Printf("mergequeue: cleanup failed for %q: %v", item.TaskID, err)
	}
	q.publish(item)
	return item
}

func (q *Queue) rebase(ctx context.Context, item Item) error {
	_, err := gitOutput(ctx, item.WorktreePath, "rebase", q.cfg.WorktreeManager.BaseBranch())
	if err == nil {
		return nil
	}
	if !rebaseInProgress(item.WorktreePath) {
		return err
	}

	if resolveErr := q.resolveConflict(ctx, item); resolveErr != nil {
		log.Printf("mergequeue: conflict resolution call failed for %q: %v", item.TaskID, resolveErr)
	}
	if rebaseInProgress(item.WorktreePath) {
		return err
	}
	return nil
}

// resolveConflict spawns a single opus-tier call with the conflicted file
// list and a capped excerpt, asking the agent to resolve, stage, and
// continue the rebase itself.
func (q *Queue) resolveConflict(ctx context.Context, item Item) error {
	files, err := conflictedFiles(ctx, item.WorktreePath)
	if err != nil {
		return err
	}
	if len(files) > q.cfg.ConflictMaxFiles {
		files = files[:q.cfg.ConflictMaxFiles]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A git rebase of branch %q onto the trunk has conflicts in %d file(s). "+
		"Resolve each conflict, `git add` the result, then run `git rebase --continue`.\n\n", item.Branch, len(files))
	for _, f := range files {
		fmt.Fprintf(&b, "--- %s ---\n%s\n\n", f, conflictExcerpt(item.WorktreePath, f, q.cfg.ConflictCharsPerFile))
	}

	be, err := q.cfg.NewBackend(q.cfg.ConflictModel, "", item.WorktreePath)
	if err != nil {
		return fmt.Errorf("creating conflict-resolution backend: %w", err)
	}
	defer be.Close()

	_, err = be.Send(ctx, backend.Message{Content: b.String(), Role: "user"})
	return err
}

// fixVerification spawns a single sonnet-tier call describing the
// verifier's issues, asking the agent to fix them in place.
func (q *Queue) fixVerification(ctx context.Context, item Item, result verifier.Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Verification failed after rebasing branch %q onto trunk:\n", item.Branch)
	for _, msg := range issueMessages(result.Issues) {
		fmt.Fprintf(&b, "- %s\n", msg)
	}
	b.WriteString("\nFix these issues in place.\n")

	be, err := q.cfg.NewBackend(q.cfg.FixModel, "", item.WorktreePath)
	if err != nil {
		return fmt.Errorf("creating re-verify fix backend: %w", err)
	}
	defer be.Close()

	_, err = be.Send(ctx, backend.Message{Content: b.String(), Role: "user"})
	return err
}

// conflictExcerpt returns up to maxChars of file content starting at the
// first conflict marker, the capped window the prompt budget allows.
func conflictExcerpt(worktreePath, file string, maxChars int) string {
	data, err := os.ReadFile(filepath.Join(worktreePath, file))
	if err != nil {
		return ""
	}
	s := string(data)
	idx := strings.Index(s, "<<<<<<<")
	if idx < 0 {
		idx = 0
	}
	end := idx + maxChars
	if end > len(s) {
		end = len(s)
	}
	return s[idx:end]
}

// toConflict moves item into the terminal conflict state and preserves its
// worktree for human inspection.
func (q *Queue) toConflict(item Item, reason error) Item {
	item.Status = StatusConflict
	item.OriginalError = reason.Error()
	item.CompletedAt = time.Now()
	item.Duration = item.CompletedAt.Sub(item.QueuedAt)
	info := &worktree.WorktreeInfo{Path: item.WorktreePath, Branch: item.Branch, TaskID: item.TaskID}
	if err := q.cfg.WorktreeManager.Release(info, true, reason); err != nil {
		log.Printf("mergequeue: failed to preserve conflicted worktree for %q: %v", item.TaskID, err)
	}
	q.publish(item)
	return item
}

// scheduleRetry records a transient failure and either schedules the next
// backoff attempt or, once maxRetries is exhausted, moves the item to its
// terminal test_failed state with the worktree preserved for inspection.
func (q *Queue) scheduleRetry(item Item, err error) Item {
	item.OriginalError = err.Error()
	item.IsRetry = true
	item.RetryCount++
	item.Status = StatusTestFailed

	if item.RetryCount >= item.MaxRetries {
		item.CompletedAt = time.Now()
		item.Duration = item.CompletedAt.Sub(item.QueuedAt)
		info := &worktree.WorktreeInfo{Path: item.WorktreePath, Branch: item.Branch, TaskID: item.TaskID}
		if relErr := q.cfg.WorktreeManager.Release(info, true, err); relErr != nil {
			log.Printf("mergequeue: failed to preserve exhausted-retry worktree for %q: %v", item.TaskID, relErr)
		}
		q.publish(item)
		return item
	}

	next := time.Now().Add(q.nextBackoff(item.RetryCount))
	item.NextRetryAfter = &next
	q.publish(item)
	return item
}

// isTextOnly reports whether every file is a documentation/markup type the
// queue considers safe for a theirs/ours strategy fallback.
func isTextOnly(files []string) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f))
		switch ext {
		case ".md", ".txt", ".rst", ".adoc":
		default:
			return false
		}
	}
	return true
}

// passedForMerge reports whether a re-verification result clears the item
// to merge. The branch's changes are already committed by the time it
// reaches the queue, so result.Passed's filesChanged>0 gate (meant to
// catch an agent turn that did nothing) doesn't apply here; a post-rebase
// re-verify only needs typecheck to still be clean.
func passedForMerge(result verifier.Result) bool {
	return result.TypecheckPassed
}

func issueMessages(issues []verifier.Issue) []string {
	out := make([]string, 0, len(issues))
	for _, issue := range issues {
		out = append(out, fmt.Sprintf("[%s] %s", issue.Stage, issue.Message))
	}
	return out
}

