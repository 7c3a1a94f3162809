package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// gitFingerprint returns the worktree's current HEAD sha and whether it
// has uncommitted changes, the two facts a scout cache key needs to stay
// valid across repeated runs against an unchanged tree.
func gitFingerprint(ctx context.Context, worktreePath string) (sha string, dirty bool, err error) {
	sha, err = gitOutput(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		return "", false, err
	}
	status, err := gitOutput(ctx, worktreePath, "status", "--porcelain")
	if err != nil {
		return "", false, err
	}
	return sha, status != "", nil
}

// gitCurrentBranch returns the worktree's checked-out branch name.
func gitCurrentBranch(ctx context.Context, worktreePath string) (string, error) {
	return gitOutput(ctx, worktreePath, "rev-parse", "--abbrev-ref", "HEAD")
}

// gitListFiles returns the tracked file list, the cheap candidate set
// target-file inference matches against.
func gitListFiles(ctx context.Context, worktreePath string) ([]string, error) {
	out, err := gitOutput(ctx, worktreePath, "ls-files")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// commitWorktree stages everything and commits with objective as the
// message, returning the new commit sha. A worktree with nothing staged
// is treated as an error by git itself, which surfaces as an "empty
// commit" failure -- exactly the no_changes case escalation already
// handles upstream, so no special casing is needed here.
func commitWorktree(ctx context.Context, worktreePath, objective string) (string, error) {
	if _, err := gitOutput(ctx, worktreePath, "add", "-A"); err != nil {
		return "", err
	}
	message := firstLine(objective)
	if _, err := gitOutput(ctx, worktreePath, "commit", "-m", message); err != nil {
		return "", err
	}
	return gitOutput(ctx, worktreePath, "rev-parse", "HEAD")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "undercity: automated commit"
	}
	return s
}
