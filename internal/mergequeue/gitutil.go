package mergequeue

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
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

// diffFiles returns the files base...branch touches, used both by the
// pre-merge overlap scan and to populate Item.ModifiedFiles on success.
func diffFiles(ctx context.Context, repoPath, base, branch string) ([]string, error) {
	out, err := gitOutput(ctx, repoPath, "diff", "--name-only", base+"..."+branch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// rebaseInProgress reports whether repoPath's worktree shows a rebase still
// underway -- the VCS marker file the spec's rebase step checks for after
// the conflict-resolution LLM call runs. Rebase state lives under the
// worktree's own git-dir, not the shared common dir, so --git-path (which
// resolves per-worktree when run from inside one) is required here.
func rebaseInProgress(worktreePath string) bool {
	ctx := context.Background()
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		path, err := gitOutput(ctx, worktreePath, "rev-parse", "--git-path", marker)
		if err != nil {
			continue
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(worktreePath, path)
		}
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// conflictedFiles lists the files git currently has marked unmerged.
func conflictedFiles(ctx context.Context, repoPath string) ([]string, error) {
	out, err := gitOutput(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// hasRemote reports whether origin is configured; pushing is a no-op when
// the trunk repo has no remote, which is the common case for this engine's
// own test fixtures and single-machine deployments.
func hasRemote(ctx context.Context, repoPath string) bool {
	out, err := gitOutput(ctx, repoPath, "remote")
	if err != nil {
		return false
	}
	return strings.Contains(out, "origin")
}
