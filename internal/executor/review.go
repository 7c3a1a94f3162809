package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/undercity/internal/recovery"
	"github.com/aristath/undercity/internal/verifier"
)

const (
	noIssuesMarker     = "NO ISSUES FOUND"
	issuesMarker       = "ISSUES FOUND:"
	suggestedFixMarker = "SUGGESTED FIX:"
)

// reviewOutcome is what runReviewLadder reports back to RunTask. Converged
// means every tier (and the opus multi-lens addendum, if eligible) is
// satisfied and the task can proceed to committing. A non-converged
// outcome means a review-suggested fix broke verification; Notes carries
// the regression forward as the next attempt's retryContext.
type reviewOutcome struct {
	Converged bool
	Notes     string
	Insights  []Insight
}

// reviewPromptFunc produces the review prompt for one pass within a tier,
// so the ordinary per-tier loop and the opus multi-lens convergence check
// can share runReviewTier with different prompt content.
type reviewPromptFunc func(pass int) string

// reviewTiers returns the escalation ladder the review runs across,
// defaulting to the same sonnet/opus pair StartingModel assumes when no
// ladder is configured.
func reviewTiers(ladder []string) []string {
	if len(ladder) == 0 {
		return []string{"sonnet", "opus"}
	}
	return ladder
}

// runReviewLadder drives the escalating review across tiers sonnet through
// opus. At each tier, up to MaxReviewPassesPerTier review calls run; each
// either reports NO ISSUES FOUND (the tier converges, move to the next
// tier) or returns ISSUES FOUND/SUGGESTED FIX, which is applied via another
// Agent Invoker call and re-verified. At the top tier, if multi-lens review
// is enabled, three advisory lens insights feed one final standard
// convergence check before the ladder is considered done. A fix that
// breaks verification, at any tier, ends the ladder early with the
// regression's notes instead of converging.
func (e *Executor) runReviewLadder(ctx context.Context, assignment recovery.TaskAssignment) (reviewOutcome, error) {
	maxPasses := e.Config.MaxReviewPassesPerTier
	if maxPasses <= 0 {
		maxPasses = 2
	}

	tiers := reviewTiers(e.Config.ModelLadder)
	top := tiers[len(tiers)-1]

	for _, tier := range tiers {
		t := tier
		regressed, notes, err := e.runReviewTier(ctx, assignment, t, maxPasses, func(pass int) string {
			return buildReviewPrompt(assignment, t, pass)
		})
		if err != nil {
			return reviewOutcome{}, err
		}
		if regressed {
			return reviewOutcome{Notes: notes}, nil
		}
	}

	var insights []Insight
	if e.reviewEligible(assignment, recovery.Checkpoint{Model: top}) {
		insights = e.runMultiLensReview(ctx)
		regressed, notes, err := e.runReviewTier(ctx, assignment, top, 1, func(pass int) string {
			return buildConvergencePrompt(insights)
		})
		if err != nil {
			return reviewOutcome{}, err
		}
		if regressed {
			return reviewOutcome{Notes: notes, Insights: insights}, nil
		}
	}

	return reviewOutcome{Converged: true, Insights: insights}, nil
}

// runReviewTier runs up to maxPasses review calls at one tier. Each pass
// that reports issues and a fix applies the fix and re-verifies; a pass
// that reports NO ISSUES FOUND converges the tier immediately. A response
// with neither marker is treated as inconclusive and simply consumes a
// pass, since a malformed review reply is not grounds to fail the task.
func (e *Executor) runReviewTier(ctx context.Context, assignment recovery.TaskAssignment, tier string, maxPasses int, promptFor reviewPromptFunc) (regressed bool, notes string, err error) {
	for pass := 0; pass < maxPasses; pass++ {
		resp, err := e.sendPrompt(ctx, assignment, tier, promptFor(pass))
		if err != nil {
			return false, "", fmt.Errorf("review call (tier %s, pass %d): %w", tier, pass, err)
		}

		issues, fix, converged := parseReviewResponse(resp.Content)
		if converged {
			return false, "", nil
		}
		if fix == "" {
			continue
		}

		if _, err := e.sendPrompt(ctx, assignment, tier, buildFixPrompt(issues, fix)); err != nil {
			return false, "", fmt.Errorf("applying review fix (tier %s, pass %d): %w", tier, pass, err)
		}

		result, err := e.Verifier.Verify(ctx, assignment.WorktreePath)
		if err != nil {
			return false, "", fmt.Errorf("re-verifying review fix (tier %s, pass %d): %w", tier, pass, err)
		}
		if !result.Passed {
			return true, reviewRegressionNotes(tier, issues, result), nil
		}
	}
	return false, "", nil
}

// parseReviewResponse splits a review call's response into the issues it
// raised and the fix it suggests. A response containing NO ISSUES FOUND
// converges regardless of what else it says; otherwise both the issues and
// suggested-fix markers must be present, in order, for fix to be non-empty.
func parseReviewResponse(resp string) (issues, fix string, converged bool) {
	if strings.Contains(resp, noIssuesMarker) {
		return "", "", true
	}

	issuesIdx := strings.Index(resp, issuesMarker)
	fixIdx := strings.Index(resp, suggestedFixMarker)
	if issuesIdx < 0 || fixIdx < 0 || fixIdx < issuesIdx {
		return "", "", false
	}

	issues = strings.TrimSpace(resp[issuesIdx+len(issuesMarker) : fixIdx])
	fix = strings.TrimSpace(resp[fixIdx+len(suggestedFixMarker):])
	return issues, fix, false
}

func buildReviewPrompt(assignment recovery.TaskAssignment, tier string, pass int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the worktree's pending changes for the objective: %s\n", assignment.Objective)
	fmt.Fprintf(&b, "This is review pass %d of the %s tier.\n", pass+1, tier)
	b.WriteString("If the change is sound, reply with exactly: " + noIssuesMarker + "\n")
	b.WriteString("Otherwise reply with:\n" + issuesMarker + " <what is wrong>\n" + suggestedFixMarker + " <the fix to apply>\n")
	return b.String()
}

func buildFixPrompt(issues, fix string) string {
	return fmt.Sprintf("A reviewer found:\n%s\n\nApply this fix:\n%s\n", issues, fix)
}

// buildConvergencePrompt folds the opus tier's advisory lens insights into
// one final standard review call. The insights are not required to
// converge on their own; this call is what decides whether the ladder is
// actually done.
func buildConvergencePrompt(insights []Insight) string {
	var b strings.Builder
	b.WriteString("Multi-lens advisory review surfaced the following insights:\n")
	b.WriteString(formatInsights(insights))
	b.WriteString("\nDo a final review pass over the worktree's pending changes, weighing those insights.\n")
	b.WriteString("If the change is sound, reply with exactly: " + noIssuesMarker + "\n")
	b.WriteString("Otherwise reply with:\n" + issuesMarker + " <what is wrong>\n" + suggestedFixMarker + " <the fix to apply>\n")
	return b.String()
}

func formatInsights(insights []Insight) string {
	var b strings.Builder
	for _, insight := range insights {
		if insight.Err != nil {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", insight.Lens, insight.Content)
	}
	if b.Len() == 0 {
		return "(no insights returned)\n"
	}
	return b.String()
}

func reviewRegressionNotes(tier, issues string, result verifier.Result) string {
	return fmt.Sprintf(
		"Review at the %s tier suggested a fix that broke verification.\nReview issues: %s\nVerification failures: %s",
		tier, issues, strings.Join(issueMessages(result.Issues), "; "),
	)
}
