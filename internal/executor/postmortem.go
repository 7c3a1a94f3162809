package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/undercity/internal/verifier"
)

// PostMortemFunc is the single-turn, cheapest-tier call that condenses a
// failed attempt into a short summary. Implementations should bind this to
// the bottom rung of the model ladder, never the model that just failed.
type PostMortemFunc func(ctx context.Context, prompt string) (string, error)

// postMortemMaxSentences bounds how much of the generated summary is kept;
// a generator that rambles past this is truncated, never retried.
const postMortemMaxSentences = 4

// BuildPostMortemPrompt assembles the prompt handed to the cheap-tier model:
// what was attempted, the verification result, and an instruction to keep
// the summary to 2-4 sentences covering what was tried, why it failed, and
// what to try next.
func BuildPostMortemPrompt(objective string, attemptedModel string, result verifier.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A previous attempt at this task failed verification. Summarize in 2-4 sentences: what was tried, why it failed, and what the next attempt should do differently.\n\n")
	fmt.Fprintf(&b, "Objective: %s\n", objective)
	fmt.Fprintf(&b, "Model used: %s\n", attemptedModel)
	fmt.Fprintf(&b, "Files changed: %d, lines changed: %d\n", result.FilesChanged, result.LinesChanged)

	if cats := result.Categories(); len(cats) > 0 {
		names := make([]string, len(cats))
		for i, c := range cats {
			names[i] = string(c)
		}
		fmt.Fprintf(&b, "Failure categories: %s\n", strings.Join(names, ", "))
	}
	if len(result.Issues) > 0 {
		fmt.Fprintf(&b, "Issues:\n")
		for _, issue := range result.Issues {
			if issue.File != "" {
				fmt.Fprintf(&b, "- [%s] %s:%d: %s\n", issue.Stage, issue.File, issue.Line, issue.Message)
			} else {
				fmt.Fprintf(&b, "- [%s] %s\n", issue.Stage, issue.Message)
			}
		}
	}
	if result.Feedback != "" {
		fmt.Fprintf(&b, "Feedback: %s\n", result.Feedback)
	}
	return b.String()
}

// PostMortem is a generated summary attached to the next attempt's prompt.
// It's cleared after one use; a post-mortem is advisory context for a
// single retry, not a persistent log.
type PostMortem struct {
	Summary string
}

// Consume returns the summary and clears it, so a caller holding a
// *PostMortem can attach it to exactly one subsequent prompt.
func (p *PostMortem) Consume() string {
	if p == nil {
		return ""
	}
	s := p.Summary
	p.Summary = ""
	return s
}

// GeneratePostMortem runs genFn against the built prompt, trimming to at
// most postMortemMaxSentences. Failure to produce a summary is swallowed:
// the caller gets a zero-value PostMortem and proceeds with escalation
// regardless, since a post-mortem is a nicety, never a gate.
func GeneratePostMortem(ctx context.Context, genFn PostMortemFunc, objective, attemptedModel string, result verifier.Result) PostMortem {
	if genFn == nil {
		return PostMortem{}
	}
	prompt := BuildPostMortemPrompt(objective, attemptedModel, result)
	summary, err := genFn(ctx, prompt)
	if err != nil || strings.TrimSpace(summary) == "" {
		return PostMortem{}
	}
	return PostMortem{Summary: truncateSentences(summary, postMortemMaxSentences)}
}

// truncateSentences keeps at most n sentences, splitting on ". " boundaries.
// It's a crude heuristic, not a language-aware sentence splitter, which is
// fine: the generator is already instructed to stay within the limit, and
// this just clips runaway output.
func truncateSentences(s string, n int) string {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ". ")
	if len(parts) <= n {
		return s
	}
	kept := strings.Join(parts[:n], ". ")
	if !strings.HasSuffix(kept, ".") {
		kept += "."
	}
	return kept
}
