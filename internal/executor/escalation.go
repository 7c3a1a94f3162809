package executor

import "github.com/aristath/undercity/internal/verifier"

// EscalationDecision is what the executor does next after a failed
// verification.
type EscalationDecision struct {
	Escalate bool
	Reason   string
}

func categorySet(cats []verifier.ErrorCategory) map[verifier.ErrorCategory]bool {
	set := make(map[verifier.ErrorCategory]bool, len(cats))
	for _, c := range cats {
		set[c] = true
	}
	return set
}

func isSubsetOf(cats []verifier.ErrorCategory, allowed ...verifier.ErrorCategory) bool {
	allowedSet := categorySet(allowed)
	for _, c := range cats {
		if !allowedSet[c] {
			return false
		}
	}
	return true
}

func includesAny(cats []verifier.ErrorCategory, targets ...verifier.ErrorCategory) bool {
	set := categorySet(cats)
	for _, t := range targets {
		if set[t] {
			return true
		}
	}
	return false
}

// DecideEscalation evaluates the escalation rules in order:
//  1. no files changed at all -- the agent is stuck, escalate immediately.
//  2. failures are entirely lint/spell -- keep retrying the same model,
//     only escalating after two same-model retries.
//  3. failures touch typecheck/build/test -- one same-model retry, then
//     escalate.
//  4. anything else -- escalate after two same-model retries.
func DecideEscalation(cats []verifier.ErrorCategory, filesChanged int, sameModelRetries int) EscalationDecision {
	if filesChanged == 0 {
		return EscalationDecision{Escalate: true, Reason: "no files changed"}
	}

	if isSubsetOf(cats, verifier.CategoryLint, verifier.CategorySpell) {
		if sameModelRetries >= 2 {
			return EscalationDecision{Escalate: true, Reason: "lint/spell failures persisted after 2 same-model retries"}
		}
		return EscalationDecision{Escalate: false, Reason: "lint/spell failure, retrying same model"}
	}

	if includesAny(cats, verifier.CategoryTypecheck, verifier.CategoryBuild, verifier.CategoryTest) {
		if sameModelRetries >= 1 {
			return EscalationDecision{Escalate: true, Reason: "typecheck/build/test failure persisted after 1 same-model retry"}
		}
		return EscalationDecision{Escalate: false, Reason: "typecheck/build/test failure, one same-model retry allowed"}
	}

	if sameModelRetries >= 2 {
		return EscalationDecision{Escalate: true, Reason: "unclassified failure persisted after 2 same-model retries"}
	}
	return EscalationDecision{Escalate: false, Reason: "unclassified failure, retrying same model"}
}

// NextModel advances model through ladder, clamping at the top tier.
func NextModel(ladder []string, current string) string {
	if len(ladder) == 0 {
		return current
	}
	for i, m := range ladder {
		if m == current && i+1 < len(ladder) {
			return ladder[i+1]
		}
	}
	return ladder[len(ladder)-1]
}
