package executor

import (
	"testing"

	"github.com/aristath/undercity/internal/verifier"
)

func TestDecideEscalationNoFilesChangedEscalatesImmediately(t *testing.T) {
	d := DecideEscalation(nil, 0, 0)
	if !d.Escalate {
		t.Error("expected immediate escalation when no files changed")
	}
}

func TestDecideEscalationLintOnlyRetriesTwiceBeforeEscalating(t *testing.T) {
	cats := []verifier.ErrorCategory{verifier.CategoryLint}

	if d := DecideEscalation(cats, 1, 0); d.Escalate {
		t.Error("expected same-model retry on first lint failure")
	}
	if d := DecideEscalation(cats, 1, 1); d.Escalate {
		t.Error("expected same-model retry on second lint failure")
	}
	if d := DecideEscalation(cats, 1, 2); !d.Escalate {
		t.Error("expected escalation after 2 same-model retries")
	}
}

func TestDecideEscalationSpellOnlyTreatedSameAsLint(t *testing.T) {
	cats := []verifier.ErrorCategory{verifier.CategorySpell, verifier.CategoryLint}
	if d := DecideEscalation(cats, 1, 2); !d.Escalate {
		t.Error("expected escalation after 2 same-model retries for lint+spell mix")
	}
}

func TestDecideEscalationTypecheckEscalatesAfterOneRetry(t *testing.T) {
	cats := []verifier.ErrorCategory{verifier.CategoryTypecheck}

	if d := DecideEscalation(cats, 1, 0); d.Escalate {
		t.Error("expected one same-model retry on first typecheck failure")
	}
	if d := DecideEscalation(cats, 1, 1); !d.Escalate {
		t.Error("expected escalation after 1 same-model retry for typecheck failure")
	}
}

func TestDecideEscalationBuildOrTestAlsoEscalatesAfterOneRetry(t *testing.T) {
	if d := DecideEscalation([]verifier.ErrorCategory{verifier.CategoryBuild}, 1, 1); !d.Escalate {
		t.Error("expected build failure to escalate after 1 retry")
	}
	if d := DecideEscalation([]verifier.ErrorCategory{verifier.CategoryTest}, 1, 1); !d.Escalate {
		t.Error("expected test failure to escalate after 1 retry")
	}
}

func TestDecideEscalationUnclassifiedEscalatesAfterTwoRetries(t *testing.T) {
	cats := []verifier.ErrorCategory{verifier.CategoryUnknown}
	if d := DecideEscalation(cats, 1, 1); d.Escalate {
		t.Error("expected same-model retry on unclassified failure before 2 retries")
	}
	if d := DecideEscalation(cats, 1, 2); !d.Escalate {
		t.Error("expected escalation after 2 same-model retries for unclassified failure")
	}
}

func TestNextModelAdvancesOneRung(t *testing.T) {
	ladder := []string{"sonnet", "opus"}
	if got := NextModel(ladder, "sonnet"); got != "opus" {
		t.Errorf("expected opus, got %s", got)
	}
}

func TestNextModelClampsAtTop(t *testing.T) {
	ladder := []string{"sonnet", "opus"}
	if got := NextModel(ladder, "opus"); got != "opus" {
		t.Errorf("expected clamp at opus, got %s", got)
	}
}

func TestNextModelEmptyLadderReturnsCurrent(t *testing.T) {
	if got := NextModel(nil, "sonnet"); got != "sonnet" {
		t.Errorf("expected current model returned unchanged, got %s", got)
	}
}
