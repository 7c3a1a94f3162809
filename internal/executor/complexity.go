package executor

import (
	"regexp"
	"strings"
)

// ComplexityLabel is the cheap, LLM-free classification that picks the
// starting model tier and whether multi-lens review kicks in.
type ComplexityLabel string

const (
	ComplexityTrivial  ComplexityLabel = "trivial"
	ComplexitySimple   ComplexityLabel = "simple"
	ComplexityStandard ComplexityLabel = "standard"
	ComplexityComplex  ComplexityLabel = "complex"
	ComplexityCritical ComplexityLabel = "critical"
)

// complexKeywords nudge the assessment toward "complex" or "critical" when
// the objective names a structurally risky kind of change.
var criticalKeywords = regexp.MustCompile(`(?i)\b(migration|schema|security|auth|payment|billing|encryption|credential)\b`)
var complexKeywords = regexp.MustCompile(`(?i)\b(refactor|redesign|rearchitect|rewrite|concurren(t|cy)|race condition|distributed)\b`)

// ComplexitySignals are the cheap, pre-computed facts the assessment
// weighs. None of them require an LLM call.
type ComplexitySignals struct {
	Objective        string
	TargetFileCount  int
	AggregateBytes   int64
	CrossPackageSpan int // number of distinct top-level packages/dirs touched
	ChurnHotspots    int // how many target files appear in recent high-churn history
}

// AssessComplexity labels a task from keyword match, inferred scope, and
// recent churn. It never calls an LLM.
func AssessComplexity(s ComplexitySignals) ComplexityLabel {
	score := 0

	if criticalKeywords.MatchString(s.Objective) {
		return ComplexityCritical
	}
	if complexKeywords.MatchString(s.Objective) {
		score += 2
	}

	switch {
	case s.TargetFileCount <= 1:
		// no change
	case s.TargetFileCount <= 3:
		score++
	case s.TargetFileCount <= 8:
		score += 2
	default:
		score += 3
	}

	const largeChange = 50_000 // bytes
	if s.AggregateBytes > largeChange {
		score += 2
	} else if s.AggregateBytes > largeChange/5 {
		score++
	}

	if s.CrossPackageSpan >= 3 {
		score += 2
	} else if s.CrossPackageSpan == 2 {
		score++
	}

	if s.ChurnHotspots >= 3 {
		score += 2
	} else if s.ChurnHotspots >= 1 {
		score++
	}

	switch {
	case score == 0:
		return ComplexityTrivial
	case score <= 2:
		return ComplexitySimple
	case score <= 4:
		return ComplexityStandard
	case score <= 7:
		return ComplexityComplex
	default:
		return ComplexityCritical
	}
}

// StartingModel maps a complexity label onto the first rung of the
// escalation ladder a fresh task should start at.
func StartingModel(label ComplexityLabel, ladder []string) string {
	if len(ladder) == 0 {
		ladder = []string{"sonnet", "opus"}
	}
	switch label {
	case ComplexityCritical:
		return ladder[len(ladder)-1]
	case ComplexityComplex:
		if len(ladder) > 1 {
			return ladder[len(ladder)-2]
		}
		return ladder[0]
	default:
		return ladder[0]
	}
}

// MultiLensRecommended reports whether the complexity label alone (absent
// any config override) recommends enabling multi-lens review at the opus
// tier.
func MultiLensRecommended(label ComplexityLabel) bool {
	return label == ComplexityComplex || label == ComplexityCritical
}

// inferTargetFiles does a cheap regex scan over the objective text for
// path-shaped tokens, falling back to a keyword match against the
// candidate file list. This stands in for the AST index lookup: finding
// exact identifiers would need a real parser per language, so the
// fallback degrades gracefully to "files whose base name appears in the
// objective".
var pathLikeRe = regexp.MustCompile(`[\w./-]+\.[A-Za-z]{1,8}\b`)

func inferTargetFiles(objective string, candidates []string) []string {
	var hits []string

	for _, m := range pathLikeRe.FindAllString(objective, -1) {
		for _, c := range candidates {
			if strings.HasSuffix(c, m) || strings.Contains(c, m) {
				hits = append(hits, c)
			}
		}
	}
	if len(hits) > 0 {
		return dedupeStrings(hits)
	}

	lowerObjective := strings.ToLower(objective)
	for _, c := range candidates {
		name := c
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		base := strings.ToLower(strings.TrimSuffix(name, filepathExt(name)))
		if base != "" && strings.Contains(lowerObjective, base) {
			hits = append(hits, c)
		}
	}
	return dedupeStrings(hits)
}

func filepathExt(p string) string {
	if i := strings.LastIndex(p, "."); i >= 0 {
		return p[i:]
	}
	return ""
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
