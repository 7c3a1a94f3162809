package ratelimit

import (
	"math"
	"sort"
	"time"

	"github.com/aristath/undercity/internal/config"
	"github.com/aristath/undercity/internal/recovery"
)

const (
	window5h = 5 * time.Hour
	window7d = 7 * 24 * time.Hour

	retention = 8 * 24 * time.Hour // prune usage/hit history older than this

	resumeBuffer5h = 5 * time.Minute
	resumeBuffer7d = 30 * time.Minute

	externalHintDefaultTTL = 5 * time.Minute
)

// legacyMultiplierAliases maps retired model identifiers to their current
// equivalent, so old usage records (or an upstream hint still using the
// old name) keep normalizing correctly.
var legacyMultiplierAliases = map[string]string{
	"haiku": "sonnet",
}

// Tracker is the Rate-Limit Tracker (C3): a process-wide singleton,
// serialized by the Recovery Store's file lock, whose pause predicate is a
// pure function of recorded usage, config, and the current time.
type Tracker struct {
	store *recovery.Store
	cfg   config.RateLimitConfig
	tiers config.ModelTierConfig
}

// New creates a Tracker backed by store's rate-limit.json.
func New(store *recovery.Store, cfg config.RateLimitConfig, tiers config.ModelTierConfig) *Tracker {
	return &Tracker{store: store, cfg: cfg, tiers: tiers}
}

func (t *Tracker) load() (State, error) {
	var state State
	if err := recovery.AtomicReadJSON(t.store.RateLimitPath(), &state); err != nil {
		return State{}, err
	}
	if state.Pause.ModelPauses == nil {
		state.Pause.ModelPauses = make(map[string]ModelPause)
	}
	if state.Hints == nil {
		state.Hints = make(map[string]ExternalHint)
	}
	return state, nil
}

func (t *Tracker) save(state State) error {
	return recovery.AtomicWriteJSON(t.store.RateLimitPath(), state)
}

// normalizedModel resolves a legacy alias to its current name.
func normalizedModel(model string) string {
	if canon, ok := legacyMultiplierAliases[model]; ok {
		return canon
	}
	return model
}

func (t *Tracker) multiplier(model string) float64 {
	if m, ok := t.tiers.TokenMultipliers[model]; ok {
		return m
	}
	if m, ok := t.tiers.TokenMultipliers[normalizedModel(model)]; ok {
		return m
	}
	return 1.0
}

// RecordUsage appends one invocation's token spend, normalizing to its
// sonnet-equivalent cost, then recomputes every model's pause state.
func (t *Tracker) RecordUsage(now time.Time, taskID, model string, input, output int64, duration time.Duration) error {
	return t.store.WithLock(t.store.RateLimitPath(), func() error {
		state, err := t.load()
		if err != nil {
			return err
		}

		total := input + output
		sonnetEq := int64(math.Round(float64(total) * t.multiplier(model)))
		model = normalizedModel(model)

		state.Tasks = append(state.Tasks, TaskUsage{
			TaskID: taskID,
			Model:  model,
			Tokens: Tokens{Input: input, Output: output, Total: total, SonnetEquivalent: sonnetEq},
			Timestamp:  now,
			DurationMs: duration.Milliseconds(),
		})
		state.Tasks = pruneTasks(state.Tasks, now)

		t.recomputePauses(&state, now)
		return t.save(state)
	})
}

// RecordHit records a provider 429 and enters an observed pause for model.
// retryAfter, when non-nil, is used verbatim; otherwise the pause falls
// back to the proactive-pause resume estimate, or to FallbackPauseSeconds
// (one hour when unset) if that can't be computed either.
func (t *Tracker) RecordHit(now time.Time, model string, retryAfter *time.Duration) error {
	return t.store.WithLock(t.store.RateLimitPath(), func() error {
		state, err := t.load()
		if err != nil {
			return err
		}

		model = normalizedModel(model)
		var retryAfterSecs *int64
		if retryAfter != nil {
			s := int64(retryAfter.Seconds())
			retryAfterSecs = &s
		}
		state.Hits = append(state.Hits, Hit{Model: model, Timestamp: now, RetryAfter: retryAfterSecs})
		state.Hits = pruneHits(state.Hits, now)

		fallback := time.Hour
		if t.cfg.FallbackPauseSeconds > 0 {
			fallback = time.Duration(t.cfg.FallbackPauseSeconds) * time.Second
		}
		resumeAt := now.Add(fallback)
		reason := "observed_429_fallback"
		if retryAfter != nil {
			resumeAt = now.Add(*retryAfter)
			reason = "observed_429_retry_after"
		} else if estimate, ok := t.estimateResume(state, model, now); ok {
			resumeAt = estimate
			reason = "observed_429_estimate"
		}

		state.Pause.ModelPauses[model] = ModelPause{IsPaused: true, PausedAt: now, ResumeAt: resumeAt, Reason: reason}
		t.recomputeAggregate(&state)
		return t.save(state)
	})
}

// ApplyExternalHint records an upstream actual-usage reading that
// supersedes the local estimate for externalHintTTL (default 5 minutes).
func (t *Tracker) ApplyExternalHint(now time.Time, hint ExternalHint) error {
	return t.store.WithLock(t.store.RateLimitPath(), func() error {
		state, err := t.load()
		if err != nil {
			return err
		}
		hint.Model = normalizedModel(hint.Model)
		hint.ObservedAt = now
		state.Hints[hint.Model] = hint
		t.recomputePauses(&state, now)
		return t.save(state)
	})
}

// IsPaused reports whether model is currently paused and the full Pause
// view, re-checking resume conditions against now first.
func (t *Tracker) IsPaused(now time.Time, model string) (bool, Pause, error) {
	var paused bool
	var pause Pause

	err := t.store.WithLock(t.store.RateLimitPath(), func() error {
		state, err := t.load()
		if err != nil {
			return err
		}
		t.recomputePauses(&state, now)
		if err := t.save(state); err != nil {
			return err
		}
		pause = state.Pause
		mp, ok := state.Pause.ModelPauses[normalizedModel(model)]
		paused = ok && mp.IsPaused
		return nil
	})
	return paused, pause, err
}

// recomputePauses re-evaluates every model with recorded usage: proactive
// pauses enter at >= proactivePauseFraction of either window's limit, and
// lift either at resumeAt or once both windows drop under
// hysteresisThreshold -- whichever comes first. Observed-429 pauses lift
// only at resumeAt.
func (t *Tracker) recomputePauses(state *State, now time.Time) {
	models := map[string]bool{}
	for _, task := range state.Tasks {
		models[task.Model] = true
	}
	for model := range state.Pause.ModelPauses {
		models[model] = true
	}
	for model := range state.Hints {
		models[model] = true
	}

	hintTTL := time.Duration(t.cfg.ExternalHintTTLSeconds) * time.Second
	if hintTTL <= 0 {
		hintTTL = externalHintDefaultTTL
	}

	for model := range models {
		frac5h, frac7d := t.usageFractions(state, model, now)
		if hint, ok := state.Hints[model]; ok && now.Sub(hint.ObservedAt) <= hintTTL {
			frac5h, frac7d = hint.Fraction5h, hint.Fraction7d
		}

		current, hasExisting := state.Pause.ModelPauses[model]

		switch {
		case hasExisting && current.IsPaused:
			if now.After(current.ResumeAt) || now.Equal(current.ResumeAt) {
				delete(state.Pause.ModelPauses, model)
				continue
			}
			// Hysteresis-based early release only applies to proactive
			// pauses: an observed 429's resumeAt (Retry-After, or the
			// fallback) is an external signal the server gave us and must
			// not be second-guessed by local window accounting.
			if current.Reason == "proactive_threshold" && frac5h < t.cfg.HysteresisThreshold && frac7d < t.cfg.HysteresisThreshold {
				delete(state.Pause.ModelPauses, model)
				continue
			}
			// still paused, keep as-is
		case frac5h >= t.cfg.ProactivePauseFraction || frac7d >= t.cfg.ProactivePauseFraction:
			resumeAt, ok := t.estimateResume(*state, model, now)
			if !ok {
				resumeAt = now.Add(time.Hour)
			}
			state.Pause.ModelPauses[model] = ModelPause{
				IsPaused: true,
				PausedAt: now,
				ResumeAt: resumeAt,
				Reason:   "proactive_threshold",
			}
		}
	}

	t.recomputeAggregate(state)
}

func (t *Tracker) recomputeAggregate(state *State) {
	agg := Pause{ModelPauses: state.Pause.ModelPauses}
	for model, mp := range state.Pause.ModelPauses {
		if mp.IsPaused {
			agg.IsPaused = true
			agg.LimitedModel = model
			agg.PausedAt = mp.PausedAt
			agg.ResumeAt = mp.ResumeAt
			agg.Reason = mp.Reason
		}
	}
	state.Pause = agg
}

// usageFractions returns model's fraction of the 5-hour and 7-day limits
// based on sonnet-equivalent usage within each sliding window.
func (t *Tracker) usageFractions(state *State, model string, now time.Time) (frac5h, frac7d float64) {
	var sum5h, sum7d int64
	for _, task := range state.Tasks {
		if task.Model != model {
			continue
		}
		age := now.Sub(task.Timestamp)
		if age <= window7d {
			sum7d += task.Tokens.SonnetEquivalent
		}
		if age <= window5h {
			sum5h += task.Tokens.SonnetEquivalent
		}
	}

	if t.cfg.MaxTokensPer5Hours > 0 {
		frac5h = float64(sum5h) / float64(t.cfg.MaxTokensPer5Hours)
	}
	if t.cfg.MaxTokensPerWeek > 0 {
		frac7d = float64(sum7d) / float64(t.cfg.MaxTokensPerWeek)
	}
	return frac5h, frac7d
}

// estimateResume computes resumeAt as the oldest offending task's
// timestamp plus its window length plus a small buffer: 5 minutes for the
// 5-hour window, 30 minutes for the weekly one. Returns false if there's
// no usage history to estimate from.
func (t *Tracker) estimateResume(state State, model string, now time.Time) (time.Time, bool) {
	var oldest5h, oldest7d *time.Time
	for _, task := range state.Tasks {
		if task.Model != model {
			continue
		}
		ts := task.Timestamp
		age := now.Sub(ts)
		if age <= window7d && (oldest7d == nil || ts.Before(*oldest7d)) {
			oldest7d = &ts
		}
		if age <= window5h && (oldest5h == nil || ts.Before(*oldest5h)) {
			oldest5h = &ts
		}
	}

	var candidates []time.Time
	if oldest5h != nil {
		candidates = append(candidates, oldest5h.Add(window5h).Add(resumeBuffer5h))
	}
	if oldest7d != nil {
		candidates = append(candidates, oldest7d.Add(window7d).Add(resumeBuffer7d))
	}
	if len(candidates) == 0 {
		return time.Time{}, false
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
	return candidates[len(candidates)-1], true
}

func pruneTasks(tasks []TaskUsage, now time.Time) []TaskUsage {
	kept := tasks[:0]
	for _, task := range tasks {
		if now.Sub(task.Timestamp) <= retention {
			kept = append(kept, task)
		}
	}
	return kept
}

func pruneHits(hits []Hit, now time.Time) []Hit {
	kept := hits[:0]
	for _, hit := range hits {
		if now.Sub(hit.Timestamp) <= retention {
			kept = append(kept, hit)
		}
	}
	return kept
}
