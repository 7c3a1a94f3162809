package ratelimit

import "time"

// Tokens is one invocation's token accounting, already normalized to its
// sonnet-equivalent cost.
type Tokens struct {
	Input           int64 `json:"input"`
	Output          int64 `json:"output"`
	Total           int64 `json:"total"`
	SonnetEquivalent int64 `json:"sonnetEquivalent"`
}

// TaskUsage records one executor invocation's token spend.
type TaskUsage struct {
	TaskID     string    `json:"taskId"`
	Model      string    `json:"model"`
	Tokens     Tokens    `json:"tokens"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"durationMs"`
}

// Hit is a recorded provider 429.
type Hit struct {
	Model      string    `json:"model"`
	Timestamp  time.Time `json:"timestamp"`
	RetryAfter *int64    `json:"retryAfterSeconds,omitempty"`
}

// ModelPause is one model's current pause state.
type ModelPause struct {
	IsPaused bool      `json:"isPaused"`
	PausedAt time.Time `json:"pausedAt"`
	ResumeAt time.Time `json:"resumeAt"`
	Reason   string    `json:"reason"`
}

// Pause is the tracker's aggregate pause view: IsPaused is the disjunction
// over every entry in ModelPauses.
type Pause struct {
	IsPaused     bool                  `json:"isPaused"`
	PausedAt     time.Time             `json:"pausedAt,omitempty"`
	ResumeAt     time.Time             `json:"resumeAt,omitempty"`
	LimitedModel string                `json:"limitedModel,omitempty"`
	Reason       string                `json:"reason,omitempty"`
	ModelPauses  map[string]ModelPause `json:"modelPauses"`
}

// ExternalHint is an upstream-supplied actual-usage reading that
// supersedes the tracker's local estimate for a bounded window.
type ExternalHint struct {
	Model       string    `json:"model"`
	Fraction5h  float64   `json:"fraction5h"`
	Fraction7d  float64   `json:"fraction7d"`
	ObservedAt  time.Time `json:"observedAt"`
}

// State is the full persisted Rate-Limit State (spec §3): usage history,
// 429 hits, and the current pause view. Config (limits, thresholds,
// multipliers) is supplied by internal/config at construction time, not
// persisted here, so operators can change it without hand-editing state.
type State struct {
	Tasks    []TaskUsage           `json:"tasks"`
	Hits     []Hit                 `json:"hits"`
	Pause    Pause                 `json:"pause"`
	Hints    map[string]ExternalHint `json:"hints,omitempty"`
}
