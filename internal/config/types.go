package config

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from model tiers -- every backend type exposes the
// same sonnet/opus ladder through whichever CLI it wraps.
type ProviderConfig struct {
	Command string   `json:"command"`        // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `json:"args,omitempty"` // Default args appended to every invocation
	Type    string   `json:"type"`           // Backend type matching backend.Config.Type: "claude", "codex", "goose"
}

// ModelTierConfig carries the sonnet-equivalence multipliers the rate-limit
// tracker uses to normalize usage across models.
type ModelTierConfig struct {
	TokenMultipliers map[string]float64 `json:"tokenMultipliers"`
}

// ProjectProfile describes the exact shell commands the Verifier runs in a
// worktree. When absent from configuration, it is detected by scanning for
// go.mod, package.json + lockfiles, etc., and the detected profile is cached.
type ProjectProfile struct {
	PackageManager string   `json:"packageManager,omitempty"`
	Typecheck      []string `json:"typecheck,omitempty"`
	Lint           []string `json:"lint,omitempty"`
	Test           []string `json:"test,omitempty"`
	Build          []string `json:"build,omitempty"`
	Spell          []string `json:"spell,omitempty"`
	CodeHealth     []string `json:"codeHealth,omitempty"`
}

// RateLimitConfig holds the thresholds the Rate-Limit Tracker enforces.
type RateLimitConfig struct {
	MaxTokensPer5Hours     int64   `json:"maxTokensPer5Hours"`
	MaxTokensPerWeek       int64   `json:"maxTokensPerWeek"`
	WarningThreshold       float64 `json:"warningThreshold"`       // e.g. 0.80
	ProactivePauseFraction float64 `json:"proactivePauseFraction"` // e.g. 0.95
	HysteresisThreshold    float64 `json:"hysteresisThreshold"`    // default 0.9; overridable from config files like the other thresholds
	FallbackPauseSeconds   int64   `json:"fallbackPauseSeconds"`   // used when no Retry-After and no window estimate applies
	ExternalHintTTLSeconds int64   `json:"externalHintTtlSeconds"` // how long an externally supplied usage hint supersedes local estimates
	MaxPauseCeilingSeconds int64   `json:"maxPauseCeilingSeconds"` // a pause longer than this makes the batch unrunnable; the CLI exits rather than wait it out
}

// SchedulerConfig bounds the Parallel Scheduler's concurrency and pause polling.
type SchedulerConfig struct {
	MaxConcurrent          int `json:"maxConcurrent"`
	PauseCheckIntervalSecs int `json:"pauseCheckIntervalSeconds"` // no more often than once per 5s per spec
}

// MergeQueueConfig bounds the Merge Queue's retry and conflict-resolution behavior.
type MergeQueueConfig struct {
	MaxRetries            int `json:"maxRetries"`
	BackoffBaseMillis     int `json:"backoffBaseMillis"`
	BackoffCapMillis      int `json:"backoffCapMillis"`
	ConflictMaxFiles      int `json:"conflictMaxFiles"`      // cap on conflicted files sent to the resolver prompt
	ConflictCharsPerFile  int `json:"conflictCharsPerFile"`  // cap on surrounding-marker excerpt length per file
	MaxPreservedWorktrees int `json:"maxPreservedWorktrees"` // mirrors worktree.maxPreserved; kept here so config has one source of truth
}

// ExecutorConfig bounds the per-task adaptive-escalation state machine.
type ExecutorConfig struct {
	DefaultMaxAttempts     int      `json:"defaultMaxAttempts"`
	SameModelRetries       int      `json:"sameModelRetries"`
	MaxReviewPassesPerTier int      `json:"maxReviewPassesPerTier"`
	MultiLensAtOpus        *bool    `json:"multiLensAtOpus,omitempty"` // nil means "use default"; pointer so a config file can explicitly disable it
	ModelLadder            []string `json:"modelLadder"`               // ordered escalation ladder, e.g. ["sonnet", "opus"]
}

// MultiLens reports whether multi-lens advisory review at the opus tier is
// enabled, honoring an explicit override and otherwise defaulting to true.
func (e ExecutorConfig) MultiLens() bool {
	if e.MultiLensAtOpus == nil {
		return true
	}
	return *e.MultiLensAtOpus
}

// OrchestratorConfig is the top-level configuration, merged from built-in
// defaults, a global file, and a project file, in that order of precedence.
type OrchestratorConfig struct {
	Providers  map[string]ProviderConfig `json:"providers"`
	ModelTiers ModelTierConfig           `json:"modelTiers"`
	Project    ProjectProfile            `json:"project"`
	RateLimit  RateLimitConfig           `json:"rateLimit"`
	Scheduler  SchedulerConfig           `json:"scheduler"`
	MergeQueue MergeQueueConfig          `json:"mergeQueue"`
	Executor   ExecutorConfig            `json:"executor"`
}
