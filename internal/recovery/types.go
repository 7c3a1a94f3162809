package recovery

import "time"

// Phase is the adaptive-escalation state machine's current step. It is
// monotone forward within a single attempt; a retry resets it to
// PhaseStarting but increments Checkpoint.Attempts.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseContext    Phase = "context"
	PhaseExecuting  Phase = "executing"
	PhaseVerifying  Phase = "verifying"
	PhaseReviewing  Phase = "reviewing"
	PhaseCommitting Phase = "committing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
)

// VerificationSummary is the Checkpoint's compact record of the Verifier's
// last verdict -- just enough to reconstruct retryContext without needing
// the whole VerificationResult.
type VerificationSummary struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// Checkpoint is the mutable per-task breadcrumb, flushed atomically on
// every phase transition.
type Checkpoint struct {
	Phase            Phase               `json:"phase"`
	Model            string              `json:"model"`
	Attempts         int                 `json:"attempts"`
	SameModelRetries int                 `json:"sameModelRetries"`
	SavedAt          time.Time           `json:"savedAt"`
	LastVerification VerificationSummary `json:"lastVerification"`

	// PostMortem is the 2-4 sentence analysis of the most recent failed
	// attempt, overwritten after each failure. The executor attaches it to
	// the following attempt's prompt; this field is the persisted record
	// and is not cleared.
	PostMortem string `json:"postMortem,omitempty"`

	// RetryContext carries a review ladder's notes back to the next
	// "executing" prompt when a review-suggested fix broke verification.
	// Set once by the reviewing phase, cleared after one use.
	RetryContext string `json:"retryContext,omitempty"`

	// LastCommitSha is set once the committing phase produces a commit.
	LastCommitSha string `json:"lastCommitSha,omitempty"`
}

// TaskAssignment is the immutable record written to disk before an executor
// runs.
type TaskAssignment struct {
	TaskID       string   `json:"taskId"`
	Objective    string   `json:"objective"`
	Branch       string   `json:"branch"`
	Model        string   `json:"model"`
	WorktreePath string   `json:"worktreePath"`
	AssignedAt   time.Time `json:"assignedAt"`
	MaxAttempts  int      `json:"maxAttempts"`
	ReviewPasses bool     `json:"reviewPasses"`
	AutoCommit   bool     `json:"autoCommit"`

	ExperimentVariantID string `json:"experimentVariantId,omitempty"`

	// DependsOn is the optional supplement to the flat external queue: a
	// task graph that never sets this behaves exactly like spec.md's plain
	// queue.
	DependsOn []string `json:"dependsOn,omitempty"`

	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// ActiveTaskStatus is the coarse running/pending marker tracked in active/.
type ActiveTaskStatus string

const (
	ActiveStatusPending ActiveTaskStatus = "pending"
	ActiveStatusRunning ActiveTaskStatus = "running"
)

// ActiveTaskState is the one-file-per-task record in active/. A task
// written here with Status pending (by "undercity enqueue") carries enough
// of the original queueing request that a later "undercity run" -- or a
// resume after a crash -- can rebuild its TaskAssignment without any other
// side channel.
type ActiveTaskState struct {
	TaskID       string           `json:"taskId"`
	Objective    string           `json:"objective"`
	WorktreePath string           `json:"worktreePath"`
	Branch       string           `json:"branch"`
	Status       ActiveTaskStatus `json:"status"`
	BatchID      string           `json:"batchId"`
	PID          int              `json:"pid,omitempty"`

	// Queueing request, set once at enqueue time and never mutated by the
	// executor afterward.
	Model        string   `json:"model,omitempty"`
	MaxAttempts  int      `json:"maxAttempts,omitempty"`
	ReviewPasses bool     `json:"reviewPasses,omitempty"`
	AutoCommit   bool     `json:"autoCommit,omitempty"`
	DependsOn    []string `json:"dependsOn,omitempty"`
	FailureMode  string   `json:"failureMode,omitempty"` // "hard" | "soft" | "skip"
	WritesFiles  []string `json:"writesFiles,omitempty"`

	StartedAt          *time.Time  `json:"startedAt,omitempty"`
	PreviousCheckpoint *Checkpoint `json:"previousCheckpoint,omitempty"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// CompletedTaskState is the terminal record moved into completed/.
type CompletedTaskState struct {
	TaskID        string    `json:"taskId"`
	Objective     string    `json:"objective"`
	Branch        string    `json:"branch"`
	Status        string    `json:"status"` // "complete" | "failed"
	ModifiedFiles []string  `json:"modifiedFiles,omitempty"`
	CommitSha     string    `json:"commitSha,omitempty"`
	Error         string    `json:"error,omitempty"`
	Checkpoint    Checkpoint `json:"checkpoint"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// BatchMetadata tracks the set of tasks launched together.
type BatchMetadata struct {
	BatchID     string    `json:"batchId"`
	CreatedAt   time.Time `json:"createdAt"`
	TaskIDs     []string  `json:"taskIds"`
	LastUpdated time.Time `json:"lastUpdated"`
}
