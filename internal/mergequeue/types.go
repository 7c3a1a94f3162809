// Package mergequeue implements the Merge Queue (C7): serialized
// integration of completed task branches into trunk, with rebase,
// LLM-assisted conflict resolution, re-verification, bounded retry with
// backoff, and strategy fallback.
package mergequeue

import "time"

// Status is an item's current lifecycle step.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRebasing   Status = "rebasing"
	StatusTesting    Status = "testing"
	StatusMerging    Status = "merging"
	StatusPushing    Status = "pushing"
	StatusComplete   Status = "complete"
	StatusConflict   Status = "conflict"
	StatusTestFailed Status = "test_failed"
)

// Strategy is the merge strategy used to resolve an item, recorded once it
// succeeds.
type Strategy string

const (
	StrategyDefault Strategy = "default"
	StrategyTheirs  Strategy = "theirs"
	StrategyOurs    Strategy = "ours"
)

// Item is one completed task branch awaiting integration.
type Item struct {
	Branch       string    `json:"branch"`
	TaskID       string    `json:"taskId"`
	AgentID      string    `json:"agentId,omitempty"`
	Objective    string    `json:"objective"`
	WorktreePath string    `json:"worktreePath"`
	Status       Status    `json:"status"`
	QueuedAt     time.Time `json:"queuedAt"`
	CompletedAt  time.Time `json:"completedAt,omitempty"`

	ModifiedFiles []string `json:"modifiedFiles,omitempty"`

	RetryCount     int        `json:"retryCount"`
	MaxRetries     int        `json:"maxRetries"`
	NextRetryAfter *time.Time `json:"nextRetryAfter,omitempty"`
	OriginalError  string     `json:"originalError,omitempty"`
	IsRetry        bool       `json:"isRetry,omitempty"`

	StrategyUsed Strategy      `json:"strategyUsed,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// inBackoff reports whether the item is waiting out a retry backoff window.
func (it *Item) inBackoff(now time.Time) bool {
	return it.NextRetryAfter != nil && now.Before(*it.NextRetryAfter)
}

// done reports whether the item has reached a state the queue will never
// process again. complete and conflict are always final; test_failed is
// final only once its retry budget is exhausted -- until then it's still
// eligible to be popped and retried after its backoff window.
func (it *Item) done() bool {
	switch it.Status {
	case StatusComplete, StatusConflict:
		return true
	case StatusTestFailed:
		return it.RetryCount >= it.MaxRetries
	default:
		return false
	}
}

// queueState is the on-disk shape of the merge queue's single state file.
type queueState struct {
	Items []Item `json:"items"`
}

// Conflict is the informational record the pre-merge overlap scan produces.
// It never blocks the queue; it exists purely for observability.
type Conflict struct {
	HeadTaskID  string   `json:"headTaskId"`
	OtherTaskID string   `json:"otherTaskId"`
	Files       []string `json:"files"`
	Severity    string   `json:"severity"` // "warning" (<=2 files) or "error" (>2 files)
}
