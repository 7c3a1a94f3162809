package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask       = "task"
	TopicScheduler  = "scheduler"
	TopicMergeQueue = "mergequeue"
	TopicRateLimit  = "ratelimit"
)

// Event type constants
const (
	EventTypeTaskPhaseChanged  = "task.phase_changed"
	EventTypeTaskEscalated     = "task.escalated"
	EventTypeTaskOutput        = "task.output"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeSchedulerProgress = "scheduler.progress"
	EventTypeMergeQueueChanged = "mergequeue.status_changed"
	EventTypeRateLimitPaused   = "ratelimit.paused"
	EventTypeRateLimitResumed  = "ratelimit.resumed"
)

// TaskPhaseChangedEvent is published on every adaptive-escalation state
// machine phase transition (starting, context, executing, verifying,
// reviewing, committing, complete, failed).
type TaskPhaseChangedEvent struct {
	ID        string
	Phase     string
	Model     string
	Attempt   int
	Timestamp time.Time
}

func (e TaskPhaseChangedEvent) EventType() string { return EventTypeTaskPhaseChanged }
func (e TaskPhaseChangedEvent) TaskID() string    { return e.ID }

// TaskEscalatedEvent is published when the executor moves a task up the
// model ladder after exhausting same-model retries.
type TaskEscalatedEvent struct {
	ID         string
	FromModel  string
	ToModel    string
	PostMortem string
	Timestamp  time.Time
}

func (e TaskEscalatedEvent) EventType() string { return EventTypeTaskEscalated }
func (e TaskEscalatedEvent) TaskID() string    { return e.ID }

// TaskOutputEvent is published when a task produces agent/verifier output.
type TaskOutputEvent struct {
	ID        string
	Line      string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task reaches the terminal complete phase.
type TaskCompletedEvent struct {
	ID           string
	Attempts     int
	StartModel   string
	FinalModel   string
	WasEscalated bool
	Duration     time.Duration
	Timestamp    time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task reaches the terminal failed phase
// after exhausting maxAttempts.
type TaskFailedEvent struct {
	ID        string
	Err       error
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// SchedulerProgressEvent is published whenever the parallel scheduler's
// view of pending/running/completed/failed tasks changes.
type SchedulerProgressEvent struct {
	Total     int
	Running   int
	Completed int
	Failed    int
	Pending   int
	Timestamp time.Time
}

func (e SchedulerProgressEvent) EventType() string { return EventTypeSchedulerProgress }
func (e SchedulerProgressEvent) TaskID() string    { return "" }

// MergeQueueStatusChangedEvent is published on every merge queue item
// lifecycle transition (pending -> rebasing -> testing -> merging ->
// pushing -> complete | conflict | test_failed).
type MergeQueueStatusChangedEvent struct {
	ID         string
	Branch     string
	Status     string
	RetryCount int
	Timestamp  time.Time
}

func (e MergeQueueStatusChangedEvent) EventType() string { return EventTypeMergeQueueChanged }
func (e MergeQueueStatusChangedEvent) TaskID() string    { return e.ID }

// RateLimitPausedEvent is published when the rate-limit tracker enters a
// proactive or observed pause for a model.
type RateLimitPausedEvent struct {
	Model     string
	Reason    string
	ResumeAt  time.Time
	Timestamp time.Time
}

func (e RateLimitPausedEvent) EventType() string { return EventTypeRateLimitPaused }
func (e RateLimitPausedEvent) TaskID() string    { return "" }

// RateLimitResumedEvent is published when a model's pause lifts.
type RateLimitResumedEvent struct {
	Model     string
	Timestamp time.Time
}

func (e RateLimitResumedEvent) EventType() string { return EventTypeRateLimitResumed }
func (e RateLimitResumedEvent) TaskID() string    { return "" }
