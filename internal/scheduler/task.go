package scheduler

// TaskStatus represents the current state of a task within the optional
// dependency graph. It tracks only what Eligible() needs to know; the full
// Task Assignment and Checkpoint (objective, branch, model, worktree, retry
// state) live in internal/recovery, which is the sole owner of that record.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for dependencies (or the flat queue's default state)
	TaskEligible                    // All dependencies resolved, ready to run
	TaskRunning                     // Currently executing
	TaskCompleted                   // Finished successfully, not yet merged
	TaskMerged                      // Finished and integrated by the Merge Queue
	TaskFailed                      // Finished with error
	TaskSkipped                     // Intentionally not run
)

// FailureMode determines how a task's failure affects dependents.
type FailureMode int

const (
	FailHard FailureMode = iota // Block ALL dependents
	FailSoft                    // Dependents CAN still run
	FailSkip                    // Treat as success for dependency purposes
)

// Task is a node in the optional dependency graph: just enough to compute
// eligibility. A flat external queue (the common case) never builds one of
// these with a non-empty DependsOn, so Eligible degenerates to "all pending
// tasks" exactly as spec.md describes.
type Task struct {
	ID          string
	DependsOn   []string
	FailureMode FailureMode
	Status      TaskStatus
	WritesFiles []string // files this task is expected to touch, for resource locking
}
