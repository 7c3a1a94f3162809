package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SaveActive writes (or overwrites) a task's active state, atomically and
// under the two-layer lock.
func (s *Store) SaveActive(state ActiveTaskState) error {
	path := s.activePath(state.TaskID)
	state.LastUpdated = time.Now()
	return s.WithLock(path, func() error {
		return AtomicWriteJSON(path, state)
	})
}

// LoadActive reads a task's active state. Returns false if no such file
// exists (the task was never started, or was already completed and moved).
func (s *Store) LoadActive(taskID string) (ActiveTaskState, bool, error) {
	path := s.activePath(taskID)
	var state ActiveTaskState
	if err := AtomicReadJSON(path, &state); err != nil {
		if os.IsNotExist(err) {
			return ActiveTaskState{}, false, nil
		}
		return ActiveTaskState{}, false, err
	}
	return state, true, nil
}

// ListActive returns every task currently recorded as active, sorted by
// task ID for deterministic iteration.
func (s *Store) ListActive() ([]ActiveTaskState, error) {
	dir := filepath.Join(s.stateDir, activeDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading active dir: %w", err)
	}

	var states []ActiveTaskState
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".state") {
			continue
		}
		taskID := strings.TrimSuffix(e.Name(), ".state")
		state, ok, err := s.LoadActive(taskID)
		if err != nil {
			return nil, err
		}
		if ok {
			states = append(states, state)
		}
	}

	sort.Slice(states, func(i, j int) bool { return states[i].TaskID < states[j].TaskID })
	return states, nil
}

// MoveActiveToCompleted atomically moves a task's record from active/ to
// completed/, replacing its content with the terminal CompletedTaskState.
func (s *Store) MoveActiveToCompleted(taskID string, completed CompletedTaskState) error {
	activePath := s.activePath(taskID)
	completedPath := s.completedPath(taskID)
	completed.LastUpdated = time.Now()

	return s.WithLock(activePath, func() error {
		if err := AtomicWriteJSON(completedPath, completed); err != nil {
			return err
		}
		if err := os.Remove(activePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing active state for %s: %w", taskID, err)
		}
		return nil
	})
}

// LoadCompleted reads a task's terminal record.
func (s *Store) LoadCompleted(taskID string) (CompletedTaskState, bool, error) {
	path := s.completedPath(taskID)
	var state CompletedTaskState
	if err := AtomicReadJSON(path, &state); err != nil {
		if os.IsNotExist(err) {
			return CompletedTaskState{}, false, nil
		}
		return CompletedTaskState{}, false, err
	}
	return state, true, nil
}

// SaveBatchMetadata persists the batch record under its own lock.
func (s *Store) SaveBatchMetadata(meta BatchMetadata) error {
	path := s.batchMetaPath()
	meta.LastUpdated = time.Now()
	return s.WithLock(path, func() error {
		return AtomicWriteJSON(path, meta)
	})
}

// LoadBatchMetadata reads the batch record, if any.
func (s *Store) LoadBatchMetadata() (BatchMetadata, bool, error) {
	path := s.batchMetaPath()
	var meta BatchMetadata
	if err := AtomicReadJSON(path, &meta); err != nil {
		if os.IsNotExist(err) {
			return BatchMetadata{}, false, nil
		}
		return BatchMetadata{}, false, err
	}
	return meta, meta.BatchID != "", nil
}

// RecoveryCandidate is an active task whose owning process is no longer
// alive -- a startup reconciliation pass hands these back to the
// scheduler to resume from their last checkpoint.
type RecoveryCandidate struct {
	State ActiveTaskState
	Stale bool // PID recorded in State is not a live process
}

// Reconcile scans active/ on startup and flags any entry whose PID is no
// longer running as a recovery candidate: the process that owned it died
// (crash, kill -9, host reboot) mid-task, and its last Checkpoint is the
// resume point.
func (s *Store) Reconcile() ([]RecoveryCandidate, error) {
	states, err := s.ListActive()
	if err != nil {
		return nil, err
	}

	var candidates []RecoveryCandidate
	for _, state := range states {
		stale := state.PID == 0 || !processAlive(state.PID)
		if stale {
			candidates = append(candidates, RecoveryCandidate{State: state, Stale: true})
		}
	}
	return candidates, nil
}
