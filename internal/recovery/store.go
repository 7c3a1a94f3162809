package recovery

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/renameio/v2"
)

const (
	batchMetaFile    = "batch-meta.json"
	mergeQueueFile   = "merge-queue.json"
	rateLimitFile    = "rate-limit.json"
	scoutCacheFile   = "scout-cache.json"
	activeDir        = "active"
	completedDir     = "completed"
	worktreesDir     = "worktrees"
	failedWorktreesDir = "failed-worktrees"

	lockSuffix = ".lock"
)

// Store is the Recovery Store (C8): the crash-recoverable, atomic,
// file-locked persistence layer every other component uses to survive a
// restart mid-task. Task status itself (ActiveTaskState/CompletedTaskState)
// is owned exclusively by Store -- the SQLite-backed conversation store
// never touches it.
type Store struct {
	stateDir string

	// inProcess is the first lock layer: a keyed mutex per file path,
	// cheap and immediate for goroutines inside this process.
	inProcess *keyedMutex
}

// New creates a Store rooted at stateDir, creating the directory layout
// (active/, completed/, worktrees/, failed-worktrees/) if absent.
func New(stateDir string) (*Store, error) {
	for _, d := range []string{stateDir, filepath.Join(stateDir, activeDir), filepath.Join(stateDir, completedDir), filepath.Join(stateDir, worktreesDir), filepath.Join(stateDir, failedWorktreesDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("creating state directory %s: %w", d, err)
		}
	}
	return &Store{
		stateDir:  stateDir,
		inProcess: newKeyedMutex(),
	}, nil
}

func (s *Store) StateDir() string { return s.stateDir }

func (s *Store) activePath(taskID string) string {
	return filepath.Join(s.stateDir, activeDir, taskID+".state")
}

func (s *Store) completedPath(taskID string) string {
	return filepath.Join(s.stateDir, completedDir, taskID+".done")
}

func (s *Store) batchMetaPath() string  { return filepath.Join(s.stateDir, batchMetaFile) }
func (s *Store) mergeQueuePath() string { return filepath.Join(s.stateDir, mergeQueueFile) }
func (s *Store) rateLimitPath() string  { return filepath.Join(s.stateDir, rateLimitFile) }
func (s *Store) scoutCachePath() string { return filepath.Join(s.stateDir, scoutCacheFile) }

// MergeQueuePath, RateLimitPath, ScoutCachePath expose the conventional
// file locations for the mergequeue/ratelimit/executor packages, which own
// their own typed structs but reuse this Store's atomic write/lock
// primitives.
func (s *Store) MergeQueuePath() string { return s.mergeQueuePath() }
func (s *Store) RateLimitPath() string  { return s.rateLimitPath() }
func (s *Store) ScoutCachePath() string { return s.scoutCachePath() }

// AtomicWriteJSON marshals v and writes it to path via write-then-rename,
// so a crash mid-write never leaves a partial or corrupt file behind.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// AtomicReadJSON reads and unmarshals path into v. Returns os.ErrNotExist
// (wrapped) if the file doesn't exist yet -- callers treat that as "no
// state recorded" rather than an error.
func AtomicReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", path, err)
	}
	return nil
}

// AtomicMove renames src to dst atomically, creating dst's parent
// directory if needed. Used to move a task's state from active/ to
// completed/ in one step.
func AtomicMove(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("moving %s to %s: %w", src, dst, err)
	}
	return nil
}

// WithLock acquires the two-layer advisory lock for path (in-process
// keyed mutex, then a cross-process PID/hostname lock file) and runs fn.
// If the cross-process lock cannot be acquired after backoff-bounded
// retries, it logs a warning and runs fn anyway under just the in-process
// lock -- a best-effort fallback, never a hard failure, matching the
// teacher's tolerance for single-operator deployments where a second
// process is rare.
func (s *Store) WithLock(path string, fn func() error) error {
	unlock := s.inProcess.Lock(path)
	defer unlock()

	release, err := acquireFileLock(path + lockSuffix)
	if err != nil {
		log.Printf("recovery: proceeding without cross-process lock on %s: %v", path, err)
		return fn()
	}
	defer release()

	return fn()
}

// keyedMutex hands out one *sync.Mutex per key, created lazily. Grounded
// on the teacher's ResourceLockManager; this is that same pattern pulled
// out to its own type so Store can reuse it without depending on the
// scheduler package.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// lockInfo is the payload of a cross-process lock file: PID and hostname
// let a later process detect and reclaim a lock abandoned by a dead one.
type lockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

const lockStaleAfter = 5 * time.Minute

// acquireFileLock creates lockPath exclusively, retrying with bounded
// backoff (five attempts, 50ms to 300ms) before giving up. A lock held by
// a process that's no longer alive (or older than lockStaleAfter) is
// treated as abandoned and reclaimed.
func acquireFileLock(lockPath string) (release func(), err error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 300 * time.Millisecond
	b.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(b, 4)

	op := func() error {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), Hostname: hostname(), AcquiredAt: time.Now()}
			data, mErr := json.Marshal(info)
			if mErr == nil {
				_, _ = f.Write(data)
			}
			_ = f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return backoff.Permanent(err)
		}

		if reclaimStaleLock(lockPath) {
			return fmt.Errorf("stale lock reclaimed, retry")
		}
		return err
	}

	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", lockPath, err)
	}

	return func() {
		_ = os.Remove(lockPath)
	}, nil
}

// reclaimStaleLock removes lockPath if the process that created it is no
// longer alive or the lock has aged past lockStaleAfter. Returns whether
// it removed anything.
func reclaimStaleLock(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return false
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Unreadable lock payload: treat as abandoned.
		_ = os.Remove(lockPath)
		return true
	}

	if time.Since(info.AcquiredAt) < lockStaleAfter && processAlive(info.PID) {
		return false
	}

	_ = os.Remove(lockPath)
	return true
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// processAlive reports whether pid refers to a live process, using the
// signal-0 probe: FindProcess always succeeds on Unix, so the real check
// is whether Signal(syscall.Signal(0)) is delivered without error.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
