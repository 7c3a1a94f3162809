package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveSession records the backend session ID bound to a task's worktree, so
// a resumed executor can hand the same backend process its prior context
// instead of starting the conversation over. Upserts, since a task attempt
// that escalates model tiers re-saves under the same taskID.
func (s *SQLiteStore) SaveSession(ctx context.Context, taskID, sessionID, backendType string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (task_id, session_id, backend_type)
		VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			backend_type = excluded.backend_type
	`, taskID, sessionID, backendType)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetSession looks up the backend session bound to a task, for Resume to
// reattach to. Returns a wrapped sql.ErrNoRows when the task has never run,
// which callers treat as "start a fresh session" rather than a hard error.
func (s *SQLiteStore) GetSession(ctx context.Context, taskID string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sessionID, backendType string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, backend_type
		FROM sessions
		WHERE task_id = ?
	`, taskID).Scan(&sessionID, &backendType)

	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("no session found for task %q: %w", taskID, err)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query session: %w", err)
	}

	return sessionID, backendType, nil
}

// SaveMessage appends one turn of a task's conversation. Append-only: the
// log is never rewritten, only replayed, so GetHistory can reconstruct the
// retryContext and postMortem summaries a restarted executor needs.
func (s *SQLiteStore) SaveMessage(ctx context.Context, taskID, role, content string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_history (task_id, role, content)
		VALUES (?, ?, ?)
	`, taskID, role, content)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetHistory returns a task's full conversation in chronological order.
// The id tiebreaker keeps turns saved within the same second ordered
// correctly; callers (post-mortem generation, conversation replay) depend
// on that ordering. Returns an empty slice, never nil, when the task has
// no recorded turns.
func (s *SQLiteStore) GetHistory(ctx context.Context, taskID string) ([]ConversationTurn, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp
		FROM conversation_history
		WHERE task_id = ?
		ORDER BY timestamp ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	history := []ConversationTurn{}
	for rows.Next() {
		var turn ConversationTurn
		if err := rows.Scan(&turn.Role, &turn.Content, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		history = append(history, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return history, nil
}
