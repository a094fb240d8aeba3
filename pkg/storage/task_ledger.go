package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/odvcencio/agentremote/pkg/task"
)

// TaskLedger records every persisted task state so history survives the
// single overwritten status artifact.
type TaskLedger struct {
	store *Store
}

var _ task.Recorder = (*TaskLedger)(nil)

// TaskLedger returns the ledger backed by this store.
func (s *Store) TaskLedger() *TaskLedger {
	return &TaskLedger{store: s}
}

// Transition is one recorded status change.
type Transition struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	At     time.Time   `json:"at"`
}

// RecordTask upserts t and appends a transition when its status changed.
func (l *TaskLedger) RecordTask(ctx context.Context, t *task.Task) error {
	if l == nil || l.store == nil || l.store.db == nil {
		return ErrStoreClosed
	}
	db := l.store.db

	return withBusyRetry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var previous sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&previous)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read task: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, description, status, backend, requester_id, chat_id, message_id, summary, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				summary = excluded.summary,
				updated_at = excluded.updated_at
		`, t.ID, t.Description, string(t.Status), string(t.Backend), t.RequesterID, t.ChatID, t.MessageID,
			t.Summary, toUnixNano(t.CreatedAt), toUnixNano(t.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}

		if !previous.Valid || previous.String != string(t.Status) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_transitions (task_id, status, at) VALUES (?, ?, ?)
			`, t.ID, string(t.Status), toUnixNano(t.UpdatedAt)); err != nil {
				return fmt.Errorf("record transition: %w", err)
			}
		}
		return tx.Commit()
	})
}

// Transitions returns the recorded status history of taskID, oldest first.
func (l *TaskLedger) Transitions(ctx context.Context, taskID string) ([]Transition, error) {
	if l == nil || l.store == nil || l.store.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT task_id, status, at FROM task_transitions WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			tr     Transition
			status string
			at     sql.NullInt64
		)
		if err := rows.Scan(&tr.TaskID, &status, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.Status = task.Status(status)
		tr.At = fromUnixNano(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// StatusCounts returns how many recorded tasks are in each status.
func (l *TaskLedger) StatusCounts(ctx context.Context) (map[task.Status]int, error) {
	if l == nil || l.store == nil || l.store.db == nil {
		return nil, ErrStoreClosed
	}
	rows, err := l.store.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}
