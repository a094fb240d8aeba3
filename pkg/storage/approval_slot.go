package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/odvcencio/agentremote/pkg/approval"
)

// ApprovalSlot persists the approval gate in the single approval_slot row.
// Each transition is one conditional UPDATE, so separate processes sharing
// the database cannot both open or both resolve a gate.
type ApprovalSlot struct {
	store *Store
}

var _ approval.Slot = (*ApprovalSlot)(nil)

// ApprovalSlot returns the slot backed by this store.
func (s *Store) ApprovalSlot() *ApprovalSlot {
	return &ApprovalSlot{store: s}
}

func (a *ApprovalSlot) db() (*sql.DB, error) {
	if a == nil || a.store == nil || a.store.db == nil {
		return nil, ErrStoreClosed
	}
	return a.store.db, nil
}

func (a *ApprovalSlot) Open(ctx context.Context, h approval.Handle) (bool, error) {
	db, err := a.db()
	if err != nil {
		return false, err
	}

	var opened bool
	err = withBusyRetry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE approval_slot
			SET state = 'open', handle_id = ?, task_id = ?, summary = ?, requested_by = ?, opened_at = ?,
			    decision = NULL, decided_by = NULL, decided_at = NULL, consumed = 0
			WHERE id = 1 AND state = 'closed'
		`, h.ID, h.TaskID, h.Summary, h.RequestedBy, toUnixNano(h.OpenedAt))
		if err != nil {
			return fmt.Errorf("open approval slot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			opened = false
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approval_history (handle_id, task_id, summary, requested_by, opened_at)
			VALUES (?, ?, ?, ?, ?)
		`, h.ID, h.TaskID, h.Summary, h.RequestedBy, toUnixNano(h.OpenedAt)); err != nil {
			return fmt.Errorf("record approval history: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		opened = true
		return nil
	})
	return opened, err
}

func (a *ApprovalSlot) Current(ctx context.Context) (*approval.Handle, error) {
	db, err := a.db()
	if err != nil {
		return nil, err
	}

	var (
		h                            approval.Handle
		taskID, summary, requestedBy sql.NullString
		openedAt                     sql.NullInt64
	)
	err = db.QueryRowContext(ctx, `
		SELECT handle_id, task_id, summary, requested_by, opened_at
		FROM approval_slot
		WHERE id = 1 AND state = 'open'
	`).Scan(&h.ID, &taskID, &summary, &requestedBy, &openedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read approval slot: %w", err)
	}
	h.TaskID = taskID.String
	h.Summary = summary.String
	h.RequestedBy = requestedBy.String
	h.OpenedAt = fromUnixNano(openedAt)
	return &h, nil
}

func (a *ApprovalSlot) Resolve(ctx context.Context, res approval.Resolution) (*approval.Handle, bool, error) {
	db, err := a.db()
	if err != nil {
		return nil, false, err
	}

	var closed *approval.Handle
	err = withBusyRetry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var (
			h                            approval.Handle
			taskID, summary, requestedBy sql.NullString
			openedAt                     sql.NullInt64
		)
		err = tx.QueryRowContext(ctx, `
			UPDATE approval_slot
			SET state = 'closed', decision = ?, decided_by = ?, decided_at = ?, consumed = 0
			WHERE id = 1 AND state = 'open' AND (? = '' OR handle_id = ?)
			RETURNING handle_id, task_id, summary, requested_by, opened_at
		`, string(res.Decision), res.DecidedBy, toUnixNano(res.DecidedAt), res.HandleID, res.HandleID).
			Scan(&h.ID, &taskID, &summary, &requestedBy, &openedAt)
		if err == sql.ErrNoRows {
			closed = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve approval slot: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE approval_history
			SET decision = ?, decided_by = ?, decided_at = ?
			WHERE handle_id = ?
		`, string(res.Decision), res.DecidedBy, toUnixNano(res.DecidedAt), h.ID); err != nil {
			return fmt.Errorf("record approval decision: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		h.TaskID = taskID.String
		h.Summary = summary.String
		h.RequestedBy = requestedBy.String
		h.OpenedAt = fromUnixNano(openedAt)
		closed = &h
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return closed, closed != nil, nil
}

func (a *ApprovalSlot) Release(ctx context.Context, handleID string) (bool, error) {
	db, err := a.db()
	if err != nil {
		return false, err
	}

	var released bool
	err = withBusyRetry(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE approval_slot
			SET state = 'closed', handle_id = NULL, task_id = NULL, summary = NULL, requested_by = NULL,
			    opened_at = NULL, decision = NULL, decided_by = NULL, decided_at = NULL, consumed = 0
			WHERE id = 1 AND state = 'open' AND handle_id = ?
		`, handleID)
		if err != nil {
			return fmt.Errorf("release approval slot: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			released = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM approval_history WHERE handle_id = ?`, handleID); err != nil {
			return fmt.Errorf("drop approval history: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

func (a *ApprovalSlot) TakeResolution(ctx context.Context) (*approval.Resolution, error) {
	db, err := a.db()
	if err != nil {
		return nil, err
	}

	var (
		res       approval.Resolution
		taskID    sql.NullString
		decidedBy sql.NullString
		decision  string
		decidedAt sql.NullInt64
	)
	err = withBusyRetry(func() error {
		return db.QueryRowContext(ctx, `
			UPDATE approval_slot
			SET consumed = 1
			WHERE id = 1 AND state = 'closed' AND decision IS NOT NULL AND consumed = 0
			RETURNING handle_id, task_id, decision, decided_by, decided_at
		`).Scan(&res.HandleID, &taskID, &decision, &decidedBy, &decidedAt)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take approval resolution: %w", err)
	}
	res.TaskID = taskID.String
	res.Decision = approval.Decision(decision)
	res.DecidedBy = decidedBy.String
	res.DecidedAt = fromUnixNano(decidedAt)
	return &res, nil
}

func (a *ApprovalSlot) Lookup(ctx context.Context, handleID string) (*approval.Handle, *approval.Resolution, error) {
	db, err := a.db()
	if err != nil {
		return nil, nil, err
	}

	var (
		h                                       approval.Handle
		taskID, summary, requestedBy, decidedBy sql.NullString
		decision                                sql.NullString
		openedAt, decidedAt                     sql.NullInt64
	)
	err = db.QueryRowContext(ctx, `
		SELECT handle_id, task_id, summary, requested_by, opened_at, decision, decided_by, decided_at
		FROM approval_history
		WHERE handle_id = ?
	`, handleID).Scan(&h.ID, &taskID, &summary, &requestedBy, &openedAt, &decision, &decidedBy, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("look up approval: %w", err)
	}
	h.TaskID = taskID.String
	h.Summary = summary.String
	h.RequestedBy = requestedBy.String
	h.OpenedAt = fromUnixNano(openedAt)

	if !decision.Valid || decision.String == "" {
		return &h, nil, nil
	}
	return &h, &approval.Resolution{
		HandleID:  h.ID,
		TaskID:    h.TaskID,
		Decision:  approval.Decision(decision.String),
		DecidedBy: decidedBy.String,
		DecidedAt: fromUnixNano(decidedAt),
	}, nil
}

// ApprovalHistory returns the most recent gates, newest first.
func (s *Store) ApprovalHistory(ctx context.Context, limit int) ([]approval.Resolution, error) {
	if s.db == nil {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT handle_id, task_id, decision, decided_by, decided_at
		FROM approval_history
		WHERE decision IS NOT NULL
		ORDER BY decided_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list approval history: %w", err)
	}
	defer rows.Close()

	var out []approval.Resolution
	for rows.Next() {
		var (
			r                 approval.Resolution
			taskID, decidedBy sql.NullString
			decision          string
			decidedAt         sql.NullInt64
		)
		if err := rows.Scan(&r.HandleID, &taskID, &decision, &decidedBy, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan approval history: %w", err)
		}
		r.TaskID = taskID.String
		r.Decision = approval.Decision(decision)
		r.DecidedBy = decidedBy.String
		r.DecidedAt = fromUnixNano(decidedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
