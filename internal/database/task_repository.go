package database

import (
	"database/sql"
	"fmt"
	"time"
)

// TaskRepository handles durable task rows in the task database.
type TaskRepository struct {
	db dbtx
}

// NewTaskRepository creates a new task repository
func NewTaskRepository(db dbtx) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `id, task_type, status, payload, stats, error_message, user_id, user_kind, created_at, started_at, updated_at, finished_at, workflow_id`

func scanTask(row interface{ Scan(...interface{}) error }) (*TaskRecord, error) {
	var t TaskRecord
	err := row.Scan(&t.ID, &t.TaskType, &t.Status, &t.Payload, &t.Stats, &t.Error,
		&t.UserID, &t.UserKind, &t.CreatedAt, &t.StartedAt, &t.UpdatedAt, &t.FinishedAt, &t.WorkflowID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new pending task.
func (r *TaskRepository) Create(t *TaskRecord) error {
	now := time.Now().UnixMilli()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Status = TaskPending

	_, err := r.db.Exec(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, NULL, ?)`,
		t.ID, t.TaskType, t.Status, t.Payload, t.Stats, t.Error, t.UserID, t.UserKind,
		t.CreatedAt, t.UpdatedAt, t.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get returns the task by id, or nil.
func (r *TaskRepository) Get(id string) (*TaskRecord, error) {
	t, err := scanTask(r.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// ClaimNext atomically claims the oldest pending task and flips it to
// running. Returns nil when no work is available. The transaction is
// immediate (write lock up front) so two workers cannot claim the same
// row.
func (r *TaskRepository) ClaimNext() (*TaskRecord, error) {
	var claimed *TaskRecord

	err := r.withTransaction(func(tx *TaskRepository) error {
		var id string
		err := tx.db.QueryRow(`
			SELECT id FROM tasks
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1`).Scan(&id)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return fmt.Errorf("failed to select pending task: %w", err)
		}

		now := time.Now().UnixMilli()
		res, err := tx.db.Exec(`
			UPDATE tasks
			SET status = 'running', started_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`, now, now, id)
		if err != nil {
			return fmt.Errorf("failed to claim task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another worker.
			return nil
		}

		claimed, err = scanTask(tx.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if err != nil {
			return fmt.Errorf("failed to read claimed task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// UpdateStats persists the serialized stats blob and advances updated_at.
func (r *TaskRepository) UpdateStats(id string, stats string) error {
	_, err := r.db.Exec(`
		UPDATE tasks SET stats = ?, updated_at = ? WHERE id = ?`,
		stats, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update task stats: %w", err)
	}
	return nil
}

// Finish transitions a running task to a terminal status. Cancelled rows
// stay cancelled: the guard excludes terminal statuses so a cancel that
// landed mid-flight is never overwritten.
func (r *TaskRepository) Finish(id string, status TaskStatus, stats string, errMsg *string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		UPDATE tasks
		SET status = ?, stats = ?, error_message = ?, updated_at = ?, finished_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		status, stats, errMsg, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish task: %w", err)
	}
	return nil
}

// Cancel flips a pending or running task to cancelled. Returns false when
// the task was already terminal.
func (r *TaskRepository) Cancel(id string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := r.db.Exec(`
		UPDATE tasks
		SET status = 'cancelled', updated_at = ?, finished_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// IsCancelled is the cheap checkpoint read handlers poll between items.
func (r *TaskRepository) IsCancelled(id string) (bool, error) {
	var status TaskStatus
	err := r.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			return true, nil
		}
		return false, fmt.Errorf("failed to read task status: %w", err)
	}
	return status == TaskCancelled, nil
}

// Delete removes a terminal task. Returns false when the task is still
// pending or running.
func (r *TaskRepository) Delete(id string) (bool, error) {
	res, err := r.db.Exec(`
		DELETE FROM tasks
		WHERE id = ? AND status IN ('completed', 'partial', 'failed', 'cancelled')`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete task: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Status   *TaskStatus
	TaskType *string
	UserID   *string
	UserKind *string
	Limit    int
	Offset   int
}

// List returns tasks matching the filter, newest first.
func (r *TaskRepository) List(f TaskFilter) ([]*TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []interface{}

	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.TaskType != nil {
		query += ` AND task_type = ?`
		args = append(args, *f.TaskType)
	}
	if f.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *f.UserID)
	}
	if f.UserKind != nil {
		query += ` AND user_kind = ?`
		args = append(args, *f.UserKind)
	}

	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecoverInterrupted resets pending and running rows back to pending at
// startup. Work is at-least-once; handlers tolerate replays.
func (r *TaskRepository) RecoverInterrupted() (int64, error) {
	res, err := r.db.Exec(`
		UPDATE tasks
		SET status = 'pending', started_at = NULL, updated_at = ?
		WHERE status IN ('pending', 'running')`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	return res.RowsAffected()
}

// withTransaction executes fn inside a transaction. The connection opens
// with _txlock=immediate so the write lock is taken at BEGIN.
func (r *TaskRepository) withTransaction(fn func(*TaskRepository) error) error {
	sqlDB, ok := r.db.(*sql.DB)
	if !ok {
		return fmt.Errorf("task repository not connected to sql.DB")
	}

	tx, err := sqlDB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin task transaction: %w", err)
	}

	txRepo := &TaskRepository{db: tx}
	if err := fn(txRepo); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback task transaction (original error: %w): %v", err, rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task transaction: %w", err)
	}
	return nil
}
