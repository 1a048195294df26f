package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const taskColumns = `id, item_id, stage, status, priority, retry_count, max_retries,
	error_message, error_kind, task_data, worker_id, started_at, completed_at,
	next_retry_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var task Task
	var status string
	var errorMessage, errorKind, taskData, workerID sql.NullString
	var startedAt, completedAt, nextRetryAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(&task.ID, &task.ItemID, &task.Stage, &status, &task.Priority,
		&task.RetryCount, &task.MaxRetries, &errorMessage, &errorKind, &taskData,
		&workerID, &startedAt, &completedAt, &nextRetryAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = TaskStatus(status)
	task.ErrorMessage = errorMessage.String
	task.ErrorKind = errorKind.String
	task.TaskData = taskData.String
	task.WorkerID = workerID.String
	if startedAt.Valid {
		v := time.Unix(startedAt.Int64, 0)
		task.StartedAt = &v
	}
	if completedAt.Valid {
		v := time.Unix(completedAt.Int64, 0)
		task.CompletedAt = &v
	}
	if nextRetryAt.Valid {
		v := time.Unix(nextRetryAt.Int64, 0)
		task.NextRetryAt = &v
	}
	task.CreatedAt = time.Unix(createdAt, 0)
	task.UpdatedAt = time.Unix(updatedAt, 0)
	return &task, nil
}

// InsertTask creates a queued task row and returns its id.
func (db *DB) InsertTask(ctx context.Context, task *Task) (int64, error) {
	ts := now().Unix()
	status := task.Status
	if status == "" {
		status = TaskQueued
	}
	res, err := db.writer.ExecContext(ctx, `
		INSERT INTO processing_tasks (item_id, stage, status, priority, retry_count,
			max_retries, task_data, worker_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ItemID, task.Stage, string(status), task.Priority, task.RetryCount,
		task.MaxRetries, nullableString(task.TaskData), nullableString(task.WorkerID), ts, ts,
	)
	if err != nil {
		slog.ErrorContext(ctx, "failed to insert task",
			"item_id", task.ItemID,
			"stage", task.Stage,
			"error", err)
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert task id: %w", err)
	}
	task.ID = id
	task.Status = status
	return id, nil
}

// HasOpenTask reports whether a queued or active task already exists for
// (item, stage). Enforces the single-flight invariant at schedule time.
func (db *DB) HasOpenTask(ctx context.Context, itemID int64, stage string) (bool, error) {
	var count int
	err := db.writer.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processing_tasks WHERE item_id = ? AND stage = ? AND status IN ('queued', 'active')`,
		itemID, stage).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count open tasks: %w", err)
	}
	return count > 0, nil
}

// TaskUpdate carries the optional fields of a task status change.
type TaskUpdate struct {
	ErrorMessage string
	ErrorKind    string
	RetryCount   *int
	NextRetryAt  *time.Time
	WorkerID     string
}

// UpdateTaskStatus mirrors a scheduler status change to the task row.
// Active sets started_at; terminal states set completed_at.
func (db *DB) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus, update TaskUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	nowUnix := now().Unix()
	args := []any{string(status), nowUnix}

	switch status {
	case TaskActive:
		sets = append(sets, "started_at = ?")
		args = append(args, nowUnix)
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		sets = append(sets, "completed_at = ?")
		args = append(args, nowUnix)
	}

	if update.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, update.ErrorMessage)
	}
	if update.ErrorKind != "" {
		sets = append(sets, "error_kind = ?")
		args = append(args, update.ErrorKind)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, update.NextRetryAt.Unix())
	}
	if update.WorkerID != "" {
		sets = append(sets, "worker_id = ?")
		args = append(args, update.WorkerID)
	}

	args = append(args, id)
	_, err := db.writer.ExecContext(ctx,
		`UPDATE processing_tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update task %d status: %w", id, err)
	}
	return nil
}

// ListTasksByStatuses returns tasks in any of the given states.
func (db *DB) ListTasksByStatuses(ctx context.Context, statuses []TaskStatus) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, s := range statuses {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	rows, err := db.reader.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM processing_tasks WHERE status IN (`+
			strings.Join(placeholders, ", ")+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetTask returns one task row by id.
func (db *DB) GetTask(ctx context.Context, id int64) (*Task, error) {
	task, err := scanTask(db.writer.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM processing_tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("query task %d: %w", id, err)
	}
	return task, nil
}

// CancelTasks marks the given task rows cancelled with a shared reason.
func (db *DB) CancelTasks(ctx context.Context, ids []int64, reason string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(ids))
	nowUnix := now().Unix()
	args := []any{nullableString(reason), nowUnix, nowUnix}
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	res, err := db.writer.ExecContext(ctx,
		`UPDATE processing_tasks SET status = 'cancelled', error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id IN (`+strings.Join(placeholders, ", ")+`) AND status IN ('queued', 'active')`, args...)
	if err != nil {
		return 0, fmt.Errorf("cancel tasks: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminalTasksBefore removes completed and cancelled rows older than
// the cutoff. Returns the number of rows deleted.
func (db *DB) DeleteTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.writer.ExecContext(ctx,
		`DELETE FROM processing_tasks WHERE status IN ('completed', 'cancelled') AND updated_at < ?`,
		cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExhaustedFailedTasksBefore removes failed rows older than the cutoff
// whose retry budget is spent.
func (db *DB) DeleteExhaustedFailedTasksBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.writer.ExecContext(ctx,
		`DELETE FROM processing_tasks WHERE status = 'failed' AND updated_at < ? AND retry_count >= max_retries`,
		cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete failed tasks: %w", err)
	}
	return res.RowsAffected()
}
