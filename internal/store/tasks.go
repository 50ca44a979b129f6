package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const taskCols = `id, name, status, message, parse_mode, media_ref, delivery,
	interval_min, interval_max, thread_count, thread_start_interval, daily_limit,
	retry_count, retry_interval, flood_wait, repeat_send, force_private, edit_mode,
	reply_mode, pin_message, delete_dialog, auto_switch_dead_account,
	ignore_bidirectional_limit, batch_pause_count, batch_pause_min, batch_pause_max,
	total_targets, sent_count, failed_count, error_message, started_at, finished_at, created_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var (
		t                          Task
		started, finished, created int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.Status, &t.Message, &t.ParseMode, &t.MediaRef, &t.Delivery,
		&t.IntervalMin, &t.IntervalMax, &t.ThreadCount, &t.ThreadStartInterval, &t.DailyLimit,
		&t.RetryCount, &t.RetryInterval, &t.FloodWait, &t.RepeatSend, &t.ForcePrivate, &t.EditMode,
		&t.ReplyMode, &t.PinMessage, &t.DeleteDialog, &t.AutoSwitchDeadAccount,
		&t.IgnoreBidirectionalLimit, &t.BatchPauseCount, &t.BatchPauseMin, &t.BatchPauseMax,
		&t.TotalTargets, &t.SentCount, &t.FailedCount, &t.ErrorMessage, &started, &finished, &created)
	if err != nil {
		return nil, err
	}
	t.StartedAt = fromUnix(started)
	t.FinishedAt = fromUnix(finished)
	t.CreatedAt = fromUnix(created)
	return &t, nil
}

func (s *Store) TaskByID(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// TaskStatusByID is the cheap read used by the interruptible clock's
// every-5th-tick poll.
func (s *Store) TaskStatusByID(ctx context.Context, id int64) (TaskStatus, error) {
	var st TaskStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return st, err
}

func (s *Store) CreateTask(ctx context.Context, t *Task) (int64, error) {
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Delivery == "" {
		t.Delivery = DeliverDirect
	}
	if t.FloodWait == "" {
		t.FloodWait = FloodSwitchAccount
	}
	if t.ThreadCount <= 0 {
		t.ThreadCount = 1
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(name, status, message, parse_mode, media_ref, delivery,
		 interval_min, interval_max, thread_count, thread_start_interval, daily_limit,
		 retry_count, retry_interval, flood_wait, repeat_send, force_private, edit_mode,
		 reply_mode, pin_message, delete_dialog, auto_switch_dead_account,
		 ignore_bidirectional_limit, batch_pause_count, batch_pause_min, batch_pause_max,
		 total_targets, sent_count, failed_count, error_message, started_at, finished_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Name, t.Status, t.Message, t.ParseMode, t.MediaRef, t.Delivery,
		t.IntervalMin, t.IntervalMax, t.ThreadCount, t.ThreadStartInterval, t.DailyLimit,
		t.RetryCount, t.RetryInterval, t.FloodWait, t.RepeatSend, t.ForcePrivate, t.EditMode,
		t.ReplyMode, t.PinMessage, t.DeleteDialog, t.AutoSwitchDeadAccount,
		t.IgnoreBidirectionalLimit, t.BatchPauseCount, t.BatchPauseMin, t.BatchPauseMax,
		t.TotalTargets, t.SentCount, t.FailedCount, t.ErrorMessage,
		toUnix(t.StartedAt), toUnix(t.FinishedAt), toUnix(t.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	return err
}

// MarkTaskStarted flips a non-running task to running and records the start
// time. Returns false when the task was already running (start is rejected).
func (s *Store) MarkTaskStarted(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?, error_message = '' WHERE id = ? AND status != ?`,
		TaskRunning, toUnix(at), id, TaskRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishTask records the terminal status and finish time of a run.
func (s *Store) FinishTask(ctx context.Context, id int64, status TaskStatus, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		status, errMsg, toUnix(at), id)
	return err
}

// AddTaskCounters applies sent/failed deltas to the live counters.
func (s *Store) AddTaskCounters(ctx context.Context, id int64, sentDelta, failedDelta int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET sent_count = sent_count + ?, failed_count = failed_count + ? WHERE id = ?`,
		sentDelta, failedDelta, id)
	return err
}

// DeleteTask cascades to the task's targets and message logs. Callers must
// refuse deletion of running tasks before getting here.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message_logs WHERE task_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE task_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
