package store

import (
	"context"
	"time"
)

// AppendMessageLog records one send attempt. The log is append-only.
func (s *Store) AppendMessageLog(ctx context.Context, l *MessageLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_logs(task_id, account_id, target_id, text, success, error, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		l.TaskID, l.AccountID, l.TargetID, l.Text, l.Success, l.Error, toUnix(l.CreatedAt))
	return err
}

// MessageLogCounts returns success/failure attempt counts for a task.
func (s *Store) MessageLogCounts(ctx context.Context, taskID int64) (sent, failed int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(success), 0), COALESCE(SUM(1 - success), 0) FROM message_logs WHERE task_id = ?`,
		taskID).Scan(&sent, &failed)
	return sent, failed, err
}
