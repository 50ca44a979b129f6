package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const targetCols = `id, task_id, username, user_id, is_sent, is_valid,
	last_error, retry_count, failed_accounts, last_account_id, sent_at`

func scanTarget(row interface{ Scan(...any) error }) (*Target, error) {
	var (
		t      Target
		failed string
		sentAt int64
	)
	err := row.Scan(&t.ID, &t.TaskID, &t.Username, &t.UserID, &t.IsSent, &t.IsValid,
		&t.LastError, &t.RetryCount, &failed, &t.LastAccountID, &sentAt)
	if err != nil {
		return nil, err
	}
	t.SentAt = fromUnix(sentAt)
	if failed != "" {
		if err := json.Unmarshal([]byte(failed), &t.FailedAccounts); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// normalizeUsername strips a leading @ and surrounding whitespace.
func normalizeUsername(u string) string {
	return strings.TrimPrefix(strings.TrimSpace(u), "@")
}

// AddTargets inserts usernames for a task, skipping blanks and duplicates,
// and bumps the task's total_targets by the number actually added.
func (s *Store) AddTargets(ctx context.Context, taskID int64, usernames []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	added := 0
	seen := make(map[string]struct{}, len(usernames))
	for _, raw := range usernames {
		u := normalizeUsername(raw)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO targets(task_id, username) VALUES(?, ?)`, taskID, u)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if added > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET total_targets = total_targets + ? WHERE id = ?`, added, taskID); err != nil {
			return 0, err
		}
	}
	return added, tx.Commit()
}

// PendingTargets returns the task's unsent, still-valid targets in insertion
// order.
func (s *Store) PendingTargets(ctx context.Context, taskID int64) ([]*Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+targetCols+` FROM targets WHERE task_id = ? AND is_sent = 0 AND is_valid = 1 ORDER BY id`,
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) TargetByID(ctx context.Context, id int64) (*Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// CountPendingTargets is the cheap form used by repeat-mode round checks.
func (s *Store) CountPendingTargets(ctx context.Context, taskID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM targets WHERE task_id = ? AND is_sent = 0 AND is_valid = 1`, taskID).Scan(&n)
	return n, err
}

// MarkTargetSent records a successful delivery. Sent is terminal: the target
// never re-enters the pending set.
func (s *Store) MarkTargetSent(ctx context.Context, id, accountID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE targets SET is_sent = 1, last_account_id = ?, last_error = '', sent_at = ? WHERE id = ?`,
		accountID, toUnix(at), id)
	return err
}

// MarkTargetFailed appends the account to the target's failed set, bumps the
// retry counter and records the error text.
func (s *Store) MarkTargetFailed(ctx context.Context, id, accountID int64, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var failed string
	err = tx.QueryRowContext(ctx, `SELECT failed_accounts FROM targets WHERE id = ?`, id).Scan(&failed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var ids []int64
	if failed != "" {
		if err := json.Unmarshal([]byte(failed), &ids); err != nil {
			ids = nil
		}
	}
	have := false
	for _, v := range ids {
		if v == accountID {
			have = true
			break
		}
	}
	if !have && accountID != 0 {
		ids = append(ids, accountID)
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE targets SET retry_count = retry_count + 1, last_error = ?, last_account_id = ?, failed_accounts = ? WHERE id = ?`,
		errMsg, accountID, string(b), id); err != nil {
		return err
	}
	return tx.Commit()
}

// InvalidateTarget permanently excludes a target (unknown username, deleted
// account and the like).
func (s *Store) InvalidateTarget(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE targets SET is_valid = 0, last_error = ? WHERE id = ?`, reason, id)
	return err
}
