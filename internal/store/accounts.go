package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const accountCols = `id, phone, api_id, api_hash, session_ref, status, sent_today,
	daily_limit, last_used_at, flood_wait_until, proxy_id, kind, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var (
		a        Account
		lastUsed int64
		floodTil int64
		created  int64
		proxyID  sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.Phone, &a.APIID, &a.APIHash, &a.SessionRef, &a.Status,
		&a.SentToday, &a.DailyLimit, &lastUsed, &floodTil, &proxyID, &a.Kind, &created)
	if err != nil {
		return nil, err
	}
	a.LastUsedAt = fromUnix(lastUsed)
	a.FloodWaitUntil = fromUnix(floodTil)
	a.CreatedAt = fromUnix(created)
	if proxyID.Valid {
		v := proxyID.Int64
		a.ProxyID = &v
	}
	return &a, nil
}

func (s *Store) AccountByID(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// CreateAccount inserts an account created on credential import.
func (s *Store) CreateAccount(ctx context.Context, a *Account) (int64, error) {
	if a.Status == "" {
		a.Status = AccountActive
	}
	if a.Kind == "" {
		a.Kind = KindMessaging
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	var proxyID any
	if a.ProxyID != nil {
		proxyID = *a.ProxyID
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(phone, api_id, api_hash, session_ref, status, sent_today,
		 daily_limit, last_used_at, flood_wait_until, proxy_id, kind, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Phone, a.APIID, a.APIHash, a.SessionRef, a.Status, a.SentToday,
		a.DailyLimit, toUnix(a.LastUsedAt), toUnix(a.FloodWaitUntil), proxyID, a.Kind, toUnix(a.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MessagingAccounts returns all messaging-kind accounts, any status.
func (s *Store) MessagingAccounts(ctx context.Context) ([]*Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts WHERE kind = ? ORDER BY id`, KindMessaging)
}

// ActiveMessagingAccounts returns messaging accounts with status active.
func (s *Store) ActiveMessagingAccounts(ctx context.Context) ([]*Account, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE kind = ? AND status = ? ORDER BY id`,
		KindMessaging, AccountActive)
}

func (s *Store) queryAccounts(ctx context.Context, q string, args ...any) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AccountStatusBreakdown counts messaging accounts per status. Used to build
// the "accounts exist but none active" failure message.
func (s *Store) AccountStatusBreakdown(ctx context.Context) (map[AccountStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM accounts WHERE kind = ? GROUP BY status`, KindMessaging)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[AccountStatus]int{}
	for rows.Next() {
		var st AccountStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// CountActiveMessagingAccounts is the cheap form used by the dispatcher's
// periodic availability recheck.
func (s *Store) CountActiveMessagingAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accounts WHERE kind = ? AND status = ?`,
		KindMessaging, AccountActive).Scan(&n)
	return n, err
}

// UpdateAccountStatus persists a policy/oracle-driven status transition.
func (s *Store) UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET status = ? WHERE id = ?`, status, id)
	return err
}

// RecordAccountSend bumps sent_today and last_used_at after a successful send.
func (s *Store) RecordAccountSend(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET sent_today = sent_today + 1, last_used_at = ? WHERE id = ?`,
		toUnix(at), id)
	return err
}

// ResetDailyCounter zeroes sent_today; called when an account is first
// considered on a new calendar day.
func (s *Store) ResetDailyCounter(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET sent_today = 0 WHERE id = ?`, id)
	return err
}

// ResetStaleDailyCounters zeroes sent_today for every account whose last use
// predates the start of the given day. Returns the number of rows touched.
// The lazy in-path reset remains authoritative; this is nightly hygiene.
func (s *Store) ResetStaleDailyCounters(ctx context.Context, dayStart time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET sent_today = 0 WHERE sent_today > 0 AND last_used_at < ?`,
		toUnix(dayStart))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetAccountFloodWait records when a flood-waited account becomes usable again.
func (s *Store) SetAccountFloodWait(ctx context.Context, id int64, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET flood_wait_until = ? WHERE id = ?`,
		toUnix(until), id)
	return err
}

// SetAccountProxy persists a proxy assignment (nil clears it).
func (s *Store) SetAccountProxy(ctx context.Context, id int64, proxyID *int64) error {
	var v any
	if proxyID != nil {
		v = *proxyID
	}
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET proxy_id = ? WHERE id = ?`, v, id)
	return err
}
