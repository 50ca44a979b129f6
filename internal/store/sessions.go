package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SessionData returns the raw MTProto session blob for an account, or
// ErrNotFound when no session has been stored yet.
func (s *Store) SessionData(ctx context.Context, accountID int64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM account_sessions WHERE account_id = ?`, accountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

// StoreSessionData upserts the session blob for an account.
func (s *Store) StoreSessionData(ctx context.Context, accountID int64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_sessions(account_id, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		accountID, data, time.Now().Unix())
	return err
}

// DeleteSessionData drops the stored session, forcing a fresh login next
// time the account connects.
func (s *Store) DeleteSessionData(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM account_sessions WHERE account_id = ?`, accountID)
	return err
}
