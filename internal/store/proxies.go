package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const proxyCols = `id, type, host, port, username, password, active,
	success_count, fail_count, last_used_at`

func scanProxy(row interface{ Scan(...any) error }) (*Proxy, error) {
	var (
		p        Proxy
		lastUsed int64
	)
	err := row.Scan(&p.ID, &p.Type, &p.Host, &p.Port, &p.Username, &p.Password,
		&p.Active, &p.SuccessCount, &p.FailCount, &lastUsed)
	if err != nil {
		return nil, err
	}
	p.LastUsedAt = fromUnix(lastUsed)
	return &p, nil
}

func (s *Store) ProxyByID(ctx context.Context, id int64) (*Proxy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proxyCols+` FROM proxies WHERE id = ?`, id)
	p, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Store) CreateProxy(ctx context.Context, p *Proxy) (int64, error) {
	if p.Type == "" {
		p.Type = "socks5"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO proxies(type, host, port, username, password, active,
		 success_count, fail_count, last_used_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		p.Type, p.Host, p.Port, p.Username, p.Password, p.Active,
		p.SuccessCount, p.FailCount, toUnix(p.LastUsedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// NextActiveProxy picks the least recently used active proxy; rotation
// naturally spreads accounts across the pool.
func (s *Store) NextActiveProxy(ctx context.Context) (*Proxy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proxyCols+` FROM proxies WHERE active = 1 ORDER BY last_used_at, id LIMIT 1`)
	p, err := scanProxy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Store) RecordProxySuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE proxies SET success_count = success_count + 1, last_used_at = ? WHERE id = ?`,
		toUnix(at), id)
	return err
}

// RecordProxyFailure bumps the cumulative failure counter and returns the
// new value so the caller can decide on eviction.
func (s *Store) RecordProxyFailure(ctx context.Context, id int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE proxies SET fail_count = fail_count + 1 WHERE id = ?`, id); err != nil {
		return 0, err
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT fail_count FROM proxies WHERE id = ?`, id).Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return n, tx.Commit()
}

// DeleteProxy removes a proxy and clears it from every account that was
// assigned to it.
func (s *Store) DeleteProxy(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET proxy_id = NULL WHERE proxy_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM proxies WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
