package session

import (
	"context"
	"errors"

	gotdsession "github.com/gotd/td/session"

	"tgblast/internal/store"
)

// dbSessionStorage adapts the document store to gotd's session.Storage so
// MTProto sessions survive restarts without touching the filesystem.
type dbSessionStorage struct {
	store     SessionStore
	accountID int64
}

func (s *dbSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	data, err := s.store.SessionData(ctx, s.accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, gotdsession.ErrNotFound
	}
	return data, err
}

func (s *dbSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.store.StoreSessionData(ctx, s.accountID, data)
}
