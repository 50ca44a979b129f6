package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"tgblast/internal/session"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// Sessions produces live account sessions for probing.
type Sessions interface {
	Use(ctx context.Context, accountID int64, fn func(ctx context.Context, s *session.Session) error) error
}

// AccountStore is the persistence surface the oracle writes verdicts to.
type AccountStore interface {
	MessagingAccounts(ctx context.Context) ([]*store.Account, error)
	UpdateAccountStatus(ctx context.Context, id int64, status store.AccountStatus) error
}

// Config tunes the probe.
type Config struct {
	// StatusBot is the username of the status-reporting bot.
	StatusBot string
	// CacheTTL is how long a verdict stays valid per account.
	CacheTTL time.Duration
	// ReplyDelay is how long to wait for the bot's reply after /start.
	ReplyDelay time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StatusBot == "" {
		out.StatusBot = "SpamBot"
	}
	if out.CacheTTL <= 0 {
		out.CacheTTL = 5 * time.Minute
	}
	if out.ReplyDelay <= 0 {
		out.ReplyDelay = 3 * time.Second
	}
	return out
}

type cacheEntry struct {
	status Status
	at     time.Time
}

// Oracle determines an account's real standing by conversing with the
// status bot. Verdicts are cached per account under one mutex; non-unknown
// verdicts are persisted so pool queries see them immediately.
type Oracle struct {
	cfg      Config
	sessions Sessions
	accounts AccountStore
	rules    []Rule
	log      logx.Logger

	mu    sync.Mutex
	cache map[int64]cacheEntry
	now   func() time.Time
}

func New(cfg Config, sessions Sessions, accounts AccountStore, log logx.Logger) *Oracle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Oracle{
		cfg:      cfg.withDefaults(),
		sessions: sessions,
		accounts: accounts,
		rules:    DefaultRules(),
		log:      log.With(logx.String("component", "health")),
		cache:    make(map[int64]cacheEntry),
		now:      time.Now,
	}
}

// Check returns the account's health verdict, probing the status bot on a
// cache miss. A cancelled probe yields unknown rather than a stale guess.
func (o *Oracle) Check(ctx context.Context, accountID int64) Status {
	if st, ok := o.cached(accountID); ok {
		return st
	}

	st := o.probe(ctx, accountID)
	if st != StatusUnknown {
		o.store(accountID, st)
		o.persist(ctx, accountID, st)
	}
	return st
}

func (o *Oracle) cached(accountID int64) (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.cache[accountID]
	if !ok || o.now().Sub(e.at) > o.cfg.CacheTTL {
		return "", false
	}
	return e.status, true
}

func (o *Oracle) store(accountID int64, st Status) {
	o.mu.Lock()
	o.cache[accountID] = cacheEntry{status: st, at: o.now()}
	o.mu.Unlock()
}

// Invalidate drops the cached verdict, forcing a fresh probe next time.
func (o *Oracle) Invalidate(accountID int64) {
	o.mu.Lock()
	delete(o.cache, accountID)
	o.mu.Unlock()
}

func (o *Oracle) probe(ctx context.Context, accountID int64) Status {
	var reply string
	err := o.sessions.Use(ctx, accountID, func(ctx context.Context, s *session.Session) error {
		peer, err := s.ResolveUser(ctx, o.cfg.StatusBot)
		if err != nil {
			return err
		}
		if _, err := s.SendText(ctx, peer, "/start", 0); err != nil {
			return err
		}
		select {
		case <-time.After(o.cfg.ReplyDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		msgs, err := s.RecentMessages(ctx, peer, 5)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if !m.Out {
				reply = m.Message
				break
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return StatusUnknown
		}
		// The probe itself failing is the strongest signal available: a
		// healthy account can always talk to the status bot.
		o.log.Warn("status probe failed", logx.Int64("account_id", accountID), logx.Err(err))
		return StatusBanned
	}
	return ClassifyReply(reply, o.rules)
}

func (o *Oracle) persist(ctx context.Context, accountID int64, st Status) {
	var target store.AccountStatus
	switch st {
	case StatusActive:
		target = store.AccountActive
	case StatusLimited:
		target = store.AccountLimited
	case StatusBanned:
		target = store.AccountBanned
	default:
		return
	}
	if err := o.accounts.UpdateAccountStatus(ctx, accountID, target); err != nil {
		o.log.Error("persist health verdict",
			logx.Int64("account_id", accountID), logx.String("status", string(st)), logx.Err(err))
	}
}
