package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
	"golang.org/x/net/proxy"

	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// AccountStore is the account surface the provider needs.
type AccountStore interface {
	AccountByID(ctx context.Context, id int64) (*store.Account, error)
	UpdateAccountStatus(ctx context.Context, id int64, status store.AccountStatus) error
	SetAccountProxy(ctx context.Context, id int64, proxyID *int64) error
}

// ProxyStore is the proxy-pool surface the provider needs.
type ProxyStore interface {
	ProxyByID(ctx context.Context, id int64) (*store.Proxy, error)
	NextActiveProxy(ctx context.Context) (*store.Proxy, error)
	RecordProxySuccess(ctx context.Context, id int64, at time.Time) error
	RecordProxyFailure(ctx context.Context, id int64) (int, error)
	DeleteProxy(ctx context.Context, id int64) error
}

// SessionStore persists MTProto session blobs.
type SessionStore interface {
	SessionData(ctx context.Context, accountID int64) ([]byte, error)
	StoreSessionData(ctx context.Context, accountID int64, data []byte) error
}

// Store is the full persistence surface behind the provider.
type Store interface {
	AccountStore
	ProxyStore
	SessionStore
}

// Config tunes connection behavior.
type Config struct {
	// ConnectTimeout bounds the dial-and-handshake phase; it does not
	// limit the work done once connected.
	ConnectTimeout time.Duration
	// IdleTimeout is how long a cached session may sit unused before it
	// is disconnected.
	IdleTimeout time.Duration
	// ProxyFailLimit is the cumulative failure count at which a proxy is
	// evicted from the pool.
	ProxyFailLimit int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 30 * time.Second
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 3 * time.Minute
	}
	if out.ProxyFailLimit <= 0 {
		out.ProxyFailLimit = 3
	}
	return out
}

// Provider hands out live MTProto sessions for messaging accounts. One
// connected client is kept per account and shared by every caller until it
// disconnects or sits idle past IdleTimeout.
type Provider struct {
	cfg   Config
	store Store
	log   logx.Logger

	mu    sync.Mutex
	slots map[int64]*accountSlot

	// dial builds one connected session; tests substitute it.
	dial func(ctx context.Context, acc *store.Account, px *store.Proxy) (*liveSession, error)
}

// accountSlot caches the account's live session. Its mutex serializes
// connect and teardown, so a second caller arriving mid-connect waits and
// then shares the first caller's session.
type accountSlot struct {
	mu   sync.Mutex
	live *liveSession
}

// liveSession is one background-running client. done closes when the run
// loop exits, for any reason; after that the handle is dead and the next
// acquire reconnects.
type liveSession struct {
	sess   *Session
	cancel context.CancelFunc
	done   chan struct{}
	runErr error // valid once done is closed

	mu   sync.Mutex
	refs int
	idle *time.Timer
}

func (ls *liveSession) alive() bool {
	select {
	case <-ls.done:
		return false
	default:
		return true
	}
}

func (ls *liveSession) retain() {
	ls.mu.Lock()
	ls.refs++
	if ls.idle != nil {
		ls.idle.Stop()
		ls.idle = nil
	}
	ls.mu.Unlock()
}

func NewProvider(cfg Config, st Store, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Provider{
		cfg:   cfg.withDefaults(),
		store: st,
		log:   log.With(logx.String("component", "session")),
		slots: make(map[int64]*accountSlot),
	}
	p.dial = p.start
	return p
}

func (p *Provider) slot(accountID int64) *accountSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[accountID]
	if !ok {
		s = &accountSlot{}
		p.slots[accountID] = s
	}
	return s
}

// Use runs fn against a live session for the account, reusing the cached
// connected session when one exists. Connection goes through the account's
// assigned proxy, falling back to the pool and then to a direct
// connection; a proxy accumulating ProxyFailLimit failures is evicted.
func (p *Provider) Use(ctx context.Context, accountID int64, fn func(ctx context.Context, s *Session) error) error {
	ls, err := p.acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer p.release(accountID, ls)

	// fn must not outlive the client: cut its context when the run loop
	// exits underneath it.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ls.done:
			cancel()
		case <-callCtx.Done():
		}
	}()
	return fn(callCtx, ls.sess)
}

func (p *Provider) acquire(ctx context.Context, accountID int64) (*liveSession, error) {
	slot := p.slot(accountID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if ls := slot.live; ls != nil && ls.alive() {
		ls.retain()
		return ls, nil
	}
	slot.live = nil

	acc, err := p.store.AccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	px, err := p.pickProxy(ctx, acc)
	if err != nil {
		return nil, err
	}

	ls, err := p.dial(ctx, acc, px)
	if px != nil {
		if err != nil && isConnectError(err) {
			p.noteProxyFailure(ctx, px)
			// One retry without the proxy; the account keeps working
			// while the pool recovers.
			p.log.Warn("proxy connect failed, retrying direct",
				logx.Int64("account_id", acc.ID), logx.Int64("proxy_id", px.ID), logx.Err(err))
			ls, err = p.dial(ctx, acc, nil)
		} else if err == nil {
			_ = p.store.RecordProxySuccess(ctx, px.ID, time.Now())
		}
	}
	if err != nil {
		return nil, err
	}
	ls.retain()
	slot.live = ls
	return ls, nil
}

func (p *Provider) release(accountID int64, ls *liveSession) {
	ls.mu.Lock()
	ls.refs--
	if ls.refs == 0 && ls.alive() {
		ls.idle = time.AfterFunc(p.cfg.IdleTimeout, func() { p.drop(accountID, ls) })
	}
	ls.mu.Unlock()
}

// drop disconnects a session that stayed idle for the full timeout. A
// caller that re-acquired between the timer firing and now wins.
func (p *Provider) drop(accountID int64, ls *liveSession) {
	slot := p.slot(accountID)
	slot.mu.Lock()
	ls.mu.Lock()
	if ls.refs > 0 {
		ls.mu.Unlock()
		slot.mu.Unlock()
		return
	}
	if slot.live == ls {
		slot.live = nil
	}
	ls.mu.Unlock()
	slot.mu.Unlock()

	ls.cancel()
	p.log.Debug("idle session closed", logx.Int64("account_id", accountID))
}

// pickProxy returns the proxy to dial through, or nil for direct. A stale
// assignment (deleted or deactivated proxy) is cleared and replaced from
// the pool.
func (p *Provider) pickProxy(ctx context.Context, acc *store.Account) (*store.Proxy, error) {
	if acc.ProxyID != nil {
		px, err := p.store.ProxyByID(ctx, *acc.ProxyID)
		if err == nil && px.Active {
			return px, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		_ = p.store.SetAccountProxy(ctx, acc.ID, nil)
	}

	px, err := p.store.NextActiveProxy(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil // direct
	}
	if err != nil {
		return nil, err
	}
	_ = p.store.SetAccountProxy(ctx, acc.ID, &px.ID)
	return px, nil
}

func (p *Provider) noteProxyFailure(ctx context.Context, px *store.Proxy) {
	n, err := p.store.RecordProxyFailure(ctx, px.ID)
	if err != nil {
		p.log.Warn("record proxy failure", logx.Int64("proxy_id", px.ID), logx.Err(err))
		return
	}
	if n >= p.cfg.ProxyFailLimit {
		p.log.Warn("evicting proxy from pool",
			logx.Int64("proxy_id", px.ID), logx.Int("fail_count", n))
		if err := p.store.DeleteProxy(ctx, px.ID); err != nil {
			p.log.Error("evict proxy", logx.Int64("proxy_id", px.ID), logx.Err(err))
		}
	}
}

// connectError marks failures of the dial/handshake phase so proxy
// accounting only counts network trouble, not RPC-level rejections.
type connectError struct{ err error }

func (e *connectError) Error() string { return "connect: " + e.err.Error() }
func (e *connectError) Unwrap() error { return e.err }

func isConnectError(err error) bool {
	var ce *connectError
	return errors.As(err, &ce)
}

// start builds the account's client and runs it on a background goroutine,
// returning once the connect-and-auth phase finished or timed out. The
// session then stays live until drop cancels it or the transport fails.
func (p *Provider) start(ctx context.Context, acc *store.Account, px *store.Proxy) (*liveSession, error) {
	opts := telegram.Options{
		SessionStorage: &dbSessionStorage{store: p.store, accountID: acc.ID},
	}
	if px != nil {
		resolver, err := socks5Resolver(px)
		if err != nil {
			return nil, &connectError{err: err}
		}
		opts.Resolver = resolver
	}
	client := telegram.NewClient(acc.APIID, acc.APIHash, opts)

	runCtx, cancel := context.WithCancel(context.Background())
	ls := &liveSession{cancel: cancel, done: make(chan struct{})}
	connected := make(chan struct{})
	ready := make(chan struct{})

	go func() {
		defer close(ls.done)
		ls.runErr = client.Run(runCtx, func(cctx context.Context) error {
			close(connected)
			status, err := client.Auth().Status(cctx)
			if err != nil {
				return wrapRPC(err)
			}
			if !status.Authorized {
				return ErrNeedsRelogin
			}
			ls.sess = newSession(client, acc, p.log)
			close(ready)
			<-cctx.Done()
			return cctx.Err()
		})
	}()

	timeout := time.NewTimer(p.cfg.ConnectTimeout)
	defer timeout.Stop()

	select {
	case <-ready:
		return ls, nil
	case <-ls.done:
		err := ls.runErr
		if err == nil {
			err = errors.New("session: client stopped before handshake")
		}
		if errors.Is(err, ErrNeedsRelogin) {
			_ = p.store.UpdateAccountStatus(ctx, acc.ID, store.AccountInactive)
			p.log.Warn("session unauthorized, account deactivated", logx.Int64("account_id", acc.ID))
			return nil, ErrNeedsRelogin
		}
		select {
		case <-connected:
			return nil, err
		default:
			return nil, &connectError{err: err}
		}
	case <-timeout.C:
		cancel()
		<-ls.done
		return nil, &connectError{err: fmt.Errorf("no handshake within %s", p.cfg.ConnectTimeout)}
	case <-ctx.Done():
		cancel()
		<-ls.done
		return nil, ctx.Err()
	}
}

func socks5Resolver(px *store.Proxy) (dcs.Resolver, error) {
	addr := net.JoinHostPort(px.Host, strconv.Itoa(px.Port))
	var auth *proxy.Auth
	if px.Username != "" || px.Password != "" {
		auth = &proxy.Auth{User: px.Username, Password: px.Password}
	}
	d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy dialer missing context support")
	}
	return dcs.Plain(dcs.PlainOptions{Dial: cd.DialContext}), nil
}
