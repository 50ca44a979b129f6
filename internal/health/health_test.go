package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"tgblast/internal/session"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

func TestClassifyReplyTable(t *testing.T) {
	t.Parallel()
	rules := DefaultRules()
	tests := []struct {
		name  string
		reply string
		want  Status
	}{
		{"no limits", "Good news, no limits are currently applied to your account. You're free as a bird!", StatusActive},
		{"geo restriction wins over spam wording", "Unfortunately, some anti-spam actions mean you can send messages to people from your country only.", StatusActive},
		{"temporary limit", "I'm afraid your account is limited until 12 Mar 2026. The limitations will be lifted automatically.", StatusLimited},
		{"spam report", "Several users reported your account and our moderators have confirmed the reports.", StatusLimited},
		{"pending verification", "Your case is under review. Please verify your account.", StatusLimited},
		{"permanent ban", "Your account was blocked for violations of the Terms of Service. This decision is final.", StatusBanned},
		{"frozen", "Your account is frozen.", StatusBanned},
		{"unrecognized text", "Hello! I can help you with reports.", StatusActive},
		{"empty reply", "", StatusBanned},
		{"whitespace reply", "   \n", StatusBanned},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyReply(tt.reply, rules); got != tt.want {
				t.Fatalf("ClassifyReply(%q) = %s, want %s", tt.reply, got, tt.want)
			}
		})
	}
}

type stubSessions struct {
	err   error
	calls int
}

func (s *stubSessions) Use(context.Context, int64, func(context.Context, *session.Session) error) error {
	s.calls++
	return s.err
}

type stubAccounts struct {
	statuses map[int64]store.AccountStatus
}

func (s *stubAccounts) MessagingAccounts(context.Context) ([]*store.Account, error) {
	return nil, nil
}

func (s *stubAccounts) UpdateAccountStatus(_ context.Context, id int64, st store.AccountStatus) error {
	if s.statuses == nil {
		s.statuses = map[int64]store.AccountStatus{}
	}
	s.statuses[id] = st
	return nil
}

func TestCheckProbeFailureMeansBanned(t *testing.T) {
	sess := &stubSessions{err: errors.New("connect: refused")}
	accs := &stubAccounts{}
	o := New(Config{}, sess, accs, logx.Nop())

	if got := o.Check(context.Background(), 1); got != StatusBanned {
		t.Fatalf("Check = %s, want banned", got)
	}
	if accs.statuses[1] != store.AccountBanned {
		t.Fatalf("persisted status = %s, want banned", accs.statuses[1])
	}
}

func TestCheckCancelledProbeIsUnknownAndUncached(t *testing.T) {
	sess := &stubSessions{err: context.Canceled}
	accs := &stubAccounts{}
	o := New(Config{}, sess, accs, logx.Nop())

	if got := o.Check(context.Background(), 1); got != StatusUnknown {
		t.Fatalf("Check = %s, want unknown", got)
	}
	if len(accs.statuses) != 0 {
		t.Fatalf("unknown verdict persisted: %v", accs.statuses)
	}
	// Unknown must not be cached: the next call probes again.
	_ = o.Check(context.Background(), 1)
	if sess.calls != 2 {
		t.Fatalf("probe calls = %d, want 2", sess.calls)
	}
}

func TestCheckCachesWithinTTL(t *testing.T) {
	sess := &stubSessions{err: errors.New("boom")}
	accs := &stubAccounts{}
	o := New(Config{CacheTTL: 5 * time.Minute}, sess, accs, logx.Nop())

	base := time.Now()
	o.now = func() time.Time { return base }

	_ = o.Check(context.Background(), 1)
	_ = o.Check(context.Background(), 1)
	if sess.calls != 1 {
		t.Fatalf("probe calls = %d, want 1 (cache hit)", sess.calls)
	}

	o.now = func() time.Time { return base.Add(6 * time.Minute) }
	_ = o.Check(context.Background(), 1)
	if sess.calls != 2 {
		t.Fatalf("probe calls = %d, want 2 after TTL expiry", sess.calls)
	}
}

func TestInvalidateForcesReprobe(t *testing.T) {
	sess := &stubSessions{err: errors.New("boom")}
	o := New(Config{}, sess, &stubAccounts{}, logx.Nop())

	_ = o.Check(context.Background(), 1)
	o.Invalidate(1)
	_ = o.Check(context.Background(), 1)
	if sess.calls != 2 {
		t.Fatalf("probe calls = %d, want 2 after invalidate", sess.calls)
	}
}
