package engine

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"tgblast/internal/session"
	"tgblast/internal/store"
)

func TestClassifyTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want OutcomeKind
	}{
		{"nil is success", nil, OutcomeSuccess},
		{"typed flood wait", &session.FloodWaitError{Duration: 30 * time.Second}, OutcomeFloodWait},
		{"typed peer flood", &session.PeerFloodError{}, OutcomePeerFlood},
		{"typed privacy", &session.PrivacyError{Reason: "USER_PRIVACY_RESTRICTED"}, OutcomePrivacy},
		{"typed invalid target", &session.InvalidTargetError{Reason: "USERNAME_NOT_OCCUPIED"}, OutcomeInvalidTarget},
		{"privacy by text", errors.New("rpc: CHAT_WRITE_FORBIDDEN (write forbidden)"), OutcomePrivacy},
		{"mutual contact by text", errors.New("user is not a mutual contact"), OutcomePrivacy},
		{"not found by text", errors.New("no user has this username"), OutcomeInvalidTarget},
		{"generic", errors.New("rpc timeout"), OutcomeOther},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.want {
				t.Fatalf("Classify(%v).Kind = %v, want %v", tt.err, got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyFloodWaitDuration(t *testing.T) {
	t.Parallel()
	out := Classify(&session.FloodWaitError{Duration: 42 * time.Second})
	if out.Wait != 42*time.Second {
		t.Fatalf("Wait = %v, want 42s", out.Wait)
	}
}

func TestClassifyDeadAccountFlag(t *testing.T) {
	t.Parallel()
	out := Classify(errors.New("the account has been terminated"))
	if out.Kind != OutcomeOther || !out.DeadAccount {
		t.Fatalf("expected Other with DeadAccount, got %+v", out)
	}
	out = Classify(errors.New("rpc timeout"))
	if out.DeadAccount {
		t.Fatalf("ordinary error flagged as dead account: %+v", out)
	}
}

func TestClassifyTruncatesPreview(t *testing.T) {
	t.Parallel()
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	out := Classify(errors.New(string(long)))
	if len(out.Message) > longPreview+3 {
		t.Fatalf("preview not truncated: %d chars", len(out.Message))
	}
}

func TestTruncateStaysOnRuneBoundary(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("до свидания ", 30)
	for n := longPreview - 2; n <= longPreview+2; n++ {
		got := truncate(s, n)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(_, %d) produced invalid UTF-8: %q", n, got)
		}
		if !strings.HasSuffix(got, "...") {
			t.Fatalf("truncate(_, %d) missing ellipsis: %q", n, got)
		}
	}
	if got := truncate("short", 64); got != "short" {
		t.Fatalf("short string rewritten: %q", got)
	}
}

func TestResolveModePriority(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		task store.Task
		want ExecutionMode
	}{
		{"default", store.Task{}, ModeNormal},
		{"repeat", store.Task{RepeatSend: true}, ModeRepeat},
		{"force private", store.Task{ForcePrivate: true}, ModeForcePrivate},
		{"force private beats repeat", store.Task{ForcePrivate: true, RepeatSend: true}, ModeForcePrivate},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveMode(&tt.task); got != tt.want {
				t.Fatalf("ResolveMode = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDescribeAccountShortage(t *testing.T) {
	t.Parallel()
	if got := describeAccountShortage(nil); got != "no messaging accounts configured" {
		t.Fatalf("empty breakdown: %q", got)
	}
	got := describeAccountShortage(map[store.AccountStatus]int{
		store.AccountLimited: 2,
		store.AccountBanned:  1,
	})
	want := "no active accounts available (1 banned, 2 limited)"
	if got != want {
		t.Fatalf("breakdown = %q, want %q", got, want)
	}
}

func TestPartitionTargets(t *testing.T) {
	t.Parallel()
	targets := make([]*store.Target, 7)
	for i := range targets {
		targets[i] = &store.Target{ID: int64(i + 1)}
	}
	batches := partitionTargets(targets, 3)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if len(batches[0]) != 3 || len(batches[1]) != 2 || len(batches[2]) != 2 {
		t.Fatalf("batch sizes = %d/%d/%d, want 3/2/2", len(batches[0]), len(batches[1]), len(batches[2]))
	}
	// More batches than targets collapses to one target each.
	batches = partitionTargets(targets[:2], 5)
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2", len(batches))
	}
}

func TestPartitionAccounts(t *testing.T) {
	t.Parallel()
	accounts := make([]*store.Account, 5)
	for i := range accounts {
		accounts[i] = &store.Account{ID: int64(i + 1)}
	}
	batches := partitionAccounts(accounts, 2)
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3", len(batches))
	}
	if len(batches[2]) != 1 {
		t.Fatalf("last batch size = %d, want 1", len(batches[2]))
	}
}

func TestRotatedIDs(t *testing.T) {
	t.Parallel()
	accounts := []*store.Account{{ID: 1}, {ID: 2}, {ID: 3}}
	got := rotatedIDs(accounts, 1)
	want := []int64{2, 3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotatedIDs = %v, want %v", got, want)
		}
	}
}
