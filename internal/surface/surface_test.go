package surface

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"tgblast/internal/engine"
	"tgblast/internal/eventbus"
	"tgblast/internal/health"
	"tgblast/internal/store"
	kit "tgblast/internal/transport"
	logx "tgblast/pkg/logx"
)

type sentMsg struct {
	chat kit.ChatTarget
	text string
}

type fakeBot struct {
	mu    sync.Mutex
	sent  []sentMsg
	edits []string
	doc   []byte
	docID string
	msgID int
}

func (f *fakeBot) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{chat: to, text: text})
	f.msgID++
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.msgID}, nil
}

func (f *fakeBot) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeBot) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeBot) FetchDocument(_ context.Context, fileID string) ([]byte, error) {
	if fileID != f.docID {
		return nil, errors.New("unknown file")
	}
	return f.doc, nil
}

func (f *fakeBot) lastSent(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeBot) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeLifecycle struct {
	mu      sync.Mutex
	started []int64
	stopped []int64
	deleted []int64
	live    map[int64]bool
	startE  error
}

func (f *fakeLifecycle) Start(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startE != nil {
		return f.startE
	}
	f.started = append(f.started, id)
	return nil
}

func (f *fakeLifecycle) Stop(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[id] {
		return engine.ErrTaskNotRunning
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeLifecycle) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[id] {
		return engine.ErrTaskRunning
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeLifecycle) IsRunning(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[id]
}

type fakeTaskStore struct {
	mu       sync.Mutex
	tasks    map[int64]*store.Task
	nextID   int64
	targets  map[int64][]string
	accounts []*store.Account
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: map[int64]*store.Task{}, targets: map[int64][]string{}}
}

func (f *fakeTaskStore) TaskByID(_ context.Context, id int64) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) CreateTask(_ context.Context, t *store.Task) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	t.ID = f.nextID
	t.Status = store.TaskPending
	cp := *t
	f.tasks[t.ID] = &cp
	return t.ID, nil
}

func (f *fakeTaskStore) ListTasks(_ context.Context, _ int) ([]*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*store.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeTaskStore) AddTargets(_ context.Context, taskID int64, usernames []string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	for _, u := range f.targets[taskID] {
		seen[u] = true
	}
	added := 0
	for _, u := range usernames {
		u = strings.TrimPrefix(strings.TrimSpace(u), "@")
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		f.targets[taskID] = append(f.targets[taskID], u)
		added++
	}
	return added, nil
}

func (f *fakeTaskStore) CountPendingTargets(_ context.Context, taskID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.targets[taskID]), nil
}

func (f *fakeTaskStore) MessagingAccounts(context.Context) ([]*store.Account, error) {
	return f.accounts, nil
}

func (f *fakeTaskStore) AccountStatusBreakdown(context.Context) (map[store.AccountStatus]int, error) {
	out := map[store.AccountStatus]int{}
	for _, a := range f.accounts {
		out[a.Status]++
	}
	return out, nil
}

type fakeChecker struct {
	summary health.Summary
}

func (f *fakeChecker) CheckAll(_ context.Context, cb func(done, total int)) (health.Summary, error) {
	if cb != nil {
		cb(f.summary.Total, f.summary.Total)
	}
	return f.summary, nil
}

const ownerID = 7

func testSurface(bot *fakeBot, lc *fakeLifecycle, st *fakeTaskStore) *Surface {
	return New(Config{OwnerUserIDs: []int64{ownerID}}, bot, lc, st,
		&fakeChecker{}, eventbus.New(), logx.Nop())
}

func msg(fromID int64, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: fromID, FromID: fromID, Text: text,
	}}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in       string
		name     string
		argCount int
	}{
		{"/run 3", "run", 1},
		{"/run@somebot 3", "run", 1},
		{"/HELP", "help", 0},
		{"/newtask promo\nhello there", "newtask", 1},
		{"not a command", "", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		name, args := splitCommand(tt.in)
		if name != tt.name || len(args) != tt.argCount {
			t.Fatalf("splitCommand(%q) = %q/%d, want %q/%d", tt.in, name, len(args), tt.name, tt.argCount)
		}
	}
}

func TestSplitTargetList(t *testing.T) {
	t.Parallel()
	got := splitTargetList("alice, bob\n@carol;\tdave  ")
	want := []string{"alice", "bob", "@carol", "dave"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestNonOwnerIsIgnored(t *testing.T) {
	bot := &fakeBot{}
	s := testSurface(bot, &fakeLifecycle{}, newFakeTaskStore())
	s.handleUpdate(context.Background(), msg(999, "/tasks"))
	if bot.sentCount() != 0 {
		t.Fatalf("replied to non-owner: %v", bot.sent)
	}
}

func TestUnknownCommand(t *testing.T) {
	bot := &fakeBot{}
	s := testSurface(bot, &fakeLifecycle{}, newFakeTaskStore())
	s.handleUpdate(context.Background(), msg(ownerID, "/bogus"))
	if got := bot.lastSent(t).text; !strings.Contains(got, "unknown command") {
		t.Fatalf("reply = %q", got)
	}
}

func TestNewTaskCreatesAndReplies(t *testing.T) {
	bot := &fakeBot{}
	st := newFakeTaskStore()
	s := testSurface(bot, &fakeLifecycle{}, st)

	s.handleUpdate(context.Background(), msg(ownerID, "/newtask promo blast\nhello there\nsecond line"))

	created, err := st.TaskByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("task not created: %v", err)
	}
	if created.Name != "promo blast" {
		t.Fatalf("name = %q", created.Name)
	}
	if created.Message != "hello there\nsecond line" {
		t.Fatalf("message = %q", created.Message)
	}
	if got := bot.lastSent(t).text; !strings.Contains(got, "task 1 created") {
		t.Fatalf("reply = %q", got)
	}
}

func TestNewTaskRequiresBody(t *testing.T) {
	bot := &fakeBot{}
	st := newFakeTaskStore()
	s := testSurface(bot, &fakeLifecycle{}, st)

	s.handleUpdate(context.Background(), msg(ownerID, "/newtask promo"))
	if got := bot.lastSent(t).text; !strings.Contains(got, "usage:") {
		t.Fatalf("reply = %q", got)
	}
	if _, err := st.TaskByID(context.Background(), 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("task created despite missing body")
	}
}

func TestAddTargetsInline(t *testing.T) {
	bot := &fakeBot{}
	st := newFakeTaskStore()
	st.CreateTask(context.Background(), &store.Task{Name: "x", Message: "m"})
	s := testSurface(bot, &fakeLifecycle{}, st)

	s.handleUpdate(context.Background(), msg(ownerID, "/addtargets 1 alice bob alice"))
	if got := bot.lastSent(t).text; !strings.Contains(got, "added 2 recipients") {
		t.Fatalf("reply = %q", got)
	}
}

func TestAddTargetsFromDocument(t *testing.T) {
	bot := &fakeBot{docID: "f1", doc: []byte("alice\nbob\ncarol\n")}
	st := newFakeTaskStore()
	st.CreateTask(context.Background(), &store.Task{Name: "x", Message: "m"})
	s := testSurface(bot, &fakeLifecycle{}, st)

	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: ownerID, FromID: ownerID, Text: "/addtargets 1",
		Document: &kit.Document{FileID: "f1", FileName: "list.txt"},
	}}
	s.handleUpdate(context.Background(), up)
	if got := bot.lastSent(t).text; !strings.Contains(got, "added 3 recipients") {
		t.Fatalf("reply = %q", got)
	}
}

func TestRunStartsAndTracksChat(t *testing.T) {
	bot := &fakeBot{}
	lc := &fakeLifecycle{}
	st := newFakeTaskStore()
	st.CreateTask(context.Background(), &store.Task{Name: "x", Message: "m"})
	s := testSurface(bot, lc, st)

	s.handleUpdate(context.Background(), msg(ownerID, "/run 1"))
	if len(lc.started) != 1 || lc.started[0] != 1 {
		t.Fatalf("started = %v", lc.started)
	}
	chat, ok := s.progress.chatFor(1)
	if !ok || chat.ChatID != ownerID {
		t.Fatalf("chat not tracked: %v %v", chat, ok)
	}
}

func TestRunAlreadyRunning(t *testing.T) {
	bot := &fakeBot{}
	lc := &fakeLifecycle{startE: engine.ErrTaskRunning}
	s := testSurface(bot, lc, newFakeTaskStore())

	s.handleUpdate(context.Background(), msg(ownerID, "/run 1"))
	if got := bot.lastSent(t).text; !strings.Contains(got, "already running") {
		t.Fatalf("reply = %q", got)
	}
}

func TestDeleteWhileRunningRefused(t *testing.T) {
	bot := &fakeBot{}
	lc := &fakeLifecycle{live: map[int64]bool{1: true}}
	s := testSurface(bot, lc, newFakeTaskStore())

	s.handleUpdate(context.Background(), msg(ownerID, "/delete 1"))
	if got := bot.lastSent(t).text; !strings.Contains(got, "/stop 1 first") {
		t.Fatalf("reply = %q", got)
	}
}

func TestProgressMessageSendThenEdit(t *testing.T) {
	bot := &fakeBot{}
	s := testSurface(bot, &fakeLifecycle{}, newFakeTaskStore())
	s.progress.track(1, kit.ChatTarget{ChatID: ownerID})

	ctx := context.Background()
	s.handleEvent(ctx, eventbus.Event{Type: eventbus.TaskProgress,
		Data: eventbus.ProgressData{TaskID: 1, Sent: 1, Total: 4}})
	if bot.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1 progress message", bot.sentCount())
	}

	// Immediately after, the limiter should swallow the next edit.
	s.handleEvent(ctx, eventbus.Event{Type: eventbus.TaskProgress,
		Data: eventbus.ProgressData{TaskID: 1, Sent: 2, Total: 4}})
	bot.mu.Lock()
	edits := len(bot.edits)
	bot.mu.Unlock()
	if edits != 0 {
		t.Fatalf("edit not rate-limited: %v", bot.edits)
	}

	// The final summary bypasses the limiter.
	s.handleEvent(ctx, eventbus.Event{Type: eventbus.TaskFinished,
		Data: eventbus.FinishedData{TaskID: 1, Summary: "completed: 4 sent"}})
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.edits) != 1 || bot.edits[0] != "completed: 4 sent" {
		t.Fatalf("final edit = %v", bot.edits)
	}
	if _, ok := s.progress.chatFor(1); ok {
		t.Fatal("entry not dropped after finish")
	}
}

func TestOnCompleteFallsBackToOwner(t *testing.T) {
	bot := &fakeBot{}
	s := testSurface(bot, &fakeLifecycle{}, newFakeTaskStore())

	if err := s.OnComplete(context.Background(), 9, "completed: 2 sent"); err != nil {
		t.Fatalf("OnComplete: %v", err)
	}
	got := bot.lastSent(t)
	if got.chat.ChatID != ownerID {
		t.Fatalf("report chat = %d, want owner", got.chat.ChatID)
	}
	if !strings.Contains(got.text, "task 9 finished") {
		t.Fatalf("report = %q", got.text)
	}
}

func TestCheckAllRendersSummary(t *testing.T) {
	bot := &fakeBot{}
	st := newFakeTaskStore()
	s := New(Config{OwnerUserIDs: []int64{ownerID}}, bot, &fakeLifecycle{}, st,
		&fakeChecker{summary: health.Summary{Total: 3, Unlimited: 2, Banned: 1}},
		eventbus.New(), logx.Nop())

	s.handleUpdate(context.Background(), msg(ownerID, "/checkall"))
	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.edits) == 0 {
		t.Fatal("no sweep result edit")
	}
	last := bot.edits[len(bot.edits)-1]
	if !strings.Contains(last, "unlimited: 2") || !strings.Contains(last, "banned: 1") {
		t.Fatalf("sweep render = %q", last)
	}
}

func TestAccountsRender(t *testing.T) {
	bot := &fakeBot{}
	st := newFakeTaskStore()
	st.accounts = []*store.Account{
		{ID: 1, Phone: "+100", Status: store.AccountActive, SentToday: 3, DailyLimit: 40},
		{ID: 2, Phone: "+200", Status: store.AccountBanned},
	}
	s := testSurface(bot, &fakeLifecycle{}, st)

	s.handleUpdate(context.Background(), msg(ownerID, "/accounts"))
	got := bot.lastSent(t).text
	if !strings.Contains(got, "2 accounts (1 active, 1 banned)") {
		t.Fatalf("header = %q", got)
	}
	if !strings.Contains(got, "#1 +100 [active] 3 sent today/40") {
		t.Fatalf("line = %q", got)
	}
}
