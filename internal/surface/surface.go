package surface

import (
	"context"
	"strconv"
	"strings"
	"time"

	"tgblast/internal/eventbus"
	"tgblast/internal/health"
	rtsup "tgblast/internal/runtime/supervisor"
	"tgblast/internal/store"
	kit "tgblast/internal/transport"
	logx "tgblast/pkg/logx"
)

// BotAPI is the slice of the bot adapter the surface needs. Start/Stop of
// the adapter itself belong to the app wiring.
type BotAPI interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	FetchDocument(ctx context.Context, fileID string) ([]byte, error)
}

// Lifecycle is the task controller slice consumed by operator commands.
type Lifecycle interface {
	Start(ctx context.Context, taskID int64) error
	Stop(ctx context.Context, taskID int64) error
	Delete(ctx context.Context, taskID int64) error
	IsRunning(taskID int64) bool
}

// TaskStore is the persistence slice behind the command handlers.
type TaskStore interface {
	TaskByID(ctx context.Context, id int64) (*store.Task, error)
	CreateTask(ctx context.Context, t *store.Task) (int64, error)
	ListTasks(ctx context.Context, limit int) ([]*store.Task, error)
	AddTargets(ctx context.Context, taskID int64, usernames []string) (int, error)
	CountPendingTargets(ctx context.Context, taskID int64) (int, error)
	MessagingAccounts(ctx context.Context) ([]*store.Account, error)
	AccountStatusBreakdown(ctx context.Context) (map[store.AccountStatus]int, error)
}

// HealthChecker runs the bulk account sweep.
type HealthChecker interface {
	CheckAll(ctx context.Context, cb func(done, total int)) (health.Summary, error)
}

type Config struct {
	OwnerUserIDs []int64
}

// Surface is the owner-only command router plus the notification side:
// per-task progress messages and the completion report sink.
type Surface struct {
	cfg    Config
	bot    BotAPI
	tasks  Lifecycle
	st     TaskStore
	health HealthChecker
	bus    eventbus.Bus
	log    logx.Logger

	progress *progressTracker
	commands []command

	sup *rtsup.Supervisor
}

func New(cfg Config, bot BotAPI, tasks Lifecycle, st TaskStore, hc HealthChecker, bus eventbus.Bus, log logx.Logger) *Surface {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Surface{
		cfg:      cfg,
		bot:      bot,
		tasks:    tasks,
		st:       st,
		health:   hc,
		bus:      bus,
		log:      log.With(logx.String("component", "surface")),
		progress: newProgressTracker(bot, log),
	}
	s.commands = s.commandTable()
	return s
}

// Run consumes bot updates and engine events until ctx is cancelled.
func (s *Surface) Run(ctx context.Context, updates <-chan kit.Update) {
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	s.sup.Go0("surface.updates", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up, ok := <-updates:
				if !ok {
					return
				}
				s.handleUpdate(c, up)
			}
		}
	})

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64)
		s.sup.Go0("surface.events", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-ch:
					if !ok {
						return
					}
					s.handleEvent(c, e)
				}
			}
		})
	}
}

// Wait blocks until the surface loops exit.
func (s *Surface) Wait(ctx context.Context) error {
	if s.sup == nil {
		return nil
	}
	return s.sup.Wait(ctx)
}

func (s *Surface) isOwner(userID int64) bool {
	for _, id := range s.cfg.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Surface) handleUpdate(ctx context.Context, up kit.Update) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("command handler panic", logx.Any("panic", r))
		}
	}()

	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		s.handleMessage(ctx, up.Message)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		// No inline keyboards yet; acknowledge so the client spinner clears.
		_ = s.bot.AnswerCallback(ctx, up.Callback.ID, "")
	}
}

func (s *Surface) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if text == "" && m.Document == nil {
		return
	}
	if !s.isOwner(m.FromID) {
		s.log.Debug("ignoring non-owner message", logx.Int64("from_id", m.FromID))
		return
	}

	name, args := splitCommand(text)
	if name == "" {
		return
	}

	for _, c := range s.commands {
		if c.name == name {
			chat := kit.ChatTarget{ChatID: m.ChatID}
			cctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()
			if err := c.handle(cctx, chat, args, m); err != nil {
				s.reply(cctx, chat, "error: "+err.Error())
			}
			return
		}
	}
	s.reply(ctx, kit.ChatTarget{ChatID: m.ChatID}, "unknown command, try /help")
}

// splitCommand returns the bare command name (without the leading slash or a
// @botname suffix) and the remainder of the first line split into fields.
// Multi-line payloads are the handler's business; it re-reads m.Text.
func splitCommand(text string) (string, []string) {
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	firstLine := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		firstLine = text[:i]
	}
	fields := strings.Fields(firstLine)
	if len(fields) == 0 {
		return "", nil
	}
	name := strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:]
}

func (s *Surface) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := s.bot.SendText(ctx, to, text, nil); err != nil {
		s.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

func parseTaskID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, errUsage("task id required")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, errUsage("bad task id " + args[0])
	}
	return id, nil
}

type usageError string

func (e usageError) Error() string { return string(e) }

func errUsage(msg string) error { return usageError(msg) }
