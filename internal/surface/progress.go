package surface

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tgblast/internal/eventbus"
	kit "tgblast/internal/transport"
	logx "tgblast/pkg/logx"
)

// progressEditInterval bounds how often the live progress message is edited.
const progressEditInterval = 3 * time.Second

func (s *Surface) handleEvent(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.TaskProgress:
		if d, ok := e.Data.(eventbus.ProgressData); ok {
			s.progress.onProgress(ctx, d)
		}
	case eventbus.TaskFinished:
		if d, ok := e.Data.(eventbus.FinishedData); ok {
			s.progress.onFinished(ctx, d)
		}
	}
}

// OnComplete delivers the run summary to the chat that started the task,
// falling back to the first owner. This is the engine's completion reporter;
// the controller guarantees it fires at most once per run.
func (s *Surface) OnComplete(ctx context.Context, taskID int64, summary string) error {
	chat, ok := s.progress.chatFor(taskID)
	if !ok {
		if len(s.cfg.OwnerUserIDs) == 0 {
			s.log.Warn("completion report has no destination", logx.Int64("task_id", taskID))
			return nil
		}
		chat = kit.ChatTarget{ChatID: s.cfg.OwnerUserIDs[0]}
	}
	_, err := s.bot.SendText(ctx, chat, fmt.Sprintf("task %d finished\n%s", taskID, summary), nil)
	return err
}

// progressTracker maintains one live progress message per running task.
// Edits are rate-limited so a fast dispatcher cannot spam the bot API;
// dropped edits are fine, the next one carries fresh totals.
type progressTracker struct {
	bot BotAPI
	log logx.Logger

	mu      sync.Mutex
	entries map[int64]*progressEntry
}

type progressEntry struct {
	chat    kit.ChatTarget
	ref     kit.MessageRef
	haveRef bool
	limiter *rate.Limiter
}

func newProgressTracker(bot BotAPI, log logx.Logger) *progressTracker {
	return &progressTracker{
		bot:     bot,
		log:     log,
		entries: make(map[int64]*progressEntry),
	}
}

// track registers the chat that issued /run for this task.
func (p *progressTracker) track(taskID int64, chat kit.ChatTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[taskID] = &progressEntry{
		chat:    chat,
		limiter: rate.NewLimiter(rate.Every(progressEditInterval), 1),
	}
}

func (p *progressTracker) forget(taskID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, taskID)
}

func (p *progressTracker) chatFor(taskID int64) (kit.ChatTarget, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[taskID]
	if !ok {
		return kit.ChatTarget{}, false
	}
	return e.chat, true
}

func (p *progressTracker) onProgress(ctx context.Context, d eventbus.ProgressData) {
	p.mu.Lock()
	e, ok := p.entries[d.TaskID]
	p.mu.Unlock()
	if !ok || !e.limiter.Allow() {
		return
	}
	p.render(ctx, d.TaskID, e, fmt.Sprintf("task %d: %d sent, %d failed of %d", d.TaskID, d.Sent, d.Failed, d.Total))
}

// onFinished pins the final totals onto the progress message, bypassing the
// limiter, then drops the entry. The completion report itself goes through
// OnComplete.
func (p *progressTracker) onFinished(ctx context.Context, d eventbus.FinishedData) {
	p.mu.Lock()
	e, ok := p.entries[d.TaskID]
	p.mu.Unlock()
	if !ok {
		return
	}
	if e.haveRef {
		if err := p.bot.EditText(ctx, e.ref, d.Summary, nil); err != nil {
			p.log.Debug("final progress edit failed", logx.Int64("task_id", d.TaskID), logx.Err(err))
		}
	}
	p.forget(d.TaskID)
}

func (p *progressTracker) render(ctx context.Context, taskID int64, e *progressEntry, text string) {
	if !e.haveRef {
		ref, err := p.bot.SendText(ctx, e.chat, text, nil)
		if err != nil {
			p.log.Debug("progress send failed", logx.Int64("task_id", taskID), logx.Err(err))
			return
		}
		p.mu.Lock()
		e.ref = ref
		e.haveRef = true
		p.mu.Unlock()
		return
	}
	if err := p.bot.EditText(ctx, e.ref, text, nil); err != nil {
		p.log.Debug("progress edit failed", logx.Int64("task_id", taskID), logx.Err(err))
	}
}
