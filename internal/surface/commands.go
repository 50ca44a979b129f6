package surface

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tgblast/internal/engine"
	"tgblast/internal/store"
	kit "tgblast/internal/transport"
	logx "tgblast/pkg/logx"
)

type command struct {
	name        string
	description string
	usage       string
	handle      func(ctx context.Context, chat kit.ChatTarget, args []string, m *kit.Message) error
}

func (s *Surface) commandTable() []command {
	return []command{
		{"start", "show available commands", "/start", s.cmdHelp},
		{"help", "show available commands", "/help", s.cmdHelp},
		{"newtask", "create a task", "/newtask <name>\\n<message text>", s.cmdNewTask},
		{"tasks", "list recent tasks", "/tasks", s.cmdTasks},
		{"task", "show one task", "/task <id>", s.cmdTask},
		{"addtargets", "add recipients (inline or .txt upload)", "/addtargets <id> [user1 user2 ...]", s.cmdAddTargets},
		{"run", "start a task", "/run <id>", s.cmdRun},
		{"stop", "stop a running task", "/stop <id>", s.cmdStop},
		{"delete", "delete a finished task", "/delete <id>", s.cmdDelete},
		{"accounts", "list account pool", "/accounts", s.cmdAccounts},
		{"checkall", "sweep account health", "/checkall", s.cmdCheckAll},
	}
}

// MenuCommands exposes the command table for the bot's /menu registration.
func (s *Surface) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(s.commands))
	seen := map[string]bool{}
	for _, c := range s.commands {
		if seen[c.name] {
			continue
		}
		seen[c.name] = true
		out = append(out, kit.BotCommand{Command: c.name, Description: c.description})
	}
	return out
}

func (s *Surface) cmdHelp(ctx context.Context, chat kit.ChatTarget, _ []string, _ *kit.Message) error {
	var b strings.Builder
	b.WriteString("commands:\n")
	seen := map[string]bool{}
	for _, c := range s.commands {
		if seen[c.usage] {
			continue
		}
		seen[c.usage] = true
		fmt.Fprintf(&b, "%s — %s\n", c.usage, c.description)
	}
	s.reply(ctx, chat, b.String())
	return nil
}

// cmdNewTask creates a task with defaults; the first line after the command
// is the name, everything after the first newline is the message body.
func (s *Surface) cmdNewTask(ctx context.Context, chat kit.ChatTarget, args []string, m *kit.Message) error {
	nl := strings.IndexByte(m.Text, '\n')
	if len(args) == 0 || nl < 0 || strings.TrimSpace(m.Text[nl:]) == "" {
		return errUsage("usage: /newtask <name> then the message text on the following lines")
	}
	t := &store.Task{
		Name:    strings.Join(args, " "),
		Message: strings.TrimSpace(m.Text[nl:]),
	}
	id, err := s.st.CreateTask(ctx, t)
	if err != nil {
		return err
	}
	s.log.Info("task created", logx.Int64("task_id", id), logx.String("name", t.Name))
	s.reply(ctx, chat, fmt.Sprintf("task %d created. add recipients with /addtargets %d, then /run %d", id, id, id))
	return nil
}

func (s *Surface) cmdTasks(ctx context.Context, chat kit.ChatTarget, _ []string, _ *kit.Message) error {
	tasks, err := s.st.ListTasks(ctx, 20)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		s.reply(ctx, chat, "no tasks yet, create one with /newtask")
		return nil
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "#%d %s [%s] %d/%d sent, %d failed\n",
			t.ID, t.Name, t.Status, t.SentCount, t.TotalTargets, t.FailedCount)
	}
	s.reply(ctx, chat, b.String())
	return nil
}

func (s *Surface) cmdTask(ctx context.Context, chat kit.ChatTarget, args []string, _ *kit.Message) error {
	id, err := parseTaskID(args)
	if err != nil {
		return err
	}
	t, err := s.st.TaskByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errUsage(fmt.Sprintf("task %d not found", id))
		}
		return err
	}
	pending, err := s.st.CountPendingTargets(ctx, id)
	if err != nil {
		return err
	}
	s.reply(ctx, chat, renderTask(t, pending, s.tasks.IsRunning(id)))
	return nil
}

func (s *Surface) cmdAddTargets(ctx context.Context, chat kit.ChatTarget, args []string, m *kit.Message) error {
	id, err := parseTaskID(args)
	if err != nil {
		return err
	}
	if _, err := s.st.TaskByID(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errUsage(fmt.Sprintf("task %d not found", id))
		}
		return err
	}

	var usernames []string
	switch {
	case m.Document != nil:
		data, err := s.bot.FetchDocument(ctx, m.Document.FileID)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", m.Document.FileName, err)
		}
		usernames = splitTargetList(string(data))
	case len(args) > 1:
		usernames = args[1:]
	default:
		// Multi-line payload after the command line.
		if nl := strings.IndexByte(m.Text, '\n'); nl >= 0 {
			usernames = splitTargetList(m.Text[nl:])
		}
	}
	if len(usernames) == 0 {
		return errUsage("no recipients given: pass usernames inline, on following lines, or attach a .txt file")
	}

	added, err := s.st.AddTargets(ctx, id, usernames)
	if err != nil {
		return err
	}
	s.log.Info("targets added", logx.Int64("task_id", id), logx.Int("added", added), logx.Int("given", len(usernames)))
	s.reply(ctx, chat, fmt.Sprintf("added %d recipients (%d duplicates/blank skipped)", added, len(usernames)-added))
	return nil
}

// splitTargetList accepts one username per line or whitespace/comma separated.
func splitTargetList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ' ' || r == '\t' || r == ',' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (s *Surface) cmdRun(ctx context.Context, chat kit.ChatTarget, args []string, _ *kit.Message) error {
	id, err := parseTaskID(args)
	if err != nil {
		return err
	}
	if err := s.tasks.Start(ctx, id); err != nil {
		switch {
		case errors.Is(err, engine.ErrTaskRunning):
			return errUsage(fmt.Sprintf("task %d is already running", id))
		case errors.Is(err, store.ErrNotFound):
			return errUsage(fmt.Sprintf("task %d not found", id))
		}
		return err
	}
	// Remember where to push progress and the completion report.
	s.progress.track(id, chat)
	s.reply(ctx, chat, fmt.Sprintf("task %d started", id))
	return nil
}

func (s *Surface) cmdStop(ctx context.Context, chat kit.ChatTarget, args []string, _ *kit.Message) error {
	id, err := parseTaskID(args)
	if err != nil {
		return err
	}
	if err := s.tasks.Stop(ctx, id); err != nil {
		if errors.Is(err, engine.ErrTaskNotRunning) {
			return errUsage(fmt.Sprintf("task %d is not running", id))
		}
		return err
	}
	s.reply(ctx, chat, fmt.Sprintf("task %d stopped", id))
	return nil
}

func (s *Surface) cmdDelete(ctx context.Context, chat kit.ChatTarget, args []string, _ *kit.Message) error {
	id, err := parseTaskID(args)
	if err != nil {
		return err
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		switch {
		case errors.Is(err, engine.ErrTaskRunning):
			return errUsage(fmt.Sprintf("task %d is running, /stop %d first", id, id))
		case errors.Is(err, store.ErrNotFound):
			return errUsage(fmt.Sprintf("task %d not found", id))
		}
		return err
	}
	s.progress.forget(id)
	s.reply(ctx, chat, fmt.Sprintf("task %d deleted", id))
	return nil
}

func (s *Surface) cmdAccounts(ctx context.Context, chat kit.ChatTarget, _ []string, _ *kit.Message) error {
	accounts, err := s.st.MessagingAccounts(ctx)
	if err != nil {
		return err
	}
	breakdown, err := s.st.AccountStatusBreakdown(ctx)
	if err != nil {
		return err
	}
	s.reply(ctx, chat, renderAccounts(accounts, breakdown))
	return nil
}

// cmdCheckAll sweeps the whole pool, editing a single status message as the
// sweep progresses.
func (s *Surface) cmdCheckAll(ctx context.Context, chat kit.ChatTarget, _ []string, _ *kit.Message) error {
	if s.health == nil {
		return errUsage("health checks are not configured")
	}
	ref, err := s.bot.SendText(ctx, chat, "checking accounts...", nil)
	if err != nil {
		return err
	}
	summary, err := s.health.CheckAll(ctx, func(done, total int) {
		_ = s.bot.EditText(ctx, ref, fmt.Sprintf("checking accounts... %d/%d", done, total), nil)
	})
	if err != nil {
		return err
	}
	return s.bot.EditText(ctx, ref, renderSweep(summary), nil)
}
