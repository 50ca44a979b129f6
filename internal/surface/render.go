package surface

import (
	"fmt"
	"sort"
	"strings"

	"tgblast/internal/health"
	"tgblast/internal/store"
)

func renderTask(t *store.Task, pending int, running bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s\n", t.ID, t.Name)
	status := string(t.Status)
	if running {
		status += " (live)"
	}
	fmt.Fprintf(&b, "status: %s\n", status)
	fmt.Fprintf(&b, "mode: %s, delivery: %s\n", taskMode(t), t.Delivery)
	fmt.Fprintf(&b, "progress: %d sent, %d failed, %d pending of %d\n",
		t.SentCount, t.FailedCount, pending, t.TotalTargets)
	fmt.Fprintf(&b, "interval: %d-%ds, threads: %d\n", t.IntervalMin, t.IntervalMax, t.ThreadCount)
	if t.ErrorMessage != "" {
		fmt.Fprintf(&b, "error: %s\n", t.ErrorMessage)
	}
	return b.String()
}

func taskMode(t *store.Task) string {
	switch {
	case t.ForcePrivate:
		return "force-private"
	case t.RepeatSend:
		return "repeat"
	default:
		return "normal"
	}
}

func renderAccounts(accounts []*store.Account, breakdown map[store.AccountStatus]int) string {
	if len(accounts) == 0 {
		return "no accounts configured"
	}

	var b strings.Builder
	statuses := make([]string, 0, len(breakdown))
	for st := range breakdown {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	parts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", breakdown[store.AccountStatus(st)], st))
	}
	fmt.Fprintf(&b, "%d accounts (%s)\n", len(accounts), strings.Join(parts, ", "))

	for _, a := range accounts {
		fmt.Fprintf(&b, "#%d %s [%s] %d sent today", a.ID, a.Phone, a.Status, a.SentToday)
		if a.DailyLimit > 0 {
			fmt.Fprintf(&b, "/%d", a.DailyLimit)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func renderSweep(s health.Summary) string {
	return fmt.Sprintf("sweep done: %d accounts\nunlimited: %d\nlimited: %d\nrestricted: %d\nbanned: %d",
		s.Total, s.Unlimited, s.Limited, s.Restricted, s.Banned)
}
