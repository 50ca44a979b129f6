package engine

import "tgblast/internal/store"

// ExecutionMode selects which state machine drives a task run. It is
// resolved once at dispatch start; the flag combination on the task is
// never re-inspected afterwards.
type ExecutionMode int

const (
	ModeNormal ExecutionMode = iota
	ModeRepeat
	ModeForcePrivate
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeRepeat:
		return "repeat"
	case ModeForcePrivate:
		return "force_private"
	default:
		return "normal"
	}
}

// ResolveMode maps task flags to a mode. Force-private wins over repeat,
// which wins over the default.
func ResolveMode(t *store.Task) ExecutionMode {
	switch {
	case t.ForcePrivate:
		return ModeForcePrivate
	case t.RepeatSend:
		return ModeRepeat
	default:
		return ModeNormal
	}
}
