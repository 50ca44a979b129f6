package engine

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"tgblast/internal/session"
)

// OutcomeKind partitions every transport result.
type OutcomeKind int

const (
	// OutcomeSuccess means the message was delivered.
	OutcomeSuccess OutcomeKind = iota
	// OutcomePrivacy means the recipient blocks messages from this
	// account; terminal for the pair, not for the task.
	OutcomePrivacy
	// OutcomeFloodWait carries an explicit server-imposed wait.
	OutcomeFloodWait
	// OutcomePeerFlood is the durationless spam-limit rejection.
	OutcomePeerFlood
	// OutcomeInvalidTarget means the username can never receive messages.
	OutcomeInvalidTarget
	// OutcomeOther is every remaining failure.
	OutcomeOther
)

// Outcome is the classified result of one send attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string        // privacy sub-reason or invalid-target reason
	Wait   time.Duration // flood-wait duration
	// Message is a truncated preview of the raw error for display.
	Message string
	// DeadAccount is set when the error text indicates the sending
	// account itself is gone.
	DeadAccount bool
}

const (
	shortPreview = 64
	longPreview  = 200
)

var privacyHints = []string{
	"privacy",
	"blocked",
	"write forbidden",
	"mutual contact",
}

var deadAccountHints = []string{
	"banned",
	"deleted",
	"deactivated",
	"terminated",
	"frozen",
}

var invalidTargetHints = []string{
	"not found",
	"no user has",
	"username invalid",
}

// Classify maps a transport error to an Outcome. Typed errors from the
// session layer are authoritative; raw text matching is the fallback for
// everything else.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}

	var fw *session.FloodWaitError
	if errors.As(err, &fw) {
		return Outcome{Kind: OutcomeFloodWait, Wait: fw.Duration}
	}
	var pf *session.PeerFloodError
	if errors.As(err, &pf) {
		return Outcome{Kind: OutcomePeerFlood}
	}
	var pe *session.PrivacyError
	if errors.As(err, &pe) {
		return Outcome{Kind: OutcomePrivacy, Reason: pe.Reason}
	}
	var it *session.InvalidTargetError
	if errors.As(err, &it) {
		return Outcome{Kind: OutcomeInvalidTarget, Reason: it.Reason}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	for _, h := range privacyHints {
		if strings.Contains(lower, h) {
			return Outcome{Kind: OutcomePrivacy, Reason: truncate(msg, shortPreview)}
		}
	}
	for _, h := range invalidTargetHints {
		if strings.Contains(lower, h) {
			return Outcome{Kind: OutcomeInvalidTarget, Reason: truncate(msg, shortPreview)}
		}
	}

	out := Outcome{Kind: OutcomeOther, Message: truncate(msg, longPreview)}
	for _, h := range deadAccountHints {
		if strings.Contains(lower, h) {
			out.DeadAccount = true
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the preview stays valid UTF-8.
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
