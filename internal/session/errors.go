package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/tgerr"
)

var (
	// ErrNeedsRelogin means the stored session is no longer authorized.
	ErrNeedsRelogin = errors.New("session: needs relogin")

	// ErrNoProxy means no active proxy was available and direct
	// connections are disabled.
	ErrNoProxy = errors.New("session: no active proxy")
)

// FloodWaitError reports a server-imposed cooldown.
type FloodWaitError struct {
	Duration time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Duration)
}

// PeerFloodError reports the spam-limit rejection that, unlike a flood
// wait, carries no cooldown and marks the account as limited.
type PeerFloodError struct{}

func (e *PeerFloodError) Error() string { return "peer flood" }

// PrivacyError reports a recipient-side restriction; the target cannot be
// messaged by this account but the account itself is healthy.
type PrivacyError struct {
	Reason string
}

func (e *PrivacyError) Error() string { return "privacy restricted: " + e.Reason }

// InvalidTargetError reports a username that cannot receive messages from
// anyone (unoccupied, malformed, deactivated owner).
type InvalidTargetError struct {
	Reason string
}

func (e *InvalidTargetError) Error() string { return "invalid target: " + e.Reason }

var privacyTypes = []string{
	"USER_PRIVACY_RESTRICTED",
	"PRIVACY_PREMIUM_REQUIRED",
	"USER_IS_BLOCKED",
	"YOU_BLOCKED_USER",
}

var invalidTargetTypes = []string{
	"USERNAME_NOT_OCCUPIED",
	"USERNAME_INVALID",
	"INPUT_USER_DEACTIVATED",
	"USER_ID_INVALID",
	"PEER_ID_INVALID",
}

// USER_DEACTIVATED (without the INPUT_ prefix) reports the acting account
// itself was deleted, so it belongs with the relogin class, not the target
// class.
var unauthorizedTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// wrapRPC maps well-known Telegram RPC errors onto the package's typed
// errors so callers can classify without string matching. Unknown errors
// pass through unchanged.
func wrapRPC(err error) error {
	if err == nil {
		return nil
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return &FloodWaitError{Duration: d}
	}
	if tgerr.Is(err, "PEER_FLOOD") {
		return &PeerFloodError{}
	}
	for _, t := range privacyTypes {
		if tgerr.Is(err, t) {
			return &PrivacyError{Reason: t}
		}
	}
	for _, t := range invalidTargetTypes {
		if tgerr.Is(err, t) {
			return &InvalidTargetError{Reason: t}
		}
	}
	for _, t := range unauthorizedTypes {
		if tgerr.Is(err, t) {
			return fmt.Errorf("%w: %s", ErrNeedsRelogin, t)
		}
	}
	return err
}
