package session

import (
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
)

func TestWrapRPCClassification(t *testing.T) {
	t.Parallel()

	t.Run("flood wait", func(t *testing.T) {
		err := wrapRPC(tgerr.New(420, "FLOOD_WAIT_30"))
		var fw *FloodWaitError
		if !errors.As(err, &fw) {
			t.Fatalf("expected FloodWaitError, got %v", err)
		}
		if fw.Duration != 30*time.Second {
			t.Fatalf("Duration = %v, want 30s", fw.Duration)
		}
	})

	t.Run("peer flood", func(t *testing.T) {
		err := wrapRPC(tgerr.New(400, "PEER_FLOOD"))
		var pf *PeerFloodError
		if !errors.As(err, &pf) {
			t.Fatalf("expected PeerFloodError, got %v", err)
		}
	})

	t.Run("privacy", func(t *testing.T) {
		err := wrapRPC(tgerr.New(403, "USER_PRIVACY_RESTRICTED"))
		var pe *PrivacyError
		if !errors.As(err, &pe) {
			t.Fatalf("expected PrivacyError, got %v", err)
		}
	})

	t.Run("invalid target", func(t *testing.T) {
		err := wrapRPC(tgerr.New(400, "USERNAME_NOT_OCCUPIED"))
		var it *InvalidTargetError
		if !errors.As(err, &it) {
			t.Fatalf("expected InvalidTargetError, got %v", err)
		}
	})

	t.Run("deactivated target", func(t *testing.T) {
		err := wrapRPC(tgerr.New(400, "INPUT_USER_DEACTIVATED"))
		var it *InvalidTargetError
		if !errors.As(err, &it) {
			t.Fatalf("expected InvalidTargetError, got %v", err)
		}
	})

	t.Run("deactivated sender", func(t *testing.T) {
		// The non-INPUT variant means our own account is gone; it must
		// never be blamed on the target.
		err := wrapRPC(tgerr.New(401, "USER_DEACTIVATED"))
		if !errors.Is(err, ErrNeedsRelogin) {
			t.Fatalf("expected ErrNeedsRelogin, got %v", err)
		}
		var it *InvalidTargetError
		if errors.As(err, &it) {
			t.Fatalf("sender deactivation misread as invalid target: %v", err)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		err := wrapRPC(tgerr.New(401, "AUTH_KEY_UNREGISTERED"))
		if !errors.Is(err, ErrNeedsRelogin) {
			t.Fatalf("expected ErrNeedsRelogin, got %v", err)
		}
	})

	t.Run("passthrough", func(t *testing.T) {
		orig := errors.New("boom")
		if got := wrapRPC(orig); got != orig {
			t.Fatalf("unknown error rewritten: %v", got)
		}
	})

	t.Run("nil", func(t *testing.T) {
		if got := wrapRPC(nil); got != nil {
			t.Fatalf("wrapRPC(nil) = %v", got)
		}
	})
}
