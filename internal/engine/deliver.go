package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"tgblast/internal/session"
	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// openerText is the innocuous first message used by edit-mode delivery;
// the real content arrives as an edit.
const openerText = "hi"

// TransportSender delivers task messages through live account sessions,
// honoring the task's delivery method and message options.
type TransportSender struct {
	sessions *session.Provider
	log      logx.Logger
}

func NewTransportSender(p *session.Provider, log logx.Logger) *TransportSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TransportSender{sessions: p, log: log.With(logx.String("component", "deliver"))}
}

func (t *TransportSender) SendToTarget(ctx context.Context, accountID int64, task *store.Task, target *store.Target) error {
	return t.sessions.Use(ctx, accountID, func(ctx context.Context, s *session.Session) error {
		peer, err := s.ResolveUser(ctx, target.Username)
		if err != nil {
			return err
		}

		switch task.Delivery {
		case store.DeliverChannelForward, store.DeliverChannelForwardHidden:
			return t.deliverForward(ctx, s, task, peer)
		case store.DeliverPostBot:
			return t.deliverViaPostBot(ctx, s, task, target)
		default:
			return t.deliverDirect(ctx, s, task, peer)
		}
	})
}

func (t *TransportSender) deliverDirect(ctx context.Context, s *session.Session, task *store.Task, peer *session.Peer) error {
	replyTo := 0
	if task.ReplyMode {
		// Reply to the peer's newest message when there is one; fresh
		// dialogs fall back to a plain send.
		if msgs, err := s.RecentMessages(ctx, peer, 1); err == nil && len(msgs) > 0 {
			replyTo = msgs[0].ID
		}
	}

	var msgID int
	var err error
	switch {
	case task.EditMode:
		msgID, err = s.SendText(ctx, peer, openerText, replyTo)
		if err != nil {
			return err
		}
		if msgID > 0 {
			if err := s.EditText(ctx, peer, msgID, task.Message); err != nil {
				return err
			}
		}
	case task.MediaRef != "" && strings.HasPrefix(task.MediaRef, "http"):
		msgID, err = s.SendPhotoURL(ctx, peer, task.MediaRef, task.Message)
		if err != nil {
			return err
		}
	default:
		msgID, err = s.SendText(ctx, peer, task.Message, replyTo)
		if err != nil {
			return err
		}
	}

	if task.PinMessage && msgID > 0 {
		if err := s.Pin(ctx, peer, msgID); err != nil {
			t.log.Debug("pin failed", logx.Err(err))
		}
	}
	if task.DeleteDialog {
		if err := s.DeleteDialog(ctx, peer); err != nil {
			t.log.Debug("delete dialog failed", logx.Err(err))
		}
	}
	return nil
}

// deliverForward forwards a prepared channel post to the recipient. The
// task's media reference names the post as "channel_username/message_id".
// The hidden variant strips the origin header.
func (t *TransportSender) deliverForward(ctx context.Context, s *session.Session, task *store.Task, to *session.Peer) error {
	channelUser, msgID, err := splitPostRef(task.MediaRef)
	if err != nil {
		return err
	}
	from, err := s.ResolveChannel(ctx, channelUser)
	if err != nil {
		return err
	}
	return s.Forward(ctx, from, msgID, to, task.Delivery == store.DeliverChannelForwardHidden)
}

// deliverViaPostBot hands the message to the relay bot, which posts it to
// the recipient on the account's behalf.
func (t *TransportSender) deliverViaPostBot(ctx context.Context, s *session.Session, task *store.Task, target *store.Target) error {
	bot, err := s.ResolveUser(ctx, "PostBot")
	if err != nil {
		return err
	}
	payload := "@" + target.Username + "\n" + task.Message
	_, err = s.SendText(ctx, bot, payload, 0)
	return err
}

func splitPostRef(ref string) (channel string, msgID int, err error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "https://t.me/")
	parts := strings.Split(ref, "/")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed post reference %q", ref)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, fmt.Errorf("malformed post reference %q: %w", ref, err)
	}
	return strings.TrimPrefix(parts[0], "@"), id, nil
}
