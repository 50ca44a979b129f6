package session

import (
	"context"
	"math/rand"
	"sort"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"tgblast/internal/store"
	logx "tgblast/pkg/logx"
)

// Peer is a resolved message destination.
type Peer struct {
	Input  tg.InputPeerClass
	UserID int64 // set when the peer is a user
}

// Session is a live authorized client for one account. It is only valid
// inside the Provider.Use callback that produced it.
type Session struct {
	api *tg.Client
	acc *store.Account
	log logx.Logger
}

func newSession(client *telegram.Client, acc *store.Account, log logx.Logger) *Session {
	return &Session{
		api: tg.NewClient(client),
		acc: acc,
		log: log.With(logx.Int64("account_id", acc.ID)),
	}
}

// Account returns the account this session is bound to.
func (s *Session) Account() *store.Account { return s.acc }

// ResolveUser resolves a username to a user peer. A username that maps to
// anything else (or to nothing) yields an InvalidTargetError.
func (s *Session) ResolveUser(ctx context.Context, username string) (*Peer, error) {
	resolved, err := s.api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, wrapRPC(err)
	}
	for _, u := range resolved.GetUsers() {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		if user.Deleted {
			return nil, &InvalidTargetError{Reason: "account deleted"}
		}
		return &Peer{
			Input:  &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash},
			UserID: user.ID,
		}, nil
	}
	return nil, &InvalidTargetError{Reason: "username is not a user"}
}

// ResolveChannel resolves a username to a broadcast channel peer.
func (s *Session) ResolveChannel(ctx context.Context, username string) (*Peer, error) {
	resolved, err := s.api.ContactsResolveUsername(ctx, username)
	if err != nil {
		return nil, wrapRPC(err)
	}
	for _, c := range resolved.GetChats() {
		ch, ok := c.(*tg.Channel)
		if !ok || ch.Megagroup {
			continue
		}
		return &Peer{Input: &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}}, nil
	}
	return nil, &InvalidTargetError{Reason: "username is not a channel"}
}

// SendText sends a plain text message and returns the new message ID.
func (s *Session) SendText(ctx context.Context, peer *Peer, text string, replyTo int) (int, error) {
	req := &tg.MessagesSendMessageRequest{
		Peer:     peer.Input,
		Message:  text,
		RandomID: rand.Int63(),
	}
	if replyTo > 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: replyTo}
	}
	updates, err := s.api.MessagesSendMessage(ctx, req)
	if err != nil {
		return 0, wrapRPC(err)
	}
	return sentMessageID(updates), nil
}

// SendPhotoURL sends an externally hosted photo with a caption.
func (s *Session) SendPhotoURL(ctx context.Context, peer *Peer, url, caption string) (int, error) {
	updates, err := s.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer.Input,
		Media:    &tg.InputMediaPhotoExternal{URL: url},
		Message:  caption,
		RandomID: rand.Int63(),
	})
	if err != nil {
		return 0, wrapRPC(err)
	}
	return sentMessageID(updates), nil
}

// EditText rewrites an already delivered message in place.
func (s *Session) EditText(ctx context.Context, peer *Peer, msgID int, text string) error {
	_, err := s.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:    peer.Input,
		ID:      msgID,
		Message: text,
	})
	return wrapRPC(err)
}

// Forward forwards a message from one peer to another. With dropAuthor the
// origin header is stripped.
func (s *Session) Forward(ctx context.Context, from *Peer, msgID int, to *Peer, dropAuthor bool) error {
	_, err := s.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   from.Input,
		ID:         []int{msgID},
		ToPeer:     to.Input,
		RandomID:   []int64{rand.Int63()},
		DropAuthor: dropAuthor,
	})
	return wrapRPC(err)
}

// Pin pins a message in the dialog without notifying the recipient.
func (s *Session) Pin(ctx context.Context, peer *Peer, msgID int) error {
	_, err := s.api.MessagesUpdatePinnedMessage(ctx, &tg.MessagesUpdatePinnedMessageRequest{
		Peer:   peer.Input,
		ID:     msgID,
		Silent: true,
	})
	return wrapRPC(err)
}

// DeleteDialog removes the conversation on the sender's side only.
func (s *Session) DeleteDialog(ctx context.Context, peer *Peer) error {
	_, err := s.api.MessagesDeleteHistory(ctx, &tg.MessagesDeleteHistoryRequest{
		Peer:      peer.Input,
		JustClear: true,
	})
	return wrapRPC(err)
}

// RecentMessages returns the dialog's newest messages, newest first.
func (s *Session) RecentMessages(ctx context.Context, peer *Peer, limit int) ([]*tg.Message, error) {
	history, err := s.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer.Input,
		Limit: limit,
	})
	if err != nil {
		return nil, wrapRPC(err)
	}
	var raw []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesMessages:
		raw = h.Messages
	case *tg.MessagesMessagesSlice:
		raw = h.Messages
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	}
	var out []*tg.Message
	for _, m := range raw {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// sentMessageID digs the new message ID out of the send response. Direct
// messages come back as a short update; grouped responses are scanned.
func sentMessageID(updates tg.UpdatesClass) int {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return u.ID
	case *tg.Updates:
		for _, upd := range u.Updates {
			switch m := upd.(type) {
			case *tg.UpdateMessageID:
				return m.ID
			case *tg.UpdateNewMessage:
				if msg, ok := m.Message.(*tg.Message); ok {
					return msg.ID
				}
			}
		}
	}
	return 0
}
