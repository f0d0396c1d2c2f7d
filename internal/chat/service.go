//go:generate go run go.uber.org/mock/mockgen -source=service.go -destination=../mocks/mock_chat.go -package=mocks

// Package chat implements the conversation read-state machine on the server:
// the roster with unseen counts, thread fetch with its bulk seen transition,
// sending with live delivery, and single-message acknowledgment.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/apperr"
	"github.com/whisper/directchat/internal/media"
	"github.com/whisper/directchat/internal/messaging"
	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/model"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
	"github.com/whisper/directchat/internal/ratelimit"
)

// UserStore is the part of the identity store chat needs.
type UserStore interface {
	FindByID(ctx context.Context, id string) (model.User, error)
	ListExcept(ctx context.Context, id string) ([]model.User, error)
}

// MessageStore persists messages and their seen flags.
type MessageStore interface {
	Create(ctx context.Context, msg model.Message) (model.Message, error)
	FindThread(ctx context.Context, a, b string) ([]model.Message, error)
	MarkSeenBulk(ctx context.Context, senderID, receiverID string, ids []string) (int64, error)
	MarkSeen(ctx context.Context, id, receiverID string) (model.Message, bool, error)
	CountUnseenGroupedBySender(ctx context.Context, receiverID string) (map[string]int, error)
}

// BlobStore stores image attachments.
type BlobStore interface {
	Upload(ctx context.Context, dataURL string) (media.Blob, error)
	Delete(ctx context.Context, id string) error
}

// Pusher delivers an event to a user's live channel. It returns
// presence.ErrNotOnline when the user has none.
type Pusher interface {
	Push(userID, eventType string, payload interface{}) error
}

// EventPublisher announces domain events to other services.
type EventPublisher interface {
	PublishMessageCreated(ev messaging.MessageCreatedEvent) error
	PublishMessageSeen(ev messaging.MessageSeenEvent) error
}

// Limiter throttles sends per sender.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps are the collaborators of a Service. Events and Limiter are optional.
type Deps struct {
	Users    UserStore
	Messages MessageStore
	Blobs    BlobStore
	Pusher   Pusher
	Events   EventPublisher
	Limiter  Limiter
	Logger   *zap.Logger
}

// Service is the server side of the read-state machine.
type Service struct {
	users    UserStore
	messages MessageStore
	blobs    BlobStore
	pusher   Pusher
	events   EventPublisher
	limiter  Limiter
	logger   *zap.Logger
}

// NewService creates a Service.
func NewService(d Deps) *Service {
	s := &Service{
		users:    d.Users,
		messages: d.Messages,
		blobs:    d.Blobs,
		pusher:   d.Pusher,
		events:   d.Events,
		limiter:  d.Limiter,
		logger:   d.Logger,
	}
	if s.events == nil {
		s.events = messaging.NopPublisher{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Roster returns every user except me together with the unseen counts of
// messages addressed to me, keyed by sender.
func (s *Service) Roster(ctx context.Context, me string) (model.Roster, error) {
	users, err := s.users.ListExcept(ctx, me)
	if err != nil {
		return model.Roster{}, err
	}
	unseen, err := s.messages.CountUnseenGroupedBySender(ctx, me)
	if err != nil {
		return model.Roster{}, err
	}
	for sender, n := range unseen {
		if n <= 0 {
			delete(unseen, sender)
		}
	}
	return model.Roster{Users: users, UnseenMessages: unseen}, nil
}

// Thread returns the conversation between me and peer, oldest first, then
// marks the returned messages from peer to me as seen. The returned messages
// carry their seen flags from before that transition; anything peer sends
// after the read stays unseen.
func (s *Service) Thread(ctx context.Context, me, peer string) ([]model.Message, error) {
	if err := s.requirePeer(ctx, peer); err != nil {
		return nil, err
	}

	msgs, err := s.messages.FindThread(ctx, me, peer)
	if err != nil {
		return nil, err
	}

	unseen := lo.FilterMap(msgs, func(m model.Message, _ int) (string, bool) {
		return m.ID, m.SenderID == peer && !m.Seen
	})
	n, err := s.messages.MarkSeenBulk(ctx, peer, me, unseen)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		s.publishSeen(messaging.MessageSeenEvent{ReaderID: me, SenderID: peer, Count: n})
	}
	return msgs, nil
}

// Send validates, persists and delivers a message from me to peer. The
// message is committed before any push; push and event failures are logged
// and never fail the send.
func (s *Service) Send(ctx context.Context, me, peer string, in SendInput) (model.Message, error) {
	start := time.Now()

	if err := in.Validate(); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.Message{}, err
	}
	if peer == me {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.Message{}, apperr.Validation("cannot message yourself")
	}
	if in.Image != "" && !media.IsDataURL(in.Image) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.Message{}, apperr.Validation("image must be a data URL")
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, me, ratelimit.RuleSend)
		if err != nil {
			s.logger.Warn("chat: send rate limit check failed", zap.String("user", me), zap.Error(err))
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return model.Message{}, apperr.RateLimited(s.limiter.RetryAfter(ctx, me, ratelimit.RuleSend))
		}
	}

	if err := s.requirePeer(ctx, peer); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return model.Message{}, err
	}

	msg := model.Message{SenderID: me, ReceiverID: peer, Text: in.Text}

	var blob media.Blob
	if in.Image != "" {
		var err error
		if blob, err = s.blobs.Upload(ctx, in.Image); err != nil {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return model.Message{}, err
		}
		msg.Image = blob.URL
	}

	created, err := s.messages.Create(ctx, msg)
	if err != nil {
		if blob.ID != "" {
			s.discardBlob(blob.ID)
		}
		return model.Message{}, err
	}
	metrics.SendLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	delivered := false
	switch err := s.pusher.Push(peer, protocol.TypeNewMessage, protocol.NewMessageMsg{Message: created}); {
	case err == nil:
		delivered = true
	case errors.Is(err, presence.ErrNotOnline):
		s.logger.Debug("chat: receiver offline", zap.String("message", created.ID), zap.String("receiver", peer))
	default:
		s.logger.Warn("chat: push failed", zap.String("message", created.ID), zap.String("receiver", peer), zap.Error(err))
	}

	if err := s.events.PublishMessageCreated(messaging.MessageCreatedEvent{
		MessageID:  created.ID,
		SenderID:   created.SenderID,
		ReceiverID: created.ReceiverID,
		HasText:    created.Text != "",
		HasImage:   created.Image != "",
		Delivered:  delivered,
		Ts:         created.CreatedAt.UnixMilli(),
	}); err != nil {
		s.logger.Warn("chat: publish message.created failed", zap.String("message", created.ID), zap.Error(err))
	}

	return created, nil
}

// MarkSeen acknowledges one message addressed to me. Repeating it is a
// no-op; messages that do not exist or are addressed to someone else are
// reported as not found.
func (s *Service) MarkSeen(ctx context.Context, me, messageID string) (model.Message, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return model.Message{}, apperr.NotFound("message")
	}

	m, changed, err := s.messages.MarkSeen(ctx, messageID, me)
	if err != nil {
		return model.Message{}, err
	}

	if changed {
		s.publishSeen(messaging.MessageSeenEvent{ReaderID: me, SenderID: m.SenderID, MessageID: m.ID, Count: 1})
	}
	return m, nil
}

// requirePeer fails with apperr.ErrNotFound unless peer is a known user.
func (s *Service) requirePeer(ctx context.Context, peer string) error {
	if _, err := uuid.Parse(peer); err != nil {
		return apperr.NotFound("user")
	}
	_, err := s.users.FindByID(ctx, peer)
	return err
}

func (s *Service) publishSeen(ev messaging.MessageSeenEvent) {
	ev.Ts = time.Now().UnixMilli()
	if err := s.events.PublishMessageSeen(ev); err != nil {
		s.logger.Warn("chat: publish message.seen failed", zap.String("reader", ev.ReaderID), zap.Error(err))
	}
}

// discardBlob removes an attachment whose message was never persisted.
func (s *Service) discardBlob(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.blobs.Delete(ctx, id); err != nil {
			s.logger.Warn("chat: failed to discard orphan image", zap.String("blob", id), zap.Error(err))
		}
	}()
}
