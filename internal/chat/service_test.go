package chat

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/whisper/directchat/internal/apperr"
	"github.com/whisper/directchat/internal/media"
	"github.com/whisper/directchat/internal/messaging"
	"github.com/whisper/directchat/internal/mocks"
	"github.com/whisper/directchat/internal/model"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
	"github.com/whisper/directchat/internal/ratelimit"
)

// memMessages is an in-memory MessageStore with the same seen semantics as
// the Postgres store.
type memMessages struct {
	mu   sync.Mutex
	msgs []model.Message
	// failCreate makes Create fail once set.
	failCreate error
	// afterRead runs once FindThread has read its rows.
	afterRead func()
}

func (s *memMessages) Create(_ context.Context, m model.Message) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return model.Message{}, s.failCreate
	}
	now := time.Now()
	m.ID = uuid.NewString()
	m.CreatedAt, m.UpdatedAt = now, now
	s.msgs = append(s.msgs, m)
	return m, nil
}

func (s *memMessages) FindThread(_ context.Context, a, b string) ([]model.Message, error) {
	s.mu.Lock()
	var out []model.Message
	for _, m := range s.msgs {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, m)
		}
	}
	s.mu.Unlock()

	if s.afterRead != nil {
		s.afterRead()
	}
	return out, nil
}

func (s *memMessages) MarkSeenBulk(_ context.Context, senderID, receiverID string, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.SenderID == senderID && m.ReceiverID == receiverID && !m.Seen && slices.Contains(ids, m.ID) {
			m.Seen = true
			n++
		}
	}
	return n, nil
}

func (s *memMessages) MarkSeen(_ context.Context, id, receiverID string) (model.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.ID == id && m.ReceiverID == receiverID {
			changed := !m.Seen
			m.Seen = true
			return *m, changed, nil
		}
	}
	return model.Message{}, false, apperr.NotFound("message")
}

func (s *memMessages) CountUnseenGroupedBySender(_ context.Context, receiverID string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, m := range s.msgs {
		if m.ReceiverID == receiverID && !m.Seen {
			out[m.SenderID]++
		}
	}
	return out, nil
}

func (s *memMessages) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

type fixture struct {
	svc     *Service
	msgs    *memMessages
	users   *mocks.MockUserStore
	blobs   *mocks.MockBlobStore
	pusher  *mocks.MockPusher
	events  *mocks.MockEventPublisher
	limiter *mocks.MockLimiter
	alice   string
	bob     string
	carol   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		msgs:    &memMessages{},
		users:   mocks.NewMockUserStore(ctrl),
		blobs:   mocks.NewMockBlobStore(ctrl),
		pusher:  mocks.NewMockPusher(ctrl),
		events:  mocks.NewMockEventPublisher(ctrl),
		limiter: mocks.NewMockLimiter(ctrl),
		alice:   uuid.NewString(),
		bob:     uuid.NewString(),
		carol:   uuid.NewString(),
	}
	known := map[string]bool{f.alice: true, f.bob: true, f.carol: true}
	f.users.EXPECT().FindByID(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, id string) (model.User, error) {
			if !known[id] {
				return model.User{}, apperr.NotFound("user")
			}
			return model.User{ID: id}, nil
		}).AnyTimes()
	f.limiter.EXPECT().Allow(gomock.Any(), gomock.Any(), ratelimit.RuleSend).Return(true, nil).AnyTimes()
	f.events.EXPECT().PublishMessageCreated(gomock.Any()).Return(nil).AnyTimes()
	f.events.EXPECT().PublishMessageSeen(gomock.Any()).Return(nil).AnyTimes()

	f.svc = NewService(Deps{
		Users:    f.users,
		Messages: f.msgs,
		Blobs:    f.blobs,
		Pusher:   f.pusher,
		Events:   f.events,
		Limiter:  f.limiter,
	})
	return f
}

func (f *fixture) offline(userID string) {
	f.pusher.EXPECT().Push(userID, protocol.TypeNewMessage, gomock.Any()).Return(presence.ErrNotOnline)
}

func TestSend_EmptyIsRejectedWithoutSideEffects(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Send(context.Background(), f.alice, f.bob, SendInput{})
	require.ErrorIs(t, err, ErrEmptyMessage)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Equal(t, 0, f.msgs.count())
}

func TestSend_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		peer string
		in   SendInput
		kind apperr.Kind
	}{
		{"self", f.alice, SendInput{Text: "hi"}, apperr.KindValidation},
		{"unknown peer", uuid.NewString(), SendInput{Text: "hi"}, apperr.KindNotFound},
		{"malformed peer", "not-a-uuid", SendInput{Text: "hi"}, apperr.KindNotFound},
		{"image not a data url", f.bob, SendInput{Image: "https://example.com/a.png"}, apperr.KindValidation},
		{"text too long", f.bob, SendInput{Text: string(make([]byte, MaxMessageBytes+1))}, apperr.KindValidation},
		{"nul in text", f.bob, SendInput{Text: "a\x00b"}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(ctx, f.alice, tt.peer, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
	assert.Equal(t, 0, f.msgs.count())
}

func TestSend_PushesExactlyOnceWhenOnline(t *testing.T) {
	f := newFixture(t)

	var pushed model.Message
	f.pusher.EXPECT().Push(f.bob, protocol.TypeNewMessage, gomock.Any()).DoAndReturn(
		func(_ string, _ string, payload any) error {
			pushed = payload.(protocol.NewMessageMsg).Message
			return nil
		}).Times(1)

	m, err := f.svc.Send(context.Background(), f.alice, f.bob, SendInput{Text: "hello"})
	require.NoError(t, err)
	assert.False(t, m.Seen)
	assert.Equal(t, f.alice, m.SenderID)
	assert.Equal(t, f.bob, m.ReceiverID)
	assert.Equal(t, m, pushed)
}

func TestSend_OfflineReceiverStillPersists(t *testing.T) {
	f := newFixture(t)
	f.offline(f.bob)

	m, err := f.svc.Send(context.Background(), f.alice, f.bob, SendInput{Text: "are you there?"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	roster, err := f.svc.Roster(context.Background(), f.bob)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{f.alice: 1}, roster.UnseenMessages)
}

func TestSend_PushFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	f.pusher.EXPECT().Push(f.bob, protocol.TypeNewMessage, gomock.Any()).Return(errors.New("broken pipe"))

	_, err := f.svc.Send(context.Background(), f.alice, f.bob, SendInput{Text: "x"})
	require.NoError(t, err)
}

func TestSend_PersistFailureMeansNoPush(t *testing.T) {
	f := newFixture(t)
	f.msgs.failCreate = errors.New("db down")
	// No Push expectation: gomock fails the test on any call.

	_, err := f.svc.Send(context.Background(), f.alice, f.bob, SendInput{Text: "lost"})
	require.Error(t, err)
}

func TestSend_PersistFailureDiscardsUploadedImage(t *testing.T) {
	f := newFixture(t)
	f.msgs.failCreate = errors.New("db down")

	deleted := make(chan string, 1)
	f.blobs.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(media.Blob{ID: "b1", URL: "/media/b1"}, nil)
	f.blobs.EXPECT().Delete(gomock.Any(), "b1").DoAndReturn(func(context.Context, string) error {
		deleted <- "b1"
		return nil
	})

	_, err := f.svc.Send(context.Background(), f.alice, f.bob, SendInput{Image: "data:image/png;base64,AAAA"})
	require.Error(t, err)

	select {
	case id := <-deleted:
		assert.Equal(t, "b1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("orphan image was not discarded")
	}
}

func TestSend_ImageOnly(t *testing.T) {
	f := newFixture(t)
	f.blobs.EXPECT().Upload(gomock.Any(), "data:image/png;base64,AAAA").
		Return(media.Blob{ID: "b1", URL: "/media/b1"}, nil)
	f.offline(f.bob)

	m, err := f.svc.Send(context.Background(), f.alice, f.bob, SendInput{Image: "data:image/png;base64,AAAA"})
	require.NoError(t, err)
	assert.Empty(t, m.Text)
	assert.Equal(t, "/media/b1", m.Image)
}

func TestSend_RateLimited(t *testing.T) {
	ctrl := gomock.NewController(t)
	limiter := mocks.NewMockLimiter(ctrl)
	limiter.EXPECT().Allow(gomock.Any(), "u1", ratelimit.RuleSend).Return(false, nil)
	limiter.EXPECT().RetryAfter(gomock.Any(), "u1", ratelimit.RuleSend).Return(4 * time.Second)

	svc := NewService(Deps{Limiter: limiter})
	_, err := svc.Send(context.Background(), "u1", uuid.NewString(), SendInput{Text: "spam"})
	require.ErrorIs(t, err, apperr.ErrRateLimited)
	d, ok := apperr.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, d)
}

func TestThread_MarksIncomingSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.offline(f.bob)
	f.offline(f.bob)
	f.offline(f.alice)

	_, err := f.svc.Send(ctx, f.alice, f.bob, SendInput{Text: "one"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, f.alice, f.bob, SendInput{Text: "two"})
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, f.bob, f.alice, SendInput{Text: "reply"})
	require.NoError(t, err)

	roster, err := f.svc.Roster(ctx, f.bob)
	require.NoError(t, err)
	assert.Equal(t, 2, roster.UnseenMessages[f.alice])

	thread, err := f.svc.Thread(ctx, f.bob, f.alice)
	require.NoError(t, err)
	require.Len(t, thread, 3)
	assert.Equal(t, "one", thread[0].Text)
	// The response carries the flags from before the fetch.
	assert.False(t, thread[0].Seen)

	roster, err = f.svc.Roster(ctx, f.bob)
	require.NoError(t, err)
	assert.NotContains(t, roster.UnseenMessages, f.alice)

	// Bob's reply is still unseen for Alice: reading is one-directional.
	roster, err = f.svc.Roster(ctx, f.alice)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{f.bob: 1}, roster.UnseenMessages)
}

func TestThread_LeavesLaterMessagesUnseen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.offline(f.bob)

	_, err := f.svc.Send(ctx, f.alice, f.bob, SendInput{Text: "before"})
	require.NoError(t, err)

	// Alice's next message commits between Bob's read and the seen update.
	f.msgs.afterRead = func() {
		f.msgs.afterRead = nil
		_, err := f.msgs.Create(ctx, model.Message{SenderID: f.alice, ReceiverID: f.bob, Text: "during"})
		require.NoError(t, err)
	}

	thread, err := f.svc.Thread(ctx, f.bob, f.alice)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	assert.Equal(t, "before", thread[0].Text)

	roster, err := f.svc.Roster(ctx, f.bob)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{f.alice: 1}, roster.UnseenMessages)
}

func TestThread_UnknownPeer(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Thread(context.Background(), f.alice, uuid.NewString())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestMarkSeen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.offline(f.bob)

	m, err := f.svc.Send(ctx, f.alice, f.bob, SendInput{Text: "ack me"})
	require.NoError(t, err)

	t.Run("sender cannot acknowledge", func(t *testing.T) {
		_, err := f.svc.MarkSeen(ctx, f.alice, m.ID)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("malformed id", func(t *testing.T) {
		_, err := f.svc.MarkSeen(ctx, f.bob, "nope")
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})

	t.Run("idempotent", func(t *testing.T) {
		first, err := f.svc.MarkSeen(ctx, f.bob, m.ID)
		require.NoError(t, err)
		assert.True(t, first.Seen)

		second, err := f.svc.MarkSeen(ctx, f.bob, m.ID)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		roster, err := f.svc.Roster(ctx, f.bob)
		require.NoError(t, err)
		assert.Empty(t, roster.UnseenMessages)
	})
}

func TestMarkSeen_PublishesOnlyOnTransition(t *testing.T) {
	ctrl := gomock.NewController(t)
	msgs := mocks.NewMockMessageStore(ctrl)
	events := mocks.NewMockEventPublisher(ctrl)
	id := uuid.NewString()
	m := model.Message{ID: id, SenderID: "peer", ReceiverID: "me", Seen: true}

	gomock.InOrder(
		msgs.EXPECT().MarkSeen(gomock.Any(), id, "me").Return(m, true, nil),
		events.EXPECT().PublishMessageSeen(gomock.Any()).DoAndReturn(func(ev messaging.MessageSeenEvent) error {
			assert.Equal(t, id, ev.MessageID)
			assert.EqualValues(t, 1, ev.Count)
			return nil
		}),
		msgs.EXPECT().MarkSeen(gomock.Any(), id, "me").Return(m, false, nil).Times(2),
	)

	svc := NewService(Deps{Messages: msgs, Events: events})
	for i := 0; i < 3; i++ {
		got, err := svc.MarkSeen(context.Background(), "me", id)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestThread_PublishesSeenEvent(t *testing.T) {
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserStore(ctrl)
	msgs := mocks.NewMockMessageStore(ctrl)
	events := mocks.NewMockEventPublisher(ctrl)
	peer := uuid.NewString()

	gomock.InOrder(
		users.EXPECT().FindByID(gomock.Any(), peer).Return(model.User{ID: peer}, nil),
		msgs.EXPECT().FindThread(gomock.Any(), "me", peer).Return([]model.Message{
			{ID: "m-1", SenderID: peer, ReceiverID: "me"},
			{ID: "m-2", SenderID: "me", ReceiverID: peer},
			{ID: "m-3", SenderID: peer, ReceiverID: "me", Seen: true},
			{ID: "m-4", SenderID: peer, ReceiverID: "me"},
		}, nil),
		msgs.EXPECT().MarkSeenBulk(gomock.Any(), peer, "me", []string{"m-1", "m-4"}).Return(int64(2), nil),
		events.EXPECT().PublishMessageSeen(gomock.Any()).DoAndReturn(func(ev messaging.MessageSeenEvent) error {
			assert.Equal(t, "me", ev.ReaderID)
			assert.Equal(t, peer, ev.SenderID)
			assert.EqualValues(t, 2, ev.Count)
			return nil
		}),
	)

	svc := NewService(Deps{Users: users, Messages: msgs, Events: events})
	_, err := svc.Thread(context.Background(), "me", peer)
	require.NoError(t, err)
}

func TestRoster_DropsZeroCounts(t *testing.T) {
	ctrl := gomock.NewController(t)
	users := mocks.NewMockUserStore(ctrl)
	msgs := mocks.NewMockMessageStore(ctrl)

	users.EXPECT().ListExcept(gomock.Any(), "me").Return([]model.User{{ID: "a"}, {ID: "b"}}, nil)
	msgs.EXPECT().CountUnseenGroupedBySender(gomock.Any(), "me").Return(map[string]int{"a": 2, "b": 0}, nil)

	svc := NewService(Deps{Users: users, Messages: msgs})
	roster, err := svc.Roster(context.Background(), "me")
	require.NoError(t, err)
	assert.Len(t, roster.Users, 2)
	assert.Equal(t, map[string]int{"a": 2}, roster.UnseenMessages)
}
