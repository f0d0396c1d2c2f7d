package client

import (
	"maps"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/whisper/directchat/internal/model"
	"github.com/whisper/directchat/internal/protocol"
)

// Inbox is the client side of the read state: the roster, unseen counts,
// the online set and the thread being viewed. It is safe for concurrent
// use.
type Inbox struct {
	mu      sync.Mutex
	users   []model.User
	unseen  map[string]int
	online  []string
	viewing string
	thread  []model.Message
}

// NewInbox returns an empty Inbox.
func NewInbox() *Inbox {
	return &Inbox{unseen: make(map[string]int)}
}

// ApplyRoster replaces the users and unseen counts with a fresh roster.
func (b *Inbox) ApplyRoster(r model.Roster) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users = slices.Clone(r.Users)
	b.unseen = make(map[string]int, len(r.UnseenMessages))
	for sender, n := range r.UnseenMessages {
		if n > 0 {
			b.unseen[sender] = n
		}
	}
}

// SetOnline replaces the online set with the latest roster event.
func (b *Inbox) SetOnline(online []string) {
	b.mu.Lock()
	b.online = slices.Clone(online)
	b.mu.Unlock()
}

// Select makes peer the viewed conversation with the thread just fetched
// for it, and clears peer's unseen count.
func (b *Inbox) Select(peer string, thread []model.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.viewing = peer
	b.thread = slices.Clone(thread)
	delete(b.unseen, peer)
}

// HandleNewMessage applies a pushed message. A message from the viewed peer
// is appended to the thread as seen and HandleNewMessage returns true: the
// caller must acknowledge it with mark_seen. Any other message bumps its
// sender's unseen count.
func (b *Inbox) HandleNewMessage(m model.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.viewing != "" && m.SenderID == b.viewing {
		m.Seen = true
		b.thread = append(b.thread, m)
		return true
	}
	b.unseen[m.SenderID]++
	return false
}

// Unseen returns a copy of the unseen counts by sender.
func (b *Inbox) Unseen() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.unseen)
}

// OnlineUsers returns the online set from the last roster event.
func (b *Inbox) OnlineUsers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.online)
}

// IsOnline reports whether id was in the last roster event.
func (b *Inbox) IsOnline(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo.Contains(b.online, id)
}

func (b *Inbox) Users() []model.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.users)
}

func (b *Inbox) Viewing() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewing
}

func (b *Inbox) Thread() []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.thread)
}

// Attach feeds ch's roster and message events into the inbox and
// acknowledges messages that arrive for the viewed conversation. onAckErr,
// if set, receives acknowledgment write failures.
func (b *Inbox) Attach(ch *Channel, onAckErr func(error)) {
	ch.On(protocol.TypeOnlineRosterChanged, func(msg interface{}) {
		if ev, ok := msg.(protocol.OnlineRosterChangedMsg); ok {
			b.SetOnline(ev.OnlineUsers)
		}
	})
	ch.On(protocol.TypeNewMessage, func(msg interface{}) {
		ev, ok := msg.(protocol.NewMessageMsg)
		if !ok {
			return
		}
		if b.HandleNewMessage(ev.Message) {
			if err := ch.MarkSeen(ev.Message.ID); err != nil && onAckErr != nil {
				onAckErr(err)
			}
		}
	})
}
