// Package presence tracks which users currently hold an open delivery
// channel. The registry maps each online user to exactly one connection id;
// a reconnecting user overwrites the previous entry.
package presence

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/whisper/directchat/internal/metrics"
)

var (
	// ErrEmptyUserID is returned by Register when no user id is supplied.
	ErrEmptyUserID = errors.New("presence: empty user id")

	// ErrNotOnline reports that a user has no registered connection.
	ErrNotOnline = errors.New("presence: user not online")
)

// ChangeFunc receives the complete set of online user ids after a registry
// mutation. It runs under the registry's write lock, so it must not block on
// I/O or call back into the registry's mutating methods.
type ChangeFunc func(online []string)

// Registry is the process-wide userID -> connectionID mapping.
//
// Mutations are serialized by writeMu, which is held until the change
// notification returns, so every notification carries a fully applied state
// and notifications are delivered in mutation order. Lookups only take the
// read side of mu and never wait on a notification in progress.
type Registry struct {
	writeMu  sync.Mutex
	mu       sync.RWMutex
	conns    map[string]string
	onChange ChangeFunc
}

// NewRegistry creates an empty registry. onChange may be nil and can be set
// later with SetOnChange.
func NewRegistry(onChange ChangeFunc) *Registry {
	return &Registry{
		conns:    make(map[string]string),
		onChange: onChange,
	}
}

// SetOnChange replaces the change notification callback.
func (r *Registry) SetOnChange(fn ChangeFunc) {
	r.writeMu.Lock()
	r.onChange = fn
	r.writeMu.Unlock()
}

// Register records connID as the live connection of userID, replacing any
// previous entry for that user. The replaced connection is not closed.
func (r *Registry) Register(userID, connID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	r.conns[userID] = connID
	online := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(online)
	return nil
}

// Unregister removes userID's entry. Removing an absent user is not an error
// and still produces a notification.
func (r *Registry) Unregister(userID string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	delete(r.conns, userID)
	online := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(online)
}

// UnregisterConn removes userID's entry only if it still points at connID.
// It reports whether an entry was removed; a connection that was already
// replaced by a newer one leaves the registry untouched and notifies nobody.
func (r *Registry) UnregisterConn(userID, connID string) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	current, ok := r.conns[userID]
	if !ok || current != connID {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, userID)
	online := r.snapshotLocked()
	r.mu.Unlock()

	r.notify(online)
	return true
}

// Lookup returns the connection id registered for userID.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	connID, ok := r.conns[userID]
	r.mu.RUnlock()
	return connID, ok
}

// IsOnline reports whether userID has a registered connection.
func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Snapshot returns the sorted ids of all registered users.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.conns)
	r.mu.RUnlock()
	return n
}

func (r *Registry) snapshotLocked() []string {
	ids := lo.Keys(r.conns)
	slices.Sort(ids)
	return ids
}

// notify must be called with writeMu held.
func (r *Registry) notify(online []string) {
	metrics.OnlineUsers.Set(float64(len(online)))
	if r.onChange != nil {
		r.onChange(online)
	}
}
