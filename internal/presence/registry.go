// Package presence tracks which users hold a live connection and delivers
// payloads to them.
package presence

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// CloseSessionReplaced is sent to a connection displaced by a newer one for
// the same user.
const CloseSessionReplaced = 4001

// Handle is a live outbound connection.
type Handle interface {
	ID() string
	IsOpen() bool
	Send(payload []byte) error
	Close(code int, reason string)
}

// Registry maps a user id to its single live handle. It is safe for
// concurrent use; the lock only ever covers map access, never socket I/O.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]Handle
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]Handle)}
}

// Register installs h as the user's handle. A previously registered handle is
// closed after the swap so only one connection per user stays alive.
func (r *Registry) Register(userID uint64, h Handle) {
	r.mu.Lock()
	previous := r.sessions[userID]
	r.sessions[userID] = h
	r.mu.Unlock()

	log.Info().Uint64("user_id", userID).Str("conn_id", h.ID()).Msg("user connected")

	if previous != nil && previous != h {
		log.Info().Uint64("user_id", userID).Str("conn_id", previous.ID()).Msg("closing replaced session")
		previous.Close(CloseSessionReplaced, "session replaced")
	}
}

// Unregister removes the user's mapping. No-op when absent.
func (r *Registry) Unregister(userID uint64) {
	r.mu.Lock()
	_, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if ok {
		log.Info().Uint64("user_id", userID).Msg("user disconnected")
	}
}

// UnregisterHandle removes the mapping only while it still points at h and
// reports whether it did. A replaced connection uses this on teardown so it
// cannot evict its successor.
func (r *Registry) UnregisterHandle(userID uint64, h Handle) bool {
	r.mu.Lock()
	current, ok := r.sessions[userID]
	removed := ok && current == h
	if removed {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if removed {
		log.Info().Uint64("user_id", userID).Str("conn_id", h.ID()).Msg("user disconnected")
	}
	return removed
}

func (r *Registry) Lookup(userID uint64) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.sessions[userID]
	r.mu.RUnlock()
	return h, ok
}

// IsOnline is true when a handle is registered and still reports open.
func (r *Registry) IsOnline(userID uint64) bool {
	h, ok := r.Lookup(userID)
	return ok && h.IsOpen()
}

// OnlineSubset returns the ids from ids that are currently online, in input
// order, without duplicates.
func (r *Registry) OnlineSubset(ids []uint64) []uint64 {
	out := make([]uint64, 0, len(ids))
	seen := make(map[uint64]struct{}, len(ids))

	r.mu.RLock()
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if h, ok := r.sessions[id]; ok && h.IsOpen() {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()
	return out
}

// Online lists every user with an open handle, ascending.
func (r *Registry) Online() []uint64 {
	r.mu.RLock()
	out := make([]uint64, 0, len(r.sessions))
	for id, h := range r.sessions {
		if h.IsOpen() {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Push delivers payload to the user's live handle and reports whether it was
// handed to the transport. Absent users are a silent no-op; stale or failing
// handles are dropped from the registry. Push never returns an error.
func (r *Registry) Push(userID uint64, payload []byte) bool {
	h, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	if !h.IsOpen() {
		r.UnregisterHandle(userID, h)
		return false
	}
	if err := h.Send(payload); err != nil {
		log.Warn().Err(err).Uint64("user_id", userID).Str("conn_id", h.ID()).Msg("push failed, dropping session")
		r.UnregisterHandle(userID, h)
		return false
	}
	return true
}

// CloseAll closes and forgets every handle.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.sessions = make(map[uint64]Handle)
	r.mu.Unlock()

	for _, h := range handles {
		h.Close(code, reason)
	}
}
