package service

import (
	"log/slog"
	"sort"
	"sync"
)

// Channel is one live client connection. Send must not block: it either
// enqueues the frame or reports failure so the registry can evict the
// connection. Close is idempotent.
type Channel interface {
	ID() string
	Send(frame []byte) error
	Close()
}

// Registry tracks which identity owns which live channel. One channel per
// identity: registering a newer connection closes the previous one, so a
// stale socket can never shadow a reconnect.
type Registry struct {
	mu     sync.Mutex
	byUser map[int64]Channel
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		byUser: make(map[int64]Channel),
		logger: logger,
	}
}

// Register binds ch to userID, closing any channel the identity already had.
func (r *Registry) Register(userID int64, ch Channel) {
	r.mu.Lock()
	prev := r.byUser[userID]
	r.byUser[userID] = ch
	r.mu.Unlock()

	if prev != nil {
		prev.Close()
		r.logger.Info("replaced live channel",
			slog.Int64("user_id", userID),
			slog.String("old_channel_id", prev.ID()),
			slog.String("new_channel_id", ch.ID()),
		)
	}
}

// Unregister removes the binding only if channelID still owns it. A teardown
// racing a reconnect must not evict the newer channel.
func (r *Registry) Unregister(userID int64, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.byUser[userID]
	if !ok || current.ID() != channelID {
		return
	}
	delete(r.byUser, userID)
}

// IsOnline reports whether the identity has a live channel.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byUser[userID]
	return ok
}

// Push sends a frame to the identity's channel. A failed send evicts the
// channel and closes it; the caller learns delivery did not happen.
func (r *Registry) Push(userID int64, frame []byte) bool {
	r.mu.Lock()
	ch, ok := r.byUser[userID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	if err := ch.Send(frame); err != nil {
		r.logger.Warn("push failed; evicting channel",
			slog.Int64("user_id", userID),
			slog.String("channel_id", ch.ID()),
			slog.String("error", err.Error()),
		)
		r.Unregister(userID, ch.ID())
		ch.Close()
		return false
	}
	return true
}

// Online returns the ids of all connected identities in ascending order.
func (r *Registry) Online() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of connected identities.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// CloseAll closes every channel and empties the registry. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := make([]Channel, 0, len(r.byUser))
	for _, ch := range r.byUser {
		channels = append(channels, ch)
	}
	r.byUser = make(map[int64]Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
}
