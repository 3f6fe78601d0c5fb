package netsrv

import (
	"sync"

	"github.com/cyberspaced/cyberspaced/internal/wire"
)

// Registry tracks which connections are subscribed to which world, and
// implements the enqueuePacketToBroadcastForWorld interface from spec
// §4.E. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	byWorld map[string]map[*Conn]struct{}
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{byWorld: make(map[string]map[*Conn]struct{})}
}

// Subscribe adds c to its world's subscriber set.
func (r *Registry) Subscribe(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byWorld[c.WorldName]
	if !ok {
		set = make(map[*Conn]struct{})
		r.byWorld[c.WorldName] = set
	}
	set[c] = struct{}{}
}

// Unsubscribe removes c from its world's subscriber set.
func (r *Registry) Unsubscribe(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.byWorld[c.WorldName]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byWorld, c.WorldName)
		}
	}
}

// EnqueuePacketToBroadcastForWorld enqueues a copy of f into every
// connection subscribed to world, dropping (and returning for the caller
// to close) any connection whose outbound queue is already full.
func (r *Registry) EnqueuePacketToBroadcastForWorld(f wire.Frame, world string) (overflowed []*Conn) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byWorld[world]))
	for c := range r.byWorld[world] {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		if !c.Enqueue(f) {
			overflowed = append(overflowed, c)
		}
	}
	return overflowed
}

// EnqueueExcept behaves like EnqueuePacketToBroadcastForWorld but skips one
// connection (typically the sender, who already applied the update
// locally).
func (r *Registry) EnqueueExcept(f wire.Frame, world string, except *Conn) (overflowed []*Conn) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byWorld[world]))
	for c := range r.byWorld[world] {
		if c != except {
			conns = append(conns, c)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		if !c.Enqueue(f) {
			overflowed = append(overflowed, c)
		}
	}
	return overflowed
}

// Subscribers returns the number of connections subscribed to world, for
// diagnostics.
func (r *Registry) Subscribers(world string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byWorld[world])
}

// IsSubscribed reports whether avatarUID currently owns a connection
// subscribed to world, satisfying internal/voiceudp.KnownSender.
func (r *Registry) IsSubscribed(world string, avatarUID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.byWorld[world] {
		if c.AvatarUID == avatarUID {
			return true
		}
	}
	return false
}

// WorldOf returns the world name of avatarUID's live connection, if any,
// satisfying the worldOf lookup internal/voiceudp.NewServer takes.
func (r *Registry) WorldOf(avatarUID uint64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for world, conns := range r.byWorld {
		for c := range conns {
			if c.AvatarUID == avatarUID {
				return world, true
			}
		}
	}
	return "", false
}
