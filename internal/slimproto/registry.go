package slimproto

import (
	"sort"
	"sync"

	"github.com/resonance-music/resonance/internal/events"
)

// Registry maps player MACs to live PlayerClient handles and emits
// connect/disconnect events on the bus.
type Registry struct {
	bus *events.Bus

	mu      sync.Mutex
	players map[string]*PlayerClient
}

// NewRegistry creates an empty registry.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{bus: bus, players: make(map[string]*PlayerClient)}
}

// Add registers a client. A reconnecting MAC replaces (and closes) the
// previous handle, which devices do across network blips.
func (r *Registry) Add(c *PlayerClient) {
	r.mu.Lock()
	old := r.players[c.mac]
	r.players[c.mac] = c
	r.mu.Unlock()

	if old != nil && old != c {
		old.close()
	}
	r.bus.Publish(events.PlayerConnected, events.PlayerEventData{MAC: c.mac, Info: c.info})
}

// Remove drops a client if it is still the registered handle for its MAC,
// and emits the disconnect event. Returns false if the client had already
// been replaced.
func (r *Registry) Remove(c *PlayerClient) bool {
	r.mu.Lock()
	cur, ok := r.players[c.mac]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.players, c.mac)
	r.mu.Unlock()

	r.bus.Publish(events.PlayerDisconnected, events.PlayerEventData{MAC: c.mac, Info: c.info})
	return true
}

// Get returns the client for a MAC.
func (r *Registry) Get(mac string) (*PlayerClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.players[mac]
	return c, ok
}

// All returns the connected clients sorted by MAC for stable enumeration.
func (r *Registry) All() []*PlayerClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PlayerClient, 0, len(r.players))
	for _, c := range r.players {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mac < out[j].mac })
	return out
}

// Count returns the number of connected players.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}
