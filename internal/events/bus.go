// Package events provides the publish-subscribe event bus that links the
// Slimproto control plane to the Cometd and JSON-RPC surfaces.
package events

import (
	"strings"
	"sync"
)

// Well-known channels. Names use "." separators; subscription patterns
// support a trailing ".*" (one level) and "*" alone (everything).
const (
	PlayerConnected    = "player.connected"
	PlayerDisconnected = "player.disconnected"
	PlayerStatus       = "player.status"
	PlayerPlaylist     = "player.playlist"
	TrackFinished      = "player.track_finished"
	ScanStarted        = "library.scan.started"
	ScanProgress       = "library.scan.progress"
	ScanComplete       = "library.scan.complete"
)

const subBufferSize = 16

// Event is one published message.
type Event struct {
	Channel string
	Data    any
}

// TrackFinishedData is the payload of a TrackFinished event. Generation tags
// the stream the underrun belongs to so stale events can be discarded.
type TrackFinishedData struct {
	MAC        string
	Generation uint64
}

type subscriber struct {
	pattern string
	ch      chan Event
}

// Bus is a non-blocking publish-subscribe event bus. Subscribers that are
// slow to consume have events dropped rather than blocking publishers, so a
// stuck Cometd client can never stall the Slimproto read loop.
type Bus struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a subscription with the given id and channel pattern.
// The returned channel receives every event whose channel matches the
// pattern. Call Unsubscribe with the same id when done.
func (b *Bus) Subscribe(id, pattern string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscriber{pattern: pattern, ch: make(chan Event, subBufferSize)}
	b.subs[id] = s
	return s.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish delivers an event to every matching subscriber. Delivery is
// best-effort per subscriber; a full channel drops the event for that
// subscriber only.
func (b *Bus) Publish(channel string, data any) {
	ev := Event{Channel: channel, Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !Match(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// Drop if subscriber is slow
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Match reports whether an event channel matches a subscription pattern.
// Patterns are either an exact channel name, "*" (all channels), or a prefix
// with a trailing ".*" matching exactly one extra level.
func Match(pattern, channel string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == channel {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		rest, ok := strings.CutPrefix(channel, prefix+".")
		if !ok {
			return false
		}
		return rest != "" && !strings.Contains(rest, ".")
	}
	return false
}
