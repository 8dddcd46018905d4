// Package cometd implements the Bayeux endpoint the Squeezebox web and
// mobile controllers speak: /meta handshake and connect (long-polling and
// streaming), channel subscriptions, and the /slim/* extensions that carry
// JSON-RPC requests over the event channel.
package cometd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/resonance-music/resonance/internal/events"
)

const (
	longPollTimeout = 60 * time.Second
	streamTimeout   = 300 * time.Second
	streamWait      = time.Second
	pingInterval    = 30 * time.Second
	sessionExpiry   = 180 * time.Second
)

// Message is a Bayeux message in either direction.
type Message struct {
	Channel                  string         `json:"channel"`
	ClientID                 string         `json:"clientId,omitempty"`
	ID                       string         `json:"id,omitempty"`
	Successful               *bool          `json:"successful,omitempty"`
	Subscription             string         `json:"subscription,omitempty"`
	ConnectionType           string         `json:"connectionType,omitempty"`
	Version                  string         `json:"version,omitempty"`
	SupportedConnectionTypes []string       `json:"supportedConnectionTypes,omitempty"`
	Data                     any            `json:"data,omitempty"`
	Error                    string         `json:"error,omitempty"`
	Advice                   *Advice        `json:"advice,omitempty"`
	Ext                      map[string]any `json:"ext,omitempty"`
}

// Advice tells the client how to reconnect.
type Advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int    `json:"interval"`
	Timeout   int    `json:"timeout,omitempty"`
}

// Dispatcher executes an embedded slim.request command for a player and
// returns the result object delivered back on the response channel.
type Dispatcher func(playerID string, cmd []any) (map[string]any, error)

// Session is one Bayeux client. Events destined for it queue here until its
// next connect (or are pushed down an open streaming connection).
type Session struct {
	ID string

	mu       sync.Mutex
	queue    []Message
	subs     map[string]bool
	lastSeen time.Time
	wake     chan struct{}
}

func newSession(id string) *Session {
	return &Session{
		ID:       id,
		subs:     make(map[string]bool),
		lastSeen: time.Now(),
		wake:     make(chan struct{}, 1),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) subscribe(pattern string) {
	s.mu.Lock()
	s.subs[pattern] = true
	s.mu.Unlock()
}

func (s *Session) unsubscribe(pattern string) {
	s.mu.Lock()
	delete(s.subs, pattern)
	s.mu.Unlock()
}

// deliver queues a message for the session if any subscription matches its
// channel, or unconditionally when direct is set (slim response channels are
// addressed to the client, not subscribed).
func (s *Session) deliver(msg Message, direct bool) {
	s.mu.Lock()
	ok := direct
	if !ok {
		for pat := range s.subs {
			if MatchChannel(pat, msg.Channel) {
				ok = true
				break
			}
		}
	}
	if ok {
		s.queue = append(s.queue, msg)
	}
	s.mu.Unlock()
	if ok {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// drain takes all queued messages.
func (s *Session) drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

// Manager owns the session table and bridges bus events onto Bayeux
// channels.
type Manager struct {
	bus      *events.Bus
	dispatch Dispatcher

	// pollTimeout is how long a quiet /meta/connect is held open.
	pollTimeout time.Duration
	// streamWait and pingInterval pace the streaming connection loop.
	streamWait   time.Duration
	pingInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	slimSubs map[string]slimSub
}

// NewManager creates a manager. The dispatcher handles /slim/request and
// /slim/subscribe command execution.
func NewManager(bus *events.Bus, dispatch Dispatcher) *Manager {
	return &Manager{
		bus:          bus,
		dispatch:     dispatch,
		pollTimeout:  longPollTimeout,
		streamWait:   streamWait,
		pingInterval: pingInterval,
		sessions:     make(map[string]*Session),
	}
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// newClientID generates the 8-hex-char client id LMS controllers expect.
func newClientID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(b[:])
}

// Handshake creates a new session and returns it.
func (m *Manager) Handshake() *Session {
	s := newSession(newClientID())
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	slog.Debug("cometd: handshake", "client", s.ID)
	return s
}

// Session resolves a client id, creating a fresh session when the id is
// unknown. Controllers reconnect with a stale id after a server restart;
// adopting the id keeps them working without a new handshake.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := newSession(id)
	m.sessions[id] = s
	slog.Debug("cometd: adopted unknown client id", "client", id)
	return s
}

// registered reports whether the session table still holds the id. An open
// streaming connection exits when its session is dropped or reaped.
func (m *Manager) registered(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// Drop removes a session.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Broadcast delivers a message to every session subscribed to its channel.
func (m *Manager) Broadcast(msg Message) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.deliver(msg, false)
	}
}

// DeliverTo queues a message directly for one client regardless of its
// subscriptions.
func (m *Manager) DeliverTo(clientID string, msg Message) {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	m.mu.Unlock()
	if ok {
		s.deliver(msg, true)
	}
}

// reap drops sessions idle past the expiry window.
func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastSeen)
		s.mu.Unlock()
		if idle > sessionExpiry {
			delete(m.sessions, id)
			slog.Debug("cometd: session expired", "client", id, "idle", idle)
		}
	}
}

// MatchChannel reports whether a Bayeux channel matches a subscription
// pattern. "*" matches exactly one segment; "**" matches zero or more
// segments and may appear anywhere in the pattern.
func MatchChannel(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(channel, "/"))
}

func matchSegments(pp, cp []string) bool {
	for len(pp) > 0 {
		if pp[0] == "**" {
			if len(pp) == 1 {
				return true
			}
			for i := 0; i <= len(cp); i++ {
				if matchSegments(pp[1:], cp[i:]) {
					return true
				}
			}
			return false
		}
		if len(cp) == 0 {
			return false
		}
		if pp[0] != "*" && pp[0] != cp[0] {
			return false
		}
		pp, cp = pp[1:], cp[1:]
	}
	return len(cp) == 0
}
