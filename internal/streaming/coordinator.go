// Package streaming owns the per-player stream slots: which file is queued,
// any pending seek, the stream generation, and the cancellation token the
// HTTP route watches. It also serializes seek requests (see seek.go).
package streaming

import (
	"log/slog"
	"sync"
	"time"
)

// suppressWindow is how long after a manual track start an underrun-driven
// auto-advance is ignored. Devices often emit a final STMu for the stream
// that was just replaced.
const suppressWindow = time.Second

// AudioProvider resolves the file a player should stream when its slot is
// empty. Wired to the playlist manager's current track.
type AudioProvider func(mac string) (string, bool)

// CancelToken signals stream cancellation to whoever is pushing bytes.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

func newCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel marks the token cancelled. Safe to call more than once.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} {
	return t.ch
}

// SeekTime is a time-based seek request. End < 0 means "to end of track".
type SeekTime struct {
	Start float64
	End   float64
}

type slot struct {
	path        string
	seek        *SeekTime
	byteOffset  int64 // -1 when unset
	generation  uint64
	token       *CancelToken
	manualStart time.Time
}

// Coordinator tracks one slot per player. All mutations bump the slot
// generation and replace the cancel token, cancelling the old one first.
type Coordinator struct {
	mu       sync.Mutex
	slots    map[string]*slot
	provider AudioProvider
}

// NewCoordinator creates a coordinator. provider may be nil.
func NewCoordinator(provider AudioProvider) *Coordinator {
	return &Coordinator{slots: make(map[string]*slot), provider: provider}
}

// SetProvider installs the empty-slot fallback resolver.
func (c *Coordinator) SetProvider(p AudioProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = p
}

// locked: returns the slot, creating it lazily.
func (c *Coordinator) getSlot(mac string) *slot {
	s, ok := c.slots[mac]
	if !ok {
		s = &slot{byteOffset: -1, token: newCancelToken()}
		c.slots[mac] = s
	}
	return s
}

// locked: cancel the old token, install a fresh one, bump the generation.
func (s *slot) bump() {
	s.token.Cancel()
	s.token = newCancelToken()
	s.generation++
}

// QueueFile cancels any active stream and queues path with no seek.
func (c *Coordinator) QueueFile(mac, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.getSlot(mac)
	s.bump()
	s.path = path
	s.seek = nil
	s.byteOffset = -1
}

// QueueFileWithSeek queues path with a time-based seek. Any byte offset is
// cleared; at most one of the two may be set.
func (c *Coordinator) QueueFileWithSeek(mac, path string, startSec, endSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.getSlot(mac)
	s.bump()
	s.path = path
	s.seek = &SeekTime{Start: startSec, End: endSec}
	s.byteOffset = -1
}

// QueueFileWithByteOffset queues path with a byte offset. Any time-based
// seek is cleared.
func (c *Coordinator) QueueFileWithByteOffset(mac, path string, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.getSlot(mac)
	s.bump()
	s.path = path
	s.seek = nil
	s.byteOffset = offset
}

// ResolveFile returns the file the player should stream: the queued slot
// path, or the provider's answer when the slot is empty.
func (c *Coordinator) ResolveFile(mac string) (string, bool) {
	c.mu.Lock()
	s, ok := c.slots[mac]
	var path string
	if ok {
		path = s.path
	}
	provider := c.provider
	c.mu.Unlock()

	if path != "" {
		slog.Debug("streaming: resolved from slot", "mac", mac, "path", path)
		return path, true
	}
	if provider != nil {
		if p, ok := provider(mac); ok && p != "" {
			slog.Debug("streaming: resolved from provider", "mac", mac, "path", p)
			return p, true
		}
	}
	return "", false
}

// CancelStream cancels the player's current token without touching the
// queued path. The next queue call installs a fresh token.
func (c *Coordinator) CancelStream(mac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mac]; ok {
		s.token.Cancel()
	}
}

// Token returns the player's current cancellation token.
func (c *Coordinator) Token(mac string) *CancelToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getSlot(mac).token
}

// Generation returns the player's current stream generation.
func (c *Coordinator) Generation(mac string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mac]; ok {
		return s.generation
	}
	return 0
}

// SeekPosition returns the pending time-based seek, if any.
func (c *Coordinator) SeekPosition(mac string) (SeekTime, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mac]; ok && s.seek != nil {
		return *s.seek, true
	}
	return SeekTime{}, false
}

// ByteOffset returns the pending byte offset, if any.
func (c *Coordinator) ByteOffset(mac string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mac]; ok && s.byteOffset >= 0 {
		return s.byteOffset, true
	}
	return 0, false
}

// ClearSeek drops the time-based seek. The HTTP route calls this once
// streaming has actually begun; a seek applies exactly once.
func (c *Coordinator) ClearSeek(mac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mac]; ok {
		s.seek = nil
	}
}

// ClearByteOffset drops the byte offset after it has been applied.
func (c *Coordinator) ClearByteOffset(mac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mac]; ok {
		s.byteOffset = -1
	}
}

// MarkManualStart opens the auto-advance suppression window for the player.
func (c *Coordinator) MarkManualStart(mac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getSlot(mac).manualStart = time.Now()
}

// InSuppressionWindow reports whether a manual start happened recently
// enough that a track-finished event should be ignored.
func (c *Coordinator) InSuppressionWindow(mac string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mac]; ok {
		return time.Since(s.manualStart) < suppressWindow
	}
	return false
}

// DropPlayer cancels and forgets the player's slot.
func (c *Coordinator) DropPlayer(mac string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mac]; ok {
		s.token.Cancel()
		delete(c.slots, mac)
	}
}
