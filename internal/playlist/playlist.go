// Package playlist implements the per-player play queue with repeat and
// shuffle, and the manager that owns one queue per player.
package playlist

import (
	"math/rand"
	"sync"

	"github.com/resonance-music/resonance/internal/models"
)

// RepeatMode follows the LMS numbering: 0 off, 1 repeat one, 2 repeat all.
type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatOne
	RepeatAll
)

// Playlist is one player's ordered queue. All methods are called with the
// manager's lock held; Playlist itself is not safe for concurrent use.
type Playlist struct {
	tracks        []models.PlaylistTrack
	current       int
	repeat        RepeatMode
	shuffled      bool
	originalOrder []models.PlaylistTrack // pre-shuffle order, nil unless shuffled
}

// Tracks returns a copy of the queue.
func (p *Playlist) Tracks() []models.PlaylistTrack {
	return append([]models.PlaylistTrack(nil), p.tracks...)
}

// Len returns the number of queued tracks.
func (p *Playlist) Len() int { return len(p.tracks) }

// CurrentIndex returns the current track index (0 when empty).
func (p *Playlist) CurrentIndex() int { return p.current }

// Repeat returns the repeat mode.
func (p *Playlist) Repeat() RepeatMode { return p.repeat }

// Shuffled reports whether shuffle is on.
func (p *Playlist) Shuffled() bool { return p.shuffled }

// Current returns the current track.
func (p *Playlist) Current() (models.PlaylistTrack, bool) {
	if len(p.tracks) == 0 {
		return models.PlaylistTrack{}, false
	}
	return p.tracks[p.current], true
}

// clampIndex restores the index invariant after any mutation.
func (p *Playlist) clampIndex() {
	if len(p.tracks) == 0 {
		p.current = 0
		return
	}
	if p.current < 0 {
		p.current = 0
	}
	if p.current >= len(p.tracks) {
		p.current = len(p.tracks) - 1
	}
}

// Add appends tracks to the end of the queue.
func (p *Playlist) Add(tracks ...models.PlaylistTrack) {
	p.tracks = append(p.tracks, tracks...)
	if p.shuffled {
		p.originalOrder = append(p.originalOrder, tracks...)
	}
	p.clampIndex()
}

// Insert places tracks immediately after the current track.
func (p *Playlist) Insert(tracks ...models.PlaylistTrack) {
	if len(p.tracks) == 0 {
		p.Add(tracks...)
		return
	}
	at := p.current + 1
	rest := append([]models.PlaylistTrack(nil), p.tracks[at:]...)
	p.tracks = append(p.tracks[:at], append(tracks, rest...)...)
	if p.shuffled {
		p.originalOrder = append(p.originalOrder, tracks...)
	}
}

// Replace clears the queue and loads the given tracks, starting at index 0.
func (p *Playlist) Replace(tracks []models.PlaylistTrack) {
	p.tracks = append([]models.PlaylistTrack(nil), tracks...)
	p.current = 0
	p.shuffled = false
	p.originalOrder = nil
}

// Delete removes the track at index. Deleting before the current track
// shifts the index left; deleting the current track keeps the index (now
// pointing at the next track), clamped to the end.
func (p *Playlist) Delete(index int) bool {
	if index < 0 || index >= len(p.tracks) {
		return false
	}
	p.tracks = append(p.tracks[:index], p.tracks[index+1:]...)
	if index < p.current {
		p.current--
	}
	p.clampIndex()
	return true
}

// Clear empties the queue.
func (p *Playlist) Clear() {
	p.tracks = nil
	p.current = 0
	p.shuffled = false
	p.originalOrder = nil
}

// Move relocates the track at from to position to, adjusting the current
// index so the same track stays current.
func (p *Playlist) Move(from, to int) bool {
	n := len(p.tracks)
	if from < 0 || from >= n || to < 0 || to >= n || from == to {
		return false
	}
	t := p.tracks[from]
	p.tracks = append(p.tracks[:from], p.tracks[from+1:]...)
	rest := append([]models.PlaylistTrack(nil), p.tracks[to:]...)
	p.tracks = append(p.tracks[:to], append([]models.PlaylistTrack{t}, rest...)...)

	switch {
	case from == p.current:
		p.current = to
	case from < p.current && to >= p.current:
		p.current--
	case from > p.current && to <= p.current:
		p.current++
	}
	p.clampIndex()
	return true
}

// Jump sets the current index explicitly.
func (p *Playlist) Jump(index int) bool {
	if index < 0 || index >= len(p.tracks) {
		return false
	}
	p.current = index
	return true
}

// Next advances the queue, honoring repeat. It returns false when the end
// is reached with repeat off.
func (p *Playlist) Next() bool {
	if len(p.tracks) == 0 {
		return false
	}
	switch p.repeat {
	case RepeatOne:
		return true
	default:
		if p.current+1 < len(p.tracks) {
			p.current++
			return true
		}
		if p.repeat == RepeatAll {
			p.current = 0
			return true
		}
		return false
	}
}

// Previous steps back, wrapping only with repeat all.
func (p *Playlist) Previous() bool {
	if len(p.tracks) == 0 {
		return false
	}
	if p.repeat == RepeatOne {
		return true
	}
	if p.current > 0 {
		p.current--
		return true
	}
	if p.repeat == RepeatAll {
		p.current = len(p.tracks) - 1
		return true
	}
	return false
}

// SetRepeat sets the repeat mode.
func (p *Playlist) SetRepeat(mode RepeatMode) { p.repeat = mode }

// SetShuffle toggles shuffle. Turning it on moves the current track to
// index 0 and saves the original order; turning it off restores that order
// and rebinds the index to wherever the still-current track landed.
func (p *Playlist) SetShuffle(on bool) {
	if on == p.shuffled {
		return
	}
	if on {
		p.originalOrder = append([]models.PlaylistTrack(nil), p.tracks...)
		if len(p.tracks) > 1 {
			cur := p.tracks[p.current]
			rest := make([]models.PlaylistTrack, 0, len(p.tracks)-1)
			rest = append(rest, p.tracks[:p.current]...)
			rest = append(rest, p.tracks[p.current+1:]...)
			rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
			p.tracks = append([]models.PlaylistTrack{cur}, rest...)
		}
		p.current = 0
		p.shuffled = true
		return
	}

	var cur models.PlaylistTrack
	hasCur := len(p.tracks) > 0
	if hasCur {
		cur = p.tracks[p.current]
	}
	p.tracks = p.originalOrder
	p.originalOrder = nil
	p.shuffled = false
	if hasCur {
		for i, t := range p.tracks {
			if t.Path == cur.Path {
				p.current = i
				break
			}
		}
	}
	p.clampIndex()
}

// Manager owns one Playlist per player MAC.
type Manager struct {
	mu    sync.Mutex
	lists map[string]*Playlist
}

// NewManager creates an empty playlist manager.
func NewManager() *Manager {
	return &Manager{lists: make(map[string]*Playlist)}
}

// With runs fn with the player's playlist under the manager lock, creating
// the playlist lazily. The playlist must not escape fn.
func (m *Manager) With(mac string, fn func(p *Playlist)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.lists[mac]
	if !ok {
		p = &Playlist{}
		m.lists[mac] = p
	}
	fn(p)
}

// CurrentTrack returns the player's current track, if any.
func (m *Manager) CurrentTrack(mac string) (models.PlaylistTrack, bool) {
	var (
		t  models.PlaylistTrack
		ok bool
	)
	m.With(mac, func(p *Playlist) {
		t, ok = p.Current()
	})
	return t, ok
}

// Drop forgets the player's playlist.
func (m *Manager) Drop(mac string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, mac)
}
