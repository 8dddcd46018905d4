package jsonrpc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/models"
	"github.com/resonance-music/resonance/internal/playlist"
	"github.com/resonance-music/resonance/internal/slimproto"
)

// startCurrent starts playback of the player's current playlist track.
func (d *Dispatcher) startCurrent(p *slimproto.PlayerClient) error {
	t, ok := d.playlists.CurrentTrack(p.MAC())
	if !ok {
		return fmt.Errorf("jsonrpc: playlist empty for %s", p.MAC())
	}
	return p.StartTrack(t.Path, &t)
}

// playCmd answers "play": unpause, or restart from the current playlist
// index when the player is stopped with a non-empty playlist.
func (d *Dispatcher) playCmd(playerID string) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	unpaused, err := p.Play()
	if err != nil {
		return nil, err
	}
	if !unpaused {
		if err := d.startCurrent(p); err != nil {
			return nil, err
		}
	}
	return map[string]any{}, nil
}

// pauseCmd answers "pause [0|1]": explicit set, or toggle with no argument.
func (d *Dispatcher) pauseCmd(playerID string, c command) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	st := p.Status()

	want := st.State != models.StatePaused // toggle default
	switch c.str(0) {
	case "1":
		want = true
	case "0":
		want = false
	}

	if want {
		if st.State == models.StatePlaying || st.State == models.StateBuffering {
			if err := p.Pause(); err != nil {
				return nil, err
			}
		}
		return map[string]any{}, nil
	}
	unpaused, err := p.Play()
	if err != nil {
		return nil, err
	}
	if !unpaused && st.State == models.StateStopped {
		if err := d.startCurrent(p); err != nil {
			return nil, err
		}
	}
	return map[string]any{}, nil
}

// stopCmd answers "stop".
func (d *Dispatcher) stopCmd(playerID string) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	if err := p.Stop(); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// modeCmd answers "mode ?|play|pause|stop".
func (d *Dispatcher) modeCmd(playerID string, c command) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	switch c.str(0) {
	case "?", "":
		return map[string]any{"_mode": p.Status().State.Mode()}, nil
	case "play":
		return d.playCmd(playerID)
	case "pause":
		return d.pauseCmd(playerID, command{args: []any{"1"}})
	case "stop":
		return d.stopCmd(playerID)
	default:
		return nil, fmt.Errorf("jsonrpc: unknown mode %q", c.str(0))
	}
}

// timeCmd answers "time ?|S|+S|-S". Absolute and relative seeks clamp to
// [0, duration-1] and run through the seek coordinator, so rapid scrubbing
// coalesces into one stop/flush/restart cycle.
func (d *Dispatcher) timeCmd(playerID string, c command) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	st := p.Status()
	elapsed := float64(st.ElapsedMS) / 1000

	arg := c.str(0)
	if arg == "?" || arg == "" {
		return map[string]any{"_time": elapsed}, nil
	}

	target := c.num(0, 0)
	if strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-") {
		target = elapsed + target
	}
	if target < 0 {
		target = 0
	}
	if dur := float64(st.DurationMS) / 1000; dur > 1 && target > dur-1 {
		target = dur - 1
	}

	d.seekTo(context.Background(), p, target)
	return map[string]any{"_time": target}, nil
}

// mixerCmd answers "mixer volume|muting ...".
func (d *Dispatcher) mixerCmd(playerID string, c command) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	st := p.Status()

	switch c.str(0) {
	case "volume":
		arg := c.str(1)
		if arg == "?" || arg == "" {
			return map[string]any{"_volume": st.Volume}, nil
		}
		vol := int(c.num(1, float64(st.Volume)))
		if strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-") {
			vol = st.Volume + vol
		}
		if err := p.SetVolume(vol); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "muting":
		arg := c.str(1)
		switch arg {
		case "?":
			return map[string]any{"_muting": boolInt(st.Muted)}, nil
		case "1":
			err = p.SetMuted(true)
		case "0":
			err = p.SetMuted(false)
		default: // toggle
			err = p.SetMuted(!st.Muted)
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	default:
		return nil, fmt.Errorf("jsonrpc: unknown mixer field %q", c.str(0))
	}
}

// resolveTrack turns a URL or path into a playlist entry, preferring the
// library row when the path is indexed.
func (d *Dispatcher) resolveTrack(url string) models.PlaylistTrack {
	path := strings.TrimPrefix(url, "file://")
	if d.lib != nil {
		if t, ok := d.lib.TrackByPath(path); ok {
			return models.Snapshot(t)
		}
	}
	title := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return models.PlaylistTrack{Path: path, Title: title}
}

// trackByID fetches a playlist entry from a library track id.
func (d *Dispatcher) trackByID(id int64) (models.PlaylistTrack, bool) {
	if d.lib == nil {
		return models.PlaylistTrack{}, false
	}
	t, ok := d.lib.Track(id)
	if !ok {
		return models.PlaylistTrack{}, false
	}
	return models.Snapshot(t), true
}

// playlistCmd answers the "playlist <sub> ..." family.
func (d *Dispatcher) playlistCmd(playerID string, c command) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	mac := p.MAC()
	sub := c.str(0)

	switch sub {
	case "play", "load":
		t := d.resolveTrack(c.str(1))
		d.playlists.With(mac, func(pl *playlist.Playlist) {
			pl.Replace([]models.PlaylistTrack{t})
		})
		d.publishPlaylist(mac)
		if err := p.StartTrack(t.Path, &t); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "add", "append":
		t := d.resolveTrack(c.str(1))
		d.playlists.With(mac, func(pl *playlist.Playlist) { pl.Add(t) })
		d.publishPlaylist(mac)
		return map[string]any{}, nil

	case "insert":
		t := d.resolveTrack(c.str(1))
		d.playlists.With(mac, func(pl *playlist.Playlist) { pl.Insert(t) })
		d.publishPlaylist(mac)
		return map[string]any{}, nil

	case "delete":
		idx := int(c.num(1, -1))
		var ok bool
		d.playlists.With(mac, func(pl *playlist.Playlist) { ok = pl.Delete(idx) })
		if !ok {
			return nil, fmt.Errorf("jsonrpc: bad playlist index %d", idx)
		}
		d.publishPlaylist(mac)
		return map[string]any{}, nil

	case "clear":
		d.coord.CancelStream(mac)
		if err := p.Stop(); err != nil {
			return nil, err
		}
		d.playlists.With(mac, func(pl *playlist.Playlist) { pl.Clear() })
		d.publishPlaylist(mac)
		return map[string]any{}, nil

	case "move":
		from := int(c.num(1, -1))
		to := int(c.num(2, -1))
		var ok bool
		d.playlists.With(mac, func(pl *playlist.Playlist) { ok = pl.Move(from, to) })
		if !ok {
			return nil, fmt.Errorf("jsonrpc: bad move %d -> %d", from, to)
		}
		d.publishPlaylist(mac)
		return map[string]any{}, nil

	case "index", "jump":
		return d.playlistJump(p, c)

	case "shuffle":
		arg := c.str(1)
		var on bool
		d.playlists.With(mac, func(pl *playlist.Playlist) {
			switch arg {
			case "?":
				on = pl.Shuffled()
			case "0":
				pl.SetShuffle(false)
			case "1":
				pl.SetShuffle(true)
			default:
				pl.SetShuffle(!pl.Shuffled())
			}
			on = pl.Shuffled()
		})
		if arg == "?" {
			return map[string]any{"_shuffle": boolInt(on)}, nil
		}
		d.publishPlaylist(mac)
		return map[string]any{}, nil

	case "repeat":
		arg := c.str(1)
		var mode playlist.RepeatMode
		d.playlists.With(mac, func(pl *playlist.Playlist) {
			switch arg {
			case "?":
			case "0", "1", "2":
				pl.SetRepeat(playlist.RepeatMode(int(c.num(1, 0))))
			default:
				pl.SetRepeat((pl.Repeat() + 1) % 3)
			}
			mode = pl.Repeat()
		})
		if arg == "?" {
			return map[string]any{"_repeat": int(mode)}, nil
		}
		return map[string]any{}, nil

	case "tracks":
		var n int
		d.playlists.With(mac, func(pl *playlist.Playlist) { n = pl.Len() })
		return map[string]any{"_tracks": n}, nil

	case "loadtracks", "addtracks":
		return d.playlistLoadTracks(p, c, sub == "loadtracks")

	case "name":
		return map[string]any{"_name": ""}, nil

	default:
		return nil, fmt.Errorf("jsonrpc: unknown playlist command %q", sub)
	}
}

// playlistJump answers "playlist index ?|N|+1|-1".
func (d *Dispatcher) playlistJump(p *slimproto.PlayerClient, c command) (map[string]any, error) {
	mac := p.MAC()
	arg := c.str(1)
	if arg == "?" {
		var idx int
		d.playlists.With(mac, func(pl *playlist.Playlist) { idx = pl.CurrentIndex() })
		return map[string]any{"_index": idx}, nil
	}

	var moved bool
	d.playlists.With(mac, func(pl *playlist.Playlist) {
		switch arg {
		case "+1":
			moved = pl.Next()
		case "-1":
			moved = pl.Previous()
		default:
			moved = pl.Jump(int(c.num(1, -1)))
		}
	})
	if !moved {
		return nil, fmt.Errorf("jsonrpc: playlist index %q out of range", arg)
	}
	d.publishPlaylist(mac)
	if err := d.startCurrent(p); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// playlistLoadTracks answers "playlist loadtracks|addtracks" with track_id
// or search tags. loadtracks replaces the queue and starts playback.
func (d *Dispatcher) playlistLoadTracks(p *slimproto.PlayerClient, c command, replace bool) (map[string]any, error) {
	tracks := d.collectTracks(c)
	if len(tracks) == 0 {
		return nil, fmt.Errorf("jsonrpc: no tracks matched")
	}
	mac := p.MAC()
	d.playlists.With(mac, func(pl *playlist.Playlist) {
		if replace {
			pl.Replace(tracks)
		} else {
			pl.Add(tracks...)
		}
	})
	d.publishPlaylist(mac)
	if replace {
		if err := d.startCurrent(p); err != nil {
			return nil, err
		}
	}
	return map[string]any{"count": len(tracks)}, nil
}

func (d *Dispatcher) publishPlaylist(mac string) {
	var tracks []models.PlaylistTrack
	var idx int
	d.playlists.With(mac, func(pl *playlist.Playlist) {
		tracks = pl.Tracks()
		idx = pl.CurrentIndex()
	})
	d.bus.Publish(events.PlayerPlaylist, map[string]any{
		"playerid": mac,
		"tracks":   tracks,
		"index":    idx,
	})
}
