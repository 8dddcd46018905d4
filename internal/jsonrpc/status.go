package jsonrpc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/resonance-music/resonance/internal/library"
	"github.com/resonance-music/resonance/internal/models"
	"github.com/resonance-music/resonance/internal/playlist"
)

// serverStatus answers "serverstatus": library totals plus the player list.
func (d *Dispatcher) serverStatus(c command) (map[string]any, error) {
	tracks, albums, artists := 0, 0, 0
	if d.lib != nil {
		tracks, albums, artists = d.lib.Totals()
	}

	players := d.registry.All()
	loop := make([]map[string]any, 0, len(players))
	for i, p := range players {
		loop = append(loop, playerEntry(i, p.Info(), p.Status()))
	}

	return map[string]any{
		"version":            d.version,
		"uuid":               d.uuid,
		"name":               d.name,
		"info total albums":  albums,
		"info total artists": artists,
		"info total songs":   tracks,
		"info total genres":  d.genreTotal(),
		"player count":       len(players),
		"players_loop":       loop,
		"lastscan":           d.started.Unix(),
		"needsrestart":       0,
	}, nil
}

func (d *Dispatcher) genreTotal() int {
	if d.lib == nil {
		return 0
	}
	_, n, err := d.lib.Genres(library.Filter{})
	if err != nil {
		return 0
	}
	return n
}

func playerEntry(index int, info models.PlayerInfo, st models.PlayerStatus) map[string]any {
	return map[string]any{
		"playerindex": index,
		"playerid":    info.MAC,
		"uuid":        info.UUID,
		"name":        info.Name,
		"model":       string(info.Type),
		"firmware":    info.Revision,
		"ip":          info.Address,
		"connected":   1,
		"isplaying":   boolInt(st.State == models.StatePlaying || st.State == models.StateBuffering),
		"power":       1,
		"canpoweroff": 0,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// playersCmd answers "players <start> <count>".
func (d *Dispatcher) playersCmd(c command) (map[string]any, error) {
	start := int(c.num(0, 0))
	count := int(c.num(1, 100))
	players := d.registry.All()

	loop := make([]map[string]any, 0)
	for i := start; i < len(players) && i < start+count; i++ {
		loop = append(loop, playerEntry(i, players[i].Info(), players[i].Status()))
	}
	return map[string]any{
		"count":        len(players),
		"players_loop": loop,
	}, nil
}

// playerCmd answers "player <field> <index|id> ?" probes.
func (d *Dispatcher) playerCmd(c command) (map[string]any, error) {
	field := c.str(0)
	if field == "count" {
		return map[string]any{"_count": d.registry.Count()}, nil
	}

	sel := c.str(1)
	players := d.registry.All()
	var info models.PlayerInfo
	found := false
	// A bare number selects by index; anything else (a MAC) selects by id.
	if idx, err := strconv.Atoi(sel); err == nil && idx >= 0 && idx < len(players) {
		info = players[idx].Info()
		found = true
	} else {
		for _, p := range players {
			if p.MAC() == sel {
				info = p.Info()
				found = true
				break
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("jsonrpc: no player %q", sel)
	}

	switch field {
	case "name":
		return map[string]any{"_name": info.Name}, nil
	case "id":
		return map[string]any{"_id": info.MAC}, nil
	case "uuid":
		return map[string]any{"_uuid": info.UUID}, nil
	case "ip":
		return map[string]any{"_ip": info.Address}, nil
	case "model":
		return map[string]any{"_model": string(info.Type)}, nil
	default:
		return nil, fmt.Errorf("jsonrpc: unknown player field %q", field)
	}
}

// playerInfo answers "playerinfo".
func (d *Dispatcher) playerInfo(playerID string) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	info := p.Info()
	return map[string]any{
		"playerid": info.MAC,
		"name":     info.Name,
		"model":    string(info.Type),
		"firmware": info.Revision,
		"ip":       info.Address,
	}, nil
}

// statusCmd answers "status <start> <count>" for one player. start "-" means
// the window begins at the current playlist index.
func (d *Dispatcher) statusCmd(playerID string, c command) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	st := p.Status()

	var (
		tracks  []models.PlaylistTrack
		curIdx  int
		repeat  playlist.RepeatMode
		shuffle bool
	)
	d.playlists.With(p.MAC(), func(pl *playlist.Playlist) {
		tracks = pl.Tracks()
		curIdx = pl.CurrentIndex()
		repeat = pl.Repeat()
		shuffle = pl.Shuffled()
	})

	start := 0
	if s := c.str(0); s == "-" {
		start = curIdx
	} else {
		start = int(c.num(0, 0))
	}
	count := int(c.num(1, 100))
	if count <= 0 {
		count = 100
	}

	loop := make([]map[string]any, 0)
	for i := start; i < len(tracks) && i < start+count; i++ {
		t := tracks[i]
		entry := map[string]any{
			"playlist index": i,
			"id":             t.TrackID,
			"title":          t.Title,
			"artist":         t.Artist,
			"album":          t.Album,
			"url":            t.Path,
			"duration":       float64(t.DurationMS) / 1000,
		}
		loop = append(loop, entry)
	}

	result := map[string]any{
		"player_name":        p.Info().Name,
		"player_connected":   1,
		"power":              1,
		"mode":               st.State.Mode(),
		"time":               float64(st.ElapsedMS) / 1000,
		"duration":           float64(st.DurationMS) / 1000,
		"mixer volume":       st.Volume,
		"mixer muting":       boolInt(st.Muted),
		"playlist_cur_index": curIdx,
		"playlist_tracks":    len(tracks),
		"playlist repeat":    int(repeat),
		"playlist shuffle":   boolInt(shuffle),
		"playlist_loop":      loop,
		"seq_no":             0,
		"signalstrength":     0,
	}
	if st.CurrentTrack != nil {
		result["current_title"] = st.CurrentTrack.Title
	}
	return result, nil
}

// dateCmd answers "date" with the server clock.
func (d *Dispatcher) dateCmd() (map[string]any, error) {
	now := time.Now()
	return map[string]any{
		"date":  now.Format("2006-01-02"),
		"time":  now.Format("15:04:05"),
		"epoch": now.Unix(),
	}, nil
}

// menuCmd answers the "menu" skeleton SqueezePlay controllers request on
// connect. Resonance serves the browse hierarchy through browselibrary.
func (d *Dispatcher) menuCmd(c command) (map[string]any, error) {
	items := []map[string]any{
		{"id": "myMusicArtists", "text": "Artists", "weight": 10,
			"actions": browseAction("artists")},
		{"id": "myMusicAlbums", "text": "Albums", "weight": 20,
			"actions": browseAction("albums")},
		{"id": "myMusicGenres", "text": "Genres", "weight": 30,
			"actions": browseAction("genres")},
		{"id": "myMusicSongs", "text": "Tracks", "weight": 40,
			"actions": browseAction("tracks")},
	}
	return map[string]any{
		"count":     len(items),
		"item_loop": items,
	}, nil
}

func browseAction(mode string) map[string]any {
	return map[string]any{
		"go": map[string]any{
			"cmd":    []string{"browselibrary", "items"},
			"params": map[string]any{"mode": mode, "menu": 1},
		},
	}
}
