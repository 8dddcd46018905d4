package jsonrpc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/resonance-music/resonance/internal/library"
	"github.com/resonance-music/resonance/internal/models"
	"github.com/resonance-music/resonance/internal/playlist"
)

// libFilter builds a library filter from a browse command: positional
// start/count plus the usual tag parameters.
func libFilter(c command) library.Filter {
	f := library.Filter{
		Start: int(c.num(0, 0)),
		Count: int(c.num(1, 100)),
	}
	if s, ok := c.tags["search"]; ok {
		f.Search = s
	}
	f.AlbumID = c.tagInt64("album_id", 0)
	f.ArtistID = c.tagInt64("artist_id", 0)
	f.GenreID = c.tagInt64("genre_id", 0)
	f.Year = c.tagInt("year", 0)
	if v, ok := c.tags["compilation"]; ok {
		comp := v == "1"
		f.Compilation = &comp
	}
	if s, ok := c.tags["sort"]; ok {
		f.Sort = s
	}
	return f
}

// trackFields lists which optional track fields a "tags:" parameter turns
// on, keyed by the LMS single-letter codes.
var trackFields = map[byte]string{
	'a': "artist",
	'l': "album",
	'g': "genre",
	'y': "year",
	'd': "duration",
	't': "tracknum",
	'i': "disc",
	'j': "coverart",
	'u': "url",
	'e': "album_id",
	's': "artist_id",
	'K': "artwork_url",
}

// wantField reports whether the command's tags: parameter requests a field.
// With no tags: parameter every field is included.
func (c command) wantField(code byte) bool {
	spec, ok := c.tags["tags"]
	if !ok {
		return true
	}
	return strings.IndexByte(spec, code) >= 0
}

func trackEntry(c command, t models.Track) map[string]any {
	e := map[string]any{
		"id":    t.ID,
		"title": t.Title,
	}
	if c.wantField('a') {
		e["artist"] = t.Artist
	}
	if c.wantField('l') {
		e["album"] = t.Album
	}
	if c.wantField('g') {
		e["genre"] = t.Genre
	}
	if c.wantField('y') && t.Year != 0 {
		e["year"] = t.Year
	}
	if c.wantField('d') {
		e["duration"] = float64(t.DurationMS) / 1000
	}
	if c.wantField('t') && t.TrackNo != 0 {
		e["tracknum"] = t.TrackNo
	}
	if c.wantField('i') && t.DiscNo != 0 {
		e["disc"] = t.DiscNo
	}
	if c.wantField('j') {
		e["coverart"] = boolInt(t.HasArtwork)
	}
	if c.wantField('u') {
		e["url"] = "file://" + t.Path
	}
	if c.wantField('e') && t.AlbumID != 0 {
		e["album_id"] = t.AlbumID
	}
	if c.wantField('s') && t.ArtistID != 0 {
		e["artist_id"] = t.ArtistID
	}
	if c.wantField('K') && t.HasArtwork {
		e["artwork_url"] = fmt.Sprintf("/music/%d/cover.jpg", t.ID)
	}
	return e
}

// artistsCmd answers "artists <start> <count> [tags...]".
func (d *Dispatcher) artistsCmd(c command) (map[string]any, error) {
	if d.lib == nil {
		return nil, fmt.Errorf("jsonrpc: no library")
	}
	artists, total, err := d.lib.Artists(libFilter(c))
	if err != nil {
		return nil, err
	}
	loop := make([]map[string]any, 0, len(artists))
	for _, a := range artists {
		loop = append(loop, map[string]any{"id": a.ID, "artist": a.Name})
	}
	return map[string]any{"count": total, "artists_loop": loop}, nil
}

// albumsCmd answers "albums <start> <count> [tags...]".
func (d *Dispatcher) albumsCmd(c command) (map[string]any, error) {
	if d.lib == nil {
		return nil, fmt.Errorf("jsonrpc: no library")
	}
	albums, total, err := d.lib.Albums(libFilter(c))
	if err != nil {
		return nil, err
	}
	loop := make([]map[string]any, 0, len(albums))
	for _, a := range albums {
		e := map[string]any{"id": a.ID, "album": a.Title}
		if c.wantField('a') {
			e["artist"] = a.Artist
		}
		if c.wantField('y') && a.Year != 0 {
			e["year"] = a.Year
		}
		if c.wantField('j') {
			e["artwork_track_id"] = boolInt(a.HasArtwork)
		}
		loop = append(loop, e)
	}
	return map[string]any{"count": total, "albums_loop": loop}, nil
}

// titlesCmd answers "titles"/"tracks"/"songs".
func (d *Dispatcher) titlesCmd(c command) (map[string]any, error) {
	if d.lib == nil {
		return nil, fmt.Errorf("jsonrpc: no library")
	}
	tracks, total, err := d.lib.Tracks(libFilter(c))
	if err != nil {
		return nil, err
	}
	loop := make([]map[string]any, 0, len(tracks))
	for _, t := range tracks {
		loop = append(loop, trackEntry(c, t))
	}
	return map[string]any{"count": total, "titles_loop": loop}, nil
}

// genresCmd answers "genres <start> <count>".
func (d *Dispatcher) genresCmd(c command) (map[string]any, error) {
	if d.lib == nil {
		return nil, fmt.Errorf("jsonrpc: no library")
	}
	genres, total, err := d.lib.Genres(libFilter(c))
	if err != nil {
		return nil, err
	}
	loop := make([]map[string]any, 0, len(genres))
	for _, g := range genres {
		loop = append(loop, map[string]any{"id": g.ID, "genre": g.Name})
	}
	return map[string]any{"count": total, "genres_loop": loop}, nil
}

// rolesCmd answers "roles". Resonance tracks a single artist role.
func (d *Dispatcher) rolesCmd(c command) (map[string]any, error) {
	return map[string]any{
		"count":      1,
		"roles_loop": []map[string]any{{"id": 1, "role": "ARTIST"}},
	}, nil
}

// searchCmd answers "search <start> <count> term:<q>" across artists,
// albums and tracks.
func (d *Dispatcher) searchCmd(c command) (map[string]any, error) {
	if d.lib == nil {
		return nil, fmt.Errorf("jsonrpc: no library")
	}
	term := c.tags["term"]
	if term == "" {
		term = c.tags["search"]
	}
	f := libFilter(c)
	f.Search = term

	artists, artistTotal, err := d.lib.Artists(f)
	if err != nil {
		return nil, err
	}
	albums, albumTotal, err := d.lib.Albums(f)
	if err != nil {
		return nil, err
	}
	tracks, trackTotal, err := d.lib.Tracks(f)
	if err != nil {
		return nil, err
	}

	artistLoop := make([]map[string]any, 0, len(artists))
	for _, a := range artists {
		artistLoop = append(artistLoop, map[string]any{"contributor_id": a.ID, "contributor": a.Name})
	}
	albumLoop := make([]map[string]any, 0, len(albums))
	for _, a := range albums {
		albumLoop = append(albumLoop, map[string]any{"album_id": a.ID, "album": a.Title})
	}
	trackLoop := make([]map[string]any, 0, len(tracks))
	for _, t := range tracks {
		trackLoop = append(trackLoop, map[string]any{"track_id": t.ID, "track": t.Title})
	}

	return map[string]any{
		"count":              artistTotal + albumTotal + trackTotal,
		"contributors_count": artistTotal,
		"contributors_loop":  artistLoop,
		"albums_count":       albumTotal,
		"albums_loop":        albumLoop,
		"tracks_count":       trackTotal,
		"tracks_loop":        trackLoop,
	}, nil
}

// browseLibrary answers "browselibrary items" for SqueezePlay menu drills.
// The mode parameter selects the underlying browse command.
func (d *Dispatcher) browseLibrary(c command) (map[string]any, error) {
	if c.str(0) != "items" {
		return nil, fmt.Errorf("jsonrpc: unknown browselibrary verb %q", c.str(0))
	}
	mode := c.tags["mode"]
	// Shift positional args: items <start> <count>.
	var rest []any
	if len(c.args) > 1 {
		rest = c.args[1:]
	}
	sub := command{name: mode, args: rest, tags: c.tags}
	switch mode {
	case "artists":
		return d.artistsCmd(sub)
	case "albums":
		return d.albumsCmd(sub)
	case "genres":
		return d.genresCmd(sub)
	case "tracks", "titles":
		return d.titlesCmd(sub)
	default:
		return nil, fmt.Errorf("jsonrpc: unknown browse mode %q", mode)
	}
}

// collectTracks resolves the track set a playlistcontrol/loadtracks command
// names: an explicit id list, or every track matching the filter tags.
func (d *Dispatcher) collectTracks(c command) []models.PlaylistTrack {
	if d.lib == nil {
		return nil
	}
	if ids, ok := c.tags["track_id"]; ok {
		var out []models.PlaylistTrack
		for _, s := range strings.Split(ids, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				continue
			}
			if t, ok := d.trackByID(id); ok {
				out = append(out, t)
			}
		}
		return out
	}

	f := libFilter(c)
	f.Start = 0
	f.Count = 0
	if f.Sort == "" {
		f.Sort = "tracknum"
	}
	tracks, _, err := d.lib.Tracks(f)
	if err != nil {
		return nil
	}
	out := make([]models.PlaylistTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, models.Snapshot(t))
	}
	return out
}

// playlistControl answers "playlistcontrol cmd:load|add|insert|delete ..."
// with album_id/artist_id/genre_id/track_id selectors.
func (d *Dispatcher) playlistControl(playerID string, c command) (map[string]any, error) {
	p, err := d.player(playerID)
	if err != nil {
		return nil, err
	}
	tracks := d.collectTracks(c)
	if len(tracks) == 0 {
		return nil, fmt.Errorf("jsonrpc: no tracks matched")
	}
	mac := p.MAC()

	switch c.tags["cmd"] {
	case "load", "play":
		d.playlists.With(mac, func(pl *playlist.Playlist) { pl.Replace(tracks) })
		d.publishPlaylist(mac)
		if err := d.startCurrent(p); err != nil {
			return nil, err
		}
	case "add", "append":
		d.playlists.With(mac, func(pl *playlist.Playlist) { pl.Add(tracks...) })
		d.publishPlaylist(mac)
	case "insert":
		d.playlists.With(mac, func(pl *playlist.Playlist) { pl.Insert(tracks...) })
		d.publishPlaylist(mac)
	case "delete":
		d.playlists.With(mac, func(pl *playlist.Playlist) {
			byPath := make(map[string]bool, len(tracks))
			for _, t := range tracks {
				byPath[t.Path] = true
			}
			for i := pl.Len() - 1; i >= 0; i-- {
				if byPath[pl.Tracks()[i].Path] {
					pl.Delete(i)
				}
			}
		})
		d.publishPlaylist(mac)
	default:
		return nil, fmt.Errorf("jsonrpc: unknown playlistcontrol cmd %q", c.tags["cmd"])
	}
	return map[string]any{"count": len(tracks)}, nil
}
