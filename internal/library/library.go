// Package library maintains the music index: a sqlite database of tracks,
// albums, artists and genres built by scanning the music directory. The
// control plane consumes it read-only through the Library interface.
package library

import "github.com/resonance-music/resonance/internal/models"

// Filter narrows and pages browse queries. Zero values mean "no filter".
type Filter struct {
	Search      string
	AlbumID     int64
	ArtistID    int64
	GenreID     int64
	Year        int
	Compilation *bool
	Sort        string // "title", "album", "artist", "year", "tracknum"
	Start       int
	Count       int // 0 = no limit
}

// Library is the read-only capability the control plane depends on.
type Library interface {
	Track(id int64) (models.Track, bool)
	TrackByPath(path string) (models.Track, bool)
	Tracks(f Filter) ([]models.Track, int, error)
	Albums(f Filter) ([]models.Album, int, error)
	Artists(f Filter) ([]models.Artist, int, error)
	Genres(f Filter) ([]models.Genre, int, error)
	Totals() (tracks, albums, artists int)
}
