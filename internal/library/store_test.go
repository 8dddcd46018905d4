package library

import (
	"fmt"
	"testing"

	"github.com/resonance-music/resonance/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store) {
	t.Helper()
	for i := 0; i < 10; i++ {
		album := "First Light"
		artist := "Aurora Drive"
		if i >= 5 {
			album = "Night Signals"
			artist = "The Waveform"
		}
		err := s.AddTrack(models.Track{
			Path:    fmt.Sprintf("/music/%s/%02d.flac", album, i),
			Title:   fmt.Sprintf("Song %02d", i),
			Artist:  artist,
			Album:   album,
			Genre:   "Electronic",
			Year:    2020 + i%2,
			TrackNo: i + 1,
		})
		if err != nil {
			t.Fatalf("AddTrack: %v", err)
		}
	}
}

func TestAddTrackAndLookup(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	tr, ok := s.TrackByPath("/music/First Light/00.flac")
	if !ok {
		t.Fatal("track not found by path")
	}
	if tr.Title != "Song 00" || tr.Artist != "Aurora Drive" || tr.Album != "First Light" {
		t.Errorf("got %+v", tr)
	}
	if tr.AlbumID == 0 || tr.ArtistID == 0 || tr.GenreID == 0 {
		t.Errorf("relations not linked: %+v", tr)
	}

	again, ok := s.Track(tr.ID)
	if !ok || again.Path != tr.Path {
		t.Errorf("Track(%d) = %+v ok=%v", tr.ID, again, ok)
	}
}

func TestAddTrackUpsertByPath(t *testing.T) {
	s := testStore(t)
	seed(t, s)
	before, _, _ := s.Totals()

	err := s.AddTrack(models.Track{
		Path: "/music/First Light/00.flac", Title: "Song 00 (Remaster)",
		Artist: "Aurora Drive", Album: "First Light",
	})
	if err != nil {
		t.Fatalf("AddTrack: %v", err)
	}
	after, _, _ := s.Totals()
	if before != after {
		t.Fatalf("rescan grew track count: %d -> %d", before, after)
	}
	tr, _ := s.TrackByPath("/music/First Light/00.flac")
	if tr.Title != "Song 00 (Remaster)" {
		t.Errorf("title not updated: %q", tr.Title)
	}
}

func TestTracksFilterAndPaging(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	albums, _, err := s.Albums(Filter{Search: "Night"})
	if err != nil {
		t.Fatalf("Albums: %v", err)
	}
	if len(albums) != 1 || albums[0].Title != "Night Signals" {
		t.Fatalf("albums = %+v", albums)
	}

	tracks, total, err := s.Tracks(Filter{AlbumID: albums[0].ID, Sort: "tracknum"})
	if err != nil {
		t.Fatalf("Tracks: %v", err)
	}
	if total != 5 || len(tracks) != 5 {
		t.Fatalf("total=%d len=%d", total, len(tracks))
	}

	page, total, err := s.Tracks(Filter{AlbumID: albums[0].ID, Start: 2, Count: 2})
	if err != nil {
		t.Fatalf("Tracks paged: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("paged total=%d len=%d", total, len(page))
	}
}

func TestArtistsAndGenres(t *testing.T) {
	s := testStore(t)
	seed(t, s)

	artists, total, err := s.Artists(Filter{})
	if err != nil || total != 2 || len(artists) != 2 {
		t.Fatalf("Artists: %v total=%d len=%d", err, total, len(artists))
	}
	if artists[0].Name != "Aurora Drive" {
		t.Errorf("sort order: %q first", artists[0].Name)
	}

	genres, total, err := s.Genres(Filter{})
	if err != nil || total != 1 || genres[0].Name != "Electronic" {
		t.Fatalf("Genres: %v %+v", err, genres)
	}
}

func TestTotals(t *testing.T) {
	s := testStore(t)
	seed(t, s)
	tracks, albums, artists := s.Totals()
	if tracks != 10 || albums != 2 || artists != 2 {
		t.Fatalf("totals = %d/%d/%d", tracks, albums, artists)
	}
}
