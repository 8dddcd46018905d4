package jsonrpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/library"
	"github.com/resonance-music/resonance/internal/models"
	"github.com/resonance-music/resonance/internal/playlist"
	"github.com/resonance-music/resonance/internal/slimproto"
	"github.com/resonance-music/resonance/internal/streaming"
	"github.com/resonance-music/resonance/internal/transcode"
)

// fakeLib is an in-memory Library stub.
type fakeLib struct {
	tracks  []models.Track
	albums  []models.Album
	artists []models.Artist
	genres  []models.Genre
}

func (f *fakeLib) Track(id int64) (models.Track, bool) {
	for _, t := range f.tracks {
		if t.ID == id {
			return t, true
		}
	}
	return models.Track{}, false
}

func (f *fakeLib) TrackByPath(path string) (models.Track, bool) {
	for _, t := range f.tracks {
		if t.Path == path {
			return t, true
		}
	}
	return models.Track{}, false
}

func (f *fakeLib) Tracks(flt library.Filter) ([]models.Track, int, error) {
	out := f.tracks
	if flt.AlbumID != 0 {
		out = nil
		for _, t := range f.tracks {
			if t.AlbumID == flt.AlbumID {
				out = append(out, t)
			}
		}
	}
	return out, len(out), nil
}

func (f *fakeLib) Albums(library.Filter) ([]models.Album, int, error) {
	return f.albums, len(f.albums), nil
}

func (f *fakeLib) Artists(library.Filter) ([]models.Artist, int, error) {
	return f.artists, len(f.artists), nil
}

func (f *fakeLib) Genres(library.Filter) ([]models.Genre, int, error) {
	return f.genres, len(f.genres), nil
}

func (f *fakeLib) Totals() (int, int, int) {
	return len(f.tracks), len(f.albums), len(f.artists)
}

func testDispatcher(t *testing.T, lib library.Library) *Dispatcher {
	t.Helper()
	bus := events.NewBus()
	playlists := playlist.NewManager()
	return NewDispatcher(Config{
		Version:    "7.999.999",
		UUID:       "test-uuid",
		ServerName: "testserver",
		Bus:        bus,
		Registry:   slimproto.NewRegistry(bus),
		Playlists:  playlists,
		Coord: streaming.NewCoordinator(func(mac string) (string, bool) {
			t, ok := playlists.CurrentTrack(mac)
			return t.Path, ok
		}),
		Seeks:      streaming.NewSeekCoordinator(),
		Policy:     transcode.NewPolicy(nil, nil),
		Library:    lib,
	})
}

func TestParseCommand(t *testing.T) {
	c := parseCommand([]any{"status", "-", float64(100), "tags:galKLm", "album_id:7"})
	if c.name != "status" {
		t.Errorf("name = %q", c.name)
	}
	if len(c.args) != 2 || c.str(0) != "-" || c.num(1, 0) != 100 {
		t.Errorf("args = %v", c.args)
	}
	if c.tags["tags"] != "galKLm" || c.tags["album_id"] != "7" {
		t.Errorf("tags = %v", c.tags)
	}
}

func TestParseCommandURLNotATag(t *testing.T) {
	c := parseCommand([]any{"playlist", "play", "file:///music/a.mp3"})
	if len(c.args) != 2 || c.str(1) != "file:///music/a.mp3" {
		t.Fatalf("url swallowed as tag: args=%v tags=%v", c.args, c.tags)
	}
}

func TestWantFieldGating(t *testing.T) {
	c := parseCommand([]any{"titles", float64(0), float64(10), "tags:al"})
	if !c.wantField('a') || !c.wantField('l') {
		t.Error("requested fields denied")
	}
	if c.wantField('y') {
		t.Error("unrequested field allowed")
	}
	noTags := parseCommand([]any{"titles"})
	if !noTags.wantField('y') {
		t.Error("missing tags param should allow all fields")
	}
}

func TestServerStatus(t *testing.T) {
	lib := &fakeLib{
		tracks:  []models.Track{{ID: 1}, {ID: 2}, {ID: 3}},
		albums:  []models.Album{{ID: 1}},
		artists: []models.Artist{{ID: 1}, {ID: 2}},
	}
	d := testDispatcher(t, lib)

	res, err := d.Dispatch("", []any{"serverstatus", float64(0), float64(100)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res["version"] != "7.999.999" {
		t.Errorf("version = %v", res["version"])
	}
	if res["info total songs"] != 3 || res["info total albums"] != 1 || res["info total artists"] != 2 {
		t.Errorf("totals = %v / %v / %v",
			res["info total songs"], res["info total albums"], res["info total artists"])
	}
	if res["player count"] != 0 {
		t.Errorf("player count = %v", res["player count"])
	}
}

func TestBrowseCommands(t *testing.T) {
	lib := &fakeLib{
		tracks:  []models.Track{{ID: 1, Title: "One", AlbumID: 5, HasArtwork: true, Path: "/m/one.mp3"}},
		albums:  []models.Album{{ID: 5, Title: "Album Five", Artist: "A"}},
		artists: []models.Artist{{ID: 9, Name: "A"}},
		genres:  []models.Genre{{ID: 2, Name: "Jazz"}},
	}
	d := testDispatcher(t, lib)

	res, err := d.Dispatch("", []any{"albums", float64(0), float64(10)})
	if err != nil {
		t.Fatalf("albums: %v", err)
	}
	if res["count"] != 1 {
		t.Errorf("albums count = %v", res["count"])
	}

	res, err = d.Dispatch("", []any{"titles", float64(0), float64(10), "tags:u"})
	if err != nil {
		t.Fatalf("titles: %v", err)
	}
	loop := res["titles_loop"].([]map[string]any)
	if len(loop) != 1 {
		t.Fatalf("titles_loop = %v", loop)
	}
	if loop[0]["url"] != "file:///m/one.mp3" {
		t.Errorf("url = %v", loop[0]["url"])
	}
	if _, present := loop[0]["artist"]; present {
		t.Error("artist included without its tag code")
	}

	res, err = d.Dispatch("", []any{"browselibrary", "items", float64(0), float64(10), "mode:genres"})
	if err != nil {
		t.Fatalf("browselibrary: %v", err)
	}
	if res["count"] != 1 {
		t.Errorf("browselibrary count = %v", res["count"])
	}
}

func TestUnknownCommandAndUnknownPlayer(t *testing.T) {
	d := testDispatcher(t, &fakeLib{})
	if _, err := d.Dispatch("", []any{"frobnicate"}); err == nil {
		t.Error("unknown command accepted")
	}
	if _, err := d.Dispatch("aa:bb:cc:dd:ee:ff", []any{"play"}); err == nil {
		t.Error("command for unknown player accepted")
	}
}

// synchsafe encodes n as four 7-bit bytes.
func synchsafe(n int64) [4]byte {
	return [4]byte{
		byte(n >> 21 & 0x7f),
		byte(n >> 14 & 0x7f),
		byte(n >> 7 & 0x7f),
		byte(n & 0x7f),
	}
}

func writeMP3Fixture(t *testing.T, tagSize, totalSize int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.mp3")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create fixture: %v", err)
	}
	header := []byte{'I', 'D', '3', 4, 0, 0}
	ss := synchsafe(tagSize - 10)
	header = append(header, ss[:]...)
	if _, err := f.Write(header); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := f.Truncate(totalSize); err != nil {
		t.Fatalf("truncate fixture: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close fixture: %v", err)
	}
	return path
}

func TestByteOffsetInterpolation(t *testing.T) {
	// 10 MB file with a 200000-byte leading tag, 600 s duration: seeking to
	// 30 s lands at 200000 + 30*(10000000-200000)/600 = 690000.
	path := writeMP3Fixture(t, 200000, 10000000)

	start, err := audioDataStart(path)
	if err != nil {
		t.Fatalf("audioDataStart: %v", err)
	}
	if start != 200000 {
		t.Fatalf("audioDataStart = %d, want 200000", start)
	}

	off, err := byteOffsetFor(path, 30, 600)
	if err != nil {
		t.Fatalf("byteOffsetFor: %v", err)
	}
	if off != 690000 {
		t.Errorf("offset = %d, want 690000", off)
	}
}

func TestByteOffsetClamping(t *testing.T) {
	path := writeMP3Fixture(t, 200000, 10000000)

	// Past the end: clamped away from the tail.
	off, err := byteOffsetFor(path, 10000, 600)
	if err != nil {
		t.Fatalf("byteOffsetFor: %v", err)
	}
	if want := int64(10000000 - tailGuard); off != want {
		t.Errorf("tail clamp = %d, want %d", off, want)
	}

	// Before the start: clamped to the first audio byte.
	off, err = byteOffsetFor(path, 0, 600)
	if err != nil {
		t.Fatalf("byteOffsetFor: %v", err)
	}
	if off != 200000 {
		t.Errorf("head clamp = %d, want 200000", off)
	}

	if _, err := byteOffsetFor(path, 30, 0); err == nil {
		t.Error("zero duration accepted")
	}
}

func TestAudioDataStartWithoutTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.mp3")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xff}, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	start, err := audioDataStart(path)
	if err != nil || start != 0 {
		t.Errorf("start = %d err = %v, want 0", start, err)
	}
}

func TestHandlerEnvelope(t *testing.T) {
	d := testDispatcher(t, &fakeLib{})

	body, _ := json.Marshal(map[string]any{
		"id": 1, "method": "slim.request",
		"params": []any{"", []any{"version", "?"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/jsonrpc.js", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Result["_version"] != "7.999.999" {
		t.Errorf("result = %+v", resp.Result)
	}

	// Dispatch failures stay HTTP 200 with an error field.
	body, _ = json.Marshal(map[string]any{
		"id": 2, "method": "slim.request",
		"params": []any{"", []any{"frobnicate"}},
	})
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jsonrpc.js", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("error status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == "" {
		t.Error("dispatch error not surfaced")
	}

	// Malformed envelopes are rejected outright.
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jsonrpc.js", bytes.NewReader([]byte("{"))))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", rec.Code)
	}
}

func TestStaleTrackFinishedDropped(t *testing.T) {
	d := testDispatcher(t, &fakeLib{})
	d.coord.QueueFile("aa:bb:cc:dd:ee:ff", "/m/a.mp3") // generation 1

	// Stale generation: must not panic or touch the (absent) player.
	d.advance(events.TrackFinishedData{MAC: "aa:bb:cc:dd:ee:ff", Generation: 0})

	// Suppression window: a manual start just happened.
	d.coord.MarkManualStart("aa:bb:cc:dd:ee:ff")
	d.advance(events.TrackFinishedData{MAC: "aa:bb:cc:dd:ee:ff", Generation: 1})
}
