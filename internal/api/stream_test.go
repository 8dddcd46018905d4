package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/jsonrpc"
	"github.com/resonance-music/resonance/internal/playlist"
	"github.com/resonance-music/resonance/internal/slimproto"
	"github.com/resonance-music/resonance/internal/streaming"
	"github.com/resonance-music/resonance/internal/transcode"
)

const testMAC = "aa:bb:cc:dd:ee:ff"

type testEnv struct {
	server *Server
	coord  *streaming.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	bus := events.NewBus()
	playlists := playlist.NewManager()
	coord := streaming.NewCoordinator(func(mac string) (string, bool) {
		t, ok := playlists.CurrentTrack(mac)
		return t.Path, ok
	})
	registry := slimproto.NewRegistry(bus)
	policy := transcode.NewPolicy(nil, nil)

	rpc := jsonrpc.NewDispatcher(jsonrpc.Config{
		Version:   "7.999.999",
		Bus:       bus,
		Registry:  registry,
		Playlists: playlists,
		Coord:     coord,
		Seeks:     streaming.NewSeekCoordinator(),
		Policy:    policy,
	})

	return &testEnv{
		server: NewServer(Config{
			Coord:    coord,
			Policy:   policy,
			Registry: registry,
			RPC:      rpc,
		}),
		coord: coord,
	}
}

func writeTrack(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "track.mp3")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("resonance")) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestStreamRequiresPlayer(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream.mp3", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing player: status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream.mp3?player="+testMAC, nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("no queued file: status = %d", rec.Code)
	}
}

func TestDirectStreamFull(t *testing.T) {
	env := newTestEnv(t)
	path := writeTrack(t, 200000)
	env.coord.QueueFile(testMAC, path)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream.mp3?player="+testMAC, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("content-type = %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("accept-ranges = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "200000" {
		t.Errorf("content-length = %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) != 200000 {
		t.Errorf("body length = %d", len(body))
	}
}

func TestDirectStreamRange(t *testing.T) {
	env := newTestEnv(t)
	path := writeTrack(t, 100000)
	env.coord.QueueFile(testMAC, path)

	req := httptest.NewRequest(http.MethodGet, "/stream.mp3?player="+testMAC, nil)
	req.Header.Set("Range", "bytes=40000-")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 40000-99999/100000" {
		t.Errorf("content-range = %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) != 60000 {
		t.Fatalf("body length = %d", len(body))
	}
	if body[0] != byte(40000%251) {
		t.Errorf("body starts at wrong offset")
	}
}

func TestDirectStreamBoundedRange(t *testing.T) {
	env := newTestEnv(t)
	path := writeTrack(t, 100000)
	env.coord.QueueFile(testMAC, path)

	req := httptest.NewRequest(http.MethodGet, "/stream.mp3?player="+testMAC, nil)
	req.Header.Set("Range", "bytes=1000-1999")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 1000-1999/100000" {
		t.Errorf("content-range = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "1000" {
		t.Errorf("content-length = %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) != 1000 {
		t.Fatalf("body length = %d", len(body))
	}
	if body[0] != byte(1000%251) || body[999] != byte(1999%251) {
		t.Errorf("body window served wrong bytes")
	}
}

func TestByteOffsetOverridesRange(t *testing.T) {
	env := newTestEnv(t)
	path := writeTrack(t, 100000)
	env.coord.QueueFileWithByteOffset(testMAC, path, 70000)

	req := httptest.NewRequest(http.MethodGet, "/stream.mp3?player="+testMAC, nil)
	req.Header.Set("Range", "bytes=10-")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 70000-99999/100000" {
		t.Errorf("content-range = %q", got)
	}

	// The offset is one-shot: consumed by the stream that used it.
	if _, pending := env.coord.ByteOffset(testMAC); pending {
		t.Error("byte offset survived the stream")
	}
}

func TestByteOffsetClampedToFileEnd(t *testing.T) {
	env := newTestEnv(t)
	path := writeTrack(t, 1000)
	env.coord.QueueFileWithByteOffset(testMAC, path, 99999)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream.mp3?player="+testMAC, nil))
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if len(body) != 1 {
		t.Errorf("body length = %d, want final byte only", len(body))
	}
}

func TestCancelledTokenStopsStream(t *testing.T) {
	env := newTestEnv(t)
	path := writeTrack(t, 10_000_000)
	env.coord.QueueFile(testMAC, path)
	env.coord.CancelStream(testMAC)

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream.mp3?player="+testMAC, nil))
	body, _ := io.ReadAll(rec.Body)
	if len(body) != 0 {
		t.Errorf("cancelled stream still sent %d bytes", len(body))
	}
}

func TestJSONRPCRoute(t *testing.T) {
	env := newTestEnv(t)
	body := bytes.NewReader([]byte(`{"id":1,"method":"slim.request","params":["",["serverstatus",0,100]]}`))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jsonrpc.js", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("7.999.999")) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		in         string
		start, end int64
		ok         bool
	}{
		{"", 0, 0, false},
		{"bytes=0-", 0, 9999, true},
		{"bytes=1234-", 1234, 9999, true},
		{"bytes=1234-5678", 1234, 5678, true},
		{"bytes=1234-999999", 1234, 9999, true},
		{"bytes=5678-1234", 0, 0, false},
		{"bytes=-500", 0, 0, false},
		{"bytes=0-99,200-", 0, 0, false},
		{"nonsense", 0, 0, false},
	}
	for _, c := range cases {
		start, end, ok := parseRange(c.in, 10000)
		if ok != c.ok || (ok && (start != c.start || end != c.end)) {
			t.Errorf("parseRange(%q) = (%d, %d, %v), want (%d, %d, %v)",
				c.in, start, end, ok, c.start, c.end, c.ok)
		}
	}
}
