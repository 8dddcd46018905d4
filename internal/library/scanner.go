package library

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"

	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/models"
)

// audioExts lists the file extensions the scanner picks up.
var audioExts = map[string]bool{
	".mp3": true, ".flac": true, ".flc": true, ".ogg": true, ".opus": true,
	".wav": true, ".aiff": true, ".aif": true, ".m4a": true, ".m4b": true,
	".mp4": true, ".aac": true, ".alac": true, ".wma": true,
}

// Scanner walks the music directory and feeds tagged tracks into the store.
type Scanner struct {
	store *Store
	bus   *events.Bus
}

// NewScanner creates a scanner over the store.
func NewScanner(store *Store, bus *events.Bus) *Scanner {
	return &Scanner{store: store, bus: bus}
}

// Scan indexes every audio file under root, publishing scan progress on the
// bus. Files that fail to parse are indexed from their filename alone; a
// broken tag should not hide a track.
func (s *Scanner) Scan(root string) error {
	s.bus.Publish(events.ScanStarted, events.ScanProgressData{})
	slog.Info("library: scan started", "root", root)

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("library: walk error", "path", path, "err", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if audioExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, path := range paths {
		if err := s.store.AddTrack(readTrack(path)); err != nil {
			slog.Warn("library: index failed", "path", path, "err", err)
		}
		if (i+1)%100 == 0 {
			s.bus.Publish(events.ScanProgress, events.ScanProgressData{Scanned: i + 1, Total: len(paths)})
		}
	}

	s.bus.Publish(events.ScanComplete, events.ScanProgressData{Scanned: len(paths), Total: len(paths)})
	slog.Info("library: scan complete", "tracks", len(paths))
	return nil
}

// readTrack extracts tag metadata from one file, falling back to the
// filename when the tag is unreadable.
func readTrack(path string) models.Track {
	t := models.Track{
		Path:  path,
		Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}

	f, err := os.Open(path)
	if err != nil {
		return t
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		slog.Debug("library: unreadable tag", "path", path, "err", err)
		return t
	}
	if v := strings.TrimSpace(m.Title()); v != "" {
		t.Title = v
	}
	t.Artist = strings.TrimSpace(m.Artist())
	if t.Artist == "" {
		t.Artist = strings.TrimSpace(m.AlbumArtist())
	}
	t.Album = strings.TrimSpace(m.Album())
	t.Genre = strings.TrimSpace(m.Genre())
	t.Year = m.Year()
	t.TrackNo, _ = m.Track()
	t.DiscNo, _ = m.Disc()
	t.HasArtwork = m.Picture() != nil
	return t
}
