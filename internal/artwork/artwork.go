// Package artwork extracts cover art embedded in audio tags, caches it on
// disk keyed by file identity, and serves resized variants and BlurHash
// placeholders.
package artwork

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/buckket/go-blurhash"
	"github.com/dhowden/tag"
	"github.com/google/renameio/v2"
	"golang.org/x/image/draw"

	"github.com/resonance-music/resonance/internal/library"
)

// ErrNoArtwork is returned when a track carries no embedded picture.
var ErrNoArtwork = errors.New("artwork: none embedded")

// Provider resolves and caches artwork for library tracks and albums.
type Provider struct {
	cacheDir string
	lib      library.Library
}

// NewProvider creates a provider caching under cacheDir/artwork.
func NewProvider(cacheDir string, lib library.Library) (*Provider, error) {
	dir := filepath.Join(cacheDir, "artwork")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artwork: create cache dir: %w", err)
	}
	return &Provider{cacheDir: dir, lib: lib}, nil
}

// CacheKey derives the cache entry name from the file's identity: its path,
// mtime and size. Editing the file invalidates the entry.
func CacheKey(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%d", path, fi.ModTime().UnixNano(), fi.Size()))
	return fmt.Sprintf("%x", sum), nil
}

// Track returns the artwork bytes, MIME type and ETag for a track.
func (p *Provider) Track(trackID int64) ([]byte, string, string, error) {
	t, ok := p.lib.Track(trackID)
	if !ok {
		return nil, "", "", fmt.Errorf("artwork: unknown track %d", trackID)
	}
	return p.forPath(t.Path)
}

// Album returns artwork for an album by finding any of its tracks that
// embeds a picture.
func (p *Provider) Album(albumID int64) ([]byte, string, string, error) {
	tracks, _, err := p.lib.Tracks(library.Filter{AlbumID: albumID})
	if err != nil {
		return nil, "", "", err
	}
	for _, t := range tracks {
		if !t.HasArtwork {
			continue
		}
		if data, mime, etag, err := p.forPath(t.Path); err == nil {
			return data, mime, etag, nil
		}
	}
	return nil, "", "", ErrNoArtwork
}

func (p *Provider) forPath(path string) ([]byte, string, string, error) {
	key, err := CacheKey(path)
	if err != nil {
		return nil, "", "", err
	}

	dataFile := filepath.Join(p.cacheDir, key+".data")
	mimeFile := filepath.Join(p.cacheDir, key+".mime")
	if data, err := os.ReadFile(dataFile); err == nil {
		mime, _ := os.ReadFile(mimeFile)
		return data, string(mime), key, nil
	}

	data, mime, err := extract(path)
	if err != nil {
		return nil, "", "", err
	}
	if err := renameio.WriteFile(dataFile, data, 0o644); err != nil {
		slog.Warn("artwork: cache write failed", "path", dataFile, "err", err)
	}
	if err := renameio.WriteFile(mimeFile, []byte(mime), 0o644); err != nil {
		slog.Warn("artwork: cache write failed", "path", mimeFile, "err", err)
	}
	return data, mime, key, nil
}

// BlurHashFor returns (and caches) the BlurHash string for a track's art.
func (p *Provider) BlurHashFor(trackID int64) (string, error) {
	t, ok := p.lib.Track(trackID)
	if !ok {
		return "", fmt.Errorf("artwork: unknown track %d", trackID)
	}
	key, err := CacheKey(t.Path)
	if err != nil {
		return "", err
	}
	bhFile := filepath.Join(p.cacheDir, key+".blurhash")
	if cached, err := os.ReadFile(bhFile); err == nil {
		return string(cached), nil
	}

	data, _, _, err := p.forPath(t.Path)
	if err != nil {
		return "", err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("artwork: decode for blurhash: %w", err)
	}
	// Hash a small thumbnail; BlurHash precision does not improve past it.
	thumb := scaleTo(img, 64, 64)
	hash, err := blurhash.Encode(4, 3, thumb)
	if err != nil {
		return "", fmt.Errorf("artwork: blurhash: %w", err)
	}
	if err := renameio.WriteFile(bhFile, []byte(hash), 0o644); err != nil {
		slog.Warn("artwork: cache write failed", "path", bhFile, "err", err)
	}
	return hash, nil
}

// BlurHashForAlbum returns the BlurHash of the album's cover track.
func (p *Provider) BlurHashForAlbum(albumID int64) (string, error) {
	tracks, _, err := p.lib.Tracks(library.Filter{AlbumID: albumID})
	if err != nil {
		return "", err
	}
	for _, t := range tracks {
		if t.HasArtwork {
			if h, err := p.BlurHashFor(t.ID); err == nil {
				return h, nil
			}
		}
	}
	return "", ErrNoArtwork
}

// extract pulls the embedded picture out of an audio file's tag.
func extract(path string) ([]byte, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return nil, "", fmt.Errorf("artwork: read tag %s: %w", path, err)
	}
	pic := m.Picture()
	if pic == nil || len(pic.Data) == 0 {
		return nil, "", ErrNoArtwork
	}
	mime := pic.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return pic.Data, mime, nil
}

// ResizeMode matches the LMS cover URL spec letters.
type ResizeMode byte

const (
	ModeFit   ResizeMode = 'm' // fit within WxH, keep aspect
	ModeExact ResizeMode = 'o' // stretch to exactly WxH
	ModePad   ResizeMode = 'p' // fit, then pad to WxH
)

// Resize renders artwork at the requested size and returns JPEG bytes
// (PNG in, PNG out to keep transparency for pad mode).
func Resize(data []byte, width, height int, mode ResizeMode) ([]byte, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("artwork: decode: %w", err)
	}

	var out image.Image
	switch mode {
	case ModeExact:
		out = scaleTo(img, width, height)
	case ModePad:
		fw, fh := fitSize(img.Bounds().Dx(), img.Bounds().Dy(), width, height)
		fitted := scaleTo(img, fw, fh)
		canvas := image.NewRGBA(image.Rect(0, 0, width, height))
		off := image.Pt((width-fw)/2, (height-fh)/2)
		draw.Draw(canvas, fitted.Bounds().Add(off), fitted, image.Point{}, draw.Over)
		out = canvas
	default: // ModeFit
		fw, fh := fitSize(img.Bounds().Dx(), img.Bounds().Dy(), width, height)
		out = scaleTo(img, fw, fh)
	}

	var buf bytes.Buffer
	if format == "png" || mode == ModePad {
		if err := png.Encode(&buf, out); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}

func fitSize(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return maxW, maxH
	}
	scale := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	fw := max(1, int(float64(w)*scale))
	fh := max(1, int(float64(h)*scale))
	return fw, fh
}

func scaleTo(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}
