package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/resonance-music/resonance/internal/artwork"
)

// coverSpec matches cover filenames: cover.jpg, cover_300x300_m.jpg,
// cover_300x300_o.png, cover_300x300_p_ffffff.jpg.
var coverSpec = regexp.MustCompile(`^cover(?:_(\d+)x(\d+)_([mop])(?:_([0-9a-fA-F]{6}))?)?(?:\.(jpg|jpeg|png))?$`)

// handleCover serves GET /music/{trackID}/cover... with optional resize.
// ETags come from the artwork cache key, so unchanged files revalidate with
// a 304.
func (s *Server) handleCover(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "trackID"), 10, 64)
	if err != nil {
		http.Error(w, "bad track id", http.StatusBadRequest)
		return
	}
	m := coverSpec.FindStringSubmatch(chi.URLParam(r, "cover"))
	if m == nil {
		http.Error(w, "bad cover spec", http.StatusBadRequest)
		return
	}

	data, mime, etag, err := s.art.Track(id)
	if err != nil {
		if errors.Is(err, artwork.ErrNoArtwork) {
			http.Error(w, "no artwork", http.StatusNotFound)
			return
		}
		slog.Debug("api: artwork lookup failed", "track", id, "err", err)
		http.Error(w, "no artwork", http.StatusNotFound)
		return
	}

	if m[1] != "" {
		width, _ := strconv.Atoi(m[1])
		height, _ := strconv.Atoi(m[2])
		if width < 1 || height < 1 || width > 4096 || height > 4096 {
			http.Error(w, "bad dimensions", http.StatusBadRequest)
			return
		}
		mode := artwork.ResizeMode(m[3][0])
		resized, resizedMIME, err := artwork.Resize(data, width, height, mode)
		if err != nil {
			slog.Warn("api: artwork resize failed", "track", id, "err", err)
			http.Error(w, "resize failed", http.StatusInternalServerError)
			return
		}
		data, mime = resized, resizedMIME
		etag = etag + "-" + m[1] + "x" + m[2] + m[3]
	}
	serveArt(w, r, data, mime, etag)
}

// serveArt writes artwork bytes with ETag revalidation.
func serveArt(w http.ResponseWriter, r *http.Request, data []byte, mime, etag string) {
	quoted := `"` + etag + `"`
	if r.Header.Get("If-None-Match") == quoted {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("ETag", quoted)
	w.Header().Set("Cache-Control", "max-age=86400")
	_, _ = w.Write(data)
}

// handleTrackArt serves GET /api/artwork/track/{id}: the original embedded
// image, unresized.
func (s *Server) handleTrackArt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad track id", http.StatusBadRequest)
		return
	}
	data, mime, etag, err := s.art.Track(id)
	if err != nil {
		http.Error(w, "no artwork", http.StatusNotFound)
		return
	}
	serveArt(w, r, data, mime, etag)
}

// handleAlbumArt serves GET /api/artwork/album/{id}.
func (s *Server) handleAlbumArt(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad album id", http.StatusBadRequest)
		return
	}
	data, mime, etag, err := s.art.Album(id)
	if err != nil {
		http.Error(w, "no artwork", http.StatusNotFound)
		return
	}
	serveArt(w, r, data, mime, etag)
}

// handleBlurHashByKind serves the blurhash endpoints for tracks and albums.
func (s *Server) handleBlurHashByKind(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		var hash string
		if kind == "album" {
			hash, err = s.art.BlurHashForAlbum(id)
		} else {
			hash, err = s.art.BlurHashFor(id)
		}
		if err != nil {
			http.Error(w, "no artwork", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"blurhash": hash})
	}
}

// handleBlurHash serves GET /music/{trackID}/blurhash.
func (s *Server) handleBlurHash(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "trackID"), 10, 64)
	if err != nil {
		http.Error(w, "bad track id", http.StatusBadRequest)
		return
	}
	hash, err := s.art.BlurHashFor(id)
	if err != nil {
		http.Error(w, "no artwork", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"blurhash": hash})
}
