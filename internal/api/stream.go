package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/resonance-music/resonance/internal/models"
	"github.com/resonance-music/resonance/internal/streaming"
	"github.com/resonance-music/resonance/internal/transcode"
)

const streamChunk = 64 * 1024

// cancelCheckEvery is how many chunks pass between cancellation-token polls
// on the hot path.
const cancelCheckEvery = 4

// mimeByExt maps source formats to their direct-stream Content-Type.
var mimeByExt = map[string]string{
	"mp3":  "audio/mpeg",
	"flac": "audio/flac",
	"flc":  "audio/flac",
	"ogg":  "audio/ogg",
	"opus": "audio/opus",
	"wav":  "audio/wav",
	"aiff": "audio/aiff",
	"aif":  "audio/aiff",
	"m4a":  "audio/mp4",
	"m4b":  "audio/mp4",
	"mp4":  "audio/mp4",
	"aac":  "audio/aac",
	"wma":  "audio/x-ms-wma",
}

// handleStream serves GET /stream.mp3?player=MAC: the route every strm-s
// frame points the device at. The file comes from the player's stream slot
// and is either passed through with range support or piped through a
// transcode pipeline.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rawMAC := r.URL.Query().Get("player")
	if rawMAC == "" {
		http.Error(w, "missing player parameter", http.StatusBadRequest)
		return
	}
	mac, err := models.NormalizeMAC(rawMAC)
	if err != nil {
		http.Error(w, "bad player parameter", http.StatusBadRequest)
		return
	}

	path, ok := s.coord.ResolveFile(mac)
	if !ok {
		http.Error(w, "no track queued", http.StatusNotFound)
		return
	}

	dev := models.DeviceUnknown
	if p, ok := s.registry.Get(mac); ok {
		dev = p.Info().Type
	}

	ext := transcode.NormalizeExt(path)
	if s.policy.NeedsTranscoding(ext, dev) {
		s.serveTranscoded(w, r, mac, path, ext, dev)
		return
	}
	s.serveDirect(w, r, mac, path, ext)
}

// serveDirect streams the file as-is. A pending byte-offset seek overrides
// any Range header; otherwise Range requests get a standard 206.
func (s *Server) serveDirect(w http.ResponseWriter, r *http.Request, mac, path, ext string) {
	f, err := os.Open(path)
	if err != nil {
		slog.Error("api: open stream source", "mac", mac, "path", path, "err", err)
		http.Error(w, "cannot open track", http.StatusNotFound)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(w, "cannot stat track", http.StatusInternalServerError)
		return
	}
	size := fi.Size()

	start, end := int64(0), size-1
	partial := false
	offset, haveOffset := s.coord.ByteOffset(mac)
	if haveOffset {
		start = offset
		partial = offset > 0
	} else if rs, re, ok := parseRange(r.Header.Get("Range"), size); ok {
		start, end = rs, re
		partial = true
	}
	if start > size-1 {
		start = size - 1
	}
	if start < 0 {
		start = 0
	}
	if end > size-1 || end < start {
		end = size - 1
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			http.Error(w, "seek failed", http.StatusInternalServerError)
			return
		}
	}
	length := end - start + 1

	mime, ok := mimeByExt[ext]
	if !ok {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if s.metrics != nil {
		s.metrics.StreamsServed.WithLabelValues("direct").Inc()
	}
	slog.Info("api: direct stream", "mac", mac, "path", path, "start", start, "end", end)

	token := s.coord.Token(mac)
	s.copyStream(w, r, io.LimitReader(f, length), token, func() {
		if haveOffset {
			s.coord.ClearByteOffset(mac)
		}
	})
}

// serveTranscoded launches the rule's pipeline and streams its output.
// Transcoded streams are not seekable by byte, so ranges are refused up
// front; time seeks were already baked into the pipeline arguments.
func (s *Server) serveTranscoded(w http.ResponseWriter, r *http.Request, mac, path, ext string, dev models.DeviceType) {
	rule, ok := s.policy.FindRule(ext, dev, mac, transcode.TargetFormat)
	if !ok {
		slog.Error("api: no transcode rule", "mac", mac, "ext", ext, "dev", dev)
		http.Error(w, "no transcode rule for format", http.StatusInternalServerError)
		return
	}

	start, end := -1.0, -1.0
	if seek, ok := s.coord.SeekPosition(mac); ok {
		start, end = seek.Start, seek.End
	}

	stages, err := transcode.BuildStages(rule, path, start, end, s.toolsDir)
	if err != nil {
		slog.Error("api: build pipeline", "mac", mac, "path", path, "err", err)
		http.Error(w, "transcoder unavailable", http.StatusInternalServerError)
		return
	}
	pipe, err := transcode.Start(stages)
	if err != nil {
		slog.Error("api: start pipeline", "mac", mac, "path", path, "err", err)
		http.Error(w, "transcoder failed to start", http.StatusInternalServerError)
		return
	}
	defer pipe.Close()

	w.Header().Set("Content-Type", transcode.TargetMIME)
	w.Header().Set("Accept-Ranges", "none")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	if s.metrics != nil {
		s.metrics.StreamsServed.WithLabelValues("transcode").Inc()
		s.metrics.TranscodeLaunches.Inc()
	}
	slog.Info("api: transcoded stream", "mac", mac, "path", path,
		"rule", rule.Src+"->"+rule.Dst, "start", start)

	token := s.coord.Token(mac)
	s.copyStream(w, r, pipe.Output(), token, func() {
		s.coord.ClearSeek(mac)
	})
}

// copyStream pushes chunks to the client until the source ends, the request
// context dies, or the stream token is cancelled. onFirstChunk fires once
// data has actually flowed; the slot's one-shot seek state is cleared there,
// not before, so an aborted request does not consume the seek.
func (s *Server) copyStream(w http.ResponseWriter, r *http.Request, src io.Reader, token *streaming.CancelToken, onFirstChunk func()) {
	fl, _ := w.(http.Flusher)
	buf := make([]byte, streamChunk)
	first := true

	for chunk := 0; ; chunk++ {
		if chunk%cancelCheckEvery == 0 {
			select {
			case <-token.Done():
				slog.Debug("api: stream cancelled")
				return
			case <-r.Context().Done():
				return
			default:
			}
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if fl != nil {
				fl.Flush()
			}
			if first {
				first = false
				onFirstChunk()
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("api: stream source error", "err", err)
			}
			return
		}
	}
}

// parseRange resolves a "bytes=S-" or "bytes=S-E" range header against the
// file size, returning the inclusive byte window. Suffix and multi-part
// ranges are not supported and report !ok, which serves the whole file.
func parseRange(h string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(h, "bytes=")
	if !found || size == 0 || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found || startStr == "" {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	end = size - 1
	if endStr != "" {
		e, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || e < start {
			return 0, 0, false
		}
		if e < end {
			end = e
		}
	}
	if start > size-1 {
		start = size - 1
	}
	return start, end, true
}
