// Package api assembles the HTTP surface on the web port: health, the
// JSON-RPC and Cometd control endpoints, the audio stream route the players
// fetch, artwork, and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/resonance-music/resonance/internal/artwork"
	"github.com/resonance-music/resonance/internal/cometd"
	"github.com/resonance-music/resonance/internal/jsonrpc"
	"github.com/resonance-music/resonance/internal/library"
	"github.com/resonance-music/resonance/internal/metrics"
	"github.com/resonance-music/resonance/internal/slimproto"
	"github.com/resonance-music/resonance/internal/streaming"
	"github.com/resonance-music/resonance/internal/transcode"
)

// Server is the HTTP surface.
type Server struct {
	coord    *streaming.Coordinator
	policy   *transcode.Policy
	registry *slimproto.Registry
	rpc      *jsonrpc.Dispatcher
	bayeux   *cometd.Manager
	art      *artwork.Provider
	lib      library.Library
	metrics  *metrics.Metrics
	toolsDir string

	router chi.Router
}

// Config bundles the server's dependencies. Artwork, library and metrics
// are optional; their routes are skipped when nil.
type Config struct {
	Coord    *streaming.Coordinator
	Policy   *transcode.Policy
	Registry *slimproto.Registry
	RPC      *jsonrpc.Dispatcher
	Cometd   *cometd.Manager
	Artwork  *artwork.Provider
	Library  library.Library
	Metrics  *metrics.Metrics
	ToolsDir string
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	s := &Server{
		coord:    cfg.Coord,
		policy:   cfg.Policy,
		registry: cfg.Registry,
		rpc:      cfg.RPC,
		bayeux:   cfg.Cometd,
		art:      cfg.Artwork,
		lib:      cfg.Library,
		metrics:  cfg.Metrics,
		toolsDir: cfg.ToolsDir,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(300, time.Minute))
		r.Post("/jsonrpc.js", s.handleJSONRPC)
		r.Post("/jsonrpc", s.handleJSONRPC)
	})

	if s.bayeux != nil {
		r.Post("/cometd", s.bayeux.ServeHTTP)
		r.Post("/cometd/", s.bayeux.ServeHTTP)
	}

	r.Get("/stream.mp3", s.handleStream)

	if s.art != nil {
		r.Get("/music/{trackID}/{cover}", s.handleCover)
		r.Get("/music/{trackID}/blurhash", s.handleBlurHash)
		r.Get("/api/artwork/track/{id}", s.handleTrackArt)
		r.Get("/api/artwork/track/{id}/blurhash", s.handleBlurHashByKind("track"))
		r.Get("/api/artwork/album/{id}", s.handleAlbumArt)
		r.Get("/api/artwork/album/{id}/blurhash", s.handleBlurHashByKind("album"))
	}

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"server": "resonance",
	})
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.CommandsServed.WithLabelValues("jsonrpc").Inc()
	}
	s.rpc.ServeHTTP(w, r)
}
