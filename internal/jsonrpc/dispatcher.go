// Package jsonrpc implements the slim.request command dispatcher behind the
// /jsonrpc.js endpoint and the Cometd /slim/* channels. Commands follow the
// LMS CLI shape: a name, positional arguments, and "tag:value" parameters.
package jsonrpc

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/resonance-music/resonance/internal/events"
	"github.com/resonance-music/resonance/internal/library"
	"github.com/resonance-music/resonance/internal/playlist"
	"github.com/resonance-music/resonance/internal/slimproto"
	"github.com/resonance-music/resonance/internal/streaming"
	"github.com/resonance-music/resonance/internal/transcode"
)

// Dispatcher routes slim.request commands to the players, playlists and
// library.
type Dispatcher struct {
	version string
	uuid    string
	name    string

	bus       *events.Bus
	registry  *slimproto.Registry
	playlists *playlist.Manager
	coord     *streaming.Coordinator
	seeks     *streaming.SeekCoordinator
	policy    *transcode.Policy
	lib       library.Library

	started time.Time
}

// Config bundles the dispatcher's dependencies.
type Config struct {
	Version    string
	UUID       string
	ServerName string

	Bus       *events.Bus
	Registry  *slimproto.Registry
	Playlists *playlist.Manager
	Coord     *streaming.Coordinator
	Seeks     *streaming.SeekCoordinator
	Policy    *transcode.Policy
	Library   library.Library
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{
		version:   cfg.Version,
		uuid:      cfg.UUID,
		name:      cfg.ServerName,
		bus:       cfg.Bus,
		registry:  cfg.Registry,
		playlists: cfg.Playlists,
		coord:     cfg.Coord,
		seeks:     cfg.Seeks,
		policy:    cfg.Policy,
		lib:       cfg.Library,
		started:   time.Now(),
	}
}

// command is a parsed slim.request: name, positional args, tag parameters.
type command struct {
	name string
	args []any
	tags map[string]string
}

// parseCommand splits a raw command array. A string argument of the form
// "key:value" becomes a tag when key looks like an identifier and the value
// is not a URL (playlist URLs carry "://").
func parseCommand(raw []any) command {
	c := command{tags: make(map[string]string)}
	if len(raw) == 0 {
		return c
	}
	c.name, _ = raw[0].(string)
	for _, a := range raw[1:] {
		if s, ok := a.(string); ok {
			if k, v, found := strings.Cut(s, ":"); found && isTagKey(k) && !strings.HasPrefix(v, "//") {
				c.tags[k] = v
				continue
			}
		}
		c.args = append(c.args, a)
	}
	return c
}

func isTagKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_') {
			return false
		}
	}
	return true
}

// str returns positional arg i as a string ("" when absent).
func (c command) str(i int) string {
	if i >= len(c.args) {
		return ""
	}
	switch v := c.args[i].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// num returns positional arg i as a float64.
func (c command) num(i int, def float64) float64 {
	if i >= len(c.args) {
		return def
	}
	switch v := c.args[i].(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// tagInt returns a tag parameter parsed as an int.
func (c command) tagInt(key string, def int) int {
	if v, ok := c.tags[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// tagInt64 returns a tag parameter parsed as an int64.
func (c command) tagInt64(key string, def int64) int64 {
	if v, ok := c.tags[key]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// Dispatch executes one slim.request command for a player (playerID may be
// empty for server-level commands) and returns the result object.
func (d *Dispatcher) Dispatch(playerID string, raw []any) (map[string]any, error) {
	c := parseCommand(raw)
	switch c.name {
	case "serverstatus":
		return d.serverStatus(c)
	case "players":
		return d.playersCmd(c)
	case "player":
		return d.playerCmd(c)
	case "status":
		return d.statusCmd(playerID, c)
	case "play":
		return d.playCmd(playerID)
	case "pause":
		return d.pauseCmd(playerID, c)
	case "stop":
		return d.stopCmd(playerID)
	case "mode":
		return d.modeCmd(playerID, c)
	case "time":
		return d.timeCmd(playerID, c)
	case "mixer":
		return d.mixerCmd(playerID, c)
	case "playlist":
		return d.playlistCmd(playerID, c)
	case "playlistcontrol":
		return d.playlistControl(playerID, c)
	case "artists":
		return d.artistsCmd(c)
	case "albums":
		return d.albumsCmd(c)
	case "titles", "tracks", "songs":
		return d.titlesCmd(c)
	case "genres":
		return d.genresCmd(c)
	case "roles":
		return d.rolesCmd(c)
	case "search":
		return d.searchCmd(c)
	case "browselibrary":
		return d.browseLibrary(c)
	case "menu":
		return d.menuCmd(c)
	case "menustatus":
		return map[string]any{}, nil
	case "date":
		return d.dateCmd()
	case "sleepsettings":
		return map[string]any{"item_loop": []any{}, "count": 0}, nil
	case "playerinfo":
		return d.playerInfo(playerID)
	case "version":
		return map[string]any{"_version": d.version}, nil
	case "pref":
		// Clients probe a handful of prefs; answer with empty values.
		return map[string]any{"_p2": ""}, nil
	case "":
		return nil, fmt.Errorf("jsonrpc: empty command")
	default:
		return nil, fmt.Errorf("jsonrpc: unknown command %q", c.name)
	}
}

// player resolves the client handle for a player-scoped command.
func (d *Dispatcher) player(playerID string) (*slimproto.PlayerClient, error) {
	if playerID == "" {
		return nil, fmt.Errorf("jsonrpc: command requires a player id")
	}
	c, ok := d.registry.Get(strings.ToLower(playerID))
	if !ok {
		return nil, fmt.Errorf("jsonrpc: unknown player %q", playerID)
	}
	return c, nil
}
