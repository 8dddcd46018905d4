// Package models defines the data structures shared across the Resonance
// server. JSON field names match the LMS wire format where clients see them.
package models

import (
	"fmt"
	"strings"
)

// DeviceType identifies the kind of player hardware, derived from the
// device-id byte in the Slimproto HELO frame.
type DeviceType string

const (
	DeviceSlimp3      DeviceType = "slimp3"
	DeviceSqueezebox  DeviceType = "squeezebox"
	DeviceSqueezebox2 DeviceType = "squeezebox2"
	DeviceSqueezebox3 DeviceType = "squeezebox3"
	DeviceTransporter DeviceType = "transporter"
	DeviceBoom        DeviceType = "boom"
	DeviceRadio       DeviceType = "radio"
	DeviceTouch       DeviceType = "touch"
	DeviceController  DeviceType = "controller"
	DeviceReceiver    DeviceType = "receiver"
	DeviceSqueezelite DeviceType = "squeezelite"
	DeviceUnknown     DeviceType = "unknown"
)

// deviceIDs maps the HELO device-id byte to a DeviceType. IDs follow the
// Slimproto convention; 12 is used by squeezelite and other soft players.
var deviceIDs = map[byte]DeviceType{
	1:  DeviceSlimp3,
	2:  DeviceSqueezebox,
	3:  DeviceSqueezebox2,
	4:  DeviceSqueezebox3,
	5:  DeviceTransporter,
	6:  DeviceSqueezebox3,
	7:  DeviceReceiver,
	8:  DeviceBoom,
	9:  DeviceController,
	10: DeviceRadio,
	11: DeviceTouch,
	12: DeviceSqueezelite,
}

// DeviceTypeFromID resolves a HELO device-id byte.
func DeviceTypeFromID(id byte) DeviceType {
	if t, ok := deviceIDs[id]; ok {
		return t
	}
	return DeviceUnknown
}

// CapabilityTier groups devices by firmware era for transcode decisions.
type CapabilityTier string

const (
	TierLegacy  CapabilityTier = "legacy"
	TierModern  CapabilityTier = "modern"
	TierFuture  CapabilityTier = "future"
	TierUnknown CapabilityTier = "unknown"
)

// Tier returns the capability tier for a device type.
func (d DeviceType) Tier() CapabilityTier {
	switch d {
	case DeviceSlimp3, DeviceSqueezebox:
		return TierLegacy
	case DeviceSqueezebox2, DeviceSqueezebox3, DeviceTransporter,
		DeviceBoom, DeviceRadio, DeviceTouch, DeviceReceiver:
		return TierModern
	case DeviceSqueezelite, DeviceController:
		return TierFuture
	default:
		return TierUnknown
	}
}

// PlayerState is the playback state of a connected player.
type PlayerState string

const (
	StateDisconnected PlayerState = "disconnected"
	StateStopped      PlayerState = "stopped"
	StatePlaying      PlayerState = "playing"
	StatePaused       PlayerState = "paused"
	StateBuffering    PlayerState = "buffering"
)

// Mode returns the LMS "mode" string clients expect ("play"|"pause"|"stop").
func (s PlayerState) Mode() string {
	switch s {
	case StatePlaying, StateBuffering:
		return "play"
	case StatePaused:
		return "pause"
	default:
		return "stop"
	}
}

// PlayerInfo is derived from the HELO frame and immutable for the session.
type PlayerInfo struct {
	MAC      string         `json:"playerid"`
	UUID     string         `json:"uuid,omitempty"`
	Type     DeviceType     `json:"model"`
	Revision int            `json:"firmware"`
	Tier     CapabilityTier `json:"-"`
	Name     string         `json:"name"`
	Address  string         `json:"ip"`
}

// PlayerStatus is the mutable playback status of a player. It is owned by
// the PlayerClient and mutated only in response to STAT frames, transport
// commands, or explicit setters.
type PlayerStatus struct {
	State            PlayerState `json:"state"`
	Volume           int         `json:"volume"` // 0..100
	Muted            bool        `json:"muted"`
	ElapsedMS        int64       `json:"elapsed_ms"`
	DurationMS       int64       `json:"duration_ms"`
	StreamGeneration uint64      `json:"stream_generation"`
	CurrentTrack     *PlaylistTrack `json:"current_track,omitempty"`
	BufferFill       uint32      `json:"-"`
}

// Track is a library row. The only field the core requires is Path;
// identity is the path string.
type Track struct {
	ID         int64  `json:"id"`
	Path       string `json:"url"`
	Title      string `json:"title"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	AlbumID    int64  `json:"album_id,omitempty"`
	ArtistID   int64  `json:"artist_id,omitempty"`
	Genre      string `json:"genre,omitempty"`
	GenreID    int64  `json:"genre_id,omitempty"`
	Year       int    `json:"year,omitempty"`
	DiscNo     int    `json:"disc,omitempty"`
	TrackNo    int    `json:"tracknum,omitempty"`
	DurationMS int64  `json:"-"`
	SampleRate int    `json:"samplerate,omitempty"`
	BitDepth   int    `json:"samplesize,omitempty"`
	Bitrate    int    `json:"bitrate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	HasArtwork bool   `json:"coverart,omitempty"`
}

// PlaylistTrack is a denormalized snapshot of a Track placed in a queue.
// Carrying title/artist locally lets the queue survive a library outage.
type PlaylistTrack struct {
	TrackID    int64  `json:"id,omitempty"`
	Path       string `json:"url"`
	Title      string `json:"title"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	AlbumID    int64  `json:"album_id,omitempty"`
	ArtistID   int64  `json:"artist_id,omitempty"`
	DurationMS int64  `json:"duration,omitempty"`
}

// Snapshot builds a PlaylistTrack from a library Track.
func Snapshot(t Track) PlaylistTrack {
	return PlaylistTrack{
		TrackID:    t.ID,
		Path:       t.Path,
		Title:      t.Title,
		Artist:     t.Artist,
		Album:      t.Album,
		AlbumID:    t.AlbumID,
		ArtistID:   t.ArtistID,
		DurationMS: t.DurationMS,
	}
}

// Album is a library aggregate row.
type Album struct {
	ID         int64  `json:"id"`
	Title      string `json:"album"`
	Artist     string `json:"artist,omitempty"`
	ArtistID   int64  `json:"artist_id,omitempty"`
	Year       int    `json:"year,omitempty"`
	TrackCount int    `json:"track_count,omitempty"`
	HasArtwork bool   `json:"coverart,omitempty"`
}

// Artist is a library aggregate row.
type Artist struct {
	ID         int64  `json:"id"`
	Name       string `json:"artist"`
	AlbumCount int    `json:"album_count,omitempty"`
}

// Genre is a library aggregate row.
type Genre struct {
	ID   int64  `json:"id"`
	Name string `json:"genre"`
}

// NormalizeMAC lowercases a MAC address and validates its shape.
func NormalizeMAC(mac string) (string, error) {
	mac = strings.ToLower(strings.TrimSpace(mac))
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("invalid mac %q", mac)
	}
	for _, p := range parts {
		if len(p) != 2 {
			return "", fmt.Errorf("invalid mac %q", mac)
		}
	}
	return mac, nil
}
