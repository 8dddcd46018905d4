package events

import "github.com/resonance-music/resonance/internal/models"

// PlayerEventData is the payload of connect/disconnect events.
type PlayerEventData struct {
	MAC  string
	Info models.PlayerInfo
}

// PlayerStatusData is the payload of PlayerStatus events.
type PlayerStatusData struct {
	MAC    string
	Status models.PlayerStatus
}

// ScanProgressData is the payload of library scan events.
type ScanProgressData struct {
	Scanned int
	Total   int
}
