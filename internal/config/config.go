// Package config loads server settings and the TOML device-capability table,
// and watches the config directory for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/resonance-music/resonance/internal/models"
)

// Settings holds the runtime configuration assembled in main from flags.
type Settings struct {
	Host      string // bind address, "" = all interfaces
	SlimPort  int    // Slimproto TCP + discovery UDP port
	WebPort   int    // HTTP port
	ConfigDir string // devices.toml, transcode.toml
	CacheDir  string // server_uuid, artwork cache
	MusicDir  string // library root
	ToolsDir  string // transcoder binaries, searched before PATH
	Verbose   bool
}

// DefaultSettings returns settings with the standard LMS ports.
func DefaultSettings() Settings {
	return Settings{
		SlimPort: 3483,
		WebPort:  9000,
	}
}

// DeviceTable maps device types to the audio formats their firmware can play
// natively. Formats are lowercase extensions. Loaded from devices.toml;
// falls back to built-in defaults for missing device types.
type DeviceTable struct {
	mu      sync.RWMutex
	formats map[models.DeviceType][]string
}

// deviceFileSchema matches devices.toml:
//
//	[devices]
//	squeezebox2 = ["mp3", "flc", "wav"]
type deviceFileSchema struct {
	Devices map[string][]string `toml:"devices"`
}

// defaultFormats is used when devices.toml has no entry for a device type.
var defaultFormats = map[models.DeviceType][]string{
	models.DeviceSlimp3:      {"mp3"},
	models.DeviceSqueezebox:  {"mp3"},
	models.DeviceSqueezebox2: {"mp3", "flc", "flac", "wav", "aiff", "aif"},
	models.DeviceSqueezebox3: {"mp3", "flc", "flac", "wav", "aiff", "aif"},
	models.DeviceTransporter: {"mp3", "flc", "flac", "wav", "aiff", "aif"},
	models.DeviceBoom:        {"mp3", "flc", "flac", "wav", "aiff", "aif"},
	models.DeviceReceiver:    {"mp3", "flc", "flac", "wav", "aiff", "aif"},
	models.DeviceRadio:       {"mp3", "flc", "flac", "ogg", "wav", "aiff", "aif"},
	models.DeviceTouch:       {"mp3", "flc", "flac", "ogg", "wav", "aiff", "aif"},
	models.DeviceSqueezelite: {"mp3", "flc", "flac", "ogg", "wav", "aiff", "aif", "opus"},
}

// NewDeviceTable returns a table seeded with the built-in defaults.
func NewDeviceTable() *DeviceTable {
	t := &DeviceTable{formats: make(map[models.DeviceType][]string)}
	for k, v := range defaultFormats {
		t.formats[k] = append([]string(nil), v...)
	}
	return t
}

// LoadDeviceTable reads devices.toml from dir. A missing file is not an
// error; the defaults apply.
func LoadDeviceTable(dir string) (*DeviceTable, error) {
	t := NewDeviceTable()
	if err := t.Reload(dir); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads devices.toml, replacing any previously loaded entries.
func (t *DeviceTable) Reload(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, "devices.toml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read devices.toml: %w", err)
	}
	var schema deviceFileSchema
	if err := toml.Unmarshal(data, &schema); err != nil {
		return fmt.Errorf("config: parse devices.toml: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for name, formats := range schema.Devices {
		for i, f := range formats {
			formats[i] = strings.ToLower(f)
		}
		t.formats[models.DeviceType(strings.ToLower(name))] = formats
	}
	return nil
}

// Supports reports whether the device type can natively play the format.
// Unknown device types are assumed capable only of mp3.
func (t *DeviceTable) Supports(dev models.DeviceType, format string) bool {
	format = strings.ToLower(format)
	t.mu.RLock()
	defer t.mu.RUnlock()
	formats, ok := t.formats[dev]
	if !ok {
		return format == "mp3"
	}
	for _, f := range formats {
		if f == format {
			return true
		}
	}
	return false
}
