package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/resonance-music/resonance/internal/models"
)

func TestDeviceTableDefaults(t *testing.T) {
	tbl := NewDeviceTable()

	if !tbl.Supports(models.DeviceSqueezebox2, "flc") {
		t.Error("squeezebox2 should play flc natively")
	}
	if tbl.Supports(models.DeviceSqueezebox2, "ogg") {
		t.Error("squeezebox2 should not play ogg")
	}
	if !tbl.Supports(models.DeviceSqueezelite, "opus") {
		t.Error("squeezelite should play opus")
	}
	if tbl.Supports(models.DeviceSlimp3, "flac") {
		t.Error("slimp3 is mp3 only")
	}
}

func TestDeviceTableUnknownDeviceIsMP3Only(t *testing.T) {
	tbl := NewDeviceTable()
	if !tbl.Supports(models.DeviceUnknown, "mp3") {
		t.Error("unknown device should still play mp3")
	}
	if tbl.Supports(models.DeviceUnknown, "flac") {
		t.Error("unknown device granted flac")
	}
}

func TestDeviceTableReload(t *testing.T) {
	dir := t.TempDir()
	toml := `[devices]
squeezebox2 = ["MP3", "OGG"]
custombox = ["flac"]
`
	if err := os.WriteFile(filepath.Join(dir, "devices.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	tbl, err := LoadDeviceTable(dir)
	if err != nil {
		t.Fatalf("LoadDeviceTable: %v", err)
	}

	// File entries replace the defaults for that device and are lowercased.
	if !tbl.Supports(models.DeviceSqueezebox2, "ogg") {
		t.Error("reloaded squeezebox2 should play ogg")
	}
	if tbl.Supports(models.DeviceSqueezebox2, "flc") {
		t.Error("default format survived a replace")
	}
	if !tbl.Supports(models.DeviceType("custombox"), "flac") {
		t.Error("new device type not loaded")
	}
	// Untouched devices keep defaults.
	if !tbl.Supports(models.DeviceRadio, "ogg") {
		t.Error("radio defaults lost on reload")
	}
}

func TestLoadDeviceTableMissingFile(t *testing.T) {
	tbl, err := LoadDeviceTable(t.TempDir())
	if err != nil {
		t.Fatalf("missing devices.toml should not error: %v", err)
	}
	if !tbl.Supports(models.DeviceSqueezebox3, "mp3") {
		t.Error("defaults missing")
	}
}

func TestLoadDeviceTableBadTOML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "devices.toml"), []byte("{not toml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDeviceTable(dir); err == nil {
		t.Error("malformed devices.toml accepted")
	}
}
