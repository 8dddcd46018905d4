package transcode

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/resonance-music/resonance/internal/models"
)

// TargetFormat is what every transcode pipeline produces on the wire.
const TargetFormat = "mp3"

// TargetMIME is the Content-Type for transcoded streams.
const TargetMIME = "audio/mpeg"

// CapabilityTable reports native format support per device type. Unknown
// formats defer to this table.
type CapabilityTable interface {
	Supports(dev models.DeviceType, format string) bool
}

// alwaysTranscode lists formats that are re-encoded no matter what the
// device claims: MP4 containers do not stream reliably over HTTP on most
// Squeezebox firmwares, and "aac" files are often not ADTS-safe.
var alwaysTranscode = map[string]bool{
	"m4a": true, "m4b": true, "mp4": true, "m4p": true, "m4r": true,
	"alac": true, "aac": true,
}

// neverTranscode lists formats served as-is for every device.
var neverTranscode = map[string]bool{
	"mp3": true, "flac": true, "flc": true, "ogg": true,
	"wav": true, "aiff": true, "aif": true,
}

// Policy is the single source of truth for "transcode or pass through?",
// the target format, and which rule builds the pipeline.
type Policy struct {
	mu    sync.RWMutex
	rules []Rule
	caps  CapabilityTable
}

// NewPolicy builds a policy over a rule table and a device capability table.
func NewPolicy(rules []Rule, caps CapabilityTable) *Policy {
	return &Policy{rules: rules, caps: caps}
}

// SetRules replaces the rule table. Called on config reload.
func (p *Policy) SetRules(rules []Rule) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = rules
}

// NormalizeExt lowercases the extension of a path or bare extension and
// strips the leading dot.
func NormalizeExt(path string) string {
	ext := path
	if strings.Contains(path, ".") || strings.Contains(path, "/") {
		ext = filepath.Ext(path)
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// NeedsTranscoding reports whether a file of the given format must be
// re-encoded for the device. The hard-coded format sets override the rule
// table; unknown formats defer to the device capability table.
func (p *Policy) NeedsTranscoding(ext string, dev models.DeviceType) bool {
	ext = NormalizeExt(ext)
	if alwaysTranscode[ext] {
		return true
	}
	if neverTranscode[ext] {
		return false
	}
	if p.caps != nil {
		return !p.caps.Supports(dev, ext)
	}
	return true
}

// StrmFormatHint returns the format code the strm frame must announce: the
// transcode target if the server will transcode, the normalized extension
// otherwise. Drift between this hint and the bytes on the wire breaks
// playback, so callers must never second-guess it.
func (p *Policy) StrmFormatHint(ext string, dev models.DeviceType) string {
	if p.NeedsTranscoding(ext, dev) {
		return TargetFormat
	}
	return NormalizeExt(ext)
}

// FindRule returns the first rule matching the source format and device.
// dst, when non-empty, additionally constrains the rule's target format.
func (p *Policy) FindRule(ext string, dev models.DeviceType, mac, dst string) (Rule, bool) {
	ext = NormalizeExt(ext)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, r := range p.rules {
		if !strings.EqualFold(r.Src, ext) {
			continue
		}
		if !patternMatch(r.TypePattern, string(dev)) {
			continue
		}
		if !patternMatch(r.IDPattern, mac) {
			continue
		}
		if dst != "" && !strings.EqualFold(r.Dst, dst) {
			continue
		}
		return r, true
	}
	return Rule{}, false
}

func patternMatch(pattern, value string) bool {
	return pattern == "*" || strings.EqualFold(pattern, value)
}
