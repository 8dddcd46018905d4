// Package identity provides the server's persistent identity: name, UUID,
// and the version string reported to players and control apps.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
)

// ReportedVersion is the version string sent in discovery VERS replies and
// serverstatus. Squeezebox firmware up to 7.7.3 rejects servers whose
// version compares as 8.0.0 or later, so this must stay below 8.
const ReportedVersion = "7.999.999"

const uuidFile = "server_uuid"

// ServerName returns the hostname, or "resonance" if it cannot be read.
func ServerName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "resonance"
	}
	return h
}

// ServerUUID returns the persistent UUID v4 for this server, generating and
// storing one under cacheDir on first use. The same UUID must be reported
// across restarts so that paired devices keep recognizing the server.
func ServerUUID(cacheDir string) (string, error) {
	path := filepath.Join(cacheDir, uuidFile)

	if data, err := os.ReadFile(path); err == nil {
		s := strings.TrimSpace(string(data))
		if _, err := uuid.Parse(s); err == nil {
			return s, nil
		}
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("identity: create cache dir: %w", err)
	}
	id := uuid.New().String()
	if err := renameio.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("identity: persist uuid: %w", err)
	}
	return id, nil
}
