package identity_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/resonance-music/resonance/internal/identity"
)

func TestServerUUIDPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := identity.ServerUUID(dir)
	if err != nil {
		t.Fatalf("ServerUUID: %v", err)
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("not a valid uuid: %q", first)
	}

	second, err := identity.ServerUUID(dir)
	if err != nil {
		t.Fatalf("ServerUUID (second): %v", err)
	}
	if first != second {
		t.Errorf("uuid changed across calls: %q != %q", first, second)
	}
}

func TestReportedVersionBelowEight(t *testing.T) {
	// Old firmware rejects servers at 8.0.0 or later.
	if identity.ReportedVersion >= "8" {
		t.Fatalf("reported version %q compares >= 8", identity.ReportedVersion)
	}
}
