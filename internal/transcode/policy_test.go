package transcode_test

import (
	"strings"
	"testing"

	"github.com/resonance-music/resonance/internal/config"
	"github.com/resonance-music/resonance/internal/models"
	"github.com/resonance-music/resonance/internal/transcode"
)

func newPolicy(t *testing.T) *transcode.Policy {
	t.Helper()
	rules, err := transcode.LoadRules(t.TempDir())
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	return transcode.NewPolicy(rules, config.NewDeviceTable())
}

func TestNeedsTranscodingHardcodedSets(t *testing.T) {
	p := newPolicy(t)

	for _, ext := range []string{"m4a", "m4b", "mp4", "m4p", "m4r", "alac", "aac"} {
		if !p.NeedsTranscoding(ext, models.DeviceSqueezelite) {
			t.Errorf("%s: expected always-transcode", ext)
		}
	}
	for _, ext := range []string{"mp3", "flac", "flc", "ogg", "wav", "aiff", "aif"} {
		if p.NeedsTranscoding(ext, models.DeviceSlimp3) {
			t.Errorf("%s: expected never-transcode", ext)
		}
	}
}

func TestNeedsTranscodingDefersToDeviceTable(t *testing.T) {
	p := newPolicy(t)

	// opus is in neither hard-coded set; squeezelite supports it natively,
	// the original squeezebox does not.
	if p.NeedsTranscoding("opus", models.DeviceSqueezelite) {
		t.Error("squeezelite should stream opus directly")
	}
	if !p.NeedsTranscoding("opus", models.DeviceSqueezebox) {
		t.Error("squeezebox should transcode opus")
	}
}

func TestFormatHintAgreesWithNeedsTranscoding(t *testing.T) {
	p := newPolicy(t)

	devices := []models.DeviceType{
		models.DeviceSlimp3, models.DeviceSqueezebox, models.DeviceSqueezebox2,
		models.DeviceBoom, models.DeviceRadio, models.DeviceTouch,
		models.DeviceSqueezelite, models.DeviceUnknown,
	}
	exts := []string{"mp3", "flac", "m4a", "m4b", "aac", "ogg", "opus", "wma", "wav"}

	for _, dev := range devices {
		for _, ext := range exts {
			hint := p.StrmFormatHint(ext, dev)
			needs := p.NeedsTranscoding(ext, dev)
			if needs && hint != transcode.TargetFormat {
				t.Errorf("dev=%s ext=%s: transcoded hint %q, want %q", dev, ext, hint, transcode.TargetFormat)
			}
			if !needs && hint != transcode.NormalizeExt(ext) {
				t.Errorf("dev=%s ext=%s: direct hint %q, want %q", dev, ext, hint, transcode.NormalizeExt(ext))
			}
		}
	}
}

func TestNormalizeExt(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/music/a/b/Track.MP3", "mp3"},
		{"track.m4b", "m4b"},
		{"FLAC", "flac"},
		{"ogg", "ogg"},
	}
	for _, tt := range tests {
		if got := transcode.NormalizeExt(tt.in); got != tt.want {
			t.Errorf("NormalizeExt(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFindRuleFirstMatchWins(t *testing.T) {
	rules := []Rule{
		{Src: "m4a", Dst: "mp3", TypePattern: "boom", IDPattern: "*", Command: "[boomdec] $FILE$"},
		{Src: "m4a", Dst: "mp3", TypePattern: "*", IDPattern: "*", Command: "[ffmpeg] $FILE$"},
	}
	p := transcode.NewPolicy(rules, nil)

	r, ok := p.FindRule("m4a", models.DeviceBoom, "aa:bb:cc:dd:ee:ff", "")
	if !ok || !strings.Contains(r.Command, "boomdec") {
		t.Fatalf("expected boom-specific rule, got %+v ok=%v", r, ok)
	}
	r, ok = p.FindRule("m4a", models.DeviceRadio, "aa:bb:cc:dd:ee:ff", "mp3")
	if !ok || !strings.Contains(r.Command, "ffmpeg") {
		t.Fatalf("expected wildcard rule, got %+v ok=%v", r, ok)
	}
	if _, ok := p.FindRule("xyz", models.DeviceRadio, "", ""); ok {
		t.Error("expected no rule for unknown format")
	}
}

// Rule aliased for test readability.
type Rule = transcode.Rule

func TestBuildStagesSubstitution(t *testing.T) {
	rule := Rule{Src: "m4b", Dst: "mp3",
		Command: "/bin/echo -q $START$ $END$ $FILE$ | /bin/cat - -"}

	stages, err := transcode.BuildStages(rule, "/music/book.m4b", 1200, -1, "")
	if err != nil {
		t.Fatalf("BuildStages: %v", err)
	}
	if len(stages) != 2 {
		t.Fatalf("got %d stages, want 2", len(stages))
	}
	want := []string{"/bin/echo", "-q", "-j", "1200.000", "/music/book.m4b"}
	if len(stages[0]) != len(want) {
		t.Fatalf("stage 0 = %v, want %v", stages[0], want)
	}
	for i := range want {
		if stages[0][i] != want[i] {
			t.Errorf("stage 0[%d] = %q, want %q", i, stages[0][i], want[i])
		}
	}
}

func TestBuildStagesNoSeek(t *testing.T) {
	rule := Rule{Command: "/bin/echo $START$ $END$ $FILE$"}
	stages, err := transcode.BuildStages(rule, "/m/t.m4a", -1, -1, "")
	if err != nil {
		t.Fatalf("BuildStages: %v", err)
	}
	if len(stages[0]) != 2 {
		t.Errorf("seek tokens not removed: %v", stages[0])
	}
}

func TestBuildStagesMissingBinary(t *testing.T) {
	rule := Rule{Command: "[no-such-transcoder-binary] $FILE$"}
	if _, err := transcode.BuildStages(rule, "/m/t.m4a", -1, -1, t.TempDir()); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestBuildStagesPassthroughRejected(t *testing.T) {
	if _, err := transcode.BuildStages(Rule{Command: "-"}, "/m/t.mp3", -1, -1, ""); err == nil {
		t.Fatal("expected error for passthrough rule")
	}
}
