package computer

import (
	"path/filepath"
	"testing"

	"github.com/skylink-io/skylink/internal/camera"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		PeerID:        "drone-1",
		StorePath:     filepath.Join(dir, "state.yaml"),
		LogDir:        filepath.Join(dir, "logs"),
		DriverCommand: []string{"cat"},
	}
}

func TestNewAgentRequiresPeerID(t *testing.T) {
	cfg := validConfig(t)
	cfg.PeerID = ""
	if _, err := cfg.NewAgent(); err == nil {
		t.Fatal("expected error for missing peer id")
	}
}

func TestNewAgentRequiresDriverCommand(t *testing.T) {
	cfg := validConfig(t)
	cfg.DriverCommand = nil
	if _, err := cfg.NewAgent(); err == nil {
		t.Fatal("expected error for missing driver command")
	}
}

func TestNewAgentAssemblesModules(t *testing.T) {
	a, err := validConfig(t).NewAgent()
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	if a.driver == nil || a.flight == nil || a.fallback == nil || a.monitor == nil || a.logbook == nil {
		t.Fatal("agent missing modules")
	}
	if a.camera != nil {
		t.Fatal("camera module built without a camera command")
	}
}

func TestNewAgentWithCamera(t *testing.T) {
	cfg := validConfig(t)
	cfg.CameraCommand = []string{"capture", "--size", "{width}x{height}", "--fps", "{framerate}"}
	cfg.CameraReadyPattern = "streaming"
	a, err := cfg.NewAgent()
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	if a.camera == nil {
		t.Fatal("camera module not built")
	}
}

func TestCameraArgvSubstitution(t *testing.T) {
	argv := cameraArgv([]string{"capture", "--size", "{width}x{height}", "--fps", "{framerate}"})
	got := argv(camera.Params{Width: 1920, Height: 1080, Framerate: 25})
	want := []string{"capture", "--size", "1920x1080", "--fps", "25"}
	if len(got) != len(want) {
		t.Fatalf("argv length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
