package pilot

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/internal/telemetry"
)

func newTestAgent(t *testing.T, events Events) *Agent {
	t.Helper()
	cfg := &Config{
		PeerID:    "pilot-1",
		StorePath: filepath.Join(t.TempDir(), "state.yaml"),
		Events:    events,
	}
	a, err := cfg.NewAgent()
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return a
}

func TestNewAgentRequiresPeerID(t *testing.T) {
	cfg := &Config{StorePath: filepath.Join(t.TempDir(), "state.yaml")}
	if _, err := cfg.NewAgent(); err == nil {
		t.Fatal("expected error for missing peer id")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	a := newTestAgent(t, Events{})
	if err := a.SetThrottle(context.Background(), 50); err != ErrNotConnected {
		t.Fatalf("SetThrottle err = %v, want ErrNotConnected", err)
	}
	if a.Connected() {
		t.Fatal("Connected() = true with no connection")
	}
}

func TestSetAuxRejectsBadIndex(t *testing.T) {
	a := newTestAgent(t, Events{})
	if err := a.SetAux(context.Background(), protocol.AuxChannelCount, 50); err == ErrNotConnected || err == nil {
		t.Fatalf("SetAux err = %v, want index validation error", err)
	}
}

func TestTelemetryFullSeedsMirror(t *testing.T) {
	var groups []string
	a := newTestAgent(t, Events{
		OnTelemetry: func(group string, snapshot map[string]float64) {
			groups = append(groups, group)
		},
	})

	pitch, lat, lon := 0.5, 51.5, -0.12
	a.handleTelemetryFull(context.Background(), nil, &protocol.TelemetryFullData{
		Pitch:     &pitch,
		Latitude:  &lat,
		Longitude: &lon,
	})

	snap := a.Telemetry()
	if snap[telemetry.FieldPitch] != 0.5 {
		t.Fatalf("pitch = %v, want 0.5", snap[telemetry.FieldPitch])
	}
	if snap[telemetry.FieldLatitude] != 51.5 || snap[telemetry.FieldLongitude] != -0.12 {
		t.Fatalf("gps = %v/%v", snap[telemetry.FieldLatitude], snap[telemetry.FieldLongitude])
	}
	if snap[telemetry.FieldPercentage] != telemetry.Unknown {
		t.Fatal("absent field should stay Unknown")
	}
	if len(groups) != 2 {
		t.Fatalf("OnTelemetry fired %d times, want 2 (attitude and gps)", len(groups))
	}
}

func TestTelemetryUpdateFoldsIntoMirror(t *testing.T) {
	var lastGroup string
	var lastFields map[string]float64
	a := newTestAgent(t, Events{
		OnTelemetry: func(group string, snapshot map[string]float64) {
			lastGroup, lastFields = group, snapshot
		},
	})

	a.handleTelemetryUpdate(context.Background(), nil, &protocol.TelemetryUpdateData{
		Group:  protocol.GroupBattery,
		Fields: map[string]float64{telemetry.FieldPercentage: 88},
	})
	if lastGroup != protocol.GroupBattery {
		t.Fatalf("group = %q, want battery", lastGroup)
	}
	if lastFields[telemetry.FieldPercentage] != 88 {
		t.Fatalf("percentage = %v, want 88", lastFields[telemetry.FieldPercentage])
	}

	// A repeat inside the tolerance must not re-notify.
	lastGroup = ""
	a.handleTelemetryUpdate(context.Background(), nil, &protocol.TelemetryUpdateData{
		Group:  protocol.GroupBattery,
		Fields: map[string]float64{telemetry.FieldPercentage: 88.4},
	})
	if lastGroup != "" {
		t.Fatal("unchanged reading should not notify")
	}
}

func TestInboundFrameDecodesCameraData(t *testing.T) {
	var got []byte
	a := newTestAgent(t, Events{
		OnCameraFrame: func(frame []byte) { got = frame },
	})

	chunk := []byte{0x00, 0x00, 0x01, 0xb3, 0xff}
	msg := protocol.MustNew(protocol.TypeCameraData, protocol.CameraData{
		Base64: base64.StdEncoding.EncodeToString(chunk),
	})
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	a.inboundFrame(nil, raw)
	if string(got) != string(chunk) {
		t.Fatalf("frame = %x, want %x", got, chunk)
	}
}

func TestInboundFrameIgnoresGarbage(t *testing.T) {
	called := false
	a := newTestAgent(t, Events{
		OnCameraFrame: func([]byte) { called = true },
	})
	a.inboundFrame(nil, []byte("not json"))
	if called {
		t.Fatal("garbage frame reached the callback")
	}
}

func TestCameraDefaultsComeFromStore(t *testing.T) {
	a := newTestAgent(t, Events{})
	if err := a.SaveCameraPreferences(640, 480, 15); err != nil {
		t.Fatalf("SaveCameraPreferences: %v", err)
	}
	w := a.store.GetInt("camera.width", 0)
	if w != 640 {
		t.Fatalf("stored width = %d, want 640", w)
	}
}
