package topic

import "testing"

func TestBuilderTopics(t *testing.T) {
	b := NewBuilder("skylink/v1")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"presence", b.Presence("drone-1"), "skylink/v1/peer/drone-1/presence"},
		{"ctrl", b.Ctrl("drone-1", "pilot-9"), "skylink/v1/peer/drone-1/ctrl/pilot-9"},
		{"ctrl wildcard", b.CtrlWildcard("drone-1"), "skylink/v1/peer/drone-1/ctrl/+"},
		{"data", b.Data("drone-1", "pilot-9"), "skylink/v1/peer/drone-1/data/pilot-9"},
		{"data wildcard", b.DataWildcard("drone-1"), "skylink/v1/peer/drone-1/data/+"},
		{"frames", b.Frames("pilot-9", "drone-1"), "skylink/v1/peer/pilot-9/frames/drone-1"},
		{"frames wildcard", b.FramesWildcard("pilot-9"), "skylink/v1/peer/pilot-9/frames/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Fatalf("got %q want %q", tt.got, tt.want)
			}
		})
	}
}

func TestSender(t *testing.T) {
	b := NewBuilder("skylink/v1")
	if got := b.Sender("skylink/v1/peer/drone-1/data/pilot-9"); got != "pilot-9" {
		t.Fatalf("sender=%q want pilot-9", got)
	}
}
