package topic

import (
	"fmt"
	"strings"
)

// Constants defining the standard topic segments.
// These act as the wire contract between the pilot client and the drone
// computer. Changing these values breaks compatibility with deployed peers.
const (
	// SegmentPresence carries the retained online/offline announcement of a
	// peer, including its broker will message.
	// Structure: {root}/peer/{peerID}/presence
	SegmentPresence = "presence"

	// SegmentCtrl carries connection handshake frames (hello/bye) sent by a
	// specific remote peer.
	// Structure: {root}/peer/{peerID}/ctrl/{fromID}
	SegmentCtrl = "ctrl"

	// SegmentData carries ordinary protocol messages from a specific remote
	// peer, one JSON envelope per publish.
	// Structure: {root}/peer/{peerID}/data/{fromID}
	SegmentData = "data"

	// SegmentFrames carries the chunked channel used for large payloads such
	// as camera frames. No ordering is guaranteed relative to SegmentData.
	// Structure: {root}/peer/{peerID}/frames/{fromID}
	SegmentFrames = "frames"
)

// Builder encapsulates the logic for constructing peer topic strings.
// It ensures consistency across both endpoints of the link.
type Builder struct {
	// root is the base namespace for all topics (e.g., "skylink/v1").
	root string
}

// NewBuilder creates a new instance of Builder with the specified root namespace.
func NewBuilder(root string) *Builder {
	return &Builder{root: root}
}

// Presence returns the retained presence topic of the given peer.
func (b *Builder) Presence(peerID string) string {
	return fmt.Sprintf("%s/peer/%s/%s", b.root, peerID, SegmentPresence)
}

// Ctrl returns the handshake topic on which `from` addresses `peerID`.
func (b *Builder) Ctrl(peerID, from string) string {
	return b.build(peerID, SegmentCtrl, from)
}

// CtrlWildcard returns the filter covering handshake frames from any peer.
func (b *Builder) CtrlWildcard(peerID string) string {
	return b.build(peerID, SegmentCtrl, Wildcard)
}

// Data returns the message topic on which `from` addresses `peerID`.
func (b *Builder) Data(peerID, from string) string {
	return b.build(peerID, SegmentData, from)
}

// DataWildcard returns the filter covering messages from any peer.
func (b *Builder) DataWildcard(peerID string) string {
	return b.build(peerID, SegmentData, Wildcard)
}

// Frames returns the chunked-channel topic on which `from` addresses `peerID`.
func (b *Builder) Frames(peerID, from string) string {
	return b.build(peerID, SegmentFrames, from)
}

// FramesWildcard returns the filter covering chunked frames from any peer.
func (b *Builder) FramesWildcard(peerID string) string {
	return b.build(peerID, SegmentFrames, Wildcard)
}

// Sender extracts the sending peer id from a ctrl/data/frames topic.
// Returns an empty string if the topic does not match the peer topology.
func (b *Builder) Sender(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

// build is a private helper to construct the final topic string.
// Pattern: {root}/peer/{peerID}/{segment}/{fromID}
func (b *Builder) build(peerID, segment, from string) string {
	return fmt.Sprintf("%s/peer/%s/%s/%s", b.root, peerID, segment, from)
}
