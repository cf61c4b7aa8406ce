package camera

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/pkg/metrics"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/internal/router"
	"github.com/skylink-io/skylink/pkg/log"
)

// Streamer is the slice of Process the module depends on.
type Streamer interface {
	Start(ctx context.Context, params Params) error
	Stop()
	Running() bool
}

// Module answers camera stream requests. One viewer at a time: a new
// request preempts the current stream with the new parameters.
type Module struct {
	stream Streamer
	router *router.Router

	mu     sync.Mutex
	viewer *peer.Connection
}

// NewModule builds the module.
func NewModule(stream Streamer, r *router.Router) (*Module, error) {
	if stream == nil || r == nil {
		return nil, fmt.Errorf("camera: streamer and router are required")
	}
	return &Module{stream: stream, router: r}, nil
}

// Register installs the module's routes.
func (m *Module) Register() {
	m.router.Handle(protocol.TypeRequestCameraStream, router.Typed(m.handleRequest))
	m.router.Handle(protocol.TypeCloseCameraStream, m.handleClose)
}

func (m *Module) handleRequest(ctx context.Context, conn *peer.Connection, d *protocol.RequestCameraStreamData) {
	m.mu.Lock()
	prev := m.viewer
	m.viewer = nil
	m.mu.Unlock()
	if prev != nil {
		log.Info("camera stream preempted", "viewer", prev.RemoteID(), "by", conn.RemoteID())
		m.stream.Stop()
	}

	params := Params{Width: d.Width, Height: d.Height, Framerate: d.Framerate}
	if err := m.stream.Start(ctx, params); err != nil {
		log.Error(err, "starting camera stream", "peer", conn.RemoteID())
		return
	}
	m.mu.Lock()
	m.viewer = conn
	m.mu.Unlock()
	log.Info("camera stream started", "viewer", conn.RemoteID())
}

func (m *Module) handleClose(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
	m.stopFor(conn, "close requested")
}

// ConnectionClosed stops the stream if its viewer went away.
func (m *Module) ConnectionClosed(conn *peer.Connection) {
	m.stopFor(conn, "viewer disconnected")
}

// Shutdown unconditionally stops any active stream.
func (m *Module) Shutdown() {
	m.mu.Lock()
	viewer := m.viewer
	m.viewer = nil
	m.mu.Unlock()
	if viewer != nil {
		m.stream.Stop()
	}
}

func (m *Module) stopFor(conn *peer.Connection, reason string) {
	m.mu.Lock()
	if m.viewer == nil || m.viewer != conn {
		m.mu.Unlock()
		return
	}
	m.viewer = nil
	m.mu.Unlock()
	m.stream.Stop()
	log.Info("camera stream stopped", "reason", reason)
}

// HandleFrame forwards one encoded chunk to the current viewer over the
// chunked channel, wrapped in a CAMERA_DATA envelope.
func (m *Module) HandleFrame(frame []byte) {
	m.mu.Lock()
	viewer := m.viewer
	m.mu.Unlock()
	if viewer == nil {
		return
	}
	msg := protocol.MustNew(protocol.TypeCameraData, protocol.CameraData{
		Base64: base64.StdEncoding.EncodeToString(frame),
	})
	raw, err := msg.Encode()
	if err != nil {
		log.Warn("encoding camera frame", "err", err)
		return
	}
	if err := viewer.SendFrame(context.Background(), raw); err != nil {
		log.Warn("sending camera frame", "viewer", viewer.RemoteID(), "err", err)
		return
	}
	metrics.CameraFramesTotal.Inc()
}
