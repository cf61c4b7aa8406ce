// Package pilot assembles the ground endpoint: it dials the vehicle,
// mirrors its telemetry, relays operator commands and receives the
// camera stream, the remote log feed and channel state.
package pilot

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skylink-io/skylink/internal/liveness"
	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/pkg/metrics"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/internal/router"
	"github.com/skylink-io/skylink/internal/telemetry"
	"github.com/skylink-io/skylink/pkg/log"
	"github.com/skylink-io/skylink/pkg/mqtt"
	"github.com/skylink-io/skylink/pkg/options"
	"github.com/skylink-io/skylink/pkg/store"
)

// Default capture parameters when the operator never saved preferences.
const (
	DefaultCameraWidth     = 1280
	DefaultCameraHeight    = 720
	DefaultCameraFramerate = 30
)

const shutdownTimeout = 5 * time.Second

// ErrNotConnected is returned by command methods while no vehicle
// connection is open.
var ErrNotConnected = errors.New("pilot: not connected to a vehicle")

// Agent is the running ground endpoint.
type Agent struct {
	peerID  string
	client  mqtt.Client
	store   *store.Store
	router  *router.Router
	mirror  *telemetry.Store
	events  Events
	httpOpt *options.HttpOptions
	target  string

	endpoint *peer.Peer
	monitor  *liveness.Monitor

	mu     sync.Mutex
	active *peer.Connection

	runCtx atomic.Pointer[context.Context]
}

// Run connects to the broker and blocks until the context is canceled
// or a module fails. It redials the last known vehicle when one was
// persisted.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx.Store(&ctx)
	a.registerRoutes()

	if err := a.client.Start(ctx); err != nil {
		return err
	}
	if err := a.client.AwaitConnection(ctx); err != nil {
		return err
	}
	log.Info("broker connected", "peer", a.peerID)

	if err := a.router.Start(ctx); err != nil {
		return err
	}
	if err := a.endpoint.Start(ctx); err != nil {
		return err
	}

	if a.target != "" {
		if _, err := a.endpoint.ConnectTo(ctx, a.target); err != nil {
			log.Warn("dialing vehicle", "peer", a.target, "err", err)
		}
	} else if _, err := a.endpoint.Reconnect(ctx); err != nil {
		if errors.Is(err, peer.ErrNoLastPeer) {
			log.Info("no previous vehicle to redial")
		} else {
			log.Warn("redialing last vehicle", "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.store.Watch(gctx, func() { log.Debug("state file changed on disk") })
	})
	if a.httpOpt != nil && a.httpOpt.Enabled {
		srv := metrics.NewServer(a.httpOpt, a.client.IsConnected)
		g.Go(func() error { return srv.Start(gctx) })
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.endpoint.Shutdown(ctx)
	a.client.Disconnect(ctx)
	log.Info("ground agent stopped")
}

func (a *Agent) ctx() context.Context {
	if p := a.runCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

// Connect dials a vehicle by its peer id.
func (a *Agent) Connect(ctx context.Context, remoteID string) error {
	_, err := a.endpoint.ConnectTo(ctx, remoteID)
	return err
}

// Reconnect tears down every connection and redials the last vehicle.
func (a *Agent) Reconnect(ctx context.Context) error {
	_, err := a.monitor.Reconnect(ctx)
	return err
}

// Connected reports whether a vehicle connection is open.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active != nil && a.active.IsOpen()
}

// Telemetry returns the local mirror of the vehicle's state. Fields the
// vehicle never reported hold the Unknown sentinel.
func (a *Agent) Telemetry() map[string]float64 {
	return a.mirror.Snapshot()
}

// SetThrottle commands the throttle as a percentage in [0, 100].
func (a *Agent) SetThrottle(ctx context.Context, pct float64) error {
	return a.send(ctx, protocol.TypeSetThrottle, protocol.SetThrottleData{Throttle: pct})
}

// SendEulerAngles commands the three attitude axes, each in [-1, 1].
func (a *Agent) SendEulerAngles(ctx context.Context, yaw, pitch, roll float64) error {
	return a.send(ctx, protocol.TypeSendEulerAngles, protocol.SendEulerAnglesData{
		Yaw: yaw, Pitch: pitch, Roll: roll,
	})
}

// SetAux sets one auxiliary channel to a raw channel value.
func (a *Agent) SetAux(ctx context.Context, index int, value float64) error {
	if !protocol.ValidAuxIndex(index) {
		return errors.New("pilot: auxiliary channel index out of range")
	}
	return a.send(ctx, protocol.TypeSetAux, protocol.SetAuxData{AuxIndex: index, Value: value})
}

// RequestAux asks for one auxiliary channel value; the answer arrives
// through Events.OnAux.
func (a *Agent) RequestAux(ctx context.Context, index int) error {
	if !protocol.ValidAuxIndex(index) {
		return errors.New("pilot: auxiliary channel index out of range")
	}
	return a.send(ctx, protocol.TypeRequestAux, protocol.RequestAuxData{AuxIndex: index})
}

// RequestTelemetry asks for the full telemetry snapshot.
func (a *Agent) RequestTelemetry(ctx context.Context) error {
	return a.send(ctx, protocol.TypeRequestTelemetry, nil)
}

// RequestHomePoint asks for the latched takeoff position. The vehicle
// stays silent when no home point was ever latched.
func (a *Agent) RequestHomePoint(ctx context.Context) error {
	return a.send(ctx, protocol.TypeRequestHomePoint, nil)
}

// RequestTodayLogs asks for the vehicle's current day log file.
func (a *Agent) RequestTodayLogs(ctx context.Context) error {
	return a.send(ctx, protocol.TypeRequestTodayLogs, nil)
}

// StartCamera requests the video stream. Zero parameters fall back to
// the saved preferences, then to the package defaults.
func (a *Agent) StartCamera(ctx context.Context, width, height, framerate int) error {
	if width <= 0 {
		width = a.store.GetInt(store.KeyCameraWidth, DefaultCameraWidth)
	}
	if height <= 0 {
		height = a.store.GetInt(store.KeyCameraHeight, DefaultCameraHeight)
	}
	if framerate <= 0 {
		framerate = a.store.GetInt(store.KeyCameraFramerate, DefaultCameraFramerate)
	}
	return a.send(ctx, protocol.TypeRequestCameraStream, protocol.RequestCameraStreamData{
		Width: width, Height: height, Framerate: framerate,
	})
}

// StopCamera closes the video stream.
func (a *Agent) StopCamera(ctx context.Context) error {
	return a.send(ctx, protocol.TypeCloseCameraStream, nil)
}

// SaveCameraPreferences persists the preferred capture parameters.
func (a *Agent) SaveCameraPreferences(width, height, framerate int) error {
	if err := a.store.Set(store.KeyCameraWidth, width); err != nil {
		return err
	}
	if err := a.store.Set(store.KeyCameraHeight, height); err != nil {
		return err
	}
	return a.store.Set(store.KeyCameraFramerate, framerate)
}

func (a *Agent) send(ctx context.Context, t protocol.Type, payload any) error {
	a.mu.Lock()
	conn := a.active
	a.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	msg, err := protocol.New(t, payload)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, msg); err != nil {
		return err
	}
	metrics.MessagesTotal.WithLabelValues("out", string(t)).Inc()
	return nil
}

func (a *Agent) registerRoutes() {
	a.router.Handle(protocol.TypePong, router.Typed(
		func(ctx context.Context, conn *peer.Connection, d *protocol.PongData) {
			a.monitor.HandlePong(conn, d.PingID)
		}))
	a.router.Handle(protocol.TypeTelemetryFull, router.Typed(a.handleTelemetryFull))
	a.router.Handle(protocol.TypeTelemetryUpdate, router.Typed(a.handleTelemetryUpdate))
	a.router.Handle(protocol.TypeLog, router.Typed(
		func(ctx context.Context, conn *peer.Connection, d *protocol.LogData) {
			if f := a.events.OnLog; f != nil {
				f(*d)
			}
		}))
	a.router.Handle(protocol.TypeTodayLogs, router.Typed(
		func(ctx context.Context, conn *peer.Connection, d *protocol.TodayLogsData) {
			if f := a.events.OnTodayLogs; f != nil {
				f(d.TodayLogsFileContent)
			}
		}))
	a.router.Handle(protocol.TypeAuxValue, router.Typed(
		func(ctx context.Context, conn *peer.Connection, d *protocol.AuxValueData) {
			if f := a.events.OnAux; f != nil {
				f(d.AuxIndex, d.Value)
			}
		}))
	a.router.Handle(protocol.TypeHomePointCoordinates, router.Typed(
		func(ctx context.Context, conn *peer.Connection, d *protocol.HomePointCoordinatesData) {
			if f := a.events.OnHomePoint; f != nil {
				f(d.Latitude, d.Longitude)
			}
		}))
	a.router.WatchConnections(func(active int) {
		metrics.ConnectionsActive.Set(float64(active))
	})
}

// handleTelemetryFull folds a snapshot into the mirror. Null fields mean
// the vehicle itself never received them and stay Unknown here too.
func (a *Agent) handleTelemetryFull(ctx context.Context, conn *peer.Connection, d *protocol.TelemetryFullData) {
	fields := map[string]*float64{
		telemetry.FieldPitch:          d.Pitch,
		telemetry.FieldRoll:           d.Roll,
		telemetry.FieldYaw:            d.Yaw,
		telemetry.FieldPercentage:     d.Percentage,
		telemetry.FieldLatitude:       d.Latitude,
		telemetry.FieldLongitude:      d.Longitude,
		telemetry.FieldGroundSpeed:    d.GroundSpeed,
		telemetry.FieldHeading:        d.Heading,
		telemetry.FieldAltitude:       d.Altitude,
		telemetry.FieldSatellites:     d.Satellites,
		telemetry.FieldRpiTemperature: d.RpiTemperature,
	}
	byGroup := make(map[string]map[string]float64)
	for name, v := range fields {
		if v == nil {
			continue
		}
		g, ok := telemetry.GroupOf(name)
		if !ok {
			continue
		}
		if byGroup[g] == nil {
			byGroup[g] = make(map[string]float64)
		}
		byGroup[g][name] = *v
	}
	for g, f := range byGroup {
		a.applyReading(telemetry.Reading{Group: g, Fields: f})
	}
}

func (a *Agent) handleTelemetryUpdate(ctx context.Context, conn *peer.Connection, d *protocol.TelemetryUpdateData) {
	a.applyReading(telemetry.Reading{Group: d.Group, Fields: d.Fields})
}

func (a *Agent) applyReading(r telemetry.Reading) {
	if _, ok := a.mirror.Synchronize(r); !ok {
		return
	}
	metrics.TelemetryUpdatesTotal.WithLabelValues(r.Group, "accepted").Inc()
	if f := a.events.OnTelemetry; f != nil {
		snapshot := a.mirror.Snapshot()
		group := make(map[string]float64)
		for name, v := range snapshot {
			if g, ok := telemetry.GroupOf(name); ok && g == r.Group {
				group[name] = v
			}
		}
		f(r.Group, group)
	}
}

func (a *Agent) connectionOpened(c *peer.Connection) {
	log.Info("vehicle connected", "peer", c.RemoteID())
	a.mu.Lock()
	a.active = c
	a.mu.Unlock()
	a.router.Attach(c)
	a.monitor.Watch(a.ctx(), c)
	if f := a.events.OnConnected; f != nil {
		f(c.RemoteID())
	}
	// Prime the mirror so the frontend renders without waiting for the
	// first change broadcasts.
	if err := a.RequestTelemetry(a.ctx()); err != nil {
		log.Warn("requesting telemetry snapshot", "err", err)
	}
}

func (a *Agent) connectionClosed(c *peer.Connection, err error) {
	if err != nil {
		log.Warn("vehicle connection lost", "peer", c.RemoteID(), "err", err)
	} else {
		log.Info("vehicle disconnected", "peer", c.RemoteID())
	}
	a.monitor.Unwatch(c)
	a.router.Detach(c)
	a.mu.Lock()
	if a.active == c {
		a.active = nil
	}
	a.mu.Unlock()
	if f := a.events.OnDisconnected; f != nil {
		f(c.RemoteID(), err)
	}
}

func (a *Agent) inbound(c *peer.Connection, m protocol.Message) {
	metrics.MessagesTotal.WithLabelValues("in", string(m.Type)).Inc()
	a.router.Dispatch(a.ctx(), c, m)
}

// inboundFrame unwraps one chunked camera frame: the reassembled payload
// is a CAMERA_DATA envelope carrying the encoded chunk in base64.
func (a *Agent) inboundFrame(c *peer.Connection, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		log.Debug("dropping malformed frame", "err", err)
		return
	}
	if msg.Type != protocol.TypeCameraData {
		log.Debug("unexpected frame payload", "type", msg.Type)
		return
	}
	d, err := protocol.DecodeData[protocol.CameraData](msg)
	if err != nil {
		log.Debug("dropping malformed camera data", "err", err)
		return
	}
	raw, err := base64.StdEncoding.DecodeString(d.Base64)
	if err != nil {
		log.Debug("dropping undecodable camera data", "err", err)
		return
	}
	metrics.CameraFramesTotal.Inc()
	if f := a.events.OnCameraFrame; f != nil {
		f(raw)
	}
}

// linkDead redials after the monitor declares the link dead. The ground
// side keeps trying; giving up is the operator's call.
func (a *Agent) linkDead(c *peer.Connection) {
	log.Warn("link declared dead, redialing", "peer", c.RemoteID())
	if _, err := a.monitor.Reconnect(a.ctx()); err != nil {
		log.Error(err, "redialing vehicle")
	}
}
