package flightctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/pkg/metrics"
	"github.com/skylink-io/skylink/internal/pkg/util/clock"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/internal/router"
	"github.com/skylink-io/skylink/internal/telemetry"
	"github.com/skylink-io/skylink/pkg/log"
)

// Driver command tags, kebab case by driver convention.
const (
	cmdSetThrottle = "set-throttle"
	cmdEulerAngles = "euler-angles"
	cmdSetAux      = "set-aux"
)

// defaultTempInterval is how often the onboard temperature is sampled.
const defaultTempInterval = 5 * time.Second

// thermalZonePath is the kernel's millidegree temperature readout.
const thermalZonePath = "/sys/class/thermal/thermal_zone0/temp"

// Driver commands carry their payload in a nested value object.
type throttleCmd struct {
	Type  string        `json:"type"`
	Value throttleValue `json:"value"`
}

type throttleValue struct {
	Throttle float64 `json:"throttle"`
}

type eulerCmd struct {
	Type  string     `json:"type"`
	Value eulerValue `json:"value"`
}

type eulerValue struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

type auxCmd struct {
	Type  string   `json:"type"`
	Value auxValue `json:"value"`
}

type auxValue struct {
	Index int     `json:"index"`
	Value float64 `json:"value"`
}

// CommandSender is the slice of Driver the module needs, separated so
// tests can capture commands without a child process.
type CommandSender interface {
	Send(cmd any) error
}

// ModuleConfig wires the module to its collaborators.
type ModuleConfig struct {
	Driver CommandSender
	Store  *telemetry.Store
	Router *router.Router

	// TempInterval overrides defaultTempInterval when positive.
	TempInterval time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// ReadTemperature defaults to the kernel thermal zone readout.
	ReadTemperature func() (float64, error)
}

// Module owns the onboard control plane: it translates inbound commands
// into driver stdin lines, turns driver stdout records into telemetry
// broadcasts, answers queries and tracks auxiliary channel state.
type Module struct {
	driver   CommandSender
	store    *telemetry.Store
	router   *router.Router
	clock    clock.Clock
	interval time.Duration
	readTemp func() (float64, error)

	mu  sync.Mutex
	aux [protocol.AuxChannelCount]float64
}

// NewModule builds the module. Driver, Store and Router are required.
func NewModule(cfg ModuleConfig) (*Module, error) {
	if cfg.Driver == nil || cfg.Store == nil || cfg.Router == nil {
		return nil, fmt.Errorf("flightctl: driver, store and router are required")
	}
	m := &Module{
		driver:   cfg.Driver,
		store:    cfg.Store,
		router:   cfg.Router,
		clock:    cfg.Clock,
		interval: cfg.TempInterval,
		readTemp: cfg.ReadTemperature,
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.interval <= 0 {
		m.interval = defaultTempInterval
	}
	if m.readTemp == nil {
		m.readTemp = readThermalZone
	}
	return m, nil
}

// Register installs the module's routes.
func (m *Module) Register() {
	m.router.Handle(protocol.TypeSetThrottle, router.Typed(m.handleSetThrottle))
	m.router.Handle(protocol.TypeSendEulerAngles, router.Typed(m.handleEulerAngles))
	m.router.Handle(protocol.TypeSetAux, router.Typed(m.handleSetAux))
	m.router.Handle(protocol.TypeRequestAux, router.Typed(m.handleRequestAux))
	m.router.Handle(protocol.TypeRequestTelemetry, m.handleRequestTelemetry)
	m.router.Handle(protocol.TypeRequestHomePoint, m.handleRequestHomePoint)
}

func (m *Module) handleSetThrottle(ctx context.Context, conn *peer.Connection, d *protocol.SetThrottleData) {
	// Wire range [0,100], driver range [0,1].
	cmd := throttleCmd{Type: cmdSetThrottle, Value: throttleValue{Throttle: d.Throttle / 100}}
	if err := m.driver.Send(cmd); err != nil {
		log.Warn("forwarding throttle", "err", err)
	}
}

func (m *Module) handleEulerAngles(ctx context.Context, conn *peer.Connection, d *protocol.SendEulerAnglesData) {
	// Wire range [-1,1] per axis, driver range [0,1].
	cmd := eulerCmd{
		Type: cmdEulerAngles,
		Value: eulerValue{
			Yaw:   (d.Yaw + 1) / 2,
			Pitch: (d.Pitch + 1) / 2,
			Roll:  (d.Roll + 1) / 2,
		},
	}
	if err := m.driver.Send(cmd); err != nil {
		log.Warn("forwarding euler angles", "err", err)
	}
}

func (m *Module) handleSetAux(ctx context.Context, conn *peer.Connection, d *protocol.SetAuxData) {
	if !protocol.ValidAuxIndex(d.AuxIndex) {
		log.Warn("rejecting aux index out of range", "index", d.AuxIndex)
		return
	}
	if err := m.setAux(d.AuxIndex, d.Value); err != nil {
		log.Warn("forwarding aux", "index", d.AuxIndex, "err", err)
	}
	if d.AuxIndex == protocol.HomePointAuxIndex && protocol.AuxIsOn(d.Value) {
		m.store.LatchHomePoint()
	}
}

func (m *Module) handleRequestAux(ctx context.Context, conn *peer.Connection, d *protocol.RequestAuxData) {
	if !protocol.ValidAuxIndex(d.AuxIndex) {
		log.Warn("rejecting aux query out of range", "index", d.AuxIndex)
		return
	}
	m.mu.Lock()
	v := m.aux[d.AuxIndex]
	m.mu.Unlock()
	reply := protocol.MustNew(protocol.TypeAuxValue, protocol.AuxValueData{AuxIndex: d.AuxIndex, Value: v})
	if err := conn.Send(ctx, reply); err != nil {
		log.Warn("answering aux query", "peer", conn.RemoteID(), "err", err)
	}
}

func (m *Module) handleRequestTelemetry(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
	reply := protocol.MustNew(protocol.TypeTelemetryFull, m.store.Full())
	if err := conn.Send(ctx, reply); err != nil {
		log.Warn("answering telemetry request", "peer", conn.RemoteID(), "err", err)
	}
}

// handleRequestHomePoint answers only when a home point was latched. A
// request before the latch goes unanswered rather than carrying a
// sentinel position.
func (m *Module) handleRequestHomePoint(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
	hp, ok := m.store.Home()
	if !ok {
		log.Debug("home point requested but never latched", "peer", conn.RemoteID())
		return
	}
	reply := protocol.MustNew(protocol.TypeHomePointCoordinates, protocol.HomePointCoordinatesData{
		Latitude:  hp.Latitude,
		Longitude: hp.Longitude,
	})
	if err := conn.Send(ctx, reply); err != nil {
		log.Warn("answering home point request", "peer", conn.RemoteID(), "err", err)
	}
}

// setAux stores the channel value and forwards it to the driver, remapped
// from wire range [0,100] to driver range [0,1].
func (m *Module) setAux(index int, value float64) error {
	m.mu.Lock()
	m.aux[index] = value
	m.mu.Unlock()
	return m.driver.Send(auxCmd{Type: cmdSetAux, Value: auxValue{Index: index, Value: value / 100}})
}

// AuxValue returns the current value of one channel.
func (m *Module) AuxValue(index int) (float64, error) {
	if !protocol.ValidAuxIndex(index) {
		return 0, fmt.Errorf("flightctl: aux index %d out of range", index)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aux[index], nil
}

// ForceSafety drives the safety channel on and tells every observer. It
// is the fallback machine's trigger action and safe to re-run.
func (m *Module) ForceSafety(ctx context.Context) error {
	if err := m.setAux(protocol.SafetyAuxIndex, protocol.AuxOn); err != nil {
		return err
	}
	note := protocol.MustNew(protocol.TypeAuxValue, protocol.AuxValueData{
		AuxIndex: protocol.SafetyAuxIndex,
		Value:    protocol.AuxOn,
	})
	if err := m.router.Broadcast(ctx, note); err != nil {
		log.Warn("broadcasting safety aux value", "err", err)
	}
	return nil
}

// HandleDriverLine consumes one stdout line from the driver process.
// Telemetry records run through the change filter and broadcast when
// admitted; log records are relayed into the process log.
func (m *Module) HandleDriverLine(ctx context.Context) func(line []byte) {
	return func(line []byte) {
		var head struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(line, &head); err != nil {
			log.Warn("dropping driver line", "line", string(line), "err", err)
			return
		}
		switch head.Type {
		case telemetry.DriverError:
			log.Error(errors.New(head.Message), "flight controller driver reported an error")
		case telemetry.DriverInfo:
			log.Info("driver info", "message", head.Message)
		case telemetry.DriverAttitude, telemetry.DriverBattery, telemetry.DriverGPS:
			accepted, ok := m.store.Update(line)
			if !ok {
				metrics.TelemetryUpdatesTotal.WithLabelValues(strings.ToLower(head.Type), "discarded").Inc()
				return
			}
			m.broadcastReading(ctx, accepted)
		default:
			log.Debug("ignoring driver record", "type", head.Type)
		}
	}
}

// RunTemperatureSampler periodically samples the onboard temperature and
// feeds it through the same change filter as driver telemetry. Blocks
// until ctx is cancelled.
func (m *Module) RunTemperatureSampler(ctx context.Context) error {
	var tick func()
	tick = func() {
		if ctx.Err() != nil {
			return
		}
		m.sampleTemperature(ctx)
		m.clock.AfterFunc(m.interval, tick)
	}
	m.clock.AfterFunc(m.interval, tick)
	<-ctx.Done()
	return ctx.Err()
}

func (m *Module) sampleTemperature(ctx context.Context) {
	temp, err := m.readTemp()
	if err != nil {
		log.Warn("reading onboard temperature", "err", err)
		return
	}
	reading := telemetry.Reading{
		Group:  protocol.GroupMiscellaneous,
		Fields: map[string]float64{telemetry.FieldRpiTemperature: temp},
	}
	if accepted, ok := m.store.Synchronize(reading); ok {
		m.broadcastReading(ctx, accepted)
	}
}

func (m *Module) broadcastReading(ctx context.Context, r telemetry.Reading) {
	upd := protocol.MustNew(protocol.TypeTelemetryUpdate, protocol.TelemetryUpdateData{
		Group:  r.Group,
		Fields: r.Fields,
	})
	if err := m.router.Broadcast(ctx, upd); err != nil {
		log.Warn("broadcasting telemetry update", "err", err)
		return
	}
	metrics.TelemetryUpdatesTotal.WithLabelValues(r.Group, "accepted").Inc()
}

// readThermalZone reads the CPU temperature in degrees Celsius.
func readThermalZone() (float64, error) {
	raw, err := os.ReadFile(thermalZonePath)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse thermal zone: %w", err)
	}
	return milli / 1000, nil
}
