package flightctl

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/pkg/util/clock"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/internal/router"
	"github.com/skylink-io/skylink/internal/telemetry"
	"github.com/skylink-io/skylink/pkg/mqtt/mqtttest"
	"github.com/skylink-io/skylink/pkg/mqtt/topic"
)

const testRoot = "skylink/test"

type fakeSender struct {
	mu   sync.Mutex
	cmds []any
	err  error
}

func (f *fakeSender) Send(cmd any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeSender) last(t *testing.T) any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		t.Fatal("no driver command sent")
	}
	return f.cmds[len(f.cmds)-1]
}

type fixture struct {
	module *Module
	sender *fakeSender
	store  *telemetry.Store
	router *router.Router
	clock  *clock.Fake
	fake   *mqtttest.Fake
	conn   *peer.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := mqtttest.NewFake()
	p, err := peer.New(peer.Config{
		Client: fake,
		Topics: topic.NewBuilder(testRoot),
		SelfID: "drone",
	}, peer.Handler{})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start peer: %v", err)
	}
	hello, _ := json.Marshal(map[string]string{"kind": "hello"})
	fake.Deliver(testRoot+"/peer/drone/ctrl/pilot", hello)
	conn, ok := p.Connection("pilot")
	if !ok {
		t.Fatal("no connection")
	}
	fake.Reset()

	r := router.New()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start router: %v", err)
	}
	r.Attach(conn)

	sender := &fakeSender{}
	store := telemetry.NewStore()
	fc := clock.NewFake()
	m, err := NewModule(ModuleConfig{
		Driver:          sender,
		Store:           store,
		Router:          r,
		Clock:           fc,
		TempInterval:    5 * time.Second,
		ReadTemperature: func() (float64, error) { return 40, nil },
	})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	m.Register()
	return &fixture{module: m, sender: sender, store: store, router: r, clock: fc, fake: fake, conn: conn}
}

func (f *fixture) dispatch(t *testing.T, typ protocol.Type, payload any) {
	t.Helper()
	f.router.Dispatch(context.Background(), f.conn, protocol.MustNew(typ, payload))
}

// replies returns every message published back to the pilot.
func (f *fixture) replies(t *testing.T) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, rec := range f.fake.PublishedTo(testRoot + "/peer/pilot/data/drone") {
		msg, err := protocol.Decode(rec.Payload)
		if err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestThrottleRemap(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, protocol.TypeSetThrottle, protocol.SetThrottleData{Throttle: 42})
	cmd, ok := f.sender.last(t).(throttleCmd)
	if !ok || cmd.Type != cmdSetThrottle {
		t.Fatalf("command = %#v", f.sender.last(t))
	}
	if math.Abs(cmd.Value.Throttle-0.42) > 1e-9 {
		t.Fatalf("throttle = %v, want 0.42", cmd.Value.Throttle)
	}

	// The driver reads the kebab tag and the nested value object.
	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"type":"set-throttle","value":{"throttle":0.42}}`; got != want {
		t.Fatalf("wire = %s, want %s", got, want)
	}
}

func TestEulerRemap(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, protocol.TypeSendEulerAngles, protocol.SendEulerAnglesData{Yaw: -1, Pitch: 0, Roll: 1})
	cmd, ok := f.sender.last(t).(eulerCmd)
	if !ok || cmd.Type != cmdEulerAngles {
		t.Fatalf("command = %#v", f.sender.last(t))
	}
	if cmd.Value.Yaw != 0 || cmd.Value.Pitch != 0.5 || cmd.Value.Roll != 1 {
		t.Fatalf("euler = %+v, want 0/0.5/1", cmd.Value)
	}

	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"type":"euler-angles","value":{"yaw":0,"pitch":0.5,"roll":1}}`; got != want {
		t.Fatalf("wire = %s, want %s", got, want)
	}
}

func TestAuxRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, protocol.TypeSetAux, protocol.SetAuxData{AuxIndex: 5, Value: 90.66})

	cmd, ok := f.sender.last(t).(auxCmd)
	if !ok || cmd.Type != cmdSetAux || cmd.Value.Index != 5 {
		t.Fatalf("command = %#v", f.sender.last(t))
	}
	if math.Abs(cmd.Value.Value-0.9066) > 1e-9 {
		t.Fatalf("driver aux = %v", cmd.Value.Value)
	}

	raw, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"type":"set-aux","value":{"index":5,"value":0.9066}}`; got != want {
		t.Fatalf("wire = %s, want %s", got, want)
	}

	f.dispatch(t, protocol.TypeRequestAux, protocol.RequestAuxData{AuxIndex: 5})
	replies := f.replies(t)
	if len(replies) != 1 || replies[0].Type != protocol.TypeAuxValue {
		t.Fatalf("replies = %v", replies)
	}
	av, _ := protocol.DecodeData[protocol.AuxValueData](replies[0])
	if av.AuxIndex != 5 || av.Value != 90.66 {
		t.Fatalf("aux value = %+v", av)
	}
	if !protocol.AuxIsOn(av.Value) {
		t.Fatal("stored aux value lost on-classification")
	}

	// Intermediate values survive exactly and classify as neither.
	f.dispatch(t, protocol.TypeSetAux, protocol.SetAuxData{AuxIndex: 5, Value: 47.3})
	v, err := f.module.AuxValue(5)
	if err != nil || v != 47.3 {
		t.Fatalf("aux = %v, %v", v, err)
	}
	if protocol.AuxIsOn(v) || protocol.AuxIsOff(v) {
		t.Fatal("intermediate value classified as on or off")
	}
}

func TestAuxIndexValidation(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, protocol.TypeSetAux, protocol.SetAuxData{AuxIndex: 12, Value: 50})
	f.sender.mu.Lock()
	n := len(f.sender.cmds)
	f.sender.mu.Unlock()
	if n != 0 {
		t.Fatal("out of range aux index reached the driver")
	}
	if _, err := f.module.AuxValue(-1); err == nil {
		t.Fatal("negative index accepted")
	}
}

func TestHomePointTrigger(t *testing.T) {
	f := newFixture(t)

	// Trigger before a GPS fix must not latch.
	f.dispatch(t, protocol.TypeSetAux, protocol.SetAuxData{AuxIndex: protocol.HomePointAuxIndex, Value: 90.66})
	f.dispatch(t, protocol.TypeRequestHomePoint, nil)
	if len(f.replies(t)) != 0 {
		t.Fatal("home point answered before any latch")
	}

	f.store.Update([]byte(`{"type":"GPS","latitude":48.21,"longitude":16.37}`))
	// Off value on the trigger channel must not latch either.
	f.dispatch(t, protocol.TypeSetAux, protocol.SetAuxData{AuxIndex: protocol.HomePointAuxIndex, Value: 9.35})
	if _, ok := f.store.Home(); ok {
		t.Fatal("off value latched home point")
	}

	f.dispatch(t, protocol.TypeSetAux, protocol.SetAuxData{AuxIndex: protocol.HomePointAuxIndex, Value: 90.66})
	f.fake.Reset()
	f.dispatch(t, protocol.TypeRequestHomePoint, nil)
	replies := f.replies(t)
	if len(replies) != 1 || replies[0].Type != protocol.TypeHomePointCoordinates {
		t.Fatalf("replies = %v", replies)
	}
	hp, _ := protocol.DecodeData[protocol.HomePointCoordinatesData](replies[0])
	if hp.Latitude != 48.21 || hp.Longitude != 16.37 {
		t.Fatalf("home point = %+v", hp)
	}
}

func TestTelemetryRequestRepliesFull(t *testing.T) {
	f := newFixture(t)
	f.store.Update([]byte(`{"type":"BATTERY","percentage":42}`))
	f.dispatch(t, protocol.TypeRequestTelemetry, nil)

	replies := f.replies(t)
	if len(replies) != 1 || replies[0].Type != protocol.TypeTelemetryFull {
		t.Fatalf("replies = %v", replies)
	}
	full, _ := protocol.DecodeData[protocol.TelemetryFullData](replies[0])
	if full.Percentage == nil || *full.Percentage != 42 {
		t.Fatalf("percentage = %v", full.Percentage)
	}
	if full.Pitch != nil {
		t.Fatal("never-received field not null")
	}
}

func TestDriverLineBroadcasts(t *testing.T) {
	f := newFixture(t)
	handle := f.module.HandleDriverLine(context.Background())

	handle([]byte("not json"))
	handle([]byte(`{"type":"INFO","message":"armed"}`))
	if len(f.replies(t)) != 0 {
		t.Fatal("non-telemetry lines caused broadcasts")
	}

	handle([]byte(`{"type":"BATTERY","percentage":42}`))
	replies := f.replies(t)
	if len(replies) != 1 || replies[0].Type != protocol.TypeTelemetryUpdate {
		t.Fatalf("replies = %v", replies)
	}
	upd, err := protocol.DecodeData[protocol.TelemetryUpdateData](replies[0])
	if err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if upd.Group != protocol.GroupBattery || upd.Fields["percentage"] != 42 {
		t.Fatalf("update = %+v", upd)
	}

	// Within tolerance: no second broadcast.
	handle([]byte(`{"type":"BATTERY","percentage":42.5}`))
	if len(f.replies(t)) != 1 {
		t.Fatal("reading within tolerance broadcast anyway")
	}
}

func TestForceSafety(t *testing.T) {
	f := newFixture(t)
	if err := f.module.ForceSafety(context.Background()); err != nil {
		t.Fatalf("force safety: %v", err)
	}

	cmd, ok := f.sender.last(t).(auxCmd)
	if !ok || cmd.Value.Index != protocol.SafetyAuxIndex {
		t.Fatalf("command = %#v", f.sender.last(t))
	}
	replies := f.replies(t)
	if len(replies) != 1 || replies[0].Type != protocol.TypeAuxValue {
		t.Fatalf("replies = %v", replies)
	}
	av, _ := protocol.DecodeData[protocol.AuxValueData](replies[0])
	if av.AuxIndex != protocol.SafetyAuxIndex || !protocol.AuxIsOn(av.Value) {
		t.Fatalf("aux notification = %+v", av)
	}

	// Idempotent re-trigger.
	if err := f.module.ForceSafety(context.Background()); err != nil {
		t.Fatalf("repeat force safety: %v", err)
	}
}

func TestTemperatureSampler(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.module.RunTemperatureSampler(ctx) }()

	// Let the goroutine arm the first timer.
	time.Sleep(10 * time.Millisecond)
	f.clock.Advance(5 * time.Second)
	replies := f.replies(t)
	if len(replies) != 1 || replies[0].Type != protocol.TypeTelemetryUpdate {
		t.Fatalf("replies = %v", replies)
	}
	upd, _ := protocol.DecodeData[protocol.TelemetryUpdateData](replies[0])
	if upd.Group != protocol.GroupMiscellaneous || upd.Fields["rpiTemperature"] != 40 {
		t.Fatalf("update = %+v", upd)
	}

	// Unchanged temperature stays quiet.
	f.clock.Advance(5 * time.Second)
	if len(f.replies(t)) != 1 {
		t.Fatal("unchanged temperature broadcast anyway")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sampler did not stop on cancel")
	}
}
