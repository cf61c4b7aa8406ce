package router

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/mqtt/mqtttest"
	"github.com/skylink-io/skylink/pkg/mqtt/topic"
)

const testRoot = "skylink/test"

// makeConn builds a real peer endpoint with one accepted connection so
// router tests exercise the same connection type production uses.
func makeConn(t *testing.T, remoteID string) (*mqtttest.Fake, *peer.Connection) {
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
	fake.Deliver(testRoot+"/peer/drone/ctrl/"+remoteID, hello)
	conn, ok := p.Connection(remoteID)
	if !ok {
		t.Fatalf("no connection to %s", remoteID)
	}
	fake.Reset()
	return fake, conn
}

func startedRouter(t *testing.T) *Router {
	t.Helper()
	r := New()
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return r
}

func TestBroadcastBeforeStart(t *testing.T) {
	r := New()
	err := r.Broadcast(context.Background(), protocol.MustNew(protocol.TypeRequestTelemetry, nil))
	if err != ErrNotStarted {
		t.Fatalf("broadcast = %v, want ErrNotStarted", err)
	}
}

func TestTypedDispatch(t *testing.T) {
	r := startedRouter(t)
	_, conn := makeConn(t, "pilot")

	var got *protocol.SetAuxData
	r.Handle(protocol.TypeSetAux, Typed(func(ctx context.Context, c *peer.Connection, d *protocol.SetAuxData) {
		got = d
	}))

	msg := protocol.MustNew(protocol.TypeSetAux, protocol.SetAuxData{AuxIndex: 2, Value: 9.35})
	r.Dispatch(context.Background(), conn, msg)
	if got == nil || got.AuxIndex != 2 || got.Value != 9.35 {
		t.Fatalf("handler got %+v", got)
	}
}

func TestUnknownTypeReachesListenersOnly(t *testing.T) {
	r := startedRouter(t)
	_, conn := makeConn(t, "pilot")

	var handled, observed int
	r.Handle(protocol.TypeSetAux, func(ctx context.Context, c *peer.Connection, m protocol.Message) {
		handled++
	})
	r.AddListener("spy", func(ctx context.Context, c *peer.Connection, m protocol.Message) {
		observed++
	})

	r.Dispatch(context.Background(), conn, protocol.Message{Type: "set_flight_mode", Data: []byte(`{}`)})
	if handled != 0 {
		t.Fatal("typed handler ran for unknown type")
	}
	if observed != 1 {
		t.Fatalf("listener observed %d messages, want 1", observed)
	}
}

func TestListenerAddRemoveIdempotent(t *testing.T) {
	r := startedRouter(t)
	_, conn := makeConn(t, "pilot")

	var n int
	l := func(ctx context.Context, c *peer.Connection, m protocol.Message) { n++ }
	r.AddListener("counter", l)
	r.AddListener("counter", l) // replaces, not duplicates

	r.Dispatch(context.Background(), conn, protocol.MustNew(protocol.TypeRequestAux, protocol.RequestAuxData{}))
	if n != 1 {
		t.Fatalf("listener ran %d times, want 1", n)
	}

	r.RemoveListener("counter")
	r.RemoveListener("counter") // second remove is a no-op
	r.Dispatch(context.Background(), conn, protocol.MustNew(protocol.TypeRequestAux, protocol.RequestAuxData{}))
	if n != 1 {
		t.Fatalf("listener ran after removal, n = %d", n)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	r := startedRouter(t)
	fake, conn := makeConn(t, "pilot")

	ping := protocol.MustNew(protocol.TypePing, protocol.PingData{ID: "id-1"})
	r.Dispatch(context.Background(), conn, ping)

	sent := fake.PublishedTo(testRoot + "/peer/pilot/data/drone")
	if len(sent) != 1 {
		t.Fatalf("replies = %d, want 1", len(sent))
	}
	reply, err := protocol.Decode(sent[0].Payload)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Type != protocol.TypePong {
		t.Fatalf("reply type = %s", reply.Type)
	}
	pong, _ := protocol.DecodeData[protocol.PongData](reply)
	if pong.PingID != "id-1" {
		t.Fatalf("pong id = %q", pong.PingID)
	}
}

func TestBroadcastSkipsClosedConnections(t *testing.T) {
	r := startedRouter(t)
	fakeA, connA := makeConn(t, "pilot-a")
	fakeB, connB := makeConn(t, "pilot-b")
	r.Attach(connA)
	r.Attach(connB)

	// Close B underneath the router without detaching it.
	fakeB.Deliver(testRoot+"/peer/pilot-b/presence", peer.PresencePayload("pilot-b", false))

	msg := protocol.MustNew(protocol.TypeRequestTelemetry, nil)
	if err := r.Broadcast(context.Background(), msg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if n := len(fakeA.PublishedTo(testRoot + "/peer/pilot-a/data/drone")); n != 1 {
		t.Fatalf("open connection got %d messages, want 1", n)
	}
	if n := len(fakeB.PublishedTo(testRoot + "/peer/pilot-b/data/drone")); n != 0 {
		t.Fatalf("closed connection got %d messages, want 0", n)
	}
}

func TestConnectionWatchers(t *testing.T) {
	r := startedRouter(t)
	_, conn := makeConn(t, "pilot")

	var counts []int
	r.WatchConnections(func(active int) { counts = append(counts, active) })

	if r.HasConnections() {
		t.Fatal("no connections attached yet")
	}
	r.Attach(conn)
	if !r.HasConnections() {
		t.Fatal("connection attached but HasConnections is false")
	}
	r.Detach(conn)
	r.Detach(conn) // stale detach must not fire watchers again
	if r.HasConnections() {
		t.Fatal("connection detached but HasConnections is true")
	}
	if len(counts) != 2 || counts[0] != 1 || counts[1] != 0 {
		t.Fatalf("watcher counts = %v", counts)
	}
}
