package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/mqtt/mqtttest"
	"github.com/skylink-io/skylink/pkg/mqtt/topic"
)

const testRoot = "skylink/test"

type events struct {
	mu     sync.Mutex
	opened []string
	closed []error
	msgs   []protocol.Message
	frames [][]byte
}

func (e *events) handler() Handler {
	return Handler{
		OnConnection: func(c *Connection) {
			e.mu.Lock()
			e.opened = append(e.opened, c.RemoteID())
			e.mu.Unlock()
		},
		OnClosed: func(c *Connection, err error) {
			e.mu.Lock()
			e.closed = append(e.closed, err)
			e.mu.Unlock()
		},
		OnMessage: func(c *Connection, m protocol.Message) {
			e.mu.Lock()
			e.msgs = append(e.msgs, m)
			e.mu.Unlock()
		},
		OnFrame: func(c *Connection, f []byte) {
			e.mu.Lock()
			e.frames = append(e.frames, f)
			e.mu.Unlock()
		},
	}
}

func newTestPeer(t *testing.T, selfID string, cfgMut ...func(*Config)) (*Peer, *mqtttest.Fake, *events) {
	t.Helper()
	fake := mqtttest.NewFake()
	ev := &events{}
	cfg := Config{
		Client: fake,
		Topics: topic.NewBuilder(testRoot),
		SelfID: selfID,
	}
	for _, mut := range cfgMut {
		mut(&cfg)
	}
	p, err := New(cfg, ev.handler())
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return p, fake, ev
}

func deliverCtrl(fake *mqtttest.Fake, to, from, kind string) {
	raw, _ := json.Marshal(map[string]string{"kind": kind})
	fake.Deliver(testRoot+"/peer/"+to+"/ctrl/"+from, raw)
}

func TestStartAnnouncesPresence(t *testing.T) {
	_, fake, _ := newTestPeer(t, "drone")
	recs := fake.PublishedTo(testRoot + "/peer/drone/presence")
	if len(recs) != 1 {
		t.Fatalf("presence publishes = %d, want 1", len(recs))
	}
	if !recs[0].Retain {
		t.Fatal("presence must be retained")
	}
	var doc struct {
		ID     string `json:"id"`
		Online bool   `json:"online"`
	}
	if err := json.Unmarshal(recs[0].Payload, &doc); err != nil {
		t.Fatalf("presence payload: %v", err)
	}
	if doc.ID != "drone" || !doc.Online {
		t.Fatalf("presence doc = %+v", doc)
	}
}

func TestDialHandshake(t *testing.T) {
	p, fake, ev := newTestPeer(t, "pilot")
	conn, err := p.ConnectTo(context.Background(), "drone")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.IsOpen() {
		t.Fatal("connection open before welcome")
	}
	hellos := fake.PublishedTo(testRoot + "/peer/drone/ctrl/pilot")
	if len(hellos) != 1 {
		t.Fatalf("hello publishes = %d, want 1", len(hellos))
	}

	deliverCtrl(fake, "pilot", "drone", "welcome")
	if !conn.IsOpen() {
		t.Fatal("connection not open after welcome")
	}
	if len(ev.opened) != 1 || ev.opened[0] != "drone" {
		t.Fatalf("opened events = %v", ev.opened)
	}
}

func TestAcceptHelloWelcomesAndOpens(t *testing.T) {
	p, fake, ev := newTestPeer(t, "drone")
	deliverCtrl(fake, "drone", "pilot", "hello")

	if _, ok := p.Connection("pilot"); !ok {
		t.Fatal("no connection registered for pilot")
	}
	welcomes := fake.PublishedTo(testRoot + "/peer/pilot/ctrl/drone")
	if len(welcomes) != 1 {
		t.Fatalf("welcome publishes = %d, want 1", len(welcomes))
	}
	if len(ev.opened) != 1 {
		t.Fatalf("opened events = %v", ev.opened)
	}

	// A repeated hello must not produce a second lifecycle event.
	deliverCtrl(fake, "drone", "pilot", "hello")
	if len(ev.opened) != 1 {
		t.Fatalf("opened events after re-hello = %v", ev.opened)
	}
}

func TestSendAndReceiveMessages(t *testing.T) {
	p, fake, ev := newTestPeer(t, "drone")
	deliverCtrl(fake, "drone", "pilot", "hello")
	conn, _ := p.Connection("pilot")

	msg := protocol.MustNew(protocol.TypePong, protocol.PongData{PingID: "abc"})
	if err := conn.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := fake.PublishedTo(testRoot + "/peer/pilot/data/drone")
	if len(sent) != 1 {
		t.Fatalf("data publishes = %d, want 1", len(sent))
	}

	inbound, _ := protocol.MustNew(protocol.TypePing, protocol.PingData{ID: "xyz"}).Encode()
	fake.Deliver(testRoot+"/peer/drone/data/pilot", inbound)
	if len(ev.msgs) != 1 || ev.msgs[0].Type != protocol.TypePing {
		t.Fatalf("received = %v", ev.msgs)
	}
}

func TestDataFromUnknownPeerIgnored(t *testing.T) {
	_, fake, ev := newTestPeer(t, "drone")
	raw, _ := protocol.MustNew(protocol.TypePing, protocol.PingData{ID: "x"}).Encode()
	fake.Deliver(testRoot+"/peer/drone/data/stranger", raw)
	if len(ev.msgs) != 0 {
		t.Fatalf("messages from unconnected peer dispatched: %v", ev.msgs)
	}
}

func TestByeClosesCleanly(t *testing.T) {
	p, fake, ev := newTestPeer(t, "drone")
	deliverCtrl(fake, "drone", "pilot", "hello")
	deliverCtrl(fake, "drone", "pilot", "bye")

	if _, ok := p.Connection("pilot"); ok {
		t.Fatal("connection still registered after bye")
	}
	if len(ev.closed) != 1 || ev.closed[0] != nil {
		t.Fatalf("closed events = %v", ev.closed)
	}
}

func TestPresenceOfflineTearsDown(t *testing.T) {
	p, fake, ev := newTestPeer(t, "drone")
	deliverCtrl(fake, "drone", "pilot", "hello")
	conn, _ := p.Connection("pilot")

	fake.Deliver(testRoot+"/peer/pilot/presence", PresencePayload("pilot", false))

	if conn.IsOpen() {
		t.Fatal("connection open after peer offline")
	}
	if len(ev.closed) != 1 || !errors.Is(ev.closed[0], ErrPeerOffline) {
		t.Fatalf("closed events = %v", ev.closed)
	}
	if err := conn.Send(context.Background(), protocol.MustNew(protocol.TypePing, nil)); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("send after close = %v, want ErrConnectionClosed", err)
	}
}

func TestFrameChunking(t *testing.T) {
	p, fake, ev := newTestPeer(t, "drone", func(c *Config) { c.ChunkSize = 4 })
	deliverCtrl(fake, "drone", "pilot", "hello")
	conn, _ := p.Connection("pilot")

	payload := []byte("0123456789")
	if err := conn.SendFrame(context.Background(), payload); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	chunks := fake.PublishedTo(testRoot + "/peer/pilot/frames/drone")
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}

	// Replay the chunks back out of order and expect one reassembled frame.
	in := testRoot + "/peer/drone/frames/pilot"
	fake.Deliver(in, chunks[2].Payload)
	fake.Deliver(in, chunks[0].Payload)
	if len(ev.frames) != 0 {
		t.Fatal("frame dispatched before all chunks arrived")
	}
	fake.Deliver(in, chunks[1].Payload)
	if len(ev.frames) != 1 || string(ev.frames[0]) != "0123456789" {
		t.Fatalf("frames = %q", ev.frames)
	}
}

type memStore struct {
	id  string
	err error
}

func (m *memStore) SaveLastPeer(id string) error { m.id = id; return nil }
func (m *memStore) LastPeer() (string, error)    { return m.id, m.err }

func TestOpenPersistsLastPeer(t *testing.T) {
	st := &memStore{}
	_, fake, _ := newTestPeer(t, "drone", func(c *Config) { c.Store = st })
	deliverCtrl(fake, "drone", "pilot", "hello")
	if st.id != "pilot" {
		t.Fatalf("persisted last peer = %q, want pilot", st.id)
	}
}

func TestReconnectRequiresPersistedPeer(t *testing.T) {
	p, _, _ := newTestPeer(t, "pilot", func(c *Config) {
		c.Store = &memStore{err: errors.New("empty")}
		c.ReconnectDelay = time.Millisecond
	})
	if _, err := p.Reconnect(context.Background()); !errors.Is(err, ErrNoLastPeer) {
		t.Fatalf("reconnect = %v, want ErrNoLastPeer", err)
	}

	noStore, _, _ := newTestPeer(t, "pilot2")
	if _, err := noStore.Reconnect(context.Background()); !errors.Is(err, ErrNoLastPeer) {
		t.Fatalf("reconnect without store = %v, want ErrNoLastPeer", err)
	}
}

func TestSessionRecoveryReannouncesPresence(t *testing.T) {
	_, fake, _ := newTestPeer(t, "drone")
	fake.SetConnected(true)

	presence := testRoot + "/peer/drone/presence"
	if n := len(fake.PublishedTo(presence)); n != 1 {
		t.Fatalf("presence publishes after start = %d, want 1", n)
	}

	// A session loss publishes the offline will broker-side; the retained
	// doc must flip back to online once the session comes back.
	fake.SetConnected(false)
	fake.SetConnected(true)

	recs := fake.PublishedTo(presence)
	if len(recs) != 2 {
		t.Fatalf("presence publishes after recovery = %d, want 2", len(recs))
	}
	last := recs[len(recs)-1]
	if !last.Retain {
		t.Fatal("re-announced presence must be retained")
	}
	var doc struct {
		Online bool `json:"online"`
	}
	if err := json.Unmarshal(last.Payload, &doc); err != nil {
		t.Fatalf("presence payload: %v", err)
	}
	if !doc.Online {
		t.Fatal("re-announced presence not online")
	}
}

func TestSessionRecoveryRedialsLastPeer(t *testing.T) {
	_, fake, _ := newTestPeer(t, "pilot", func(c *Config) {
		c.Store = &memStore{id: "drone"}
		c.ReconnectDelay = time.Millisecond
	})
	fake.SetConnected(true)

	fake.SetConnected(false)
	fake.SetConnected(true)

	hello := testRoot + "/peer/drone/ctrl/pilot"
	deadline := time.After(2 * time.Second)
	for len(fake.PublishedTo(hello)) == 0 {
		select {
		case <-deadline:
			t.Fatal("no redial of the last peer after session recovery")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if n := len(fake.PublishedTo(hello)); n != 1 {
		t.Fatalf("hello publishes = %d, want 1", n)
	}
}

func TestReconnectDialsPersistedPeer(t *testing.T) {
	p, fake, _ := newTestPeer(t, "pilot", func(c *Config) {
		c.Store = &memStore{id: "drone"}
		c.ReconnectDelay = time.Millisecond
	})
	if _, err := p.Reconnect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(fake.PublishedTo(testRoot+"/peer/drone/ctrl/pilot")) != 1 {
		t.Fatal("reconnect did not dial persisted peer")
	}
}
