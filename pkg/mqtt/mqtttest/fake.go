// Package mqtttest provides an in-memory Client implementation for tests.
package mqtttest

import (
	"context"
	"strings"
	"sync"

	"github.com/skylink-io/skylink/pkg/mqtt"
)

// Record is one captured publish.
type Record struct {
	Topic   string
	QoS     int
	Retain  bool
	Payload []byte
}

// Fake implements mqtt.Client against an in-memory topic table.
// Deliver injects inbound traffic; Published captures outbound traffic.
type Fake struct {
	mu        sync.Mutex
	subs      map[string]mqtt.MessageHandler
	published []Record
	listener  mqtt.ConnectionListener
	connected bool

	// PublishErr, when set, is returned by every Publish call.
	PublishErr error
}

// NewFake returns a disconnected fake client.
func NewFake() *Fake {
	return &Fake{subs: make(map[string]mqtt.MessageHandler)}
}

func (f *Fake) Start(ctx context.Context) error {
	f.SetConnected(true)
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) {
	f.SetConnected(false)
}

func (f *Fake) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishErr != nil {
		return f.PublishErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.published = append(f.published, Record{Topic: topic, QoS: qos, Retain: retain, Payload: cp})
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, topic string, qos int, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *Fake) Unsubscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
	return nil
}

func (f *Fake) AwaitConnection(ctx context.Context) error { return nil }

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) SetConnectionListener(l mqtt.ConnectionListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

// SetConnected flips the session state and fires the listener like the
// real client would.
func (f *Fake) SetConnected(up bool) {
	f.mu.Lock()
	was := f.connected
	f.connected = up
	l := f.listener
	f.mu.Unlock()
	if was == up {
		return
	}
	if up && l.Up != nil {
		l.Up()
	}
	if !up && l.Down != nil {
		l.Down(nil)
	}
}

// Deliver routes a payload to every handler whose filter matches topic.
// Handlers run synchronously on the caller's goroutine.
func (f *Fake) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	var matched []mqtt.MessageHandler
	for filter, h := range f.subs {
		if filterMatches(filter, topic) {
			matched = append(matched, h)
		}
	}
	f.mu.Unlock()
	for _, h := range matched {
		h(context.Background(), topic, payload)
	}
}

// Published returns a snapshot of captured publishes.
func (f *Fake) Published() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Record, len(f.published))
	copy(out, f.published)
	return out
}

// PublishedTo returns captured publishes on one exact topic.
func (f *Fake) PublishedTo(topic string) []Record {
	var out []Record
	for _, r := range f.Published() {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

// Reset drops captured publishes.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
}

func filterMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range fp {
		if seg == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if seg == "+" {
			continue
		}
		if seg != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
