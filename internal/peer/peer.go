// Package peer maintains point to point connections between skylink
// endpoints over an MQTT broker. The broker only relays: presence topics
// announce who is reachable, ctrl topics carry the hello/bye handshake,
// and data/frames topics carry the actual traffic.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/log"
	"github.com/skylink-io/skylink/pkg/mqtt"
	"github.com/skylink-io/skylink/pkg/mqtt/topic"
)

const (
	qosCtrl     = 1
	qosData     = 1
	qosFrames   = 0
	qosPresence = 1

	ctrlHello   = "hello"
	ctrlWelcome = "welcome"
	ctrlBye     = "bye"

	// DefaultReconnectDelay is how long to wait before the single
	// reconnect attempt after a connection is lost.
	DefaultReconnectDelay = time.Second
)

// ErrNoLastPeer is returned by Reconnect when no peer id has ever been
// persisted on this endpoint.
var ErrNoLastPeer = errors.New("peer: no previously connected peer on record")

// ErrPeerOffline indicates the remote presence went offline or the broker
// delivered its will message.
var ErrPeerOffline = errors.New("peer: remote peer went offline")

// IDStore persists the identifier of the last successfully connected
// peer across restarts.
type IDStore interface {
	SaveLastPeer(id string) error
	LastPeer() (string, error)
}

// Handler receives connection lifecycle and traffic events. Callbacks run
// on the transport's dispatch goroutines and must not block for long.
type Handler struct {
	// OnConnection fires when a connection reaches the open state,
	// whether dialed locally or accepted from a remote hello.
	OnConnection func(*Connection)

	// OnMessage fires per decoded protocol message.
	OnMessage func(*Connection, protocol.Message)

	// OnFrame fires per fully reassembled chunked frame.
	OnFrame func(*Connection, []byte)

	// OnClosed fires when a connection leaves the open state. err is nil
	// for a clean bye and non-nil when the peer vanished.
	OnClosed func(*Connection, error)
}

// Config wires a Peer to its transport.
type Config struct {
	Client mqtt.Client
	Topics *topic.Builder
	SelfID string

	// ChunkSize overrides DefaultChunkSize when positive.
	ChunkSize int

	// Store persists the last connected peer id. Optional; without it
	// Reconnect always fails.
	Store IDStore

	// ReconnectDelay overrides DefaultReconnectDelay when positive.
	ReconnectDelay time.Duration
}

// Peer is one endpoint of the link. It owns the broker subscriptions for
// its own id and tracks connections to remote peers.
type Peer struct {
	client    mqtt.Client
	topics    *topic.Builder
	selfID    string
	chunkSize int
	store     IDStore
	delay     time.Duration
	handler   Handler

	mu           sync.Mutex
	ctx          context.Context
	conns        map[string]*Connection
	sessionLost  bool
	redialCancel context.CancelFunc
}

// New creates a Peer. The handler must be fully populated before Start.
func New(cfg Config, handler Handler) (*Peer, error) {
	if cfg.Client == nil || cfg.Topics == nil {
		return nil, fmt.Errorf("peer: client and topics are required")
	}
	if cfg.SelfID == "" {
		return nil, fmt.Errorf("peer: self id is required")
	}
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	p := &Peer{
		client:    cfg.Client,
		topics:    cfg.Topics,
		selfID:    cfg.SelfID,
		chunkSize: cfg.ChunkSize,
		store:     cfg.Store,
		delay:     delay,
		handler:   handler,
		conns:     make(map[string]*Connection),
	}
	// The client requires the listener before its own Start; New runs
	// before either Start in every wiring.
	cfg.Client.SetConnectionListener(mqtt.ConnectionListener{
		Up:   p.onSessionUp,
		Down: p.onSessionDown,
	})
	return p, nil
}

// SelfID returns this endpoint's identifier.
func (p *Peer) SelfID() string { return p.selfID }

// Start subscribes to this endpoint's topics and announces presence.
// The context bounds the lifetime of all background activity.
func (p *Peer) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()
	subs := []struct {
		filter  string
		qos     int
		handler mqtt.MessageHandler
	}{
		{p.topics.CtrlWildcard(p.selfID), qosCtrl, p.onCtrl},
		{p.topics.DataWildcard(p.selfID), qosData, p.onData},
		{p.topics.FramesWildcard(p.selfID), qosFrames, p.onFrame},
	}
	for _, s := range subs {
		if err := p.client.Subscribe(ctx, s.filter, s.qos, s.handler); err != nil {
			return fmt.Errorf("peer: subscribe %s: %w", s.filter, err)
		}
	}
	return p.announce(ctx, true)
}

// Shutdown retracts presence and closes all connections. It does not
// disconnect the underlying client.
func (p *Peer) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.redialCancel != nil {
		p.redialCancel()
		p.redialCancel = nil
	}
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()
	for _, c := range conns {
		if err := c.Close(ctx); err != nil {
			log.Warn("closing connection on shutdown", "peer", c.remoteID, "err", err)
		}
	}
	if err := p.announce(ctx, false); err != nil {
		log.Warn("retracting presence", "err", err)
	}
}

// ConnectTo dials a remote peer. The returned connection starts in the
// connecting state; Handler.OnConnection fires once the remote welcomes
// us. Dialing an already connected peer returns the existing connection.
func (p *Peer) ConnectTo(ctx context.Context, remoteID string) (*Connection, error) {
	if remoteID == p.selfID {
		return nil, fmt.Errorf("peer: cannot connect to self")
	}
	p.mu.Lock()
	if c, ok := p.conns[remoteID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	c := newConnection(p, remoteID, stateConnecting)
	p.conns[remoteID] = c
	p.mu.Unlock()

	if err := p.watchPresence(ctx, remoteID); err != nil {
		p.dropConnection(c, err)
		return nil, err
	}
	if err := p.sendCtrl(ctx, remoteID, ctrlHello); err != nil {
		p.dropConnection(c, err)
		return nil, err
	}
	return c, nil
}

// Reconnect dials the last persisted peer after the configured delay.
// It makes a single attempt; callers decide whether to retry further.
func (p *Peer) Reconnect(ctx context.Context) (*Connection, error) {
	if p.store == nil {
		return nil, ErrNoLastPeer
	}
	id, err := p.store.LastPeer()
	if err != nil || id == "" {
		return nil, ErrNoLastPeer
	}
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.ConnectTo(ctx, id)
}

// onSessionDown records the unexpected broker-session loss. The broker
// publishes our will meanwhile, so the retained presence reads offline
// until onSessionUp re-announces it.
func (p *Peer) onSessionDown(err error) {
	p.mu.Lock()
	started := p.ctx != nil
	p.sessionLost = true
	p.mu.Unlock()
	if started {
		log.Warn("broker session lost", "err", err)
	}
}

// onSessionUp re-announces presence after a session recovery and kicks
// off a single redial of the last peer. The initial connect is ignored;
// Start announces that one itself.
func (p *Peer) onSessionUp() {
	p.mu.Lock()
	ctx := p.ctx
	lost := p.sessionLost
	p.sessionLost = false
	p.mu.Unlock()
	if ctx == nil || !lost {
		return
	}
	log.Info("broker session recovered")
	if err := p.announce(ctx, true); err != nil {
		log.Warn("re-announcing presence", "err", err)
	}
	p.redial()
}

// redial makes one delayed attempt at the last persisted peer,
// cancelling any attempt still pending from an earlier recovery.
func (p *Peer) redial() {
	p.mu.Lock()
	if p.redialCancel != nil {
		p.redialCancel()
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.redialCancel = cancel
	p.mu.Unlock()

	go func() {
		defer cancel()
		_, err := p.Reconnect(ctx)
		if err != nil && !errors.Is(err, ErrNoLastPeer) && !errors.Is(err, context.Canceled) {
			log.Warn("redialing last peer", "err", err)
		}
	}()
}

// Connection returns the connection to remoteID, if any.
func (p *Peer) Connection(remoteID string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[remoteID]
	return c, ok
}

type presenceDoc struct {
	ID        string `json:"id"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"ts"`
}

// PresencePayload renders the retained presence document. The offline
// form is also used as the broker will message so peers learn about an
// unclean disappearance.
func PresencePayload(id string, online bool) []byte {
	raw, _ := json.Marshal(presenceDoc{ID: id, Online: online, Timestamp: time.Now().UnixMilli()})
	return raw
}

func (p *Peer) announce(ctx context.Context, online bool) error {
	t := p.topics.Presence(p.selfID)
	return p.client.Publish(ctx, t, qosPresence, true, PresencePayload(p.selfID, online))
}

type ctrlDoc struct {
	Kind string `json:"kind"`
}

func (p *Peer) sendCtrl(ctx context.Context, remoteID, kind string) error {
	raw, _ := json.Marshal(ctrlDoc{Kind: kind})
	return p.client.Publish(ctx, p.topics.Ctrl(remoteID, p.selfID), qosCtrl, false, raw)
}

func (p *Peer) watchPresence(ctx context.Context, remoteID string) error {
	return p.client.Subscribe(ctx, p.topics.Presence(remoteID), qosPresence, p.onPresence)
}

func (p *Peer) onCtrl(ctx context.Context, t string, payload []byte) {
	from := p.topics.Sender(t)
	if from == "" || from == p.selfID {
		return
	}
	var doc ctrlDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		log.Warn("dropping malformed ctrl frame", "peer", from, "err", err)
		return
	}
	switch doc.Kind {
	case ctrlHello:
		p.acceptHello(ctx, from)
	case ctrlWelcome:
		p.completeDial(from)
	case ctrlBye:
		if c, ok := p.Connection(from); ok && c.markClosed(nil) {
			p.dropConnection(c, nil)
		}
	default:
		log.Debug("ignoring unknown ctrl kind", "peer", from, "kind", doc.Kind)
	}
}

func (p *Peer) acceptHello(ctx context.Context, from string) {
	p.mu.Lock()
	c, existed := p.conns[from]
	if !existed {
		c = newConnection(p, from, stateOpen)
		p.conns[from] = c
	}
	p.mu.Unlock()

	if existed {
		// Re-hello on an open connection is the remote restarting its
		// side. Welcome it again without a new lifecycle event.
		if err := p.sendCtrl(ctx, from, ctrlWelcome); err != nil {
			log.Warn("re-welcoming peer", "peer", from, "err", err)
		}
		return
	}
	if err := p.watchPresence(ctx, from); err != nil {
		log.Warn("watching peer presence", "peer", from, "err", err)
	}
	if err := p.sendCtrl(ctx, from, ctrlWelcome); err != nil {
		p.dropConnection(c, err)
		return
	}
	p.connectionOpened(c)
}

func (p *Peer) completeDial(from string) {
	c, ok := p.Connection(from)
	if !ok || !c.markOpen() {
		return
	}
	p.connectionOpened(c)
}

func (p *Peer) connectionOpened(c *Connection) {
	log.Info("peer connected", "peer", c.remoteID)
	if p.store != nil {
		if err := p.store.SaveLastPeer(c.remoteID); err != nil {
			log.Warn("persisting last peer id", "peer", c.remoteID, "err", err)
		}
	}
	if h := p.handler.OnConnection; h != nil {
		h(c)
	}
}

func (p *Peer) onData(ctx context.Context, t string, payload []byte) {
	if c, ok := p.Connection(p.topics.Sender(t)); ok && c.IsOpen() {
		c.handleData(payload)
	}
}

func (p *Peer) onFrame(ctx context.Context, t string, payload []byte) {
	if c, ok := p.Connection(p.topics.Sender(t)); ok && c.IsOpen() {
		c.handleFrameChunk(payload)
	}
}

// onPresence watches the retained presence of connected peers. An offline
// document, including the broker-delivered will, tears the connection down.
func (p *Peer) onPresence(ctx context.Context, t string, payload []byte) {
	var doc presenceDoc
	if err := json.Unmarshal(payload, &doc); err != nil || doc.Online {
		return
	}
	c, ok := p.Connection(doc.ID)
	if !ok || !c.markClosed(ErrPeerOffline) {
		return
	}
	log.Warn("peer went offline", "peer", doc.ID)
	p.dropConnection(c, ErrPeerOffline)
}

// dropConnection removes c from the table and emits the closed event.
func (p *Peer) dropConnection(c *Connection, err error) {
	p.mu.Lock()
	if cur, ok := p.conns[c.remoteID]; !ok || cur != c {
		p.mu.Unlock()
		return
	}
	delete(p.conns, c.remoteID)
	ctx := p.ctx
	p.mu.Unlock()

	if ctx != nil {
		if uerr := p.client.Unsubscribe(ctx, p.topics.Presence(c.remoteID)); uerr != nil {
			log.Debug("unsubscribing presence", "peer", c.remoteID, "err", uerr)
		}
	}
	if h := p.handler.OnClosed; h != nil {
		h(c, err)
	}
}
