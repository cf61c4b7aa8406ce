package pilot

import (
	"fmt"

	"github.com/skylink-io/skylink/internal/liveness"
	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/pkg/metrics"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/internal/router"
	"github.com/skylink-io/skylink/internal/telemetry"
	"github.com/skylink-io/skylink/pkg/mqtt"
	mqtttopic "github.com/skylink-io/skylink/pkg/mqtt/topic"
	"github.com/skylink-io/skylink/pkg/options"
	"github.com/skylink-io/skylink/pkg/store"
)

// Events are the callbacks a frontend hangs off the agent. All fields
// are optional; nil callbacks are skipped. Callbacks run on transport
// goroutines and must not block for long.
type Events struct {
	// OnTelemetry fires after an update or full snapshot was folded into
	// the local mirror. snapshot holds every field of the changed group.
	OnTelemetry func(group string, snapshot map[string]float64)

	// OnLog fires per relayed remote log entry.
	OnLog func(entry protocol.LogData)

	// OnTodayLogs delivers the remote day file after RequestTodayLogs.
	OnTodayLogs func(content string)

	// OnAux reports an auxiliary channel value, solicited or not.
	OnAux func(index int, value float64)

	// OnHomePoint delivers the latched takeoff position.
	OnHomePoint func(lat, lon float64)

	// OnCameraFrame delivers one decoded video chunk.
	OnCameraFrame func(frame []byte)

	// OnLinkUnstable fires when the aggregate link quality flag flips.
	OnLinkUnstable func(unstable bool)

	// OnConnected and OnDisconnected frame a connection's lifetime.
	OnConnected    func(peerID string)
	OnDisconnected func(peerID string, err error)
}

// Config assembles the ground agent.
type Config struct {
	// PeerID identifies this endpoint on the link. Required.
	PeerID string

	MqttOptions *options.MqttOptions
	HttpOptions *options.HttpOptions

	// StorePath is the durable key-value state file.
	StorePath string

	// TargetPeer, when set, is dialed on startup instead of the last
	// connected vehicle.
	TargetPeer string

	Events Events
}

// NewAgent wires the ground-side modules together.
func (cfg *Config) NewAgent() (*Agent, error) {
	if cfg.PeerID == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	if cfg.MqttOptions == nil {
		cfg.MqttOptions = options.NewMqttOptions()
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	topics := mqtttopic.NewBuilder(cfg.MqttOptions.TopicRoot)
	client, err := cfg.newMqttClient(topics)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		peerID:  cfg.PeerID,
		client:  client,
		store:   st,
		router:  router.New(),
		mirror:  telemetry.NewStore(),
		events:  cfg.Events,
		httpOpt: cfg.HttpOptions,
		target:  cfg.TargetPeer,
	}

	a.endpoint, err = peer.New(peer.Config{
		Client: client,
		Topics: topics,
		SelfID: cfg.PeerID,
		Store:  st,
	}, peer.Handler{
		OnConnection: func(c *peer.Connection) { a.connectionOpened(c) },
		OnClosed:     func(c *peer.Connection, err error) { a.connectionClosed(c, err) },
		OnMessage:    func(c *peer.Connection, m protocol.Message) { a.inbound(c, m) },
		OnFrame:      func(c *peer.Connection, frame []byte) { a.inboundFrame(c, frame) },
	})
	if err != nil {
		return nil, err
	}

	a.monitor = liveness.New(liveness.Config{
		Peer:   a.endpoint,
		OnDead: func(c *peer.Connection) { a.linkDead(c) },
		OnUnstable: func(unstable bool) {
			v := 0.0
			if unstable {
				v = 1
			}
			metrics.LinkUnstable.Set(v)
			if f := a.events.OnLinkUnstable; f != nil {
				f(unstable)
			}
		},
	})

	return a, nil
}

func (cfg *Config) newMqttClient(topics *mqtttopic.Builder) (mqtt.Client, error) {
	mc := cfg.MqttOptions.ToClientConfig()
	if mc.ClientID == "" {
		mc.ClientID = "sky-pilot-" + cfg.PeerID
	}
	mc.WillTopic = topics.Presence(cfg.PeerID)
	mc.WillPayload = peer.PresencePayload(cfg.PeerID, false)
	mc.WillQoS = 1
	mc.WillRetain = true
	return mqtt.NewClient(mc)
}
