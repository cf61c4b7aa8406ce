package computer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/skylink-io/skylink/internal/camera"
	"github.com/skylink-io/skylink/internal/flightctl"
	"github.com/skylink-io/skylink/internal/liveness"
	"github.com/skylink-io/skylink/internal/logbook"
	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/pkg/metrics"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/internal/router"
	"github.com/skylink-io/skylink/internal/safety"
	"github.com/skylink-io/skylink/internal/telemetry"
	"github.com/skylink-io/skylink/pkg/mqtt"
	mqtttopic "github.com/skylink-io/skylink/pkg/mqtt/topic"
	"github.com/skylink-io/skylink/pkg/options"
	"github.com/skylink-io/skylink/pkg/store"
)

// Config assembles the onboard agent.
type Config struct {
	// PeerID identifies this endpoint on the link. Required.
	PeerID string

	MqttOptions *options.MqttOptions
	HttpOptions *options.HttpOptions

	// StorePath is the durable key-value state file.
	StorePath string

	// LogDir holds the daily log files.
	LogDir string

	// DriverCommand is the flight controller driver argv.
	DriverCommand []string

	// CameraCommand is the capture process argv. The placeholders
	// {width}, {height} and {framerate} are substituted per request.
	CameraCommand []string

	// CameraReadyPattern is the stderr substring that marks the capture
	// pipeline live.
	CameraReadyPattern string
}

// NewAgent wires every onboard module together.
func (cfg *Config) NewAgent() (*Agent, error) {
	if cfg.PeerID == "" {
		return nil, fmt.Errorf("peer id is required")
	}
	if len(cfg.DriverCommand) == 0 {
		return nil, fmt.Errorf("driver command is required")
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
		tstore:  telemetry.NewStore(),
		httpOpt: cfg.HttpOptions,
	}

	a.driver, err = flightctl.NewDriver(flightctl.DriverConfig{
		Command: cfg.DriverCommand,
		OnLine:  func(line []byte) { a.driverLine(line) },
	})
	if err != nil {
		return nil, err
	}

	a.flight, err = flightctl.NewModule(flightctl.ModuleConfig{
		Driver: a.driver,
		Store:  a.tstore,
		Router: a.router,
	})
	if err != nil {
		return nil, err
	}

	if len(cfg.CameraCommand) > 0 {
		stream, err := camera.NewProcess(camera.ProcessConfig{
			Argv:         cameraArgv(cfg.CameraCommand),
			ReadyPattern: cfg.CameraReadyPattern,
			OnFrame:      func(frame []byte) { a.cameraFrame(frame) },
		})
		if err != nil {
			return nil, err
		}
		a.camera, err = camera.NewModule(stream, a.router)
		if err != nil {
			return nil, err
		}
	}

	a.fallback, err = safety.New(safety.Config{Trigger: a.safetyTrigger})
	if err != nil {
		return nil, err
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
		},
	})

	a.logbook, err = logbook.New(logbook.Config{Dir: cfg.LogDir, Router: a.router})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (cfg *Config) newMqttClient(topics *mqtttopic.Builder) (mqtt.Client, error) {
	mc := cfg.MqttOptions.ToClientConfig()
	if mc.ClientID == "" {
		mc.ClientID = "sky-computer-" + cfg.PeerID
	}
	mc.WillTopic = topics.Presence(cfg.PeerID)
	mc.WillPayload = peer.PresencePayload(cfg.PeerID, false)
	mc.WillQoS = 1
	mc.WillRetain = true
	return mqtt.NewClient(mc)
}

// cameraArgv substitutes the capture parameters into the command line.
func cameraArgv(template []string) func(p camera.Params) []string {
	return func(p camera.Params) []string {
		out := make([]string, len(template))
		for i, arg := range template {
			arg = strings.ReplaceAll(arg, "{width}", strconv.Itoa(p.Width))
			arg = strings.ReplaceAll(arg, "{height}", strconv.Itoa(p.Height))
			arg = strings.ReplaceAll(arg, "{framerate}", strconv.Itoa(p.Framerate))
			out[i] = arg
		}
		return out
	}
}
