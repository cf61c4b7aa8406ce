package app

import (
	"fmt"
	"os"
	"time"

	"github.com/skylink-io/skylink/cmd/sky-pilot/app/options"
	"github.com/skylink-io/skylink/internal/pilot"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/app"
	"github.com/skylink-io/skylink/pkg/log"
)

const (
	commandName = "sky-pilot"
	commandDesc = `The skylink ground agent connects to a vehicle over the MQTT-relayed
peer link. It mirrors the vehicle's telemetry, relays operator commands
and receives the remote log feed and the camera stream. Frontends embed
the pilot package directly; this binary exposes the same link on the
command line for monitoring and field debugging.`
)

func NewApp() *app.App {
	opts := options.NewPilotOptions()
	return app.NewApp(
		commandName,
		"Launch the skylink ground agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithRunFunc(run(opts)),
	)
}

func run(opts *options.PilotOptions) app.RunFunc {
	return func() error {
		ctx := app.SetupSignalContext()

		events, closer, err := consoleEvents(opts.CameraOutput)
		if err != nil {
			return err
		}
		defer closer()

		cfg, err := opts.Config(events)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		agent, err := cfg.NewAgent()
		if err != nil {
			return fmt.Errorf("failed to create agent: %w", err)
		}

		return agent.Run(ctx)
	}
}

// consoleEvents renders link events to the local log and optionally
// appends the video stream to a file.
func consoleEvents(cameraOutput string) (pilot.Events, func(), error) {
	var video *os.File
	if cameraOutput != "" {
		f, err := os.OpenFile(cameraOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return pilot.Events{}, nil, fmt.Errorf("opening camera output: %w", err)
		}
		video = f
	}
	closer := func() {
		if video != nil {
			video.Close()
		}
	}

	events := pilot.Events{
		OnTelemetry: func(group string, snapshot map[string]float64) {
			kv := make([]any, 0, 2*len(snapshot)+2)
			kv = append(kv, "group", group)
			for name, v := range snapshot {
				kv = append(kv, name, v)
			}
			log.Info("telemetry", kv...)
		},
		OnLog: func(e protocol.LogData) {
			log.Info("vehicle log",
				"method", e.Method,
				"at", time.UnixMilli(e.Timestamp).Format(time.TimeOnly),
				"args", fmt.Sprint(e.Args...))
		},
		OnTodayLogs: func(content string) {
			fmt.Fprint(os.Stdout, content)
		},
		OnAux: func(index int, value float64) {
			log.Info("aux channel", "index", index, "value", value)
		},
		OnHomePoint: func(lat, lon float64) {
			log.Info("home point", "latitude", lat, "longitude", lon)
		},
		OnLinkUnstable: func(unstable bool) {
			if unstable {
				log.Warn("link unstable")
			} else {
				log.Info("link recovered")
			}
		},
		OnConnected: func(peerID string) {
			log.Info("connected", "vehicle", peerID)
		},
		OnDisconnected: func(peerID string, err error) {
			log.Warn("disconnected", "vehicle", peerID, "err", err)
		},
	}
	if video != nil {
		events.OnCameraFrame = func(frame []byte) {
			if _, err := video.Write(frame); err != nil {
				log.Warn("writing camera output", "err", err)
			}
		}
	}
	return events, closer, nil
}
