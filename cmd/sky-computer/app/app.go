package app

import (
	"fmt"

	"github.com/skylink-io/skylink/cmd/sky-computer/app/options"
	"github.com/skylink-io/skylink/pkg/app"
)

const (
	commandName = "sky-computer"
	commandDesc = `The skylink onboard agent runs on the vehicle's companion computer.
It bridges the flight controller, the camera and the flight logbook to
remote pilots over an MQTT-relayed peer link, and forces the vehicle
into its safe state when the link is lost for too long.`
)

func NewApp() *app.App {
	opts := options.NewComputerOptions()
	return app.NewApp(
		commandName,
		"Launch the skylink onboard agent",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithRunFunc(run(opts)),
	)
}

func run(opts *options.ComputerOptions) app.RunFunc {
	return func() error {
		ctx := app.SetupSignalContext()

		cfg, err := opts.Config()
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
