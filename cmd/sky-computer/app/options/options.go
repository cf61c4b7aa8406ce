package options

import (
	"errors"
	"os"

	"github.com/spf13/pflag"

	"github.com/skylink-io/skylink/internal/computer"
	"github.com/skylink-io/skylink/pkg/log"
	"github.com/skylink-io/skylink/pkg/options"
)

// ComputerOptions are the flags of the onboard agent.
type ComputerOptions struct {
	PeerID string `json:"peer-id" mapstructure:"peer-id"`

	StorePath string `json:"store-path" mapstructure:"store-path"`
	LogDir    string `json:"log-dir" mapstructure:"log-dir"`

	DriverCommand      []string `json:"driver-command" mapstructure:"driver-command"`
	CameraCommand      []string `json:"camera-command" mapstructure:"camera-command"`
	CameraReadyPattern string   `json:"camera-ready-pattern" mapstructure:"camera-ready-pattern"`

	MqttOptions *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	HttpOptions *options.HttpOptions `json:"http" mapstructure:"http"`
	Log         *log.Options         `json:"log" mapstructure:"log"`
}

// NewComputerOptions returns the defaults for a Raspberry Pi deployment.
func NewComputerOptions() *ComputerOptions {
	return &ComputerOptions{
		StorePath:     "/var/lib/skylink/state.yaml",
		LogDir:        "/var/log/skylink",
		DriverCommand: []string{"/usr/local/bin/skylink-fc-driver"},
		CameraCommand: []string{
			"libcamera-vid", "-t", "0", "-n",
			"--width", "{width}", "--height", "{height}",
			"--framerate", "{framerate}",
			"--codec", "h264", "--inline", "-o", "-",
		},
		CameraReadyPattern: "Registered camera",
		MqttOptions:        options.NewMqttOptions(),
		HttpOptions:        options.NewHttpOptions(),
		Log:                log.NewOptions(),
	}
}

func (o *ComputerOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.PeerID, "peer-id", o.PeerID, "Identity of this endpoint on the link. Defaults to the hostname.")
	fs.StringVar(&o.StorePath, "store-path", o.StorePath, "Path of the durable state file.")
	fs.StringVar(&o.LogDir, "log-dir", o.LogDir, "Directory for the daily flight logs.")
	fs.StringSliceVar(&o.DriverCommand, "driver-command", o.DriverCommand, "Flight controller driver command line.")
	fs.StringSliceVar(&o.CameraCommand, "camera-command", o.CameraCommand, "Camera capture command line. {width}, {height} and {framerate} are substituted per request. Empty disables the camera.")
	fs.StringVar(&o.CameraReadyPattern, "camera-ready-pattern", o.CameraReadyPattern, "Stderr substring that marks the capture pipeline live.")
	o.MqttOptions.AddFlags(fs)
	o.HttpOptions.AddFlags(fs)
	o.Log.AddFlags(fs)
}

func (o *ComputerOptions) Complete() error {
	if o.PeerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return err
		}
		o.PeerID = host
	}
	return nil
}

func (o *ComputerOptions) Validate() error {
	if len(o.DriverCommand) == 0 {
		return errors.New("driver command is required")
	}
	var errs []error
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return errors.Join(errs...)
}

func (o *ComputerOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *ComputerOptions) Config() (*computer.Config, error) {
	return &computer.Config{
		PeerID:             o.PeerID,
		MqttOptions:        o.MqttOptions,
		HttpOptions:        o.HttpOptions,
		StorePath:          o.StorePath,
		LogDir:             o.LogDir,
		DriverCommand:      o.DriverCommand,
		CameraCommand:      o.CameraCommand,
		CameraReadyPattern: o.CameraReadyPattern,
	}, nil
}
