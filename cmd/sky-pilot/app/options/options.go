package options

import (
	"errors"
	"os"

	"github.com/spf13/pflag"

	"github.com/skylink-io/skylink/internal/pilot"
	"github.com/skylink-io/skylink/pkg/log"
	"github.com/skylink-io/skylink/pkg/options"
)

// PilotOptions are the flags of the ground agent.
type PilotOptions struct {
	PeerID string `json:"peer-id" mapstructure:"peer-id"`

	// VehicleID is the peer to dial on startup. Empty redials the last
	// connected vehicle.
	VehicleID string `json:"vehicle-id" mapstructure:"vehicle-id"`

	StorePath string `json:"store-path" mapstructure:"store-path"`

	// CameraOutput is where received video chunks are appended. Empty
	// discards the stream.
	CameraOutput string `json:"camera-output" mapstructure:"camera-output"`

	MqttOptions *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	HttpOptions *options.HttpOptions `json:"http" mapstructure:"http"`
	Log         *log.Options         `json:"log" mapstructure:"log"`
}

func NewPilotOptions() *PilotOptions {
	return &PilotOptions{
		StorePath:   "skylink-pilot.yaml",
		MqttOptions: options.NewMqttOptions(),
		HttpOptions: options.NewHttpOptions(),
		Log:         log.NewOptions(),
	}
}

func (o *PilotOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.PeerID, "peer-id", o.PeerID, "Identity of this endpoint on the link. Defaults to the hostname.")
	fs.StringVar(&o.VehicleID, "vehicle-id", o.VehicleID, "Vehicle to dial on startup. Empty redials the last connected vehicle.")
	fs.StringVar(&o.StorePath, "store-path", o.StorePath, "Path of the durable state file.")
	fs.StringVar(&o.CameraOutput, "camera-output", o.CameraOutput, "File the received video stream is appended to. Empty discards it.")
	o.MqttOptions.AddFlags(fs)
	o.HttpOptions.AddFlags(fs)
	o.Log.AddFlags(fs)
}

func (o *PilotOptions) Complete() error {
	if o.PeerID == "" {
		host, err := os.Hostname()
		if err != nil {
			return err
		}
		o.PeerID = host
	}
	return nil
}

func (o *PilotOptions) Validate() error {
	var errs []error
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return errors.Join(errs...)
}

func (o *PilotOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *PilotOptions) Config(events pilot.Events) (*pilot.Config, error) {
	return &pilot.Config{
		PeerID:      o.PeerID,
		MqttOptions: o.MqttOptions,
		HttpOptions: o.HttpOptions,
		StorePath:   o.StorePath,
		TargetPeer:  o.VehicleID,
		Events:      events,
	}, nil
}
