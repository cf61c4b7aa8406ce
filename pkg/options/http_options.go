package options

import (
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions configures the local debug HTTP server (health and metrics).
type HttpOptions struct {
	// Enabled toggles the debug server entirely. Off by default on the
	// drone computer to keep the radio link the only external surface.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Addr is the bind address.
	Addr string `json:"addr" mapstructure:"addr"`

	// Timeout for server connections.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Enabled: false,
		Addr:    "127.0.0.1:9090",
		Timeout: 30 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *HttpOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if err := ValidateAddress(o.Addr); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// AddFlags adds flags related to the debug HTTP server to the specified FlagSet.
func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "http.enabled", o.Enabled, "Enable the local debug HTTP server.")
	fs.StringVar(&o.Addr, "http.addr", o.Addr, "Specify the debug HTTP server bind address and port.")
	fs.DurationVar(&o.Timeout, "http.timeout", o.Timeout, "Timeout for server connections.")
}
