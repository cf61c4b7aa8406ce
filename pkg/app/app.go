// Package app is the shared scaffolding for the skylink binaries: flag
// registration, option validation, logger bootstrap and signal-aware
// shutdown in one cobra command.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"github.com/skylink-io/skylink/pkg/log"
)

// Options is the full option set of one command.
type Options interface {
	// AddFlags binds every option group to the command's flag set.
	AddFlags(fs *pflag.FlagSet)

	// Complete fills in derived defaults after flag parsing.
	Complete() error

	// Validate checks the final option values.
	Validate() error

	// LogOptions exposes the logging configuration so the app can
	// initialize the logger before the run function starts.
	LogOptions() *log.Options
}

// RunFunc is the command's main body. It runs after options are
// completed and validated and the logger is initialized.
type RunFunc func() error

// App wraps one runnable command.
type App struct {
	name        string
	short       string
	description string
	options     Options
	run         RunFunc

	cmd *cobra.Command
}

// Option configures an App.
type Option func(*App)

// WithOptions attaches the command's option set.
func WithOptions(o Options) Option {
	return func(a *App) { a.options = o }
}

// WithRunFunc attaches the command's main body.
func WithRunFunc(f RunFunc) Option {
	return func(a *App) { a.run = f }
}

// WithDescription sets the long help text.
func WithDescription(desc string) Option {
	return func(a *App) { a.description = desc }
}

// NewApp builds a command line application.
func NewApp(name, short string, opts ...Option) *App {
	a := &App{name: name, short: short}
	for _, o := range opts {
		o(a)
	}
	a.buildCommand()
	return a
}

func (a *App) buildCommand() {
	cmd := &cobra.Command{
		Use:           a.name,
		Short:         a.short,
		Long:          a.description,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCommand()
		},
	}
	if a.options != nil {
		a.options.AddFlags(cmd.Flags())
	}
	a.cmd = cmd
}

func (a *App) runCommand() error {
	if a.options != nil {
		if err := a.options.Complete(); err != nil {
			return err
		}
		if err := a.options.Validate(); err != nil {
			return err
		}
		if lo := a.options.LogOptions(); lo != nil {
			log.Init(lo)
			defer log.Sync()
		}
	}
	if a.run == nil {
		return nil
	}
	return a.run()
}

// Run executes the application and exits the process on failure.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", a.name, err)
		os.Exit(1)
	}
}

// Command exposes the underlying cobra command, mainly for tests.
func (a *App) Command() *cobra.Command {
	return a.cmd
}
