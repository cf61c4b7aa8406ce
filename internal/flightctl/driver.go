// Package flightctl integrates the external flight controller driver, a
// child process speaking line-delimited JSON on stdin/stdout, and exposes
// its records and the control commands to the rest of the onboard side.
package flightctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/skylink-io/skylink/internal/pkg/metrics"
	"github.com/skylink-io/skylink/pkg/log"
)

// DefaultRestartDelay is how long to wait before restarting a driver
// process that exited.
const DefaultRestartDelay = 5 * time.Second

// maxLineSize bounds one driver record. Lines beyond this are a driver
// bug, not a payload we want to buffer.
const maxLineSize = 256 * 1024

// DriverConfig describes how to run the driver process.
type DriverConfig struct {
	// Command is the argv of the driver process. Required.
	Command []string

	// RestartDelay overrides DefaultRestartDelay when positive.
	RestartDelay time.Duration

	// OnLine receives every stdout line, malformed ones included.
	// Callers decide how to parse; the driver only frames.
	OnLine func(line []byte)
}

// Driver supervises the child process. It restarts the process after
// RestartDelay whenever it exits, for as long as the run context lives.
// In-memory state such as the telemetry store survives restarts untouched.
type Driver struct {
	command []string
	delay   time.Duration
	onLine  func([]byte)

	mu    sync.Mutex
	stdin io.WriteCloser
}

// NewDriver validates the config and returns an unstarted Driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("flightctl: driver command is required")
	}
	delay := cfg.RestartDelay
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	return &Driver{command: cfg.Command, delay: delay, onLine: cfg.OnLine}, nil
}

// Run supervises the process until ctx is cancelled. It blocks; run it
// from its own goroutine or an errgroup.
func (d *Driver) Run(ctx context.Context) error {
	for {
		err := d.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error(err, "flight controller driver exited, restarting", "delay", d.delay)
		metrics.DriverRestartsTotal.Inc()
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Driver) runOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, d.command[0], d.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start driver: %w", err)
	}
	log.Info("flight controller driver started", "pid", cmd.Process.Pid)

	d.mu.Lock()
	d.stdin = stdin
	d.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 4096), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if d.onLine != nil {
			cp := make([]byte, len(line))
			copy(cp, line)
			d.onLine(cp)
		}
	}

	d.mu.Lock()
	d.stdin = nil
	d.mu.Unlock()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("driver exited: %w", err)
	}
	return fmt.Errorf("driver closed stdout")
}

// Send writes one JSON command line to the driver's stdin.
func (d *Driver) Send(cmd any) error {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode driver command: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stdin == nil {
		return fmt.Errorf("flightctl: driver not running")
	}
	if _, err := d.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write driver command: %w", err)
	}
	return nil
}
