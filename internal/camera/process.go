// Package camera manages the external video capture process and streams
// its encoded output to the peer that asked for it.
package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/skylink-io/skylink/pkg/log"
)

// DefaultReadyTimeout bounds the wait for the capture pipeline to come up.
const DefaultReadyTimeout = 10 * time.Second

// frameBufSize is the read granularity on the process stdout. Frames are
// opaque encoded chunks; framing is the consumer's concern.
const frameBufSize = 32 * 1024

// ErrAlreadyStreaming is returned by Start while a stream is running.
var ErrAlreadyStreaming = errors.New("camera: stream already running")

// ErrNotReady is returned when the process fails to signal readiness
// within the timeout or exits during the wait.
var ErrNotReady = errors.New("camera: process failed to become ready")

// Params are the capture parameters requested by the remote peer.
type Params struct {
	Width     int
	Height    int
	Framerate int
}

// ProcessConfig describes how to run the capture process.
type ProcessConfig struct {
	// Argv builds the process command line for the given parameters.
	// Required.
	Argv func(p Params) []string

	// ReadyPattern is the stderr substring that signals a live pipeline.
	// Required; readiness is probed by string matching, not exit codes.
	ReadyPattern string

	// ReadyTimeout overrides DefaultReadyTimeout when positive.
	ReadyTimeout time.Duration

	// OnFrame receives each encoded output chunk.
	OnFrame func(frame []byte)
}

// Process is the capture process supervisor. At most one stream runs at
// a time.
type Process struct {
	argv    func(Params) []string
	pattern string
	timeout time.Duration
	onFrame func([]byte)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcess validates the config and returns a stopped Process.
func NewProcess(cfg ProcessConfig) (*Process, error) {
	if cfg.Argv == nil || cfg.ReadyPattern == "" {
		return nil, fmt.Errorf("camera: argv builder and ready pattern are required")
	}
	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return &Process{
		argv:    cfg.Argv,
		pattern: cfg.ReadyPattern,
		timeout: timeout,
		onFrame: cfg.OnFrame,
	}, nil
}

// Start launches the capture process and blocks until it signals
// readiness on stderr, it exits, or the timeout elapses. On success the
// frame pump keeps running in the background until Stop.
func (p *Process) Start(ctx context.Context, params Params) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrAlreadyStreaming
	}
	procCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	argv := p.argv(params)
	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.reset()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.reset()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		p.reset()
		return fmt.Errorf("start camera: %w", err)
	}
	log.Info("camera process started", "pid", cmd.Process.Pid,
		"width", params.Width, "height", params.Height, "framerate", params.Framerate)

	ready := make(chan struct{})
	go p.scanStderr(stderr, ready)
	go p.pumpFrames(stdout)

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(done)
	}()

	select {
	case <-ready:
		return nil
	case err := <-exited:
		p.reset()
		return fmt.Errorf("%w: exited during startup: %v", ErrNotReady, err)
	case <-time.After(p.timeout):
		p.Stop()
		return fmt.Errorf("%w: no ready signal within %s", ErrNotReady, p.timeout)
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

// Stop kills the capture process and waits for it to go away. Stopping a
// stopped process is a no-op.
func (p *Process) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info("camera process stopped")
}

// Running reports whether a stream is active.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Process) reset() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
}

// scanStderr watches for the readiness pattern, then keeps draining so
// the process never blocks on a full pipe.
func (p *Process) scanStderr(r io.Reader, ready chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	signalled := false
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug("camera stderr", "line", line)
		if !signalled && strings.Contains(line, p.pattern) {
			signalled = true
			close(ready)
		}
	}
}

func (p *Process) pumpFrames(r io.Reader) {
	buf := make([]byte, frameBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 && p.onFrame != nil {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			p.onFrame(frame)
		}
		if err != nil {
			return
		}
	}
}
