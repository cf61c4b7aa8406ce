// Package safety drives the onboard fail-safe. A drone that silently
// loses its control link must not keep executing the last received
// command; once the loss is confirmed the fallback forces the designated
// safety channel on, the disarm equivalent for the flight controller.
//
// Two trigger paths exist: a slow unconditional countdown after the last
// connection drops, tolerant of brief reconnects, and a fast path for an
// explicitly confirmed dead link.
package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/skylink-io/skylink/internal/pkg/util/clock"
	fsmutil "github.com/skylink-io/skylink/internal/pkg/util/fsm"
	"github.com/skylink-io/skylink/pkg/log"
)

const (
	StateIdle             = "idle"
	StateCountdownPending = "countdown_pending"
	StateTriggered        = "triggered"

	EventConnectionsLost    = "connections_lost"
	EventConnectionRestored = "connection_restored"
	EventCountdownElapsed   = "countdown_elapsed"
	EventLinkDead           = "link_dead"

	// DefaultCountdown is how long the link may stay down before the
	// fallback fires.
	DefaultCountdown = 5 * time.Minute
)

// TriggerFunc executes the fail-safe action. It must be idempotent;
// repeated triggers re-run it without harm.
type TriggerFunc func(ctx context.Context) error

// Config parameterizes a Fallback.
type Config struct {
	// Countdown overrides DefaultCountdown when positive.
	Countdown time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Trigger runs on entering the triggered state. Required.
	Trigger TriggerFunc
}

// Fallback is the safety state machine. All inputs funnel through
// ConnectionsChanged and LinkDead; internal state is guarded by one
// mutex so timer callbacks and dispatch goroutines serialize.
type Fallback struct {
	machine   *fsm.FSM
	clock     clock.Clock
	countdown time.Duration
	trigger   TriggerFunc

	mu    sync.Mutex
	timer clock.Timer
}

// New builds a Fallback in the idle state.
func New(cfg Config) (*Fallback, error) {
	if cfg.Trigger == nil {
		return nil, errors.New("safety: trigger action is required")
	}
	f := &Fallback{
		clock:     cfg.Clock,
		countdown: cfg.Countdown,
		trigger:   cfg.Trigger,
	}
	if f.clock == nil {
		f.clock = clock.Real()
	}
	if f.countdown <= 0 {
		f.countdown = DefaultCountdown
	}

	events := fsm.Events{
		{Name: EventConnectionsLost, Src: []string{StateIdle}, Dst: StateCountdownPending},
		{Name: EventConnectionRestored, Src: []string{StateCountdownPending, StateTriggered}, Dst: StateIdle},
		{Name: EventCountdownElapsed, Src: []string{StateCountdownPending}, Dst: StateTriggered},
		{Name: EventLinkDead, Src: []string{StateIdle, StateCountdownPending, StateTriggered}, Dst: StateTriggered},
	}
	callbacks := fsm.Callbacks{
		"enter_" + StateCountdownPending: fsmutil.WrapEvent(f.actionArmCountdown),
		"leave_" + StateCountdownPending: fsmutil.WrapEvent(f.actionCancelCountdown),
		"enter_" + StateTriggered:        fsmutil.WrapEvent(f.actionTrigger),
	}
	f.machine = fsm.NewFSM(StateIdle, events, callbacks)
	return f, nil
}

// State returns the current machine state.
func (f *Fallback) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machine.Current()
}

// ConnectionsChanged feeds the active connection count. Zero arms the
// countdown; anything above zero cancels it or re-arms a triggered
// machine back to idle.
func (f *Fallback) ConnectionsChanged(ctx context.Context, active int) {
	if active == 0 {
		f.event(ctx, EventConnectionsLost)
		return
	}
	f.event(ctx, EventConnectionRestored)
}

// LinkDead reports an explicitly confirmed dead link, triggering the
// fallback immediately regardless of the countdown.
func (f *Fallback) LinkDead(ctx context.Context) {
	f.event(ctx, EventLinkDead)
}

func (f *Fallback) event(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.machine.Event(ctx, name)
	if err == nil {
		log.Info("safety state changed", "event", name, "state", f.machine.Current())
		return
	}
	var invalid fsm.InvalidEventError
	var noTransition fsm.NoTransitionError
	if errors.As(err, &invalid) || errors.As(err, &noTransition) {
		// Being already in (or unable to leave) the requested state is
		// expected for repeated inputs such as double triggers.
		log.Debug("safety event ignored", "event", name, "state", f.machine.Current())
		return
	}
	log.Error(err, "safety event failed", "event", name)
}

// actionArmCountdown runs on entering countdown_pending. The caller holds
// the mutex, so the previous timer is always cleared before a new one is
// armed.
func (f *Fallback) actionArmCountdown(ctx context.Context, e *fsm.Event) error {
	f.stopTimer()
	log.Warn("all connections lost, safety countdown armed", "countdown", f.countdown)
	f.timer = f.clock.AfterFunc(f.countdown, func() {
		f.event(context.Background(), EventCountdownElapsed)
	})
	return nil
}

func (f *Fallback) actionCancelCountdown(ctx context.Context, e *fsm.Event) error {
	f.stopTimer()
	if e.Event == EventConnectionRestored {
		log.Info("connection restored, safety countdown cancelled")
	}
	return nil
}

func (f *Fallback) actionTrigger(ctx context.Context, e *fsm.Event) error {
	log.Warn("safety fallback triggered", "event", e.Event)
	if err := f.trigger(ctx); err != nil {
		log.Error(err, "executing safety action")
	}
	return nil
}

func (f *Fallback) stopTimer() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
