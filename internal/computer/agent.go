// Package computer assembles the onboard endpoint: it owns the flight
// controller driver, the telemetry cache, the camera pipeline, the
// safety fallback and the logbook, and exposes all of them to remote
// pilots over the peer link.
package computer

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

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
	"github.com/skylink-io/skylink/pkg/log"
	"github.com/skylink-io/skylink/pkg/mqtt"
	"github.com/skylink-io/skylink/pkg/options"
	"github.com/skylink-io/skylink/pkg/store"
)

const shutdownTimeout = 5 * time.Second

// Agent is the running onboard endpoint.
type Agent struct {
	peerID  string
	client  mqtt.Client
	store   *store.Store
	router  *router.Router
	tstore  *telemetry.Store
	httpOpt *options.HttpOptions

	driver   *flightctl.Driver
	flight   *flightctl.Module
	camera   *camera.Module
	fallback *safety.Fallback
	endpoint *peer.Peer
	monitor  *liveness.Monitor
	logbook  *logbook.Book

	// onLine is the driver stdout consumer, installed in Run once the
	// run context exists.
	onLine atomic.Pointer[func(line []byte)]

	runCtx atomic.Pointer[context.Context]
}

// Run connects to the broker, wires every module and blocks until the
// context is canceled or a module fails.
func (a *Agent) Run(ctx context.Context) error {
	a.runCtx.Store(&ctx)
	f := a.flight.HandleDriverLine(ctx)
	a.onLine.Store(&f)

	a.registerRoutes()

	if err := a.client.Start(ctx); err != nil {
		return err
	}
	if err := a.client.AwaitConnection(ctx); err != nil {
		return err
	}
	log.Info("broker connected", "peer", a.peerID)

	if err := a.router.Start(ctx); err != nil {
		return err
	}
	a.logbook.Start()
	if err := a.endpoint.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.driver.Run(gctx) })
	g.Go(func() error { return a.flight.RunTemperatureSampler(gctx) })
	g.Go(func() error {
		return a.store.Watch(gctx, func() { log.Debug("state file changed on disk") })
	})
	if a.httpOpt != nil && a.httpOpt.Enabled {
		srv := metrics.NewServer(a.httpOpt, a.client.IsConnected)
		g.Go(func() error { return srv.Start(gctx) })
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) registerRoutes() {
	a.flight.Register()
	if a.camera != nil {
		a.camera.Register()
	}
	a.router.Handle(protocol.TypePong, router.Typed(
		func(ctx context.Context, conn *peer.Connection, d *protocol.PongData) {
			a.monitor.HandlePong(conn, d.PingID)
		}))
	a.router.WatchConnections(func(active int) {
		metrics.ConnectionsActive.Set(float64(active))
		a.fallback.ConnectionsChanged(a.ctx(), active)
	})
}

func (a *Agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.camera != nil {
		a.camera.Shutdown()
	}
	a.logbook.Stop()
	a.endpoint.Shutdown(ctx)
	a.client.Disconnect(ctx)
	log.Info("onboard agent stopped")
}

func (a *Agent) ctx() context.Context {
	if p := a.runCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

func (a *Agent) connectionOpened(c *peer.Connection) {
	log.Info("pilot connected", "peer", c.RemoteID())
	a.router.Attach(c)
	a.monitor.Watch(a.ctx(), c)
}

func (a *Agent) connectionClosed(c *peer.Connection, err error) {
	if err != nil {
		log.Warn("pilot connection lost", "peer", c.RemoteID(), "err", err)
	} else {
		log.Info("pilot disconnected", "peer", c.RemoteID())
	}
	a.monitor.Unwatch(c)
	if a.camera != nil {
		a.camera.ConnectionClosed(c)
	}
	a.router.Detach(c)
}

func (a *Agent) inbound(c *peer.Connection, m protocol.Message) {
	metrics.MessagesTotal.WithLabelValues("in", string(m.Type)).Inc()
	a.router.Dispatch(a.ctx(), c, m)
}

func (a *Agent) driverLine(line []byte) {
	if f := a.onLine.Load(); f != nil {
		(*f)(line)
	}
}

func (a *Agent) cameraFrame(frame []byte) {
	if a.camera != nil {
		a.camera.HandleFrame(frame)
	}
}

func (a *Agent) linkDead(c *peer.Connection) {
	log.Warn("link declared dead", "peer", c.RemoteID())
	a.fallback.LinkDead(a.ctx())
}

func (a *Agent) safetyTrigger(ctx context.Context) error {
	metrics.SafetyTriggeredTotal.Inc()
	return a.flight.ForceSafety(ctx)
}
