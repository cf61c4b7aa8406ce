// Package router dispatches protocol messages between connections and the
// modules that handle them. It is the hub both endpoints build on: modules
// register typed routes, the router fans inbound messages out to them and
// offers broadcast to every live connection.
package router

import (
	"context"
	"errors"
	"sync"

	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/log"
)

// ErrNotStarted is returned by Broadcast before Start has been called.
var ErrNotStarted = errors.New("router: not started")

// HandlerFunc handles messages of one registered type.
type HandlerFunc func(ctx context.Context, conn *peer.Connection, msg protocol.Message)

// Listener observes every inbound message regardless of type.
type Listener func(ctx context.Context, conn *peer.Connection, msg protocol.Message)

// ConnWatcher observes the size of the live connection set.
type ConnWatcher func(active int)

// Typed adapts a handler taking a decoded payload into a HandlerFunc.
// Messages whose payload fails to decode are logged and dropped.
func Typed[T any](h func(ctx context.Context, conn *peer.Connection, data *T)) HandlerFunc {
	return func(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
		data, err := protocol.DecodeData[T](msg)
		if err != nil {
			log.Warn("dropping message with bad payload", "type", msg.Type, "peer", conn.RemoteID(), "err", err)
			return
		}
		h(ctx, conn, data)
	}
}

// Router routes messages between peer connections and registered handlers.
type Router struct {
	mu        sync.RWMutex
	started   bool
	conns     map[string]*peer.Connection
	handlers  map[protocol.Type][]HandlerFunc
	listeners map[string]Listener
	watchers  []ConnWatcher
}

// New returns a router with the built-in ping responder installed.
func New() *Router {
	r := &Router{
		conns:     make(map[string]*peer.Connection),
		handlers:  make(map[protocol.Type][]HandlerFunc),
		listeners: make(map[string]Listener),
	}
	r.Handle(protocol.TypePing, Typed(r.handlePing))
	return r
}

// Handle registers a handler for one message type. Multiple handlers per
// type are allowed and run in registration order.
func (r *Router) Handle(t protocol.Type, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = append(r.handlers[t], h)
}

// AddListener registers a catch-all listener under a name. Re-adding the
// same name replaces the previous listener, making registration idempotent.
func (r *Router) AddListener(name string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[name] = l
}

// RemoveListener removes a named listener. Unknown names are a no-op.
func (r *Router) RemoveListener(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, name)
}

// WatchConnections registers a watcher called with the active connection
// count after every attach and detach. Must be called before Start.
func (r *Router) WatchConnections(w ConnWatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, w)
}

// Start enables delivery. Registrations stay possible afterwards but the
// usual setup order is routes first, then Start.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

// Attach adds a connection to the live set.
func (r *Router) Attach(conn *peer.Connection) {
	r.mu.Lock()
	r.conns[conn.RemoteID()] = conn
	n := len(r.conns)
	watchers := append([]ConnWatcher(nil), r.watchers...)
	r.mu.Unlock()
	for _, w := range watchers {
		w(n)
	}
}

// Detach removes a connection from the live set.
func (r *Router) Detach(conn *peer.Connection) {
	r.mu.Lock()
	cur, ok := r.conns[conn.RemoteID()]
	if !ok || cur != conn {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.RemoteID())
	n := len(r.conns)
	watchers := append([]ConnWatcher(nil), r.watchers...)
	r.mu.Unlock()
	for _, w := range watchers {
		w(n)
	}
}

// HasConnections reports whether at least one connection is attached.
func (r *Router) HasConnections() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns) > 0
}

// Dispatch delivers one inbound message to the type's handlers and every
// listener. Messages of unknown type reach listeners only.
func (r *Router) Dispatch(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
	r.mu.RLock()
	if !r.started {
		r.mu.RUnlock()
		log.Warn("dropping message, router not started", "type", msg.Type)
		return
	}
	handlers := append([]HandlerFunc(nil), r.handlers[msg.Type]...)
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, conn, msg)
	}
	for _, l := range listeners {
		l(ctx, conn, msg)
	}
	if len(handlers) == 0 && !protocol.Known(msg.Type) {
		log.Debug("ignoring message of unknown type", "type", msg.Type, "peer", conn.RemoteID())
	}
}

// Broadcast sends one message to every attached connection. Connections
// that have closed underneath are skipped; individual publish failures
// are logged and do not stop the fan-out.
func (r *Router) Broadcast(ctx context.Context, msg protocol.Message) error {
	r.mu.RLock()
	if !r.started {
		r.mu.RUnlock()
		return ErrNotStarted
	}
	conns := make([]*peer.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		if !c.IsOpen() {
			continue
		}
		if err := c.Send(ctx, msg); err != nil {
			log.Warn("broadcast send failed", "type", msg.Type, "peer", c.RemoteID(), "err", err)
		}
	}
	return nil
}

func (r *Router) handlePing(ctx context.Context, conn *peer.Connection, data *protocol.PingData) {
	reply := protocol.MustNew(protocol.TypePong, protocol.PongData{PingID: data.ID})
	if err := conn.Send(ctx, reply); err != nil {
		log.Warn("replying to ping", "peer", conn.RemoteID(), "err", err)
	}
}
