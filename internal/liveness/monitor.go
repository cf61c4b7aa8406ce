// Package liveness watches each connection with a periodic ping/pong
// exchange. The transport happily reports a link as open even when
// packets silently stop arriving, so an unanswered ping is the only
// reliable signal that the peer is gone.
package liveness

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/pkg/util/clock"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/log"
)

// DefaultInterval is the ping period.
const DefaultInterval = 5 * time.Second

// Config parameterizes a Monitor.
type Config struct {
	// Interval overrides DefaultInterval when positive.
	Interval time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Peer is used by Reconnect to dial the last known peer. Optional
	// for monitors that never reconnect.
	Peer *peer.Peer

	// OnUnstable, when set, is notified every time the aggregate
	// unstable flag flips. UIs use it to show link quality.
	OnUnstable func(unstable bool)

	// OnDead, when set, is notified when a watched connection misses
	// two consecutive pings. The onboard side feeds this into the
	// safety fallback's fast path.
	OnDead func(conn *peer.Connection)
}

type session struct {
	conn        *peer.Connection
	outstanding string
	unstable    bool
	misses      int
	timer       clock.Timer
	stopped     bool
}

// Monitor tracks link health per connection.
type Monitor struct {
	interval   time.Duration
	clock      clock.Clock
	peer       *peer.Peer
	onUnstable func(bool)
	onDead     func(*peer.Connection)

	mu       sync.Mutex
	sessions map[string]*session
	lastFlag bool
}

// New builds a Monitor.
func New(cfg Config) *Monitor {
	m := &Monitor{
		interval:   cfg.Interval,
		clock:      cfg.Clock,
		peer:       cfg.Peer,
		onUnstable: cfg.OnUnstable,
		onDead:     cfg.OnDead,
		sessions:   make(map[string]*session),
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	return m
}

// Watch starts the ping loop for a connection. Watching an already
// watched connection restarts its session.
func (m *Monitor) Watch(ctx context.Context, conn *peer.Connection) {
	m.mu.Lock()
	if old, ok := m.sessions[conn.RemoteID()]; ok {
		m.stopSession(old)
	}
	s := &session{conn: conn}
	m.sessions[conn.RemoteID()] = s
	m.armTick(ctx, s)
	m.mu.Unlock()
	m.notify()
}

// Unwatch stops the ping loop for a connection and discards its state.
func (m *Monitor) Unwatch(conn *peer.Connection) {
	m.mu.Lock()
	if s, ok := m.sessions[conn.RemoteID()]; ok && s.conn == conn {
		m.stopSession(s)
		delete(m.sessions, conn.RemoteID())
	}
	m.mu.Unlock()
	m.notify()
}

// HandlePong processes a pong from a connection. Only an ack matching
// the outstanding ping id clears the unstable flag; a stale id is
// logged and otherwise ignored so that an old ack cannot mask real
// instability.
func (m *Monitor) HandlePong(conn *peer.Connection, pingID string) {
	m.mu.Lock()
	s, ok := m.sessions[conn.RemoteID()]
	if !ok || s.stopped {
		m.mu.Unlock()
		return
	}
	if pingID != s.outstanding {
		log.Debug("stale pong", "peer", conn.RemoteID(), "pingId", pingID)
		m.mu.Unlock()
		return
	}
	s.outstanding = ""
	s.unstable = false
	s.misses = 0
	m.mu.Unlock()
	m.notify()
}

// Unstable reports whether any watched connection has an unanswered ping
// past its interval.
func (m *Monitor) Unstable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unstableLocked()
}

func (m *Monitor) unstableLocked() bool {
	for _, s := range m.sessions {
		if s.unstable {
			return true
		}
	}
	return false
}

// Reconnect tears down every watched connection, then dials the last
// persisted peer. Calling it with no persisted peer id returns
// peer.ErrNoLastPeer.
func (m *Monitor) Reconnect(ctx context.Context) (*peer.Connection, error) {
	if m.peer == nil {
		return nil, errors.New("liveness: no peer endpoint configured")
	}
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.Unwatch(s.conn)
		if err := s.conn.Close(ctx); err != nil {
			log.Warn("closing connection for reconnect", "peer", s.conn.RemoteID(), "err", err)
		}
	}
	return m.peer.Reconnect(ctx)
}

// tick runs once per interval per session.
func (m *Monitor) tick(ctx context.Context, s *session) {
	m.mu.Lock()
	if s.stopped {
		m.mu.Unlock()
		return
	}
	var dead *peer.Connection
	if s.outstanding != "" {
		s.unstable = true
		s.misses++
		if s.misses >= 2 && m.onDead != nil {
			dead = s.conn
			s.misses = 0
		}
	}
	id := uuid.NewString()
	s.outstanding = id
	m.armTick(ctx, s)
	conn := s.conn
	m.mu.Unlock()

	m.notify()
	if dead != nil {
		log.Warn("link dead, pings unanswered", "peer", dead.RemoteID())
		m.onDead(dead)
	}
	ping := protocol.MustNew(protocol.TypePing, protocol.PingData{ID: id})
	if err := conn.Send(ctx, ping); err != nil {
		log.Warn("sending ping", "peer", conn.RemoteID(), "err", err)
	}
}

// armTick re-arms the session timer. Caller holds the mutex.
func (m *Monitor) armTick(ctx context.Context, s *session) {
	s.timer = m.clock.AfterFunc(m.interval, func() {
		m.tick(ctx, s)
	})
}

// stopSession cancels the timer and marks the session dead. Caller holds
// the mutex.
func (m *Monitor) stopSession(s *session) {
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// notify pushes the aggregate unstable flag when it flips.
func (m *Monitor) notify() {
	if m.onUnstable == nil {
		return
	}
	m.mu.Lock()
	cur := m.unstableLocked()
	changed := cur != m.lastFlag
	m.lastFlag = cur
	m.mu.Unlock()
	if changed {
		m.onUnstable(cur)
	}
}
