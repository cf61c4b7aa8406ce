package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/pkg/log"
)

// ErrConnectionClosed is returned by sends on a connection that has been
// closed by either side.
var ErrConnectionClosed = errors.New("peer: connection closed")

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

// Connection is one logical link to a remote peer. Messages travel as JSON
// envelopes on the data topic; large binary payloads travel chunked on the
// frames topic. A closed connection never reopens, reconnecting yields a
// fresh Connection.
type Connection struct {
	peer     *Peer
	remoteID string

	mu       sync.Mutex
	state    connState
	closeErr error

	frameSeq uint32

	reasmMu sync.Mutex
	reasm   *reassembler
}

func newConnection(p *Peer, remoteID string, state connState) *Connection {
	return &Connection{
		peer:     p,
		remoteID: remoteID,
		state:    state,
		reasm:    newReassembler(),
	}
}

// RemoteID returns the identifier of the peer at the far end.
func (c *Connection) RemoteID() string { return c.remoteID }

// IsOpen reports whether the connection accepts sends.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Send publishes one protocol message to the remote peer.
func (c *Connection) Send(ctx context.Context, msg protocol.Message) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	t := c.peer.topics.Data(c.remoteID, c.peer.selfID)
	return c.peer.client.Publish(ctx, t, qosData, false, raw)
}

// SendFrame publishes one binary payload on the chunked channel. The
// payload is split into chunks that the remote side reassembles; delivery
// order relative to Send is not guaranteed.
func (c *Connection) SendFrame(ctx context.Context, payload []byte) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	id := atomic.AddUint32(&c.frameSeq, 1)
	t := c.peer.topics.Frames(c.remoteID, c.peer.selfID)
	for _, chunk := range splitFrame(id, payload, c.peer.chunkSize) {
		if err := c.peer.client.Publish(ctx, t, qosFrames, false, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Close sends a bye to the remote peer and marks the connection closed.
func (c *Connection) Close(ctx context.Context) error {
	if !c.markClosed(nil) {
		return nil
	}
	err := c.peer.sendCtrl(ctx, c.remoteID, ctrlBye)
	c.peer.dropConnection(c, nil)
	return err
}

// markClosed transitions to closed exactly once. Returns false if the
// connection was already closed.
func (c *Connection) markClosed(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return false
	}
	c.state = stateClosed
	c.closeErr = err
	return true
}

func (c *Connection) markOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateConnecting {
		return false
	}
	c.state = stateOpen
	return true
}

// handleData decodes and dispatches one inbound envelope.
func (c *Connection) handleData(raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Warn("dropping malformed message", "peer", c.remoteID, "err", err)
		return
	}
	if h := c.peer.handler.OnMessage; h != nil {
		h(c, msg)
	}
}

// handleFrameChunk feeds one chunk into reassembly and dispatches the
// frame once complete.
func (c *Connection) handleFrameChunk(raw []byte) {
	ck, err := parseChunk(raw)
	if err != nil {
		log.Warn("dropping bad frame chunk", "peer", c.remoteID, "err", err)
		return
	}
	c.reasmMu.Lock()
	full := c.reasm.add(ck)
	c.reasmMu.Unlock()
	if full == nil {
		return
	}
	if h := c.peer.handler.OnFrame; h != nil {
		h(c, full)
	}
}
