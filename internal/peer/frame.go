package peer

import (
	"encoding/binary"
	"fmt"
)

// Chunked channel wire layout. Each publish carries one chunk:
//
//	byte 0      protocol version
//	bytes 1..4  frame id, big endian
//	bytes 5..6  chunk index, big endian
//	bytes 7..8  chunk count, big endian
//	bytes 9..   chunk payload
const (
	frameVersion    = 1
	frameHeaderSize = 9

	// DefaultChunkSize keeps individual publishes well below typical broker
	// packet limits while leaving camera frames at a handful of chunks.
	DefaultChunkSize = 16 * 1024

	// maxPendingFrames bounds reassembly memory when chunks go missing.
	maxPendingFrames = 8
)

type chunk struct {
	frameID uint32
	index   uint16
	count   uint16
	payload []byte
}

// splitFrame cuts payload into wire chunks under a shared frame id.
func splitFrame(frameID uint32, payload []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	count := (len(payload) + chunkSize - 1) / chunkSize
	if count == 0 {
		count = 1
	}
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(payload) {
			hi = len(payload)
		}
		buf := make([]byte, frameHeaderSize+hi-lo)
		buf[0] = frameVersion
		binary.BigEndian.PutUint32(buf[1:5], frameID)
		binary.BigEndian.PutUint16(buf[5:7], uint16(i))
		binary.BigEndian.PutUint16(buf[7:9], uint16(count))
		copy(buf[frameHeaderSize:], payload[lo:hi])
		out = append(out, buf)
	}
	return out
}

func parseChunk(raw []byte) (chunk, error) {
	if len(raw) < frameHeaderSize {
		return chunk{}, fmt.Errorf("chunk too short: %d bytes", len(raw))
	}
	if raw[0] != frameVersion {
		return chunk{}, fmt.Errorf("unsupported frame version %d", raw[0])
	}
	c := chunk{
		frameID: binary.BigEndian.Uint32(raw[1:5]),
		index:   binary.BigEndian.Uint16(raw[5:7]),
		count:   binary.BigEndian.Uint16(raw[7:9]),
		payload: raw[frameHeaderSize:],
	}
	if c.count == 0 || c.index >= c.count {
		return chunk{}, fmt.Errorf("chunk index %d out of range for count %d", c.index, c.count)
	}
	return c, nil
}

type pendingFrame struct {
	parts   [][]byte
	missing int
}

// reassembler rebuilds frames from chunks that may arrive in any order.
// It is not safe for concurrent use; connections feed it from a single
// handler goroutine.
type reassembler struct {
	pending map[uint32]*pendingFrame
	order   []uint32
}

func newReassembler() *reassembler {
	return &reassembler{pending: make(map[uint32]*pendingFrame)}
}

// add consumes one chunk and returns the full payload once its frame is
// complete, or nil while parts are still outstanding.
func (r *reassembler) add(c chunk) []byte {
	p, ok := r.pending[c.frameID]
	if !ok {
		p = &pendingFrame{parts: make([][]byte, c.count), missing: int(c.count)}
		r.pending[c.frameID] = p
		r.order = append(r.order, c.frameID)
		r.evict()
	}
	if int(c.count) != len(p.parts) {
		// Conflicting chunk count, drop the frame.
		r.drop(c.frameID)
		return nil
	}
	if p.parts[c.index] == nil {
		p.parts[c.index] = c.payload
		p.missing--
	}
	if p.missing > 0 {
		return nil
	}
	r.drop(c.frameID)
	size := 0
	for _, part := range p.parts {
		size += len(part)
	}
	out := make([]byte, 0, size)
	for _, part := range p.parts {
		out = append(out, part...)
	}
	return out
}

func (r *reassembler) drop(frameID uint32) {
	delete(r.pending, frameID)
	for i, id := range r.order {
		if id == frameID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *reassembler) evict() {
	for len(r.pending) > maxPendingFrames {
		r.drop(r.order[0])
	}
}
