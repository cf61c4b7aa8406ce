package peer

import (
	"bytes"
	"testing"
)

func TestSplitFrameHeader(t *testing.T) {
	chunks := splitFrame(7, []byte("abcdef"), 4)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	c0, err := parseChunk(chunks[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c0.frameID != 7 || c0.index != 0 || c0.count != 2 || !bytes.Equal(c0.payload, []byte("abcd")) {
		t.Fatalf("chunk 0 = %+v", c0)
	}
	c1, _ := parseChunk(chunks[1])
	if c1.index != 1 || !bytes.Equal(c1.payload, []byte("ef")) {
		t.Fatalf("chunk 1 = %+v", c1)
	}
}

func TestSplitFrameEmptyPayload(t *testing.T) {
	chunks := splitFrame(1, nil, 4)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	c, err := parseChunk(chunks[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.count != 1 || len(c.payload) != 0 {
		t.Fatalf("chunk = %+v", c)
	}
}

func TestParseChunkRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte{1, 2, 3},
		{9, 0, 0, 0, 1, 0, 0, 0, 1}, // bad version
		{1, 0, 0, 0, 1, 0, 0, 0, 0}, // zero count
		{1, 0, 0, 0, 1, 0, 2, 0, 2}, // index >= count
	}
	for _, raw := range cases {
		if _, err := parseChunk(raw); err == nil {
			t.Fatalf("parseChunk(%v) should fail", raw)
		}
	}
}

func TestReassemblerDuplicateChunksIgnored(t *testing.T) {
	r := newReassembler()
	chunks := splitFrame(3, []byte("hello world"), 6)
	c0, _ := parseChunk(chunks[0])
	c1, _ := parseChunk(chunks[1])
	if out := r.add(c0); out != nil {
		t.Fatal("frame complete with a missing chunk")
	}
	if out := r.add(c0); out != nil {
		t.Fatal("duplicate chunk completed the frame")
	}
	if out := r.add(c1); string(out) != "hello world" {
		t.Fatalf("reassembled = %q", out)
	}
}

func TestReassemblerEvictsStaleFrames(t *testing.T) {
	r := newReassembler()
	// Open more incomplete frames than the reassembler keeps.
	for id := uint32(1); id <= maxPendingFrames+1; id++ {
		parts := splitFrame(id, []byte("xxxxxxxx"), 4)
		c, _ := parseChunk(parts[0])
		r.add(c)
	}
	if len(r.pending) != maxPendingFrames {
		t.Fatalf("pending = %d, want %d", len(r.pending), maxPendingFrames)
	}
	if _, ok := r.pending[1]; ok {
		t.Fatal("oldest frame not evicted")
	}
}
