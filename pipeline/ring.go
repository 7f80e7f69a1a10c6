package pipeline

import (
	"sync"
	"time"
)

// Frame is one JPEG-encoded capture with its sequence number.
type Frame struct {
	Seq  uint64
	TS   time.Time
	JPEG []byte
}

// FrameRing keeps the most recent JPEG frames for Stage-2 bursts. Old frames
// are overwritten in place; Push never blocks and never grows the ring.
type FrameRing struct {
	mu     sync.Mutex
	frames []Frame
	next   int
	count  int
	seq    uint64
}

// NewFrameRing creates a ring holding up to capacity frames.
func NewFrameRing(capacity int) *FrameRing {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameRing{frames: make([]Frame, capacity)}
}

// Push stores a frame copy and returns its sequence number.
func (r *FrameRing) Push(jpeg []byte, ts time.Time) uint64 {
	cp := make([]byte, len(jpeg))
	copy(cp, jpeg)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.frames[r.next] = Frame{Seq: r.seq, TS: ts, JPEG: cp}
	r.next = (r.next + 1) % len(r.frames)
	if r.count < len(r.frames) {
		r.count++
	}
	return r.seq
}

// Burst returns up to count frames ending at the newest, stepping back by
// stride, ordered oldest first. Fewer frames are returned while the ring is
// still filling.
func (r *FrameRing) Burst(count, stride int) []Frame {
	if count < 1 {
		return nil
	}
	if stride < 1 {
		stride = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Frame
	for i := 0; i < count; i++ {
		back := i * stride
		if back >= r.count {
			break
		}
		idx := (r.next - 1 - back + 2*len(r.frames)) % len(r.frames)
		out = append(out, r.frames[idx])
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len reports how many frames the ring currently holds.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
