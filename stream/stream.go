package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// debugMsgFunc is set by the main package to use unified logging
var debugMsgFunc func(component, message string)

// SetDebugFunction allows main package to provide the debug logger
func SetDebugFunction(fn func(component, message string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message)
	}
}

const boundary = "frame"

// Broadcaster fans annotated JPEG frames out to MJPEG viewers. Each
// client has a one-frame buffer; a slow client gets the stale frame
// replaced rather than stalling the publisher.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	latest  []byte
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan []byte]struct{}),
	}
}

// Publish hands a frame to every connected client without blocking.
// The payload is copied so callers may reuse their buffer.
func (b *Broadcaster) Publish(jpeg []byte) {
	frame := make([]byte, len(jpeg))
	copy(frame, jpeg)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = frame
	for ch := range b.clients {
		select {
		case ch <- frame:
		default:
			// Drop the stale frame and replace it with the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// ClientCount returns the number of connected viewers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	b.mu.Lock()
	if b.latest != nil {
		ch <- b.latest
	}
	b.clients[ch] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	debugMsg("STREAM", fmt.Sprintf("viewer connected (%d total)", n))
	return ch
}

func (b *Broadcaster) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.clients, ch)
	n := len(b.clients)
	b.mu.Unlock()
	debugMsg("STREAM", fmt.Sprintf("viewer disconnected (%d total)", n))
}

// ServeHTTP streams multipart/x-mixed-replace MJPEG until the client
// disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch := b.subscribe()
	defer b.unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-ch:
			if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Snap is a stored confirmation snapshot.
type Snap struct {
	JPEG []byte
	TS   time.Time
}

// SnapRing keeps the most recent confirmation snapshots. Slot 0 is
// always the newest.
type SnapRing struct {
	mu    sync.Mutex
	snaps []Snap
	size  int
}

func NewSnapRing(size int) *SnapRing {
	if size <= 0 {
		size = 3
	}
	return &SnapRing{size: size}
}

// Add stores a snapshot, evicting the oldest once the ring is full.
func (s *SnapRing) Add(jpeg []byte, ts time.Time) {
	frame := make([]byte, len(jpeg))
	copy(frame, jpeg)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps = append([]Snap{{JPEG: frame, TS: ts}}, s.snaps...)
	if len(s.snaps) > s.size {
		s.snaps = s.snaps[:s.size]
	}
}

// Get returns the snapshot at index n, newest first.
func (s *SnapRing) Get(n int) (Snap, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 || n >= len(s.snaps) {
		return Snap{}, false
	}
	return s.snaps[n], true
}

// Len returns the number of stored snapshots.
func (s *SnapRing) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snaps)
}
