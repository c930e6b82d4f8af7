package recorder

import (
	"sync"
	"time"
)

// DefaultPreEventWindow is the default trailing time window kept in the
// pre-event buffer.
const DefaultPreEventWindow = 60 * time.Second

// Default hard ceilings for the pre-event buffer. The window is the intended
// bound; the ceilings protect against abnormally fast packet arrival.
const (
	DefaultBufferMaxBytes   int64 = 64 << 20
	DefaultBufferMaxPackets       = 4096
)

// RingBuffer keeps the trailing window of recent packets for one camera,
// ordered by capture timestamp. It is written by the pipeline's buffer
// consumer and read by event triggers taking snapshots; both may run
// concurrently.
type RingBuffer struct {
	mu         sync.Mutex
	window     time.Duration
	maxBytes   int64
	maxPackets int

	packets []Packet
	bytes   int64
}

// NewRingBuffer returns a buffer retaining at most window of trailing packets,
// additionally bounded by maxBytes and maxPackets. Non-positive bounds fall
// back to the package defaults.
func NewRingBuffer(window time.Duration, maxBytes int64, maxPackets int) *RingBuffer {
	if window <= 0 {
		window = DefaultPreEventWindow
	}
	if maxBytes <= 0 {
		maxBytes = DefaultBufferMaxBytes
	}
	if maxPackets <= 0 {
		maxPackets = DefaultBufferMaxPackets
	}
	return &RingBuffer{window: window, maxBytes: maxBytes, maxPackets: maxPackets}
}

// Push appends p and evicts packets that have fallen out of the trailing
// window relative to p. If a hard ceiling forces eviction before the window is
// exceeded, Push returns degraded=true; the caller should log the condition
// and continue.
func (b *RingBuffer) Push(p Packet) (degraded bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.packets = append(b.packets, p)
	b.bytes += int64(len(p.Data))

	// Window eviction: retain packets with newest-ts strictly inside the window.
	newest := b.packets[len(b.packets)-1].Timestamp
	for len(b.packets) > 1 && newest.Sub(b.packets[0].Timestamp) >= b.window {
		b.evictOldestLocked()
	}

	// Ceiling eviction kicks in only when the window alone was not enough.
	for len(b.packets) > 1 && (b.bytes > b.maxBytes || len(b.packets) > b.maxPackets) {
		b.evictOldestLocked()
		degraded = true
	}

	return degraded
}

// Snapshot returns a copy of all currently retained packets in timestamp
// order. The copy is safe to hold while pushes continue.
func (b *RingBuffer) Snapshot() []Packet {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.packets) == 0 {
		return nil
	}
	out := make([]Packet, len(b.packets))
	copy(out, b.packets)
	return out
}

// Len returns the number of currently retained packets.
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.packets)
}

// Bytes returns the total payload size of currently retained packets.
func (b *RingBuffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

func (b *RingBuffer) evictOldestLocked() {
	b.bytes -= int64(len(b.packets[0].Data))
	b.packets[0].Data = nil
	b.packets = b.packets[1:]
}
