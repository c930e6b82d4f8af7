package recorder

import (
	"errors"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the default per-consumer queue depth on the packet fan-out.
const DefaultQueueSize = 512

var (
	// ErrFanoutClosed is returned when subscribing to a closed fan-out.
	ErrFanoutClosed = errors.New("fanout closed")

	// ErrSubscriberExists is returned when a subscriber id is already in use.
	ErrSubscriberExists = errors.New("subscriber already exists")
)

// SubscriberStats counts packets delivered to and dropped at one consumer queue.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type subscriber struct {
	id      string
	ch      chan Packet
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Fanout distributes packets from a single producer to independent consumers.
// Each consumer owns a bounded queue; when a queue is full the oldest queued
// packet is dropped so a slow consumer never blocks the producer or delays
// the other consumers.
type Fanout struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
}

// NewFanout returns an empty fan-out.
func NewFanout() *Fanout {
	return &Fanout{subs: make(map[string]*subscriber)}
}

// Subscribe registers a consumer queue of the given depth and returns its
// receive channel. The channel is closed when the consumer is unsubscribed or
// the fan-out is closed. A non-positive size uses DefaultQueueSize.
func (f *Fanout) Subscribe(id string, size int) (<-chan Packet, error) {
	if size <= 0 {
		size = DefaultQueueSize
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFanoutClosed
	}
	if _, exists := f.subs[id]; exists {
		return nil, ErrSubscriberExists
	}

	s := &subscriber{id: id, ch: make(chan Packet, size)}
	f.subs[id] = s
	return s.ch, nil
}

// Unsubscribe removes a consumer and closes its channel. Unknown ids are a no-op.
func (f *Fanout) Unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(s.ch)
	}
}

// Publish delivers p to every consumer queue. Publish never blocks: a full
// queue sheds its oldest packet to make room. Only the producing Ingestor may
// call Publish.
func (f *Fanout) Publish(p Packet) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return
	}

	for _, s := range f.subs {
		select {
		case s.ch <- p:
			s.sent.Add(1)
			continue
		default:
		}

		// Queue full: shed the oldest entry. The producer is the only sender,
		// so after the drop there is room unless the consumer raced us to it.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- p:
			s.sent.Add(1)
			s.dropped.Add(1)
		default:
			s.dropped.Add(1)
		}
	}
}

// Stats returns delivery counters for the given consumer.
func (f *Fanout) Stats(id string) (SubscriberStats, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.subs[id]
	if !ok {
		return SubscriberStats{}, false
	}
	return SubscriberStats{Sent: s.sent.Load(), Dropped: s.dropped.Load()}, true
}

// Dropped returns the total packets dropped across all current consumers.
func (f *Fanout) Dropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var n uint64
	for _, s := range f.subs {
		n += s.dropped.Load()
	}
	return n
}

// Close closes every consumer channel, signalling end of stream. Publish and
// Subscribe calls after Close are rejected.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	for id, s := range f.subs {
		delete(f.subs, id)
		close(s.ch)
	}
}
