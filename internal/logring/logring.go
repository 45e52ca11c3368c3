// Package logring implements a bounded in-memory byte ring with live
// subscription. Every appended chunk lands in the ring first, then is
// delivered to every live subscriber exactly once, in order. A subscriber
// can never observe bytes the ring has not recorded.
package logring

import (
	"sync"
	"unicode/utf8"
)

// DefaultCapacity is the default ring size in bytes.
const DefaultCapacity = 64 * 1024

// DefaultSubscriberQueue is the bounded queue depth for a subscriber's
// channel; a subscriber that falls this far behind is dropped.
const DefaultSubscriberQueue = 64

// Ring is a fixed-capacity byte buffer with live subscription. Zero value is
// not usable; construct with New.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	cap  int
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan []byte
	lagged chan struct{}
	once   sync.Once
}

// Subscription is a live view onto a Ring. Chunks arrive in order; Lagged
// fires (and the subscription becomes useless) if the consumer falls behind.
type Subscription struct {
	ring *Ring
	sub  *subscriber
}

// New creates a Ring with the given capacity in bytes. A non-positive
// capacity falls back to DefaultCapacity.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		cap:  capacity,
		subs: make(map[*subscriber]struct{}),
	}
}

// Append adds chunk to the ring, dropping the oldest bytes to stay within
// capacity, then fans it out to every live subscriber. The ring is updated
// before any subscriber is notified.
func (r *Ring) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	r.mu.Lock()
	r.buf = append(r.buf, chunk...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}

	subs := make([]*subscriber, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	// Copy per-subscriber so a retained slice by one subscriber can never
	// alias a future in-place mutation of another's delivery.
	for _, s := range subs {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		select {
		case s.ch <- cp:
		default:
			// Slow subscriber: drop it. It is never the producer (this
			// goroutine) that blocks.
			s.once.Do(func() { close(s.lagged) })
			r.unsubscribe(s)
		}
	}
}

// Clear empties the ring's buffered contents without affecting existing
// subscriptions. Used when a manifest's clear_log_on_start is set.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.buf = r.buf[:0]
	r.mu.Unlock()
}

// Snapshot returns up to maxBytes of the most recent ring contents, trimmed
// to a best-effort UTF-8 rune boundary. The alignment is a convenience for
// terminal-aware consumers, not a correctness requirement; the payload is
// opaque bytes.
func (r *Ring) Snapshot(maxBytes int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(maxBytes)
}

func (r *Ring) snapshotLocked(maxBytes int) []byte {
	data := r.buf
	if maxBytes > 0 && len(data) > maxBytes {
		data = data[len(data)-maxBytes:]
	}
	out := make([]byte, len(data))
	copy(out, data)
	return trimToRuneBoundary(out)
}

// trimToRuneBoundary drops leading bytes that are continuation bytes of a
// rune whose start byte was cut off, so the result is valid UTF-8 from its
// first byte onward whenever the source was valid UTF-8.
func trimToRuneBoundary(b []byte) []byte {
	for i := 0; i < len(b) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(b[i]) {
			return b[i:]
		}
	}
	return b
}

// Subscribe registers a new live subscriber. It replays nothing; callers
// that also want the buffered backlog must use SubscribeWithSnapshot, since
// a separate Snapshot call would race with concurrent Appends and deliver
// the raced bytes twice.
func (r *Ring) Subscribe() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked()
}

// SubscribeWithSnapshot registers a new live subscriber and returns the most
// recent ring contents (up to maxBytes, trimmed like Snapshot) in the same
// critical section. A chunk appended after the snapshot is delivered on the
// subscription and nowhere else, so snapshot-then-live never duplicates or
// drops bytes.
func (r *Ring) SubscribeWithSnapshot(maxBytes int) (*Subscription, []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribeLocked(), r.snapshotLocked(maxBytes)
}

func (r *Ring) subscribeLocked() *Subscription {
	s := &subscriber{
		ch:     make(chan []byte, DefaultSubscriberQueue),
		lagged: make(chan struct{}),
	}
	r.subs[s] = struct{}{}
	return &Subscription{ring: r, sub: s}
}

func (r *Ring) unsubscribe(s *subscriber) {
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()
}

// Chunks returns the channel of appended byte chunks.
func (s *Subscription) Chunks() <-chan []byte { return s.sub.ch }

// Lagged is closed if this subscription was dropped for falling behind.
func (s *Subscription) Lagged() <-chan struct{} { return s.sub.lagged }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.ring.unsubscribe(s.sub)
}
