// Package broadcast implements a bounded, multi-reader fan-out channel used
// by the key-value store's pub/sub registry. Publish never blocks the
// publisher: messages live in a fixed-size ring shared by all subscribers,
// and a subscriber that falls behind the ring's retention window is told so
// explicitly via a Lagged marker instead of silently missing messages.
package broadcast

import "sync"

// DefaultCapacity is the ring size used when a Channel is created via New
// without an explicit override.
const DefaultCapacity = 1024

// Lagged is delivered in place of the messages a subscriber missed once it
// falls behind the ring's retention window, so a reader can tell apart
// "nothing published" from "fell behind and missed some".
type Lagged struct {
	// Skipped is the number of messages dropped before this signal.
	Skipped uint64
}

// Message wraps a published payload or a Lagged marker; exactly one field
// is set.
type Message struct {
	Payload []byte
	Lag     *Lagged
}

type entry struct {
	seq     uint64
	payload []byte
}

// Channel is a bounded multi-reader broadcast primitive for one pub/sub
// topic, modeled as a ring buffer of the most recent publishes.
type Channel struct {
	mu       sync.Mutex
	capacity int
	ring     []entry
	nextSeq  uint64
	subs     map[*Subscription]struct{}
}

// New creates an empty Channel. A capacity of 0 or less falls back to
// DefaultCapacity.
func New(capacity int) *Channel {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Channel{
		capacity: capacity,
		ring:     make([]entry, capacity),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new reader and starts its pump goroutine. The
// returned Subscription must be closed when the caller is done with it.
func (c *Channel) Subscribe() *Subscription {
	c.mu.Lock()
	sub := &Subscription{
		ch:       c,
		cursor:   c.nextSeq,
		signal:   make(chan struct{}, 1),
		Messages: make(chan Message, c.capacity),
		done:     make(chan struct{}),
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go sub.pump()
	return sub
}

// Publish appends payload to the ring and wakes every subscriber, returning
// the number of subscribers at the time of publish.
func (c *Channel) Publish(payload []byte) int {
	c.mu.Lock()
	c.ring[c.nextSeq%uint64(c.capacity)] = entry{seq: c.nextSeq, payload: payload}
	c.nextSeq++
	n := len(c.subs)
	for s := range c.subs {
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()
	return n
}

// SubscriberCount reports the number of active subscriptions.
func (c *Channel) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// next blocks until either a message becomes available for cursor or the
// subscription is closed.
func (c *Channel) next(cursor uint64, signal <-chan struct{}, done <-chan struct{}) (Message, uint64, bool) {
	for {
		c.mu.Lock()
		oldest := uint64(0)
		if c.nextSeq > uint64(c.capacity) {
			oldest = c.nextSeq - uint64(c.capacity)
		}
		switch {
		case cursor < oldest:
			skipped := oldest - cursor
			c.mu.Unlock()
			return Message{Lag: &Lagged{Skipped: skipped}}, oldest, true
		case cursor < c.nextSeq:
			e := c.ring[cursor%uint64(c.capacity)]
			c.mu.Unlock()
			return Message{Payload: e.payload}, cursor + 1, true
		}
		c.mu.Unlock()

		select {
		case <-signal:
		case <-done:
			return Message{}, cursor, false
		}
	}
}

// Subscription is one reader's view of a Channel. Receive from Messages;
// call Close when done to release resources.
type Subscription struct {
	ch       *Channel
	cursor   uint64
	signal   chan struct{}
	Messages chan Message
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

func (s *Subscription) pump() {
	defer close(s.Messages)
	for {
		msg, next, ok := s.ch.next(s.cursor, s.signal, s.done)
		if !ok {
			return
		}
		s.cursor = next
		select {
		case s.Messages <- msg:
		case <-s.done:
			return
		}
	}
}

// Close stops the subscription's pump goroutine and removes it from its
// Channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	s.closeMu.Unlock()

	close(s.done)

	s.ch.mu.Lock()
	delete(s.ch.subs, s)
	s.ch.mu.Unlock()
}
