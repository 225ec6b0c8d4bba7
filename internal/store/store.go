// Package store implements the in-memory key-value database shared by all
// connections: a mutex-guarded entry map with per-key TTL expiration and a
// pub/sub channel registry keyed by topic name.
package store

import (
	"container/heap"
	"sync"
	"time"

	"github.com/harryheman/mini-redis/internal/broadcast"
	"github.com/harryheman/mini-redis/internal/logging"
	"github.com/harryheman/mini-redis/internal/metrics"
)

// entry is one stored value. A zero expiresAt means the key never expires.
type entry struct {
	data      []byte
	expiresAt time.Time
}

func (e entry) hasExpiry() bool { return !e.expiresAt.IsZero() }

// expiration is one pending TTL, tracked separately from entries so the
// reaper can find the next key to evict without scanning the whole map.
type expiration struct {
	when time.Time
	key  string
}

// expirationHeap is a min-heap over expiration.when, giving the reaper
// O(log n) access to the next key due to expire.
type expirationHeap []expiration

func (h expirationHeap) Len() int            { return len(h) }
func (h expirationHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h expirationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expirationHeap) Push(x interface{}) { *h = append(*h, x.(expiration)) }
func (h *expirationHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithBroadcastCapacity sets the per-topic ring buffer size used by every
// pub/sub channel the store creates. The default is broadcast.DefaultCapacity.
func WithBroadcastCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.broadcastCapacity = n
		}
	}
}

// Store is the shared, mutex-guarded database state. The zero value is not
// usable; construct with New. A Store owns a background goroutine that
// evicts expired keys and must be released with Close.
type Store struct {
	mu          sync.Mutex
	entries     map[string]entry
	pubsub      map[string]*broadcast.Channel
	expirations expirationHeap
	shutdown    bool

	notify chan struct{}
	wg     sync.WaitGroup

	broadcastCapacity int
}

// New creates an empty Store and starts its background expiration reaper.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		pubsub:  make(map[string]*broadcast.Channel),
		notify:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wg.Add(1)
	go s.purgeLoop()
	return s
}

// Get returns the value stored at key. The second return value is false if
// the key was never set or has expired.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.data, true
}

// Set stores value at key, replacing anything previously there. A negative
// ttl means the key never expires; a ttl of 0 or more schedules expiry at
// now+ttl, so a ttl of exactly 0 is reaped on the reaper's next wakeup
// rather than treated as "never expires". Setting a key that becomes the
// soonest-to-expire wakes the background reaper so it can reschedule its
// sleep.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()

	var expiresAt time.Time
	wake := false
	if ttl >= 0 {
		expiresAt = time.Now().Add(ttl)
		wake = len(s.expirations) == 0 || expiresAt.Before(s.expirations[0].when)
		heap.Push(&s.expirations, expiration{when: expiresAt, key: key})
	}
	s.entries[key] = entry{data: value, expiresAt: expiresAt}
	s.mu.Unlock()

	if wake {
		s.wakeReaper()
	}
}

// Subscribe returns a subscription to the named pub/sub channel, creating
// the channel on first use.
func (s *Store) Subscribe(channel string) *broadcast.Subscription {
	s.mu.Lock()
	ch, ok := s.pubsub[channel]
	if !ok {
		ch = broadcast.New(s.broadcastCapacity)
		s.pubsub[channel] = ch
	}
	s.mu.Unlock()
	return ch.Subscribe()
}

// Publish delivers payload to every current subscriber of channel and
// returns the number of subscribers reached. Publishing to a channel with
// no subscribers is a no-op that returns 0.
func (s *Store) Publish(channel string, payload []byte) int {
	s.mu.Lock()
	ch, ok := s.pubsub[channel]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return ch.Publish(payload)
}

// Close signals the background reaper to stop and waits for it to exit.
// Calling it more than once is safe.
func (s *Store) Close() {
	s.mu.Lock()
	already := s.shutdown
	s.shutdown = true
	s.mu.Unlock()
	if already {
		return
	}
	s.wakeReaper()
	s.wg.Wait()
}

func (s *Store) wakeReaper() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// purgeLoop runs in its own goroutine for the lifetime of the Store. It
// sleeps until the next expiration is due, evicts it, and repeats; a Set
// that schedules an earlier expiration or a Close wakes it early via notify.
func (s *Store) purgeLoop() {
	defer s.wg.Done()
	for {
		next, shutdown := s.purgeExpired()
		if shutdown {
			logging.L().Debug("store_reaper_stopped")
			return
		}
		if next.IsZero() {
			<-s.notify
			continue
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
		case <-s.notify:
			timer.Stop()
		}
	}
}

// purgeExpired removes every key whose TTL has passed. It returns the time
// of the next pending expiration (zero if none remain) and whether the
// store has been closed.
func (s *Store) purgeExpired() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return time.Time{}, true
	}

	now := time.Now()
	for len(s.expirations) > 0 {
		next := s.expirations[0]
		if next.when.After(now) {
			return next.when, false
		}
		heap.Pop(&s.expirations)

		e, ok := s.entries[next.key]
		if !ok || !e.expiresAt.Equal(next.when) {
			// Stale heap entry: the key was overwritten or deleted since
			// this expiration was scheduled.
			continue
		}
		delete(s.entries, next.key)
		metrics.IncReaperEviction()
		logging.L().Debug("store_key_expired", "key", next.key)
	}
	return time.Time{}, false
}
