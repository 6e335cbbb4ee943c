package transcript

import (
	"sync"

	"github.com/telehealth-voice-lab/internal/logging"
	"github.com/telehealth-voice-lab/internal/metrics"
)

// Broadcaster fans entries out to every open Subscription. Publish never
// blocks: a subscriber whose channel is full misses that entry.
type Broadcaster struct {
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBroadcaster(m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{metrics: m, subs: make(map[*Subscription]struct{})}
}

// Subscription is a display surface's handle on the entry stream. Close it
// when the surface goes away.
type Subscription struct {
	b    *Broadcaster
	ch   chan Entry
	once sync.Once
}

func (s *Subscription) C() <-chan Entry { return s.ch }

func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.b.subs, s)
		close(s.ch)
	})
}

// Subscribe registers a subscriber with the given channel capacity. After
// the broadcaster is closed the returned subscription is already closed.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	s := &Subscription{b: b, ch: make(chan Entry, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeLocked()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Broadcaster) Publish(e Entry) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.metrics.TranscriptDrop()
			logging.Warnw("transcript: subscriber full, dropping entry", "entry.seq", e.Seq)
		}
	}
}

// Subscribers reports the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeLocked()
	}
}
