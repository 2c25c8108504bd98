// Package eventbus is an in-process fanout for lifecycle signals. Metrics,
// the ops server and the debug log loop subscribe to it.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small, JSON-friendly signal.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus delivers without blocking the publisher. A subscriber whose buffer is
// full misses the event and the bus counts it in Dropped.
type Bus interface {
	Publish(e Event)
	// Subscribe receives every event whose type starts with one of topics,
	// or every event when none are given ("tick." matches all tick events).
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

func New() Bus {
	return &bus{}
}

type subscriber struct {
	ch     chan Event
	topics []string
}

func (s *subscriber) wants(typ string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, p := range s.topics {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type bus struct {
	mu      sync.RWMutex
	subs    []*subscriber
	dropped atomic.Uint64
}

func (b *bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *bus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, max(buffer, 8)), topics: topics}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() { once.Do(func() { b.remove(s) }) }
}

// remove closes under the write lock so no Publish is mid-send.
func (b *bus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			break
		}
	}
	close(s.ch)
}

func (b *bus) Dropped() uint64 { return b.dropped.Load() }

// Publish is a nil-safe helper.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
