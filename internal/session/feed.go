package session

import (
	"log/slog"
	"sync"
)

// Feed fans change events out to subscribers. Subscribers only see events
// published after they subscribed.
type Feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ChangeEvent
}

// NewFeed creates a feed with no subscribers.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe registers a subscriber with the given channel buffer size and
// returns its channel and an unsubscribe function. The channel is closed on
// unsubscribe.
func (f *Feed) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan ChangeEvent, buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber without blocking. A subscriber whose
// buffer is full misses the event.
func (f *Feed) Publish(e ChangeEvent) {
	if e.Empty() {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("session change subscriber is full, dropping event", "subscriber", id)
		}
	}
}

// Subscribers returns the current subscriber count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
