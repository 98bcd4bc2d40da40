package events

import "sync"

// Broadcaster fans events out to live subscribers. A subscriber that
// falls behind loses events rather than blocking the pass.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan *Event
	nextID int
	buffer int
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[int]chan *Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *Broadcaster) Subscribe() (<-chan *Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan *Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Emit implements Emitter.
func (b *Broadcaster) Emit(e *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
