package session

import (
	"sync"

	"github.com/heyalexchoi/tenex-better-perplexity/internal/event"
)

// broadcaster fans one run's canonical events out to live subscribers.
// Non-terminal events are dropped for subscribers that cannot keep up; the
// terminal event is retained so a draining subscriber can always observe it
// even if its channel closed before delivery.
type broadcaster struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]chan event.Event
	terminal *event.Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: map[int]chan event.Event{}}
}

func (b *broadcaster) subscribe() (<-chan event.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan event.Event, 64)
	if b.terminal != nil {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *broadcaster) publish(evt event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal != nil {
		return
	}

	if evt.Terminal() {
		b.terminal = &evt
		for id, sub := range b.subs {
			select {
			case sub <- evt:
			default:
			}
			delete(b.subs, id)
			close(sub)
		}
		return
	}

	for _, sub := range b.subs {
		select {
		case sub <- evt:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func (b *broadcaster) terminalEvent() (event.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminal == nil {
		return event.Event{}, false
	}
	return *b.terminal, true
}
