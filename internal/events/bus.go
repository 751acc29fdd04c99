package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Bus is a lightweight pub/sub broker using channels. Publishing never
// blocks: a subscriber that falls behind loses messages, counted in Dropped.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan any)}
}

// Subscribe registers a listener for e and returns the channel and an
// unsubscribe function that closes it.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[e]
			for i, c := range subs {
				if c == ch {
					close(c)
					b.subs[e] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Listen calls fn for every payload published on any of topics until ctx
// is done. It blocks; run it in its own goroutine.
func (b *Bus) Listen(ctx context.Context, buffer int, fn func(Event, any), topics ...Event) {
	type tagged struct {
		e Event
		p any
	}
	merged := make(chan tagged, buffer)
	var wg sync.WaitGroup
	for _, topic := range topics {
		ch, unsub := b.Subscribe(topic, buffer)
		defer unsub()
		wg.Add(1)
		go func(topic Event, ch <-chan any) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case p, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- tagged{topic, p}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(topic, ch)
	}
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-merged:
			fn(m.e, m.p)
		}
	}
}

// Publish fans the payload out to subscribers without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
