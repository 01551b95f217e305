package engine

import (
	"sync"
)

// WildcardTopic subscribes to events for every task.
const WildcardTopic = "*"

// Broadcaster fans task state transitions out to subscribers, keyed by task
// id or the wildcard. There is no replay: a subscriber only observes events
// published after it subscribed.
//
// Delivery to a subscriber whose buffer is full is dropped for that
// subscriber; relative order of the events it does receive is preserved.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]chan TaskEvent
	nextID uint64
	closed bool
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[string]map[uint64]chan TaskEvent),
	}
}

// Subscribe registers interest in events for one task id, or all tasks when
// topic is WildcardTopic. It returns a receive channel and an unsubscribe
// function. bufSize defaults to 64 when <= 0.
func (b *Broadcaster) Subscribe(topic string, bufSize int) (<-chan TaskEvent, func()) {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan TaskEvent, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]chan TaskEvent)
	}
	b.subs[topic][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.closed {
			return
		}
		if set, ok := b.subs[topic]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the task's topic and to
// every wildcard subscriber. Publishing is serialized, so events published in
// order arrive in order on every subscriber channel.
func (b *Broadcaster) Publish(ev TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop for that subscriber.
		}
	}
	for _, ch := range b.subs[WildcardTopic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, set := range b.subs {
		for _, ch := range set {
			close(ch)
		}
	}
	b.subs = nil
}
