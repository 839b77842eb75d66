// Package broadcast implements publish/subscribe fan-out of byte
// payloads to an open set of subscribers. The media broadcaster carries
// JPEG frames, the event broadcaster carries pre-serialized JSON events;
// the mechanics are identical, so both are instances of one type.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/sitesight/visionrelay/internal/logger"
)

// Sink receives one published payload. A Sink returning an error is
// removed from the broadcaster after the current publish completes; a
// slow sink should drop the payload and return nil instead (see
// SubscribeChan), which keeps delivery best-effort without eviction.
type Sink func(payload []byte) error

type subscriber struct {
	mu       sync.Mutex // serializes sink calls from concurrent publishers
	sink     Sink
	onRemove func()
}

// Broadcaster fans every published payload out to all current
// subscribers. Delivery is best-effort, at-most-once per live
// subscriber: a failing sink is removed, the rest are unaffected.
type Broadcaster struct {
	name        string
	retainLast  bool
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	latest      []byte
	closed      bool

	published atomic.Uint64
	removed   atomic.Uint64
}

// New returns a Broadcaster. When retainLast is set, the most recent
// payload is replayed to each new subscriber on Subscribe so media
// viewers see a frame immediately on connect.
func New(name string, retainLast bool) *Broadcaster {
	return &Broadcaster{
		name:        name,
		retainLast:  retainLast,
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe registers a sink and returns its subscription id.
func (b *Broadcaster) Subscribe(sink Sink) int {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{sink: sink}
	if !b.closed {
		b.subscribers[id] = sub
	}
	latest := b.latest
	total := len(b.subscribers)
	b.mu.Unlock()

	logger.Debug(b.name, "subscriber #%d added (total: %d)", id, total)

	if b.retainLast && latest != nil {
		sub.mu.Lock()
		err := sub.sink(latest)
		sub.mu.Unlock()
		if err != nil {
			b.Unsubscribe(id)
		}
	}
	return id
}

// SubscribeChan registers a buffered channel subscriber and returns its
// id plus the receive side. Payloads are dropped (not queued, not fatal)
// when the channel is full. The channel is closed on Unsubscribe.
func (b *Broadcaster) SubscribeChan(buffer int) (int, <-chan []byte) {
	if buffer <= 0 {
		buffer = 2
	}
	ch := make(chan []byte, buffer)
	var once sync.Once
	id := b.Subscribe(func(payload []byte) error {
		select {
		case ch <- payload:
		default:
			// Subscriber too slow, skip this payload for it.
		}
		return nil
	})

	b.mu.Lock()
	if sub, ok := b.subscribers[id]; ok {
		sub.onRemove = func() { once.Do(func() { close(ch) }) }
	} else {
		once.Do(func() { close(ch) })
	}
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber. Safe to call for ids already removed
// by a publish failure.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	total := len(b.subscribers)
	b.mu.Unlock()

	if ok {
		if sub.onRemove != nil {
			sub.onRemove()
		}
		logger.Debug(b.name, "subscriber #%d removed (remaining: %d)", id, total)
	}
}

// Publish delivers payload to every current subscriber. Sinks that
// return an error are removed after delivery to the others completes;
// removal never aborts the iteration.
func (b *Broadcaster) Publish(payload []byte) {
	b.published.Add(1)

	b.mu.Lock()
	if b.retainLast {
		b.latest = payload
	}
	snapshot := make(map[int]*subscriber, len(b.subscribers))
	for id, sub := range b.subscribers {
		snapshot[id] = sub
	}
	b.mu.Unlock()

	var failed []int
	for id, sub := range snapshot {
		sub.mu.Lock()
		err := sub.sink(payload)
		sub.mu.Unlock()
		if err != nil {
			logger.Debug(b.name, "subscriber #%d delivery failed, removing: %v", id, err)
			failed = append(failed, id)
		}
	}

	for _, id := range failed {
		b.removed.Add(1)
		b.Unsubscribe(id)
	}
}

// SubscriberCount reports the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Published reports the number of Publish calls.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Removed reports subscribers evicted due to delivery failures.
func (b *Broadcaster) Removed() uint64 { return b.removed.Load() }

// Close removes all subscribers and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.onRemove != nil {
			sub.onRemove()
		}
	}
	logger.Debug(b.name, "closed with %d subscribers flushed", len(subs))
}
