/*
Package eventbus is the in-process bridge between the MQTT ingestion
callback and the HTTP live subscription streams. It is a typed
publish/subscribe registry keyed by device name and event category;
subscriptions are ephemeral and carry their own cancel function.
*/
package eventbus

import (
	"sync"
	"time"
)

// Topic addresses one stream of discrete events for one device.
type Topic struct {
	Device   string
	Category string
}

// Event is one discrete event as delivered to live subscribers.
type Event struct {
	Device    string    `json:"thingyName"`
	Category  string    `json:"type"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	topic Topic
	ch    chan Event
}

// Bus is a concurrency-safe in-process pub/sub registry.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber for topic with the given channel
// buffer. The returned cancel function deregisters the subscription
// and closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := &subscriber{topic: topic, ch: make(chan Event, buffer)}
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers event to all current subscribers of its topic. The
// delivery is non-blocking: a subscriber whose buffer is full misses
// the event rather than stalling the ingestion callback.
func (b *Bus) Publish(event Event) {
	topic := Topic{Device: event.Device, Category: event.Category}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions for
// topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if sub.topic == topic {
			n++
		}
	}
	return n
}
