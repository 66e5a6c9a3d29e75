// Package bus provides the in-process topic bus the daemon's components
// exchange events on, plus an optional MQTT bridge to external detectors
// and downstream consumers.
package bus

import (
	"reflect"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Canonical topics.
const (
	TopicCue      = "cue.directional"    // JSON search.Cue payloads in
	TopicSighting = "sighting.confirmed" // JSON search.Sighting payloads out
)

// Message is one bus event. Payloads are opaque bytes; producers and
// consumers agree on JSON per topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus fans messages out to per-topic subscribers. Publishing never blocks:
// a subscriber that falls behind loses messages, visible in Stats.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Message
	closed bool

	logger    *zap.Logger
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty bus.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]chan Message),
		logger: logger,
	}
}

// Subscribe returns a buffered channel receiving every message published
// to the topic. depth <= 0 gets the default buffer.
func (b *Bus) Subscribe(topic string, depth int) <-chan Message {
	if depth <= 0 {
		depth = 16
	}
	ch := make(chan Message, depth)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(topic string, ch <-chan Message) {
	if ch == nil {
		return
	}
	target := reflect.ValueOf(ch).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[topic]
	for i, sub := range list {
		if reflect.ValueOf(sub).Pointer() == target {
			b.subs[topic] = append(list[:i], list[i+1:]...)
			close(sub)
			return
		}
	}
}

// Publish delivers the payload to every subscriber of the topic. Safe to
// call from any goroutine; full subscribers are skipped, not waited on.
func (b *Bus) Publish(topic string, payload []byte) {
	msg := Message{Topic: topic, Payload: payload}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		select {
		case sub <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Publishes
// after Close are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, list := range b.subs {
		for _, sub := range list {
			close(sub)
		}
	}
	b.subs = nil
}

// Stats reports lifetime bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Stats holds bus counters.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
}
