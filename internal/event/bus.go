// SPDX-License-Identifier: MIT

// Package event provides the typed in-memory pub/sub bus the engine uses to
// broadcast playback events to the shell and UI. It is not durable and
// provides best-effort delivery.
package event

import (
	"sync"

	"github.com/telecast-tv/telecast/internal/playback"
)

// Topic identifies one class of engine event.
type Topic string

const (
	TopicStateChange  Topic = "stateChange"
	TopicTimeUpdate   Topic = "timeUpdate"
	TopicBufferUpdate Topic = "bufferUpdate"
	TopicTrackChange  Topic = "trackChange"
	TopicMediaLoaded  Topic = "mediaLoaded"
	TopicEnded        Topic = "ended"
	TopicError        Topic = "error"
)

// Payload is the event body. Exactly one field is set per topic.
type Payload struct {
	State *playback.State
	// PositionMs and BufferPercent carry time/buffer updates.
	PositionMs    int64
	BufferPercent float64
	// TrackKind is "audio" or "subtitle"; TrackID may be empty on
	// deactivation, Reason explains why.
	TrackKind string
	TrackID   string
	Reason    string
	// Descriptor accompanies mediaLoaded.
	Descriptor *playback.StreamDescriptor
	Err        *playback.Error
}

// Subscription is a handle on one topic subscription.
type Subscription struct {
	bus   *Bus
	topic Topic
	ch    chan Payload
	once  sync.Once
}

// C returns the read-only event channel.
func (s *Subscription) C() <-chan Payload {
	return s.ch
}

// Close unsubscribes and releases the channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.drop(s)
		close(s.ch)
	})
}

// Bus is an in-memory topic bus with non-blocking publish.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]*Subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]*Subscription)}
}

// Subscribe registers for a topic. The caller must Close the subscription
// when done.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{bus: b, topic: topic, ch: make(chan Payload, 64)}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers the payload to every subscriber of the topic. Slow
// subscribers are skipped rather than blocking the producer.
func (b *Bus) Publish(topic Topic, p Payload) {
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[topic]...)
	b.mu.RUnlock()
	for _, s := range subs {
		select {
		case s.ch <- p:
		default:
			// drop on backpressure to avoid producer blockage
		}
	}
}

// Close drops every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[Topic][]*Subscription)
	b.mu.Unlock()
	for _, subs := range all {
		for _, s := range subs {
			s.once.Do(func() { close(s.ch) })
		}
	}
}

func (b *Bus) drop(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	lst := b.subs[sub.topic]
	out := lst[:0]
	for _, s := range lst {
		if s != sub {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		delete(b.subs, sub.topic)
	} else {
		b.subs[sub.topic] = out
	}
}
