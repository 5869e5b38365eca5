package signal

import (
	"context"
	"errors"
	"sync"
)

// Bus is an in-process Transport: every publish fans out to all current
// subscribers of the topic, including the publisher's own subscriptions.
// Used by tests and by single-machine loopback setups.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*busSub]struct{} // topic -> subscribers
	closed bool
}

type busSub struct {
	bus    *Bus
	topic  string
	ch     chan Message
	cancel sync.Once
}

func (s *busSub) C() <-chan Message { return s.ch }

func (s *busSub) Cancel() {
	s.cancel.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[*busSub]struct{})}
}

// Publish delivers data to every subscriber of topic.  A subscriber whose
// buffer is full is skipped rather than blocking the publisher — slow
// consumers drop, the call core tolerates at-least-once semantics, not
// guaranteed delivery.
func (b *Bus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("signal bus closed")
	}
	for s := range b.subs[topic] {
		select {
		case s.ch <- Message{Topic: topic, Data: data}:
		default:
		}
	}
	return nil
}

// Subscribe attaches to topic with a buffered channel.
func (b *Bus) Subscribe(topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("signal bus closed")
	}
	s := &busSub{bus: b, topic: topic, ch: make(chan Message, 64)}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*busSub]struct{})
	}
	b.subs[topic][s] = struct{}{}
	return s, nil
}

// Close cancels all subscriptions and rejects further use.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*busSub, 0)
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*busSub]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.cancel.Do(func() { close(s.ch) })
	}
	return nil
}
