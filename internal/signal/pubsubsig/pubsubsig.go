// Package pubsubsig carries call signaling over gossipsub.  Each signaling
// topic maps straight onto a pubsub topic; joined topic handles are cached
// because a gossipsub router allows only one Join per topic name.
package pubsubsig

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/petervdpas/callkit/internal/signal"
)

type Transport struct {
	ps *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	closed bool
}

// New wraps a gossipsub router as a signaling transport.
func New(ps *pubsub.PubSub) *Transport {
	return &Transport{ps: ps, topics: make(map[string]*pubsub.Topic)}
}

// topic returns the joined handle for name, joining on first use.
func (t *Transport) topic(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("pubsub transport closed")
	}
	if th, ok := t.topics[name]; ok {
		return th, nil
	}
	th, err := t.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("join topic %q: %w", name, err)
	}
	t.topics[name] = th
	return th, nil
}

// Publish broadcasts data on topic.
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	th, err := t.topic(topic)
	if err != nil {
		return err
	}
	return th.Publish(ctx, data)
}

type gossipSub struct {
	ch     chan signal.Message
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	once   sync.Once
}

func (s *gossipSub) C() <-chan signal.Message { return s.ch }

func (s *gossipSub) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.sub.Cancel()
	})
}

// Subscribe attaches to topic and pumps incoming messages until Cancel.
func (t *Transport) Subscribe(topic string) (signal.Subscription, error) {
	th, err := t.topic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := th.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe topic %q: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &gossipSub{ch: make(chan signal.Message, 64), sub: sub, cancel: cancel}

	go func() {
		defer close(s.ch)
		for {
			m, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case s.ch <- signal.Message{Topic: topic, Data: m.Data}:
			default:
				log.Printf("SIGNAL: subscriber for %q full, dropping message", topic)
			}
		}
	}()

	return s, nil
}

// Close leaves every joined topic.  The underlying host is owned elsewhere.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for name, th := range t.topics {
		if err := th.Close(); err != nil {
			log.Printf("SIGNAL: close topic %q: %v", name, err)
		}
	}
	t.topics = nil
	return nil
}
