// Package signal abstracts the broadcast signaling layer that carries call
// envelopes between participants.  Delivery is at-least-once per topic;
// messages from one sender arrive in order, no ordering is assumed across
// senders.  The call core only consumes this surface — concrete transports
// live in the pubsubsig and wsig subpackages, plus the in-process Bus here.
package signal

import "context"

// Message is one raw payload received on a subscribed topic.
type Message struct {
	Topic string
	Data  []byte
}

// Subscription is a live attachment to one topic.  Cancel is idempotent and
// closes C.
type Subscription interface {
	C() <-chan Message
	Cancel()
}

// Transport publishes and subscribes raw payloads on named topics.
type Transport interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (Subscription, error)
	Close() error
}
