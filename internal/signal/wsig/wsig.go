// Package wsig carries call signaling through a websocket relay, for
// networks where a gossipsub mesh can't form (restrictive NAT, no mDNS).
// The relay is dumb fan-out: clients subscribe to topic names and every
// publish is forwarded to the topic's current subscribers.
package wsig

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/callkit/internal/signal"
)

// frame is the single wire message both directions use.
type frame struct {
	Op    string `json:"op"` // "sub", "unsub", "pub", "msg"
	Topic string `json:"topic"`
	Data  []byte `json:"data,omitempty"`
}

const (
	opSub   = "sub"
	opUnsub = "unsub"
	opPub   = "pub"
	opMsg   = "msg"
)

// Transport is a websocket relay client.
type Transport struct {
	conn *websocket.Conn

	writeMu sync.Mutex // gorilla permits one concurrent writer

	mu     sync.Mutex
	subs   map[string]map[*wsSub]struct{}
	closed bool
	err    error
}

// Dial connects to a relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	t := &Transport{conn: conn, subs: make(map[string]map[*wsSub]struct{})}
	go t.readLoop()
	log.Printf("SIGNAL: connected to relay %s", url)
	return t, nil
}

func (t *Transport) readLoop() {
	for {
		var f frame
		if err := t.conn.ReadJSON(&f); err != nil {
			t.fail(fmt.Errorf("relay read: %w", err))
			return
		}
		if f.Op != opMsg {
			continue
		}
		t.mu.Lock()
		for s := range t.subs[f.Topic] {
			select {
			case s.ch <- signal.Message{Topic: f.Topic, Data: f.Data}:
			default:
				log.Printf("SIGNAL: subscriber for %q full, dropping message", f.Topic)
			}
		}
		t.mu.Unlock()
	}
}

// fail shuts the transport down after a connection error.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.err = err
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, set := range subs {
		for s := range set {
			s.once.Do(func() { close(s.ch) })
		}
	}
	_ = t.conn.Close()
	log.Printf("SIGNAL: relay connection lost: %v", err)
}

func (t *Transport) write(f frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(f)
}

// Publish sends data to every relay subscriber of topic.
func (t *Transport) Publish(_ context.Context, topic string, data []byte) error {
	t.mu.Lock()
	if t.closed {
		err := t.err
		t.mu.Unlock()
		if err == nil {
			err = errors.New("relay transport closed")
		}
		return err
	}
	t.mu.Unlock()
	return t.write(frame{Op: opPub, Topic: topic, Data: data})
}

type wsSub struct {
	t     *Transport
	topic string
	ch    chan signal.Message
	once  sync.Once
}

func (s *wsSub) C() <-chan signal.Message { return s.ch }

func (s *wsSub) Cancel() {
	s.once.Do(func() {
		s.t.mu.Lock()
		last := false
		if set, ok := s.t.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.t.subs, s.topic)
				last = true
			}
		}
		closed := s.t.closed
		s.t.mu.Unlock()

		if last && !closed {
			_ = s.t.write(frame{Op: opUnsub, Topic: s.topic})
		}
		close(s.ch)
	})
}

// Subscribe attaches to topic on the relay.
func (t *Transport) Subscribe(topic string) (signal.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("relay transport closed")
	}
	s := &wsSub{t: t, topic: topic, ch: make(chan signal.Message, 64)}
	first := t.subs[topic] == nil
	if first {
		t.subs[topic] = make(map[*wsSub]struct{})
	}
	t.subs[topic][s] = struct{}{}
	t.mu.Unlock()

	if first {
		if err := t.write(frame{Op: opSub, Topic: topic}); err != nil {
			s.Cancel()
			return nil, err
		}
	}
	return s, nil
}

// Close drops the relay connection and every subscription.
func (t *Transport) Close() error {
	t.fail(errors.New("closed"))
	return nil
}
