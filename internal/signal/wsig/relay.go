package wsig

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay is the fan-out server side of the websocket transport.  It keeps no
// message history: a publish reaches whoever is subscribed at that moment,
// which matches the at-least-once, live-only contract of the signaling layer.
type Relay struct {
	mu     sync.Mutex
	topics map[string]map[*relayClient]struct{}
}

type relayClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	topics  map[string]struct{}
}

func (c *relayClient) send(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

// NewRelay creates an empty relay.  Mount its Handler on an HTTP mux.
func NewRelay() *Relay {
	return &Relay{topics: make(map[string]map[*relayClient]struct{})}
}

// Handler upgrades the request and serves the client until it disconnects.
func (r *Relay) Handler(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("RELAY: upgrade: %v", err)
		return
	}
	c := &relayClient{conn: conn, topics: make(map[string]struct{})}
	defer r.drop(c)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case opSub:
			r.subscribe(c, f.Topic)
		case opUnsub:
			r.unsubscribe(c, f.Topic)
		case opPub:
			r.fanout(c, f.Topic, f.Data)
		}
	}
}

func (r *Relay) subscribe(c *relayClient, topic string) {
	if topic == "" {
		return
	}
	r.mu.Lock()
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[*relayClient]struct{})
	}
	r.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) unsubscribe(c *relayClient, topic string) {
	r.mu.Lock()
	if set, ok := r.topics[topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
	delete(c.topics, topic)
	r.mu.Unlock()
}

// fanout forwards a publish to every subscriber of topic, the publisher
// included when it subscribed itself — same loopback the gossipsub path has.
func (r *Relay) fanout(_ *relayClient, topic string, data []byte) {
	r.mu.Lock()
	targets := make([]*relayClient, 0, len(r.topics[topic]))
	for sub := range r.topics[topic] {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	for _, sub := range targets {
		if err := sub.send(frame{Op: opMsg, Topic: topic, Data: data}); err != nil {
			log.Printf("RELAY: forward on %q: %v", topic, err)
		}
	}
}

func (r *Relay) drop(c *relayClient) {
	r.mu.Lock()
	for topic := range c.topics {
		if set, ok := r.topics[topic]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	r.mu.Unlock()
	_ = c.conn.Close()
}
