package client

import (
	"encoding/json"
	"sync"

	"github.com/rkusa/dcs-jsonrpc/codec"
	"github.com/rkusa/dcs-jsonrpc/registry"
)

// Event is one broadcast received from the server.
type Event struct {
	Topic  string
	Params json.RawMessage

	codec codec.Codec
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	c := e.codec
	if c == nil {
		c = codec.Default
	}
	return c.Decode(e.Params, v)
}

// Subscription is a local stream of events for one topic, or for every topic
// when it was created for the wildcard.
//
// Events are queued without bound and handed to Events by a pump goroutine,
// so a slow consumer never stalls the connection's reader. The stream ends
// when the connection ends (after queued events were delivered) or when
// Close is called.
type Subscription struct {
	topic  string
	client *Client
	events chan Event
	signal chan struct{}
	stop   chan struct{}

	mu     sync.Mutex
	queue  []Event
	ended  bool
	closed bool

	stopOnce sync.Once
}

func newSubscription(c *Client, topic string) *Subscription {
	s := &Subscription{
		topic:  topic,
		client: c,
		events: make(chan Event),
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Topic returns the subscribed topic; registry.Wildcard for all topics.
func (s *Subscription) Topic() string {
	return s.topic
}

// Events returns the event stream. It is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close ends the stream and drops queued events. It does not tell the server;
// use Client.Unsubscribe for that.
func (s *Subscription) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.stop)
	})
	s.client.removeSubscription(s)
	return nil
}

func (s *Subscription) matches(topic string) bool {
	return s.topic == registry.Wildcard || s.topic == topic
}

// push queues ev. It reports false once the subscription no longer accepts
// events.
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
	return true
}

// finish lets the pump deliver what is queued and then close the stream.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.events)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		ended := s.ended
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.events <- ev:
			case <-s.stop:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if ended {
			return
		}
		select {
		case <-s.signal:
		case <-s.stop:
			return
		}
	}
}
