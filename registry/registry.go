// Package registry keeps track of which connections are subscribed to which
// broadcast topic.
//
//	"weather" → [conn-a, conn-c]
//	"tick"    → [conn-b]
//	"*"       → [conn-d]          (wildcard: receives every broadcast)
//
// Delivery is best effort and at most once. A subscriber whose delivery
// attempt fails (full outbound queue, closed connection) is pruned from the
// topic it failed on; it is never retried.
package registry

import (
	"sort"
	"sync"
)

// Wildcard is the reserved topic that receives every broadcast.
const Wildcard = "*"

// Subscriber is a delivery handle into one connection's outbound path.
// TrySend must not block.
type Subscriber interface {
	ID() string
	TrySend(msg []byte) error
}

// Failure records a delivery attempt that pruned a subscriber.
type Failure struct {
	Topic string
	ID    string
	Err   error
}

// Registry maps topics to subscribers. Locks are held only to read or mutate
// the map, never while delivering.
type Registry struct {
	mu     sync.Mutex
	topics map[string][]Subscriber
}

func New() *Registry {
	return &Registry{topics: make(map[string][]Subscriber)}
}

// Subscribe adds sub under topic. It returns false if sub was already there.
func (r *Registry) Subscribe(topic string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.topics[topic] {
		if s.ID() == sub.ID() {
			return false
		}
	}
	r.topics[topic] = append(r.topics[topic], sub)
	return true
}

// Unsubscribe removes sub from topic and reports whether it was subscribed.
func (r *Registry) Unsubscribe(topic string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(topic, sub.ID())
}

// RemoveAll drops sub from every topic, returning how many entries went away.
func (r *Registry) RemoveAll(sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for topic := range r.topics {
		if r.remove(topic, sub.ID()) {
			n++
		}
	}
	return n
}

func (r *Registry) remove(topic, id string) bool {
	subs := r.topics[topic]
	for i, s := range subs {
		if s.ID() != id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(r.topics, topic)
		} else {
			r.topics[topic] = subs
		}
		return true
	}
	return false
}

type target struct {
	topic string
	sub   Subscriber
}

// Publish hands msg to every subscriber of topic and of the wildcard topic.
// A subscriber present under both receives msg once. It returns the number
// of successful deliveries and the subscribers that were pruned.
func (r *Registry) Publish(topic string, msg []byte) (int, []Failure) {
	r.mu.Lock()
	seen := make(map[string]struct{})
	var targets []target
	collect := func(t string) {
		for _, s := range r.topics[t] {
			if _, ok := seen[s.ID()]; ok {
				continue
			}
			seen[s.ID()] = struct{}{}
			targets = append(targets, target{topic: t, sub: s})
		}
	}
	collect(topic)
	if topic != Wildcard {
		collect(Wildcard)
	}
	r.mu.Unlock()

	delivered := 0
	var failures []Failure
	for _, t := range targets {
		if err := t.sub.TrySend(msg); err != nil {
			failures = append(failures, Failure{Topic: t.topic, ID: t.sub.ID(), Err: err})
			continue
		}
		delivered++
	}

	if len(failures) > 0 {
		r.mu.Lock()
		for _, f := range failures {
			r.remove(f.Topic, f.ID)
		}
		r.mu.Unlock()
	}
	return delivered, failures
}

// Count returns the number of subscribers of topic.
func (r *Registry) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Topics returns the topics that currently have subscribers, sorted.
func (r *Registry) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := make([]string, 0, len(r.topics))
	for t := range r.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Clear drops every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = make(map[string][]Subscriber)
}
