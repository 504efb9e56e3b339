// Package registry tracks which live connections are subscribed to which
// topics and their last-acknowledged batch sequence per topic.
//
// Mutation (Subscribe, Unsubscribe, Ack) is serialized behind one mutex; the
// broadcast engine iterates over an immutable snapshot rebuilt on every
// mutation and published through an atomic.Value, so no lock is ever held
// across the network fan-out.
package registry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is an immutable view of one connection's interest set. Copies
// handed out in snapshots share nothing mutable with registry internals.
type Subscription struct {
	ConnID    string
	Topics    map[string]struct{}
	LastAcked map[string]int64
	CreatedAt time.Time
}

// Subscribed reports whether the subscription covers topic.
func (s Subscription) Subscribed(topic string) bool {
	_, ok := s.Topics[topic]
	return ok
}

type subscription struct {
	connID    string
	topics    map[string]struct{}
	lastAcked map[string]int64
	createdAt time.Time
}

// Registry owns all Subscription state.
type Registry struct {
	mu       sync.Mutex
	subs     map[string]*subscription
	snapshot atomic.Value // []Subscription
	now      func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{
		subs: make(map[string]*subscription),
		now:  time.Now,
	}
	r.snapshot.Store([]Subscription{})
	return r
}

// Subscribe registers connID for topics. Resume carries per-topic
// last-acknowledged sequences presented by a reconnecting client; entries for
// topics not in the subscription are ignored. Calling Subscribe again for a
// live connection adds topics (resubscribe).
func (r *Registry) Subscribe(connID string, topics []string, resume map[string]int64) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[connID]
	if !ok {
		sub = &subscription{
			connID:    connID,
			topics:    make(map[string]struct{}, len(topics)),
			lastAcked: make(map[string]int64, len(topics)),
			createdAt: r.now(),
		}
		r.subs[connID] = sub
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
		if seq, ok := resume[t]; ok && seq > sub.lastAcked[t] {
			sub.lastAcked[t] = seq
		}
	}

	view := sub.view()
	r.publishLocked()
	return view
}

// Drop removes topics from connID's subscription without destroying it.
func (r *Registry) Drop(connID string, topics []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[connID]
	if !ok {
		return
	}
	for _, t := range topics {
		delete(sub.topics, t)
		delete(sub.lastAcked, t)
	}
	r.publishLocked()
}

// Unsubscribe destroys connID's subscription entirely.
func (r *Registry) Unsubscribe(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[connID]; !ok {
		return
	}
	delete(r.subs, connID)
	r.publishLocked()
}

// Ack records that connID has acknowledged batch seq on topic. Acks are
// monotone; a lower or duplicate seq is a no-op. Acks for unknown connections
// or unsubscribed topics are ignored.
func (r *Registry) Ack(connID, topic string, seq int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[connID]
	if !ok {
		return
	}
	if _, ok := sub.topics[topic]; !ok {
		return
	}
	if seq > sub.lastAcked[topic] {
		sub.lastAcked[topic] = seq
		r.publishLocked()
	}
}

// ClampAck lowers connID's recorded acknowledgement on topic to at most max.
// Used when a reconnecting client presents a resume point above anything the
// topic has produced; the recorded sequence must never exceed what could have
// been delivered.
func (r *Registry) ClampAck(connID, topic string, max int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[connID]
	if !ok {
		return
	}
	if _, ok := sub.topics[topic]; !ok {
		return
	}
	if max < 0 {
		max = 0
	}
	if sub.lastAcked[topic] > max {
		sub.lastAcked[topic] = max
		r.publishLocked()
	}
}

// Snapshot returns the current immutable subscription list. Lock-free; safe
// to iterate while other goroutines mutate the registry.
func (r *Registry) Snapshot() []Subscription {
	return r.snapshot.Load().([]Subscription)
}

// Get returns the subscription for connID, if any.
func (r *Registry) Get(connID string) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[connID]
	if !ok {
		return Subscription{}, false
	}
	return sub.view(), true
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

func (r *Registry) publishLocked() {
	views := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		views = append(views, sub.view())
	}
	r.snapshot.Store(views)
}

func (s *subscription) view() Subscription {
	topics := make(map[string]struct{}, len(s.topics))
	for t := range s.topics {
		topics[t] = struct{}{}
	}
	acked := make(map[string]int64, len(s.lastAcked))
	for t, seq := range s.lastAcked {
		acked[t] = seq
	}
	return Subscription{
		ConnID:    s.connID,
		Topics:    topics,
		LastAcked: acked,
		CreatedAt: s.createdAt,
	}
}
