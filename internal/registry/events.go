package registry

import (
	"sync"
	"time"

	"rulecore/internal/logging"
)

// EventType identifies a registry change event.
type EventType string

const (
	EventRuleAdded     EventType = "rule_added"
	EventRuleUpdated   EventType = "rule_updated"
	EventRuleRemoved   EventType = "rule_removed"
	EventRulesReloaded EventType = "rules_reloaded"
	EventReloadFailed  EventType = "reload_failed"
)

// Event is one registry change notification. Subscribers observe events in
// the order they were published.
type Event struct {
	Type    EventType `json:"type"`
	RuleID  string    `json:"rule_id,omitempty"`
	Version uint64    `json:"version"`
	Time    time.Time `json:"time"`
	Err     string    `json:"error,omitempty"`
}

// Subscription is one subscriber's bounded event stream. A slow subscriber
// never blocks the writer: on overflow the oldest buffered event is dropped
// and counted.
type Subscription struct {
	id       int
	ch       chan Event
	registry *Registry

	mu      sync.Mutex
	dropped int64
	closed  bool
}

// C is the event channel. It is closed when the subscription is cancelled.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events this subscriber lost to overflow.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Cancel detaches the subscriber and closes its channel.
func (s *Subscription) Cancel() {
	s.registry.unsubscribe(s.id)
}

// Subscribe registers a change listener with a bounded buffer.
func (r *Registry) Subscribe() *Subscription {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.nextSubID++
	sub := &Subscription{
		id:       r.nextSubID,
		ch:       make(chan Event, r.bufferSize),
		registry: r,
	}
	r.subs[sub.id] = sub
	return sub
}

// SubscribeFunc registers a callback listener. A dedicated goroutine drains
// the subscriber's buffer and invokes the callback in publish order. The
// returned cancel function stops delivery.
func (r *Registry) SubscribeFunc(cb func(Event)) (cancel func()) {
	sub := r.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.ch {
			cb(ev)
		}
	}()
	return func() {
		sub.Cancel()
		<-done
	}
}

func (r *Registry) unsubscribe(id int) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return
	}
	delete(r.subs, id)
	sub.mu.Lock()
	sub.closed = true
	close(sub.ch)
	sub.mu.Unlock()
}

// publish fans an event out to every subscriber with drop-oldest overflow.
func (r *Registry) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, sub := range r.subs {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		for {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full: drop the oldest and retry.
				select {
				case <-sub.ch:
					sub.dropped++
					logging.Get(logging.CategoryRegistry).Warn(
						"subscriber %d buffer full; dropped oldest event (total dropped: %d)",
						sub.id, sub.dropped)
				default:
				}
				continue
			}
			break
		}
		sub.mu.Unlock()
	}
}
