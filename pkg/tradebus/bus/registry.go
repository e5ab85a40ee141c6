package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/marketdeck/tradebus/pkg/tradebus/event"
)

// subscription is one standing interest in an event type.
type subscription struct {
	id         string
	eventType  string
	handler    event.Handler
	async      bool
	priority   int // lower value = delivered first
	retryCount int // maximum retry attempts after the initial failure
}

// registry maps event types to priority-ordered subscription lists.
// Mutated only by Subscribe/Unsubscribe; workers read snapshots.
type registry struct {
	mu     sync.RWMutex
	byType map[string][]*subscription
	seq    atomic.Int64
}

func newRegistry() *registry {
	return &registry{byType: make(map[string][]*subscription)}
}

// add performs a sorted insert: the new subscription lands before the first
// existing entry with a strictly greater priority value, so entries of equal
// priority keep registration order.
func (r *registry) add(eventType string, handler event.Handler, async bool, priority, retryCount int) *subscription {
	sub := &subscription{
		id:         fmt.Sprintf("%s/%s#%d", eventType, handler.Name(), r.seq.Add(1)),
		eventType:  eventType,
		handler:    handler,
		async:      async,
		priority:   priority,
		retryCount: retryCount,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byType[eventType]
	pos := len(subs)
	for i, existing := range subs {
		if existing.priority > sub.priority {
			pos = i
			break
		}
	}

	subs = append(subs, nil)
	copy(subs[pos+1:], subs[pos:])
	subs[pos] = sub
	r.byType[eventType] = subs

	return sub
}

// remove deletes the first subscription matching id across all event types.
// Returns whether anything was removed.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for eventType, subs := range r.byType {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			r.byType[eventType] = append(subs[:i], subs[i+1:]...)
			if len(r.byType[eventType]) == 0 {
				delete(r.byType, eventType)
			}
			return true
		}
	}
	return false
}

// snapshot returns a copy of the subscription list for an event type.
// Workers iterate the copy so a concurrent subscribe/unsubscribe cannot
// change what an in-flight dispatch sees.
func (r *registry) snapshot(eventType string) []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.byType[eventType]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*subscription, len(subs))
	copy(out, subs)
	return out
}

// count returns the total number of subscriptions across all types.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, subs := range r.byType {
		n += len(subs)
	}
	return n
}

// clear drops every subscription. Called on bus shutdown; subscribers must
// re-subscribe after a restart.
func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType = make(map[string][]*subscription)
}
