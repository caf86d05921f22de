// Package feed keeps track of which store feed each window session is
// subscribed to and routes store notifications to the sessions.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/shellkit/wmd/internal/store"
)

// ErrDetached is returned when subscribing a sink that is not attached,
// or no longer is.
var ErrDetached = errors.New("sink not attached")

// Sink is the receiving end of a session.
type Sink interface {
	ID() string
	// Retarget is called, with the registry locked, before the sink starts
	// receiving a different feed. feed is empty when it receives none.
	Retarget(feed string)
	// Deliver hands over the full content of feed after a change.
	Deliver(feed string, state store.State)
	// Notify hands over a store-wide event (diagnostics, command registry,
	// connectivity).
	Notify(ev store.Event)
}

type subscription struct {
	feed        string
	unsubscribe store.Unsubscribe
}

// Registry holds at most one live store subscription per session. A single
// store watcher, shared by every session, feeds it.
type Registry struct {
	store store.Store

	mu     sync.RWMutex
	sinks  map[string]Sink
	subs   map[string]*subscription
	routes map[string]map[string]Sink // feed -> session id -> sink

	startOnce   sync.Once
	cancelWatch func()
}

func NewRegistry(s store.Store) *Registry {
	return &Registry{
		store:  s,
		sinks:  make(map[string]Sink),
		subs:   make(map[string]*subscription),
		routes: make(map[string]map[string]Sink),
	}
}

// Start registers the global store watcher. Only the first call has an
// effect.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		cancel := r.store.Watch(r.route)
		r.mu.Lock()
		r.cancelWatch = cancel
		r.mu.Unlock()
	})
}

// Close removes the global store watcher. Per-session subscriptions are
// left to their owners.
func (r *Registry) Close() {
	r.mu.Lock()
	cancel := r.cancelWatch
	r.cancelWatch = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Attach makes sink receive store-wide events without subscribing it to a
// feed.
func (r *Registry) Attach(sink Sink) {
	r.mu.Lock()
	r.sinks[sink.ID()] = sink
	r.mu.Unlock()
}

// Subscribe points an attached sink at feed. Subscribing again to the
// current feed is a no-op. Otherwise the previous subscription is released
// before the new one is made, so once Subscribe returns no event of the old
// feed reaches the sink. A sink released by UnsubscribeAll is refused.
func (r *Registry) Subscribe(ctx context.Context, sink Sink, feed string, branches []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := sink.ID()
	if _, ok := r.sinks[id]; !ok {
		return fmt.Errorf("subscribe %s: %w", id, ErrDetached)
	}
	if cur, ok := r.subs[id]; ok {
		if cur.feed == feed {
			return nil
		}
		r.release(id, cur)
	}

	sink.Retarget(feed)
	unsubscribe, err := r.store.Subscribe(ctx, feed, branches)
	if err != nil {
		sink.Retarget("")
		return fmt.Errorf("subscribe %s: %w", feed, err)
	}

	r.subs[id] = &subscription{feed: feed, unsubscribe: unsubscribe}
	if r.routes[feed] == nil {
		r.routes[feed] = make(map[string]Sink)
	}
	r.routes[feed][id] = sink
	glog.V(1).Infof("%s: subscribed to %s %v", id, feed, branches)
	return nil
}

// UnsubscribeAll releases the session's subscription and stops routing
// anything to it.
func (r *Registry) UnsubscribeAll(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.subs[id]; ok {
		r.release(id, cur)
	}
	delete(r.sinks, id)
}

// release must be called with mu held.
func (r *Registry) release(id string, sub *subscription) {
	delete(r.subs, id)
	if routes := r.routes[sub.feed]; routes != nil {
		delete(routes, id)
		if len(routes) == 0 {
			delete(r.routes, sub.feed)
		}
	}
	sub.unsubscribe()
	glog.V(1).Infof("%s: unsubscribed from %s", id, sub.feed)
}

// Feed returns the feed the session is subscribed to.
func (r *Registry) Feed(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return "", false
	}
	return sub.feed, true
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) route(ev store.Event) {
	// Delivery happens under the read lock: Subscribe and UnsubscribeAll
	// wait for in-flight deliveries before they return.
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ev.Type == store.EventChanged {
		for _, sink := range sorted(r.routes[ev.Feed]) {
			glog.V(2).Infof("%s changed -> %s", ev.Feed, sink.ID())
			sink.Deliver(ev.Feed, ev.State)
		}
		return
	}
	for _, sink := range sorted(r.sinks) {
		sink.Notify(ev)
	}
}

func sorted(sinks map[string]Sink) []Sink {
	ids := make([]string, 0, len(sinks))
	for id := range sinks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Sink, len(ids))
	for i, id := range ids {
		out[i] = sinks[id]
	}
	return out
}
