package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type feedEntry struct {
	branches    map[string]int // branch -> number of subscriptions asking for it
	subscribers int
}

// Memory is an in-process Store. Branch values are copied on the way in;
// states handed to watchers share those copies and must not be mutated.
type Memory struct {
	emitMu sync.Mutex // serializes mutation+emission so events follow mutation order

	mu          sync.RWMutex
	branches    map[string]any
	footprints  map[string]Origin
	feeds       map[string]*feedEntry
	commands    map[string]Handler
	watchers    map[uint64]func(Event)
	nextWatcher uint64
}

func NewMemory() *Memory {
	m := &Memory{
		branches:   make(map[string]any),
		footprints: make(map[string]Origin),
		feeds:      make(map[string]*feedEntry),
		commands:   make(map[string]Handler),
		watchers:   make(map[uint64]func(Event)),
	}
	m.commands["warehouse.upsert"] = m.upsertCommand
	m.commands["warehouse.remove"] = m.removeCommand
	return m
}

func (m *Memory) Subscribe(_ context.Context, feed string, branches []string) (Unsubscribe, error) {
	if feed == "" {
		return nil, fmt.Errorf("subscribe: empty feed")
	}

	m.mu.Lock()
	entry, ok := m.feeds[feed]
	if !ok {
		entry = &feedEntry{branches: make(map[string]int)}
		m.feeds[feed] = entry
	}
	entry.subscribers++
	for _, b := range branches {
		entry.branches[b]++
	}
	m.mu.Unlock()

	wanted := append([]string(nil), branches...)
	var once sync.Once
	return func() {
		once.Do(func() { m.release(feed, wanted) })
	}, nil
}

func (m *Memory) release(feed string, branches []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.feeds[feed]
	if !ok {
		return
	}
	for _, b := range branches {
		if entry.branches[b]--; entry.branches[b] <= 0 {
			delete(entry.branches, b)
		}
	}
	if entry.subscribers--; entry.subscribers <= 0 {
		delete(m.feeds, feed)
	}
}

// Subscribers returns the number of live subscriptions on feed.
func (m *Memory) Subscribers(feed string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if entry, ok := m.feeds[feed]; ok {
		return entry.subscribers
	}
	return 0
}

func (m *Memory) Resend(_ context.Context, feed string) error {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.RLock()
	entry, ok := m.feeds[feed]
	var state State
	if ok {
		state = m.snapshot(entry)
	}
	m.mu.RUnlock()

	if !ok {
		return nil
	}
	m.emit(Event{Type: EventChanged, Feed: feed, State: state})
	return nil
}

// Get returns the current value of branch.
func (m *Memory) Get(branch string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.branches[branch]
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Footprint returns the origin of the last write to branch.
func (m *Memory) Footprint(branch string) (Origin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.footprints[branch]
	return o, ok
}

// Upsert sets branch to value and notifies every feed carrying it.
func (m *Memory) Upsert(ctx context.Context, branch string, value any) {
	m.write(ctx, branch, cloneValue(value), false)
}

// Remove deletes branch and notifies every feed carrying it.
func (m *Memory) Remove(ctx context.Context, branch string) {
	m.write(ctx, branch, nil, true)
}

func (m *Memory) write(ctx context.Context, branch string, value any, remove bool) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if remove {
		delete(m.branches, branch)
		delete(m.footprints, branch)
	} else {
		m.branches[branch] = value
		if o, ok := OriginFrom(ctx); ok {
			m.footprints[branch] = o
		} else {
			delete(m.footprints, branch)
		}
	}

	var changed []Event
	for _, feed := range sortedFeeds(m.feeds) {
		entry := m.feeds[feed]
		if _, ok := entry.branches[branch]; ok {
			changed = append(changed, Event{Type: EventChanged, Feed: feed, State: m.snapshot(entry)})
		}
	}
	info := Info{
		Source: "warehouse",
		Data: map[string]any{
			"branches": len(m.branches),
			"feeds":    len(m.feeds),
			"changed":  branch,
		},
	}
	m.mu.Unlock()

	for _, ev := range changed {
		m.emit(ev)
	}
	m.emit(Event{Type: EventStoreChanged, Info: info})
}

// snapshot must be called with mu held.
func (m *Memory) snapshot(entry *feedEntry) State {
	state := make(State, len(entry.branches))
	for b := range entry.branches {
		if v, ok := m.branches[b]; ok {
			state[b] = v
		}
	}
	return state
}

// Register adds or replaces a command handler.
func (m *Memory) Register(name string, h Handler) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	m.commands[name] = h
	m.mu.Unlock()

	m.emit(Event{Type: EventCommands})
}

func (m *Memory) CommandNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.commands))
	for name := range m.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) Dispatch(ctx context.Context, cmd Command) (any, error) {
	m.mu.RLock()
	h, ok := m.commands[cmd.Name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
	return h(ctx, cmd.Data)
}

// PublishInfo emits a store-wide diagnostic record.
func (m *Memory) PublishInfo(info Info) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.emit(Event{Type: EventStoreChanged, Info: info})
}

// PublishPerf emits a connectivity report.
func (m *Memory) PublishPerf(p Perf) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()
	m.emit(Event{Type: EventPerf, Perf: p})
}

func (m *Memory) Watch(fn func(Event)) (cancel func()) {
	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// emit must be called with emitMu held.
func (m *Memory) emit(ev Event) {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.watchers[id])
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Memory) upsertCommand(ctx context.Context, data map[string]any) (any, error) {
	branch, _ := data["branch"].(string)
	if branch == "" {
		return nil, fmt.Errorf("warehouse.upsert: missing branch")
	}
	m.Upsert(ctx, branch, data["data"])
	return branch, nil
}

func (m *Memory) removeCommand(ctx context.Context, data map[string]any) (any, error) {
	branch, _ := data["branch"].(string)
	if branch == "" {
		return nil, fmt.Errorf("warehouse.remove: missing branch")
	}
	m.Remove(ctx, branch)
	return branch, nil
}

func sortedFeeds(feeds map[string]*feedEntry) []string {
	names := make([]string, 0, len(feeds))
	for name := range feeds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
