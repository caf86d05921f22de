package patch

import "sync"

// Tracker holds the diff baseline of one display surface. Calls to Next
// are serialized so that two changes never compute against the same
// baseline.
type Tracker struct {
	mu       sync.Mutex
	previous any
	needFull bool
}

// NewTracker returns a tracker whose first update is a full snapshot.
func NewTracker() *Tracker {
	return &Tracker{needFull: true}
}

// Next computes the update for state and makes state the new baseline.
// ok is false when nothing has to be sent. Full updates are always sent:
// they reset the receiver's baseline even when the value did not change.
func (t *Tracker) Next(state any) (u Update, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next(state)
}

// NextFunc is Next with send called while the baseline is still held, so
// that updates leave in the order they were computed.
func (t *Tracker) NextFunc(state any, send func(Update)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.next(state)
	if ok {
		send(u)
	}
	return ok
}

func (t *Tracker) next(state any) (Update, bool) {
	u := Compute(t.previous, state, t.needFull)
	t.previous = clone(state)
	t.needFull = false
	if !u.Full && u.Empty() {
		return u, false
	}
	return u, true
}

// Invalidate forces the next update to be a full snapshot.
func (t *Tracker) Invalidate() {
	t.mu.Lock()
	t.needFull = true
	t.mu.Unlock()
}

// NeedsFull reports whether the next update will be a full snapshot.
func (t *Tracker) NeedsFull() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.needFull
}

// Reset drops the baseline.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.previous = nil
	t.needFull = true
	t.mu.Unlock()
}
