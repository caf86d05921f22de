package transport

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// Renderer is the in-process display surface of a native window: Send
// posts a message on one of its named channels.
type Renderer interface {
	Send(channel string, payload any) error
}

// Local delivers messages synchronously to a Renderer in the same process.
type Local struct {
	sender
	target Renderer
	closed atomic.Bool
}

func NewLocal(name string, target Renderer) *Local {
	l := &Local{target: target}
	l.sender = sender{name: name, d: l}
	return l
}

func (l *Local) deliver(t MessageType, msg any) error {
	if l.closed.Load() {
		return ErrClosed
	}
	payload, err := Clone(msg)
	if err != nil {
		return fmt.Errorf("clone: %w", err)
	}
	return l.target.Send(string(t), payload)
}

func (l *Local) Close() error {
	l.closed.Store(true)
	return nil
}

// Bus is the in-process channel registry display surfaces post their
// requests on. Channel names are scoped per window, see InboundChannel.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]func(payload any)
	next     uint64
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[string]map[uint64]func(any))}
}

// InboundChannel names the bus channel carrying t for window wid.
func InboundChannel(wid string, t MessageType) string {
	return wid + "-" + string(t)
}

// On registers fn on channel. The returned func removes it.
func (b *Bus) On(channel string, fn func(payload any)) (off func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[uint64]func(any))
	}
	b.handlers[channel][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[channel], id)
			if len(b.handlers[channel]) == 0 {
				delete(b.handlers, channel)
			}
		})
	}
}

// Emit hands a clone of payload to every handler of channel, in
// registration order, and returns how many handlers got it.
func (b *Bus) Emit(channel string, payload any) int {
	b.mu.RLock()
	hs := b.handlers[channel]
	ids := make([]uint64, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(any), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, hs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		payload, err := Clone(payload)
		if err != nil {
			glog.Warningf("bus %s: clone failed: %v", channel, err)
			return 0
		}
		fn(payload)
	}
	return len(fns)
}

// Listeners returns the number of handlers on channel.
func (b *Bus) Listeners(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[channel])
}

// Bind routes the inbound requests of window wid to in until off is called.
// Requests are queued and handled in order on a goroutine of their own, so
// a renderer may post them from inside a Send.
func (b *Bus) Bind(wid string, in Inbound) (off func()) {
	box := newInbox()
	go box.drain()

	var offs []func()
	for _, t := range InboundTypes() {
		t := t
		offs = append(offs, b.On(InboundChannel(wid, t), func(payload any) {
			box.push(func() {
				decode := func(v any) error {
					if payload == nil {
						return nil
					}
					return cloneInto(payload, v)
				}
				if err := dispatch(in, t, decode); err != nil {
					glog.Warningf("%s: bad %s request: %v", wid, t, err)
				}
			})
		}))
	}
	return func() {
		for _, off := range offs {
			off()
		}
		box.close()
	}
}

// inbox is an unbounded FIFO of requests drained by one goroutine. push
// never blocks.
type inbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (b *inbox) push(fn func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, fn)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) next() (func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || len(b.queue) == 0 {
		return nil, false
	}
	fn := b.queue[0]
	b.queue[0] = nil
	b.queue = b.queue[1:]
	return fn, true
}

func (b *inbox) drain() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		for fn, ok := b.next(); ok; fn, ok = b.next() {
			fn()
		}
	}
}

// close drops whatever is still queued and stops the drain goroutine.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.queue = nil
	close(b.done)
}
