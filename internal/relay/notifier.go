package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/transport"
)

// LostConnectionMessage is shown with the overlay when a horde reports
// none of its own.
const LostConnectionMessage = "The client has lost the connection with the server and attempts to reconnect..."

// StatusFromPerf turns a store connectivity report into the message sent to
// display surfaces.
func StatusFromPerf(p store.Perf) transport.ConnectionStatus {
	st := transport.ConnectionStatus{
		Horde:   p.Horde,
		Lag:     p.Lag,
		Delta:   p.Delta,
		Overlay: p.Overlay,
		Message: p.Message,
	}
	if st.Overlay && st.Message == "" {
		st.Message = LostConnectionMessage
	}
	return st
}

// Notifier pushes command registry and connectivity changes to one session.
// Changes arriving within the throttle window are coalesced: the registry
// is sent once and every horde at most once, with its latest status.
type Notifier struct {
	channel  func() transport.Channel // nil result: nowhere to send
	names    func() []string
	throttle time.Duration

	mu       sync.Mutex
	statuses map[string]transport.ConnectionStatus // latest per horde
	pending  map[string]bool
	registry bool
	timer    *time.Timer
	stopped  bool
}

// NewNotifier returns a notifier sending on whatever channel returns at
// flush time. names lists the current command registry.
func NewNotifier(channel func() transport.Channel, names func() []string, throttle time.Duration) *Notifier {
	return &Notifier{
		channel:  channel,
		names:    names,
		throttle: throttle,
		statuses: make(map[string]transport.ConnectionStatus),
		pending:  make(map[string]bool),
	}
}

// Perf records the status of a horde and schedules its delivery.
func (n *Notifier) Perf(p store.Perf) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.statuses[p.Horde] = StatusFromPerf(p)
	n.pending[p.Horde] = true
	n.schedule()
}

// Commands schedules delivery of the command registry.
func (n *Notifier) Commands() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.registry = true
	n.schedule()
}

// Announce sends the command registry and the status of every known horde
// right away. Hordes that never reported are announced healthy.
func (n *Notifier) Announce(hordes []string) {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	for _, h := range hordes {
		if _, ok := n.statuses[h]; !ok {
			n.statuses[h] = transport.ConnectionStatus{Horde: h}
		}
	}
	n.registry = true
	for h := range n.statuses {
		n.pending[h] = true
	}
	n.mu.Unlock()
	n.flush()
}

// schedule must be called with mu held; it releases it.
func (n *Notifier) schedule() {
	if n.throttle <= 0 {
		n.mu.Unlock()
		n.flush()
		return
	}
	if n.timer == nil {
		n.timer = time.AfterFunc(n.throttle, n.flush)
	}
	n.mu.Unlock()
}

func (n *Notifier) flush() {
	n.mu.Lock()
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	if n.stopped {
		n.mu.Unlock()
		return
	}
	registry := n.registry
	hordes := make([]string, 0, len(n.pending))
	for h := range n.pending {
		hordes = append(hordes, h)
	}
	sort.Strings(hordes)
	statuses := make([]transport.ConnectionStatus, len(hordes))
	for i, h := range hordes {
		statuses[i] = n.statuses[h]
	}
	n.registry = false
	n.pending = make(map[string]bool)
	n.mu.Unlock()

	ch := n.channel()
	if ch == nil {
		return
	}
	if registry {
		ch.SendCommandRegistry(n.names())
	}
	for _, st := range statuses {
		ch.SendConnectionStatus(st)
	}
}

// Status returns the latest known status of horde.
func (n *Notifier) Status(horde string) (transport.ConnectionStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.statuses[horde]
	return st, ok
}

// Stop drops anything pending. Later calls are ignored.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.pending = make(map[string]bool)
	n.registry = false
}
