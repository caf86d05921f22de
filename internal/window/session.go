package window

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/shellkit/wmd/internal/host"
	"github.com/shellkit/wmd/internal/patch"
	"github.com/shellkit/wmd/internal/relay"
	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/transport"
)

var (
	ErrNotFound = errors.New("window not found")
	ErrDisposed = errors.New("window disposed")
)

// Info is a point-in-time view of a session.
type Info struct {
	ID        string      `json:"id"`
	State     State       `json:"state"`
	LabID     string      `json:"labId,omitempty"`
	Feed      string      `json:"feed,omitempty"`
	Remote    bool        `json:"remote"`
	Attached  bool        `json:"attached"`
	Bounds    host.Bounds `json:"bounds"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Session is the server side of one window: its lifecycle, its feed
// subscription and the diff baseline of its display surface.
type Session struct {
	id              string
	labID           string
	clientSessionID string
	remote          bool
	createdAt       time.Time

	m        *Manager
	window   host.Window
	tracker  *patch.Tracker
	notifier *relay.Notifier
	cleanup  scope
	ctx      context.Context
	cancel   context.CancelFunc

	// sendMu orders deliveries against channel swaps, so that an update
	// computed for one peer is never sent to the next.
	sendMu sync.Mutex

	mu          sync.Mutex
	state       State
	channel     transport.Channel
	feed        string
	loaded      bool
	connections int
	grace       *time.Timer
	ready       chan struct{}
	done        chan struct{}
}

func newSession(m *Manager, id string, opts CreateOptions, remote bool) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:              id,
		labID:           opts.LabID,
		clientSessionID: opts.ClientSessionID,
		remote:          remote,
		createdAt:       time.Now(),
		m:               m,
		tracker:         patch.NewTracker(),
		ctx:             ctx,
		cancel:          cancel,
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
	}
	s.notifier = relay.NewNotifier(s.servingChannel, m.store.CommandNames, m.opts.StatusThrottle)
	s.cleanup.Defer(s.dropChannel)
	s.cleanup.Defer(cancel)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the attached transport, nil while none is.
func (s *Session) Channel() transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// servingChannel is Channel, but nil until the session is ready. Whatever
// a renderer missed before that is caught up by the announce on ready.
func (s *Session) servingChannel() transport.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Serving() {
		return nil
	}
	return s.channel
}

func (s *Session) Feed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed
}

func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:        s.id,
		State:     s.state,
		LabID:     s.labID,
		Feed:      s.feed,
		Remote:    s.remote,
		Attached:  s.channel != nil,
		CreatedAt: s.createdAt,
	}
	w := s.window
	s.mu.Unlock()
	if w != nil {
		info.Bounds = w.Bounds()
	}
	return info
}

// WaitReady blocks until the session is Ready, is disposed or ctx is done.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrDisposed
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the session is disposed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) origin() store.Origin {
	return store.Origin{
		SessionID:       s.id,
		WindowID:        s.id,
		LabID:           s.labID,
		ClientSessionID: s.clientSessionID,
	}
}

// moveLocked must be called with mu held.
func (s *Session) moveLocked(next State) bool {
	if !s.state.CanMove(next) {
		return false
	}
	glog.V(1).Infof("%s: %s -> %s", s.id, s.state, next)
	s.state = next
	switch next {
	case Ready:
		close(s.ready)
	case Disposed:
		close(s.done)
	}
	return true
}

func (s *Session) startLoading(url string) error {
	s.mu.Lock()
	if !s.moveLocked(Loading) {
		s.mu.Unlock()
		return ErrDisposed
	}
	w := s.window
	s.mu.Unlock()
	return w.LoadURL(url)
}

// loadFinished handles the window's "content finished loading" signal.
func (s *Session) loadFinished() {
	s.mu.Lock()
	s.loaded = true
	ready := s.becomeReadyLocked()
	s.mu.Unlock()
	if ready {
		s.onReady()
	}
}

// becomeReadyLocked moves a loading session to Ready once its content is
// loaded and a channel is attached.
func (s *Session) becomeReadyLocked() bool {
	if s.state != Loading || !s.loaded || s.channel == nil {
		return false
	}
	return s.moveLocked(Ready)
}

func (s *Session) onReady() {
	glog.Infof("%s: ready", s.id)
	s.tracker.Invalidate()
	s.notifier.Announce(s.m.opts.Hordes)
	if feed := s.Feed(); feed != "" {
		if err := s.m.store.Resend(s.ctx, feed); err != nil {
			glog.Warningf("%s: resend %s: %v", s.id, feed, err)
		}
	}
}

// attach makes ch the session's channel. The first channel of a loaded
// session completes its setup; later ones trigger a resend.
func (s *Session) attach(ch transport.Channel) error {
	s.sendMu.Lock()
	s.mu.Lock()
	if !s.state.Live() {
		s.mu.Unlock()
		s.sendMu.Unlock()
		ch.Close()
		return ErrDisposed
	}
	old := s.channel
	s.channel = ch
	s.connections++
	n := s.connections
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	ready := s.becomeReadyLocked()
	serving := !ready && s.state.Serving()
	s.mu.Unlock()
	s.tracker.Invalidate()
	s.sendMu.Unlock()

	if old != nil && old != ch {
		old.Close()
	}
	glog.V(1).Infof("%s: channel attached (connection %d)", s.id, n)
	switch {
	case ready:
		s.onReady()
	case serving:
		return s.resend(s.ctx)
	}
	return nil
}

// detach forgets ch if it is still the session's channel. Without a new
// channel within the reconnect grace period the session is deleted.
func (s *Session) detach(ch transport.Channel) {
	s.sendMu.Lock()
	s.mu.Lock()
	if s.channel != ch {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return
	}
	s.channel = nil
	live := s.state.Live()
	grace := s.m.opts.ReconnectGrace
	if live && grace > 0 {
		s.grace = time.AfterFunc(grace, s.expire)
	}
	s.mu.Unlock()
	s.tracker.Invalidate()
	s.sendMu.Unlock()

	glog.V(1).Infof("%s: channel detached", s.id)
	if live && grace <= 0 {
		s.expire()
	}
}

func (s *Session) expire() {
	s.mu.Lock()
	gone := s.channel == nil && s.state.Live()
	s.grace = nil
	s.mu.Unlock()
	if gone {
		glog.Infof("%s: peer did not come back, closing", s.id)
		s.m.Delete(s.id)
	}
}

func (s *Session) dropChannel() {
	s.sendMu.Lock()
	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.feed = ""
	s.mu.Unlock()
	s.tracker.Reset()
	s.sendMu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

// dispose unwinds everything the session acquired. Only the first call
// has an effect.
func (s *Session) dispose() bool {
	s.mu.Lock()
	if !s.moveLocked(Closing) {
		s.mu.Unlock()
		return false
	}
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.mu.Unlock()

	s.cleanup.Release()

	s.mu.Lock()
	s.moveLocked(Disposed)
	s.mu.Unlock()
	glog.Infof("%s: disposed", s.id)
	return true
}

// Retarget implements feed.Sink. The display surface's baseline belongs to
// the previous feed, so the next update is a full one.
func (s *Session) Retarget(feed string) {
	s.mu.Lock()
	s.feed = feed
	s.mu.Unlock()
	s.tracker.Invalidate()
}

// Deliver implements feed.Sink.
func (s *Session) Deliver(feed string, state store.State) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	ch := s.channel
	ok := s.state.Serving() && s.feed == feed && ch != nil
	s.mu.Unlock()
	if !ok {
		return
	}

	glog.V(2).Infof("%s: %s changed", s.id, feed)
	if !s.tracker.NextFunc(state, ch.SendState) {
		return
	}
	s.mu.Lock()
	if s.state == Ready {
		s.moveLocked(Active)
	}
	s.mu.Unlock()
}

// Notify implements feed.Sink.
func (s *Session) Notify(ev store.Event) {
	switch ev.Type {
	case store.EventCommands:
		s.notifier.Commands()
	case store.EventPerf:
		s.notifier.Perf(ev.Perf)
	case store.EventStoreChanged:
		s.mu.Lock()
		ch := s.channel
		serving := s.state.Serving()
		s.mu.Unlock()
		if ch != nil && serving {
			ch.SendBackendInfo(ev.Info.Source, ev.Info.Data)
		}
	}
}

// resend forces a full update of the active feed and re-announces the
// command registry and horde statuses.
func (s *Session) resend(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.Live() {
		s.mu.Unlock()
		return ErrDisposed
	}
	feed := s.feed
	s.mu.Unlock()

	s.tracker.Invalidate()
	if feed != "" {
		if err := s.m.store.Resend(ctx, feed); err != nil {
			return err
		}
	}
	s.notifier.Announce(s.m.opts.Hordes)
	if ch := s.Channel(); ch != nil {
		ch.SendBeginRender(s.labID)
	}
	return nil
}

// beginRender brings the display surface up to date with the active feed
// and tells it to start rendering.
func (s *Session) beginRender(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.Live() {
		s.mu.Unlock()
		return ErrDisposed
	}
	feed := s.feed
	s.mu.Unlock()

	if feed != "" {
		if err := s.m.store.Resend(ctx, feed); err != nil {
			return err
		}
	}
	if ch := s.Channel(); ch != nil {
		ch.SendBeginRender(s.labID)
	}
	return nil
}

func (s *Session) run(cmd store.Command) {
	s.m.relay.Run(s.ctx, s.origin(), cmd)
}

// Quest implements transport.Inbound.
func (s *Session) Quest(cmd store.Command) {
	s.run(cmd)
}

// Resend implements transport.Inbound.
func (s *Session) Resend() {
	if err := s.resend(s.ctx); err != nil && !errors.Is(err, ErrDisposed) {
		glog.Warningf("%s: resend: %v", s.id, err)
	}
}

// DataTransfer implements transport.Inbound.
func (s *Session) DataTransfer(data map[string]any) {
	s.run(relay.DataTransfer(s.origin(), s.Feed(), data))
}

// SetLang implements transport.Inbound.
func (s *Session) SetLang(data map[string]any) {
	s.run(relay.SetLocale(s.origin(), s.Feed(), data))
}

// live returns the channel and window of a session that is not being torn
// down. ok is false otherwise.
func (s *Session) live() (transport.Channel, host.Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Live() || s.window == nil || s.window.IsDestroyed() {
		return nil, nil, false
	}
	return s.channel, s.window, true
}

func (s *Session) nav(route string) {
	if ch, _, ok := s.live(); ok && ch != nil {
		ch.SendRoute(route)
	}
}

func (s *Session) dispatch(action any) {
	if ch, _, ok := s.live(); ok && ch != nil {
		ch.SendAction(action)
	}
}

func (s *Session) moveToFront() {
	if _, w, ok := s.live(); ok {
		w.MoveToFront()
	}
}

func (s *Session) bounds() (host.Bounds, bool) {
	if _, w, ok := s.live(); ok {
		return w.Bounds(), true
	}
	return host.Bounds{}, false
}

func (s *Session) setBounds(b host.Bounds) {
	if _, w, ok := s.live(); ok {
		w.SetBounds(b)
	}
}
