// Package window runs the lifecycle of window sessions: native window
// creation, content loading, feed subscription, the display surface
// transport and disposal.
package window

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/shellkit/wmd/internal/feed"
	"github.com/shellkit/wmd/internal/host"
	"github.com/shellkit/wmd/internal/relay"
	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/transport"
)

const idPrefix = "wm@"

type Options struct {
	// ContentURL is the page loaded in every window.
	ContentURL string
	// SocketURL is the websocket endpoint handed to remote pages.
	SocketURL string
	Defaults  host.Options
	// UseWS makes remote transport the default for new windows.
	UseWS          bool
	LoadTimeout    time.Duration
	ReconnectGrace time.Duration
	StatusThrottle time.Duration
	// Hordes are announced to every display surface when it becomes ready.
	Hordes []string
}

// CreateOptions describes a window to open.
type CreateOptions struct {
	LabID           string       `json:"labId"`
	ClientSessionID string       `json:"clientSessionId,omitempty"`
	UseWS           *bool        `json:"useWS,omitempty"`
	Title           string       `json:"title,omitempty"`
	Width           int          `json:"width,omitempty"`
	Height          int          `json:"height,omitempty"`
	Bounds          *host.Bounds `json:"bounds,omitempty"`
}

// Manager owns every live session.
type Manager struct {
	opts     Options
	host     host.Host
	store    store.Store
	registry *feed.Registry
	relay    *relay.Relay
	bus      *transport.Bus

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(h host.Host, st store.Store, reg *feed.Registry, rl *relay.Relay, bus *transport.Bus, opts Options) *Manager {
	return &Manager{
		opts:     opts,
		host:     h,
		store:    st,
		registry: reg,
		relay:    rl,
		bus:      bus,
		sessions: make(map[string]*Session),
	}
}

func newID() string {
	return idPrefix + ulid.Make().String()
}

// Create opens a native window and starts loading its content. It returns
// as soon as loading has started; see Session.WaitReady.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	remote := m.opts.UseWS
	if opts.UseWS != nil {
		remote = *opts.UseWS
	}

	s := newSession(m, newID(), opts, remote)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("create window: manager closed")
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	if err := m.setup(s, opts); err != nil {
		m.Delete(s.id)
		return nil, fmt.Errorf("create window: %w", err)
	}
	glog.Infof("%s: created (lab %s, remote %t)", s.id, s.labID, remote)
	return s, nil
}

func (m *Manager) setup(s *Session, opts CreateOptions) error {
	hopts := m.opts.Defaults
	if opts.Title != "" {
		hopts.Title = opts.Title
	}
	if opts.Width > 0 && opts.Height > 0 {
		hopts.Width, hopts.Height = opts.Width, opts.Height
	}
	hopts.Bounds = opts.Bounds

	w, err := m.host.Create(hopts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.window = w
	s.mu.Unlock()
	s.cleanup.Defer(w.Destroy)

	w.OnClose(func() {
		glog.V(1).Infof("%s: close requested", s.id)
		m.Delete(s.id)
	})
	w.OnFinishLoad(s.loadFinished)

	if !s.remote {
		s.cleanup.Defer(m.bus.Bind(s.id, s))
		if err := s.attach(transport.NewLocal(s.id, w)); err != nil {
			return err
		}
	}

	s.cleanup.Defer(s.notifier.Stop)
	m.registry.Attach(s)
	s.cleanup.Defer(func() { m.registry.UnsubscribeAll(s.id) })

	if m.opts.LoadTimeout > 0 {
		t := time.AfterFunc(m.opts.LoadTimeout, func() {
			if st := s.State(); st == Created || st == Loading {
				glog.Warningf("%s: not ready after %s, closing", s.id, m.opts.LoadTimeout)
				m.Delete(s.id)
			}
		})
		s.cleanup.Defer(func() { t.Stop() })
	}

	u, err := m.contentURL(s)
	if err != nil {
		return err
	}
	if err := s.startLoading(u); err != nil {
		return err
	}
	w.Show()
	return nil
}

func (m *Manager) contentURL(s *Session) (string, error) {
	u, err := url.Parse(m.opts.ContentURL)
	if err != nil {
		return "", fmt.Errorf("content url: %w", err)
	}
	q := u.Query()
	q.Set("wid", s.id)
	q.Set("labId", s.labID)
	if s.remote {
		q.Set("ws", m.opts.SocketURL)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns the sessions ordered by id, which is creation order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	return infos
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// FeedSub subscribes the session to feed. Subscribing again to the active
// feed does nothing.
func (m *Manager) FeedSub(ctx context.Context, id, feedID string, branches []string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if !s.State().Live() {
		return ErrDisposed
	}
	// dispose may run between the check above and the subscription; the
	// registry refuses sessions it already released
	err = m.registry.Subscribe(ctx, s, feedID, branches)
	if errors.Is(err, feed.ErrDetached) {
		return ErrDisposed
	}
	return err
}

func (m *Manager) BeginRender(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.beginRender(ctx)
}

// Resend makes the next update of the session a full one.
func (m *Manager) Resend(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.resend(ctx)
}

// Run dispatches cmd on behalf of the session.
func (m *Manager) Run(ctx context.Context, id string, cmd store.Command) (any, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return m.relay.Run(ctx, s.origin(), cmd)
}

func (m *Manager) Nav(id, route string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.nav(route)
	return nil
}

func (m *Manager) Dispatch(id string, action any) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.dispatch(action)
	return nil
}

func (m *Manager) MoveToFront(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.moveToFront()
	return nil
}

func (m *Manager) WindowBounds(id string) (host.Bounds, error) {
	s, err := m.Get(id)
	if err != nil {
		return host.Bounds{}, err
	}
	b, _ := s.bounds()
	return b, nil
}

func (m *Manager) SetWindowBounds(id string, b host.Bounds) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.setBounds(b)
	return nil
}

// Serve attaches r to a remote session and reads its requests until the
// peer goes away or ctx is done.
func (m *Manager) Serve(ctx context.Context, id string, r *transport.Remote) error {
	s, err := m.Get(id)
	if err != nil {
		r.Close()
		return err
	}
	if !s.remote {
		r.Close()
		return fmt.Errorf("%s: window uses the local transport", id)
	}
	if err := s.attach(r); err != nil {
		return err
	}
	defer s.detach(r)
	return r.Serve(ctx, s)
}

// Delete disposes the session and forgets it.
func (m *Manager) Delete(id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.dispose()

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Close disposes every session. Create fails afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Delete(id)
	}
}
