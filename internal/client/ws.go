// Package client is the remote end of a window: a display surface that
// connects to the websocket endpoint, rebuilds the window state from the
// updates it receives and sends requests back.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/shellkit/wmd/internal/patch"
	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/transport"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// Events delivered by a Surface.
type (
	// ConnectedEvent is sent each time the websocket connects.
	ConnectedEvent struct{}
	// DisconnectedEvent is sent when the connection drops.
	DisconnectedEvent struct{ Err error }
	// StateEvent carries the rebuilt window state after an update.
	StateEvent struct {
		Full  bool
		State any
	}
	InfoEvent struct {
		Branch string
		Info   any
	}
	RouteEvent   struct{ Path string }
	ActionEvent  struct{ Action any }
	CommandEvent struct{ Names []string }
	StatusEvent  struct{ Status transport.ConnectionStatus }
	// BeginRenderEvent tells the surface it may start drawing.
	BeginRenderEvent struct{ LabID string }
)

// Surface is a reconnecting websocket display surface for one window.
type Surface struct {
	url    string
	events chan any

	// Backoff overrides the reconnect delays; zero values use the defaults.
	BaseDelay, MaxDelay time.Duration

	mu        sync.Mutex
	writeMu   sync.Mutex // serialises all conn writes
	conn      *websocket.Conn
	state     any
	route     string
	commands  []string
	statuses  map[string]transport.ConnectionStatus
	infos     map[string]any
	rendering bool
}

// SurfaceURL builds the websocket url of window wid from the endpoint
// base, e.g. "ws://127.0.0.1:8080/ws".
func SurfaceURL(base, wid, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("surface url: %w", err)
	}
	q := u.Query()
	q.Set("wid", wid)
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func NewSurface(url string) *Surface {
	return &Surface{
		url:      url,
		events:   make(chan any, 64),
		statuses: make(map[string]transport.ConnectionStatus),
		infos:    make(map[string]any),
	}
}

// Events returns the channel events are delivered on. It is closed when
// Run returns.
func (s *Surface) Events() <-chan any {
	return s.events
}

func (s *Surface) emit(ctx context.Context, ev any) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// Run connects and reads until ctx is done, reconnecting with backoff
// whenever the connection drops.
func (s *Surface) Run(ctx context.Context) error {
	defer close(s.events)

	base, maxDelay := s.BaseDelay, s.MaxDelay
	if base <= 0 {
		base = reconnectBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = reconnectMaxDelay
	}

	delay := base
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			glog.Warningf("ws dial error: %v (retry in %v)", err, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		delay = base

		err = s.serve(ctx, conn)
		s.emit(ctx, DisconnectedEvent{Err: err})
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Surface) serve(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.rendering = false
	s.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	go s.pingLoop(connCtx, conn)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	s.emit(ctx, ConnectedEvent{})
	// our baseline may be stale after a reconnect
	if err := s.Resend(); err != nil {
		return err
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ev := s.handle(data); ev != nil {
			s.emit(ctx, ev)
		}
	}
}

// pingLoop sends periodic pings on conn until ctx is cancelled.
func (s *Surface) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Surface) handle(data []byte) any {
	var head struct {
		Type transport.MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		glog.Warningf("undecodable frame: %v", err)
		return nil
	}

	switch head.Type {
	case transport.MsgBackendState:
		var msg transport.StateMessage
		if json.Unmarshal(data, &msg) != nil {
			return nil
		}
		return s.applyUpdate(msg.TransitState)
	case transport.MsgBackendInfos:
		var msg transport.BackendInfoMessage
		if json.Unmarshal(data, &msg) != nil {
			return nil
		}
		s.mu.Lock()
		s.infos[msg.Branch] = msg.Info
		s.mu.Unlock()
		return InfoEvent{Branch: msg.Branch, Info: msg.Info}
	case transport.MsgPushPath:
		var msg transport.PathMessage
		if json.Unmarshal(data, &msg) != nil {
			return nil
		}
		s.mu.Lock()
		s.route = msg.Path
		s.mu.Unlock()
		return RouteEvent{Path: msg.Path}
	case transport.MsgDispatchInApp:
		var msg transport.ActionMessage
		if json.Unmarshal(data, &msg) != nil {
			return nil
		}
		return ActionEvent{Action: msg.Action}
	case transport.MsgCommandsRegistry:
		var msg transport.CommandsMessage
		if json.Unmarshal(data, &msg) != nil {
			return nil
		}
		s.mu.Lock()
		s.commands = msg.Commands
		s.mu.Unlock()
		return CommandEvent{Names: msg.Commands}
	case transport.MsgConnectionStatus:
		var msg transport.ConnectionStatus
		if json.Unmarshal(data, &msg) != nil {
			return nil
		}
		s.mu.Lock()
		s.statuses[msg.Horde] = msg
		s.mu.Unlock()
		return StatusEvent{Status: msg}
	case transport.MsgBeginRender:
		var msg transport.BeginRenderMessage
		if json.Unmarshal(data, &msg) != nil {
			return nil
		}
		s.mu.Lock()
		s.rendering = true
		s.mu.Unlock()
		return BeginRenderEvent{LabID: msg.LabID}
	}
	glog.V(1).Infof("ignoring %s frame", head.Type)
	return nil
}

// applyUpdate rebuilds the state. A patch that does not fit the current
// baseline asks the server for a full snapshot.
func (s *Surface) applyUpdate(u patch.Update) any {
	s.mu.Lock()
	base := s.state
	if u.Full {
		base = nil
	}
	next, err := patch.Apply(base, u.Ops)
	if err != nil {
		s.mu.Unlock()
		glog.Warningf("state out of sync: %v", err)
		if err := s.Resend(); err != nil {
			glog.Warningf("resend: %v", err)
		}
		return nil
	}
	if next == nil {
		next = map[string]any{}
	}
	s.state = next
	s.mu.Unlock()

	glog.V(2).Infof("state update (full %t, %d ops)", u.Full, len(u.Ops))
	return StateEvent{Full: u.Full, State: next}
}

func (s *Surface) send(t transport.MessageType, data map[string]any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(transport.Envelope{Type: t, Data: data})
}

// Quest runs cmd on the server on behalf of the window.
func (s *Surface) Quest(cmd store.Command) error {
	return s.send(transport.MsgQuest, map[string]any{"cmd": cmd.Name, "data": cmd.Data})
}

// Resend asks for a full snapshot.
func (s *Surface) Resend() error {
	return s.send(transport.MsgResend, nil)
}

func (s *Surface) DataTransfer(data map[string]any) error {
	return s.send(transport.MsgDataTransfer, data)
}

func (s *Surface) SetLang(data map[string]any) error {
	return s.send(transport.MsgSetLang, data)
}

// State returns the current window state. It must not be modified.
func (s *Surface) State() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Surface) Route() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

func (s *Surface) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Surface) Info(branch string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.infos[branch]
	return v, ok
}

// Statuses returns the last status of every horde, ordered by horde.
func (s *Surface) Statuses() []transport.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.ConnectionStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Horde < out[j].Horde })
	return out
}

// Rendering reports whether BEGIN_RENDER arrived on the current connection.
func (s *Surface) Rendering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendering
}

func (s *Surface) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}
