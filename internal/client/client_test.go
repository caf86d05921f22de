package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellkit/wmd/internal/feed"
	"github.com/shellkit/wmd/internal/host"
	"github.com/shellkit/wmd/internal/relay"
	"github.com/shellkit/wmd/internal/server"
	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/transport"
	"github.com/shellkit/wmd/internal/window"
)

func startBackend(t *testing.T) (*store.Memory, *httptest.Server) {
	t.Helper()
	st := store.NewMemory()
	reg := feed.NewRegistry(st)
	reg.Start()
	m := window.NewManager(host.NewHeadless(host.Bounds{Width: 1920, Height: 1080}), st, reg,
		relay.New(st, false), transport.NewBus(), window.Options{
			ContentURL:     "http://localhost/index.html",
			SocketURL:      "ws://localhost/ws",
			ReconnectGrace: time.Hour,
			Hordes:         []string{"local"},
		})
	q := window.NewQueue(m)
	ts := httptest.NewServer(server.New(m, q, nil, "secret").Handler())
	t.Cleanup(func() {
		ts.Close()
		q.Stop()
		m.Close()
		reg.Close()
	})
	return st, ts
}

func wsBase(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// waitFor reads events until one of type T arrives.
func waitFor[T any](t *testing.T, s *Surface) T {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "surface stopped")
			if v, ok := ev.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("no %T event", zero)
			return zero
		}
	}
}

func TestSurfaceURL(t *testing.T) {
	u, err := SurfaceURL("ws://127.0.0.1:8080/ws", "wm@1", "tok")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/ws?token=tok&wid=wm%401", u)

	u, err = SurfaceURL("ws://127.0.0.1:8080/ws", "wm@1", "")
	require.NoError(t, err)
	assert.NotContains(t, u, "token")
}

func TestSurfaceFollowsWindow(t *testing.T) {
	st, ts := startBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st.Upsert(ctx, "a", 1.0)

	api := NewHTTPClient(ts.URL, "secret")
	useWS := true
	info, err := api.Open(ctx, window.OpenRequest{
		CreateOptions: window.CreateOptions{LabID: "lab@1", UseWS: &useWS},
		Feed:          "desktop@1",
		Branches:      []string{"a", "b"},
	}, false)
	require.NoError(t, err)

	u, err := SurfaceURL(wsBase(ts), info.ID, "secret")
	require.NoError(t, err)
	s := NewSurface(u)
	go s.Run(ctx)

	waitFor[ConnectedEvent](t, s)
	ev := waitFor[StateEvent](t, s)
	assert.True(t, ev.Full)
	assert.Equal(t, map[string]any{"a": 1.0}, ev.State)
	waitFor[BeginRenderEvent](t, s)
	assert.True(t, s.Rendering())

	st.Upsert(ctx, "b", "x")
	ev = waitFor[StateEvent](t, s)
	assert.False(t, ev.Full)
	assert.Equal(t, map[string]any{"a": 1.0, "b": "x"}, s.State())

	require.NoError(t, s.Quest(store.Command{
		Name: "warehouse.upsert",
		Data: map[string]any{"branch": "a", "data": 2.0},
	}))
	ev = waitFor[StateEvent](t, s)
	assert.Equal(t, map[string]any{"a": 2.0, "b": "x"}, ev.State)
	origin, ok := st.Footprint("a")
	require.True(t, ok)
	assert.Equal(t, info.ID, origin.WindowID)

	require.NoError(t, api.Nav(ctx, info.ID, "/settings"))
	route := waitFor[RouteEvent](t, s)
	assert.Equal(t, "/settings", route.Path)
	assert.Equal(t, "/settings", s.Route())

	assert.Contains(t, s.Commands(), "warehouse.upsert")
	statuses := s.Statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, "local", statuses[0].Horde)

	list, err := api.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, window.Active, list[0].State)

	require.NoError(t, api.Delete(ctx, info.ID))
	waitFor[DisconnectedEvent](t, s)
}

func TestHTTPClientErrors(t *testing.T) {
	_, ts := startBackend(t)
	ctx := context.Background()

	_, err := NewHTTPClient(ts.URL, "wrong").List(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	api := NewHTTPClient(ts.URL, "secret")
	_, err = api.Get(ctx, "wm@missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Error(t, api.Resend(ctx, "wm@missing"))
}

// fakeBackend upgrades every request and hands the connection to the
// next handler in line.
func fakeBackend(t *testing.T, handlers ...func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	conns := make(chan *websocket.Conn, len(handlers))
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(ts.Close)

	go func() {
		for _, h := range handlers {
			conn := <-conns
			h(conn)
		}
	}()
	return ts
}

func readType(conn *websocket.Conn) string {
	var frame map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&frame); err != nil {
		return "error: " + err.Error()
	}
	typ, _ := frame["type"].(string)
	return typ
}

func TestSurfaceResyncsAndReconnects(t *testing.T) {
	got := make(chan string, 8)
	ts := fakeBackend(t,
		func(conn *websocket.Conn) {
			got <- readType(conn)
			// a patch against a baseline the surface does not have
			conn.WriteJSON(map[string]any{
				"type":         "NEW_BACKEND_STATE",
				"transitState": map[string]any{"full": false, "ops": []any{map[string]any{"op": "replace", "path": "x/y", "value": 1}}},
			})
			got <- readType(conn)
			conn.Close()
		},
		func(conn *websocket.Conn) {
			got <- readType(conn)
			conn.WriteJSON(map[string]any{
				"type":         "NEW_BACKEND_STATE",
				"transitState": map[string]any{"full": true, "ops": []any{map[string]any{"op": "add", "path": "x", "value": "ok"}}},
			})
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewSurface(wsBase(ts))
	s.BaseDelay = 10 * time.Millisecond
	go s.Run(ctx)

	waitFor[ConnectedEvent](t, s)
	for _, want := range []string{"RESEND", "RESEND", "RESEND"} {
		select {
		case typ := <-got:
			assert.Equal(t, want, typ)
		case <-time.After(3 * time.Second):
			t.Fatal("no request from surface")
		}
	}
	waitFor[DisconnectedEvent](t, s)
	waitFor[ConnectedEvent](t, s)
	ev := waitFor[StateEvent](t, s)
	assert.Equal(t, map[string]any{"x": "ok"}, ev.State)

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-s.Events()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendWithoutConnection(t *testing.T) {
	s := NewSurface("ws://127.0.0.1:1/ws")
	assert.Error(t, s.Resend())
	assert.Error(t, s.Quest(store.Command{Name: "x"}))
	assert.False(t, s.Connected())
	assert.Nil(t, s.State())
}
