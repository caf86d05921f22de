package window

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellkit/wmd/internal/feed"
	"github.com/shellkit/wmd/internal/host"
	"github.com/shellkit/wmd/internal/patch"
	"github.com/shellkit/wmd/internal/relay"
	"github.com/shellkit/wmd/internal/store"
	"github.com/shellkit/wmd/internal/transport"
)

type harness struct {
	store    *store.Memory
	registry *feed.Registry
	bus      *transport.Bus
	host     *host.Headless
	m        *Manager
}

func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	st := store.NewMemory()
	reg := feed.NewRegistry(st)
	reg.Start()
	h := host.NewHeadless(host.Bounds{Width: 1920, Height: 1080})
	h.ManualLoad = true
	bus := transport.NewBus()

	opts := Options{
		ContentURL: "http://localhost:8080/index.html",
		SocketURL:  "ws://localhost:8080/ws",
		Defaults:   host.Options{Title: "wmd"},
		Hordes:     []string{"local"},
	}
	if configure != nil {
		configure(&opts)
	}
	m := NewManager(h, st, reg, relay.New(st, false), bus, opts)
	t.Cleanup(func() {
		m.Close()
		reg.Close()
	})
	return &harness{store: st, registry: reg, bus: bus, host: h, m: m}
}

// open creates a local window and finishes loading it.
func (h *harness) open(t *testing.T) (*Session, *host.HeadlessWindow) {
	t.Helper()
	s, err := h.m.Create(context.Background(), CreateOptions{LabID: "lab@1"})
	require.NoError(t, err)
	windows := h.host.Windows()
	w := windows[len(windows)-1]
	w.FinishLoad()
	require.Equal(t, Ready, s.State())
	return s, w
}

func messages(w *host.HeadlessWindow, t transport.MessageType) []any {
	var out []any
	for _, msg := range w.Messages() {
		if msg.Channel == string(t) {
			out = append(out, msg.Payload)
		}
	}
	return out
}

func stateUpdates(w *host.HeadlessWindow) []patch.Update {
	var out []patch.Update
	for _, p := range messages(w, transport.MsgBackendState) {
		out = append(out, p.(transport.StateMessage).TransitState)
	}
	return out
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, Created.CanMove(Loading))
	assert.True(t, Loading.CanMove(Closing))
	assert.True(t, Active.CanMove(Closing))
	assert.False(t, Active.CanMove(Ready))
	assert.False(t, Disposed.CanMove(Created))
	assert.False(t, Closing.CanMove(Active))
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "unknown", State(42).String())

	data, err := Disposed.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"disposed"`, string(data))
}

func TestScopeReleasesInReverseOnce(t *testing.T) {
	var sc scope
	var order []int
	sc.Defer(func() { order = append(order, 1) })
	sc.Defer(func() { order = append(order, 2) })
	sc.Defer(func() { order = append(order, 3) })
	assert.Equal(t, 3, sc.Len())

	sc.Release()
	sc.Release()
	assert.Equal(t, []int{3, 2, 1}, order)

	sc.Defer(func() { order = append(order, 4) })
	assert.Equal(t, []int{3, 2, 1, 4}, order, "late resources are released right away")
}

func TestCreateLoadsContentURL(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.m.Create(context.Background(), CreateOptions{LabID: "lab@1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(s.ID(), "wm@"))
	assert.Equal(t, Loading, s.State())
	w := h.host.Windows()[0]
	assert.Equal(t, "http://localhost:8080/index.html?labId=lab%401&wid="+strings.ReplaceAll(s.ID(), "@", "%40"), w.URL())
	assert.True(t, w.Visible())
	assert.Equal(t, host.DefaultBounds(host.Bounds{Width: 1920, Height: 1080}, 0, 0), w.Bounds())
}

func TestReadyPushesRegistryAndHordes(t *testing.T) {
	h := newHarness(t, nil)
	_, w := h.open(t)

	regs := messages(w, transport.MsgCommandsRegistry)
	require.Len(t, regs, 1)
	assert.Equal(t, h.store.CommandNames(), regs[0].(transport.CommandsMessage).Commands)

	statuses := messages(w, transport.MsgConnectionStatus)
	require.Len(t, statuses, 1)
	st := statuses[0].(transport.ConnectionStatus)
	assert.Equal(t, "local", st.Horde)
	assert.False(t, st.Overlay)
	assert.Empty(t, st.Message)
}

func TestFullSnapshotThenPatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, w := h.open(t)

	h.store.Upsert(ctx, "a", 1.0)
	h.store.Upsert(ctx, "b", 2.0)
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "desktop@1", []string{"a", "b"}))
	assert.Empty(t, stateUpdates(w))

	require.NoError(t, h.store.Resend(ctx, "desktop@1"))
	updates := stateUpdates(w)
	require.Len(t, updates, 1)
	assert.Equal(t, patch.Update{Full: true, Ops: []patch.Op{
		{Op: patch.OpAdd, Path: "a", Value: 1.0},
		{Op: patch.OpAdd, Path: "b", Value: 2.0},
	}}, updates[0])
	assert.Equal(t, Active, s.State())

	h.store.Upsert(ctx, "b", 3.0)
	updates = stateUpdates(w)
	require.Len(t, updates, 2)
	assert.Equal(t, patch.Update{Ops: []patch.Op{{Op: patch.OpReplace, Path: "b", Value: 3.0}}}, updates[1])

	// no observable change, nothing sent
	h.store.Upsert(ctx, "b", 3.0)
	assert.Len(t, stateUpdates(w), 2)
}

func TestResendForcesFullSnapshot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, w := h.open(t)
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "desktop@1", []string{"a", "b"}))
	h.store.Upsert(ctx, "a", 1.0)
	h.store.Upsert(ctx, "b", 2.0)
	require.Len(t, stateUpdates(w), 2)

	h.bus.Emit(transport.InboundChannel(s.ID(), transport.MsgResend), nil)
	require.Eventually(t, func() bool {
		return len(messages(w, transport.MsgBeginRender)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	updates := stateUpdates(w)
	require.Len(t, updates, 3)
	last := updates[2]
	assert.True(t, last.Full)
	assert.Equal(t, []patch.Op{
		{Op: patch.OpAdd, Path: "a", Value: 1.0},
		{Op: patch.OpAdd, Path: "b", Value: 2.0},
	}, last.Ops)

	renders := messages(w, transport.MsgBeginRender)
	require.Len(t, renders, 1)
	assert.Equal(t, "lab@1", renders[0].(transport.BeginRenderMessage).LabID)
	assert.Len(t, messages(w, transport.MsgCommandsRegistry), 2)
}

func TestFeedSwitch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, w := h.open(t)

	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "A", []string{"a"}))
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "A", []string{"a"}))
	assert.Equal(t, 1, h.store.Subscribers("A"))

	h.store.Upsert(ctx, "a", 1.0)
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "B", []string{"b"}))
	assert.Zero(t, h.store.Subscribers("A"))
	assert.Equal(t, "B", s.Feed())

	h.store.Upsert(ctx, "a", 2.0)
	require.Len(t, stateUpdates(w), 1, "no update for the old feed")

	h.store.Upsert(ctx, "b", 5.0)
	updates := stateUpdates(w)
	require.Len(t, updates, 2)
	assert.True(t, updates[1].Full, "first update of a new feed is full")
	assert.Equal(t, []patch.Op{{Op: patch.OpAdd, Path: "b", Value: 5.0}}, updates[1].Ops)
}

func TestDisposeCleansUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, w := h.open(t)
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "desktop@1", []string{"a"}))
	h.store.Upsert(ctx, "a", 1.0)
	sent := len(w.Messages())

	require.NoError(t, h.m.Delete(s.ID()))

	assert.Equal(t, Disposed, s.State())
	assert.Nil(t, s.Channel())
	assert.Zero(t, h.registry.Len())
	assert.Zero(t, h.store.Subscribers("desktop@1"))
	assert.True(t, w.IsDestroyed())
	for _, typ := range transport.InboundTypes() {
		assert.Zero(t, h.bus.Listeners(transport.InboundChannel(s.ID(), typ)))
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}

	h.store.Upsert(ctx, "a", 2.0)
	h.store.PublishPerf(store.Perf{Horde: "local", Overlay: true})
	assert.Len(t, w.Messages(), sent)

	_, err := h.m.Get(s.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.m.Delete(s.ID()), ErrNotFound)
}

func TestDisposeWhileLoading(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.m.Create(context.Background(), CreateOptions{LabID: "lab@1"})
	require.NoError(t, err)
	w := h.host.Windows()[0]

	require.NoError(t, h.m.Delete(s.ID()))
	assert.Equal(t, Disposed, s.State())
	assert.True(t, w.IsDestroyed())
	assert.Zero(t, h.bus.Listeners(transport.InboundChannel(s.ID(), transport.MsgQuest)))

	w.FinishLoad()
	assert.Equal(t, Disposed, s.State())
	assert.ErrorIs(t, s.WaitReady(context.Background()), ErrDisposed)
}

func TestNativeCloseBecomesDelete(t *testing.T) {
	h := newHarness(t, nil)
	s, w := h.open(t)

	w.Close()
	assert.Equal(t, Disposed, s.State())
	assert.True(t, w.IsDestroyed())
	assert.Zero(t, h.m.Len())
}

func TestLoadTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.LoadTimeout = 20 * time.Millisecond })
	s, err := h.m.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stuck session was not disposed")
	}
	assert.Eventually(t, func() bool { return h.m.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInboundCommandsCarryOrigin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, w := h.open(t)
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "desktop@1", []string{"a"}))

	var mu sync.Mutex
	var got []map[string]any
	var origins []store.Origin
	record := func(ctx context.Context, data map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		o, _ := store.OriginFrom(ctx)
		origins = append(origins, o)
		got = append(got, data)
		return nil, nil
	}
	h.store.Register(relay.CmdDataTransfer, record)
	h.store.Register(relay.CmdSetLocale, record)

	h.bus.Emit(transport.InboundChannel(s.ID(), transport.MsgDataTransfer), map[string]any{"files": []any{"a.txt"}})
	h.bus.Emit(transport.InboundChannel(s.ID(), transport.MsgSetLang), map[string]any{"locale": "fr-CH"})
	h.bus.Emit(transport.InboundChannel(s.ID(), transport.MsgQuest), store.Command{Name: "no.such-command"})
	h.bus.Emit(transport.InboundChannel(s.ID(), transport.MsgResend), nil)

	// requests run in order, so the resend's BEGIN_RENDER comes after all of them
	require.Eventually(t, func() bool {
		return len(messages(w, transport.MsgBeginRender)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "desktop@1", got[0]["desktopId"])
	assert.Equal(t, "lab@1", got[0]["labId"])
	assert.Equal(t, []any{"a.txt"}, got[0]["files"])
	assert.Equal(t, "fr-CH", got[1]["locale"])
	assert.Equal(t, s.ID(), origins[0].SessionID)
	assert.Equal(t, Ready, s.State(), "a failing command leaves the session alone")
}

func TestQuestMutatesStoreWithFootprint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, w := h.open(t)
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "desktop@1", []string{"a"}))

	h.bus.Emit(transport.InboundChannel(s.ID(), transport.MsgQuest), store.Command{
		Name: "warehouse.upsert",
		Data: map[string]any{"branch": "a", "data": "x"},
	})
	require.Eventually(t, func() bool {
		_, ok := h.store.Footprint("a")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	fp, ok := h.store.Footprint("a")
	require.True(t, ok)
	assert.Equal(t, s.ID(), fp.SessionID)
	assert.Equal(t, "lab@1", fp.LabID)
	require.Len(t, stateUpdates(w), 1)
}

func TestRendererRepliesDuringDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, w := h.open(t)
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "desktop@1", []string{"a", "echo"}))

	// the renderer answers its first state update from inside the send,
	// the way a page handler posting back over the bridge would
	var once sync.Once
	w.OnMessage(func(msg host.Message) {
		if msg.Channel != string(transport.MsgBackendState) {
			return
		}
		once.Do(func() {
			h.bus.Emit(transport.InboundChannel(s.ID(), transport.MsgResend), nil)
			h.bus.Emit(transport.InboundChannel(s.ID(), transport.MsgQuest), store.Command{
				Name: "warehouse.upsert",
				Data: map[string]any{"branch": "echo", "data": "pong"},
			})
		})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.store.Upsert(ctx, "a", 1.0)
		h.store.Upsert(ctx, "a", 2.0)
		h.store.PublishInfo(store.Info{Source: "warehouse"})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("store writes blocked on the renderer")
	}

	assert.Eventually(t, func() bool {
		v, ok := h.store.Get("echo")
		return ok && v == "pong"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(messages(w, transport.MsgBeginRender)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	full := 0
	for _, u := range stateUpdates(w) {
		if u.Full {
			full++
		}
	}
	assert.GreaterOrEqual(t, full, 2, "first update and the requested resend")
	assert.Eventually(t, func() bool {
		for _, u := range stateUpdates(w) {
			for _, op := range u.Ops {
				if op.Path == "echo" && op.Value == "pong" {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistryChangesWaitForReady(t *testing.T) {
	h := newHarness(t, nil)
	s, err := h.m.Create(context.Background(), CreateOptions{LabID: "lab@1"})
	require.NoError(t, err)
	w := h.host.Windows()[0]
	require.Equal(t, Loading, s.State())

	h.store.Register("x.y", func(context.Context, map[string]any) (any, error) { return nil, nil })
	h.store.PublishPerf(store.Perf{Horde: "local", Lag: true, Delta: 300})
	assert.Empty(t, messages(w, transport.MsgCommandsRegistry))
	assert.Empty(t, messages(w, transport.MsgConnectionStatus))

	w.FinishLoad()
	require.Equal(t, Ready, s.State())

	regs := messages(w, transport.MsgCommandsRegistry)
	require.Len(t, regs, 1)
	assert.Contains(t, regs[0].(transport.CommandsMessage).Commands, "x.y")
	statuses := messages(w, transport.MsgConnectionStatus)
	require.Len(t, statuses, 1)
	st := statuses[0].(transport.ConnectionStatus)
	assert.True(t, st.Lag)
	assert.Equal(t, int64(300), st.Delta)
}

func TestFeedSubAfterReleaseIsRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, _ := h.open(t)

	// dispose has released the registry entry but not yet left the live states
	h.registry.UnsubscribeAll(s.ID())
	assert.ErrorIs(t, h.m.FeedSub(ctx, s.ID(), "desktop@1", []string{"a"}), ErrDisposed)
	assert.Zero(t, h.store.Subscribers("desktop@1"))
	assert.Zero(t, h.registry.Len())
}

func TestStoreWideEvents(t *testing.T) {
	h := newHarness(t, nil)
	_, w := h.open(t)

	h.store.PublishInfo(store.Info{Source: "warehouse", Data: map[string]any{"branches": "3"}})
	h.store.PublishPerf(store.Perf{Horde: "local", Overlay: true})
	h.store.Register("x.y", func(context.Context, map[string]any) (any, error) { return nil, nil })

	infos := messages(w, transport.MsgBackendInfos)
	require.Len(t, infos, 1)
	assert.Equal(t, "warehouse", infos[0].(transport.BackendInfoMessage).Branch)

	statuses := messages(w, transport.MsgConnectionStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, relay.LostConnectionMessage, statuses[1].(transport.ConnectionStatus).Message)

	regs := messages(w, transport.MsgCommandsRegistry)
	require.Len(t, regs, 2)
	assert.Contains(t, regs[1].(transport.CommandsMessage).Commands, "x.y")
}

func TestWindowOperations(t *testing.T) {
	h := newHarness(t, nil)
	s, w := h.open(t)

	require.NoError(t, h.m.Nav(s.ID(), "/desk/tab"))
	require.NoError(t, h.m.Dispatch(s.ID(), map[string]any{"type": "SELECT"}))
	require.NoError(t, h.m.MoveToFront(s.ID()))
	require.NoError(t, h.m.SetWindowBounds(s.ID(), host.Bounds{X: 1, Y: 2, Width: 300, Height: 200}))

	paths := messages(w, transport.MsgPushPath)
	require.Len(t, paths, 1)
	assert.Equal(t, "/desk/tab", paths[0].(transport.PathMessage).Path)
	actions := messages(w, transport.MsgDispatchInApp)
	require.Len(t, actions, 1)
	assert.Equal(t, map[string]any{"type": "SELECT"}, actions[0].(transport.ActionMessage).Action)
	assert.Equal(t, 1, w.Fronts())

	b, err := h.m.WindowBounds(s.ID())
	require.NoError(t, err)
	assert.Equal(t, host.Bounds{X: 1, Y: 2, Width: 300, Height: 200}, b)

	assert.ErrorIs(t, h.m.Nav("wm@missing", "/"), ErrNotFound)
	assert.ErrorIs(t, h.m.MoveToFront("wm@missing"), ErrNotFound)
	_, err = h.m.WindowBounds("wm@missing")
	assert.ErrorIs(t, err, ErrNotFound)

	infos := h.m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, s.ID(), infos[0].ID)
	assert.Equal(t, Ready, infos[0].State)
	assert.True(t, infos[0].Attached)
}

func TestQueueOpensAndRenders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.host.ManualLoad = false
	h.store.Upsert(ctx, "a", 1.0)

	q := NewQueue(h.m)
	defer q.Stop()

	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s, err := q.Open(tctx, OpenRequest{
		CreateOptions: CreateOptions{LabID: "lab@2"},
		Feed:          "desktop@2",
		Branches:      []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, Active, s.State())
	assert.Equal(t, "desktop@2", s.Feed())

	w := h.host.Windows()[0]
	updates := stateUpdates(w)
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Full)
	renders := messages(w, transport.MsgBeginRender)
	require.Len(t, renders, 1)
	assert.Equal(t, "lab@2", renders[0].(transport.BeginRenderMessage).LabID)
}

func TestQueueStopped(t *testing.T) {
	h := newHarness(t, nil)
	q := NewQueue(h.m)
	q.Stop()
	_, err := q.Open(context.Background(), OpenRequest{})
	assert.Error(t, err)
}

func TestManagerCloseDisposesEverything(t *testing.T) {
	h := newHarness(t, nil)
	s1, _ := h.open(t)
	s2, _ := h.open(t)

	h.m.Close()
	assert.Equal(t, Disposed, s1.State())
	assert.Equal(t, Disposed, s2.State())
	_, err := h.m.Create(context.Background(), CreateOptions{})
	assert.Error(t, err)
}

// remoteServer serves the websocket endpoint of h's manager.
func remoteServer(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wid := r.URL.Query().Get("wid")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.m.Serve(r.Context(), wid, transport.NewRemote(wid, conn))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, wid string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"?wid="+wid, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ transport.MessageType) map[string]any {
	t.Helper()
	for {
		var frame map[string]any
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&frame))
		if frame["type"] == string(typ) {
			return frame
		}
	}
}

func TestRemoteSessionReadyOnFirstPeer(t *testing.T) {
	ctx := context.Background()
	useWS := true
	h := newHarness(t, func(o *Options) { o.ReconnectGrace = time.Hour })
	ts := remoteServer(t, h)

	s, err := h.m.Create(ctx, CreateOptions{LabID: "lab@1", UseWS: &useWS})
	require.NoError(t, err)
	w := h.host.Windows()[0]
	assert.Contains(t, w.URL(), "ws=ws%3A%2F%2Flocalhost%3A8080%2Fws")

	w.FinishLoad()
	assert.Equal(t, Loading, s.State(), "no peer yet")

	h.store.Upsert(ctx, "a", 1.0)
	require.NoError(t, h.m.FeedSub(ctx, s.ID(), "desktop@1", []string{"a"}))

	peer := dial(t, ts, s.ID())
	frame := readUntil(t, peer, transport.MsgBackendState)
	transit := frame["transitState"].(map[string]any)
	assert.Equal(t, true, transit["full"])
	assert.Eventually(t, func() bool { return s.State() == Active }, time.Second, 5*time.Millisecond)

	h.store.Upsert(ctx, "a", 2.0)
	frame = readUntil(t, peer, transport.MsgBackendState)
	transit = frame["transitState"].(map[string]any)
	assert.Equal(t, false, transit["full"])

	// reconnect: the new peer gets a full snapshot without asking
	peer.Close()
	assert.Eventually(t, func() bool { return s.Channel() == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Active, s.State(), "grace period keeps the session")

	peer = dial(t, ts, s.ID())
	frame = readUntil(t, peer, transport.MsgBackendState)
	transit = frame["transitState"].(map[string]any)
	assert.Equal(t, true, transit["full"])
	readUntil(t, peer, transport.MsgBeginRender)

	// requests from the peer reach the store
	require.NoError(t, peer.WriteJSON(map[string]any{
		"type": "QUEST",
		"data": map[string]any{"cmd": "warehouse.upsert", "data": map[string]any{"branch": "a", "data": 7.0}},
	}))
	frame = readUntil(t, peer, transport.MsgBackendState)
	ops := frame["transitState"].(map[string]any)["ops"].([]any)
	assert.Equal(t, map[string]any{"op": "replace", "path": "a", "value": 7.0}, ops[0])
}

func TestRemoteDisconnectWithoutGraceDeletes(t *testing.T) {
	useWS := true
	h := newHarness(t, nil)
	ts := remoteServer(t, h)

	s, err := h.m.Create(context.Background(), CreateOptions{UseWS: &useWS})
	require.NoError(t, err)
	h.host.Windows()[0].FinishLoad()

	peer := dial(t, ts, s.ID())
	readUntil(t, peer, transport.MsgCommandsRegistry)
	assert.Equal(t, Ready, s.State())

	peer.Close()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session survived its peer")
	}
	assert.Eventually(t, func() bool { return h.m.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeRejectsUnknownAndLocal(t *testing.T) {
	h := newHarness(t, nil)
	ts := remoteServer(t, h)
	s, _ := h.open(t)

	for _, wid := range []string{"wm@missing", s.ID()} {
		peer := dial(t, ts, wid)
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := peer.ReadMessage()
		assert.Error(t, err, wid)
	}
	assert.Equal(t, Ready, s.State())
}
