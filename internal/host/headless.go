package host

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Message is one payload a headless window received on a renderer channel.
type Message struct {
	Channel string
	Payload any
}

// Headless is a Host without a toolkit. Windows load instantly (after
// LoadDelay) and keep what their renderer receives.
type Headless struct {
	// LoadDelay is how long a window takes to finish loading.
	LoadDelay time.Duration
	// ManualLoad disables automatic load completion; call FinishLoad.
	ManualLoad bool

	workArea Bounds

	mu      sync.Mutex
	windows []*HeadlessWindow
}

func NewHeadless(workArea Bounds) *Headless {
	return &Headless{workArea: workArea}
}

func (h *Headless) WorkArea() Bounds {
	return h.workArea
}

func (h *Headless) Create(opts Options) (Window, error) {
	b := DefaultBounds(h.workArea, opts.Width, opts.Height)
	if opts.Bounds != nil {
		b = *opts.Bounds
	}
	if b.Width <= 0 || b.Height <= 0 {
		return nil, fmt.Errorf("create %q: empty bounds %+v", opts.Title, b)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	w := &HeadlessWindow{
		host:   h,
		num:    len(h.windows) + 1,
		title:  opts.Title,
		bounds: b,
	}
	h.windows = append(h.windows, w)
	return w, nil
}

// Windows returns every window created so far, destroyed ones included.
func (h *Headless) Windows() []*HeadlessWindow {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*HeadlessWindow(nil), h.windows...)
}

type HeadlessWindow struct {
	host  *Headless
	num   int
	title string

	mu        sync.Mutex
	bounds    Bounds
	url       string
	visible   bool
	fronts    int
	destroyed bool
	loaded    []func()
	closing   []func()
	messages  []Message
	notify    func(Message)
}

func (w *HeadlessWindow) String() string {
	return fmt.Sprintf("headless#%d", w.num)
}

func (w *HeadlessWindow) Send(channel string, payload any) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	msg := Message{Channel: channel, Payload: payload}
	w.messages = append(w.messages, msg)
	notify := w.notify
	w.mu.Unlock()

	if notify != nil {
		notify(msg)
	}
	return nil
}

// OnMessage registers fn for every message the renderer receives.
func (w *HeadlessWindow) OnMessage(fn func(Message)) {
	w.mu.Lock()
	w.notify = fn
	w.mu.Unlock()
}

// Messages returns what the renderer received so far.
func (w *HeadlessWindow) Messages() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Message(nil), w.messages...)
}

func (w *HeadlessWindow) LoadURL(url string) error {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return ErrDestroyed
	}
	w.url = url
	w.mu.Unlock()
	glog.V(1).Infof("%s: loading %s", w, url)

	if w.host.ManualLoad {
		return nil
	}
	go func() {
		if w.host.LoadDelay > 0 {
			time.Sleep(w.host.LoadDelay)
		}
		w.FinishLoad()
	}()
	return nil
}

// URL returns the last URL loaded.
func (w *HeadlessWindow) URL() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.url
}

// FinishLoad fires the "content finished loading" signal.
func (w *HeadlessWindow) FinishLoad() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	fns := append([]func(){}, w.loaded...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (w *HeadlessWindow) OnFinishLoad(fn func()) {
	w.mu.Lock()
	w.loaded = append(w.loaded, fn)
	w.mu.Unlock()
}

func (w *HeadlessWindow) OnClose(fn func()) {
	w.mu.Lock()
	w.closing = append(w.closing, fn)
	w.mu.Unlock()
}

// Close simulates the user closing the window.
func (w *HeadlessWindow) Close() {
	w.mu.Lock()
	if w.destroyed {
		w.mu.Unlock()
		return
	}
	fns := append([]func(){}, w.closing...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (w *HeadlessWindow) Show() {
	w.mu.Lock()
	w.visible = true
	w.mu.Unlock()
}

func (w *HeadlessWindow) Visible() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.visible
}

func (w *HeadlessWindow) MoveToFront() {
	w.mu.Lock()
	w.visible = true
	w.fronts++
	w.mu.Unlock()
}

// Fronts counts MoveToFront calls.
func (w *HeadlessWindow) Fronts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fronts
}

func (w *HeadlessWindow) Bounds() Bounds {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bounds
}

func (w *HeadlessWindow) SetBounds(b Bounds) {
	w.mu.Lock()
	w.bounds = b
	w.mu.Unlock()
}

func (w *HeadlessWindow) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed {
		return
	}
	w.destroyed = true
	w.loaded = nil
	w.closing = nil
	w.notify = nil
	glog.V(1).Infof("%s: destroyed", w)
}

func (w *HeadlessWindow) IsDestroyed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}
