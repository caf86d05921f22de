// Package host abstracts the native window toolkit. Only what window
// sessions need is exposed; a Headless host stands in where no toolkit is
// available.
package host

import (
	"errors"

	"github.com/shellkit/wmd/internal/transport"
)

var ErrDestroyed = errors.New("window destroyed")

type Bounds struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Options describes a window to create. A zero Width or Height lets the
// host pick bounds from the work area.
type Options struct {
	Title  string
	Width  int
	Height int
	Frame  bool
	Bounds *Bounds
}

// Host creates native windows.
type Host interface {
	Create(opts Options) (Window, error)
	WorkArea() Bounds
}

// Window is a native window. Its renderer side is the display surface of
// the local transport.
type Window interface {
	transport.Renderer

	LoadURL(url string) error
	// OnFinishLoad registers fn for the "content finished loading" signal.
	OnFinishLoad(fn func())
	// OnClose registers fn for the user's close request. The window itself
	// stays open; whoever handles the request decides to Destroy it.
	OnClose(fn func())

	Show()
	MoveToFront()
	Bounds() Bounds
	SetBounds(b Bounds)
	Destroy()
	IsDestroyed() bool
}

const (
	minWidth   = 1280
	minHeight  = 720
	sizeFactor = 0.8
)

// DefaultBounds places a window of the requested size in the middle of
// workArea. Without a size the window takes 80% of the work area, or all
// of it when that would be smaller than 1280x720.
func DefaultBounds(workArea Bounds, width, height int) Bounds {
	if width <= 0 || height <= 0 {
		width = int(float64(workArea.Width) * sizeFactor)
		height = int(float64(workArea.Height) * sizeFactor)
		if width < minWidth || height < minHeight {
			width, height = workArea.Width, workArea.Height
		}
	}
	return Bounds{
		X:      workArea.X + workArea.Width/2 - width/2,
		Y:      workArea.Y + workArea.Height/2 - height/2,
		Width:  width,
		Height: height,
	}
}
