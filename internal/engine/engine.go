// Package engine abstracts the browser engine behind surface render
// targets. The engine is a black box told to create pages, resize,
// navigate, and accept input; it asynchronously produces frames and
// cursor-shape changes.
package engine

import (
	"context"
	"errors"
)

// ErrPageClosed is returned for operations on a closed page.
var ErrPageClosed = errors.New("engine: page is closed")

// MouseEvent is one pointer event in page coordinates.
type MouseEvent struct {
	X         float64
	Y         float64
	Button    string // left, middle, right
	Action    string // move, down, up, wheel
	DeltaX    float64
	DeltaY    float64
	Modifiers int
}

// KeyEvent is one keyboard event.
type KeyEvent struct {
	Key       string
	Code      string
	Action    string // down, up
	Modifiers int
}

// Frame is one rendered page frame as tightly packed RGBA8 pixels.
type Frame struct {
	Width  int
	Height int
	Pixels []byte
}

// CursorFunc receives cursor-shape changes (CSS cursor keywords).
type CursorFunc func(cursor string)

// FrameFunc receives rendered frames.
type FrameFunc func(frame Frame)

// ClosedFunc receives engine-initiated page teardown (crash, window close).
type ClosedFunc func(reason string)

// Page is one browser-backed render target.
type Page interface {
	Navigate(ctx context.Context, url string) error
	SetSize(ctx context.Context, width, height int) error
	DispatchMouse(ctx context.Context, ev MouseEvent) error
	DispatchKey(ctx context.Context, ev KeyEvent) error
	// DispatchEvent delivers a named host event into the page as a DOM
	// CustomEvent with the payload as its detail.
	DispatchEvent(ctx context.Context, name string, payload []byte) error
	// OpenDevTools opens the engine's diagnostic view for this page.
	// Side effect only.
	OpenDevTools(ctx context.Context) error
	OnCursorChanged(fn CursorFunc)
	OnFrame(fn FrameFunc)
	OnClosed(fn ClosedFunc)
	Close() error
}

// Engine creates pages. Close tears down the engine and every page.
type Engine interface {
	NewPage(ctx context.Context, url string, width, height int) (Page, error)
	Close() error
}
