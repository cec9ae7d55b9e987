// Package surface owns browser-backed render targets ("inlays") and the
// concurrent registry that maps session identifiers to them. A Surface
// couples one engine page with one exported GPU texture; the engine's frame
// stream is pumped into the texture, and cursor-shape changes are emitted
// as events for the transport to push upstream.
package surface

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Baelrayne/BrowserHost/internal/engine"
	"github.com/Baelrayne/BrowserHost/internal/gpu"
	"github.com/Baelrayne/BrowserHost/internal/infrastructure/monitoring"
)

// State tracks the surface lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateResizing
	StateNavigating
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateResizing:
		return "resizing"
	case StateNavigating:
		return "navigating"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ErrDisposed is returned for operations on a disposed surface.
var ErrDisposed = fmt.Errorf("surface: disposed")

// EventKind tags a surface event.
type EventKind int

const (
	EventCursorChanged EventKind = iota
	EventSurfaceClosed
)

// Event is an unsolicited surface-originated occurrence, forwarded to the
// host as a notification by the transport's single outbound writer.
type Event struct {
	Session string
	Kind    EventKind
	Cursor  string
	Reason  string
}

// Session is the registry's view of a surface. The dispatcher operates on
// this interface, so tests can register fakes.
type Session interface {
	ID() string
	Handle() gpu.Handle
	Resize(ctx context.Context, width, height int) (gpu.Handle, error)
	Navigate(ctx context.Context, url string) error
	SendEvent(ctx context.Context, name string, payload []byte) error
	SendMouse(ctx context.Context, ev engine.MouseEvent) error
	SendKey(ctx context.Context, ev engine.KeyEvent) error
	Debug(ctx context.Context) error
	Dispose()
}

// Config configures a Surface.
type Config struct {
	Device  gpu.Device
	Events  chan<- Event
	Logger  *zap.Logger
	Metrics *monitoring.Metrics

	// MaxFrameRate caps texture uploads per second. Zero means 60.
	MaxFrameRate float64
}

// Surface is one browser-backed, GPU-textured rendering session. All
// operations on the same surface serialize on its mutex; operations on
// different surfaces never contend.
type Surface struct {
	id  string
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	state   State
	url     string
	width   int
	height  int
	page    engine.Page
	texture gpu.Texture

	frameLimit *rate.Limiter
}

// New creates an uninitialized surface for the given session identifier.
func New(sessionID string, cfg Config) *Surface {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	fps := cfg.MaxFrameRate
	if fps <= 0 {
		fps = 60
	}
	return &Surface{
		id:         sessionID,
		cfg:        cfg,
		log:        cfg.Logger.With(zap.String("session", sessionID)),
		state:      StateUninitialized,
		frameLimit: rate.NewLimiter(rate.Limit(fps), 1),
	}
}

// ID returns the session identifier chosen by the host.
func (s *Surface) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Surface) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle returns the current exported texture handle.
func (s *Surface) Handle() gpu.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.texture == nil {
		return ""
	}
	return s.texture.Handle()
}

// Initialize allocates the engine page and the exported texture, then wires
// the frame pump and cursor watcher. An allocation failure leaves the
// surface unusable; the caller reports it on the create request.
func (s *Surface) Initialize(ctx context.Context, eng engine.Engine, url string, width, height int) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return fmt.Errorf("surface: initialize in state %s", s.state)
	}
	s.mu.Unlock()

	page, err := eng.NewPage(ctx, url, width, height)
	if err != nil {
		return fmt.Errorf("surface: engine page: %w", err)
	}

	texture, err := s.cfg.Device.CreateTexture(width, height)
	if err != nil {
		if cerr := page.Close(); cerr != nil {
			s.log.Warn("close page after failed texture allocation", zap.Error(cerr))
		}
		return fmt.Errorf("surface: %w", err)
	}

	s.mu.Lock()
	s.page = page
	s.texture = texture
	s.url = url
	s.width = width
	s.height = height
	s.state = StateReady
	s.mu.Unlock()

	page.OnCursorChanged(func(cursor string) {
		s.emit(Event{Session: s.id, Kind: EventCursorChanged, Cursor: cursor})
	})
	page.OnClosed(func(reason string) {
		s.emit(Event{Session: s.id, Kind: EventSurfaceClosed, Reason: reason})
	})
	page.OnFrame(s.uploadFrame)

	s.log.Info("surface ready",
		zap.String("url", url),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.String("handle", texture.Handle().String()))
	return nil
}

// Resize reallocates the exported texture at the new size and returns the
// fresh handle; the previous handle is invalid from this point. Identical
// sizes still reallocate, which keeps the handle-freshness invariant
// trivial for the host.
func (s *Surface) Resize(ctx context.Context, width, height int) (gpu.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed {
		return "", ErrDisposed
	}
	if s.state != StateReady {
		return "", fmt.Errorf("surface: resize in state %s", s.state)
	}
	s.state = StateResizing

	texture, err := s.cfg.Device.CreateTexture(width, height)
	if err != nil {
		s.state = StateReady
		return "", fmt.Errorf("surface: %w", err)
	}

	if err := s.page.SetSize(ctx, width, height); err != nil {
		if rerr := texture.Release(); rerr != nil {
			s.log.Warn("release texture after failed resize", zap.Error(rerr))
		}
		s.state = StateReady
		return "", fmt.Errorf("surface: %w", err)
	}

	old := s.texture
	s.texture = texture
	s.width = width
	s.height = height
	s.state = StateReady

	if err := old.Release(); err != nil {
		s.log.Warn("release previous texture", zap.Error(err))
	}

	s.log.Debug("surface resized",
		zap.Int("width", width),
		zap.Int("height", height),
		zap.String("handle", texture.Handle().String()))
	return texture.Handle(), nil
}

// Navigate loads a new URL in place. Size and handle are unchanged.
func (s *Surface) Navigate(ctx context.Context, url string) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state != StateReady {
		s.mu.Unlock()
		return fmt.Errorf("surface: navigate in state %s", s.state)
	}
	s.state = StateNavigating
	page := s.page
	s.mu.Unlock()

	err := page.Navigate(ctx, url)

	s.mu.Lock()
	if s.state == StateNavigating {
		s.state = StateReady
		if err == nil {
			s.url = url
		}
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("surface: %w", err)
	}
	return nil
}

// SendEvent forwards a named host event into the page.
func (s *Surface) SendEvent(ctx context.Context, name string, payload []byte) error {
	page, err := s.livePage()
	if err != nil {
		return err
	}
	if err := page.DispatchEvent(ctx, name, payload); err != nil {
		return fmt.Errorf("surface: %w", err)
	}
	return nil
}

// SendMouse forwards a pointer event. Events for one surface are delivered
// in submission order: the transport dispatches serially and the engine
// queue preserves arrival order.
func (s *Surface) SendMouse(ctx context.Context, ev engine.MouseEvent) error {
	page, err := s.livePage()
	if err != nil {
		return err
	}
	if err := page.DispatchMouse(ctx, ev); err != nil {
		return fmt.Errorf("surface: %w", err)
	}
	s.cfg.Metrics.InputForwarded()
	return nil
}

// SendKey forwards a keyboard event.
func (s *Surface) SendKey(ctx context.Context, ev engine.KeyEvent) error {
	page, err := s.livePage()
	if err != nil {
		return err
	}
	if err := page.DispatchKey(ctx, ev); err != nil {
		return fmt.Errorf("surface: %w", err)
	}
	s.cfg.Metrics.InputForwarded()
	return nil
}

// Debug opens the engine's diagnostic view. Side effect only.
func (s *Surface) Debug(ctx context.Context) error {
	page, err := s.livePage()
	if err != nil {
		return err
	}
	if err := page.OpenDevTools(ctx); err != nil {
		return fmt.Errorf("surface: %w", err)
	}
	return nil
}

// Dispose releases the texture and the engine page. Idempotent. Once it
// returns, no further event from this surface is emitted: the disposed flag
// is checked under the same mutex emissions hold.
func (s *Surface) Dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	page := s.page
	texture := s.texture
	s.page = nil
	s.texture = nil
	s.mu.Unlock()

	if page != nil {
		if err := page.Close(); err != nil {
			s.log.Warn("close page", zap.Error(err))
		}
	}
	if texture != nil {
		if err := texture.Release(); err != nil {
			s.log.Warn("release texture", zap.Error(err))
		}
	}
	s.log.Info("surface disposed")
}

func (s *Surface) livePage() (engine.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed {
		return nil, ErrDisposed
	}
	if s.page == nil {
		return nil, fmt.Errorf("surface: not initialized")
	}
	return s.page, nil
}

// uploadFrame copies one engine frame into the current texture, rate-capped.
// Frames produced mid-resize carry the old dimensions and are skipped.
func (s *Surface) uploadFrame(frame engine.Frame) {
	if !s.frameLimit.Allow() {
		s.cfg.Metrics.FrameDropped()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed || s.texture == nil {
		return
	}
	if frame.Width != s.width || frame.Height != s.height {
		return
	}
	if err := s.texture.Upload(frame.Pixels); err != nil {
		s.log.Debug("frame upload", zap.Error(err))
		return
	}
	s.cfg.Metrics.FrameUploaded()
}

// emit delivers a surface event unless the surface is disposed. The send is
// non-blocking: with no host attached the queue fills and late events drop.
func (s *Surface) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisposed || s.cfg.Events == nil {
		return
	}
	select {
	case s.cfg.Events <- ev:
	default:
		s.log.Debug("event queue full, dropping",
			zap.Int("kind", int(ev.Kind)))
	}
}
