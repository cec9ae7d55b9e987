package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const cursorBinding = "__browserhost_cursor"

// cursorScript reports computed cursor style changes through the CDP
// binding. Installed per document so it survives navigations.
const cursorScript = `(() => {
	if (window.__browserhostCursorHook) return;
	window.__browserhostCursorHook = true;
	let last = '';
	const report = (el) => {
		if (!el) return;
		let c = '';
		try { c = getComputedStyle(el).cursor || 'auto'; } catch (e) { return; }
		if (c !== last) { last = c; window.` + cursorBinding + `(c); }
	};
	document.addEventListener('mousemove', (e) => report(e.target), {passive: true, capture: true});
	document.addEventListener('mouseover', (e) => report(e.target), {passive: true, capture: true});
})();`

// RodConfig configures the Chromium-backed engine.
type RodConfig struct {
	// RemoteURL attaches to an external Chromium instead of launching one.
	// Accepts a ws:// control URL or an http(s):// debugging endpoint whose
	// /json/version is probed for the control URL.
	RemoteURL string

	// Stealth applies anti-automation-detection page setup.
	Stealth bool

	// DataDir is the Chromium profile directory. Empty means a temp profile.
	DataDir string

	NavigateTimeout time.Duration

	Logger *zap.Logger
}

func (c *RodConfig) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Rod drives headless Chromium over CDP.
type Rod struct {
	cfg     RodConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	wsHost  string // host:port of the debugging endpoint, for devtools views
	closed  bool
}

// NewRod launches (or attaches to) Chromium and connects.
func NewRod(cfg RodConfig) (*Rod, error) {
	cfg.defaults()
	e := &Rod{cfg: cfg}

	controlURL, err := e.resolveControlURL()
	if err != nil {
		return nil, err
	}

	if u, perr := url.Parse(controlURL); perr == nil {
		e.wsHost = u.Host
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		e.cleanupLauncher()
		return nil, fmt.Errorf("engine: connect: %w", err)
	}
	if err := b.IgnoreCertErrors(true); err != nil {
		cfg.Logger.Warn("engine: ignore cert errors failed", zap.Error(err))
	}

	e.browser = b
	cfg.Logger.Info("engine: chromium ready", zap.String("control_url", controlURL))
	return e, nil
}

// resolveControlURL picks the CDP websocket endpoint: remote attach when
// configured, local launch otherwise. A failed remote probe falls back to
// a local launch; the real failure surfaces on first use if that launch
// was also impossible.
func (e *Rod) resolveControlURL() (string, error) {
	remote := e.cfg.RemoteURL
	if strings.HasPrefix(remote, "ws://") || strings.HasPrefix(remote, "wss://") {
		return remote, nil
	}
	if strings.HasPrefix(remote, "http://") || strings.HasPrefix(remote, "https://") {
		wsURL, err := probeDebuggerURL(remote)
		if err == nil {
			return wsURL, nil
		}
		e.cfg.Logger.Warn("engine: remote chromium not reachable, launching local",
			zap.String("remote", remote), zap.Error(err))
	}

	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	if e.cfg.DataDir != "" {
		l = l.UserDataDir(e.cfg.DataDir)
	}

	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("engine: launch chromium: %w", err)
	}
	e.lnch = l
	return u, nil
}

// probeDebuggerURL asks a remote Chromium's debugging endpoint for its
// websocket control URL, with retries for a still-starting instance.
func probeDebuggerURL(endpoint string) (string, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil

	resp, err := client.Get(strings.TrimSuffix(endpoint, "/") + "/json/version")
	if err != nil {
		return "", fmt.Errorf("engine: probe %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&version); err != nil {
		return "", fmt.Errorf("engine: decode version: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("engine: %s reported no debugger url", endpoint)
	}
	return version.WebSocketDebuggerURL, nil
}

// NewPage creates a page sized to width x height and navigates it.
func (e *Rod) NewPage(ctx context.Context, pageURL string, width, height int) (Page, error) {
	e.mu.Lock()
	b := e.browser
	closed := e.closed
	e.mu.Unlock()
	if closed || b == nil {
		return nil, fmt.Errorf("engine: engine is closed")
	}

	var page *rod.Page
	var err error
	if e.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("engine: create page: %w", err)
	}

	pageCtx, cancel := context.WithCancel(context.Background())
	p := &rodPage{
		engine: e,
		page:   page,
		ctx:    pageCtx,
		cancel: cancel,
		log:    e.cfg.Logger,
	}

	if err := p.setMetrics(ctx, width, height); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Navigate(ctx, pageURL); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

// Close shuts down Chromium.
func (e *Rod) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.browser != nil {
		if err := e.browser.Close(); err != nil {
			e.cfg.Logger.Warn("engine: browser close", zap.Error(err))
		}
		e.browser = nil
	}
	e.cleanupLauncher()
	return nil
}

func (e *Rod) cleanupLauncher() {
	if e.lnch != nil {
		e.lnch.Cleanup()
		e.lnch = nil
	}
}

type rodPage struct {
	engine *Rod
	page   *rod.Page
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	mu        sync.Mutex
	cursorFn  CursorFunc
	frameFn   FrameFunc
	closedFn  ClosedFunc
	casting   bool
	watching  bool
	destroyed bool
}

func (p *rodPage) setMetrics(ctx context.Context, width, height int) error {
	err := proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}.Call(p.page.Context(ctx))
	if err != nil {
		return fmt.Errorf("engine: set metrics: %w", err)
	}
	return nil
}

func (p *rodPage) Navigate(ctx context.Context, pageURL string) error {
	if p.isClosed() {
		return ErrPageClosed
	}
	navCtx, cancel := context.WithTimeout(ctx, p.engine.cfg.NavigateTimeout)
	defer cancel()

	if err := p.page.Context(navCtx).Navigate(pageURL); err != nil {
		return fmt.Errorf("engine: navigate %s: %w", pageURL, err)
	}
	if err := p.page.Context(navCtx).WaitLoad(); err != nil {
		p.log.Warn("engine: wait load timed out", zap.String("url", pageURL), zap.Error(err))
	}
	return nil
}

func (p *rodPage) SetSize(ctx context.Context, width, height int) error {
	if p.isClosed() {
		return ErrPageClosed
	}
	return p.setMetrics(ctx, width, height)
}

func (p *rodPage) DispatchMouse(ctx context.Context, ev MouseEvent) error {
	if p.isClosed() {
		return ErrPageClosed
	}

	req := proto.InputDispatchMouseEvent{
		X:         ev.X,
		Y:         ev.Y,
		Modifiers: ev.Modifiers,
	}
	switch ev.Action {
	case "down":
		req.Type = proto.InputDispatchMouseEventTypeMousePressed
		req.Button = mouseButton(ev.Button)
		req.ClickCount = 1
	case "up":
		req.Type = proto.InputDispatchMouseEventTypeMouseReleased
		req.Button = mouseButton(ev.Button)
		req.ClickCount = 1
	case "wheel":
		req.Type = proto.InputDispatchMouseEventTypeMouseWheel
		req.DeltaX = ev.DeltaX
		req.DeltaY = ev.DeltaY
	default:
		req.Type = proto.InputDispatchMouseEventTypeMouseMoved
	}

	if err := req.Call(p.page.Context(ctx)); err != nil {
		return fmt.Errorf("engine: dispatch mouse: %w", err)
	}
	return nil
}

func mouseButton(name string) proto.InputMouseButton {
	switch name {
	case "middle":
		return proto.InputMouseButtonMiddle
	case "right":
		return proto.InputMouseButtonRight
	default:
		return proto.InputMouseButtonLeft
	}
}

func (p *rodPage) DispatchKey(ctx context.Context, ev KeyEvent) error {
	if p.isClosed() {
		return ErrPageClosed
	}

	req := proto.InputDispatchKeyEvent{
		Key:       ev.Key,
		Code:      ev.Code,
		Modifiers: ev.Modifiers,
	}
	if ev.Action == "up" {
		req.Type = proto.InputDispatchKeyEventTypeKeyUp
	} else {
		req.Type = proto.InputDispatchKeyEventTypeKeyDown
	}

	if err := req.Call(p.page.Context(ctx)); err != nil {
		return fmt.Errorf("engine: dispatch key: %w", err)
	}
	return nil
}

func (p *rodPage) DispatchEvent(ctx context.Context, name string, payload []byte) error {
	if p.isClosed() {
		return ErrPageClosed
	}
	var detail interface{}
	if len(payload) > 0 {
		if err := sonic.Unmarshal(payload, &detail); err != nil {
			return fmt.Errorf("engine: event payload for %s: %w", name, err)
		}
	}
	js := `(name, detail) => window.dispatchEvent(new CustomEvent(name, {detail}))`
	_, err := p.page.Context(ctx).Eval(js, name, detail)
	if err != nil {
		return fmt.Errorf("engine: dispatch event %s: %w", name, err)
	}
	return nil
}

// OpenDevTools opens the bundled devtools frontend for this page in a
// separate target. Best effort: remote instances without a reachable
// debugging host report an error.
func (p *rodPage) OpenDevTools(ctx context.Context) error {
	if p.isClosed() {
		return ErrPageClosed
	}
	host := p.engine.wsHost
	if host == "" {
		return fmt.Errorf("engine: no debugging host for devtools")
	}
	target := proto.TargetCreateTarget{
		URL: fmt.Sprintf(
			"devtools://devtools/bundled/inspector.html?ws=%s/devtools/page/%s",
			host, p.page.TargetID),
	}
	if _, err := p.engine.browser.Page(target); err != nil {
		return fmt.Errorf("engine: open devtools: %w", err)
	}
	return nil
}

// OnCursorChanged installs the cursor watcher: a CDP binding plus an
// injected per-document script reporting computed cursor style changes.
func (p *rodPage) OnCursorChanged(fn CursorFunc) {
	p.mu.Lock()
	p.cursorFn = fn
	alreadyWatching := p.watching
	p.watching = true
	p.mu.Unlock()
	if alreadyWatching {
		return
	}

	if err := (proto.RuntimeAddBinding{Name: cursorBinding}).Call(p.page); err != nil {
		p.log.Warn("engine: add cursor binding", zap.Error(err))
	}
	if _, err := p.page.EvalOnNewDocument(cursorScript); err != nil {
		p.log.Warn("engine: install cursor script", zap.Error(err))
	}
	if _, err := p.page.Eval(cursorScript); err != nil {
		p.log.Debug("engine: inject cursor script", zap.Error(err))
	}

	go p.page.Context(p.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != cursorBinding {
			return
		}
		p.mu.Lock()
		fn := p.cursorFn
		p.mu.Unlock()
		if fn != nil {
			fn(e.Payload)
		}
	})()
}

// OnFrame starts the screencast and delivers decoded RGBA frames.
func (p *rodPage) OnFrame(fn FrameFunc) {
	p.mu.Lock()
	p.frameFn = fn
	alreadyCasting := p.casting
	p.casting = true
	p.mu.Unlock()
	if alreadyCasting {
		return
	}

	every := 1
	err := proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatPng,
		EveryNthFrame: &every,
	}.Call(p.page)
	if err != nil {
		p.log.Warn("engine: start screencast", zap.Error(err))
		return
	}

	go p.page.Context(p.ctx).EachEvent(func(e *proto.PageScreencastFrame) {
		// Ack immediately so the engine keeps producing frames.
		if err := (proto.PageScreencastFrameAck{SessionID: e.SessionID}).Call(p.page); err != nil {
			p.log.Debug("engine: screencast ack", zap.Error(err))
		}

		frame, err := decodeFrame(e.Data)
		if err != nil {
			p.log.Debug("engine: decode frame", zap.Error(err))
			return
		}

		p.mu.Lock()
		fn := p.frameFn
		p.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
	})()
}

// OnClosed watches for engine-initiated teardown of this page's target.
func (p *rodPage) OnClosed(fn ClosedFunc) {
	p.mu.Lock()
	p.closedFn = fn
	p.mu.Unlock()

	targetID := p.page.TargetID
	go p.engine.browser.Context(p.ctx).EachEvent(func(e *proto.TargetTargetDestroyed) {
		if e.TargetID != targetID {
			return
		}
		p.mu.Lock()
		fn := p.closedFn
		wasDestroyed := p.destroyed
		p.destroyed = true
		p.mu.Unlock()
		if fn != nil && !wasDestroyed {
			fn("target destroyed")
		}
	})()
}

func (p *rodPage) Close() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		p.cancel()
		return nil
	}
	p.destroyed = true
	p.mu.Unlock()

	p.cancel()
	if err := p.page.Close(); err != nil {
		return fmt.Errorf("engine: close page: %w", err)
	}
	return nil
}

func (p *rodPage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// decodeFrame converts a PNG screencast frame to tightly packed RGBA8.
func decodeFrame(data []byte) (Frame, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, err
	}

	bounds := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != bounds.Dx()*4 {
		converted := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
		draw.Draw(converted, converted.Bounds(), img, bounds.Min, draw.Src)
		rgba = converted
	}

	return Frame{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Pixels: rgba.Pix,
	}, nil
}
