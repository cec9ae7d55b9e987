package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Baelrayne/BrowserHost/internal/engine"
	"github.com/Baelrayne/BrowserHost/internal/gpu"
	"github.com/Baelrayne/BrowserHost/internal/protocol"
	"github.com/Baelrayne/BrowserHost/internal/shared/id"
	"github.com/Baelrayne/BrowserHost/internal/surface"
)

type scriptedSession struct {
	sessionID string
	handle    gpu.Handle
	calls     []string

	resizeErr   error
	navigateErr error
	eventErr    error
	mouseErr    error
	keyErr      error
	debugErr    error
}

func newScriptedSession(sessionID string) *scriptedSession {
	return &scriptedSession{sessionID: sessionID, handle: id.NewTextureHandle()}
}

func (s *scriptedSession) ID() string         { return s.sessionID }
func (s *scriptedSession) Handle() gpu.Handle { return s.handle }

func (s *scriptedSession) Resize(_ context.Context, width, height int) (gpu.Handle, error) {
	s.calls = append(s.calls, fmt.Sprintf("resize %dx%d", width, height))
	if s.resizeErr != nil {
		return "", s.resizeErr
	}
	s.handle = id.NewTextureHandle()
	return s.handle, nil
}

func (s *scriptedSession) Navigate(_ context.Context, url string) error {
	s.calls = append(s.calls, "navigate "+url)
	return s.navigateErr
}

func (s *scriptedSession) SendEvent(_ context.Context, name string, _ []byte) error {
	s.calls = append(s.calls, "event "+name)
	return s.eventErr
}

func (s *scriptedSession) SendMouse(_ context.Context, ev engine.MouseEvent) error {
	s.calls = append(s.calls, "mouse "+ev.Action)
	return s.mouseErr
}

func (s *scriptedSession) SendKey(_ context.Context, ev engine.KeyEvent) error {
	s.calls = append(s.calls, "key "+ev.Action+" "+ev.Key)
	return s.keyErr
}

func (s *scriptedSession) Debug(_ context.Context) error {
	s.calls = append(s.calls, "debug")
	return s.debugErr
}

func (s *scriptedSession) Dispose() { s.calls = append(s.calls, "dispose") }

func newTestDispatcher(t *testing.T, factoryErr error) (*Dispatcher, *surface.Registry, map[string]*scriptedSession) {
	t.Helper()
	registry := surface.NewRegistry(zap.NewNop(), nil)
	made := make(map[string]*scriptedSession)
	factory := FactoryFunc(func(_ context.Context, sessionID, _ string, _, _ int) (surface.Session, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		s := newScriptedSession(sessionID)
		made[sessionID] = s
		return s, nil
	})
	return New(registry, factory, zap.NewNop(), nil), registry, made
}

func dispatch(t *testing.T, d *Dispatcher, raw string) protocol.Response {
	t.Helper()
	req, err := protocol.DecodeRequest([]byte(raw))
	require.NoError(t, err)
	resp, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func TestCreateReturnsHandle(t *testing.T) {
	d, registry, made := newTestDispatcher(t, nil)

	resp := dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)

	assert.True(t, resp.OK)
	assert.Equal(t, "1", resp.ID)
	require.Contains(t, made, "s1")
	assert.Equal(t, made["s1"].Handle().String(), resp.Handle)
	assert.Equal(t, 1, registry.Len())
}

func TestCreateEngineFailure(t *testing.T) {
	d, registry, _ := newTestDispatcher(t, errors.New("chromium refused to start"))

	resp := dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)

	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeEngineFailure, resp.Error.Code)
	assert.Equal(t, 0, registry.Len())
}

func TestCreateGPUFailure(t *testing.T) {
	d, _, _ := newTestDispatcher(t, fmt.Errorf("800x600: %w", gpu.ErrTextureAllocation))

	resp := dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)

	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeGPUFailure, resp.Error.Code)
}

func TestResizeReturnsFreshHandle(t *testing.T) {
	d, _, made := newTestDispatcher(t, nil)
	dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)
	first := made["s1"].Handle().String()

	resp := dispatch(t, d, `{"id":"2","kind":"resize","session":"s1","resize":{"width":1024,"height":768}}`)

	assert.True(t, resp.OK)
	assert.NotEmpty(t, resp.Handle)
	assert.NotEqual(t, first, resp.Handle)
	assert.Contains(t, made["s1"].calls, "resize 1024x768")
}

// Every session-addressed variant answers a missing session with the same
// structured error, input events included.
func TestMissingSessionIsUniform(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)

	requests := []string{
		`{"id":"1","kind":"resize","session":"ghost","resize":{"width":10,"height":10}}`,
		`{"id":"2","kind":"navigate","session":"ghost","navigate":{"url":"https://example.com"}}`,
		`{"id":"3","kind":"debug","session":"ghost"}`,
		`{"id":"4","kind":"send_event","session":"ghost","event":{"name":"ping"}}`,
		`{"id":"5","kind":"remove","session":"ghost"}`,
		`{"id":"6","kind":"mouse_event","session":"ghost","mouse":{"x":1,"y":2,"action":"move"}}`,
		`{"id":"7","kind":"key_event","session":"ghost","key":{"key":"a","action":"down"}}`,
	}
	for _, raw := range requests {
		resp := dispatch(t, d, raw)
		assert.False(t, resp.OK, raw)
		require.NotNil(t, resp.Error, raw)
		assert.Equal(t, protocol.CodeSessionNotFound, resp.Error.Code, raw)
	}
}

func TestInputForwarding(t *testing.T) {
	d, _, made := newTestDispatcher(t, nil)
	dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)

	assert.True(t, dispatch(t, d, `{"id":"2","kind":"mouse_event","session":"s1","mouse":{"x":10,"y":20,"action":"move"}}`).OK)
	assert.True(t, dispatch(t, d, `{"id":"3","kind":"mouse_event","session":"s1","mouse":{"x":10,"y":20,"button":"left","action":"down"}}`).OK)
	assert.True(t, dispatch(t, d, `{"id":"4","kind":"key_event","session":"s1","key":{"key":"Enter","action":"down"}}`).OK)

	assert.Equal(t, []string{"mouse move", "mouse down", "key down Enter"}, made["s1"].calls)
}

func TestNavigateAndEvent(t *testing.T) {
	d, _, made := newTestDispatcher(t, nil)
	dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)

	assert.True(t, dispatch(t, d, `{"id":"2","kind":"navigate","session":"s1","navigate":{"url":"https://go.dev"}}`).OK)
	assert.True(t, dispatch(t, d, `{"id":"3","kind":"send_event","session":"s1","event":{"name":"theme","payload":{"dark":true}}}`).OK)

	assert.Equal(t, []string{"navigate https://go.dev", "event theme"}, made["s1"].calls)
}

func TestNavigateFailureIsEngineFailure(t *testing.T) {
	d, _, made := newTestDispatcher(t, nil)
	dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)
	made["s1"].navigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED")

	resp := dispatch(t, d, `{"id":"2","kind":"navigate","session":"s1","navigate":{"url":"https://nope.invalid"}}`)

	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeEngineFailure, resp.Error.Code)
}

func TestDisposedSessionMapsToNotFound(t *testing.T) {
	d, _, made := newTestDispatcher(t, nil)
	dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)
	made["s1"].mouseErr = surface.ErrDisposed

	resp := dispatch(t, d, `{"id":"2","kind":"mouse_event","session":"s1","mouse":{"x":1,"y":1,"action":"move"}}`)

	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeSessionNotFound, resp.Error.Code)
}

func TestRemoveDisposesSurface(t *testing.T) {
	d, registry, made := newTestDispatcher(t, nil)
	dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)

	resp := dispatch(t, d, `{"id":"2","kind":"remove","session":"s1"}`)

	assert.True(t, resp.OK)
	assert.Equal(t, 0, registry.Len())
	assert.Contains(t, made["s1"].calls, "dispose")
}

func TestCreateReplacesExistingSession(t *testing.T) {
	d, registry, made := newTestDispatcher(t, nil)
	dispatch(t, d, `{"id":"1","kind":"create","session":"s1","create":{"url":"https://example.com","width":800,"height":600}}`)
	first := made["s1"]

	resp := dispatch(t, d, `{"id":"2","kind":"create","session":"s1","create":{"url":"https://go.dev","width":400,"height":300}}`)

	assert.True(t, resp.OK)
	assert.Equal(t, 1, registry.Len())
	assert.Contains(t, first.calls, "dispose")
	assert.NotEqual(t, first.Handle().String(), resp.Handle)
}

func TestPing(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	resp := dispatch(t, d, `{"id":"9","kind":"ping"}`)
	assert.True(t, resp.OK)
	assert.Equal(t, "9", resp.ID)
}
