package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Baelrayne/BrowserHost/internal/protocol"
	"github.com/Baelrayne/BrowserHost/internal/surface"
)

type ackHandler struct {
	err error
}

func (h *ackHandler) Dispatch(_ context.Context, req protocol.Request) (protocol.Response, error) {
	if h.err != nil {
		return protocol.Response{}, h.err
	}
	return protocol.Ack(req), nil
}

func newTestTransport(t *testing.T, handler Handler, events <-chan surface.Event) (*Transport, *httptest.Server) {
	t.Helper()
	tr := New(Config{
		Handler: handler,
		Events:  events,
		Logger:  zap.NewNop(),
	})
	srv := httptest.NewServer(tr.srv.Handler)
	t.Cleanup(srv.Close)
	return tr, srv
}

func dialChannel(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestRoundTrip(t *testing.T) {
	_, srv := newTestTransport(t, &ackHandler{}, nil)
	conn := dialChannel(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"42","kind":"ping"}`)))

	msg := readJSON(t, conn)
	assert.Equal(t, "response", msg["type"])
	assert.Equal(t, "42", msg["id"])
	assert.Equal(t, true, msg["ok"])
}

func TestSecondConnectionRefused(t *testing.T) {
	_, srv := newTestTransport(t, &ackHandler{}, nil)
	dialChannel(t, srv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestConnectionSlotFreedOnClose(t *testing.T) {
	_, srv := newTestTransport(t, &ackHandler{}, nil)
	conn := dialChannel(t, srv)
	conn.Close()

	// The slot is released once the server notices the close.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel"
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNotificationPush(t *testing.T) {
	events := make(chan surface.Event, 4)
	_, srv := newTestTransport(t, &ackHandler{}, events)
	conn := dialChannel(t, srv)

	events <- surface.Event{Session: "s1", Kind: surface.EventCursorChanged, Cursor: "pointer"}

	msg := readJSON(t, conn)
	assert.Equal(t, "notification", msg["type"])
	assert.Equal(t, "cursor_changed", msg["kind"])
	assert.Equal(t, "s1", msg["session"])
	assert.Equal(t, "pointer", msg["cursor"])
}

func TestSurfaceClosedNotification(t *testing.T) {
	events := make(chan surface.Event, 4)
	_, srv := newTestTransport(t, &ackHandler{}, events)
	conn := dialChannel(t, srv)

	events <- surface.Event{Session: "s1", Kind: surface.EventSurfaceClosed, Reason: "target destroyed"}

	msg := readJSON(t, conn)
	assert.Equal(t, "surface_closed", msg["kind"])
	assert.Equal(t, "target destroyed", msg["reason"])
}

func TestUnknownKindIsFatal(t *testing.T) {
	tr, srv := newTestTransport(t, &ackHandler{}, nil)
	conn := dialChannel(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","kind":"frobnicate"}`)))

	select {
	case err := <-tr.Fatal():
		assert.ErrorIs(t, err, protocol.ErrUnknownKind)
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error reported")
	}
}

func TestDispatchErrorIsFatal(t *testing.T) {
	boom := errors.New("handler wedged")
	tr, srv := newTestTransport(t, &ackHandler{err: boom}, nil)
	conn := dialChannel(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","kind":"ping"}`)))

	select {
	case err := <-tr.Fatal():
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error reported")
	}
}

type panicHandler struct{}

func (panicHandler) Dispatch(context.Context, protocol.Request) (protocol.Response, error) {
	panic("handler state corrupted")
}

func TestDispatchPanicIsFatal(t *testing.T) {
	events := make(chan surface.Event, 4)
	tr, srv := newTestTransport(t, panicHandler{}, events)
	conn := dialChannel(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"1","kind":"ping"}`)))

	select {
	case err := <-tr.Fatal():
		assert.Contains(t, err.Error(), "handler state corrupted")
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error reported")
	}

	// The unwound connection released its notification pump: events must
	// reach the next connection, not a leaked goroutine from this one.
	require.Eventually(t, func() bool {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel"
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return false
		}
		defer c.Close()
		events <- surface.Event{Session: "s1", Kind: surface.EventCursorChanged, Cursor: "text"}
		msg := readJSON(t, c)
		return msg["kind"] == "cursor_changed"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestMalformedRequestKeepsConnection(t *testing.T) {
	_, srv := newTestTransport(t, &ackHandler{}, nil)
	conn := dialChannel(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	msg := readJSON(t, conn)
	assert.Equal(t, false, msg["ok"])

	// The channel survives a malformed frame.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"2","kind":"ping"}`)))
	msg = readJSON(t, conn)
	assert.Equal(t, "2", msg["id"])
	assert.Equal(t, true, msg["ok"])
}

func TestBadRequestKeepsCorrelation(t *testing.T) {
	_, srv := newTestTransport(t, &ackHandler{}, nil)
	conn := dialChannel(t, srv)

	// Valid tag, missing payload: the failure must answer under the
	// request's own id and kind.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":"7","kind":"navigate","session":"a"}`)))

	msg := readJSON(t, conn)
	assert.Equal(t, false, msg["ok"])
	assert.Equal(t, "7", msg["id"])
	assert.Equal(t, "navigate", msg["kind"])
}

func TestHealthReportsConnection(t *testing.T) {
	_, srv := newTestTransport(t, &ackHandler{}, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
