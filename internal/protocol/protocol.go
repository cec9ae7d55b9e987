// Package protocol defines the typed message contract between the host
// process and BrowserHost: correlated request/response pairs plus
// unsolicited host-bound notifications.
//
// Requests form a closed union tagged by Kind. Decoding rejects unknown
// tags with ErrUnknownKind, which the transport treats as an unrecoverable
// protocol error.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// Kind tags a request variant.
type Kind string

const (
	KindCreate     Kind = "create"
	KindResize     Kind = "resize"
	KindNavigate   Kind = "navigate"
	KindDebug      Kind = "debug"
	KindSendEvent  Kind = "send_event"
	KindRemove     Kind = "remove"
	KindMouseEvent Kind = "mouse_event"
	KindKeyEvent   Kind = "key_event"
	KindPing       Kind = "ping"
)

// ErrUnknownKind reports a request variant this build does not understand.
// Per the process contract this is fatal: the host and helper disagree on
// the protocol, so no further request can be trusted.
var ErrUnknownKind = errors.New("protocol: unknown request kind")

// ErrBadRequest reports a structurally invalid request (missing payload or
// session field for a variant that requires one).
var ErrBadRequest = errors.New("protocol: malformed request")

// CreatePayload carries the parameters of a create request.
type CreatePayload struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// ResizePayload carries new surface dimensions.
type ResizePayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NavigatePayload carries an in-place navigation target.
type NavigatePayload struct {
	URL string `json:"url"`
}

// EventPayload carries a named host event forwarded into the page.
type EventPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MousePayload carries a pointer event.
type MousePayload struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Button    string  `json:"button,omitempty"` // left, middle, right
	Action    string  `json:"action"`           // move, down, up, wheel
	DeltaX    float64 `json:"dx,omitempty"`
	DeltaY    float64 `json:"dy,omitempty"`
	Modifiers int     `json:"modifiers,omitempty"`
}

// KeyPayload carries a keyboard event.
type KeyPayload struct {
	Key       string `json:"key"`
	Code      string `json:"code,omitempty"`
	Action    string `json:"action"` // down, up
	Modifiers int    `json:"modifiers,omitempty"`
}

// Request is the inbound envelope. Kind selects which payload pointer is
// populated; Session names the target surface for every variant except ping.
type Request struct {
	ID      string `json:"id,omitempty"`
	Kind    Kind   `json:"kind"`
	Session string `json:"session,omitempty"`

	Create   *CreatePayload   `json:"create,omitempty"`
	Resize   *ResizePayload   `json:"resize,omitempty"`
	Navigate *NavigatePayload `json:"navigate,omitempty"`
	Event    *EventPayload    `json:"event,omitempty"`
	Mouse    *MousePayload    `json:"mouse,omitempty"`
	Key      *KeyPayload      `json:"key,omitempty"`
}

// DecodeRequest parses and validates one inbound frame.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := sonic.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	// The decoded envelope rides along with a validation error so the
	// caller can correlate its failure response with the request id.
	if err := req.validate(); err != nil {
		return req, err
	}
	return req, nil
}

func (r *Request) validate() error {
	switch r.Kind {
	case KindCreate:
		if r.Create == nil {
			return fmt.Errorf("%w: create without payload", ErrBadRequest)
		}
	case KindResize:
		if r.Resize == nil {
			return fmt.Errorf("%w: resize without payload", ErrBadRequest)
		}
	case KindNavigate:
		if r.Navigate == nil {
			return fmt.Errorf("%w: navigate without payload", ErrBadRequest)
		}
	case KindSendEvent:
		if r.Event == nil {
			return fmt.Errorf("%w: send_event without payload", ErrBadRequest)
		}
	case KindMouseEvent:
		if r.Mouse == nil {
			return fmt.Errorf("%w: mouse_event without payload", ErrBadRequest)
		}
	case KindKeyEvent:
		if r.Key == nil {
			return fmt.Errorf("%w: key_event without payload", ErrBadRequest)
		}
	case KindDebug, KindRemove:
		// Session-only variants.
	case KindPing:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if r.Session == "" {
		return fmt.Errorf("%w: %s without session", ErrBadRequest, r.Kind)
	}
	return nil
}

// ErrorCode classifies a per-request failure.
type ErrorCode string

const (
	CodeSessionNotFound ErrorCode = "session_not_found"
	CodeEngineFailure   ErrorCode = "engine_failure"
	CodeGPUFailure      ErrorCode = "gpu_failure"
	CodeBadRequest      ErrorCode = "bad_request"
)

// Error is the structured failure carried by a response. Missing sessions
// are always reported this way, for every variant including pointer and
// key events; no request faults the process.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// Response answers exactly one request, matched by ID.
type Response struct {
	Type    string `json:"type"` // always "response"
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	OK      bool   `json:"ok"`
	Handle  string `json:"handle,omitempty"` // create/resize only
	Session string `json:"session,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// NotificationKind tags an unsolicited host-bound message.
type NotificationKind string

const (
	NotifyCursorChanged NotificationKind = "cursor_changed"
	NotifySurfaceClosed NotificationKind = "surface_closed"
)

// Notification is an unsolicited host-bound message, not correlated to any
// request. Ordering relative to responses follows the writer queue only.
type Notification struct {
	Type    string           `json:"type"` // always "notification"
	Kind    NotificationKind `json:"kind"`
	Session string           `json:"session"`
	Cursor  string           `json:"cursor,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

// Outbound is any message written back to the host.
type Outbound interface {
	outbound()
}

func (Response) outbound()     {}
func (Notification) outbound() {}

// Ack builds an empty acknowledgment for a request.
func Ack(req Request) Response {
	return Response{Type: "response", ID: req.ID, Kind: req.Kind, Session: req.Session, OK: true}
}

// HandleResponse builds a response carrying a texture handle.
func HandleResponse(req Request, handle string) Response {
	resp := Ack(req)
	resp.Handle = handle
	return resp
}

// Fail builds a structured error response.
func Fail(req Request, code ErrorCode, msg string) Response {
	return Response{
		Type:    "response",
		ID:      req.ID,
		Kind:    req.Kind,
		Session: req.Session,
		Error:   &Error{Code: code, Message: msg},
	}
}

// CursorChanged builds a cursor-shape notification.
func CursorChanged(session, cursor string) Notification {
	return Notification{Type: "notification", Kind: NotifyCursorChanged, Session: session, Cursor: cursor}
}

// SurfaceClosed builds an engine-initiated teardown notification.
func SurfaceClosed(session, reason string) Notification {
	return Notification{Type: "notification", Kind: NotifySurfaceClosed, Session: session, Reason: reason}
}

// Encode serializes one outbound message.
func Encode(msg Outbound) ([]byte, error) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return data, nil
}
