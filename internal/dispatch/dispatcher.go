// Package dispatch maps decoded requests onto registry and surface
// operations. Dispatch runs synchronously on the transport's read
// goroutine, one request at a time; per-surface concurrency lives behind
// the registry's contract.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Baelrayne/BrowserHost/internal/engine"
	"github.com/Baelrayne/BrowserHost/internal/gpu"
	"github.com/Baelrayne/BrowserHost/internal/infrastructure/monitoring"
	"github.com/Baelrayne/BrowserHost/internal/protocol"
	"github.com/Baelrayne/BrowserHost/internal/surface"
)

// Factory creates and initializes a surface for a create request.
// Injected so tests can register fakes without an engine or device.
type Factory interface {
	NewSurface(ctx context.Context, sessionID, url string, width, height int) (surface.Session, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, sessionID, url string, width, height int) (surface.Session, error)

// NewSurface implements Factory.
func (f FactoryFunc) NewSurface(ctx context.Context, sessionID, url string, width, height int) (surface.Session, error) {
	return f(ctx, sessionID, url, width, height)
}

// Dispatcher resolves each request variant against the registry. Missing
// sessions are answered with a structured session_not_found error for every
// variant, pointer and key events included; the original protocol's
// fault-versus-ignore asymmetry is deliberately not preserved.
type Dispatcher struct {
	registry *surface.Registry
	factory  Factory
	log      *zap.Logger
	metrics  *monitoring.Metrics
}

// New creates a dispatcher over an injected registry and surface factory.
func New(registry *surface.Registry, factory Factory, log *zap.Logger, metrics *monitoring.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		factory:  factory,
		log:      log,
		metrics:  metrics,
	}
}

// Dispatch handles one request and produces its response. A non-nil error
// is a protocol-fatal condition (a variant the closed union does not
// cover); every per-request failure is encoded in the response instead.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	start := time.Now()
	resp, err := d.dispatch(ctx, req)
	if err != nil {
		return protocol.Response{}, err
	}

	outcome := "ok"
	if resp.Error != nil {
		outcome = string(resp.Error.Code)
		d.log.Debug("request failed",
			zap.String("kind", string(req.Kind)),
			zap.String("session", req.Session),
			zap.String("code", outcome),
			zap.String("message", resp.Error.Message))
	}
	d.metrics.RecordRequest(string(req.Kind), outcome, time.Since(start))
	return resp, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	switch req.Kind {
	case protocol.KindPing:
		return protocol.Ack(req), nil

	case protocol.KindCreate:
		return d.create(ctx, req), nil

	case protocol.KindResize:
		s, fail, ok := d.resolve(req)
		if !ok {
			return fail, nil
		}
		handle, err := s.Resize(ctx, req.Resize.Width, req.Resize.Height)
		if err != nil {
			return protocol.Fail(req, failureCode(err), err.Error()), nil
		}
		return protocol.HandleResponse(req, handle.String()), nil

	case protocol.KindNavigate:
		s, fail, ok := d.resolve(req)
		if !ok {
			return fail, nil
		}
		if err := s.Navigate(ctx, req.Navigate.URL); err != nil {
			return protocol.Fail(req, failureCode(err), err.Error()), nil
		}
		return protocol.Ack(req), nil

	case protocol.KindDebug:
		s, fail, ok := d.resolve(req)
		if !ok {
			return fail, nil
		}
		if err := s.Debug(ctx); err != nil {
			return protocol.Fail(req, failureCode(err), err.Error()), nil
		}
		return protocol.Ack(req), nil

	case protocol.KindSendEvent:
		s, fail, ok := d.resolve(req)
		if !ok {
			return fail, nil
		}
		if err := s.SendEvent(ctx, req.Event.Name, req.Event.Payload); err != nil {
			return protocol.Fail(req, failureCode(err), err.Error()), nil
		}
		return protocol.Ack(req), nil

	case protocol.KindRemove:
		if err := d.registry.Remove(req.Session); err != nil {
			return protocol.Fail(req, failureCode(err), err.Error()), nil
		}
		return protocol.Ack(req), nil

	case protocol.KindMouseEvent:
		s, fail, ok := d.resolve(req)
		if !ok {
			return fail, nil
		}
		ev := engine.MouseEvent{
			X:         req.Mouse.X,
			Y:         req.Mouse.Y,
			Button:    req.Mouse.Button,
			Action:    req.Mouse.Action,
			DeltaX:    req.Mouse.DeltaX,
			DeltaY:    req.Mouse.DeltaY,
			Modifiers: req.Mouse.Modifiers,
		}
		if err := s.SendMouse(ctx, ev); err != nil {
			return protocol.Fail(req, failureCode(err), err.Error()), nil
		}
		return protocol.Ack(req), nil

	case protocol.KindKeyEvent:
		s, fail, ok := d.resolve(req)
		if !ok {
			return fail, nil
		}
		ev := engine.KeyEvent{
			Key:       req.Key.Key,
			Code:      req.Key.Code,
			Action:    req.Key.Action,
			Modifiers: req.Key.Modifiers,
		}
		if err := s.SendKey(ctx, ev); err != nil {
			return protocol.Fail(req, failureCode(err), err.Error()), nil
		}
		return protocol.Ack(req), nil

	default:
		// Decode already rejects unknown tags; reaching this arm means the
		// union gained a variant without a handler.
		return protocol.Response{}, fmt.Errorf("%w: %q", protocol.ErrUnknownKind, req.Kind)
	}
}

func (d *Dispatcher) create(ctx context.Context, req protocol.Request) protocol.Response {
	s, err := d.factory.NewSurface(ctx, req.Session, req.Create.URL, req.Create.Width, req.Create.Height)
	if err != nil {
		return protocol.Fail(req, failureCode(err), err.Error())
	}
	d.registry.Create(req.Session, s)
	d.log.Info("surface created",
		zap.String("session", req.Session),
		zap.String("url", req.Create.URL),
		zap.Int("width", req.Create.Width),
		zap.Int("height", req.Create.Height))
	return protocol.HandleResponse(req, s.Handle().String())
}

// resolve looks up the request's session, producing the structured
// not-found response when absent.
func (d *Dispatcher) resolve(req protocol.Request) (surface.Session, protocol.Response, bool) {
	s, err := d.registry.Get(req.Session)
	if err != nil {
		return nil, protocol.Fail(req, protocol.CodeSessionNotFound, err.Error()), false
	}
	return s, protocol.Response{}, true
}

func failureCode(err error) protocol.ErrorCode {
	switch {
	case errors.Is(err, surface.ErrSessionNotFound), errors.Is(err, surface.ErrDisposed):
		return protocol.CodeSessionNotFound
	case errors.Is(err, gpu.ErrTextureAllocation),
		errors.Is(err, gpu.ErrDeviceUnavailable),
		errors.Is(err, gpu.ErrTextureReleased):
		return protocol.CodeGPUFailure
	case errors.Is(err, gpu.ErrBadDimensions):
		return protocol.CodeBadRequest
	default:
		return protocol.CodeEngineFailure
	}
}
