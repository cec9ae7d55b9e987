// Package transport exposes the duplex host channel over WebSocket plus
// the health and metrics endpoints. One host connection is served at a
// time; all outbound traffic, responses and notifications alike, funnels
// through a single writer goroutine per connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Baelrayne/BrowserHost/internal/infrastructure/monitoring"
	"github.com/Baelrayne/BrowserHost/internal/protocol"
	"github.com/Baelrayne/BrowserHost/internal/surface"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Host connects from an arbitrary local origin
	},
}

const outboundQueueSize = 256

// Handler processes one decoded request. A non-nil error is protocol
// fatal and tears the process down.
type Handler interface {
	Dispatch(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// Config configures the transport.
type Config struct {
	Host    string
	Port    string
	Handler Handler
	Events  <-chan surface.Event
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Transport serves the host channel.
type Transport struct {
	handler Handler
	events  <-chan surface.Event
	log     *zap.Logger
	metrics *monitoring.Metrics

	srv   *http.Server
	fatal chan error

	mu     sync.Mutex
	active string // connection id of the current host link, "" when idle
}

// New creates a transport. Run starts serving; Fatal reports
// protocol-fatal conditions that require process termination.
func New(cfg Config) *Transport {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		handler: cfg.Handler,
		events:  cfg.Events,
		log:     log,
		metrics: cfg.Metrics,
		fatal:   make(chan error, 1),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Content-Type", "Origin"},
		MaxAge:       12 * time.Hour,
	}))

	router.GET("/health", t.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/channel", t.handleChannel)

	t.srv = &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}
	return t
}

// Run serves until Shutdown. It returns nil after a clean shutdown.
func (t *Transport) Run() error {
	t.log.Info("transport listening", zap.String("addr", t.srv.Addr))
	if err := t.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes the current one.
func (t *Transport) Shutdown(ctx context.Context) error {
	return t.srv.Shutdown(ctx)
}

// Fatal delivers at most one protocol-fatal error.
func (t *Transport) Fatal() <-chan error {
	return t.fatal
}

func (t *Transport) health(c *gin.Context) {
	t.mu.Lock()
	connected := t.active != ""
	t.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"connected": connected,
		"timestamp": time.Now().Unix(),
	})
}

func (t *Transport) handleChannel(c *gin.Context) {
	connID := uuid.NewString()

	t.mu.Lock()
	if t.active != "" {
		t.mu.Unlock()
		t.metrics.ConnectRefused()
		t.log.Warn("refusing second host connection", zap.String("conn_id", connID))
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "host already connected"})
		return
	}
	t.active = connID
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.active == connID {
			t.active = ""
		}
		t.mu.Unlock()
	}()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		t.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	t.metrics.ConnectAccepted()
	t.log.Info("host connected", zap.String("conn_id", connID))
	t.serve(c.Request.Context(), conn, connID)
	t.log.Info("host disconnected", zap.String("conn_id", connID))
}

// serve runs the per-connection goroutines: the read loop on the calling
// goroutine, the writer, and the notification pump. It returns once the
// connection is unusable.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn, connID string) {
	outbound := make(chan protocol.Outbound, outboundQueueSize)
	done := make(chan struct{})
	var wg sync.WaitGroup

	// Sole writer. Concurrent WriteMessage calls corrupt the stream, so
	// responses and notifications are serialized here.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case msg := <-outbound:
				data, err := protocol.Encode(msg)
				if err != nil {
					t.log.Error("encode failed", zap.Error(err))
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					t.log.Warn("write failed", zap.Error(err))
					return
				}
			case <-done:
				// Flush what queued before the read loop ended.
				for {
					select {
					case msg := <-outbound:
						data, err := protocol.Encode(msg)
						if err != nil {
							continue
						}
						if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()

	// Notification pump: surface events become host-bound notifications
	// only while a host is connected.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev, ok := <-t.events:
				if !ok {
					return
				}
				n, ok := toNotification(ev)
				if !ok {
					continue
				}
				t.metrics.RecordNotification(string(n.Kind))
				select {
				case outbound <- n:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Deferred so a panic escaping the read loop still releases the
	// writer and pump before unwinding further.
	defer wg.Wait()
	defer close(done)

	t.readLoop(ctx, conn, connID, outbound)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn, connID string, outbound chan<- protocol.Outbound) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Warn("read failed", zap.Error(err))
			}
			return
		}

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownKind) {
				// Closed union: an unrecognized tag means the host and
				// helper disagree on the protocol. Not recoverable.
				t.reportFatal(err, connID)
				return
			}
			t.log.Warn("malformed request", zap.Error(err), zap.String("conn_id", connID))
			outbound <- protocol.Fail(req, protocol.CodeBadRequest, err.Error())
			continue
		}

		resp, err := t.dispatch(ctx, req)
		if err != nil {
			t.reportFatal(err, connID)
			return
		}
		outbound <- resp
	}
}

// dispatch converts a handler panic into a protocol-fatal error; without
// the recover it would unwind into gin's recovery middleware and be
// logged as a plain 500 instead of terminating the process.
func (t *Transport) dispatch(ctx context.Context, req protocol.Request) (resp protocol.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic on %q: %v", req.Kind, r)
		}
	}()
	return t.handler.Dispatch(ctx, req)
}

func (t *Transport) reportFatal(err error, connID string) {
	t.log.Error("protocol fatal", zap.Error(err), zap.String("conn_id", connID))
	select {
	case t.fatal <- err:
	default:
	}
}

func toNotification(ev surface.Event) (protocol.Notification, bool) {
	switch ev.Kind {
	case surface.EventCursorChanged:
		return protocol.CursorChanged(ev.Session, ev.Cursor), true
	case surface.EventSurfaceClosed:
		return protocol.SurfaceClosed(ev.Session, ev.Reason), true
	}
	return protocol.Notification{}, false
}
