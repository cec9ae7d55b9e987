package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Baelrayne/BrowserHost/internal/dispatch"
	"github.com/Baelrayne/BrowserHost/internal/engine"
	"github.com/Baelrayne/BrowserHost/internal/gpu"
	"github.com/Baelrayne/BrowserHost/internal/infrastructure/config"
	"github.com/Baelrayne/BrowserHost/internal/infrastructure/logging"
	"github.com/Baelrayne/BrowserHost/internal/infrastructure/monitoring"
	"github.com/Baelrayne/BrowserHost/internal/surface"
	"github.com/Baelrayne/BrowserHost/internal/transport"
	"github.com/Baelrayne/BrowserHost/internal/watchdog"
)

const (
	eventQueueSize  = 256
	shutdownTimeout = 5 * time.Second
)

// Server wires the helper's components and owns their teardown order.
type Server struct {
	cfg       *config.Config
	log       *logging.Logger
	metrics   *monitoring.Metrics
	engine    engine.Engine
	device    gpu.Device
	registry  *surface.Registry
	transport *transport.Transport
	watchdog  *watchdog.Watchdog

	closeOnce sync.Once
	closeErr  error
}

// New creates a server instance from cfg.
func New(cfg *config.Config) (*Server, error) {
	logger := logging.NewFrom(cfg.Logging.Level, cfg.Logging.Development)

	logger.Info("initializing helper",
		zap.String("host", cfg.Server.Host),
		zap.String("port", cfg.Server.Port),
		zap.Int("parent_pid", cfg.Watchdog.ParentPID),
		zap.Bool("gpu_disabled", cfg.GPU.Disabled))

	metrics := monitoring.NewMetrics()

	device, err := newDevice(cfg, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("texture device: %w", err)
	}

	eng, err := engine.NewRod(engine.RodConfig{
		RemoteURL: cfg.Engine.RemoteURL,
		Stealth:   cfg.Engine.Stealth,
		DataDir:   cfg.Engine.DataDir,
		Logger:    logger.Logger,
	})
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("browser engine: %w", err)
	}

	events := make(chan surface.Event, eventQueueSize)
	registry := surface.NewRegistry(logger.Logger, metrics)

	factory := dispatch.FactoryFunc(func(ctx context.Context, sessionID, url string, width, height int) (surface.Session, error) {
		s := surface.New(sessionID, surface.Config{
			Device:  device,
			Events:  events,
			Logger:  logger.Logger,
			Metrics: metrics,
		})
		if err := s.Initialize(ctx, eng, url, width, height); err != nil {
			return nil, err
		}
		return s, nil
	})

	dispatcher := dispatch.New(registry, factory, logger.Logger, metrics)

	tr := transport.New(transport.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Handler: dispatcher,
		Events:  events,
		Logger:  logger.Logger,
		Metrics: metrics,
	})

	srv := &Server{
		cfg:       cfg,
		log:       logger,
		metrics:   metrics,
		engine:    eng,
		device:    device,
		registry:  registry,
		transport: tr,
	}

	srv.watchdog = watchdog.New(watchdog.Config{
		ParentPID:    cfg.Watchdog.ParentPID,
		Poll:         time.Duration(cfg.Watchdog.PollMS) * time.Millisecond,
		Grace:        time.Duration(cfg.Watchdog.GraceMS) * time.Millisecond,
		OnParentExit: func() { srv.Close() },
		Logger:       logger.Logger,
		Metrics:      metrics,
	})

	logger.Info("helper initialized")
	return srv, nil
}

// Run serves the host channel until shutdown. A protocol-fatal condition
// is returned as an error so main can exit non-zero.
func (s *Server) Run() error {
	s.watchdog.Start()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			s.metrics.UpdateUptime()
		}
	}()

	errs := make(chan error, 1)
	go func() {
		errs <- s.transport.Run()
	}()

	select {
	case err := <-s.transport.Fatal():
		s.Close()
		return fmt.Errorf("protocol fatal: %w", err)
	case err := <-errs:
		return err
	}
}

// Close tears the helper down in order: stop accepting host traffic,
// dispose every surface, close the engine and device, then stand the
// watchdog's force-exit backstop down. Idempotent.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.log.Info("shutting down helper")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.transport.Shutdown(ctx); err != nil {
			s.log.Warn("transport shutdown", zap.Error(err))
			s.closeErr = err
		}

		s.registry.Drain()

		if err := s.engine.Close(); err != nil {
			s.log.Warn("engine close", zap.Error(err))
			if s.closeErr == nil {
				s.closeErr = err
			}
		}
		if err := s.device.Close(); err != nil {
			s.log.Warn("device close", zap.Error(err))
			if s.closeErr == nil {
				s.closeErr = err
			}
		}

		s.watchdog.Stop()
		s.watchdog.NotifyExited()
		s.log.Info("helper shut down")
		s.log.Sync()
	})
	return s.closeErr
}

func newDevice(cfg *config.Config, log *zap.Logger) (gpu.Device, error) {
	if cfg.GPU.Disabled {
		log.Info("texture device: in-memory fallback")
		return gpu.NewMemoryDevice(), nil
	}
	return gpu.NewWGPUDevice(gpu.WGPUConfig{
		Power:  parsePowerPref(cfg.GPU.PowerPref),
		Label:  "browserhost",
		Logger: log,
	})
}

func parsePowerPref(s string) gpu.PowerPreference {
	switch strings.ToLower(s) {
	case "low-power", "low_power", "low":
		return gpu.PowerLowPower
	default:
		return gpu.PowerHighPerformance
	}
}
