// Package watchdog polls the host process for liveness and drives the
// helper's termination when the host goes away. The helper must never
// outlive the host, even when graceful shutdown wedges, so a bounded
// backstop forces the exit.
package watchdog

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Baelrayne/BrowserHost/internal/infrastructure/monitoring"
)

// State is the watchdog's lifecycle position.
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	DefaultPoll  = 250 * time.Millisecond
	DefaultGrace = 1000 * time.Millisecond
)

// Prober answers whether a pid refers to a live process. Injected so
// tests can script the host's death.
type Prober interface {
	Alive(pid int) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(pid int) bool

// Alive implements Prober.
func (f ProberFunc) Alive(pid int) bool { return f(pid) }

// SignalProber probes with a null signal. Permission errors still mean
// the process exists.
type SignalProber struct{}

// Alive implements Prober.
func (SignalProber) Alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// Config configures a Watchdog.
type Config struct {
	ParentPID int
	Poll      time.Duration // defaults to DefaultPoll
	Grace     time.Duration // defaults to DefaultGrace
	Prober    Prober        // defaults to SignalProber
	// OnParentExit starts graceful shutdown. Called once, on the
	// watchdog goroutine.
	OnParentExit func()
	// Exit terminates the process. Defaults to os.Exit.
	Exit    func(code int)
	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

// Watchdog monitors the host pid. Zero or negative ParentPID disables
// monitoring entirely; Start then does nothing.
type Watchdog struct {
	pid     int
	poll    time.Duration
	grace   time.Duration
	prober  Prober
	onExit  func()
	exit    func(int)
	log     *zap.Logger
	metrics *monitoring.Metrics

	state   atomic.Int32
	trigger sync.Once
	stop    chan struct{}
	exited  chan struct{}
	notify  sync.Once
}

// New creates a watchdog from cfg, filling in defaults.
func New(cfg Config) *Watchdog {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watchdog{
		pid:     cfg.ParentPID,
		poll:    cfg.Poll,
		grace:   cfg.Grace,
		prober:  cfg.Prober,
		onExit:  cfg.OnParentExit,
		exit:    cfg.Exit,
		log:     log,
		metrics: cfg.Metrics,
		stop:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if w.poll <= 0 {
		w.poll = DefaultPoll
	}
	if w.grace <= 0 {
		w.grace = DefaultGrace
	}
	if w.prober == nil {
		w.prober = SignalProber{}
	}
	if w.exit == nil {
		w.exit = os.Exit
	}
	return w
}

// State reports the current lifecycle position.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

// Start begins polling. Safe to call with monitoring disabled.
func (w *Watchdog) Start() {
	if w.pid <= 0 {
		w.log.Info("parent monitoring disabled")
		return
	}
	w.log.Info("watching parent",
		zap.Int("pid", w.pid),
		zap.Duration("poll", w.poll),
		zap.Duration("grace", w.grace))
	go w.run()
}

// Stop ends polling without triggering shutdown. Used when the process
// is exiting for its own reasons.
func (w *Watchdog) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// NotifyExited tells the watchdog graceful shutdown completed, standing
// down the force-exit backstop.
func (w *Watchdog) NotifyExited() {
	w.notify.Do(func() { close(w.exited) })
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !w.prober.Alive(w.pid) {
				w.trigger.Do(w.parentGone)
				return
			}
		case <-w.stop:
			return
		}
	}
}

// parentGone runs the single Running -> ShuttingDown transition and arms
// the backstop. Repeated detection cannot re-enter.
func (w *Watchdog) parentGone() {
	w.state.Store(int32(StateShuttingDown))
	w.metrics.WatchdogTriggered()
	w.log.Warn("parent exited, shutting down", zap.Int("pid", w.pid))

	if w.onExit != nil {
		go w.onExit()
	}

	select {
	case <-w.exited:
		w.state.Store(int32(StateTerminated))
		w.log.Info("graceful shutdown completed")
	case <-time.After(w.grace):
		w.state.Store(int32(StateTerminated))
		w.log.Error("graceful shutdown overran grace period, forcing exit",
			zap.Duration("grace", w.grace))
		w.exit(1)
	}
}
