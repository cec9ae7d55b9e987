package surface

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/Baelrayne/BrowserHost/internal/infrastructure/monitoring"
)

// ErrSessionNotFound is returned for lookups of identifiers with no live
// surface. The dispatcher maps it to a structured error response.
var ErrSessionNotFound = errors.New("surface: session not found")

// Registry is the single source of truth for live surfaces, keyed by the
// host-chosen session identifier. The mutex guards only the map: per-surface
// work happens outside it, so lookups never block behind another
// identifier's create or remove.
type Registry struct {
	mu       sync.RWMutex
	surfaces map[string]Session
	log      *zap.Logger
	metrics  *monitoring.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.Logger, metrics *monitoring.Metrics) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		surfaces: make(map[string]Session),
		log:      log,
		metrics:  metrics,
	}
}

// Create stores a surface under its identifier. An existing entry is
// replaced and disposed, not rejected; hosts reusing a live identifier get
// the replacement semantics the original protocol had.
func (r *Registry) Create(sessionID string, s Session) {
	r.mu.Lock()
	old := r.surfaces[sessionID]
	r.surfaces[sessionID] = s
	r.mu.Unlock()

	r.metrics.SurfaceCreated()
	if old != nil {
		r.log.Warn("session identifier reused, replacing live surface",
			zap.String("session", sessionID))
		r.metrics.SurfaceRemoved()
		old.Dispose()
	}
}

// Get resolves an identifier to its live surface.
func (r *Registry) Get(sessionID string) (Session, error) {
	r.mu.RLock()
	s, ok := r.surfaces[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove evicts and disposes a surface. Removing an absent identifier
// returns ErrSessionNotFound without any side effect, so a duplicate
// remove never faults.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	s, ok := r.surfaces[sessionID]
	if ok {
		delete(r.surfaces, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	r.metrics.SurfaceRemoved()
	s.Dispose()
	return nil
}

// Len reports the number of live surfaces.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.surfaces)
}

// Drain evicts and disposes every surface. Shutdown path.
func (r *Registry) Drain() {
	r.mu.Lock()
	drained := make([]Session, 0, len(r.surfaces))
	for id, s := range r.surfaces {
		drained = append(drained, s)
		delete(r.surfaces, id)
	}
	r.mu.Unlock()

	for _, s := range drained {
		r.metrics.SurfaceRemoved()
		s.Dispose()
	}
	if len(drained) > 0 {
		r.log.Info("registry drained", zap.Int("surfaces", len(drained)))
	}
}
