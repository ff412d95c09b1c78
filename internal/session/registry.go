package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deckline/backend/internal/models"
)

// Registry tracks live controllers by session id. One slot has at most one
// active session at a time.
type Registry struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*Controller
	bySlot   map[uuid.UUID]uuid.UUID // slot -> active session
	deps     Deps
	logger   *zap.Logger
}

// NewRegistry creates a session registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		byID:   make(map[uuid.UUID]*Controller),
		bySlot: make(map[uuid.UUID]uuid.UUID),
		deps:   deps,
		logger: deps.Logger,
	}
}

// Create makes a new controller for a slot. A previous session on the same
// slot is shut down first so its capture and feeds are released.
func (r *Registry) Create(ctx context.Context, slot models.Slot) *Controller {
	r.mu.Lock()
	if prevID, ok := r.bySlot[slot.ID]; ok {
		if prev, ok := r.byID[prevID]; ok && prev.State() != StateEnded {
			r.mu.Unlock()
			prev.Shutdown(ctx)
			r.mu.Lock()
		}
		delete(r.byID, prevID)
	}
	id := uuid.New()
	c := NewController(id, slot, r.deps)
	r.byID[id] = c
	r.bySlot[slot.ID] = id
	r.mu.Unlock()
	r.logger.Info("session created", zap.String("session_id", id.String()), zap.String("slot_id", slot.ID.String()))
	return c
}

// Get returns a controller by session id.
func (r *Registry) Get(id uuid.UUID) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Shutdown ends and releases every session. Called on process exit so audio
// captures are never leaked.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.byID))
	for _, c := range r.byID {
		controllers = append(controllers, c)
	}
	r.byID = make(map[uuid.UUID]*Controller)
	r.bySlot = make(map[uuid.UUID]uuid.UUID)
	r.mu.Unlock()

	for _, c := range controllers {
		c.Shutdown(ctx)
	}
}
