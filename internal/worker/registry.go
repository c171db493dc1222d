package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rolechat/internal/models"
)

const createLockWait = 100 * time.Millisecond

// Registry binds each role to its remote thread.
// Resolve must only be called from the role's worker goroutine.
type Registry struct {
	store   Store
	gateway Gateway
	state   *registryState
	cache   *stateRedis
	owner   string
	// attempts to wait for another process holding the create lock
	lockAttempts int
}

func newRegistry(store Store, gateway Gateway, cache *stateRedis) *Registry {
	return &Registry{
		store:        store,
		gateway:      gateway,
		state:        newRegistryState(),
		cache:        cache,
		owner:        uuid.NewString(),
		lockAttempts: 50,
	}
}

// Lookup returns the existing binding for role without creating one.
func (r *Registry) Lookup(ctx context.Context, role string) (*models.Session, error) {
	if se := r.state.get(role); se != nil {
		return se, nil
	}
	if se, ok := r.cache.loadBinding(ctx, role); ok {
		r.state.set(se)
		return se, nil
	}
	se, err := r.recover(ctx, role)
	if err != nil || se == nil {
		return nil, err
	}
	r.state.set(se)
	r.cache.cacheBinding(ctx, se)
	return se, nil
}

// recover rebuilds a binding from the thread of the newest system row.
// An ended session still names the role's thread.
func (r *Registry) recover(ctx context.Context, role string) (*models.Session, error) {
	ev, err := r.store.LatestSystemEvent(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("recover binding: %w", err)
	}
	if ev == nil {
		return nil, nil
	}
	debugLog("recovered thread %s for role %s", ev.ThreadID, role)
	return &models.Session{Role: role, ThreadID: ev.ThreadID, CreatedAt: ev.CreatedAt}, nil
}

// Resolve returns the binding for role, creating a thread when none exists.
// The bool reports whether a new thread was created.
func (r *Registry) Resolve(ctx context.Context, role string) (*models.Session, bool, error) {
	se, err := r.Lookup(ctx, role)
	if err != nil || se != nil {
		return se, false, err
	}

	for attempt := 0; ; attempt++ {
		ok, release := r.cache.lockCreate(ctx, role, r.owner)
		if ok {
			defer release()
			break
		}
		// another process is creating the thread for this role
		if attempt >= r.lockAttempts {
			return nil, false, fmt.Errorf("resolve %s: %w", role, ErrWorkerBusy)
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(createLockWait):
		}
		if se, ok := r.cache.loadBinding(ctx, role); ok {
			r.state.set(se)
			return se, false, nil
		}
	}
	// the lock holder may have finished between our lookup and the lock
	if se, ok := r.cache.loadBinding(ctx, role); ok {
		r.state.set(se)
		return se, false, nil
	}

	threadID, err := r.gateway.CreateThread(ctx)
	if err != nil {
		return nil, false, err
	}
	msg, err := r.store.AppendMessage(ctx, threadID, role, models.SenderSystem, models.ConversationStarted)
	if err != nil {
		return nil, false, err
	}
	se = &models.Session{Role: role, ThreadID: threadID, CreatedAt: msg.CreatedAt}
	r.state.set(se)
	r.cache.cacheBinding(ctx, se)
	r.cache.publishBound(ctx, se)
	zerolog.Ctx(ctx).Info().Str("role", role).Str("thread_id", threadID).Msg("conversation started")
	return se, true, nil
}

func (r *Registry) handleBound(msg boundMessage) {
	if msg.Role == "" || msg.ThreadID == "" {
		return
	}
	se := &models.Session{Role: msg.Role, ThreadID: msg.ThreadID, CreatedAt: msg.CreatedAt}
	if r.state.setIfAbsent(se) {
		debugLog("learned thread %s for role %s from another process", msg.ThreadID, msg.Role)
	}
}
