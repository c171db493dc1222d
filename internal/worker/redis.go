package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"rolechat/internal/models"
	"rolechat/internal/redis"
)

const (
	redisBoundChannel      = "registry:bound"
	redisBindingTTL        = 30 * time.Minute
	redisCreateLockTTL     = 10 * time.Second
)

// boundMessage announces a freshly created binding to the other processes.
type boundMessage struct {
	Role      string    `json:"role"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
}

// stateRedis shares role bindings between processes. A nil receiver or client
// turns every method into a no-op.
type stateRedis struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateRedis {
	return &stateRedis{client: client}
}

func (r *stateRedis) enabled() bool {
	return r != nil && r.client != nil && r.client.Raw() != nil
}

func bindingKey(role string) string {
	return fmt.Sprintf("registry:binding:%s", role)
}

func createLockKey(role string) string {
	return fmt.Sprintf("registry:create:%s", role)
}

// startListener hands every binding announced by any process to handler.
// It returns when ctx is done.
func (r *stateRedis) startListener(ctx context.Context, handler func(boundMessage)) <-chan struct{} {
	done := make(chan struct{})
	if !r.enabled() || handler == nil {
		close(done)
		return done
	}
	pubsub := r.client.Subscribe(ctx, redisBoundChannel)
	go func() {
		defer close(done)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var bound boundMessage
				if err := json.Unmarshal([]byte(msg.Payload), &bound); err != nil {
					log.Warn().Err(err).Msg("registry announcement decode failed")
					continue
				}
				handler(bound)
			}
		}
	}()
	return done
}

func (r *stateRedis) publishBound(ctx context.Context, session *models.Session) {
	if !r.enabled() || session == nil {
		return
	}
	payload, err := json.Marshal(boundMessage{Role: session.Role, ThreadID: session.ThreadID, CreatedAt: session.CreatedAt})
	if err != nil {
		log.Warn().Err(err).Msg("registry announcement marshal failed")
		return
	}
	if err := r.client.Publish(ctx, redisBoundChannel, payload); err != nil {
		log.Warn().Err(err).Msg("registry publish binding failed")
	}
}

func (r *stateRedis) cacheBinding(ctx context.Context, session *models.Session) {
	if !r.enabled() || session == nil {
		return
	}
	data, err := json.Marshal(session)
	if err != nil {
		log.Warn().Err(err).Msg("registry binding marshal failed")
		return
	}
	if err := r.client.Set(ctx, bindingKey(session.Role), data, redisBindingTTL); err != nil {
		log.Warn().Err(err).Str("role", session.Role).Msg("registry rdb binding failed")
	}
}

func (r *stateRedis) loadBinding(ctx context.Context, role string) (*models.Session, bool) {
	if !r.enabled() {
		return nil, false
	}
	raw, err := r.client.Get(ctx, bindingKey(role))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Warn().Err(err).Str("role", role).Msg("registry load binding rdb failed")
		}
		return nil, false
	}
	var session models.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		log.Warn().Err(err).Str("role", role).Msg("registry decode binding rdb failed")
		return nil, false
	}
	if session.Role != role || session.ThreadID == "" {
		return nil, false
	}
	return &session, true
}

// lockCreate takes the cross-process creation lock for role. Without redis the
// per-role worker is the only creator, so the lock is always granted.
func (r *stateRedis) lockCreate(ctx context.Context, role, owner string) (bool, func()) {
	if !r.enabled() {
		return true, func() {}
	}
	ok, err := r.client.SetNX(ctx, createLockKey(role), owner, redisCreateLockTTL)
	if err != nil {
		log.Warn().Err(err).Str("role", role).Msg("registry create lock failed, continuing unlocked")
		return true, func() {}
	}
	if !ok {
		return false, func() {}
	}
	return true, func() {
		released, err := r.client.DelIfValue(context.Background(), createLockKey(role), owner)
		if err != nil {
			log.Warn().Err(err).Str("role", role).Msg("registry create unlock failed")
		} else if !released {
			log.Warn().Str("role", role).Msg("registry create lock expired before release")
		}
	}
}
