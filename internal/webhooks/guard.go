package webhooks

import (
	"context"
	"errors"
	"time"
)

const guardTTL = 24 * time.Hour

type guardStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// RedisGuard deduplicates webhook deliveries by event id. The reconciler is
// idempotent on its own; the guard just keeps replayed deliveries from
// enqueueing duplicate job rows.
type RedisGuard struct {
	store guardStore
	scope string
}

// NewRedisGuard builds a dedup guard scoped to one webhook source.
func NewRedisGuard(store guardStore, scope string) (*RedisGuard, error) {
	if store == nil {
		return nil, errors.New("redis store required for webhook guard")
	}
	if scope == "" {
		return nil, errors.New("webhook guard scope is required")
	}
	return &RedisGuard{store: store, scope: scope}, nil
}

// CheckAndMark returns true when the event was already seen; otherwise it
// marks the event and returns false.
func (g *RedisGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	set, err := g.store.SetNX(ctx, g.store.IdempotencyKey(g.scope, eventID), "1", guardTTL)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Delete clears the mark so a failed delivery can be retried.
func (g *RedisGuard) Delete(ctx context.Context, eventID string) error {
	return g.store.Del(ctx, g.store.IdempotencyKey(g.scope, eventID))
}
