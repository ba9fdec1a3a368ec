package webhooks

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeGuardStore struct {
	values map[string]string
	setErr error
}

func newFakeGuardStore() *fakeGuardStore {
	return &fakeGuardStore{values: map[string]string{}}
}

func (f *fakeGuardStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if f.setErr != nil {
		return false, f.setErr
	}
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeGuardStore) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.values, key)
	}
	return nil
}

func (f *fakeGuardStore) IdempotencyKey(scope, id string) string {
	return "nh:idem:" + scope + ":" + id
}

func TestRedisGuard_FirstSeenThenDuplicate(t *testing.T) {
	store := newFakeGuardStore()
	guard, err := NewRedisGuard(store, "payments")
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}
	ctx := context.Background()

	already, err := guard.CheckAndMark(ctx, "evt_1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if already {
		t.Fatalf("first delivery must not read as duplicate")
	}

	already, err = guard.CheckAndMark(ctx, "evt_1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !already {
		t.Fatalf("second delivery must read as duplicate")
	}

	already, err = guard.CheckAndMark(ctx, "evt_2")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if already {
		t.Fatalf("different event id must not collide")
	}
}

func TestRedisGuard_DeleteAllowsRetry(t *testing.T) {
	store := newFakeGuardStore()
	guard, err := NewRedisGuard(store, "payments")
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}
	ctx := context.Background()

	if _, err := guard.CheckAndMark(ctx, "evt_1"); err != nil {
		t.Fatalf("check: %v", err)
	}
	if err := guard.Delete(ctx, "evt_1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	already, err := guard.CheckAndMark(ctx, "evt_1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if already {
		t.Fatalf("deleted mark must allow a retry")
	}
}

func TestRedisGuard_StoreErrorSurfaces(t *testing.T) {
	store := newFakeGuardStore()
	store.setErr = errors.New("redis down")
	guard, err := NewRedisGuard(store, "payments")
	if err != nil {
		t.Fatalf("guard setup: %v", err)
	}

	if _, err := guard.CheckAndMark(context.Background(), "evt_1"); err == nil {
		t.Fatalf("expected store error to surface")
	}
}

func TestNewRedisGuard_Validation(t *testing.T) {
	if _, err := NewRedisGuard(nil, "payments"); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewRedisGuard(newFakeGuardStore(), ""); err == nil {
		t.Fatalf("expected error for empty scope")
	}
}
