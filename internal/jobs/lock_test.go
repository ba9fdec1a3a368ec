package jobs

import (
	"context"
	"testing"
	"time"

	pkgredis "github.com/redis/go-redis/v9"
)

type fakeLockStore struct {
	values map[string]string
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{values: map[string]string{}}
}

func (f *fakeLockStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value.(string)
	return true, nil
}

func (f *fakeLockStore) Get(ctx context.Context, key string) (string, error) {
	value, ok := f.values[key]
	if !ok {
		return "", pkgredis.Nil
	}
	return value, nil
}

func (f *fakeLockStore) Del(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.values, key)
	}
	return nil
}

func TestRedisLock_AcquireIsExclusive(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()

	first, err := NewRedisLock(store, "nh:lock:seed", time.Minute)
	if err != nil {
		t.Fatalf("lock setup: %v", err)
	}
	second, err := NewRedisLock(store, "nh:lock:seed", time.Minute)
	if err != nil {
		t.Fatalf("lock setup: %v", err)
	}

	acquired, err := first.Acquire(ctx)
	if err != nil || !acquired {
		t.Fatalf("expected first acquire to win, got %v %v", acquired, err)
	}
	acquired, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if acquired {
		t.Fatalf("second lock must not acquire a held key")
	}
}

func TestRedisLock_ReleaseOnlyByOwner(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()

	owner, err := NewRedisLock(store, "nh:lock:seed", time.Minute)
	if err != nil {
		t.Fatalf("lock setup: %v", err)
	}
	intruder, err := NewRedisLock(store, "nh:lock:seed", time.Minute)
	if err != nil {
		t.Fatalf("lock setup: %v", err)
	}

	if acquired, err := owner.Acquire(ctx); err != nil || !acquired {
		t.Fatalf("owner acquire failed: %v %v", acquired, err)
	}

	if err := intruder.Release(ctx); err != nil {
		t.Fatalf("non-owner release should be a no-op: %v", err)
	}
	if _, held := store.values["nh:lock:seed"]; !held {
		t.Fatalf("lock must survive a non-owner release")
	}

	if err := owner.Release(ctx); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if _, held := store.values["nh:lock:seed"]; held {
		t.Fatalf("lock should be gone after owner release")
	}

	// Releasing an already-released lock is a no-op.
	if err := owner.Release(ctx); err != nil {
		t.Fatalf("double release: %v", err)
	}
}
