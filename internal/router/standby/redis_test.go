package standby

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestProvider(t *testing.T) (*RedisLockProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	provider := NewRedisLockProviderFromClient(client)
	t.Cleanup(func() { provider.Close() })
	return provider, mr
}

func TestRedisLockProvider_TryAcquire(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx := context.Background()

	acquired, err := provider.TryAcquire(ctx, "test:lock", "instance-a", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if !acquired {
		t.Error("Fresh lock should be acquired")
	}

	// A competitor must be refused while the lock is held.
	acquired, err = provider.TryAcquire(ctx, "test:lock", "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if acquired {
		t.Error("Held lock should not be acquired by another instance")
	}

	holder, err := provider.GetHolder(ctx, "test:lock")
	if err != nil {
		t.Fatalf("GetHolder error: %v", err)
	}
	if holder != "instance-a" {
		t.Errorf("Expected holder instance-a, got %q", holder)
	}
}

func TestRedisLockProvider_TryAcquireReentrant(t *testing.T) {
	provider, mr := newTestProvider(t)
	ctx := context.Background()

	if _, err := provider.TryAcquire(ctx, "test:lock", "instance-a", time.Minute); err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}

	mr.FastForward(30 * time.Second)

	// Re-acquiring our own lock succeeds and pushes the TTL back out.
	acquired, err := provider.TryAcquire(ctx, "test:lock", "instance-a", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if !acquired {
		t.Error("Holder should be able to re-acquire its own lock")
	}

	if ttl := mr.TTL("test:lock"); ttl != time.Minute {
		t.Errorf("Expected TTL reset to 1m, got %v", ttl)
	}
}

func TestRedisLockProvider_Refresh(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx := context.Background()

	if _, err := provider.TryAcquire(ctx, "test:lock", "instance-a", time.Minute); err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}

	refreshed, err := provider.Refresh(ctx, "test:lock", "instance-a", time.Minute)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if !refreshed {
		t.Error("Holder should refresh its own lock")
	}

	refreshed, err = provider.Refresh(ctx, "test:lock", "instance-b", time.Minute)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if refreshed {
		t.Error("Non-holder must not refresh the lock")
	}
}

func TestRedisLockProvider_RefreshAfterExpiry(t *testing.T) {
	provider, mr := newTestProvider(t)
	ctx := context.Background()

	if _, err := provider.TryAcquire(ctx, "test:lock", "instance-a", time.Second); err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}

	mr.FastForward(2 * time.Second)

	refreshed, err := provider.Refresh(ctx, "test:lock", "instance-a", time.Second)
	if err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if refreshed {
		t.Error("Refresh must fail once the lock has expired")
	}

	// The lock is free for a waiting standby.
	acquired, err := provider.TryAcquire(ctx, "test:lock", "instance-b", time.Second)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if !acquired {
		t.Error("Expired lock should be acquirable by another instance")
	}
}

func TestRedisLockProvider_Release(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx := context.Background()

	if _, err := provider.TryAcquire(ctx, "test:lock", "instance-a", time.Minute); err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}

	// Releasing someone else's lock is a no-op.
	if err := provider.Release(ctx, "test:lock", "instance-b"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	holder, _ := provider.GetHolder(ctx, "test:lock")
	if holder != "instance-a" {
		t.Errorf("Non-holder release must not delete the lock, holder is %q", holder)
	}

	if err := provider.Release(ctx, "test:lock", "instance-a"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	holder, err := provider.GetHolder(ctx, "test:lock")
	if err != nil {
		t.Fatalf("GetHolder error: %v", err)
	}
	if holder != "" {
		t.Errorf("Expected no holder after release, got %q", holder)
	}
}

func TestRedisLockProvider_GetHolderEmpty(t *testing.T) {
	provider, _ := newTestProvider(t)

	holder, err := provider.GetHolder(context.Background(), "missing:lock")
	if err != nil {
		t.Fatalf("GetHolder error: %v", err)
	}
	if holder != "" {
		t.Errorf("Expected empty holder for missing key, got %q", holder)
	}
}

func TestRedisLockProvider_IsAvailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	provider := NewRedisLockProviderFromClient(client)
	defer provider.Close()

	if !provider.IsAvailable(context.Background()) {
		t.Error("Provider should be available while the server is up")
	}

	mr.SetError("simulated outage")

	if provider.IsAvailable(context.Background()) {
		t.Error("Provider should report unavailable when pings fail")
	}
}
