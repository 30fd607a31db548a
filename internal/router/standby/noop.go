package standby

import (
	"context"
	"time"
)

// NoOpLockProvider is the lock provider a Service starts with before
// SetLockProvider installs a distributed one. It treats this instance as
// the sole contender: acquisition and refresh always succeed, so a
// single-instance deployment runs PRIMARY without a lock store.
type NoOpLockProvider struct {
	instanceID string
}

// NewNoOpLockProvider creates a standalone lock provider for instanceID.
func NewNoOpLockProvider(instanceID string) *NoOpLockProvider {
	return &NoOpLockProvider{
		instanceID: instanceID,
	}
}

// TryAcquire always grants the lock.
func (p *NoOpLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

// Refresh always extends the lock.
func (p *NoOpLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return true, nil
}

// Release does nothing; there is no store to clear.
func (p *NoOpLockProvider) Release(ctx context.Context, key, instanceID string) error {
	return nil
}

// GetHolder reports this instance as the holder.
func (p *NoOpLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	return p.instanceID, nil
}

// IsAvailable always reports the store reachable.
func (p *NoOpLockProvider) IsAvailable(ctx context.Context) bool {
	return true
}

// Close does nothing.
func (p *NoOpLockProvider) Close() error {
	return nil
}

var _ LockProvider = (*NoOpLockProvider)(nil)
