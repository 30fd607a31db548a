// Package standby provides high-availability failover using a distributed
// lock. Multiple instances compete for the lock; the holder is the PRIMARY
// and runs consumers and the scheduler, the rest wait in STANDBY and take
// over when the PRIMARY dies or releases the lock.
package standby

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/warning"
)

// Role represents the current role of this instance
type Role string

const (
	// RolePrimary indicates this instance is the active leader
	RolePrimary Role = "PRIMARY"

	// RoleStandby indicates this instance is waiting to become leader
	RoleStandby Role = "STANDBY"

	// RoleUnknown indicates the role has not been determined yet
	RoleUnknown Role = "UNKNOWN"
)

const warningSrc = "standby-coordinator"

// Config holds standby mode configuration
type Config struct {
	// Enabled controls whether standby mode is active
	Enabled bool

	// InstanceID is a unique identifier for this instance (auto-generated if empty)
	InstanceID string

	// LockKey is the distributed lock key
	LockKey string

	// LockTTL is how long the lock is held before it expires
	LockTTL time.Duration

	// RefreshInterval is how often the watchdog runs. Zero derives
	// LockTTL/3 so the lock is refreshed twice over before it can lapse.
	RefreshInterval time.Duration

	// RedisURL is the Redis connection URL
	RedisURL string
}

// DefaultConfig returns default standby configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		LockKey: "flowcatalyst:router:leader",
		LockTTL: 30 * time.Second,
	}
}

// WatchdogInterval returns the effective refresh cadence.
func (c *Config) WatchdogInterval() time.Duration {
	if c.RefreshInterval > 0 {
		return c.RefreshInterval
	}
	interval := c.LockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// Callbacks defines the callbacks invoked on role changes
type Callbacks struct {
	// OnBecomePrimary is called when this instance becomes the PRIMARY
	OnBecomePrimary func()

	// OnBecomeStandby is called when this instance becomes STANDBY
	OnBecomeStandby func()
}

// LockProvider is a distributed lock implementation.
type LockProvider interface {
	// TryAcquire attempts to take the lock. Acquisition is re-entrant:
	// a holder re-acquiring its own key refreshes the TTL and succeeds.
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Refresh extends the lock TTL. Returns false if lock was lost.
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Release releases the lock iff this instance holds it.
	Release(ctx context.Context, key, instanceID string) error

	// GetHolder returns the current lock holder instance ID
	GetHolder(ctx context.Context, key string) (string, error)

	// IsAvailable checks if the lock store is reachable
	IsAvailable(ctx context.Context) bool

	// Close closes the lock provider connection
	Close() error
}

// Service runs leader election and reports this instance's role. It
// implements the StandbyStatusGetter used by monitoring and the primary
// check used by config sync.
type Service struct {
	mu sync.RWMutex

	config    *Config
	callbacks *Callbacks
	warnings  warning.Service

	instanceID            string
	currentRole           Role
	storeAvailable        bool
	currentLockHolder     string
	lastSuccessfulRefresh time.Time
	hasWarning            bool
	warningMessage        string

	lockProvider LockProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new standby service
func NewService(config *Config, callbacks *Callbacks) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	instanceID := config.InstanceID
	if instanceID == "" {
		instanceID = uuid.New().String()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:       config,
		callbacks:    callbacks,
		instanceID:   instanceID,
		currentRole:  RoleUnknown,
		lockProvider: NewNoOpLockProvider(instanceID),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetLockProvider replaces the standalone default with a distributed lock,
// turning this instance into one contender among peers. Must be called
// before Start.
func (s *Service) SetLockProvider(provider LockProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockProvider = provider
}

// WithWarningService routes role-change and degradation warnings to ws.
func (s *Service) WithWarningService(ws warning.Service) *Service {
	s.warnings = ws
	return s
}

// Start begins the leader election watchdog. With standby disabled the
// instance is immediately PRIMARY and no loop runs.
func (s *Service) Start() error {
	if !s.config.Enabled {
		slog.Info("Standby mode disabled - running as standalone PRIMARY")
		s.setRole(RolePrimary)
		return nil
	}

	interval := s.config.WatchdogInterval()
	slog.Info("Starting standby coordinator",
		"instanceId", s.instanceID,
		"lockKey", s.config.LockKey,
		"lockTTL", s.config.LockTTL,
		"watchdogInterval", interval)

	s.tryAcquireOrRefresh()

	s.wg.Add(1)
	go s.watchdog(interval)

	return nil
}

// Stop halts the watchdog and releases the lock if held, so a peer can take
// over without waiting out the TTL.
func (s *Service) Stop() {
	slog.Info("Stopping standby coordinator", "instanceId", s.instanceID)

	s.cancel()
	s.wg.Wait()

	s.mu.RLock()
	role := s.currentRole
	provider := s.lockProvider
	s.mu.RUnlock()

	if role == RolePrimary {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := provider.Release(ctx, s.config.LockKey, s.instanceID); err != nil {
			slog.Warn("Failed to release lock during shutdown", "error", err)
		} else {
			slog.Info("Released leader lock")
		}
	}

	provider.Close()
}

func (s *Service) watchdog(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tryAcquireOrRefresh()
		}
	}
}

// tryAcquireOrRefresh is one watchdog pass: primaries refresh their lock,
// everyone else tries to take it.
func (s *Service) tryAcquireOrRefresh() {
	s.mu.RLock()
	provider := s.lockProvider
	currentRole := s.currentRole
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	available := provider.IsAvailable(ctx)
	s.mu.Lock()
	s.storeAvailable = available
	s.mu.Unlock()

	if !available {
		// Never assume primary while blind: keep the current role and
		// surface the degradation until the store returns.
		slog.Warn("Lock store unavailable - maintaining current role",
			"role", string(currentRole))
		s.setWarning("Lock store unavailable")
		s.warn(warning.CategoryStandbyDegraded, warning.SeverityWarning,
			fmt.Sprintf("Lock store unreachable; instance %s retaining role %s",
				s.instanceID, currentRole))
		return
	}

	if currentRole == RolePrimary {
		refreshed, err := provider.Refresh(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
		if err != nil {
			slog.Error("Error refreshing lock", "error", err)
			s.setWarning("Lock refresh error: " + err.Error())
			s.warn(warning.CategoryStandbyDegraded, warning.SeverityWarning,
				"Lock refresh error: "+err.Error())
			return
		}

		if refreshed {
			s.markRefreshed()
			slog.Debug("Lock refreshed successfully")
		} else {
			slog.Warn("Lost leader lock - transitioning to STANDBY")
			s.setRole(RoleStandby)
			s.updateLockHolder(ctx, provider)
		}
		return
	}

	acquired, err := provider.TryAcquire(ctx, s.config.LockKey, s.instanceID, s.config.LockTTL)
	if err != nil {
		slog.Error("Error acquiring lock", "error", err)
		s.setWarning("Lock acquisition error: " + err.Error())
		s.updateLockHolder(ctx, provider)
		return
	}

	if acquired {
		slog.Info("Acquired leader lock - transitioning to PRIMARY")
		s.markRefreshed()
		s.mu.Lock()
		s.currentLockHolder = s.instanceID
		s.mu.Unlock()
		s.setRole(RolePrimary)
	} else {
		s.updateLockHolder(ctx, provider)
		if currentRole == RoleUnknown {
			s.setRole(RoleStandby)
		}
	}
}

func (s *Service) markRefreshed() {
	s.mu.Lock()
	s.lastSuccessfulRefresh = time.Now()
	s.hasWarning = false
	s.warningMessage = ""
	s.mu.Unlock()
}

// setRole sets the current role, invokes callbacks, and emits the role
// transition warnings: a takeover (STANDBY to PRIMARY) and a demotion
// (PRIMARY to STANDBY, meaning the TTL lapsed under us) are both events an
// operator needs to see.
func (s *Service) setRole(role Role) {
	s.mu.Lock()
	oldRole := s.currentRole
	s.currentRole = role
	s.mu.Unlock()

	if role == RolePrimary {
		metrics.StandbyIsPrimary.Set(1)
	} else {
		metrics.StandbyIsPrimary.Set(0)
	}

	if oldRole == role {
		return
	}

	slog.Info("Role changed",
		"instanceId", s.instanceID,
		"oldRole", string(oldRole),
		"newRole", string(role))

	if oldRole == RoleStandby && role == RolePrimary {
		s.warn(warning.CategoryStandbyPromoted, warning.SeverityWarning,
			fmt.Sprintf("Instance %s promoted to PRIMARY (lock takeover)", s.instanceID))
	}
	if oldRole == RolePrimary && role == RoleStandby {
		s.warn(warning.CategoryStandbyDegraded, warning.SeverityCritical,
			fmt.Sprintf("Instance %s lost the leader lock and was demoted to STANDBY", s.instanceID))
	}

	if s.callbacks == nil {
		return
	}

	switch role {
	case RolePrimary:
		if s.callbacks.OnBecomePrimary != nil {
			s.callbacks.OnBecomePrimary()
		}
	case RoleStandby:
		if s.callbacks.OnBecomeStandby != nil {
			s.callbacks.OnBecomeStandby()
		}
	}
}

func (s *Service) setWarning(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasWarning = true
	s.warningMessage = message
}

func (s *Service) warn(category, severity, message string) {
	if s.warnings == nil {
		return
	}
	s.warnings.AddWarning(category, severity, message, warningSrc)
}

// updateLockHolder updates the cached lock holder from the store.
func (s *Service) updateLockHolder(ctx context.Context, provider LockProvider) {
	holder, err := provider.GetHolder(ctx, s.config.LockKey)
	if err != nil {
		slog.Debug("Failed to get current lock holder", "error", err)
		return
	}

	s.mu.Lock()
	s.currentLockHolder = holder
	s.mu.Unlock()
}

// IsPrimary returns true if this instance is the current leader
func (s *Service) IsPrimary() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRole == RolePrimary
}

// IsStandby returns true if this instance is in standby mode
func (s *Service) IsStandby() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRole == RoleStandby
}

// GetRole returns the current role
func (s *Service) GetRole() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRole
}

// GetInstanceID returns the instance ID
func (s *Service) GetInstanceID() string {
	return s.instanceID
}

// IsEnabled returns whether standby mode is enabled
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// GetStatus returns the current standby status for monitoring
func (s *Service) GetStatus() *health.StandbyStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lastRefresh string
	if !s.lastSuccessfulRefresh.IsZero() {
		lastRefresh = s.lastSuccessfulRefresh.Format(time.RFC3339)
	}

	return &health.StandbyStatus{
		StandbyEnabled:        s.config.Enabled,
		InstanceID:            s.instanceID,
		Role:                  string(s.currentRole),
		RedisAvailable:        s.storeAvailable,
		CurrentLockHolder:     s.currentLockHolder,
		LastSuccessfulRefresh: lastRefresh,
		HasWarning:            s.hasWarning,
	}
}
