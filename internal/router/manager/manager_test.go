package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/platform/dispatchpool"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
	"go.flowcatalyst.tech/internal/router/warning"
)

// --- Test fakes ---

// fakeMessage implements queue.Message and records how it was settled.
type fakeMessage struct {
	id      string
	data    []byte
	subject string
	group   string

	ackCount        atomic.Int32
	nakCount        atomic.Int32
	inProgressCount atomic.Int32

	mu        sync.Mutex
	nakDelays []int
}

var _ queue.Message = (*fakeMessage)(nil)

func newFakeMessage(id string, data []byte) *fakeMessage {
	return &fakeMessage{id: id, data: data, subject: "test-queue"}
}

func (m *fakeMessage) ID() string                  { return m.id }
func (m *fakeMessage) Data() []byte                { return m.data }
func (m *fakeMessage) Subject() string             { return m.subject }
func (m *fakeMessage) MessageGroup() string        { return m.group }
func (m *fakeMessage) Metadata() map[string]string { return nil }

func (m *fakeMessage) Ack() error {
	m.ackCount.Add(1)
	return nil
}

func (m *fakeMessage) Nak() error {
	m.nakCount.Add(1)
	return nil
}

func (m *fakeMessage) NakWithDelay(delay time.Duration) error {
	m.nakCount.Add(1)
	m.mu.Lock()
	m.nakDelays = append(m.nakDelays, int(delay/time.Second))
	m.mu.Unlock()
	return nil
}

func (m *fakeMessage) InProgress() error {
	m.inProgressCount.Add(1)
	return nil
}

func (m *fakeMessage) lastNakDelay() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.nakDelays) == 0 {
		return -1
	}
	return m.nakDelays[len(m.nakDelays)-1]
}

// fakeHandleMessage adds SQS-style receipt handle tracking.
type fakeHandleMessage struct {
	fakeMessage
	handleMu sync.Mutex
	handle   string
}

var _ queue.ReceiptHandleUpdatable = (*fakeHandleMessage)(nil)

func newFakeHandleMessage(id, handle string, data []byte) *fakeHandleMessage {
	m := &fakeHandleMessage{handle: handle}
	m.id = id
	m.data = data
	m.subject = "test-queue"
	return m
}

func (m *fakeHandleMessage) UpdateReceiptHandle(handle string) {
	m.handleMu.Lock()
	m.handle = handle
	m.handleMu.Unlock()
}

func (m *fakeHandleMessage) GetReceiptHandle() string {
	m.handleMu.Lock()
	defer m.handleMu.Unlock()
	return m.handle
}

// fakeBatchMessage carries a poll batch ID the way the SQS client does.
type fakeBatchMessage struct {
	fakeMessage
	batchID string
}

func (m *fakeBatchMessage) BatchID() string { return m.batchID }

// fakeCountedMessage reports a broker delivery attempt count.
type fakeCountedMessage struct {
	fakeMessage
	receiveCount int
}

var _ queue.DeliveryCounted = (*fakeCountedMessage)(nil)

func (m *fakeCountedMessage) ReceiveCount() int { return m.receiveCount }

// failingConsumer ends every session with an error and records when each
// session started.
type failingConsumer struct {
	mu     sync.Mutex
	starts []time.Time
}

func (f *failingConsumer) Consume(ctx context.Context, handler func(queue.Message) error) error {
	f.mu.Lock()
	f.starts = append(f.starts, time.Now())
	f.mu.Unlock()
	return errors.New("broker gone")
}

func (f *failingConsumer) Close() error { return nil }

func (f *failingConsumer) sessions() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.starts...)
}

// mockMediator returns success unless a processFunc overrides it.
type mockMediator struct {
	processFunc func(msg *pool.Message) *pool.MediationOutcome
	callCount   atomic.Int32

	mu   sync.Mutex
	last *model.MessagePointer
}

func (m *mockMediator) Process(msg *pool.Message) *pool.MediationOutcome {
	m.callCount.Add(1)
	m.mu.Lock()
	m.last = msg.Pointer
	m.mu.Unlock()
	if m.processFunc != nil {
		return m.processFunc(msg)
	}
	return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: 200}
}

func (m *mockMediator) lastPointer() *model.MessagePointer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// gatedMediator blocks in Process until opened, so tests can hold messages
// in flight deterministically.
type gatedMediator struct {
	entered  chan string
	release  chan struct{}
	openOnce sync.Once
}

func newGatedMediator() *gatedMediator {
	return &gatedMediator{
		entered: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedMediator) Process(msg *pool.Message) *pool.MediationOutcome {
	g.entered <- msg.Pointer.ID
	<-g.release
	return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: 200}
}

func (g *gatedMediator) open() { g.openOnce.Do(func() { close(g.release) }) }

func (g *gatedMediator) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.entered:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for mediation to start")
		return ""
	}
}

// fakePoolRepo is an in-memory dispatchpool.Repository.
type fakePoolRepo struct {
	mu    sync.Mutex
	pools []*dispatchpool.DispatchPool
	err   error

	calls atomic.Int32
}

func (r *fakePoolRepo) FindAllNonArchived(ctx context.Context) ([]*dispatchpool.DispatchPool, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.pools, nil
}

type fakeStandby struct {
	primary atomic.Bool
}

func (s *fakeStandby) IsPrimary() bool { return s.primary.Load() }

func testPointer(id, poolCode string) *model.MessagePointer {
	return model.NewMessagePointer(id, poolCode, "token-1",
		model.MediationTypeHTTP, "http://example.com/process", "group-1")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func hasWarningCategory(ws warning.Service, category string) bool {
	for _, w := range ws.GetAllWarnings() {
		if w.Category == category {
			return true
		}
	}
	return false
}

// --- Manager lifecycle ---

func TestNewQueueManagerDefaults(t *testing.T) {
	m := NewQueueManager(nil, nil)

	if m.IsRunning() {
		t.Error("New manager should not be running")
	}
	if m.GetPipelineSize() != 0 {
		t.Errorf("Expected empty pipeline, got %d", m.GetPipelineSize())
	}
	if len(m.GetAllPools()) != 0 {
		t.Errorf("Expected empty registry, got %d pools", len(m.GetAllPools()))
	}
	if m.Stats() == nil {
		t.Error("Expected a default stats service")
	}
}

func TestQueueManagerStartStop(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)

	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !m.IsRunning() {
		t.Error("Manager should be running after Start")
	}

	// Start is idempotent.
	if err := m.Start(); err != nil {
		t.Errorf("Second Start should be a no-op, got %v", err)
	}

	m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10})

	m.Stop()
	if m.IsRunning() {
		t.Error("Manager should not be running after Stop")
	}
	if len(m.GetAllPools()) != 0 {
		t.Errorf("Stop should clear the registry, got %d pools", len(m.GetAllPools()))
	}

	// Stop is idempotent.
	m.Stop()
}

// --- Pool registry ---

func TestGetOrCreatePool(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)
	defer m.Stop()

	cfg := &PoolConfig{Code: "POOL-A", Concurrency: 3, QueueCapacity: 10}
	p := m.GetOrCreatePool(cfg)
	if p == nil {
		t.Fatal("Expected pool to be created")
	}
	if p.GetPoolCode() != "POOL-A" {
		t.Errorf("Expected code POOL-A, got %s", p.GetPoolCode())
	}
	if p.GetConcurrency() != 3 {
		t.Errorf("Expected concurrency 3, got %d", p.GetConcurrency())
	}

	if again := m.GetOrCreatePool(cfg); again != p {
		t.Error("Second GetOrCreatePool should return the same instance")
	}
	if got := m.GetPool("POOL-A"); got != p {
		t.Error("GetPool should return the created pool")
	}
	if len(m.GetAllPools()) != 1 {
		t.Errorf("Expected 1 pool, got %d", len(m.GetAllPools()))
	}
}

func TestGetPoolNonExistent(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)
	if p := m.GetPool("NOPE"); p != nil {
		t.Errorf("Expected nil for unknown pool, got %v", p.GetPoolCode())
	}
}

func TestGetOrCreatePoolAtLimit(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil).WithMaxPools(1)
	defer m.Stop()

	if p := m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 1}); p == nil {
		t.Fatal("First pool should be created")
	}
	if p := m.GetOrCreatePool(&PoolConfig{Code: "POOL-B", Concurrency: 1}); p != nil {
		t.Error("Pool beyond the cap should not be created")
	}
	// Existing codes still resolve at the cap.
	if p := m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 1}); p == nil {
		t.Error("Existing pool should resolve even at the cap")
	}
}

func TestUpdatePoolNonExistent(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)
	if m.UpdatePool(&PoolConfig{Code: "NOPE", Concurrency: 5}) {
		t.Error("UpdatePool should report false for unknown code")
	}
}

func TestUpdatePoolAppliesChanges(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)
	defer m.Stop()

	m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10})

	rate := 120
	if !m.UpdatePool(&PoolConfig{Code: "POOL-A", Concurrency: 4, RateLimitPerMinute: &rate, TimeoutSeconds: 15}) {
		t.Fatal("UpdatePool should report true for existing pool")
	}

	p := m.GetPool("POOL-A")
	if p.GetConcurrency() != 4 {
		t.Errorf("Expected concurrency 4, got %d", p.GetConcurrency())
	}
	if p.GetRateLimitPerMinute() == nil || *p.GetRateLimitPerMinute() != 120 {
		t.Errorf("Expected rate limit 120, got %v", p.GetRateLimitPerMinute())
	}
	if p.GetTimeoutSeconds() != 15 {
		t.Errorf("Expected timeout 15, got %d", p.GetTimeoutSeconds())
	}
}

func TestSuspendResumePool(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)

	m.SuspendPool("POOL-A")
	if !m.IsPoolSuspended("POOL-A") {
		t.Error("Pool should be suspended")
	}
	m.ResumePool("POOL-A")
	if m.IsPoolSuspended("POOL-A") {
		t.Error("Pool should not be suspended after resume")
	}
}

func TestRemovePool(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)

	m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 1, QueueCapacity: 10})
	m.RemovePool("POOL-A")

	// Removal is immediate even though the drain runs in the background.
	if m.GetPool("POOL-A") != nil {
		t.Error("Pool should be unregistered immediately after RemovePool")
	}

	// Removing an unknown pool is a no-op.
	m.RemovePool("NOPE")
}

func TestGetTotalPoolCapacity(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)
	defer m.Stop()

	if m.GetTotalPoolCapacity() != 0 {
		t.Errorf("Expected 0 capacity with no pools, got %d", m.GetTotalPoolCapacity())
	}

	m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10})
	m.GetOrCreatePool(&PoolConfig{Code: "POOL-B", Concurrency: 5, QueueCapacity: 20})

	// Queued plus actively processing.
	want := (10 + 2) + (20 + 5)
	if got := m.GetTotalPoolCapacity(); got != want {
		t.Errorf("Expected total capacity %d, got %d", want, got)
	}
}

// --- Routing ---

func TestRouteWhenNotRunning(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)

	if m.Route(testPointer("msg-1", "POOL-A"), newFakeMessage("b-1", nil)) {
		t.Error("Route should refuse messages before Start")
	}
	if m.GetPipelineSize() != 0 {
		t.Errorf("Refused message must not be tracked, pipeline size %d", m.GetPipelineSize())
	}
}

func TestRouteNilArguments(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if m.Route(nil, newFakeMessage("b-1", nil)) {
		t.Error("Route should refuse a nil pointer")
	}
	if m.Route(testPointer("msg-1", "POOL-A"), nil) {
		t.Error("Route should refuse a nil message")
	}
}

func TestRouteSubmitsAndAcks(t *testing.T) {
	med := &mockMediator{}
	m := NewQueueManager(med, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	qmsg := newFakeMessage("broker-1", nil)
	if !m.Route(testPointer("msg-1", "POOL-A"), qmsg) {
		t.Fatal("Route should accept the message")
	}

	waitFor(t, "message to be acked", func() bool { return qmsg.ackCount.Load() == 1 })

	if med.callCount.Load() != 1 {
		t.Errorf("Expected 1 mediation, got %d", med.callCount.Load())
	}
	if m.GetPipelineSize() != 0 {
		t.Errorf("Settled message must leave the pipeline, size %d", m.GetPipelineSize())
	}
}

func TestRouteAutoCreatesPool(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if !m.Route(testPointer("msg-1", "FRESH-POOL"), newFakeMessage("b-1", nil)) {
		t.Fatal("Route should accept the message")
	}

	p := m.GetPool("FRESH-POOL")
	if p == nil {
		t.Fatal("Route should create the referenced pool")
	}
	if p.GetConcurrency() != DefaultPoolConcurrency {
		t.Errorf("Expected default concurrency %d, got %d", DefaultPoolConcurrency, p.GetConcurrency())
	}
}

func TestRoutePoolFullReturnsFalse(t *testing.T) {
	med := newGatedMediator()
	defer med.open()

	m := NewQueueManager(med, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	m.GetOrCreatePool(&PoolConfig{Code: "TINY", Concurrency: 1, QueueCapacity: 1})

	msg1 := newFakeMessage("b-1", nil)
	if !m.Route(testPointer("msg-1", "TINY"), msg1) {
		t.Fatal("First message should be accepted")
	}
	// Wait until the worker holds msg-1 so the queue slot is free again.
	med.waitEntered(t)

	msg2 := newFakeMessage("b-2", nil)
	if !m.Route(testPointer("msg-2", "TINY"), msg2) {
		t.Fatal("Second message should be queued")
	}

	msg3 := newFakeMessage("b-3", nil)
	if m.Route(testPointer("msg-3", "TINY"), msg3) {
		t.Error("Third message should be refused with the queue full")
	}
	if m.Pipeline().Get("msg-3") != nil {
		t.Error("Refused message must not stay in the pipeline")
	}
	if m.Pipeline().Get("msg-1") == nil || m.Pipeline().Get("msg-2") == nil {
		t.Error("Accepted messages should remain tracked while in flight")
	}

	med.open()
	waitFor(t, "queued messages to settle", func() bool {
		return msg1.ackCount.Load() == 1 && msg2.ackCount.Load() == 1
	})
	if m.GetPipelineSize() != 0 {
		t.Errorf("Expected empty pipeline after settling, size %d", m.GetPipelineSize())
	}
}

func TestRouteSuspendedPool(t *testing.T) {
	ws := warning.NewInMemoryService()
	m := NewQueueManager(&mockMediator{}, nil).WithWarningService(ws)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	m.SuspendPool("POOL-A")

	qmsg := newFakeMessage("b-1", nil)
	if !m.Route(testPointer("msg-1", "POOL-A"), qmsg) {
		t.Error("Suspended-pool messages are settled, Route should report true")
	}
	if qmsg.lastNakDelay() != model.DefaultDelaySeconds {
		t.Errorf("Expected nack with default delay %d, got %d", model.DefaultDelaySeconds, qmsg.lastNakDelay())
	}
	if qmsg.ackCount.Load() != 0 {
		t.Error("Suspended-pool message must not be acked")
	}
	if m.GetPipelineSize() != 0 {
		t.Errorf("Delayed message must leave the pipeline, size %d", m.GetPipelineSize())
	}
	if !hasWarningCategory(ws, warning.CategoryConfiguration) {
		t.Error("Expected a CONFIGURATION warning for the suspended pool")
	}
}

func TestRoutePoolLimitDrops(t *testing.T) {
	ws := warning.NewInMemoryService()
	m := NewQueueManager(&mockMediator{}, nil).WithMaxPools(1).WithWarningService(ws)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	m.GetOrCreatePool(&PoolConfig{Code: "EXISTING", Concurrency: 1, QueueCapacity: 10})

	qmsg := newFakeMessage("b-1", nil)
	if !m.Route(testPointer("msg-1", "BRAND-NEW"), qmsg) {
		t.Error("Dropped messages are settled, Route should report true")
	}
	if qmsg.ackCount.Load() != 1 {
		t.Errorf("Dropped message should be acked away, got %d acks", qmsg.ackCount.Load())
	}
	if qmsg.nakCount.Load() != 0 {
		t.Error("Dropped message must not be nacked")
	}
	if m.GetPipelineSize() != 0 {
		t.Errorf("Dropped message must leave the pipeline, size %d", m.GetPipelineSize())
	}
	if !hasWarningCategory(ws, warning.CategoryPoolLimit) {
		t.Error("Expected a POOL_LIMIT warning")
	}
}

func TestRouteDuplicateSameBrokerID(t *testing.T) {
	med := newGatedMediator()
	defer med.open()

	m := NewQueueManager(med, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 1, QueueCapacity: 5})

	original := newFakeHandleMessage("broker-1", "handle-1", nil)
	p1 := testPointer("msg-1", "POOL-A")
	p1.BrokerMessageID = "broker-1"
	if !m.Route(p1, original) {
		t.Fatal("Original should be accepted")
	}
	med.waitEntered(t)

	// Same broker entry redelivered after its visibility lapsed: the tracked
	// receipt handle must be refreshed and the copy postponed, not acked.
	copyMsg := newFakeHandleMessage("broker-1", "handle-2", nil)
	p2 := testPointer("msg-1", "POOL-A")
	p2.BrokerMessageID = "broker-1"
	if !m.Route(p2, copyMsg) {
		t.Error("Duplicate is settled, Route should report true")
	}

	if copyMsg.lastNakDelay() != model.DefaultDelaySeconds {
		t.Errorf("Expected duplicate postponed by %d seconds, got %d", model.DefaultDelaySeconds, copyMsg.lastNakDelay())
	}
	if copyMsg.ackCount.Load() != 0 {
		t.Error("Redelivered duplicate must not be acked")
	}
	if original.GetReceiptHandle() != "handle-2" {
		t.Errorf("Expected original's receipt handle refreshed to handle-2, got %s", original.GetReceiptHandle())
	}
	if m.GetPipelineSize() != 1 {
		t.Errorf("Original should stay tracked, pipeline size %d", m.GetPipelineSize())
	}

	med.open()
	waitFor(t, "original to be acked", func() bool { return original.ackCount.Load() == 1 })
}

func TestRouteDuplicateDifferentBrokerID(t *testing.T) {
	med := newGatedMediator()
	defer med.open()

	m := NewQueueManager(med, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 1, QueueCapacity: 5})

	original := newFakeHandleMessage("broker-1", "handle-1", nil)
	p1 := testPointer("msg-1", "POOL-A")
	p1.BrokerMessageID = "broker-1"
	if !m.Route(p1, original) {
		t.Fatal("Original should be accepted")
	}
	med.waitEntered(t)

	// A distinct broker entry with the same business ID is an upstream
	// requeue: ack it so it cannot wedge its message group.
	copyMsg := newFakeHandleMessage("broker-2", "handle-2", nil)
	p2 := testPointer("msg-1", "POOL-A")
	p2.BrokerMessageID = "broker-2"
	if !m.Route(p2, copyMsg) {
		t.Error("Duplicate is settled, Route should report true")
	}

	if copyMsg.ackCount.Load() != 1 {
		t.Errorf("Expected requeued duplicate acked, got %d acks", copyMsg.ackCount.Load())
	}
	if copyMsg.nakCount.Load() != 0 {
		t.Error("Requeued duplicate must not be nacked")
	}
	if original.GetReceiptHandle() != "handle-1" {
		t.Errorf("A distinct broker entry must not refresh the original's handle, got %s", original.GetReceiptHandle())
	}

	med.open()
	waitFor(t, "original to be acked", func() bool { return original.ackCount.Load() == 1 })
}

// --- Config sync ---

func TestReconcilePoolsCreatesAndUpdates(t *testing.T) {
	repo := &fakePoolRepo{pools: []*dispatchpool.DispatchPool{
		{Code: "POOL-A", Concurrency: 4, QueueCapacity: 10, Status: dispatchpool.DispatchPoolStatusActive},
		{Code: "POOL-B", Concurrency: 3, Status: dispatchpool.DispatchPoolStatusActive},
		{Code: "POOL-C", Concurrency: 2, Status: dispatchpool.DispatchPoolStatusSuspended},
	}}

	m := NewQueueManager(&mockMediator{}, nil).
		WithConfigSync(repo, ConfigSyncConfig{Enabled: true, Interval: time.Hour, InitialRetryAttempts: 1})
	defer m.Stop()

	// Pre-existing pools: one to update, one stale, plus the default pool.
	m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 2, QueueCapacity: 10})
	m.GetOrCreatePool(&PoolConfig{Code: "STALE", Concurrency: 1, QueueCapacity: 10})
	m.GetOrCreatePool(&PoolConfig{Code: DefaultPoolCode, Concurrency: 1, QueueCapacity: 10})

	if err := m.ReconcilePools(context.Background()); err != nil {
		t.Fatalf("ReconcilePools failed: %v", err)
	}

	if p := m.GetPool("POOL-A"); p == nil || p.GetConcurrency() != 4 {
		t.Error("Expected POOL-A updated to concurrency 4")
	}
	p := m.GetPool("POOL-B")
	if p == nil {
		t.Fatal("Expected POOL-B created")
	}
	if p.GetConcurrency() != 3 {
		t.Errorf("Expected POOL-B concurrency 3, got %d", p.GetConcurrency())
	}
	if p.GetQueueCapacity() != MinQueueCapacity {
		t.Errorf("Expected POOL-B capacity defaulted to %d, got %d", MinQueueCapacity, p.GetQueueCapacity())
	}

	if !m.IsPoolSuspended("POOL-C") {
		t.Error("Expected POOL-C suspended")
	}
	if m.GetPool("POOL-C") != nil {
		t.Error("Suspended pools should not be instantiated until resumed")
	}

	if m.GetPool("STALE") != nil {
		t.Error("Pools absent from config should be removed")
	}
	if m.GetPool(DefaultPoolCode) == nil {
		t.Error("The default pool is exempt from config removal")
	}
}

func TestReconcilePoolsFailureLeavesState(t *testing.T) {
	repo := &fakePoolRepo{err: errors.New("db down")}
	ws := warning.NewInMemoryService()

	m := NewQueueManager(&mockMediator{}, nil).
		WithConfigSync(repo, ConfigSyncConfig{Enabled: true, Interval: time.Hour}).
		WithWarningService(ws)
	defer m.Stop()

	m.GetOrCreatePool(&PoolConfig{Code: "POOL-A", Concurrency: 1, QueueCapacity: 10})

	if err := m.ReconcilePools(context.Background()); err == nil {
		t.Error("Expected reconcile error when the store is unreachable")
	}
	if m.GetPool("POOL-A") == nil {
		t.Error("A failed sync must leave existing pools untouched")
	}
	if !hasWarningCategory(ws, warning.CategoryConfiguration) {
		t.Error("Expected a CONFIGURATION warning for the failed sync")
	}
}

func TestStartFailsOnInitialSyncError(t *testing.T) {
	repo := &fakePoolRepo{err: errors.New("db down")}
	m := NewQueueManager(&mockMediator{}, nil).
		WithConfigSync(repo, ConfigSyncConfig{
			Enabled:                true,
			Interval:               time.Hour,
			InitialRetryAttempts:   2,
			InitialRetryDelay:      time.Millisecond,
			FailOnInitialSyncError: true,
		})

	if err := m.Start(); err == nil {
		t.Fatal("Start should fail when the initial sync cannot complete")
	}
	if m.IsRunning() {
		t.Error("Manager must not be running after a failed Start")
	}
	if repo.calls.Load() != 2 {
		t.Errorf("Expected 2 sync attempts, got %d", repo.calls.Load())
	}
}

func TestStartContinuesWhenInitialSyncOptional(t *testing.T) {
	repo := &fakePoolRepo{err: errors.New("db down")}
	m := NewQueueManager(&mockMediator{}, nil).
		WithConfigSync(repo, ConfigSyncConfig{
			Enabled:                true,
			Interval:               time.Hour,
			InitialRetryAttempts:   1,
			InitialRetryDelay:      time.Millisecond,
			FailOnInitialSyncError: false,
		})

	if err := m.Start(); err != nil {
		t.Fatalf("Start should tolerate a failed optional sync, got %v", err)
	}
	if !m.IsRunning() {
		t.Error("Manager should be running")
	}
	m.Stop()
}

func TestStandbySkipsInitialSync(t *testing.T) {
	repo := &fakePoolRepo{pools: []*dispatchpool.DispatchPool{
		{Code: "POOL-A", Concurrency: 2, Status: dispatchpool.DispatchPoolStatusActive},
	}}
	standby := &fakeStandby{}

	m := NewQueueManager(&mockMediator{}, nil).
		WithConfigSync(repo, ConfigSyncConfig{
			Enabled:                true,
			Interval:               time.Hour,
			InitialRetryAttempts:   3,
			FailOnInitialSyncError: true,
		}).
		WithStandbyChecker(standby)

	if err := m.Start(); err != nil {
		t.Fatalf("Standby Start should not fail, got %v", err)
	}
	defer m.Stop()

	if repo.calls.Load() != 0 {
		t.Errorf("Standby instance must not sync before promotion, got %d calls", repo.calls.Load())
	}
	if m.GetPool("POOL-A") != nil {
		t.Error("Standby instance should not have created pools")
	}
}

// --- Consumer ---

func encodePointer(t *testing.T, p *model.MessagePointer) []byte {
	t.Helper()
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Failed to encode pointer: %v", err)
	}
	return data
}

func TestConsumerHandleRoutesDecodedMessage(t *testing.T) {
	med := &mockMediator{}
	m := NewQueueManager(med, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	c := NewConsumer(m, nil)
	qmsg := newFakeMessage("broker-1", encodePointer(t, testPointer("msg-1", "POOL-A")))

	if err := c.handle(qmsg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}

	waitFor(t, "message to be acked", func() bool { return qmsg.ackCount.Load() == 1 })
	if med.callCount.Load() != 1 {
		t.Errorf("Expected 1 mediation, got %d", med.callCount.Load())
	}
}

func TestConsumerHandleDropsPoisonMessage(t *testing.T) {
	ws := warning.NewInMemoryService()
	m := NewQueueManager(&mockMediator{}, nil).WithWarningService(ws)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	c := NewConsumer(m, nil)
	qmsg := newFakeMessage("broker-1", []byte("this is not json"))

	if err := c.handle(qmsg); err != nil {
		t.Errorf("Poison messages are settled, handle should return nil, got %v", err)
	}
	if qmsg.ackCount.Load() != 1 {
		t.Errorf("Poison message should be acked away, got %d acks", qmsg.ackCount.Load())
	}
	if !hasWarningCategory(ws, warning.CategoryMediation) {
		t.Error("Expected a MEDIATION warning for the dropped message")
	}

	// Valid JSON with required fields missing is poison too.
	missing := newFakeMessage("broker-2", []byte(`{"id":"msg-1"}`))
	if err := c.handle(missing); err != nil {
		t.Errorf("Expected nil for invalid pointer, got %v", err)
	}
	if missing.ackCount.Load() != 1 {
		t.Error("Invalid pointer should be acked away")
	}
}

func TestConsumerHandlePoisonGetsOneRedelivery(t *testing.T) {
	ws := warning.NewInMemoryService()
	m := NewQueueManager(&mockMediator{}, nil).WithWarningService(ws)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	c := NewConsumer(m, nil)

	// First delivery: nacked with a short delay in case the producer wrote
	// a partial body.
	first := &fakeCountedMessage{receiveCount: 1}
	first.id = "broker-1"
	first.data = []byte("this is not json")
	if err := c.handle(first); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if first.nakCount.Load() != 1 {
		t.Errorf("First poison delivery should be nacked once, got %d naks", first.nakCount.Load())
	}
	if first.ackCount.Load() != 0 {
		t.Error("First poison delivery must not be acked")
	}
	if got := first.lastNakDelay(); got != int(poisonRetryDelay/time.Second) {
		t.Errorf("Expected poison retry delay %d, got %d", int(poisonRetryDelay/time.Second), got)
	}
	if hasWarningCategory(ws, warning.CategoryMediation) {
		t.Error("No warning expected until the redelivery confirms the poison")
	}

	// Redelivery still fails to decode: deterministic poison, acked away.
	second := &fakeCountedMessage{receiveCount: 2}
	second.id = "broker-1"
	second.data = []byte("this is not json")
	if err := c.handle(second); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if second.ackCount.Load() != 1 {
		t.Errorf("Redelivered poison should be acked away, got %d acks", second.ackCount.Load())
	}
	if second.nakCount.Load() != 0 {
		t.Error("Redelivered poison must not be nacked again")
	}
	if !hasWarningCategory(ws, warning.CategoryMediation) {
		t.Error("Expected a MEDIATION warning for the dropped message")
	}
}

func TestConsumerReconnectBackoffAndWarning(t *testing.T) {
	ws := warning.NewInMemoryService()
	m := NewQueueManager(&mockMediator{}, nil).WithWarningService(ws)

	fc := &failingConsumer{}
	c := NewConsumer(m, fc)
	c.reconnectBase = 10 * time.Millisecond
	c.reconnectMax = 40 * time.Millisecond

	c.Start()
	defer c.Stop()

	waitFor(t, "repeated failed sessions", func() bool { return len(fc.sessions()) >= 5 })

	if !hasWarningCategory(ws, warning.CategoryHealth) {
		t.Error("Expected a HEALTH warning after repeated reconnect failures")
	}

	// Delays double from the base toward the cap: 10, 20, 40, 40ms. The
	// five sessions therefore span at least the summed back-off.
	starts := fc.sessions()
	if elapsed := starts[4].Sub(starts[0]); elapsed < 100*time.Millisecond {
		t.Errorf("Expected growing back-off across sessions, 5 sessions in %v", elapsed)
	}
}

func TestConsumerHandleNotAcceptedWhenStopped(t *testing.T) {
	m := NewQueueManager(&mockMediator{}, nil)
	c := NewConsumer(m, nil)

	qmsg := newFakeMessage("broker-1", encodePointer(t, testPointer("msg-1", "POOL-A")))
	if err := c.handle(qmsg); !errors.Is(err, errNotAccepted) {
		t.Errorf("Expected errNotAccepted with the manager stopped, got %v", err)
	}
	if qmsg.ackCount.Load() != 0 || qmsg.nakCount.Load() != 0 {
		t.Error("Unaccepted message must be left to broker redelivery untouched")
	}
}

func TestConsumerHandleStampsBrokerMetadata(t *testing.T) {
	med := &mockMediator{}
	m := NewQueueManager(med, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	c := NewConsumer(m, nil)

	// Pointer published without a group: the broker delivery's group wins.
	p := model.NewMessagePointer("msg-1", "POOL-A", "token-1", model.MediationTypeHTTP,
		"http://example.com/process", "")
	qmsg := &fakeBatchMessage{batchID: "batch-7"}
	qmsg.id = "broker-9"
	qmsg.data = encodePointer(t, p)
	qmsg.group = "fifo-group-3"

	if err := c.handle(qmsg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	waitFor(t, "mediation to run", func() bool { return med.callCount.Load() == 1 })

	got := med.lastPointer()
	if got.BrokerMessageID != "broker-9" {
		t.Errorf("Expected broker message ID stamped, got %q", got.BrokerMessageID)
	}
	if got.BatchID != "batch-7" {
		t.Errorf("Expected batch ID stamped, got %q", got.BatchID)
	}
	if got.MessageGroupID != "fifo-group-3" {
		t.Errorf("Expected broker group adopted, got %q", got.MessageGroupID)
	}
}

func TestConsumerHandleKeepsExplicitGroup(t *testing.T) {
	med := &mockMediator{}
	m := NewQueueManager(med, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	c := NewConsumer(m, nil)

	qmsg := newFakeMessage("broker-1", encodePointer(t, testPointer("msg-1", "POOL-A")))
	qmsg.group = "broker-group"

	if err := c.handle(qmsg); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	waitFor(t, "mediation to run", func() bool { return med.callCount.Load() == 1 })

	// testPointer names group-1 explicitly; the broker group must not win.
	if got := med.lastPointer().MessageGroupID; got != "group-1" {
		t.Errorf("Expected pointer's own group kept, got %q", got)
	}
}

// --- Router lifecycle ---

func TestRouterStartStop(t *testing.T) {
	r := NewRouter(nil, nil)

	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if r.Manager() == nil {
		t.Fatal("Router should carry a default manager")
	}
	if !r.Manager().IsRunning() {
		t.Error("Manager should be running after router Start")
	}
	if r.Consumer() != nil {
		t.Error("No consumer should exist without a broker client")
	}

	r.Stop()
	if r.Manager().IsRunning() {
		t.Error("Manager should be stopped after router Stop")
	}

	// Stop is idempotent.
	r.Stop()
}

func TestRouterPropagatesManagerStartError(t *testing.T) {
	repo := &fakePoolRepo{err: errors.New("db down")}
	m := NewQueueManager(&mockMediator{}, nil).
		WithConfigSync(repo, ConfigSyncConfig{
			Enabled:                true,
			Interval:               time.Hour,
			InitialRetryAttempts:   1,
			FailOnInitialSyncError: true,
		})

	r := NewRouter(nil, m)
	if err := r.Start(); err == nil {
		t.Fatal("Router Start should propagate the manager's sync failure")
	}
	if m.IsRunning() {
		t.Error("Manager must not be left running after a failed Start")
	}
}

// --- Helpers ---

func TestDefaultQueueCapacity(t *testing.T) {
	cases := []struct {
		concurrency int
		want        int
	}{
		{1, MinQueueCapacity},
		{20, MinQueueCapacity},
		{25, MinQueueCapacity},
		{30, 60},
		{100, 200},
	}
	for _, tc := range cases {
		if got := defaultQueueCapacity(tc.concurrency); got != tc.want {
			t.Errorf("defaultQueueCapacity(%d) = %d, want %d", tc.concurrency, got, tc.want)
		}
	}
}

func TestEqualRateLimit(t *testing.T) {
	a, b := 10, 10
	c := 20
	if !equalRateLimit(nil, nil) {
		t.Error("Two nil limits should compare equal")
	}
	if equalRateLimit(&a, nil) || equalRateLimit(nil, &a) {
		t.Error("A nil limit should not equal a set one")
	}
	if !equalRateLimit(&a, &b) {
		t.Error("Equal values should compare equal")
	}
	if equalRateLimit(&a, &c) {
		t.Error("Different values should not compare equal")
	}
}
