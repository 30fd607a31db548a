// End-to-end tests wiring a process pool to the HTTP mediator against live
// httptest servers: status classification, redelivery delays, FIFO ordering,
// concurrency caps, rate limiting, and circuit breaking.
package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

// === Integration Test Helpers ===

// noBreaker keeps circuit breaking out of tests that exercise other paths.
func noBreaker() breaker.Config {
	return breaker.Config{Enabled: false}
}

func newTestMediator(timeout time.Duration, cb breaker.Config) *mediator.HTTPMediator {
	return mediator.NewHTTPMediator(&mediator.HTTPMediatorConfig{
		Timeout:        timeout,
		HTTPVersion:    mediator.HTTPVersion1, // httptest servers speak HTTP/1.1
		CircuitBreaker: cb,
	})
}

func newStartedPool(med pool.Mediator, concurrency, capacity int, rateLimit *int) *pool.ProcessPool {
	p := pool.NewProcessPool(pool.Config{
		PoolCode:           "integration-pool",
		Concurrency:        concurrency,
		QueueCapacity:      capacity,
		RateLimitPerMinute: rateLimit,
	}, med, nil)
	p.Start()
	return p
}

// callbackRecorder tracks ack/nack completions per message ID.
type callbackRecorder struct {
	mu     sync.Mutex
	acked  map[string]bool
	nacked map[string]bool
	delays map[string]int
}

func newCallbackRecorder() *callbackRecorder {
	return &callbackRecorder{
		acked:  make(map[string]bool),
		nacked: make(map[string]bool),
		delays: make(map[string]int),
	}
}

func (r *callbackRecorder) message(id, group, target string) *pool.Message {
	return &pool.Message{
		Pointer: &model.MessagePointer{
			ID:              id,
			PoolCode:        "integration-pool",
			MediationType:   model.MediationTypeHTTP,
			MediationTarget: target,
			MessageGroupID:  group,
		},
		Callback: pool.Callback{
			AckFunc: func() error {
				r.mu.Lock()
				r.acked[id] = true
				r.mu.Unlock()
				return nil
			},
			NakFunc: func() error {
				r.mu.Lock()
				r.nacked[id] = true
				r.mu.Unlock()
				return nil
			},
			NakDelayFunc: func(delaySeconds int) error {
				r.mu.Lock()
				r.nacked[id] = true
				r.delays[id] = delaySeconds
				r.mu.Unlock()
				return nil
			},
		},
	}
}

func (r *callbackRecorder) IsAcked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acked[id]
}

func (r *callbackRecorder) IsNacked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nacked[id]
}

func (r *callbackRecorder) DelayFor(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[id]
}

func (r *callbackRecorder) AckCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked)
}

func (r *callbackRecorder) NackCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nacked)
}

func (r *callbackRecorder) HandledCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acked) + len(r.nacked)
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// === HTTP Response Tests ===

func TestMediation_SuccessResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(model.NewSuccessResponse("processed"))
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-success", "group-1", server.URL))

	if !waitFor(t, 2*time.Second, func() bool { return rec.IsAcked("msg-success") }) {
		t.Error("Expected message to be ACKed on 200 response")
	}
}

func TestMediation_EmptyBodySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-empty", "group-1", server.URL))

	// The envelope refines a 2xx, it does not gate it
	if !waitFor(t, 2*time.Second, func() bool { return rec.IsAcked("msg-empty") }) {
		t.Error("Expected 200 with empty body to be ACKed")
	}
}

func TestMediation_ErrorEnvelopeRedelivers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(model.NewErrorResponse("downstream busy", 120))
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-envelope", "group-1", server.URL))

	if !waitFor(t, 2*time.Second, func() bool { return rec.IsNacked("msg-envelope") }) {
		t.Fatal("Expected ERROR envelope to be NACKed")
	}
	if delay := rec.DelayFor("msg-envelope"); delay != 120 {
		t.Errorf("Expected requested delay 120, got %d", delay)
	}
}

func TestMediation_ServerError500(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-500", "group-1", server.URL))

	if !waitFor(t, 2*time.Second, func() bool { return rec.IsNacked("msg-500") }) {
		t.Fatal("Expected message to be NACKed on 500 response")
	}
	if delay := rec.DelayFor("msg-500"); delay != model.DefaultDelaySeconds {
		t.Errorf("Expected default delay %d, got %d", model.DefaultDelaySeconds, delay)
	}
}

func TestMediation_ServiceUnavailable503(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-503", "group-1", server.URL))

	if !waitFor(t, 2*time.Second, func() bool { return rec.IsNacked("msg-503") }) {
		t.Error("Expected message to be NACKed on 503 response")
	}
}

func TestMediation_BadRequestRedelivers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-400", "group-1", server.URL))

	// 400 may be a transient payload problem; the broker retries it
	if !waitFor(t, 2*time.Second, func() bool { return rec.IsNacked("msg-400") }) {
		t.Error("Expected message to be NACKed on 400 response")
	}
}

func TestMediation_NotFoundNeverRedelivered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-404", "group-1", server.URL))

	// 404 is a configuration error: ACK so it never loops
	if !waitFor(t, 2*time.Second, func() bool { return rec.IsAcked("msg-404") }) {
		t.Error("Expected message to be ACKed on 404 response")
	}
	if rec.IsNacked("msg-404") {
		t.Error("404 must not be NACKed")
	}
}

func TestMediation_UnauthorizedNeverRedelivered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-401", "group-1", server.URL))

	if !waitFor(t, 2*time.Second, func() bool { return rec.IsAcked("msg-401") }) {
		t.Error("Expected message to be ACKed on 401 response")
	}
}

func TestMediation_RetryAfterHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "90")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-429", "group-1", server.URL))

	if !waitFor(t, 2*time.Second, func() bool { return rec.IsNacked("msg-429") }) {
		t.Fatal("Expected message to be NACKed on 429 response")
	}
	if delay := rec.DelayFor("msg-429"); delay != 90 {
		t.Errorf("Expected Retry-After delay 90, got %d", delay)
	}
}

// === Timeout Tests ===

func TestMediation_Timeout(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping timeout test in short mode")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(500*time.Millisecond, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("msg-timeout", "group-1", server.URL))

	if !waitFor(t, 3*time.Second, func() bool { return rec.IsNacked("msg-timeout") }) {
		t.Error("Expected message to be NACKed on timeout")
	}
}

// === Request Shape Tests ===

func TestMediation_RequestShape(t *testing.T) {
	var (
		mu       sync.Mutex
		method   string
		headers  http.Header
		reqBody  model.ProcessRequest
		received bool
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method = r.Method
		headers = r.Header.Clone()
		json.NewDecoder(r.Body).Decode(&reqBody)
		received = true
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	msg := rec.message("msg-shape", "shape-group", server.URL)
	msg.Pointer.AuthToken = "test-token"
	p.Submit(msg)

	if !waitFor(t, 2*time.Second, func() bool { return rec.IsAcked("msg-shape") }) {
		t.Fatal("Expected message to be ACKed")
	}

	mu.Lock()
	defer mu.Unlock()
	if !received {
		t.Fatal("Target never received the request")
	}
	if method != http.MethodPost {
		t.Errorf("Expected POST, got %s", method)
	}
	if ct := headers.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json Content-Type, got %q", ct)
	}
	if got := headers.Get("X-FlowCatalyst-MessageId"); got != "msg-shape" {
		t.Errorf("Expected message ID header, got %q", got)
	}
	if got := headers.Get("X-FlowCatalyst-MessageGroup"); got != "shape-group" {
		t.Errorf("Expected message group header, got %q", got)
	}
	if got := headers.Get("Authorization"); got != "Bearer test-token" {
		t.Errorf("Expected bearer auth header, got %q", got)
	}
	if reqBody.MessageID != "msg-shape" {
		t.Errorf("Expected body messageId 'msg-shape', got %q", reqBody.MessageID)
	}
}

// === Batch Processing Tests ===

func TestBatchProcessing_AllSuccess(t *testing.T) {
	var requestCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	// Different groups so messages process in parallel
	batchSize := 10
	for i := 0; i < batchSize; i++ {
		p.Submit(rec.message(
			fmt.Sprintf("batch-msg-%d", i),
			fmt.Sprintf("group-%d", i),
			server.URL))
	}

	if !waitFor(t, 5*time.Second, func() bool { return rec.AckCount() == batchSize }) {
		t.Errorf("Expected %d acks, got %d", batchSize, rec.AckCount())
	}
	if int(requestCount.Load()) != batchSize {
		t.Errorf("Expected %d HTTP requests, got %d", batchSize, requestCount.Load())
	}
}

func TestBatchProcessing_MixedResults(t *testing.T) {
	var requestCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every 3rd request fails
		if requestCount.Add(1)%3 == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	batchSize := 9
	for i := 0; i < batchSize; i++ {
		p.Submit(rec.message(
			fmt.Sprintf("mixed-msg-%d", i),
			fmt.Sprintf("group-%d", i),
			server.URL))
	}

	if !waitFor(t, 5*time.Second, func() bool { return rec.HandledCount() == batchSize }) {
		t.Fatalf("Expected %d handled messages, got %d (ack=%d, nack=%d)",
			batchSize, rec.HandledCount(), rec.AckCount(), rec.NackCount())
	}
	if rec.NackCount() == 0 {
		t.Error("Expected some NACKs for failed requests")
	}
	if rec.AckCount() == 0 {
		t.Error("Expected some ACKs for successful requests")
	}
}

// === FIFO Ordering Tests ===

func TestFIFOOrdering_SameGroup(t *testing.T) {
	var (
		mu           sync.Mutex
		processOrder []string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req model.ProcessRequest
		json.NewDecoder(r.Body).Decode(&req)

		mu.Lock()
		processOrder = append(processOrder, req.MessageID)
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()

	// Multiple workers: ordering must come from the group, not the pool size
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	for i := 0; i < 5; i++ {
		p.Submit(rec.message(fmt.Sprintf("fifo-%d", i), "fifo-group", server.URL))
	}

	if !waitFor(t, 3*time.Second, func() bool { return rec.AckCount() == 5 }) {
		t.Fatalf("Expected 5 acks, got %d", rec.AckCount())
	}

	mu.Lock()
	defer mu.Unlock()

	expected := []string{"fifo-0", "fifo-1", "fifo-2", "fifo-3", "fifo-4"}
	if len(processOrder) != len(expected) {
		t.Fatalf("Expected %d messages processed, got %d", len(expected), len(processOrder))
	}
	for i, id := range expected {
		if processOrder[i] != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, processOrder[i])
		}
	}
}

// === Concurrency Tests ===

func TestConcurrency_ParallelProcessing(t *testing.T) {
	var processingCount atomic.Int32
	var maxConcurrent atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := processingCount.Add(1)
		for {
			max := maxConcurrent.Load()
			if current <= max || maxConcurrent.CompareAndSwap(max, current) {
				break
			}
		}

		time.Sleep(50 * time.Millisecond)
		processingCount.Add(-1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()

	concurrency := 5
	p := newStartedPool(med, concurrency, 100, nil)
	defer p.Shutdown()

	for i := 0; i < 20; i++ {
		p.Submit(rec.message(
			fmt.Sprintf("concurrent-%d", i),
			fmt.Sprintf("group-%d", i),
			server.URL))
	}

	if !waitFor(t, 5*time.Second, func() bool { return rec.AckCount() == 20 }) {
		t.Errorf("Expected 20 acks, got %d", rec.AckCount())
	}
	if maxConcurrent.Load() > int32(concurrency) {
		t.Errorf("Max concurrent %d exceeded concurrency limit %d",
			maxConcurrent.Load(), concurrency)
	}
}

// === Recovery Tests ===

func TestRecovery_TransientFailure(t *testing.T) {
	var requestCount atomic.Int32
	var failing atomic.Bool
	failing.Store(true)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	p.Submit(rec.message("transient-1", "group-1", server.URL))
	if !waitFor(t, 2*time.Second, func() bool { return rec.IsNacked("transient-1") }) {
		t.Error("Expected first message to be NACKed")
	}

	// "Recover" the server
	failing.Store(false)

	p.Submit(rec.message("transient-2", "group-2", server.URL))
	if !waitFor(t, 2*time.Second, func() bool { return rec.IsAcked("transient-2") }) {
		t.Error("Expected second message to be ACKed after recovery")
	}

	if requestCount.Load() < 2 {
		t.Errorf("Expected at least 2 requests, got %d", requestCount.Load())
	}
}

// === Circuit Breaker Tests ===

func TestCircuitBreaker_OpensAndDefers(t *testing.T) {
	var requestCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, breaker.Config{
		Enabled:               true,
		KeyStrategy:           breaker.KeyByURL,
		MaxRequests:           1,
		Interval:              time.Minute,
		Timeout:               time.Minute, // stays open for the whole test
		FailureRatio:          0.5,
		MinRequests:           4,
		OpenStateDelaySeconds: 25,
	})
	rec := newCallbackRecorder()
	p := newStartedPool(med, 5, 100, nil)
	defer p.Shutdown()

	// Same group, so the failures hit the breaker one at a time
	for i := 1; i <= 4; i++ {
		p.Submit(rec.message(fmt.Sprintf("breaker-%d", i), "breaker-group", server.URL))
	}
	if !waitFor(t, 5*time.Second, func() bool { return rec.NackCount() == 4 }) {
		t.Fatalf("Expected 4 NACKs, got %d", rec.NackCount())
	}
	if got := requestCount.Load(); got != 4 {
		t.Fatalf("Expected 4 HTTP requests before the breaker opens, got %d", got)
	}

	// Breaker is open now: the next message is deferred without an HTTP call
	p.Submit(rec.message("breaker-5", "breaker-group", server.URL))
	if !waitFor(t, 2*time.Second, func() bool { return rec.IsNacked("breaker-5") }) {
		t.Fatal("Expected deferred message to be NACKed")
	}
	if got := requestCount.Load(); got != 4 {
		t.Errorf("Open breaker should not let the call through, saw %d requests", got)
	}
	if delay := rec.DelayFor("breaker-5"); delay != 25 {
		t.Errorf("Expected open-state delay 25, got %d", delay)
	}
	if open := med.Breakers().GetOpenCircuitBreakerCount(); open != 1 {
		t.Errorf("Expected 1 open breaker, got %d", open)
	}
}

// === Rate Limiting Tests ===

func TestRateLimiting_NacksWhenExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()

	// One token per minute: the first message drains the bucket
	rateLimit := 1
	p := newStartedPool(med, 5, 100, &rateLimit)
	defer p.Shutdown()

	for i := 0; i < 3; i++ {
		p.Submit(rec.message(
			fmt.Sprintf("rate-%d", i),
			fmt.Sprintf("group-%d", i),
			server.URL))
	}

	if !waitFor(t, 5*time.Second, func() bool { return rec.HandledCount() == 3 }) {
		t.Fatalf("Expected 3 handled messages, got %d", rec.HandledCount())
	}
	if rec.AckCount() != 1 {
		t.Errorf("Expected exactly 1 ack, got %d", rec.AckCount())
	}
	if rec.NackCount() != 2 {
		t.Errorf("Expected 2 rate-limited NACKs, got %d", rec.NackCount())
	}

	// Rejected messages carry the projected wait for the next token
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("rate-%d", i)
		if !rec.IsNacked(id) {
			continue
		}
		if delay := rec.DelayFor(id); delay < 10 {
			t.Errorf("Expected projected delay for %s, got %d", id, delay)
		}
	}
}

// === Queue Capacity Tests ===

func TestQueueCapacity_Overflow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond) // Slow processing
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()

	queueCapacity := 5
	p := newStartedPool(med, 1, queueCapacity, nil)
	defer p.Shutdown()

	// One group keeps processing serial, so the backlog hits the cap
	accepted := 0
	rejected := 0
	for i := 0; i < 20; i++ {
		if p.Submit(rec.message(fmt.Sprintf("overflow-%d", i), "overflow-group", server.URL)) {
			accepted++
		} else {
			rejected++
		}
	}

	if rejected == 0 {
		t.Error("Expected submissions beyond queue capacity to be rejected")
	}

	// Everything accepted still completes
	if !waitFor(t, 10*time.Second, func() bool { return rec.HandledCount() == accepted }) {
		t.Errorf("Expected %d handled messages, got %d", accepted, rec.HandledCount())
	}
}

// === Benchmark Tests ===

func BenchmarkEndToEndMessage(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	med := newTestMediator(5*time.Second, noBreaker())
	rec := newCallbackRecorder()
	p := newStartedPool(med, 10, 1000, nil)
	defer p.Shutdown()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p.Submit(rec.message(
			fmt.Sprintf("bench-%d", i),
			fmt.Sprintf("group-%d", i%10),
			server.URL))
	}

	for rec.HandledCount() < b.N {
		time.Sleep(time.Millisecond)
	}
}
