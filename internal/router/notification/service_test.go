package notification

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/warning"
)

// recordingService captures summaries delivered to a delegate.
type recordingService struct {
	mu       sync.Mutex
	warnings []warning.Warning
	enabled  bool
}

func (r *recordingService) NotifyWarning(w warning.Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *recordingService) NotifyCriticalError(message, source string) {}

func (r *recordingService) NotifySystemEvent(eventType, message string) {}

func (r *recordingService) IsEnabled() bool { return r.enabled }

func (r *recordingService) received() []warning.Warning {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]warning.Warning{}, r.warnings...)
}

func testWarning(category, severity, message string) warning.Warning {
	return warning.Warning{
		ID:        "test-" + category,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Source:    "test",
	}
}

func TestBatchingService_SeverityFilter(t *testing.T) {
	svc := NewBatchingService(nil, &BatchingConfig{
		MinSeverity: warning.SeverityWarning,
		BatchWindow: time.Minute,
	})

	svc.NotifyWarning(testWarning("NOISE", warning.SeverityInfo, "chatty"))
	if svc.PendingCount() != 0 {
		t.Errorf("INFO warning should be dropped below MinSeverity, pending=%d", svc.PendingCount())
	}

	svc.NotifyWarning(testWarning("MEDIATION", warning.SeverityWarning, "slow target"))
	svc.NotifyWarning(testWarning("QUEUE_BACKLOG", warning.SeverityError, "backlog"))
	if svc.PendingCount() != 2 {
		t.Errorf("Expected 2 pending warnings, got %d", svc.PendingCount())
	}
}

func TestBatchingService_SendBatch(t *testing.T) {
	delegate := &recordingService{enabled: true}
	svc := NewBatchingService([]Service{delegate}, &BatchingConfig{
		MinSeverity: warning.SeverityWarning,
		BatchWindow: time.Minute,
	})

	svc.NotifyWarning(testWarning("MEDIATION", warning.SeverityError, "target down"))
	svc.NotifyWarning(testWarning("QUEUE_BACKLOG", warning.SeverityWarning, "queue growing"))

	svc.SendBatch()

	received := delegate.received()
	if len(received) != 1 {
		t.Fatalf("Expected exactly one summary, got %d", len(received))
	}

	summary := received[0]
	if summary.Category != "BATCH_SUMMARY" {
		t.Errorf("Expected BATCH_SUMMARY category, got %s", summary.Category)
	}
	if summary.Severity != warning.SeverityError {
		t.Errorf("Summary should carry the highest batched severity, got %s", summary.Severity)
	}
	if !strings.Contains(summary.Message, "ERROR Issues (1)") {
		t.Errorf("Summary missing ERROR section:\n%s", summary.Message)
	}
	if !strings.Contains(summary.Message, "WARNING Issues (1)") {
		t.Errorf("Summary missing WARNING section:\n%s", summary.Message)
	}
	if !strings.Contains(summary.Message, "Total Warnings: 2") {
		t.Errorf("Summary missing total:\n%s", summary.Message)
	}
	if svc.PendingCount() != 0 {
		t.Errorf("Batch should be cleared after send, pending=%d", svc.PendingCount())
	}

	// An empty batch sends nothing
	svc.SendBatch()
	if len(delegate.received()) != 1 {
		t.Error("Empty batch must not produce a summary")
	}
}

func TestBatchingService_RepeatedCategoryCollapses(t *testing.T) {
	delegate := &recordingService{enabled: true}
	svc := NewBatchingService([]Service{delegate}, nil)

	for i := 0; i < 3; i++ {
		svc.NotifyWarning(testWarning("MEDIATION", warning.SeverityError, "target down"))
	}
	svc.SendBatch()

	received := delegate.received()
	if len(received) != 1 {
		t.Fatalf("Expected one summary, got %d", len(received))
	}
	if !strings.Contains(received[0].Message, "MEDIATION: 3 occurrences") {
		t.Errorf("Summary should collapse repeats per category:\n%s", received[0].Message)
	}
}

func TestBatchingService_CriticalError(t *testing.T) {
	delegate := &recordingService{enabled: true}
	svc := NewBatchingService([]Service{delegate}, &BatchingConfig{
		MinSeverity: warning.SeverityError,
		BatchWindow: time.Minute,
	})

	svc.NotifyCriticalError("broker unreachable", "queue-consumer")
	svc.SendBatch()

	received := delegate.received()
	if len(received) != 1 {
		t.Fatalf("Expected one summary, got %d", len(received))
	}
	if received[0].Severity != warning.SeverityCritical {
		t.Errorf("Expected CRITICAL summary, got %s", received[0].Severity)
	}
	if !strings.Contains(received[0].Message, "broker unreachable") {
		t.Errorf("Summary missing the critical message:\n%s", received[0].Message)
	}
}

func TestBatchingService_SystemEventSeverity(t *testing.T) {
	// Below INFO threshold: dropped
	filtered := NewBatchingService(nil, &BatchingConfig{
		MinSeverity: warning.SeverityWarning,
		BatchWindow: time.Minute,
	})
	filtered.NotifySystemEvent("STARTUP", "router started")
	if filtered.PendingCount() != 0 {
		t.Error("System events should be filtered below MinSeverity")
	}

	// INFO threshold admits them
	open := NewBatchingService(nil, &BatchingConfig{
		MinSeverity: warning.SeverityInfo,
		BatchWindow: time.Minute,
	})
	open.NotifySystemEvent("STARTUP", "router started")
	if open.PendingCount() != 1 {
		t.Errorf("Expected system event in batch, pending=%d", open.PendingCount())
	}
}

func TestBatchingService_IsEnabled(t *testing.T) {
	if NewBatchingService(nil, nil).IsEnabled() {
		t.Error("No delegates means nothing can deliver")
	}

	// A present delegate counts even if it reports disabled (it still logs)
	withNoop := NewBatchingService([]Service{NewNoOpService()}, nil)
	if !withNoop.IsEnabled() {
		t.Error("Expected enabled with a delegate present")
	}

	withEnabled := NewBatchingService([]Service{&recordingService{enabled: true}}, nil)
	if !withEnabled.IsEnabled() {
		t.Error("Expected enabled with an enabled delegate")
	}
}

func TestBatchingService_StopFlushes(t *testing.T) {
	delegate := &recordingService{enabled: true}
	svc := NewBatchingService([]Service{delegate}, nil)

	svc.NotifyWarning(testWarning("MEDIATION", warning.SeverityError, "target down"))

	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(delegate.received()) != 1 {
		t.Error("Stop should flush the pending batch")
	}
}

func TestBatchingService_FlushLoop(t *testing.T) {
	delegate := &recordingService{enabled: true}
	svc := NewBatchingService([]Service{delegate}, &BatchingConfig{
		MinSeverity: warning.SeverityWarning,
		BatchWindow: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Start(ctx)
		close(done)
	}()

	svc.NotifyWarning(testWarning("MEDIATION", warning.SeverityError, "target down"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(delegate.received()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(delegate.received()) == 0 {
		t.Error("Flush loop never sent the batch")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Start did not return after cancellation")
	}
}

func TestNoOpService(t *testing.T) {
	svc := NewNoOpService()

	// Logging transports must never panic or deliver
	svc.NotifyWarning(testWarning("SYSTEM", warning.SeverityError, "test error"))
	svc.NotifyCriticalError("critical error", "test-source")
	svc.NotifySystemEvent("STARTUP", "system started")

	if svc.IsEnabled() {
		t.Error("NoOpService.IsEnabled should return false")
	}
}
