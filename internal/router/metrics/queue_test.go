package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestQueueMetricsService_Counters(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	for i := 0; i < 4; i++ {
		svc.RecordMessageReceived("queue1")
	}
	svc.RecordMessageProcessed("queue1", true)
	svc.RecordMessageProcessed("queue1", true)
	svc.RecordMessageProcessed("queue1", true)
	svc.RecordMessageProcessed("queue1", false)

	stats := svc.GetQueueStats("queue1")

	if stats.TotalMessages != 4 {
		t.Errorf("Expected 4 total messages, got %d", stats.TotalMessages)
	}
	if stats.TotalConsumed != 3 {
		t.Errorf("Expected 3 consumed, got %d", stats.TotalConsumed)
	}
	if stats.TotalFailed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.TotalFailed)
	}
	if stats.SuccessRate != 0.75 {
		t.Errorf("Expected success rate 0.75, got %f", stats.SuccessRate)
	}
}

func TestQueueMetricsService_DepthTracking(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordQueueDepth("queue1", 100)
	if got := svc.GetQueueStats("queue1").CurrentSize; got != 100 {
		t.Errorf("Expected current size 100, got %d", got)
	}

	// Depth is a gauge, not a counter
	svc.RecordQueueDepth("queue1", 50)
	if got := svc.GetQueueStats("queue1").CurrentSize; got != 50 {
		t.Errorf("Expected current size 50, got %d", got)
	}

	svc.RecordQueueDepth("queue2", 25)
	if total := svc.GetTotalQueueDepth(); total != 75 {
		t.Errorf("Expected total depth 75 across queues, got %d", total)
	}
}

func TestQueueMetricsService_RecordQueueMetrics(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordQueueMetrics("queue1", 100, 25)

	stats := svc.GetQueueStats("queue1")
	if stats.PendingMessages != 100 {
		t.Errorf("Expected pending messages 100, got %d", stats.PendingMessages)
	}
	if stats.MessagesNotVisible != 25 {
		t.Errorf("Expected messages not visible 25, got %d", stats.MessagesNotVisible)
	}
}

func TestQueueMetricsService_GetAllQueueStats(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordMessageReceived("queue1")
	svc.RecordMessageReceived("queue2")
	svc.RecordMessageReceived("queue3")

	allStats := svc.GetAllQueueStats()

	if len(allStats) != 3 {
		t.Fatalf("Expected 3 queues, got %d", len(allStats))
	}
	for _, name := range []string{"queue1", "queue2", "queue3"} {
		if _, ok := allStats[name]; !ok {
			t.Errorf("Should have stats for %s", name)
		}
	}
}

func TestQueueMetricsService_Throughput(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordMessageProcessed("queue1", true)
	svc.RecordMessageProcessed("queue1", true)
	svc.RecordMessageProcessed("queue2", true)

	// Let some wall time pass so messages-per-second is measurable
	time.Sleep(100 * time.Millisecond)

	if got := svc.GetQueueStats("queue1").Throughput; got <= 0 {
		t.Errorf("Expected positive per-queue throughput, got %f", got)
	}
	if got := svc.GetThroughput(); got <= 0 {
		t.Errorf("Expected positive aggregate throughput, got %f", got)
	}
}

func TestQueueMetricsService_UnknownQueue(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	stats := svc.GetQueueStats("non-existent")
	if stats == nil {
		t.Fatal("Should return empty stats, not nil")
	}
	if stats.Name != "non-existent" {
		t.Errorf("Expected name 'non-existent', got %s", stats.Name)
	}
	if stats.TotalMessages != 0 {
		t.Error("Unknown queue should have 0 messages")
	}
	// Empty stats report perfect rates so dashboards start green
	if stats.SuccessRate != 1.0 || stats.SuccessRate5min != 1.0 || stats.SuccessRate30min != 1.0 {
		t.Errorf("Expected default success rates 1.0, got %f/%f/%f",
			stats.SuccessRate, stats.SuccessRate5min, stats.SuccessRate30min)
	}
}

func TestQueueMetricsService_RollingWindows(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	svc.RecordMessageProcessed("queue1", true)
	svc.RecordMessageProcessed("queue1", true)
	svc.RecordMessageProcessed("queue1", false)

	stats := svc.GetQueueStats("queue1")

	if stats.TotalMessages5min != 3 {
		t.Errorf("Expected 3 messages in 5min window, got %d", stats.TotalMessages5min)
	}
	if stats.Consumed5min != 2 {
		t.Errorf("Expected 2 consumed in 5min window, got %d", stats.Consumed5min)
	}
	if stats.Failed5min != 1 {
		t.Errorf("Expected 1 failed in 5min window, got %d", stats.Failed5min)
	}
	if stats.Consumed30min != 2 || stats.Failed30min != 1 {
		t.Errorf("Expected 30min window 2/1, got %d/%d", stats.Consumed30min, stats.Failed30min)
	}

	expectedRate := 2.0 / 3.0
	if stats.SuccessRate5min < expectedRate-0.01 || stats.SuccessRate5min > expectedRate+0.01 {
		t.Errorf("Expected 5min success rate ~0.67, got %f", stats.SuccessRate5min)
	}
}

func TestPruneOutcomes_Queue(t *testing.T) {
	now := time.Now()
	outcomes := []timestampedOutcome{
		{timestamp: now.Add(-31 * time.Minute), success: true},
		{timestamp: now.Add(-30 * time.Minute), success: false}, // exactly on the cutoff
		{timestamp: now.Add(-29 * time.Minute), success: true},
		{timestamp: now, success: true},
	}

	pruned := pruneOutcomes(outcomes, now)

	if len(pruned) != 2 {
		t.Fatalf("Expected 2 outcomes inside the window, got %d", len(pruned))
	}
	if !pruned[0].timestamp.Equal(now.Add(-29 * time.Minute)) {
		t.Errorf("Oldest kept outcome should be the -29m entry, got %v", pruned[0].timestamp)
	}
}

func TestPruneOutcomes_NothingToDrop(t *testing.T) {
	now := time.Now()
	outcomes := []timestampedOutcome{
		{timestamp: now.Add(-time.Minute), success: true},
		{timestamp: now, success: true},
	}

	pruned := pruneOutcomes(outcomes, now)

	if len(pruned) != len(outcomes) {
		t.Errorf("Expected all %d outcomes kept, got %d", len(outcomes), len(pruned))
	}
}

func TestQueueMetricsService_ConcurrentAccess(t *testing.T) {
	svc := NewInMemoryQueueMetricsService()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				svc.RecordMessageReceived("queue1")
				svc.RecordMessageProcessed("queue1", true)
				svc.GetQueueStats("queue1")
			}
		}()
	}
	wg.Wait()

	stats := svc.GetQueueStats("queue1")
	if stats.TotalMessages != 1000 {
		t.Errorf("Expected 1000 total messages, got %d", stats.TotalMessages)
	}
	if stats.TotalConsumed != 1000 {
		t.Errorf("Expected 1000 consumed, got %d", stats.TotalConsumed)
	}
}
