package manager

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/pool"
)

func testEntry(messageID, brokerMessageID string) *InFlightEntry {
	return &InFlightEntry{
		MessageID:       messageID,
		BrokerMessageID: brokerMessageID,
		PoolCode:        "pool-a",
		MessageGroup:    "group-1",
		QueueSubject:    "dispatch",
		EnqueuedAt:      time.Now(),
	}
}

func TestPipelineSetTryAdd(t *testing.T) {
	set := NewPipelineSet()

	entry := testEntry("msg-1", "broker-1")
	got, added := set.TryAdd(entry)
	if !added {
		t.Fatal("First TryAdd should report added")
	}
	if got != entry {
		t.Error("First TryAdd should return the entry itself")
	}
	if set.Size() != 1 {
		t.Errorf("Expected size 1, got %d", set.Size())
	}

	dup := testEntry("msg-1", "broker-2")
	got, added = set.TryAdd(dup)
	if added {
		t.Error("Second TryAdd for same ID should not report added")
	}
	if got != entry {
		t.Error("Second TryAdd should return the original entry")
	}
	if got.BrokerMessageID != "broker-1" {
		t.Errorf("Original entry must be untouched, got broker ID %q", got.BrokerMessageID)
	}
	if set.Size() != 1 {
		t.Errorf("Duplicate add must not grow the set, size %d", set.Size())
	}
}

func TestPipelineSetRemove(t *testing.T) {
	set := NewPipelineSet()
	set.TryAdd(testEntry("msg-1", "broker-1"))

	if !set.Remove("msg-1") {
		t.Error("Remove should report true for a tracked ID")
	}
	if set.Size() != 0 {
		t.Errorf("Expected empty set after remove, size %d", set.Size())
	}
	if set.Remove("msg-1") {
		t.Error("Second remove should report false")
	}

	// After removal the ID can re-enter.
	if _, added := set.TryAdd(testEntry("msg-1", "broker-2")); !added {
		t.Error("ID should be addable again after removal")
	}
}

func TestPipelineSetGet(t *testing.T) {
	set := NewPipelineSet()
	entry := testEntry("msg-1", "broker-1")
	set.TryAdd(entry)

	if got := set.Get("msg-1"); got != entry {
		t.Error("Get should return the tracked entry")
	}
	if got := set.Get("other"); got != nil {
		t.Errorf("Get for unknown ID should return nil, got %+v", got)
	}
}

func TestPipelineSetEntriesOlderThan(t *testing.T) {
	set := NewPipelineSet()

	old := testEntry("old", "b1")
	old.EnqueuedAt = time.Now().Add(-2 * time.Minute)
	set.TryAdd(old)

	fresh := testEntry("fresh", "b2")
	set.TryAdd(fresh)

	matches := set.EntriesOlderThan(time.Minute)
	if len(matches) != 1 {
		t.Fatalf("Expected 1 entry older than a minute, got %d", len(matches))
	}
	if matches[0].MessageID != "old" {
		t.Errorf("Expected entry 'old', got %q", matches[0].MessageID)
	}
}

func TestPipelineSetExpireOlderThan(t *testing.T) {
	set := NewPipelineSet()

	stale := testEntry("stale", "b1")
	stale.EnqueuedAt = time.Now().Add(-2 * time.Hour)
	set.TryAdd(stale)
	set.TryAdd(testEntry("live", "b2"))

	expired := set.ExpireOlderThan(time.Hour)
	if len(expired) != 1 {
		t.Fatalf("Expected 1 expired entry, got %d", len(expired))
	}
	if expired[0].MessageID != "stale" {
		t.Errorf("Expected 'stale' to expire, got %q", expired[0].MessageID)
	}
	if set.Size() != 1 {
		t.Errorf("Expected 1 remaining entry, got %d", set.Size())
	}
	if set.Get("stale") != nil {
		t.Error("Expired entry should no longer be tracked")
	}
	if set.Get("live") == nil {
		t.Error("Live entry should remain tracked")
	}
}

func TestPipelineSetSnapshot(t *testing.T) {
	set := NewPipelineSet()

	older := testEntry("older", "b1")
	older.EnqueuedAt = time.Now().Add(-time.Minute)
	older.extensions.Store(2)
	set.TryAdd(older)
	set.TryAdd(testEntry("newer", "b2"))

	views := set.Snapshot()
	if len(views) != 2 {
		t.Fatalf("Expected 2 views, got %d", len(views))
	}
	if views[0].MessageID != "older" {
		t.Errorf("Snapshot should be oldest first, got %q", views[0].MessageID)
	}
	if views[0].Extensions != 2 {
		t.Errorf("Expected 2 extensions, got %d", views[0].Extensions)
	}
	if views[0].AgeMs < 59_000 {
		t.Errorf("Expected age near a minute, got %dms", views[0].AgeMs)
	}
	if views[0].PoolCode != "pool-a" || views[0].QueueSubject != "dispatch" {
		t.Errorf("View is missing routing fields: %+v", views[0])
	}
}

func TestPipelineSetConcurrentTryAdd(t *testing.T) {
	set := NewPipelineSet()

	const goroutines = 32
	var wg sync.WaitGroup
	var addedCount, rejectedCount sync.Map

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// All goroutines fight over the same 4 message IDs.
			id := fmt.Sprintf("msg-%d", n%4)
			if _, added := set.TryAdd(testEntry(id, fmt.Sprintf("broker-%d", n))); added {
				addedCount.Store(n, true)
			} else {
				rejectedCount.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	added := 0
	addedCount.Range(func(_, _ any) bool { added++; return true })
	if added != 4 {
		t.Errorf("Exactly one add per ID should win, got %d", added)
	}
	if set.Size() != 4 {
		t.Errorf("Expected 4 tracked entries, got %d", set.Size())
	}
}

func TestInFlightEntryCallbackNilSafe(t *testing.T) {
	// Entries created for brokers without receipt handles carry a partial
	// callback; using it must not panic.
	e := testEntry("msg-1", "b1")
	e.Callback = pool.Callback{}

	e.Callback.UpdateReceiptHandle("new-handle")
	if h := e.Callback.ReceiptHandle(); h != "" {
		t.Errorf("Expected empty handle, got %q", h)
	}
	if err := e.Callback.InProgress(); err != nil {
		t.Errorf("InProgress on empty callback should be a no-op, got %v", err)
	}
}
