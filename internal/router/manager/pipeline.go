package manager

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/pool"
)

// InFlightEntry tracks one message between broker receipt and terminal
// acknowledgement. The entry holds the callback that settles the original
// delivery, so a duplicate delivery can refresh the original's receipt
// handle without touching the worker that owns it.
type InFlightEntry struct {
	// MessageID is the business identifier the pipeline deduplicates on.
	MessageID string

	// BrokerMessageID is the delivery identifier assigned by the broker.
	BrokerMessageID string

	PoolCode     string
	MessageGroup string
	QueueSubject string
	EnqueuedAt   time.Time

	// Callback settles the delivery this entry was created for.
	Callback pool.Callback

	// extensions counts visibility extensions applied to this entry.
	extensions atomic.Int32
}

// Age returns how long the entry has been in flight.
func (e *InFlightEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// PipelineSet is the in-pipeline message registry. It guarantees that a
// given message ID is enqueued into a processing pool at most once at any
// moment: TryAdd is an atomic test-and-set, and the worker removes the
// entry exactly once when the message reaches a terminal outcome.
type PipelineSet struct {
	mu      sync.RWMutex
	entries map[string]*InFlightEntry
}

// NewPipelineSet creates an empty pipeline registry.
func NewPipelineSet() *PipelineSet {
	return &PipelineSet{
		entries: make(map[string]*InFlightEntry),
	}
}

// TryAdd registers the entry under its message ID. When the ID is already
// tracked, the existing entry is returned and added is false; the entry
// passed in is not stored.
func (s *PipelineSet) TryAdd(entry *InFlightEntry) (existing *InFlightEntry, added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entries[entry.MessageID]; ok {
		return current, false
	}
	s.entries[entry.MessageID] = entry
	return entry, true
}

// Get returns the tracked entry for the message ID, or nil.
func (s *PipelineSet) Get(messageID string) *InFlightEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[messageID]
}

// Remove drops the entry for the message ID. Removing an ID that is not
// tracked is a no-op, so callbacks may call it unconditionally.
func (s *PipelineSet) Remove(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[messageID]; !ok {
		return false
	}
	delete(s.entries, messageID)
	return true
}

// Size returns the number of in-flight entries.
func (s *PipelineSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EntriesOlderThan returns the entries whose age meets or exceeds minAge.
// The slice is a snapshot; callers operate on it outside the set's lock.
func (s *PipelineSet) EntriesOlderThan(minAge time.Duration) []*InFlightEntry {
	cutoff := time.Now().Add(-minAge)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*InFlightEntry
	for _, e := range s.entries {
		if !e.EnqueuedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// ExpireOlderThan removes and returns entries older than ttl. It backstops
// leaks from workers that died without settling their message: the broker
// redelivers once nothing extends the message's visibility, and the fresh
// delivery must not be refused as a duplicate forever.
func (s *PipelineSet) ExpireOlderThan(ttl time.Duration) []*InFlightEntry {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*InFlightEntry
	for id, e := range s.entries {
		if !e.EnqueuedAt.After(cutoff) {
			expired = append(expired, e)
			delete(s.entries, id)
		}
	}
	return expired
}

// Snapshot returns monitoring views of all in-flight entries, oldest first.
func (s *PipelineSet) Snapshot() []health.InFlightMessage {
	now := time.Now()

	s.mu.RLock()
	views := make([]health.InFlightMessage, 0, len(s.entries))
	for _, e := range s.entries {
		views = append(views, health.InFlightMessage{
			MessageID:       e.MessageID,
			BrokerMessageID: e.BrokerMessageID,
			PoolCode:        e.PoolCode,
			MessageGroup:    e.MessageGroup,
			QueueSubject:    e.QueueSubject,
			EnqueuedAt:      e.EnqueuedAt,
			AgeMs:           now.Sub(e.EnqueuedAt).Milliseconds(),
			Extensions:      e.extensions.Load(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		return views[i].EnqueuedAt.Before(views[j].EnqueuedAt)
	})
	return views
}
