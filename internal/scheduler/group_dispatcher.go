package scheduler

import (
	"context"
	"sort"
	"sync"

	"log/slog"

	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/router/model"
)

// DispatchFunc publishes one job to the broker. The group dispatcher does
// not interpret the error: a failed job stays PENDING in the store and
// returns on a later poll, while its group moves on to the next entry.
type DispatchFunc func(ctx context.Context, job *dispatchjob.DispatchJob) error

// GroupDispatcher serializes dispatches within a message group while
// letting distinct groups proceed in parallel under a global concurrency
// budget.
//
// Each group holds a queue sorted by (sequence, createdAt) with at most
// one entry in flight to the broker at a time. Completion of that entry,
// whatever the outcome, releases the slot and pulls the next. Jobs in
// IMMEDIATE mode skip the group queue entirely and dispatch as soon as
// the budget allows.
type GroupDispatcher struct {
	dispatch DispatchFunc
	sem      chan struct{}

	mu         sync.Mutex
	groups     map[string]*groupQueue
	inPipeline map[string]struct{}
	closed     bool

	wg sync.WaitGroup
}

type groupQueue struct {
	pending  []*dispatchjob.DispatchJob
	inFlight bool
}

// NewGroupDispatcher creates a dispatcher running at most maxConcurrent
// dispatches at a time across all groups.
func NewGroupDispatcher(dispatch DispatchFunc, maxConcurrent int) *GroupDispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &GroupDispatcher{
		dispatch:   dispatch,
		sem:        make(chan struct{}, maxConcurrent),
		groups:     make(map[string]*groupQueue),
		inPipeline: make(map[string]struct{}),
	}
}

// Enqueue adds jobs to their group queues and starts dispatching wherever
// a slot is free. Jobs already queued or in flight are skipped, so a poll
// cycle overlapping a slow dispatch cannot double-publish.
func (d *GroupDispatcher) Enqueue(ctx context.Context, jobs []*dispatchjob.DispatchJob) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	touched := make(map[string]struct{})

	for _, job := range jobs {
		if _, dup := d.inPipeline[job.ID]; dup {
			continue
		}
		d.inPipeline[job.ID] = struct{}{}

		if job.Mode == dispatchjob.DispatchModeImmediate {
			d.wg.Add(1)
			go d.run(ctx, job, "")
			continue
		}

		group := groupFor(job)
		q := d.groups[group]
		if q == nil {
			q = &groupQueue{}
			d.groups[group] = q
		}
		q.pending = append(q.pending, job)
		touched[group] = struct{}{}
	}

	for group := range touched {
		q := d.groups[group]
		sortQueue(q.pending)
		d.kickLocked(ctx, group, q)
	}
}

// kickLocked starts the group's next dispatch if none is in flight.
// Callers must hold d.mu.
func (d *GroupDispatcher) kickLocked(ctx context.Context, group string, q *groupQueue) {
	if q.inFlight {
		return
	}
	if len(q.pending) == 0 {
		delete(d.groups, group)
		return
	}

	job := q.pending[0]
	q.pending = q.pending[1:]
	q.inFlight = true

	d.wg.Add(1)
	go d.run(ctx, job, group)
}

// run performs one dispatch under the global budget, then releases the
// group's in-flight slot. group is "" for IMMEDIATE-mode jobs.
func (d *GroupDispatcher) run(ctx context.Context, job *dispatchjob.DispatchJob, group string) {
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.abort(job, group)
		return
	}
	defer func() { <-d.sem }()

	if err := d.dispatch(ctx, job); err != nil {
		slog.Error("Failed to dispatch job",
			"error", err, "jobId", job.ID, "messageGroup", job.MessageGroup)
	}

	d.complete(ctx, job, group)
}

// abort releases a job's bookkeeping without dispatching it. Only reached
// during shutdown; the job is still PENDING and the next poll picks it up.
func (d *GroupDispatcher) abort(job *dispatchjob.DispatchJob, group string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inPipeline, job.ID)
	if group != "" {
		if q := d.groups[group]; q != nil {
			q.inFlight = false
		}
	}
}

// complete releases the group's in-flight slot and pulls its next job.
func (d *GroupDispatcher) complete(ctx context.Context, job *dispatchjob.DispatchJob, group string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.inPipeline, job.ID)

	if group == "" {
		return
	}
	q := d.groups[group]
	if q == nil {
		return
	}
	q.inFlight = false
	if d.closed {
		return
	}
	d.kickLocked(ctx, group, q)
}

// Drain stops accepting work, drops queued jobs (they remain PENDING in
// the store), and waits for in-flight dispatches to finish.
func (d *GroupDispatcher) Drain() {
	d.mu.Lock()
	d.closed = true
	d.groups = make(map[string]*groupQueue)
	d.mu.Unlock()

	d.wg.Wait()
}

// QueuedCount returns the number of jobs waiting in group queues.
func (d *GroupDispatcher) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, q := range d.groups {
		n += len(q.pending)
	}
	return n
}

// groupFor returns the job's effective message group.
func groupFor(job *dispatchjob.DispatchJob) string {
	if job.MessageGroup == "" {
		return model.DefaultMessageGroup
	}
	return job.MessageGroup
}

// sortQueue orders a group's backlog by (sequence, createdAt) so retried
// and newly created jobs interleave in their intended order.
func sortQueue(jobs []*dispatchjob.DispatchJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Sequence != jobs[j].Sequence {
			return jobs[i].Sequence < jobs[j].Sequence
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
