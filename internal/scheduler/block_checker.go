package scheduler

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/internal/platform/dispatchjob"
	"go.flowcatalyst.tech/internal/router/warning"
)

// BlockChecker decides which message groups are held back from dispatch.
// A group is blocked while it contains an ERROR job whose mode is
// BLOCK_ON_ERROR; every later job in that group waits until an operator
// retries or cancels the failure.
//
// Checks fail open: when the store is unreachable, groups dispatch rather
// than silently halting everything.
type BlockChecker struct {
	jobRepo       dispatchjob.Repository
	warnThreshold time.Duration
	warnings      warning.Service
}

// NewBlockChecker creates a block checker that raises a GROUP_BLOCKED
// warning once a group has been blocked longer than warnThreshold.
func NewBlockChecker(jobRepo dispatchjob.Repository, warnThreshold time.Duration) *BlockChecker {
	return &BlockChecker{
		jobRepo:       jobRepo,
		warnThreshold: warnThreshold,
	}
}

// IsGroupBlocked reports whether a single message group is blocked.
func (c *BlockChecker) IsGroupBlocked(ctx context.Context, messageGroup string) bool {
	if messageGroup == "" {
		return false
	}

	blocked, err := c.jobRepo.HasBlockingErrorJobs(ctx, messageGroup)
	if err != nil {
		slog.Error("Failed to check if group is blocked", "error", err, "messageGroup", messageGroup)
		return false
	}

	if blocked {
		slog.Debug("Message group is blocked by a BLOCK_ON_ERROR failure", "messageGroup", messageGroup)
	}

	return blocked
}

// GetBlockedGroups resolves which of the given groups are blocked, mapping
// each to the time its oldest blocking failure was recorded.
func (c *BlockChecker) GetBlockedGroups(ctx context.Context, groups []string) map[string]time.Time {
	if len(groups) == 0 {
		return map[string]time.Time{}
	}

	blocked, err := c.jobRepo.GetBlockedMessageGroups(ctx, groups)
	if err != nil {
		slog.Error("Failed to resolve blocked message groups", "error", err, "groupCount", len(groups))
		return map[string]time.Time{}
	}

	return blocked
}

// FilterBlockedJobs drops every job whose message group is blocked,
// whatever the job's own mode, and returns the dispatchable remainder
// together with the blocked groups. Groups blocked longer than the
// warning threshold raise a GROUP_BLOCKED warning.
func (c *BlockChecker) FilterBlockedJobs(ctx context.Context, jobs []*dispatchjob.DispatchJob) ([]*dispatchjob.DispatchJob, map[string]time.Time) {
	if len(jobs) == 0 {
		return jobs, map[string]time.Time{}
	}

	groups := make([]string, 0)
	seen := make(map[string]struct{})
	for _, job := range jobs {
		if job.MessageGroup == "" {
			continue
		}
		if _, ok := seen[job.MessageGroup]; ok {
			continue
		}
		seen[job.MessageGroup] = struct{}{}
		groups = append(groups, job.MessageGroup)
	}

	blocked := c.GetBlockedGroups(ctx, groups)
	if len(blocked) == 0 {
		return jobs, blocked
	}

	allowed := make([]*dispatchjob.DispatchJob, 0, len(jobs))
	for _, job := range jobs {
		if _, isBlocked := blocked[job.MessageGroup]; isBlocked {
			slog.Debug("Job held in blocked message group", "jobId", job.ID, "messageGroup", job.MessageGroup)
			continue
		}
		allowed = append(allowed, job)
	}

	c.warnLongBlocks(blocked)

	if held := len(jobs) - len(allowed); held > 0 {
		slog.Info("Holding jobs in blocked message groups",
			"heldJobs", held, "blockedGroups", len(blocked))
	}

	return allowed, blocked
}

// warnLongBlocks raises a GROUP_BLOCKED warning for groups stuck behind a
// failure longer than the warning threshold. The warning service coalesces
// per group, so a long block surfaces as one live warning with a rising
// occurrence count.
func (c *BlockChecker) warnLongBlocks(blocked map[string]time.Time) {
	if c.warnings == nil || c.warnThreshold <= 0 {
		return
	}

	now := time.Now()
	for group, since := range blocked {
		age := now.Sub(since)
		if age < c.warnThreshold {
			continue
		}
		c.warnings.AddWarning(
			warning.CategoryGroupBlocked,
			warning.SeverityWarning,
			fmt.Sprintf("Message group %q blocked for %s by a BLOCK_ON_ERROR failure; jobs are held until it is retried or cancelled",
				group, age.Round(time.Second)),
			"dispatch-scheduler:"+group,
		)
	}
}
