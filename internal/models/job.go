package models

import (
	"fmt"
	"time"
)

// SyndicationJob is one unit of work against one platform. Jobs are created
// by the scheduler, the enforcer or the submission surface, and mutated only
// by the orchestrator.
type SyndicationJob struct {
	ID             int64      `json:"id"`
	JobID          string     `json:"job_id"` // uuid handed back to callers
	AdID           string     `json:"ad_id"`
	Platform       string     `json:"platform"`
	AccountID      string     `json:"account_id"`
	Action         string     `json:"action"` // post, renew, delist, poll_metrics
	IdempotencyKey string     `json:"idempotency_key"`
	Generation     int        `json:"generation"`
	Priority       int        `json:"priority"`
	State          string     `json:"state"`
	Attempts       int        `json:"attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// LeaseKey identifies the (ad, platform) pair whose in-flight uniqueness the
// job store guarantees.
func (j *SyndicationJob) LeaseKey() string {
	return j.AdID + ":" + j.Platform
}

// Terminal reports whether the job can no longer change state.
func (j *SyndicationJob) Terminal() bool {
	return j.State == JobStateSucceeded || j.State == JobStateFailedTerminal
}

// IdempotencyKeyFor derives the stable key preventing duplicate external
// effects. The generation counter is bumped when the same logical operation
// is deliberately resubmitted.
func IdempotencyKeyFor(adID, platform, action string, generation int) string {
	return fmt.Sprintf("%s:%s:%s:%d", adID, platform, action, generation)
}
