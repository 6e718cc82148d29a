package domain

import (
	"context"
	"time"

	"crosspost/internal/models"
)

// JobStore is the durable record of syndication jobs. The lease it hands out
// is the engine's only mutual-exclusion primitive: at most one running job
// per (ad, platform) at any instant.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.SyndicationJob) error
	GetJob(ctx context.Context, id int64) (*models.SyndicationJob, error)
	GetJobByJobID(ctx context.Context, jobID string) (*models.SyndicationJob, error)
	GetDueJobs(ctx context.Context, now time.Time, limit int) ([]models.SyndicationJob, error)

	// MarkRunning claims the (ad, platform) lease. It returns false without
	// error when the lease is already held or the job left the queued state.
	MarkRunning(ctx context.Context, id int64) (bool, error)

	MarkSucceeded(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, errMsg string, nextAt time.Time) error
	MarkTerminal(ctx context.Context, id int64, errMsg string) error

	// Reschedule keeps a queued job queued but moves its eligibility time,
	// used when no rate token is available.
	Reschedule(ctx context.Context, id int64, at time.Time) error

	// RequeueStaleRunning releases leases held by jobs whose run started
	// before cutoff. Such jobs were lost to a crash and never settled.
	RequeueStaleRunning(ctx context.Context, cutoff, nextAt time.Time) (int64, error)

	// CancelQueuedForAd terminally cancels all queued jobs for an ad without
	// executing them. Running jobs are left to finish and be reconciled.
	CancelQueuedForAd(ctx context.Context, adID string) (int64, error)

	// HasOpenJob reports whether a queued, retrying or running job already
	// exists for the triple, so periodic producers do not pile up duplicates.
	HasOpenJob(ctx context.Context, adID, platform, action string) (bool, error)

	// NextGeneration bumps the resubmission counter feeding idempotency keys.
	NextGeneration(ctx context.Context, adID, platform, action string) (int, error)

	CountByState(ctx context.Context) (map[string]int64, error)

	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostedAdStore owns the (ad, platform) join rows and their uniqueness
// invariant: at most one live row per pair.
type PostedAdStore interface {
	// EnsurePending creates the pending row for a first post attempt. It
	// reports created=false when a live row already exists.
	EnsurePending(ctx context.Context, adID, platform string) (created bool, err error)

	RecordPostSuccess(ctx context.Context, adID, platform, externalID, postURL string) error

	// MarkRenewed returns a renewing row to active and restarts the renewal
	// clock.
	MarkRenewed(ctx context.Context, adID, platform string) error
	SetStatusByKey(ctx context.Context, adID, platform, status string) error
	RecordAttempt(ctx context.Context, adID, platform string, nextEligible *time.Time) error
	UpdateMetrics(ctx context.Context, adID, platform string, views, clicks, leads int64) error

	GetByKey(ctx context.Context, adID, platform string) (*models.PostedAd, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
	GetByAd(ctx context.Context, adID string) ([]models.PostedAd, error)
	GetLiveByAd(ctx context.Context, adID string) ([]models.PostedAd, error)
	GetActive(ctx context.Context) ([]models.PostedAd, error)
}

// AdStore is the engine's read/transition view of ads the application owns.
type AdStore interface {
	CreateAd(ctx context.Context, ad *models.Ad) error
	GetAd(ctx context.Context, id string) (*models.Ad, error)
	SetAdStatus(ctx context.Context, id, status string) error

	// GetClosedAdsWithLivePostings feeds the reconciliation sweep: ads in
	// sold/deleted whose postings have not all reached removed yet.
	GetClosedAdsWithLivePostings(ctx context.Context) ([]string, error)
}

// AccountStore resolves platform accounts and records trip outcomes.
type AccountStore interface {
	SaveAccount(ctx context.Context, account *models.PlatformAccount) error
	GetAccount(ctx context.Context, userID, platform string) (*models.PlatformAccount, error)
	SetAccountStatus(ctx context.Context, id, status string) error
	TouchAccount(ctx context.Context, id string, usedAt time.Time) error
}

// TripStore shares circuit-trip state between processes. Keys are account
// rate keys.
type TripStore interface {
	IsTripped(ctx context.Context, key string) (bool, error)
	Trip(ctx context.Context, key, reason string) error
	Clear(ctx context.Context, key string) error
}

// JobQueue is the fast-path hand-off between producers and workers. The job
// store remains the source of truth; queue loss only delays execution until
// the polling fallback picks the row up.
type JobQueue interface {
	Push(ctx context.Context, job *models.SyndicationJob) error
	Pop(ctx context.Context, wait time.Duration) (*models.SyndicationJob, bool)
	PushDeadLetter(ctx context.Context, job *models.SyndicationJob, reason string)
}

// MetricsSink receives per-posting counter samples for the analytics store.
type MetricsSink interface {
	Emit(ctx context.Context, sample models.MetricsSample) error
}

// Notifier surfaces operator-visible conditions (account trips, contract
// violations). Implementations must be safe to call with a nil receiver so
// alerting stays optional.
type Notifier interface {
	Alert(ctx context.Context, subject, detail string)
}

// EventPublisher mirrors the ad lifecycle feed into the engine.
type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
