package models

// Ad lifecycle statuses. Owned by the surrounding application; the engine
// only reads them and records transitions caused by syndication outcomes.
const (
	AdStatusDraft     = "draft"
	AdStatusScheduled = "scheduled"
	AdStatusPosted    = "posted"
	AdStatusSold      = "sold"
	AdStatusPaused    = "paused"
	AdStatusDeleted   = "deleted"
)

// PostedAd statuses, one row per (ad, platform) ever submitted.
const (
	PostedStatusPending  = "pending"
	PostedStatusActive   = "active"
	PostedStatusRenewing = "renewing"
	PostedStatusExpired  = "expired"
	PostedStatusRemoved  = "removed"
	PostedStatusFlagged  = "flagged"
	PostedStatusFailed   = "failed"
)

// Job actions.
const (
	ActionPost        = "post"
	ActionRenew       = "renew"
	ActionDelist      = "delist"
	ActionPollMetrics = "poll_metrics"
)

// Job states.
const (
	JobStateQueued         = "queued"
	JobStateRunning        = "running"
	JobStateSucceeded      = "succeeded"
	JobStateFailedRetry    = "failed_retryable"
	JobStateFailedTerminal = "failed_terminal"
)

// Platform account statuses.
const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusFlagged   = "flagged"
)

// Known platforms.
const (
	PlatformOfferUp    = "offerup"
	PlatformCraigslist = "craigslist"
	PlatformFacebook   = "facebook"
	PlatformEbay       = "ebay"
)

// Job priorities; lower sorts first.
const (
	PriorityHigh   = 0
	PriorityNormal = 10
)

const (
	// WorkerQueueSize размер быстрой очереди заданий
	WorkerQueueSize = 1000

	// DefaultMaxAttempts попыток до failed_terminal
	DefaultMaxAttempts = 5

	// DefaultTripThreshold терминальных ошибок подряд до блокировки аккаунта
	DefaultTripThreshold = 3
)
