package models

import "time"

// PostedAd is the join row the engine owns: one per (ad, platform) that has
// ever been submitted. At most one row per pair may be in
// pending/active/renewing; the database enforces that with a partial unique
// index.
type PostedAd struct {
	ID             int64      `json:"id"`
	AdID           string     `json:"ad_id"`
	Platform       string     `json:"platform"`
	ExternalID     string     `json:"external_id"`
	PostURL        string     `json:"post_url"`
	Status         string     `json:"status"` // pending, active, renewing, expired, removed, flagged, failed
	Views          int64      `json:"views"`
	Clicks         int64      `json:"clicks"`
	Leads          int64      `json:"leads"`
	Attempts       int        `json:"attempts"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	NextEligibleAt *time.Time `json:"next_eligible_at,omitempty"`
	PostedAt       time.Time  `json:"posted_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Live reports whether the posting still occupies the uniqueness lease.
func (p *PostedAd) Live() bool {
	switch p.Status {
	case PostedStatusPending, PostedStatusActive, PostedStatusRenewing:
		return true
	default:
		return false
	}
}

// MetricsSample is emitted to the metrics sink after each successful poll.
type MetricsSample struct {
	AdID      string    `json:"ad_id"`
	Platform  string    `json:"platform"`
	Views     int64     `json:"views"`
	Clicks    int64     `json:"clicks"`
	Leads     int64     `json:"leads"`
	Timestamp time.Time `json:"timestamp"`
}
