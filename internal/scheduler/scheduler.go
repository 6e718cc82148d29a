package scheduler

import (
	"context"
	"time"

	"crosspost/internal/database"
	"crosspost/internal/domain"
	"crosspost/internal/metrics"
	"crosspost/internal/models"
	"crosspost/internal/service"

	"github.com/rs/zerolog"
)

// Config carries the cadence of every periodic producer.
type Config struct {
	// RenewCheckInterval is how often active postings are examined for an
	// expiring renewal window.
	RenewCheckInterval time.Duration
	// RenewIntervals maps a platform to its listing lifetime.
	RenewIntervals map[string]time.Duration
	// DefaultRenewInterval is used for platforms missing from the map.
	DefaultRenewInterval time.Duration
	MetricsPollInterval  time.Duration
	JobRetention         time.Duration
	GCInterval           time.Duration
	// LeaseTimeout is how long a running job may hold its (ad, platform)
	// lease before it is presumed lost to a crash and requeued. Must exceed
	// the slowest adapter timeout or live jobs get double-run.
	LeaseTimeout time.Duration
}

// Scheduler owns time: it turns elapsed renewal windows, metrics cadences
// and retention cutoffs into durable jobs. It never talks to a platform.
type Scheduler struct {
	svc      *service.Syndication
	postings domain.PostedAdStore
	ads      domain.AdStore
	jobs     domain.JobStore
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

func New(svc *service.Syndication, postings domain.PostedAdStore, ads domain.AdStore, jobs domain.JobStore, cfg Config, logger *zerolog.Logger) *Scheduler {
	if cfg.RenewCheckInterval <= 0 {
		cfg.RenewCheckInterval = time.Minute
	}
	if cfg.DefaultRenewInterval <= 0 {
		cfg.DefaultRenewInterval = 48 * time.Hour
	}
	if cfg.MetricsPollInterval <= 0 {
		cfg.MetricsPollInterval = 10 * time.Minute
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 7 * 24 * time.Hour
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = time.Hour
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 10 * time.Minute
	}

	return &Scheduler{
		svc:      svc,
		postings: postings,
		ads:      ads,
		jobs:     jobs,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// Start runs the ticker loops until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().
		Dur("renew_check", s.cfg.RenewCheckInterval).
		Dur("metrics_poll", s.cfg.MetricsPollInterval).
		Msg("scheduler started")
	defer s.logger.Info().Msg("scheduler stopped")

	// Первый проход сразу: задания, осиротевшие при прошлом падении,
	// не должны ждать первого тика.
	s.RunLeaseRecovery(ctx)

	renewTicker := time.NewTicker(s.cfg.RenewCheckInterval)
	defer renewTicker.Stop()
	metricsTicker := time.NewTicker(s.cfg.MetricsPollInterval)
	defer metricsTicker.Stop()
	gcTicker := time.NewTicker(s.cfg.GCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-renewTicker.C:
			s.RunLeaseRecovery(ctx)
			s.RunRenewPass(ctx)
		case <-metricsTicker.C:
			s.RunMetricsPass(ctx)
		case <-gcTicker.C:
			s.RunGC(ctx)
		}
	}
}

// RunRenewPass enqueues renew jobs for postings whose lifetime has elapsed.
func (s *Scheduler) RunRenewPass(ctx context.Context) {
	active, err := s.postings.GetActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("renew pass: list active postings")
		return
	}

	now := s.now()
	for i := range active {
		posted := &active[i]
		interval := s.renewInterval(posted.Platform)
		if posted.PostedAt.IsZero() || now.Sub(posted.PostedAt) < interval {
			continue
		}

		ad, err := s.ads.GetAd(ctx, posted.AdID)
		if err != nil {
			if !database.IsNotFound(err) {
				s.logger.Error().Err(err).Str("ad_id", posted.AdID).Msg("renew pass: load ad")
			}
			continue
		}
		if !ad.AutoRenew || ad.Deleted() {
			continue
		}

		if s.enqueueOnce(ctx, posted.AdID, posted.Platform, models.ActionRenew, models.PriorityNormal) {
			s.logger.Info().
				Str("ad_id", posted.AdID).
				Str("platform", posted.Platform).
				Msg("renewal scheduled")
		}
	}
}

// RunMetricsPass enqueues one poll_metrics job per active posting.
func (s *Scheduler) RunMetricsPass(ctx context.Context) {
	active, err := s.postings.GetActive(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("metrics pass: list active postings")
		return
	}

	for i := range active {
		posted := &active[i]
		s.enqueueOnce(ctx, posted.AdID, posted.Platform, models.ActionPollMetrics, models.PriorityNormal)
	}

	if counts, err := s.jobs.CountByState(ctx); err == nil {
		metrics.SetQueueDepth(int(counts[models.JobStateQueued] + counts[models.JobStateFailedRetry]))
	}
}

// RunLeaseRecovery requeues running jobs whose lease outlived LeaseTimeout.
// A worker that crashed after claiming a job leaves the row running forever,
// and the lease it holds blocks every later job for the same (ad, platform);
// returning the row to failed_retryable repairs both.
func (s *Scheduler) RunLeaseRecovery(ctx context.Context) {
	now := s.now()
	requeued, err := s.jobs.RequeueStaleRunning(ctx, now.Add(-s.cfg.LeaseTimeout), now)
	if err != nil {
		s.logger.Error().Err(err).Msg("lease recovery")
		return
	}
	if requeued > 0 {
		s.logger.Warn().Int64("requeued", requeued).Msg("stale running jobs requeued")
	}
}

// RunGC drops finished jobs past the retention horizon.
func (s *Scheduler) RunGC(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.JobRetention)
	deleted, err := s.jobs.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("job gc")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("finished jobs purged")
	}
}

// enqueueOnce creates the job unless one is already open for the triple.
func (s *Scheduler) enqueueOnce(ctx context.Context, adID, platform, action string, priority int) bool {
	open, err := s.jobs.HasOpenJob(ctx, adID, platform, action)
	if err != nil {
		s.logger.Error().Err(err).Str("ad_id", adID).Str("platform", platform).Msg("dedupe check")
		return false
	}
	if open {
		return false
	}
	if _, err := s.svc.EnqueueJob(ctx, adID, platform, action, priority); err != nil {
		s.logger.Error().Err(err).Str("ad_id", adID).Str("platform", platform).Str("action", action).Msg("enqueue")
		return false
	}
	return true
}

func (s *Scheduler) renewInterval(platform string) time.Duration {
	if d, ok := s.cfg.RenewIntervals[platform]; ok && d > 0 {
		return d
	}
	return s.cfg.DefaultRenewInterval
}
