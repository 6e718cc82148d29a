package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"crosspost/internal/adapters"
	"crosspost/internal/database"
	"crosspost/internal/domain"
	"crosspost/internal/events"
	"crosspost/internal/models"
	"crosspost/internal/ratelimit"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrAdNotFound      = errors.New("ad not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrAccountNotFound = errors.New("platform account not found")
	ErrAdClosed        = errors.New("ad is sold or deleted")
	ErrNoPlatforms     = errors.New("no platforms requested")
)

// JobRef is the per-platform answer to a fan-out request.
type JobRef struct {
	Platform string `json:"platform"`
	JobID    string `json:"job_id,omitempty"`
	Created  bool   `json:"created"`
	Reason   string `json:"reason,omitempty"`
}

// Stats is the operational snapshot served by the API.
type Stats struct {
	Jobs     map[string]int64 `json:"jobs"`
	Postings map[string]int64 `json:"postings"`
}

// Syndication is the submission surface: validated fan-out of durable jobs.
// Execution belongs to the orchestrator; this layer only records intent.
type Syndication struct {
	jobs       domain.JobStore
	postings   domain.PostedAdStore
	ads        domain.AdStore
	accounts   domain.AccountStore
	queue      domain.JobQueue
	registry   *adapters.Registry
	controller *ratelimit.Controller
	bus        domain.EventPublisher
	logger     zerolog.Logger
}

func NewSyndication(
	jobs domain.JobStore,
	postings domain.PostedAdStore,
	ads domain.AdStore,
	accounts domain.AccountStore,
	queue domain.JobQueue,
	registry *adapters.Registry,
	controller *ratelimit.Controller,
	bus domain.EventPublisher,
	logger *zerolog.Logger,
) *Syndication {
	return &Syndication{
		jobs:       jobs,
		postings:   postings,
		ads:        ads,
		accounts:   accounts,
		queue:      queue,
		registry:   registry,
		controller: controller,
		bus:        bus,
		logger:     logger.With().Str("component", "syndication").Logger(),
	}
}

// CreateAd registers a listing with the engine.
func (s *Syndication) CreateAd(ctx context.Context, ad *models.Ad) error {
	if ad.ID == "" {
		ad.ID = uuid.NewString()
	}
	if ad.UserID == "" {
		return errors.New("user id is required")
	}
	if ad.Content.Title == "" {
		return errors.New("ad title is required")
	}
	return s.ads.CreateAd(ctx, ad)
}

// SaveAccount upserts a platform account after verifying the platform tag.
func (s *Syndication) SaveAccount(ctx context.Context, account *models.PlatformAccount) error {
	if _, err := s.registry.Get(account.Platform); err != nil {
		return err
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	return s.accounts.SaveAccount(ctx, account)
}

// EnqueuePost fans one ad out to the requested platforms. Each platform gets
// its own durable job; pairs that already hold a live posting are reported
// back instead of double-posted.
func (s *Syndication) EnqueuePost(ctx context.Context, adID string, platforms []string) ([]JobRef, error) {
	if len(platforms) == 0 {
		return nil, ErrNoPlatforms
	}

	ad, err := s.ads.GetAd(ctx, adID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrAdNotFound
		}
		return nil, fmt.Errorf("load ad: %w", err)
	}
	if ad.Deleted() {
		return nil, ErrAdClosed
	}

	refs := make([]JobRef, 0, len(platforms))
	for _, platform := range platforms {
		if _, err := s.registry.Get(platform); err != nil {
			refs = append(refs, JobRef{Platform: platform, Reason: "unknown platform"})
			continue
		}
		if _, err := s.accounts.GetAccount(ctx, ad.UserID, platform); err != nil {
			refs = append(refs, JobRef{Platform: platform, Reason: "no account"})
			continue
		}

		created, err := s.postings.EnsurePending(ctx, adID, platform)
		if err != nil {
			return refs, fmt.Errorf("ensure pending for %s: %w", platform, err)
		}
		if !created {
			refs = append(refs, JobRef{Platform: platform, Reason: "already live"})
			continue
		}

		job, err := s.EnqueueJob(ctx, adID, platform, models.ActionPost, models.PriorityNormal)
		if err != nil {
			// Строка pending без задания держала бы аренду вечно
			if stErr := s.postings.SetStatusByKey(ctx, adID, platform, models.PostedStatusFailed); stErr != nil {
				s.logger.Error().Err(stErr).Str("ad_id", adID).Str("platform", platform).Msg("release pending posting")
			}
			return refs, err
		}
		refs = append(refs, JobRef{Platform: platform, JobID: job.JobID, Created: true})
	}

	if ad.Status == models.AdStatusDraft {
		if err := s.ads.SetAdStatus(ctx, adID, models.AdStatusScheduled); err != nil {
			s.logger.Error().Err(err).Str("ad_id", adID).Msg("mark ad scheduled")
		}
	}

	return refs, nil
}

// EnqueueDelist creates high-priority delist jobs for the ad's live
// postings. An explicit platform list narrows the fan-out; empty means all.
func (s *Syndication) EnqueueDelist(ctx context.Context, adID string, platforms ...string) ([]JobRef, error) {
	live, err := s.postings.GetLiveByAd(ctx, adID)
	if err != nil {
		return nil, fmt.Errorf("load live postings: %w", err)
	}

	refs := make([]JobRef, 0, len(live))
	for _, posted := range live {
		if len(platforms) > 0 && !slices.Contains(platforms, posted.Platform) {
			continue
		}
		open, err := s.jobs.HasOpenJob(ctx, adID, posted.Platform, models.ActionDelist)
		if err != nil {
			return refs, err
		}
		if open {
			refs = append(refs, JobRef{Platform: posted.Platform, Reason: "delist already pending"})
			continue
		}
		job, err := s.EnqueueJob(ctx, adID, posted.Platform, models.ActionDelist, models.PriorityHigh)
		if err != nil {
			return refs, err
		}
		refs = append(refs, JobRef{Platform: posted.Platform, JobID: job.JobID, Created: true})
	}
	return refs, nil
}

// EnqueueJob persists one job and pushes it onto the fast path. The
// generation bump makes the idempotency key unique to this resubmission.
func (s *Syndication) EnqueueJob(ctx context.Context, adID, platform, action string, priority int) (*models.SyndicationJob, error) {
	generation, err := s.jobs.NextGeneration(ctx, adID, platform, action)
	if err != nil {
		return nil, err
	}

	job := &models.SyndicationJob{
		JobID:          uuid.NewString(),
		AdID:           adID,
		Platform:       platform,
		Action:         action,
		IdempotencyKey: models.IdempotencyKeyFor(adID, platform, action, generation),
		Generation:     generation,
		Priority:       priority,
		ScheduledAt:    time.Now(),
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.queue.Push(ctx, job); err != nil {
		// Строка в базе уже есть, воркер доберёт её опросом
		s.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("queue push failed, falling back to polling")
	}

	s.logger.Info().
		Str("job_id", job.JobID).
		Str("ad_id", adID).
		Str("platform", platform).
		Str("action", action).
		Msg("job enqueued")
	return job, nil
}

// CloseAd transitions the ad out of circulation and raises the lifecycle
// event the consistency enforcer reacts to. Queued work dies immediately;
// live postings are taken down by the enforcer's fan-out.
func (s *Syndication) CloseAd(ctx context.Context, adID, status string) error {
	if status != models.AdStatusSold && status != models.AdStatusDeleted {
		return fmt.Errorf("invalid closing status %q", status)
	}

	ad, err := s.ads.GetAd(ctx, adID)
	if err != nil {
		if database.IsNotFound(err) {
			return ErrAdNotFound
		}
		return fmt.Errorf("load ad: %w", err)
	}

	if err := s.ads.SetAdStatus(ctx, adID, status); err != nil {
		return fmt.Errorf("set ad status: %w", err)
	}

	canceled, err := s.jobs.CancelQueuedForAd(ctx, adID)
	if err != nil {
		return fmt.Errorf("cancel queued jobs: %w", err)
	}
	if canceled > 0 {
		s.logger.Info().Str("ad_id", adID).Int64("canceled", canceled).Msg("queued jobs canceled")
	}

	eventType := events.EventAdSold
	if status == models.AdStatusDeleted {
		eventType = events.EventAdDeleted
	}
	if s.bus != nil {
		payload := events.AdEventPayload{
			AdID:      adID,
			UserID:    ad.UserID,
			Title:     ad.Content.Title,
			Status:    status,
			ChangedAt: time.Now(),
		}
		if err := s.bus.PublishJSON(eventType, payload); err != nil {
			s.logger.Error().Err(err).Str("ad_id", adID).Msg("publish close event")
		}
	}
	return nil
}

// GetJobStatus resolves a caller-facing job id.
func (s *Syndication) GetJobStatus(ctx context.Context, jobID string) (*models.SyndicationJob, error) {
	job, err := s.jobs.GetJobByJobID(ctx, jobID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// GetPostedAds lists every posting row for an ad, live or dead.
func (s *Syndication) GetPostedAds(ctx context.Context, adID string) ([]models.PostedAd, error) {
	return s.postings.GetByAd(ctx, adID)
}

// TestConnection exercises an account's credentials against the live
// platform without touching any listing.
func (s *Syndication) TestConnection(ctx context.Context, userID, platform string) (adapters.Result, error) {
	adapter, err := s.registry.Get(platform)
	if err != nil {
		return adapters.Result{}, err
	}
	account, err := s.accounts.GetAccount(ctx, userID, platform)
	if err != nil {
		if database.IsNotFound(err) {
			return adapters.Result{}, ErrAccountNotFound
		}
		return adapters.Result{}, err
	}
	return adapter.TestConnection(ctx, account), nil
}

// ClearTrip re-arms a tripped account after an operator fixed credentials.
func (s *Syndication) ClearTrip(ctx context.Context, userID, platform string) error {
	account, err := s.accounts.GetAccount(ctx, userID, platform)
	if err != nil {
		if database.IsNotFound(err) {
			return ErrAccountNotFound
		}
		return err
	}
	if err := s.controller.ClearTrip(ctx, account.RateKey()); err != nil {
		return fmt.Errorf("clear trip: %w", err)
	}
	return s.accounts.SetAccountStatus(ctx, account.ID, models.AccountStatusActive)
}

// GetStats returns job and posting distributions for the stats endpoint.
func (s *Syndication) GetStats(ctx context.Context) (*Stats, error) {
	jobs, err := s.jobs.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	postings, err := s.postings.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Jobs: jobs, Postings: postings}, nil
}
