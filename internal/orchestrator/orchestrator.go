package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crosspost/internal/adapters"
	"crosspost/internal/domain"
	"crosspost/internal/events"
	"crosspost/internal/metrics"
	"crosspost/internal/models"
	"crosspost/internal/ratelimit"

	"github.com/rs/zerolog"
)

// Config holds the orchestrator's pacing knobs.
type Config struct {
	Workers        int
	MaxAttempts    int
	AdapterTimeout time.Duration
	PollInterval   time.Duration
	QueueWait      time.Duration
	BatchSize      int
}

// Orchestrator drains the job queue with a bounded worker pool. Each job is
// claimed through the store's (ad, platform) lease before any network call,
// so a queue duplicate or a concurrent poller can never double-execute.
type Orchestrator struct {
	jobs       domain.JobStore
	postings   domain.PostedAdStore
	ads        domain.AdStore
	accounts   domain.AccountStore
	queue      domain.JobQueue
	registry   *adapters.Registry
	controller *ratelimit.Controller
	sink       domain.MetricsSink
	notifier   domain.Notifier
	bus        domain.EventPublisher
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

func New(
	jobs domain.JobStore,
	postings domain.PostedAdStore,
	ads domain.AdStore,
	accounts domain.AccountStore,
	queue domain.JobQueue,
	registry *adapters.Registry,
	controller *ratelimit.Controller,
	sink domain.MetricsSink,
	notifier domain.Notifier,
	bus domain.EventPublisher,
	cfg Config,
	logger *zerolog.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxAttempts
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}

	return &Orchestrator{
		jobs:       jobs,
		postings:   postings,
		ads:        ads,
		accounts:   accounts,
		queue:      queue,
		registry:   registry,
		controller: controller,
		sink:       sink,
		notifier:   notifier,
		bus:        bus,
		cfg:        cfg,
		logger:     logger.With().Str("component", "orchestrator").Logger(),
		now:        time.Now,
	}
}

// Start launches the worker pool and blocks until ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	o.logger.Info().Int("workers", o.cfg.Workers).Msg("orchestrator started")
	defer o.logger.Info().Msg("orchestrator stopped")

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.runWorker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (o *Orchestrator) runWorker(ctx context.Context, id int) {
	logger := o.logger.With().Int("worker", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if job, ok := o.queue.Pop(ctx, o.cfg.QueueWait); ok {
			o.processJob(ctx, job.ID)
			continue
		}

		// Очередь пуста, добираем из базы
		due, err := o.jobs.GetDueJobs(ctx, o.now(), o.cfg.BatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("fetch due jobs")
			sleepCtx(ctx, o.cfg.PollInterval)
			continue
		}
		if len(due) == 0 {
			sleepCtx(ctx, o.cfg.PollInterval)
			continue
		}
		for i := range due {
			o.processJob(ctx, due[i].ID)
		}
	}
}

// processJob runs one job end to end. The queue payload is treated as a hint
// only; the database row is the source of truth for state and eligibility.
func (o *Orchestrator) processJob(ctx context.Context, id int64) {
	now := o.now()

	job, err := o.jobs.GetJob(ctx, id)
	if err != nil {
		return // deleted or never landed, polling owns recovery
	}
	if job.Terminal() || job.State == models.JobStateRunning {
		return
	}
	if job.ScheduledAt.After(now) {
		return
	}

	logger := o.logger.With().
		Str("job_id", job.JobID).
		Str("ad_id", job.AdID).
		Str("platform", job.Platform).
		Str("action", job.Action).
		Logger()

	adapter, err := o.registry.Get(job.Platform)
	if err != nil {
		o.failTerminal(ctx, job, fmt.Sprintf("no adapter: %v", err))
		return
	}

	ad, err := o.ads.GetAd(ctx, job.AdID)
	if err != nil {
		o.failTerminal(ctx, job, fmt.Sprintf("ad lookup: %v", err))
		return
	}

	// Закрытое объявление больше не публикуем и не продлеваем
	if ad.Deleted() && (job.Action == models.ActionPost || job.Action == models.ActionRenew) {
		if err := o.jobs.MarkTerminal(ctx, job.ID, "canceled: ad closed"); err != nil {
			logger.Error().Err(err).Msg("mark canceled")
		}
		metrics.IncJob(job.Action, "canceled")
		return
	}

	account, err := o.accounts.GetAccount(ctx, ad.UserID, job.Platform)
	if err != nil {
		o.failTerminal(ctx, job, fmt.Sprintf("account lookup: %v", err))
		return
	}
	key := account.RateKey()

	if o.controller.IsTripped(ctx, key) {
		// Аккаунт заблокирован, адаптер не трогаем
		o.failTerminal(ctx, job, "account tripped: circuit open")
		return
	}

	if ok, next := o.controller.Acquire(job.Platform, key); !ok {
		if err := o.jobs.Reschedule(ctx, job.ID, next); err != nil {
			logger.Error().Err(err).Msg("reschedule throttled")
		}
		return
	}

	claimed, err := o.jobs.MarkRunning(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("claim lease")
		return
	}
	if !claimed {
		// Lease held elsewhere or state moved under us. Push the job out of
		// the due window so it does not come back on every poll while the
		// holder is still running.
		if err := o.jobs.Reschedule(ctx, job.ID, now.Add(o.cfg.PollInterval)); err != nil {
			logger.Error().Err(err).Msg("reschedule blocked job")
		}
		return
	}
	job.Attempts++

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.AdapterTimeout)
	result := o.dispatch(callCtx, adapter, job, ad, account)
	cancel()

	metrics.IncAdapterCall(job.Platform, result.Class)
	if err := o.accounts.TouchAccount(ctx, account.ID, o.now()); err != nil {
		logger.Warn().Err(err).Msg("touch account")
	}

	o.settle(ctx, job, ad, account, result, logger)
}

func (o *Orchestrator) dispatch(ctx context.Context, adapter adapters.Adapter, job *models.SyndicationJob, ad *models.Ad, account *models.PlatformAccount) adapters.Result {
	switch job.Action {
	case models.ActionPost:
		return adapter.Post(ctx, ad.Content, account, job.IdempotencyKey)

	case models.ActionRenew:
		posted, err := o.postings.GetByKey(ctx, job.AdID, job.Platform)
		if err != nil || posted.ExternalID == "" {
			return adapters.Result{Class: adapters.ClassContractViolation, Message: "renew without active posting"}
		}
		if err := o.postings.SetStatusByKey(ctx, job.AdID, job.Platform, models.PostedStatusRenewing); err != nil {
			return adapters.Result{Class: adapters.ClassTransient, Message: fmt.Sprintf("mark renewing: %v", err)}
		}
		return adapter.Renew(ctx, posted.ExternalID, account)

	case models.ActionDelist:
		posted, err := o.postings.GetByKey(ctx, job.AdID, job.Platform)
		if err != nil {
			return adapters.Result{Class: adapters.ClassSuccess} // ничего не размещено
		}
		if !posted.Live() {
			return adapters.Result{Class: adapters.ClassSuccess}
		}
		if posted.ExternalID == "" {
			// Заявка так и не ушла на площадку
			if err := o.postings.SetStatusByKey(ctx, job.AdID, job.Platform, models.PostedStatusRemoved); err != nil {
				return adapters.Result{Class: adapters.ClassTransient, Message: fmt.Sprintf("mark removed: %v", err)}
			}
			return adapters.Result{Class: adapters.ClassSuccess}
		}
		return adapter.Delist(ctx, posted.ExternalID, account)

	case models.ActionPollMetrics:
		posted, err := o.postings.GetByKey(ctx, job.AdID, job.Platform)
		if err != nil || posted.ExternalID == "" {
			return adapters.Result{Class: adapters.ClassContractViolation, Message: "metrics poll without posting"}
		}
		return adapter.FetchMetrics(ctx, posted.ExternalID, account)

	default:
		return adapters.Result{Class: adapters.ClassContractViolation, Message: "unknown action " + job.Action}
	}
}

func (o *Orchestrator) settle(ctx context.Context, job *models.SyndicationJob, ad *models.Ad, account *models.PlatformAccount, result adapters.Result, logger zerolog.Logger) {
	key := account.RateKey()

	switch result.Class {
	case adapters.ClassSuccess:
		o.controller.RecordSuccess(key)
		o.applySuccess(ctx, job, ad, result, logger)
		if err := o.jobs.MarkSucceeded(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("mark succeeded")
		}
		metrics.IncJob(job.Action, "succeeded")

	case adapters.ClassTransient:
		delay := o.controller.RecordTransient(key)
		o.retryOrFail(ctx, job, result, delay, logger)

	case adapters.ClassRateLimited:
		delay := o.controller.RecordRateLimited(key, result.RetryAfter)
		o.retryOrFail(ctx, job, result, delay, logger)

	case adapters.ClassAuthFailure:
		if tripped := o.controller.RecordTerminal(ctx, key, result.Message); tripped {
			o.onAccountTripped(ctx, account, result, logger)
		}
		o.failJob(ctx, job, result, logger)

	case adapters.ClassAccountBlocked:
		// Явный бан не ждёт порога серии
		o.controller.TripNow(ctx, key, result.Message)
		o.onAccountTripped(ctx, account, result, logger)
		o.failJob(ctx, job, result, logger)

	case adapters.ClassPolicyRejected:
		o.controller.RecordSuccess(key) // the account itself is healthy
		o.failJob(ctx, job, result, logger)
		if job.Action == models.ActionPost {
			if err := o.postings.SetStatusByKey(ctx, job.AdID, job.Platform, models.PostedStatusFlagged); err != nil {
				logger.Error().Err(err).Msg("mark flagged")
			}
		}

	default: // contract violation
		o.failJob(ctx, job, result, logger)
		o.queue.PushDeadLetter(ctx, job, result.Message)
		o.alert(ctx, "adapter contract violation",
			fmt.Sprintf("%s %s for ad %s: %s", job.Platform, job.Action, job.AdID, result.Message))
	}
}

func (o *Orchestrator) applySuccess(ctx context.Context, job *models.SyndicationJob, ad *models.Ad, result adapters.Result, logger zerolog.Logger) {
	switch job.Action {
	case models.ActionPost:
		if err := o.postings.RecordPostSuccess(ctx, job.AdID, job.Platform, result.ExternalID, result.PostURL); err != nil {
			logger.Error().Err(err).Msg("record post success")
		}
		if ad.Status == models.AdStatusScheduled || ad.Status == models.AdStatusDraft {
			if err := o.ads.SetAdStatus(ctx, job.AdID, models.AdStatusPosted); err != nil {
				logger.Error().Err(err).Msg("mark ad posted")
			}
		}
		o.publish(events.EventPostSucceeded, events.AdEventPayload{
			AdID: job.AdID, UserID: ad.UserID, Title: ad.Content.Title, Status: models.PostedStatusActive,
			Platform: job.Platform, ChangedAt: o.now(),
		})

	case models.ActionRenew:
		if err := o.postings.MarkRenewed(ctx, job.AdID, job.Platform); err != nil {
			logger.Error().Err(err).Msg("finish renew")
		}

	case models.ActionDelist:
		if err := o.postings.SetStatusByKey(ctx, job.AdID, job.Platform, models.PostedStatusRemoved); err != nil {
			logger.Error().Err(err).Msg("finish delist")
		}
		o.publish(events.EventPostingDelisted, events.AdEventPayload{
			AdID: job.AdID, Title: ad.Content.Title, Status: models.PostedStatusRemoved,
			Platform: job.Platform, ChangedAt: o.now(),
		})

	case models.ActionPollMetrics:
		if result.Metrics != nil {
			if err := o.postings.UpdateMetrics(ctx, job.AdID, job.Platform, result.Metrics.Views, result.Metrics.Clicks, result.Metrics.Leads); err != nil {
				logger.Error().Err(err).Msg("update metrics")
			}
			if o.sink != nil {
				sample := models.MetricsSample{
					AdID:      job.AdID,
					Platform:  job.Platform,
					Views:     result.Metrics.Views,
					Clicks:    result.Metrics.Clicks,
					Leads:     result.Metrics.Leads,
					Timestamp: o.now(),
				}
				if err := o.sink.Emit(ctx, sample); err != nil {
					logger.Warn().Err(err).Msg("emit metrics sample")
				}
			}
		}
	}
}

// retryOrFail applies the controller's delay or gives up after the attempt
// budget is spent.
func (o *Orchestrator) retryOrFail(ctx context.Context, job *models.SyndicationJob, result adapters.Result, delay time.Duration, logger zerolog.Logger) {
	if job.Attempts >= o.cfg.MaxAttempts {
		o.failJob(ctx, job, result, logger)
		o.queue.PushDeadLetter(ctx, job, result.Message)
		return
	}

	nextAt := o.now().Add(delay)
	if err := o.jobs.MarkRetry(ctx, job.ID, result.Message, nextAt); err != nil {
		logger.Error().Err(err).Msg("mark retry")
	}
	if job.Action == models.ActionPost {
		if err := o.postings.RecordAttempt(ctx, job.AdID, job.Platform, &nextAt); err != nil {
			logger.Error().Err(err).Msg("record attempt")
		}
	}
	metrics.IncJob(job.Action, "retried")
}

// failJob is the terminal failure path shared by every class.
func (o *Orchestrator) failJob(ctx context.Context, job *models.SyndicationJob, result adapters.Result, logger zerolog.Logger) {
	msg := result.Class
	if result.Message != "" {
		msg = result.Class + ": " + result.Message
	}
	if err := o.jobs.MarkTerminal(ctx, job.ID, msg); err != nil {
		logger.Error().Err(err).Msg("mark terminal")
	}
	metrics.IncJob(job.Action, "failed")

	switch job.Action {
	case models.ActionPost:
		if err := o.postings.SetStatusByKey(ctx, job.AdID, job.Platform, models.PostedStatusFailed); err != nil {
			logger.Error().Err(err).Msg("mark posting failed")
		}
	case models.ActionRenew:
		if err := o.postings.SetStatusByKey(ctx, job.AdID, job.Platform, models.PostedStatusExpired); err != nil {
			logger.Error().Err(err).Msg("mark posting expired")
		}
	}

	o.publish(events.EventPostFailed, events.AdEventPayload{
		AdID: job.AdID, Status: result.Class, Platform: job.Platform, ChangedAt: o.now(),
	})
}

func (o *Orchestrator) failTerminal(ctx context.Context, job *models.SyndicationJob, msg string) {
	if err := o.jobs.MarkTerminal(ctx, job.ID, msg); err != nil {
		o.logger.Error().Err(err).Int64("job", job.ID).Msg("mark terminal")
	}
	metrics.IncJob(job.Action, "failed")
}

func (o *Orchestrator) onAccountTripped(ctx context.Context, account *models.PlatformAccount, result adapters.Result, logger zerolog.Logger) {
	status := models.AccountStatusSuspended
	if result.Class == adapters.ClassAccountBlocked {
		status = models.AccountStatusFlagged
	}
	if err := o.accounts.SetAccountStatus(ctx, account.ID, status); err != nil {
		logger.Error().Err(err).Msg("suspend account")
	}
	metrics.IncAccountTrip(account.Platform)
	logger.Warn().Str("account", account.ID).Str("reason", result.Message).Msg("account tripped")

	o.publish(events.EventAccountTripped, events.AccountEventPayload{
		Platform:  account.Platform,
		AccountID: account.ID,
		Reason:    result.Message,
		TrippedAt: o.now(),
	})
	o.alert(ctx, "account tripped",
		fmt.Sprintf("%s account %s: %s", account.Platform, account.AccountName, result.Message))
}

func (o *Orchestrator) publish(eventType string, payload interface{}) {
	if o.bus == nil {
		return
	}
	if err := o.bus.PublishJSON(eventType, payload); err != nil {
		o.logger.Warn().Err(err).Str("event", eventType).Msg("publish event")
	}
}

func (o *Orchestrator) alert(ctx context.Context, subject, detail string) {
	if o.notifier != nil {
		o.notifier.Alert(ctx, subject, detail)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
