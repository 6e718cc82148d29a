package enforcer

import (
	"context"
	"encoding/json"
	"time"

	"crosspost/internal/domain"
	"crosspost/internal/events"
	"crosspost/internal/metrics"
	"crosspost/internal/service"

	"github.com/rs/zerolog"
)

// Enforcer keeps marketplaces consistent with the ad lifecycle: a sold or
// deleted ad must end with every posting removed. The event path reacts
// immediately; the sweep repairs whatever the event path missed.
type Enforcer struct {
	svc           *service.Syndication
	ads           domain.AdStore
	sweepInterval time.Duration
	logger        zerolog.Logger
}

func New(svc *service.Syndication, ads domain.AdStore, sweepInterval time.Duration, logger *zerolog.Logger) *Enforcer {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Enforcer{
		svc:           svc,
		ads:           ads,
		sweepInterval: sweepInterval,
		logger:        logger.With().Str("component", "enforcer").Logger(),
	}
}

// Subscribe wires the enforcer onto the ad lifecycle feed.
func (e *Enforcer) Subscribe(ctx context.Context, bus *events.EventBus) {
	handler := func(event *events.Event) error {
		var payload events.AdEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			e.logger.Error().Err(err).Str("event", event.Type).Msg("decode payload")
			return err
		}
		e.fanOutDelists(ctx, payload.AdID)
		return nil
	}

	bus.Subscribe(events.EventAdSold, handler)
	bus.Subscribe(events.EventAdDeleted, handler)
}

// Start runs the reconciliation sweep until ctx is done.
func (e *Enforcer) Start(ctx context.Context) {
	e.logger.Info().Dur("interval", e.sweepInterval).Msg("enforcer started")
	defer e.logger.Info().Msg("enforcer stopped")

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunSweep(ctx)
		}
	}
}

// RunSweep finds closed ads that still hold live postings and re-issues the
// delist fan-out. This is the safety net for lost events and crashes between
// the status change and the fan-out.
func (e *Enforcer) RunSweep(ctx context.Context) {
	ids, err := e.ads.GetClosedAdsWithLivePostings(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("sweep: list closed ads")
		return
	}

	for _, adID := range ids {
		refs, err := e.svc.EnqueueDelist(ctx, adID)
		if err != nil {
			e.logger.Error().Err(err).Str("ad_id", adID).Msg("sweep: enqueue delist")
			continue
		}
		for _, ref := range refs {
			if ref.Created {
				metrics.IncSweepDelist()
				e.logger.Info().
					Str("ad_id", adID).
					Str("platform", ref.Platform).
					Msg("sweep delist scheduled")
			}
		}
	}
}

func (e *Enforcer) fanOutDelists(ctx context.Context, adID string) {
	refs, err := e.svc.EnqueueDelist(ctx, adID)
	if err != nil {
		// Подчистит следующий проход свипа
		e.logger.Error().Err(err).Str("ad_id", adID).Msg("delist fan-out")
		return
	}
	for _, ref := range refs {
		if ref.Created {
			e.logger.Info().
				Str("ad_id", adID).
				Str("platform", ref.Platform).
				Str("job_id", ref.JobID).
				Msg("delist scheduled")
		}
	}
}
