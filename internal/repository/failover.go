package repository

import (
	"context"
	"sync/atomic"
	"time"

	"crosspost/internal/domain"

	"github.com/rs/zerolog"
)

// FailoverTripStore keeps trip checks working through a redis outage by
// shadowing every write into the in-memory fallback. Split-brain across
// processes during the outage is accepted; the memory copy still protects
// this process.
type FailoverTripStore struct {
	primary   domain.TripStore
	fallback  domain.TripStore
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverTripStore(primary, fallback domain.TripStore, logger *zerolog.Logger) *FailoverTripStore {
	return &FailoverTripStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverTripStore) IsTripped(ctx context.Context, key string) (bool, error) {
	if !r.isDown.Load() {
		tripped, err := r.primary.IsTripped(ctx, key)
		if err == nil {
			return tripped, nil
		}
		r.markDown(err)
	}

	// Try to recover after a minute.
	if r.isDown.Load() && time.Since(time.Unix(0, r.lastCheck.Load())) > time.Minute {
		tripped, err := r.primary.IsTripped(ctx, key)
		if err == nil {
			r.isDown.Store(false)
			return tripped, nil
		}
		r.lastCheck.Store(time.Now().UnixNano())
	}

	return r.fallback.IsTripped(ctx, key)
}

func (r *FailoverTripStore) Trip(ctx context.Context, key, reason string) error {
	// Always mirror into the fallback so a later primary outage does not
	// forget an open trip.
	_ = r.fallback.Trip(ctx, key, reason)

	if !r.isDown.Load() {
		if err := r.primary.Trip(ctx, key, reason); err != nil {
			r.markDown(err)
			return nil
		}
	}
	return nil
}

func (r *FailoverTripStore) Clear(ctx context.Context, key string) error {
	_ = r.fallback.Clear(ctx, key)

	if !r.isDown.Load() {
		if err := r.primary.Clear(ctx, key); err != nil {
			r.markDown(err)
			return nil
		}
	}
	return nil
}

func (r *FailoverTripStore) markDown(err error) {
	if r.logger != nil {
		r.logger.Error().Err(err).Msg("Primary trip store failed, falling back to memory")
	}
	r.isDown.Store(true)
	r.lastCheck.Store(time.Now().UnixNano())
}
