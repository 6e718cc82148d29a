package repository

import (
	"context"
	"sync"
	"time"

	"crosspost/internal/models"
)

// MemoryTripStore is the in-process fallback trip store.
type MemoryTripStore struct {
	trips sync.Map // key -> reason
}

func NewMemoryTripStore() *MemoryTripStore {
	return &MemoryTripStore{}
}

func (m *MemoryTripStore) IsTripped(ctx context.Context, key string) (bool, error) {
	_, ok := m.trips.Load(key)
	return ok, nil
}

func (m *MemoryTripStore) Trip(ctx context.Context, key, reason string) error {
	m.trips.Store(key, reason)
	return nil
}

func (m *MemoryTripStore) Clear(ctx context.Context, key string) error {
	m.trips.Delete(key)
	return nil
}

// MemoryJobQueue is a buffered channel standing in for redis when it is not
// configured. Push never blocks; an overfull queue drops to the polling
// fallback, which is the same contract the redis queue has on loss.
type MemoryJobQueue struct {
	ch   chan *models.SyndicationJob
	dead sync.Map
}

func NewMemoryJobQueue(size int) *MemoryJobQueue {
	if size <= 0 {
		size = models.WorkerQueueSize
	}
	return &MemoryJobQueue{ch: make(chan *models.SyndicationJob, size)}
}

func (q *MemoryJobQueue) Push(ctx context.Context, job *models.SyndicationJob) error {
	select {
	case q.ch <- job:
	default:
		// Full: the job store polling loop will pick the row up.
	}
	return nil
}

func (q *MemoryJobQueue) Pop(ctx context.Context, wait time.Duration) (*models.SyndicationJob, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case job := <-q.ch:
		return job, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (q *MemoryJobQueue) PushDeadLetter(ctx context.Context, job *models.SyndicationJob, reason string) {
	q.dead.Store(job.JobID, reason)
}

// DeadLetters returns the dead-lettered job ids with reasons. Tests only.
func (q *MemoryJobQueue) DeadLetters() map[string]string {
	out := make(map[string]string)
	q.dead.Range(func(k, v any) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}
