package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/models"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// RedisTripStore shares account circuit-trip state between processes so a
// second worker process cannot keep hammering an account the first one
// already tripped.
type RedisTripStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTripStore builds a trip store. A zero ttl keeps trips until they
// are explicitly cleared by a credential refresh.
func NewRedisTripStore(client *redis.Client, ttl time.Duration) *RedisTripStore {
	return &RedisTripStore{client: client, ttl: ttl}
}

func tripKey(key string) string { return "trip:" + key }

func (r *RedisTripStore) IsTripped(ctx context.Context, key string) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	_, err := r.client.Get(ctx, tripKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get trip state: %w", err)
	}
	return true, nil
}

func (r *RedisTripStore) Trip(ctx context.Context, key, reason string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Set(ctx, tripKey(key), reason, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set trip state: %w", err)
	}
	return nil
}

func (r *RedisTripStore) Clear(ctx context.Context, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, tripKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear trip state: %w", err)
	}
	return nil
}

// RedisJobQueue is the fast-path hand-off list. Durable job rows stay in the
// job store; losing a queue entry only delays the job until the polling
// fallback finds it.
type RedisJobQueue struct {
	client        *redis.Client
	queueKey      string
	deadLetterKey string
}

func NewRedisJobQueue(client *redis.Client) *RedisJobQueue {
	return &RedisJobQueue{
		client:        client,
		queueKey:      "syndication:queue",
		deadLetterKey: "syndication:deadletter",
	}
}

func (q *RedisJobQueue) Push(ctx context.Context, job *models.SyndicationJob) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.client.LPush(ctx, q.queueKey, data).Err()
}

func (q *RedisJobQueue) Pop(ctx context.Context, wait time.Duration) (*models.SyndicationJob, bool) {
	if q.client == nil {
		return nil, false
	}
	res, err := q.client.BRPop(ctx, wait, q.queueKey).Result()
	if err != nil || len(res) != 2 {
		return nil, false
	}
	var job models.SyndicationJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, false
	}
	return &job, true
}

func (q *RedisJobQueue) PushDeadLetter(ctx context.Context, job *models.SyndicationJob, reason string) {
	if q.client == nil {
		return
	}
	entry := struct {
		Job    *models.SyndicationJob `json:"job"`
		Reason string                 `json:"reason"`
		At     time.Time              `json:"at"`
	}{Job: job, Reason: reason, At: time.Now()}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = q.client.LPush(ctx, q.deadLetterKey, data).Err()
}

// RedisMetricsSink ships posting metrics samples to the analytics side as a
// redis list the external pipeline drains.
type RedisMetricsSink struct {
	client *redis.Client
	key    string
}

func NewRedisMetricsSink(client *redis.Client) *RedisMetricsSink {
	return &RedisMetricsSink{client: client, key: "syndication:metrics"}
}

func (s *RedisMetricsSink) Emit(ctx context.Context, sample models.MetricsSample) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode metrics sample: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("failed to push metrics sample: %w", err)
	}
	return nil
}
