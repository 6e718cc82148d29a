package orchestrator

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"crosspost/internal/adapters"
	"crosspost/internal/database"
	"crosspost/internal/models"
	"crosspost/internal/ratelimit"
	"crosspost/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fakeAdapter returns scripted results and records every call.
type fakeAdapter struct {
	mu       sync.Mutex
	platform string
	results  []adapters.Result
	calls    []string
	keys     []string
}

func (f *fakeAdapter) next(call string) adapters.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if len(f.results) == 0 {
		return adapters.Result{Class: adapters.ClassSuccess, ExternalID: "ext-1", PostURL: "https://x/1"}
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Post(_ context.Context, _ models.AdContent, _ *models.PlatformAccount, key string) adapters.Result {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return f.next("post")
}

func (f *fakeAdapter) Delist(context.Context, string, *models.PlatformAccount) adapters.Result {
	return f.next("delist")
}

func (f *fakeAdapter) Renew(context.Context, string, *models.PlatformAccount) adapters.Result {
	return f.next("renew")
}

func (f *fakeAdapter) FetchMetrics(context.Context, string, *models.PlatformAccount) adapters.Result {
	return f.next("metrics")
}

func (f *fakeAdapter) TestConnection(context.Context, *models.PlatformAccount) adapters.Result {
	return f.next("test")
}

type fakeSink struct {
	mu      sync.Mutex
	samples []models.MetricsSample
}

func (s *fakeSink) Emit(_ context.Context, sample models.MetricsSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *fakeNotifier) Alert(_ context.Context, subject, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
}

type testEnv struct {
	db       *database.DB
	queue    *repository.MemoryJobQueue
	trips    *repository.MemoryTripStore
	adapter  *fakeAdapter
	sink     *fakeSink
	notifier *fakeNotifier
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, tripThreshold int, cfg Config) *testEnv {
	t.Helper()

	logger := zerolog.New(os.Stdout)
	db, err := database.NewDB(":memory:", &logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	trips := repository.NewMemoryTripStore()
	controller := ratelimit.NewController(
		map[string]ratelimit.Limits{models.PlatformOfferUp: {RPS: 1000, Burst: 100}},
		ratelimit.BackoffPolicy{Base: time.Millisecond, Cap: 3},
		tripThreshold,
		trips,
	)

	adapter := &fakeAdapter{platform: models.PlatformOfferUp}
	registry := adapters.NewRegistry()
	registry.Register(adapter)

	queue := repository.NewMemoryJobQueue(16)
	sink := &fakeSink{}
	notifier := &fakeNotifier{}

	orch := New(db, db, db, db, queue, registry, controller, sink, notifier, nil, cfg, &logger)

	return &testEnv{db: db, queue: queue, trips: trips, adapter: adapter, sink: sink, notifier: notifier, orch: orch}
}

func (e *testEnv) seedAd(t *testing.T, status string) {
	t.Helper()
	ctx := context.Background()
	ad := &models.Ad{
		ID:     "ad-1",
		UserID: "user-1",
		Content: models.AdContent{
			Title: "Road bike",
			Price: 340,
		},
		Status: status,
	}
	if err := e.db.CreateAd(ctx, ad); err != nil {
		t.Fatalf("create ad: %v", err)
	}
	account := &models.PlatformAccount{
		ID:       "acc-1",
		UserID:   "user-1",
		Platform: models.PlatformOfferUp,
	}
	if err := e.db.SaveAccount(ctx, account); err != nil {
		t.Fatalf("save account: %v", err)
	}
}

func (e *testEnv) seedJob(t *testing.T, action string) *models.SyndicationJob {
	t.Helper()
	ctx := context.Background()
	job := &models.SyndicationJob{
		JobID:          uuid.NewString(),
		AdID:           "ad-1",
		Platform:       models.PlatformOfferUp,
		AccountID:      "acc-1",
		Action:         action,
		IdempotencyKey: models.IdempotencyKeyFor("ad-1", models.PlatformOfferUp, action, 1),
		Generation:     1,
		Priority:       models.PriorityNormal,
		ScheduledAt:    time.Now().Add(-time.Second),
	}
	if err := e.db.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestProcessPostSuccess(t *testing.T) {
	env := newTestEnv(t, 3, Config{})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusScheduled)

	if _, err := env.db.EnsurePending(ctx, "ad-1", models.PlatformOfferUp); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	job := env.seedJob(t, models.ActionPost)

	env.orch.processJob(ctx, job.ID)

	got, err := env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", got.State, got.LastError)
	}

	posted, err := env.db.GetByKey(ctx, "ad-1", models.PlatformOfferUp)
	if err != nil {
		t.Fatalf("get posting: %v", err)
	}
	if posted.Status != models.PostedStatusActive {
		t.Fatalf("expected active posting, got %s", posted.Status)
	}
	if posted.ExternalID != "ext-1" {
		t.Fatalf("expected external id recorded, got %q", posted.ExternalID)
	}

	ad, err := env.db.GetAd(ctx, "ad-1")
	if err != nil {
		t.Fatalf("get ad: %v", err)
	}
	if ad.Status != models.AdStatusPosted {
		t.Fatalf("expected ad posted, got %s", ad.Status)
	}

	if len(env.adapter.keys) != 1 || env.adapter.keys[0] != job.IdempotencyKey {
		t.Fatalf("expected idempotency key forwarded, got %v", env.adapter.keys)
	}
}

func TestBlockedClaimReschedulesJob(t *testing.T) {
	env := newTestEnv(t, 3, Config{PollInterval: time.Minute})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusScheduled)

	holder := env.seedJob(t, models.ActionPost)
	claimed, err := env.db.MarkRunning(ctx, holder.ID)
	if err != nil || !claimed {
		t.Fatalf("claim holder: %v %v", claimed, err)
	}

	blocked := env.seedJob(t, models.ActionDelist)
	env.orch.processJob(ctx, blocked.ID)

	got, err := env.db.GetJob(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateQueued {
		t.Fatalf("expected blocked job to stay queued, got %s", got.State)
	}
	// Заблокированное задание уходит из окна опроса, а не крутится вхолостую
	if !got.ScheduledAt.After(time.Now().Add(30 * time.Second)) {
		t.Fatalf("expected blocked job pushed out of the due window, got %v", got.ScheduledAt)
	}
	if env.adapter.callCount() != 0 {
		t.Fatalf("expected no adapter call while the lease is held, got %d", env.adapter.callCount())
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t, 3, Config{})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusScheduled)
	env.adapter.results = []adapters.Result{
		{Class: adapters.ClassTransient, Message: "http 503"},
	}

	if _, err := env.db.EnsurePending(ctx, "ad-1", models.PlatformOfferUp); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	job := env.seedJob(t, models.ActionPost)

	env.orch.processJob(ctx, job.ID)

	got, err := env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateFailedRetry {
		t.Fatalf("expected failed_retryable, got %s", got.State)
	}
	if got.LastError == nil || *got.LastError != "http 503" {
		t.Fatalf("expected last error recorded, got %v", got.LastError)
	}
	if !got.ScheduledAt.After(job.ScheduledAt) {
		t.Fatalf("expected retry pushed past the original schedule")
	}

	posted, err := env.db.GetByKey(ctx, "ad-1", models.PlatformOfferUp)
	if err != nil {
		t.Fatalf("get posting: %v", err)
	}
	if posted.Attempts != 1 {
		t.Fatalf("expected attempt recorded, got %d", posted.Attempts)
	}
}

func TestAttemptBudgetExhaustedDeadLetters(t *testing.T) {
	env := newTestEnv(t, 3, Config{MaxAttempts: 1})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusScheduled)
	env.adapter.results = []adapters.Result{
		{Class: adapters.ClassTransient, Message: "http 502"},
	}

	if _, err := env.db.EnsurePending(ctx, "ad-1", models.PlatformOfferUp); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	job := env.seedJob(t, models.ActionPost)

	env.orch.processJob(ctx, job.ID)

	got, err := env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateFailedTerminal {
		t.Fatalf("expected failed_terminal, got %s", got.State)
	}

	posted, err := env.db.GetByKey(ctx, "ad-1", models.PlatformOfferUp)
	if err != nil {
		t.Fatalf("get posting: %v", err)
	}
	if posted.Status != models.PostedStatusFailed {
		t.Fatalf("expected failed posting, got %s", posted.Status)
	}

	if len(env.queue.DeadLetters()) != 1 {
		t.Fatalf("expected dead letter, got %d", len(env.queue.DeadLetters()))
	}
}

func TestAccountBlockedTripsCircuit(t *testing.T) {
	env := newTestEnv(t, 1, Config{})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusScheduled)
	env.adapter.results = []adapters.Result{
		{Class: adapters.ClassAccountBlocked, Message: "account disabled"},
	}

	if _, err := env.db.EnsurePending(ctx, "ad-1", models.PlatformOfferUp); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	job := env.seedJob(t, models.ActionPost)

	env.orch.processJob(ctx, job.ID)

	got, err := env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateFailedTerminal {
		t.Fatalf("expected failed_terminal, got %s", got.State)
	}

	account, err := env.db.GetAccount(ctx, "user-1", models.PlatformOfferUp)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Status != models.AccountStatusFlagged {
		t.Fatalf("expected flagged account, got %s", account.Status)
	}

	tripped, err := env.trips.IsTripped(ctx, "offerup:acc-1")
	if err != nil || !tripped {
		t.Fatalf("expected trip recorded, got %v %v", tripped, err)
	}

	if len(env.notifier.subjects) == 0 {
		t.Fatalf("expected operator alert")
	}

	// Следующее задание того же аккаунта падает сразу, без вызова адаптера
	next := env.seedJob(t, models.ActionRenew)
	env.orch.processJob(ctx, next.ID)

	got, err = env.db.GetJob(ctx, next.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateFailedTerminal {
		t.Fatalf("expected failed_terminal for tripped account, got %s", got.State)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "tripped") {
		t.Fatalf("expected trip reason in last_error, got %v", got.LastError)
	}
	if env.adapter.callCount() != 1 {
		t.Fatalf("expected no adapter call for tripped account, got %d", env.adapter.callCount())
	}
}

func TestDelistWithoutPostingSucceedsWithoutNetworkCall(t *testing.T) {
	env := newTestEnv(t, 3, Config{})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusSold)

	job := env.seedJob(t, models.ActionDelist)
	env.orch.processJob(ctx, job.ID)

	got, err := env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateSucceeded {
		t.Fatalf("expected succeeded, got %s", got.State)
	}
	if env.adapter.callCount() != 0 {
		t.Fatalf("expected no adapter call, got %d", env.adapter.callCount())
	}
}

func TestClosedAdCancelsPost(t *testing.T) {
	env := newTestEnv(t, 3, Config{})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusSold)

	job := env.seedJob(t, models.ActionPost)
	env.orch.processJob(ctx, job.ID)

	got, err := env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateFailedTerminal {
		t.Fatalf("expected canceled job, got %s", got.State)
	}
	if env.adapter.callCount() != 0 {
		t.Fatalf("expected no adapter call for closed ad, got %d", env.adapter.callCount())
	}
}

func TestPollMetricsUpdatesCountersAndEmitsSample(t *testing.T) {
	env := newTestEnv(t, 3, Config{})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusPosted)

	if _, err := env.db.EnsurePending(ctx, "ad-1", models.PlatformOfferUp); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	if err := env.db.RecordPostSuccess(ctx, "ad-1", models.PlatformOfferUp, "ext-9", ""); err != nil {
		t.Fatalf("record success: %v", err)
	}

	env.adapter.results = []adapters.Result{
		{Class: adapters.ClassSuccess, Metrics: &adapters.Metrics{Views: 42, Clicks: 7, Leads: 2}},
	}

	job := env.seedJob(t, models.ActionPollMetrics)
	env.orch.processJob(ctx, job.ID)

	posted, err := env.db.GetByKey(ctx, "ad-1", models.PlatformOfferUp)
	if err != nil {
		t.Fatalf("get posting: %v", err)
	}
	if posted.Views != 42 || posted.Clicks != 7 || posted.Leads != 2 {
		t.Fatalf("expected counters updated, got %d/%d/%d", posted.Views, posted.Clicks, posted.Leads)
	}

	if len(env.sink.samples) != 1 {
		t.Fatalf("expected one sample emitted, got %d", len(env.sink.samples))
	}
	if env.sink.samples[0].Views != 42 {
		t.Fatalf("expected sample views 42, got %d", env.sink.samples[0].Views)
	}
}

func TestRenewLifecycle(t *testing.T) {
	env := newTestEnv(t, 3, Config{})
	ctx := context.Background()
	env.seedAd(t, models.AdStatusPosted)

	if _, err := env.db.EnsurePending(ctx, "ad-1", models.PlatformOfferUp); err != nil {
		t.Fatalf("ensure pending: %v", err)
	}
	if err := env.db.RecordPostSuccess(ctx, "ad-1", models.PlatformOfferUp, "ext-9", ""); err != nil {
		t.Fatalf("record success: %v", err)
	}

	job := env.seedJob(t, models.ActionRenew)
	env.orch.processJob(ctx, job.ID)

	posted, err := env.db.GetByKey(ctx, "ad-1", models.PlatformOfferUp)
	if err != nil {
		t.Fatalf("get posting: %v", err)
	}
	if posted.Status != models.PostedStatusActive {
		t.Fatalf("expected posting back to active, got %s", posted.Status)
	}

	got, err := env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateSucceeded {
		t.Fatalf("expected succeeded, got %s", got.State)
	}
}
