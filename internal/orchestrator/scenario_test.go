package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"crosspost/internal/adapters"
	"crosspost/internal/database"
	"crosspost/internal/enforcer"
	"crosspost/internal/models"
	"crosspost/internal/ratelimit"
	"crosspost/internal/repository"
	"crosspost/internal/service"

	"github.com/rs/zerolog"
)

// marketAdapter имитирует площадку с памятью: листинги живут между вызовами,
// ключ идемпотентности узнаётся при повторной отправке.
type marketAdapter struct {
	mu           sync.Mutex
	platform     string
	refusals     int  // сколько публикаций отбить до создания листинга
	dropResponse bool // создать листинг, но ответить как при потере ответа
	listings     map[string]string
	postKeys     []string
	delists      int
}

func (m *marketAdapter) Platform() string { return m.platform }

func (m *marketAdapter) Post(_ context.Context, _ models.AdContent, _ *models.PlatformAccount, key string) adapters.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postKeys = append(m.postKeys, key)

	if id, ok := m.listings[key]; ok {
		// Тот же ключ, тот же листинг, без дубля
		return adapters.Result{Class: adapters.ClassSuccess, ExternalID: id}
	}
	if m.refusals > 0 {
		m.refusals--
		return adapters.Result{Class: adapters.ClassTransient, Message: "http 503"}
	}
	if len(m.listings) > 0 {
		// Новый ключ при живом листинге означает двойную публикацию
		return adapters.Result{Class: adapters.ClassPolicyRejected, Message: "duplicate listing"}
	}

	if m.listings == nil {
		m.listings = make(map[string]string)
	}
	id := fmt.Sprintf("%s-ext-%d", m.platform, len(m.postKeys))
	m.listings[key] = id
	if m.dropResponse {
		m.dropResponse = false
		return adapters.Result{Class: adapters.ClassTransient, Message: "timeout"}
	}
	return adapters.Result{Class: adapters.ClassSuccess, ExternalID: id, PostURL: "https://" + m.platform + "/" + id}
}

func (m *marketAdapter) Delist(_ context.Context, externalID string, _ *models.PlatformAccount) adapters.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delists++
	for key, id := range m.listings {
		if id == externalID {
			delete(m.listings, key)
		}
	}
	return adapters.Result{Class: adapters.ClassSuccess}
}

func (m *marketAdapter) Renew(context.Context, string, *models.PlatformAccount) adapters.Result {
	return adapters.Result{Class: adapters.ClassSuccess}
}

func (m *marketAdapter) FetchMetrics(context.Context, string, *models.PlatformAccount) adapters.Result {
	return adapters.Result{Class: adapters.ClassSuccess}
}

func (m *marketAdapter) TestConnection(context.Context, *models.PlatformAccount) adapters.Result {
	return adapters.Result{Class: adapters.ClassSuccess}
}

func (m *marketAdapter) delistCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delists
}

type marketEnv struct {
	db   *database.DB
	svc  *service.Syndication
	orch *Orchestrator
}

func newMarketEnv(t *testing.T, markets ...*marketAdapter) *marketEnv {
	t.Helper()

	logger := zerolog.New(zerolog.NewConsoleWriter())
	db, err := database.NewDB(":memory:", &logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	limits := make(map[string]ratelimit.Limits, len(markets))
	registry := adapters.NewRegistry()
	for _, m := range markets {
		registry.Register(m)
		limits[m.platform] = ratelimit.Limits{RPS: 1000, Burst: 100}
	}

	trips := repository.NewMemoryTripStore()
	controller := ratelimit.NewController(limits, ratelimit.BackoffPolicy{Base: time.Millisecond, Cap: 3}, 3, trips)
	queue := repository.NewMemoryJobQueue(32)

	svc := service.NewSyndication(db, db, db, db, queue, registry, controller, nil, &logger)
	orch := New(db, db, db, db, queue, registry, controller, &fakeSink{}, &fakeNotifier{}, nil, Config{}, &logger)

	return &marketEnv{db: db, svc: svc, orch: orch}
}

func (e *marketEnv) seedAd(t *testing.T, adID string, platforms ...string) {
	t.Helper()
	ctx := context.Background()
	ad := &models.Ad{
		ID:      adID,
		UserID:  "user-1",
		Content: models.AdContent{Title: "Snow tires", Price: 120},
		Status:  models.AdStatusDraft,
	}
	if err := e.db.CreateAd(ctx, ad); err != nil {
		t.Fatalf("create ad: %v", err)
	}
	for _, platform := range platforms {
		account := &models.PlatformAccount{
			ID:       "acc-" + platform,
			UserID:   "user-1",
			Platform: platform,
		}
		if err := e.db.SaveAccount(ctx, account); err != nil {
			t.Fatalf("save account: %v", err)
		}
	}
}

// drive прогоняет все задания через воркер до полного опустошения очереди,
// сдвигая отложенные ретраи в прошлое.
func (e *marketEnv) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		due, err := e.db.GetDueJobs(ctx, time.Now().Add(time.Hour), 32)
		if err != nil {
			t.Fatalf("get due jobs: %v", err)
		}
		if len(due) == 0 {
			return
		}
		for _, job := range due {
			if err := e.db.Reschedule(ctx, job.ID, time.Now().Add(-time.Second)); err != nil {
				t.Fatalf("reschedule: %v", err)
			}
			e.orch.processJob(ctx, job.ID)
		}
	}
	t.Fatalf("jobs did not drain")
}

func TestRetryReusesListingAfterLostResponse(t *testing.T) {
	market := &marketAdapter{platform: models.PlatformOfferUp, dropResponse: true}
	env := newMarketEnv(t, market)
	ctx := context.Background()
	env.seedAd(t, "ad-1", models.PlatformOfferUp)

	refs, err := env.svc.EnqueuePost(ctx, "ad-1", []string{models.PlatformOfferUp})
	if err != nil {
		t.Fatalf("enqueue post: %v", err)
	}
	if len(refs) != 1 || !refs[0].Created {
		t.Fatalf("expected one created job, got %+v", refs)
	}

	job, err := env.db.GetJobByJobID(ctx, refs[0].JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}

	// Площадка приняла листинг, но ответ потерялся
	env.orch.processJob(ctx, job.ID)
	got, err := env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateFailedRetry {
		t.Fatalf("expected failed_retryable, got %s", got.State)
	}

	// Ретрай несёт тот же ключ, площадка возвращает существующий листинг
	if err := env.db.Reschedule(ctx, job.ID, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	env.orch.processJob(ctx, job.ID)

	got, err = env.db.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.State != models.JobStateSucceeded {
		t.Fatalf("expected succeeded, got %s (%v)", got.State, got.LastError)
	}

	if len(market.postKeys) != 2 || market.postKeys[0] != market.postKeys[1] {
		t.Fatalf("expected same idempotency key on both submissions, got %v", market.postKeys)
	}
	if len(market.listings) != 1 {
		t.Fatalf("expected exactly one listing on the platform, got %d", len(market.listings))
	}

	posted, err := env.db.GetByKey(ctx, "ad-1", models.PlatformOfferUp)
	if err != nil {
		t.Fatalf("get posting: %v", err)
	}
	if posted.Status != models.PostedStatusActive {
		t.Fatalf("expected active posting, got %s", posted.Status)
	}
	if posted.ExternalID != market.listings[market.postKeys[0]] {
		t.Fatalf("expected recorded external id to match the platform listing, got %q", posted.ExternalID)
	}
}

func TestSoldAdTwoPlatformLifecycle(t *testing.T) {
	offerup := &marketAdapter{platform: models.PlatformOfferUp}
	ebay := &marketAdapter{platform: models.PlatformEbay, refusals: 2}
	env := newMarketEnv(t, offerup, ebay)
	ctx := context.Background()
	env.seedAd(t, "ad-1", models.PlatformOfferUp, models.PlatformEbay)

	if _, err := env.svc.EnqueuePost(ctx, "ad-1", []string{models.PlatformOfferUp, models.PlatformEbay}); err != nil {
		t.Fatalf("enqueue post: %v", err)
	}
	env.drive(t)

	for _, platform := range []string{models.PlatformOfferUp, models.PlatformEbay} {
		posted, err := env.db.GetByKey(ctx, "ad-1", platform)
		if err != nil {
			t.Fatalf("get posting %s: %v", platform, err)
		}
		if posted.Status != models.PostedStatusActive {
			t.Fatalf("expected active posting on %s, got %s", platform, posted.Status)
		}
	}
	if len(offerup.postKeys) != 1 {
		t.Fatalf("expected one submission to offerup, got %d", len(offerup.postKeys))
	}
	// Два отказа, третья отправка с тем же ключом проходит
	if len(ebay.postKeys) != 3 {
		t.Fatalf("expected three submissions to ebay, got %d", len(ebay.postKeys))
	}
	for _, key := range ebay.postKeys {
		if key != ebay.postKeys[0] {
			t.Fatalf("expected a stable idempotency key across retries, got %v", ebay.postKeys)
		}
	}

	if err := env.svc.CloseAd(ctx, "ad-1", models.AdStatusSold); err != nil {
		t.Fatalf("close ad: %v", err)
	}

	logger := zerolog.New(zerolog.NewConsoleWriter())
	enf := enforcer.New(env.svc, env.db, time.Minute, &logger)
	enf.RunSweep(ctx)
	env.drive(t)

	for _, m := range []*marketAdapter{offerup, ebay} {
		if m.delistCount() != 1 {
			t.Fatalf("expected exactly one delist on %s, got %d", m.platform, m.delistCount())
		}
		if len(m.listings) != 0 {
			t.Fatalf("expected no listings left on %s", m.platform)
		}
	}
	for _, platform := range []string{models.PlatformOfferUp, models.PlatformEbay} {
		posted, err := env.db.GetByKey(ctx, "ad-1", platform)
		if err != nil {
			t.Fatalf("get posting %s: %v", platform, err)
		}
		if posted.Status != models.PostedStatusRemoved {
			t.Fatalf("expected removed posting on %s, got %s", platform, posted.Status)
		}
	}

	// Повторный свип не находит живых постингов и ничего не создаёт
	enf.RunSweep(ctx)
	env.drive(t)
	for _, m := range []*marketAdapter{offerup, ebay} {
		if m.delistCount() != 1 {
			t.Fatalf("expected delists to stay at one on %s, got %d", m.platform, m.delistCount())
		}
	}
}
