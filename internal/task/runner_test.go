package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/clock/system"
	"github.com/jwkim-dev/shopscout/internal/metrics"
	"github.com/jwkim-dev/shopscout/internal/recsys"
	"github.com/jwkim-dev/shopscout/internal/storage/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	m.Run()
}

type fakeScorer struct {
	candidates []string
	err        error
}

func (f *fakeScorer) Score(context.Context, []recsys.Behavior) ([]string, error) {
	return f.candidates, f.err
}

type fakeScraper struct {
	mu       sync.Mutex
	calls    [][]string
	products []recsys.Product
	block    chan struct{}
}

func (f *fakeScraper) ScrapeAll(ctx context.Context, keywords []string) []recsys.Product {
	f.mu.Lock()
	kws := make([]string, len(keywords))
	copy(kws, keywords)
	f.calls = append(f.calls, kws)
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil
		}
	}
	return f.products
}

func (f *fakeScraper) lastCall() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeScraper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := payload.(Event); ok {
		f.events = append(f.events, ev)
	}
	return "msg-1", nil
}

func (f *fakePublisher) statuses() []recsys.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recsys.TaskStatus, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Status
	}
	return out
}

type fakeIDs struct{ n atomic.Int64 }

func (f *fakeIDs) NewID() (string, error) {
	return fmt.Sprintf("task-%d", f.n.Add(1)), nil
}

type fixture struct {
	runner    *Runner
	store     *memory.TaskStore
	registry  *Registry
	scorer    *fakeScorer
	scraper   *fakeScraper
	publisher *fakePublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     memory.NewTaskStore(),
		registry:  NewRegistry(),
		scorer:    &fakeScorer{},
		scraper:   &fakeScraper{},
		publisher: &fakePublisher{},
	}
	f.runner = NewRunner(
		f.store, f.registry, f.scorer, f.scraper, f.publisher,
		system.New(), &fakeIDs{},
		RunnerConfig{MaxKeywords: 4, CandidateSample: 3, RandomSample: 8, Topic: "task-events"},
		zap.NewNop(),
	)
	return f
}

func behaviors(names ...string) []recsys.Behavior {
	out := make([]recsys.Behavior, len(names))
	for i, n := range names {
		out[i] = recsys.Behavior{Name: n, Event: recsys.EventItemView}
	}
	return out
}

func waitTerminal(t *testing.T, f *fixture, id string) recsys.Task {
	t.Helper()
	var got recsys.Task
	require.Eventually(t, func() bool {
		task, err := f.store.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Status.Terminal() && f.registry.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.runner.Submit(context.Background(), "u1", "v1", nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestSubmitRunsPipelineToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.scorer.candidates = []string{"무선 키보드"}
	f.scraper.products = []recsys.Product{{Name: "키보드", Price: "₩1", Seller: "s", Image: "No Image"}}

	task, err := f.runner.Submit(context.Background(), "u1", "v1", behaviors("키보드"))
	require.NoError(t, err)
	assert.Equal(t, recsys.TaskStatusPending, task.Status)

	got := waitTerminal(t, f, task.ID)
	assert.Equal(t, recsys.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	products, err := f.store.ProductsByTask(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, products, 1)

	assert.Equal(t, []recsys.TaskStatus{
		recsys.TaskStatusPending,
		recsys.TaskStatusCompleted,
	}, f.publisher.statuses())
}

func TestSubmitSupersedesPendingTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.scraper.block = make(chan struct{})
	f.scraper.products = []recsys.Product{{Name: "stale"}}

	first, err := f.runner.Submit(context.Background(), "u1", "v1", behaviors("키보드"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.scraper.lastCall() != nil },
		time.Second, 5*time.Millisecond)

	second, err := f.runner.Submit(context.Background(), "u1", "v1", behaviors("마우스"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := f.store.GetTask(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, recsys.TaskStatusCancelled, got.Status)

	products, err := f.store.ProductsByTask(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Empty(t, products, "a cancelled task discards its scrape output")

	close(f.scraper.block)
	got = waitTerminal(t, f, second.ID)
	assert.Equal(t, recsys.TaskStatusCompleted, got.Status)
}

func TestConcurrentSubmitsKeepSingleFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.scraper.block = make(chan struct{})

	const submitters = 8
	results := make(chan recsys.Task, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := f.runner.Submit(context.Background(), "u1", "v1", behaviors("키보드"))
			if assert.NoError(t, err) {
				results <- task
			}
		}()
	}
	wg.Wait()
	close(results)

	pending := 0
	var survivor recsys.Task
	for task := range results {
		got, err := f.store.GetTask(context.Background(), task.ID)
		require.NoError(t, err)
		if got.Status == recsys.TaskStatusPending {
			pending++
			survivor = got
		} else {
			assert.Equal(t, recsys.TaskStatusCancelled, got.Status)
		}
	}
	require.Equal(t, 1, pending, "exactly one task may be pending per (user, channel)")

	close(f.scraper.block)
	got := waitTerminal(t, f, survivor.ID)
	assert.Equal(t, recsys.TaskStatusCompleted, got.Status)
}

func TestScorerFailureMarksTaskFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.scorer.err = fmt.Errorf("model unavailable")

	task, err := f.runner.Submit(context.Background(), "u1", "v1", behaviors("키보드"))
	require.NoError(t, err)

	got := waitTerminal(t, f, task.ID)
	assert.Equal(t, recsys.TaskStatusFailed, got.Status)
	assert.Contains(t, f.publisher.statuses(), recsys.TaskStatusFailed)
}

func TestEmptyScrapeStillCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.scorer.candidates = []string{"무선 키보드"}
	f.scraper.products = nil

	task, err := f.runner.Submit(context.Background(), "u1", "v1", behaviors("키보드"))
	require.NoError(t, err)

	got := waitTerminal(t, f, task.ID)
	assert.Equal(t, recsys.TaskStatusCompleted, got.Status)

	products, err := f.store.ProductsByTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, products)
}

func TestDeriveKeywordsPrimaryFirstDedupedCapped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	got := f.runner.deriveKeywords(
		behaviors("키보드", "마우스"),
		[]string{"마우스", "모니터", "스피커", "헤드셋", "웹캠"},
	)
	require.NotEmpty(t, got)
	assert.Equal(t, "마우스", got[0], "most recent behavior leads")
	assert.LessOrEqual(t, len(got), 4)
	seen := map[string]bool{}
	for _, kw := range got {
		assert.False(t, seen[kw], "keyword %q repeated", kw)
		seen[kw] = true
	}
}

func TestDeriveKeywordsNoCandidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	got := f.runner.deriveKeywords(behaviors("키보드"), nil)
	assert.Equal(t, []string{"키보드"}, got)
}

func TestGetStatusFallsBackToRandomSample(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Seed one completed task for another user so the pool is non-empty.
	f.scraper.products = []recsys.Product{{Name: "의자"}}
	seed, err := f.runner.Submit(ctx, "other", "v1", behaviors("의자"))
	require.NoError(t, err)
	waitTerminal(t, f, seed.ID)

	res, err := f.runner.GetStatus(ctx, "u-new", "v1")
	require.NoError(t, err)
	assert.Equal(t, RandomTaskID, res.TaskID)
	assert.Equal(t, recsys.TaskStatusCompleted, res.Status)
}

func TestGetStatusPendingCarriesLastKnownGood(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.scraper.products = []recsys.Product{{Name: "이전 결과"}}

	first, err := f.runner.Submit(ctx, "u1", "v1", behaviors("키보드"))
	require.NoError(t, err)
	waitTerminal(t, f, first.ID)

	f.scraper.block = make(chan struct{})
	defer close(f.scraper.block)
	second, err := f.runner.Submit(ctx, "u1", "v1", behaviors("마우스"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.scraper.callCount() >= 2 },
		time.Second, 5*time.Millisecond)

	res, err := f.runner.GetStatus(ctx, "u1", "v1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, res.TaskID)
	assert.Equal(t, recsys.TaskStatusPending, res.Status)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "이전 결과", res.Data[0].Name)
}

func TestGetStatusCompletedReturnsOwnProducts(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.scraper.products = []recsys.Product{{Name: "결과"}}

	task, err := f.runner.Submit(ctx, "u1", "v1", behaviors("키보드"))
	require.NoError(t, err)
	waitTerminal(t, f, task.ID)

	res, err := f.runner.GetStatus(ctx, "u1", "v1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, res.TaskID)
	assert.Equal(t, recsys.TaskStatusCompleted, res.Status)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "결과", res.Data[0].Name)
}

func TestGetStatusFailedReportsVerbatim(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.scorer.err = fmt.Errorf("boom")

	task, err := f.runner.Submit(ctx, "u1", "v1", behaviors("키보드"))
	require.NoError(t, err)
	waitTerminal(t, f, task.ID)

	res, err := f.runner.GetStatus(ctx, "u1", "v1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, res.TaskID)
	assert.Equal(t, recsys.TaskStatusFailed, res.Status)
	assert.Empty(t, res.Data)
}
