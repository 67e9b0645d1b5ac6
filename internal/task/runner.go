package task

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jwkim-dev/shopscout/internal/metrics"
	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// ErrEmptyInput is returned by Submit when there is no behavior history to
// recommend from.
var ErrEmptyInput = errors.New("no behaviors to recommend from")

// RandomTaskID marks a status response synthesized from random catalog
// products rather than a real task.
const RandomTaskID = "random"

// terminalWriteTimeout bounds the store write that settles a task after its
// own context is gone.
const terminalWriteTimeout = 10 * time.Second

// Scraper fans keywords out to the shopping surface. keywords[0] is the
// primary keyword.
type Scraper interface {
	ScrapeAll(ctx context.Context, keywords []string) []recsys.Product
}

// RunnerConfig tunes keyword derivation, fallback sampling and event
// publishing.
type RunnerConfig struct {
	// MaxKeywords caps how many keywords one task scrapes.
	MaxKeywords int
	// CandidateSample is how many scored candidates are drawn to accompany
	// the primary keyword.
	CandidateSample int
	// RandomSample is the product count for the no-history fallback.
	RandomSample int
	// Topic is the lifecycle event topic. Empty disables publishing.
	Topic string
}

// Event is the lifecycle notification published per task transition.
type Event struct {
	TaskID  string            `json:"task_id"`
	UserID  string            `json:"user_id"`
	Channel string            `json:"channel"`
	Status  recsys.TaskStatus `json:"status"`
	At      time.Time         `json:"at"`
}

// Runner owns the task lifecycle: submission, single-flight per
// (user, channel), the background scrape pipeline and status queries.
type Runner struct {
	store     recsys.TaskStore
	registry  *Registry
	scorer    recsys.Scorer
	scraper   Scraper
	publisher recsys.Publisher
	clock     recsys.Clock
	ids       recsys.IDGenerator
	cfg       RunnerConfig
	logger    *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand

	// flightMu serializes Submit per (user, channel) so concurrent
	// submissions cannot both miss the pending lookup and both insert.
	flightMu sync.Mutex
	flights  map[string]*sync.Mutex
}

// NewRunner wires the task pipeline together. publisher may be nil.
func NewRunner(
	store recsys.TaskStore,
	registry *Registry,
	scorer recsys.Scorer,
	scraper Scraper,
	publisher recsys.Publisher,
	clock recsys.Clock,
	ids recsys.IDGenerator,
	cfg RunnerConfig,
	logger *zap.Logger,
) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:     store,
		registry:  registry,
		scorer:    scorer,
		scraper:   scraper,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		flights:   make(map[string]*sync.Mutex),
	}
}

// submitAttempts bounds supersede retries when another writer keeps winning
// the pending slot between our lookup and insert.
const submitAttempts = 3

// Submit starts a recommendation task for (user, channel). An existing
// pending task for the same pair is cancelled and drained first, so at most
// one task per pair is ever in flight; concurrent submissions for the same
// pair are serialized. The returned task is pending; the pipeline runs in
// the background.
func (r *Runner) Submit(ctx context.Context, userID, channel string, behaviors []recsys.Behavior) (recsys.Task, error) {
	if len(behaviors) == 0 {
		return recsys.Task{}, ErrEmptyInput
	}

	lock := r.flightLock(userID, channel)
	lock.Lock()
	defer lock.Unlock()

	// The store enforces single-pending with a unique constraint; another
	// process can still take the slot between our lookup and insert, so
	// supersede and retry on conflict.
	for attempt := 0; attempt < submitAttempts; attempt++ {
		if prev, err := r.store.FindPendingTask(ctx, userID, channel); err == nil {
			if err := r.cancelTask(ctx, prev); err != nil {
				return recsys.Task{}, err
			}
		} else if !errors.Is(err, recsys.ErrNotFound) {
			return recsys.Task{}, fmt.Errorf("find pending task: %w", err)
		}

		id, err := r.ids.NewID()
		if err != nil {
			return recsys.Task{}, fmt.Errorf("generate task id: %w", err)
		}
		t := recsys.Task{
			ID:        id,
			UserID:    userID,
			Channel:   channel,
			Status:    recsys.TaskStatusPending,
			CreatedAt: r.clock.Now(),
		}
		err = r.store.CreateTask(ctx, t)
		if errors.Is(err, recsys.ErrPendingExists) {
			continue
		}
		if err != nil {
			return recsys.Task{}, fmt.Errorf("create task: %w", err)
		}

		// The run context is detached from the request: the task
		// outlives the HTTP call that submitted it.
		runCtx, cancel := context.WithCancel(context.Background())
		r.registry.Register(id, cancel)
		r.publish(ctx, t, recsys.TaskStatusPending)
		go r.run(runCtx, t, behaviors)

		return t, nil
	}
	return recsys.Task{}, fmt.Errorf("pending slot for %s/%s stayed contended", userID, channel)
}

// flightLock returns the mutex serializing submissions for one
// (user, channel) pair.
func (r *Runner) flightLock(userID, channel string) *sync.Mutex {
	key := userID + "\x00" + channel
	r.flightMu.Lock()
	defer r.flightMu.Unlock()
	m, ok := r.flights[key]
	if !ok {
		m = &sync.Mutex{}
		r.flights[key] = m
	}
	return m
}

// cancelTask settles a superseded task and waits for its goroutine to reach
// a checkpoint and exit.
func (r *Runner) cancelTask(ctx context.Context, t recsys.Task) error {
	err := r.store.MarkStatus(ctx, t.ID, recsys.TaskStatusCancelled, r.clock.Now())
	switch {
	case err == nil:
		metrics.ObserveTask(string(recsys.TaskStatusCancelled))
		r.publish(ctx, t, recsys.TaskStatusCancelled)
	case errors.Is(err, recsys.ErrNotFound):
		// Already terminal; nothing to cancel.
	default:
		return fmt.Errorf("cancel task %s: %w", t.ID, err)
	}
	if err := r.registry.CancelAndWait(ctx, t.ID); err != nil {
		return err
	}
	r.logger.Info("superseded pending task",
		zap.String("task_id", t.ID),
		zap.String("user_id", t.UserID),
		zap.String("channel", t.Channel),
	)
	return nil
}

// run executes the three-phase pipeline: score, scrape, persist. Between
// phases it checks for cancellation; a cancelled task discards its work and
// writes nothing, since the canceller already settled the row.
func (r *Runner) run(ctx context.Context, t recsys.Task, behaviors []recsys.Behavior) {
	defer r.registry.Remove(t.ID)
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked",
				zap.String("task_id", t.ID),
				zap.Any("panic", p),
			)
			r.markFailed(t)
		}
	}()

	if ctx.Err() != nil {
		return
	}
	candidates, err := r.scorer.Score(ctx, behaviors)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("scoring failed", zap.String("task_id", t.ID), zap.Error(err))
		r.markFailed(t)
		return
	}

	if ctx.Err() != nil {
		return
	}
	keywords := r.deriveKeywords(behaviors, candidates)
	products := r.scraper.ScrapeAll(ctx, keywords)

	// Last checkpoint: a task cancelled during the scrape discards its
	// products rather than racing the superseding task's writes.
	if ctx.Err() != nil {
		return
	}

	err = r.store.CompleteTask(ctx, t.ID, r.clock.Now(), products)
	switch {
	case err == nil:
		metrics.ObserveTask(string(recsys.TaskStatusCompleted))
		r.publish(ctx, t, recsys.TaskStatusCompleted)
		r.logger.Info("task completed",
			zap.String("task_id", t.ID),
			zap.Int("products", len(products)),
		)
	case errors.Is(err, recsys.ErrNotFound):
		// Settled by a canceller after our checkpoint; their write wins.
	default:
		r.logger.Error("persisting results failed", zap.String("task_id", t.ID), zap.Error(err))
		r.markFailed(t)
	}
}

// markFailed settles the task as failed on a fresh context, since the run
// context may already be dead.
func (r *Runner) markFailed(t recsys.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	err := r.store.MarkStatus(ctx, t.ID, recsys.TaskStatusFailed, r.clock.Now())
	if err != nil && !errors.Is(err, recsys.ErrNotFound) {
		r.logger.Error("marking task failed did not stick",
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
		return
	}
	if err == nil {
		metrics.ObserveTask(string(recsys.TaskStatusFailed))
		r.publish(ctx, t, recsys.TaskStatusFailed)
	}
}

// deriveKeywords picks the scrape set: the user's most recent behavior name
// leads as the primary keyword, followed by a random draw of scored
// candidates, deduplicated and capped.
func (r *Runner) deriveKeywords(behaviors []recsys.Behavior, candidates []string) []string {
	primary := behaviors[len(behaviors)-1].Name
	keywords := []string{primary}
	seen := map[string]struct{}{primary: {}}

	rest := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c]; !ok {
			rest = append(rest, c)
			seen[c] = struct{}{}
		}
	}
	r.mu.Lock()
	r.rng.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	r.mu.Unlock()

	n := r.cfg.CandidateSample
	if n > len(rest) {
		n = len(rest)
	}
	keywords = append(keywords, rest[:n]...)

	if r.cfg.MaxKeywords > 0 && len(keywords) > r.cfg.MaxKeywords {
		keywords = keywords[:r.cfg.MaxKeywords]
	}
	return keywords
}

// GetStatus answers the status query for (user, channel) with a fallback
// ladder: no task ever recorded yields a random product sample, a pending
// task carries the user's last completed results, and terminal tasks report
// themselves verbatim.
func (r *Runner) GetStatus(ctx context.Context, userID, channel string) (recsys.TaskResult, error) {
	t, err := r.store.LatestTask(ctx, userID, channel)
	if errors.Is(err, recsys.ErrNotFound) {
		return r.randomResult(ctx, channel)
	}
	if err != nil {
		return recsys.TaskResult{}, fmt.Errorf("latest task: %w", err)
	}

	res := recsys.TaskResult{
		TaskID:  t.ID,
		Status:  t.Status,
		Channel: t.Channel,
	}
	switch t.Status {
	case recsys.TaskStatusCompleted:
		products, err := r.store.ProductsByTask(ctx, t.ID)
		if err != nil {
			return recsys.TaskResult{}, fmt.Errorf("products by task: %w", err)
		}
		if len(products) == 0 {
			return r.randomResult(ctx, channel)
		}
		res.Data = products

	case recsys.TaskStatusPending:
		// Show the last known good results while the new ones cook.
		prev, err := r.store.LatestCompletedTask(ctx, userID)
		if err == nil {
			products, err := r.store.ProductsByTask(ctx, prev.ID)
			if err != nil {
				return recsys.TaskResult{}, fmt.Errorf("products by task: %w", err)
			}
			res.Data = products
		} else if !errors.Is(err, recsys.ErrNotFound) {
			return recsys.TaskResult{}, fmt.Errorf("latest completed task: %w", err)
		}
	}
	return res, nil
}

func (r *Runner) randomResult(ctx context.Context, channel string) (recsys.TaskResult, error) {
	limit := r.cfg.RandomSample
	if limit <= 0 {
		limit = 8
	}
	products, err := r.store.RandomProducts(ctx, limit)
	if err != nil {
		return recsys.TaskResult{}, fmt.Errorf("random products: %w", err)
	}
	return recsys.TaskResult{
		TaskID:  RandomTaskID,
		Status:  recsys.TaskStatusCompleted,
		Channel: channel,
		Data:    products,
	}, nil
}

// publish sends a lifecycle event, best effort.
func (r *Runner) publish(ctx context.Context, t recsys.Task, status recsys.TaskStatus) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	ev := Event{
		TaskID:  t.ID,
		UserID:  t.UserID,
		Channel: t.Channel,
		Status:  status,
		At:      r.clock.Now(),
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, ev); err != nil {
		r.logger.Warn("lifecycle publish failed",
			zap.String("task_id", t.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
