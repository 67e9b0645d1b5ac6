// Package memory provides in-process store implementations for development
// and tests.
package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jwkim-dev/shopscout/internal/recsys"
)

// TaskStore keeps tasks and products in process memory. It mirrors the
// Postgres store's semantics, including the pending-only transition guard.
type TaskStore struct {
	mu       sync.Mutex
	tasks    map[string]*recsys.Task
	order    []string
	products map[string][]recsys.StoredProduct
	nextID   int64
	rng      *rand.Rand
}

// NewTaskStore returns an empty store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:    make(map[string]*recsys.Task),
		products: make(map[string][]recsys.StoredProduct),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateTask inserts a new task row. A second pending task for the same
// (user, channel) is rejected, mirroring the Postgres partial unique index.
func (s *TaskStore) CreateTask(_ context.Context, task recsys.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task.Status == recsys.TaskStatusPending {
		for _, id := range s.order {
			t := s.tasks[id]
			if t.UserID == task.UserID && t.Channel == task.Channel &&
				t.Status == recsys.TaskStatusPending {
				return recsys.ErrPendingExists
			}
		}
	}
	t := task
	s.tasks[task.ID] = &t
	s.order = append(s.order, task.ID)
	return nil
}

// GetTask returns the task by id, or ErrNotFound.
func (s *TaskStore) GetTask(_ context.Context, id string) (recsys.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return recsys.Task{}, recsys.ErrNotFound
	}
	return *t, nil
}

// FindPendingTask returns the pending task for (user, channel).
func (s *TaskStore) FindPendingTask(_ context.Context, userID, channel string) (recsys.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if t.UserID == userID && t.Channel == channel && t.Status == recsys.TaskStatusPending {
			return *t, nil
		}
	}
	return recsys.Task{}, recsys.ErrNotFound
}

// MarkStatus transitions a pending task to a terminal status.
func (s *TaskStore) MarkStatus(_ context.Context, id string, status recsys.TaskStatus, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != recsys.TaskStatusPending {
		return recsys.ErrNotFound
	}
	t.Status = status
	at := completedAt
	t.CompletedAt = &at
	return nil
}

// CompleteTask stores the products and marks the task completed, atomically
// under the store lock.
func (s *TaskStore) CompleteTask(_ context.Context, id string, completedAt time.Time, products []recsys.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != recsys.TaskStatusPending {
		return recsys.ErrNotFound
	}
	for _, p := range products {
		s.nextID++
		s.products[id] = append(s.products[id], recsys.StoredProduct{
			ID:      s.nextID,
			TaskID:  id,
			Product: p,
		})
	}
	t.Status = recsys.TaskStatusCompleted
	at := completedAt
	t.CompletedAt = &at
	return nil
}

// LatestTask returns the most recently created task for (user, channel).
func (s *TaskStore) LatestTask(_ context.Context, userID, channel string) (recsys.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if t.UserID == userID && t.Channel == channel {
			return *t, nil
		}
	}
	return recsys.Task{}, recsys.ErrNotFound
}

// LatestCompletedTask returns the user's most recently completed task across
// all channels, ordered by completion time.
func (s *TaskStore) LatestCompletedTask(_ context.Context, userID string) (recsys.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *recsys.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.UserID != userID || t.Status != recsys.TaskStatusCompleted || t.CompletedAt == nil {
			continue
		}
		if best == nil || !t.CompletedAt.Before(*best.CompletedAt) {
			best = t
		}
	}
	if best == nil {
		return recsys.Task{}, recsys.ErrNotFound
	}
	return *best, nil
}

// ProductsByTask returns the products persisted under a task, insertion
// order.
func (s *TaskStore) ProductsByTask(_ context.Context, taskID string) ([]recsys.StoredProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.products[taskID]
	out := make([]recsys.StoredProduct, len(src))
	copy(out, src)
	return out, nil
}

// RandomProducts returns a uniform sample across all persisted products.
func (s *TaskStore) RandomProducts(_ context.Context, limit int) ([]recsys.StoredProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []recsys.StoredProduct
	for _, ps := range s.products {
		all = append(all, ps...)
	}
	s.rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

var _ recsys.TaskStore = (*TaskStore)(nil)
