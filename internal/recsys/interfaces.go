package recsys

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when no matching row exists, or when a
// guarded transition matched no pending row.
var ErrNotFound = errors.New("not found")

// ErrPendingExists is returned by CreateTask when another pending task
// already occupies the (user, channel) slot.
var ErrPendingExists = errors.New("pending task already exists")

// TaskStore persists tasks and their scraped products. It is the single
// source of truth for task status.
type TaskStore interface {
	// CreateTask inserts a new task row. Creating a pending task while
	// another pending task exists for the same (user, channel) returns
	// ErrPendingExists; the store enforces the single-pending invariant.
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)

	// FindPendingTask returns the pending task for (user, channel),
	// or ErrNotFound.
	FindPendingTask(ctx context.Context, userID, channel string) (Task, error)

	// MarkStatus transitions a pending task to a terminal status. It
	// returns ErrNotFound if the task does not exist or is already
	// terminal, so stale writers can never overwrite a settled task.
	MarkStatus(ctx context.Context, id string, status TaskStatus, completedAt time.Time) error

	// CompleteTask persists the products and marks the task completed in
	// one atomic commit. Nothing is written if the task is no longer
	// pending.
	CompleteTask(ctx context.Context, id string, completedAt time.Time, products []Product) error

	// LatestTask returns the most recently created task for
	// (user, channel), any status, or ErrNotFound.
	LatestTask(ctx context.Context, userID, channel string) (Task, error)

	// LatestCompletedTask returns the user's most recently completed
	// task ordered by completion time, or ErrNotFound.
	LatestCompletedTask(ctx context.Context, userID string) (Task, error)

	ProductsByTask(ctx context.Context, taskID string) ([]StoredProduct, error)

	// RandomProducts returns a uniform random sample of previously
	// persisted products, at most limit entries.
	RandomProducts(ctx context.Context, limit int) ([]StoredProduct, error)
}

// Scorer ranks keyword candidates from a user's behavior history. The
// underlying model is an external collaborator; implementations only adapt
// its output.
type Scorer interface {
	Score(ctx context.Context, behaviors []Behavior) ([]string, error)
}

// Searcher performs one keyword lookup against the external shopping
// surface. Implementations never return an error: failures degrade to an
// empty result.
type Searcher interface {
	Search(ctx context.Context, keyword string) []Product
}

// Publisher pushes task lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts (debug page snapshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
