package recsys

import "time"

// TaskStatus represents the lifecycle state of a recommendation task.
type TaskStatus string

// Task status values persisted in the task store. Pending is the only
// non-terminal state; terminal states never mutate again.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task is the persisted unit of asynchronous work for one
// recommend-and-scrape request. At most one task per (user_id, channel)
// may be pending at any instant.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Channel     string     `json:"channel"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Product is one scraped shopping listing.
type Product struct {
	Name   string `json:"name"`
	Price  string `json:"price"`
	Seller string `json:"seller"`
	Image  string `json:"image"`
}

// StoredProduct is a Product persisted under a task.
type StoredProduct struct {
	ID     int64  `json:"id"`
	TaskID string `json:"task_id"`
	Product
}

// TaskResult is returned by the status query endpoint.
type TaskResult struct {
	TaskID  string          `json:"task_id"`
	Status  TaskStatus      `json:"status"`
	Channel string          `json:"channel,omitempty"`
	Data    []StoredProduct `json:"data"`
}

// Event classifies a recorded user interaction.
type Event string

// Known behavior events, roughly ordered by purchase intent.
const (
	EventItemView    Event = "item_view"
	EventItemLike    Event = "item_like"
	EventAddToCart   Event = "item_add_to_cart_tap"
	EventOfferMake   Event = "offer_make"
	EventBuyStart    Event = "buy_start"
	EventBuyComplete Event = "buy_comp"
)

// Valid reports whether the event is one of the known kinds.
func (e Event) Valid() bool {
	switch e {
	case EventItemView, EventItemLike, EventAddToCart,
		EventOfferMake, EventBuyStart, EventBuyComplete:
		return true
	default:
		return false
	}
}

// Behavior is a single user interaction with a product.
type Behavior struct {
	Name  string `json:"name"`
	Event Event  `json:"event"`
}
