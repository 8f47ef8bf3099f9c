package api

import "time"

// Job status values as reported by the backend. The progression is strictly
// forward: pending -> running -> success|error.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobSuccess = "success"
	JobError   = "error"
)

// TerminalJobStatus reports whether no further progress is expected.
func TerminalJobStatus(status string) bool {
	return status == JobSuccess || status == JobError
}

// Ingredient is one line of a parsed recipe.
type Ingredient struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	Category string `json:"category,omitempty"`
}

// RecipeResult is the response to a recipe search. SessionID scopes the rest
// of the shopping flow.
type RecipeResult struct {
	SessionID   string       `json:"session_id"`
	RecipeName  string       `json:"recipe_name"`
	Ingredients []Ingredient `json:"ingredients"`
}

// PlatformProgress is the per-platform slice of a job status snapshot.
type PlatformProgress struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	ItemsFound int    `json:"items_found"`
}

// JobStatus is a read-only snapshot of the fulfillment job. The server owns
// the record; clients only cache it.
type JobStatus struct {
	JobID     string                      `json:"job_id"`
	Status    string                      `json:"status"`
	Message   string                      `json:"message,omitempty"`
	Platforms map[string]PlatformProgress `json:"platforms,omitempty"`
}

// CartItem is one line of a platform cart. Items are identified by position
// in the owning cart, not by any global id.
type CartItem struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Size     string  `json:"size,omitempty"`
}

// PlatformCart holds the server-confirmed cart for one platform.
type PlatformCart struct {
	Platform  string     `json:"platform"`
	Items     []CartItem `json:"items"`
	Subtotal  float64    `json:"subtotal"`
	ItemCount int        `json:"item_count"`
}

// CartStatus aggregates every platform cart for a session.
type CartStatus struct {
	SessionID   string         `json:"session_id"`
	Carts       []PlatformCart `json:"carts"`
	TotalItems  int            `json:"total_items"`
	TotalAmount float64        `json:"total_amount"`
}

// Diff actions. Only removals are staged today.
const DiffRemove = "remove"

// CartDiff is a staged local cart edit awaiting server confirmation.
type CartDiff struct {
	Action string   `json:"action"`
	Item   CartItem `json:"item"`
}

// PlatformTotal is one platform's share of a completed transaction.
type PlatformTotal struct {
	Platform   string  `json:"platform"`
	Subtotal   float64 `json:"subtotal"`
	ItemsCount int     `json:"items_count"`
}

// Transaction is the immutable record returned by checkout.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	TotalAmount   float64         `json:"total_amount"`
	Platforms     []PlatformTotal `json:"platforms"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Progress event types carried on the session event channel.
type EventType string

const (
	EventAgentUpdate  EventType = "agent_update"
	EventJobCompleted EventType = "job_completed"
	EventUnknown      EventType = "unknown"
)

// Event is one frame from the progress stream. Frames whose type the client
// does not recognize come through as EventUnknown rather than being dropped;
// only unparseable frames are discarded. Raw keeps the original frame for
// consumers that need fields beyond the common ones.
type Event struct {
	Type     EventType `json:"type"`
	Platform string    `json:"platform,omitempty"`
	Status   string    `json:"status,omitempty"`
	Message  string    `json:"message,omitempty"`

	Raw []byte `json:"-"`
}
