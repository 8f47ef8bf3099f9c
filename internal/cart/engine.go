package cart

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/dishcart/dishcart/internal/api"
)

var (
	// ErrUnknownPlatform reports a removal against a platform the session
	// has no cart for.
	ErrUnknownPlatform = errors.New("unknown platform")
	// ErrIndexOutOfRange reports a removal index that does not refer to the
	// current item list.
	ErrIndexOutOfRange = errors.New("item index out of range")
	// ErrNotLoaded reports an edit before any cart state was fetched.
	ErrNotLoaded = errors.New("cart state not loaded")
)

// StatusClient is the slice of the backend client the engine needs.
type StatusClient interface {
	CartStatus(ctx context.Context, sessionID string) (*api.CartStatus, error)
	SaveCartDiffs(ctx context.Context, sessionID, platform string, diffs []api.CartDiff) error
	ApplyDiffs(ctx context.Context, sessionID string) error
}

// Snapshot is a consistent view of all cart state: per-platform carts plus
// the aggregate totals, equal by construction to the sum over the carts.
type Snapshot struct {
	Carts       []api.PlatformCart
	TotalItems  int
	TotalAmount float64
}

// Engine holds the server-confirmed per-platform carts, stages local
// removals as pending diffs, and drives their submission. The engine is the
// only writer of cart state; one lock makes every mutation atomic from a
// reader's point of view, so totals and item lists never disagree.
type Engine struct {
	client StatusClient
	logger *log.Logger

	mu             sync.Mutex
	sessionID      string
	loaded         bool
	carts          []api.PlatformCart
	totalItems     int
	totalAmount    float64
	pending        map[string][]api.CartDiff
	diffsSubmitted bool
}

// NewEngine builds an empty engine. Load seeds it with server state.
func NewEngine(client StatusClient, logger *log.Logger) *Engine {
	return &Engine{
		client:  client,
		logger:  logger,
		pending: make(map[string][]api.CartDiff),
	}
}

// Load fetches current cart status and fully replaces local state, including
// any staged diffs. Calling Load again after edits are staged is a re-seed
// that discards them; callers are expected to load once per review screen.
func (e *Engine) Load(ctx context.Context, sessionID string) error {
	status, err := e.client.CartStatus(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load cart state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionID = sessionID
	e.loaded = true
	e.carts = copyCarts(status.Carts)
	e.totalItems = status.TotalItems
	e.totalAmount = status.TotalAmount
	e.pending = make(map[string][]api.CartDiff)
	e.diffsSubmitted = false

	e.logger.Printf("[Cart Engine %s] loaded %d carts, %d items, total %.2f",
		sessionID, len(e.carts), e.totalItems, e.totalAmount)
	return nil
}

// Snapshot returns a deep copy of the current cart state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Carts:       copyCarts(e.carts),
		TotalItems:  e.totalItems,
		TotalAmount: e.totalAmount,
	}
}

// RemoveItem stages removal of the item at index in platform's cart. The
// index refers to the list as it stands now, after any prior removals. The
// diff append, the item splice and both the platform and aggregate total
// updates happen under one lock so no reader can observe them half-done.
// Confirmation of the removal is the caller's concern.
func (e *Engine) RemoveItem(platform string, index int) (api.CartItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return api.CartItem{}, ErrNotLoaded
	}

	ci := -1
	for i := range e.carts {
		if e.carts[i].Platform == platform {
			ci = i
			break
		}
	}
	if ci < 0 {
		return api.CartItem{}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	c := &e.carts[ci]
	if index < 0 || index >= len(c.Items) {
		return api.CartItem{}, fmt.Errorf("%w: %d of %d in %s", ErrIndexOutOfRange, index, len(c.Items), platform)
	}

	item := c.Items[index]
	e.pending[platform] = append(e.pending[platform], api.CartDiff{Action: api.DiffRemove, Item: item})

	c.Items = append(c.Items[:index], c.Items[index+1:]...)
	c.ItemCount -= item.Quantity
	c.Subtotal -= item.Price * float64(item.Quantity)
	e.totalItems -= item.Quantity
	e.totalAmount -= item.Price * float64(item.Quantity)

	e.logger.Printf("[Cart Engine %s] staged removal of %q from %s (%d items, %.2f remaining)",
		e.sessionID, item.Name, platform, c.ItemCount, c.Subtotal)
	return item, nil
}

// HasPendingDiffs reports whether any platform has staged, unsubmitted edits.
func (e *Engine) HasPendingDiffs() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, diffs := range e.pending {
		if len(diffs) > 0 {
			return true
		}
	}
	return false
}

// PendingDiffs returns a copy of the staged diffs for one platform.
func (e *Engine) PendingDiffs(platform string) []api.CartDiff {
	e.mu.Lock()
	defer e.mu.Unlock()
	diffs := e.pending[platform]
	out := make([]api.CartDiff, len(diffs))
	copy(out, diffs)
	return out
}

// DiffsSubmitted reports whether this session has ever pushed diffs to the
// backend. The checkout flow needs this memory even after the pending lists
// are cleared.
func (e *Engine) DiffsSubmitted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.diffsSubmitted
}

// ApplyDiffs submits every platform's staged diffs and then asks the backend
// to apply them. With nothing staged it is a no-op and issues no request.
// A platform's pending list is cleared only once its submission succeeds;
// the first failure stops the pass and is returned, leaving that platform
// dirty for retry. Platforms that already went through stay submitted; there
// is no rollback across platforms.
func (e *Engine) ApplyDiffs(ctx context.Context) error {
	e.mu.Lock()
	sessionID := e.sessionID
	batch := make(map[string][]api.CartDiff, len(e.pending))
	platforms := make([]string, 0, len(e.pending))
	// Cart order keeps submissions deterministic.
	for _, c := range e.carts {
		if len(e.pending[c.Platform]) > 0 {
			platforms = append(platforms, c.Platform)
			batch[c.Platform] = e.pending[c.Platform]
		}
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	for _, platform := range platforms {
		diffs := batch[platform]
		if err := e.client.SaveCartDiffs(ctx, sessionID, platform, diffs); err != nil {
			return fmt.Errorf("submit diffs for %s: %w", platform, err)
		}
		e.mu.Lock()
		// Clear only what this pass submitted. A removal staged while the
		// request was in flight sits past the snapshot length and must stay
		// pending. Between snapshot and here the list can only grow or be
		// reset by Load, which discards staged diffs wholesale.
		if current := e.pending[platform]; len(current) >= len(diffs) {
			if remaining := current[len(diffs):]; len(remaining) == 0 {
				delete(e.pending, platform)
			} else {
				e.pending[platform] = append([]api.CartDiff(nil), remaining...)
			}
		}
		e.diffsSubmitted = true
		e.mu.Unlock()
		e.logger.Printf("[Cart Engine %s] submitted %d diffs for %s", sessionID, len(diffs), platform)
	}

	if err := e.client.ApplyDiffs(ctx, sessionID); err != nil {
		return fmt.Errorf("apply diffs: %w", err)
	}
	e.logger.Printf("[Cart Engine %s] diffs applied", sessionID)
	return nil
}

func copyCarts(carts []api.PlatformCart) []api.PlatformCart {
	out := make([]api.PlatformCart, len(carts))
	for i, c := range carts {
		items := make([]api.CartItem, len(c.Items))
		copy(items, c.Items)
		c.Items = items
		out[i] = c
	}
	return out
}
