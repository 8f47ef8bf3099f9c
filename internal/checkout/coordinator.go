package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/dishcart/dishcart/internal/api"
)

// State of the checkout flow. The only forward path is
// Reviewing -> Applying -> Reviewing -> Paying -> Complete; failures drop
// back to Reviewing.
type State string

const (
	StateReviewing State = "reviewing"
	StateApplying  State = "applying"
	StatePaying    State = "paying"
	StateComplete  State = "complete"
)

var (
	// ErrPendingDiffs blocks payment while local edits are still staged.
	ErrPendingDiffs = errors.New("cart has unapplied changes")
	// ErrPaymentInFlight rejects a second concurrent payment attempt.
	ErrPaymentInFlight = errors.New("payment already in progress")
	// ErrAlreadyPaid rejects payment after a confirmed transaction exists.
	ErrAlreadyPaid = errors.New("session already paid")
	// ErrApplyInFlight rejects overlapping apply attempts.
	ErrApplyInFlight = errors.New("diff application already in progress")
)

// PaymentClient is the slice of the backend client the coordinator needs.
type PaymentClient interface {
	Checkout(ctx context.Context, sessionID, idempotencyKey string) (*api.Transaction, error)
}

// Cart is the view of the reconciliation engine the coordinator depends on.
type Cart interface {
	HasPendingDiffs() bool
	ApplyDiffs(ctx context.Context) error
}

// Coordinator sequences diff application and payment for one session.
// Unapplied local changes can never be paid against, and payment attempts
// are serialized: at any moment the client either holds a confirmed
// transaction or it does not.
type Coordinator struct {
	client PaymentClient
	cart   Cart
	logger *log.Logger

	mu      sync.Mutex
	state   State
	tx      *api.Transaction
	idemKey string
}

// NewCoordinator starts in Reviewing.
func NewCoordinator(client PaymentClient, cart Cart, logger *log.Logger) *Coordinator {
	return &Coordinator{
		client: client,
		cart:   cart,
		logger: logger,
		state:  StateReviewing,
	}
}

// State returns the current flow state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transaction returns the confirmed transaction, or nil before Complete.
func (c *Coordinator) Transaction() *api.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	copied := *c.tx
	return &copied
}

// ApplyChanges pushes staged cart edits through the engine. On failure the
// flow returns to Reviewing with the diffs still pending so the user can
// retry.
func (c *Coordinator) ApplyChanges(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	switch c.state {
	case StateApplying:
		c.mu.Unlock()
		return ErrApplyInFlight
	case StatePaying:
		c.mu.Unlock()
		return ErrPaymentInFlight
	case StateComplete:
		c.mu.Unlock()
		return ErrAlreadyPaid
	}
	c.state = StateApplying
	c.mu.Unlock()

	err := c.cart.ApplyDiffs(ctx)

	c.mu.Lock()
	c.state = StateReviewing
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("apply changes: %w", err)
	}
	c.logger.Printf("[Checkout %s] cart changes applied", sessionID)
	return nil
}

// Pay completes the transaction. Pending diffs must be applied first; a
// failed payment returns the flow to Reviewing and is never retried by the
// coordinator itself. The idempotency key is minted once per coordinator so
// a user-driven retry of a failed attempt cannot charge twice.
func (c *Coordinator) Pay(ctx context.Context, sessionID string) (*api.Transaction, error) {
	c.mu.Lock()
	switch c.state {
	case StateComplete:
		c.mu.Unlock()
		return nil, ErrAlreadyPaid
	case StatePaying, StateApplying:
		c.mu.Unlock()
		return nil, ErrPaymentInFlight
	}
	if c.cart.HasPendingDiffs() {
		c.mu.Unlock()
		return nil, ErrPendingDiffs
	}
	if c.idemKey == "" {
		c.idemKey = uuid.NewString()
	}
	key := c.idemKey
	c.state = StatePaying
	c.mu.Unlock()

	tx, err := c.client.Checkout(ctx, sessionID, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateReviewing
		return nil, fmt.Errorf("pay: %w", err)
	}
	c.state = StateComplete
	c.tx = tx
	c.logger.Printf("[Checkout %s] payment complete, transaction %s, total %.2f",
		sessionID, tx.TransactionID, tx.TotalAmount)
	copied := *tx
	return &copied, nil
}
