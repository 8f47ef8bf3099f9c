package devbackend

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dishcart/dishcart/internal/api"
	"github.com/dishcart/dishcart/internal/auth"
)

func newTestBackend(t *testing.T) (*Server, *api.Client) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	backend := New(logger, Options{StepDelay: 0})
	srv := httptest.NewServer(backend.Router())
	t.Cleanup(srv.Close)
	client := api.NewClient(srv.URL, auth.StaticTokenSource{}, 5*time.Second)
	return backend, client
}

func seededCarts() []api.PlatformCart {
	return []api.PlatformCart{
		{
			Platform: "instacart",
			Items: []api.CartItem{
				{Name: "Eggs", Quantity: 1, Price: 3.99},
				{Name: "Milk", Quantity: 2, Price: 2.50},
			},
			Subtotal:  8.99,
			ItemCount: 3,
		},
		{
			Platform:  "ubereats",
			Items:     []api.CartItem{{Name: "Bread", Quantity: 1, Price: 4.25}},
			Subtotal:  4.25,
			ItemCount: 1,
		},
	}
}

func TestRecipeCreatesSession(t *testing.T) {
	_, client := newTestBackend(t)

	result, err := client.RecipeSearch(context.Background(), "eggs milk")
	require.NoError(t, err)
	require.NotEmpty(t, result.SessionID)
	require.Equal(t, "eggs milk", result.RecipeName)
	require.Len(t, result.Ingredients, 2)
}

func TestFulfillmentJobRunsToSuccess(t *testing.T) {
	_, client := newTestBackend(t)

	result, err := client.RecipeSearch(context.Background(), "eggs milk bread")
	require.NoError(t, err)

	jobID, err := client.StartFulfillment(context.Background(), result.SessionID,
		result.Ingredients, []string{"instacart", "ubereats"})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		status, err := client.JobStatus(context.Background(), jobID)
		return err == nil && status.Status == api.JobSuccess
	}, 5*time.Second, 10*time.Millisecond)

	// The scripted job fills a cart per platform.
	carts, err := client.CartStatus(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.Len(t, carts.Carts, 2)
	require.Positive(t, carts.TotalItems)
	require.Positive(t, carts.TotalAmount)
}

func TestCartStatusAggregatesSeededCarts(t *testing.T) {
	backend, client := newTestBackend(t)
	sessionID := backend.CreateSession()
	backend.SeedCarts(sessionID, seededCarts())

	status, err := client.CartStatus(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, 4, status.TotalItems)
	require.InDelta(t, 13.24, status.TotalAmount, 0.001)
}

func TestApplyDiffsRemovesItemsByName(t *testing.T) {
	backend, client := newTestBackend(t)
	sessionID := backend.CreateSession()
	backend.SeedCarts(sessionID, seededCarts())

	diffs := []api.CartDiff{{Action: api.DiffRemove, Item: api.CartItem{Name: "Eggs", Quantity: 1, Price: 3.99}}}
	require.NoError(t, client.SaveCartDiffs(context.Background(), sessionID, "instacart", diffs))
	require.Len(t, backend.SavedDiffs(sessionID, "instacart"), 1)

	require.NoError(t, client.ApplyDiffs(context.Background(), sessionID))

	status, err := client.CartStatus(context.Background(), sessionID)
	require.NoError(t, err)
	require.Equal(t, 3, status.TotalItems)
	require.InDelta(t, 9.25, status.TotalAmount, 0.001)

	// Applying consumed the saved diffs.
	require.Empty(t, backend.SavedDiffs(sessionID, "instacart"))
}

func TestCheckoutIsIdempotentPerSession(t *testing.T) {
	backend, client := newTestBackend(t)
	sessionID := backend.CreateSession()
	backend.SeedCarts(sessionID, seededCarts())

	first, err := client.Checkout(context.Background(), sessionID, "key-1")
	require.NoError(t, err)
	require.InDelta(t, 13.24, first.TotalAmount, 0.001)
	require.Len(t, first.Platforms, 2)

	second, err := client.Checkout(context.Background(), sessionID, "key-1")
	require.NoError(t, err)
	require.Equal(t, first.TransactionID, second.TransactionID)
}

func TestUnknownSessionReturnsDetailError(t *testing.T) {
	_, client := newTestBackend(t)

	_, err := client.CartStatus(context.Background(), "does-not-exist")
	require.Error(t, err)

	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 404, apiErr.Status)
	require.Equal(t, "session not found", apiErr.Detail)
}
