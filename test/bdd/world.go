package bdd

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"github.com/dishcart/dishcart/internal/api"
	"github.com/dishcart/dishcart/internal/auth"
	"github.com/dishcart/dishcart/internal/cart"
	"github.com/dishcart/dishcart/internal/checkout"
	"github.com/dishcart/dishcart/internal/devbackend"
)

// ShoppingWorld wires a scenario against an in-process dev backend. Each
// scenario gets a fresh backend, session, cart engine and coordinator.
type ShoppingWorld struct {
	t *testing.T

	backend *devbackend.Server
	srv     *httptest.Server
	client  *api.Client
	engine  *cart.Engine
	coord   *checkout.Coordinator

	sessionID string
	lastErr   error
	tx        *api.Transaction
}

func NewShoppingWorld(t *testing.T) *ShoppingWorld {
	return &ShoppingWorld{t: t}
}

func (w *ShoppingWorld) Register(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		w.startScenario()
		return ctx, nil
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		if w.srv != nil {
			w.srv.Close()
			w.srv = nil
		}
		return ctx, nil
	})

	w.registerCartSteps(sc)
	w.registerCheckoutSteps(sc)
}

func (w *ShoppingWorld) startScenario() {
	logger := log.New(io.Discard, "", 0)

	w.backend = devbackend.New(logger, devbackend.Options{StepDelay: 0})
	w.srv = httptest.NewServer(w.backend.Router())
	w.client = api.NewClient(w.srv.URL, auth.StaticTokenSource{}, 5*time.Second)

	w.sessionID = w.backend.CreateSession()
	w.engine = cart.NewEngine(w.client, logger)
	w.coord = checkout.NewCoordinator(w.client, w.engine, logger)

	w.lastErr = nil
	w.tx = nil
}

func (w *ShoppingWorld) debugf(format string, args ...any) {
	if testing.Verbose() {
		w.t.Logf(format, args...)
	}
}
