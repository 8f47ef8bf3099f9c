package bdd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cucumber/godog"

	"github.com/dishcart/dishcart/internal/checkout"
)

func (w *ShoppingWorld) registerCheckoutSteps(sc *godog.ScenarioContext) {
	sc.Step(`^I pay for the order$`, w.payForOrder)
	sc.Step(`^payment is rejected because changes are still pending$`, w.assertPaymentBlockedByPendingDiffs)
	sc.Step(`^payment is rejected because the session is already paid$`, w.assertPaymentAlreadyPaid)
	sc.Step(`^payment succeeds with total ([0-9.]+)$`, w.assertPaymentTotal)
	sc.Step(`^the checkout state is "([^"]+)"$`, w.assertCheckoutState)
	sc.Step(`^the transaction splits by platform:$`, w.assertTransactionSplit)
}

func (w *ShoppingWorld) payForOrder() error {
	w.tx, w.lastErr = w.coord.Pay(context.Background(), w.sessionID)
	return nil
}

func (w *ShoppingWorld) assertPaymentBlockedByPendingDiffs() error {
	if !errors.Is(w.lastErr, checkout.ErrPendingDiffs) {
		return fmt.Errorf("expected pending-diffs rejection, got %v", w.lastErr)
	}
	if w.tx != nil {
		return fmt.Errorf("unexpected transaction %s", w.tx.TransactionID)
	}
	return nil
}

func (w *ShoppingWorld) assertPaymentAlreadyPaid() error {
	if !errors.Is(w.lastErr, checkout.ErrAlreadyPaid) {
		return fmt.Errorf("expected already-paid rejection, got %v", w.lastErr)
	}
	return nil
}

func (w *ShoppingWorld) assertPaymentTotal(total string) error {
	want, err := strconv.ParseFloat(total, 64)
	if err != nil {
		return err
	}
	if w.lastErr != nil {
		return fmt.Errorf("payment failed: %w", w.lastErr)
	}
	if w.tx == nil {
		return fmt.Errorf("no transaction recorded")
	}
	if math.Abs(w.tx.TotalAmount-want) > 0.001 {
		return fmt.Errorf("transaction total %.2f, want %.2f", w.tx.TotalAmount, want)
	}
	return nil
}

func (w *ShoppingWorld) assertCheckoutState(state string) error {
	if got := string(w.coord.State()); got != state {
		return fmt.Errorf("checkout state %q, want %q", got, state)
	}
	return nil
}

func (w *ShoppingWorld) assertTransactionSplit(table *godog.Table) error {
	if w.tx == nil {
		return fmt.Errorf("no transaction recorded")
	}
	rows, err := tableToMaps(table)
	if err != nil {
		return err
	}
	for _, row := range rows {
		want, err := strconv.ParseFloat(row["subtotal"], 64)
		if err != nil {
			return fmt.Errorf("invalid subtotal for %s: %w", row["platform"], err)
		}
		found := false
		for _, pt := range w.tx.Platforms {
			if pt.Platform != row["platform"] {
				continue
			}
			found = true
			if math.Abs(pt.Subtotal-want) > 0.001 {
				return fmt.Errorf("%s share %.2f, want %.2f", pt.Platform, pt.Subtotal, want)
			}
		}
		if !found {
			return fmt.Errorf("transaction has no share for %s", row["platform"])
		}
	}
	return nil
}
