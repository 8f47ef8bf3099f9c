package bdd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cucumber/godog"

	"github.com/dishcart/dishcart/internal/api"
	"github.com/dishcart/dishcart/internal/cart"
)

func (w *ShoppingWorld) registerCartSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the session has carts:$`, w.sessionHasCarts)
	sc.Step(`^I remove item (\d+) from "([^"]+)"$`, w.removeItem)
	sc.Step(`^removing item (\d+) from "([^"]+)" fails because the index is out of range$`, w.removeItemOutOfRange)
	sc.Step(`^removing item (\d+) from "([^"]+)" fails because the platform is unknown$`, w.removeItemUnknownPlatform)
	sc.Step(`^the cart for "([^"]+)" has (\d+) items totaling ([0-9.]+)$`, w.assertPlatformCart)
	sc.Step(`^the overall totals are (\d+) items and ([0-9.]+)$`, w.assertOverallTotals)
	sc.Step(`^"([^"]+)" has (\d+) staged removals$`, w.assertStagedRemovals)
	sc.Step(`^the staged changes are applied$`, w.applyStagedChanges)
	sc.Step(`^the backend received (\d+) saved diffs for "([^"]+)"$`, w.assertBackendSavedDiffs)
}

// sessionHasCarts seeds the backend from a table with columns
// platform | item | quantity | price, one row per item, and loads the engine.
func (w *ShoppingWorld) sessionHasCarts(table *godog.Table) error {
	rows, err := tableToMaps(table)
	if err != nil {
		return err
	}

	var carts []api.PlatformCart
	index := make(map[string]int)
	for _, row := range rows {
		platform := row["platform"]
		qty, err := strconv.Atoi(row["quantity"])
		if err != nil {
			return fmt.Errorf("invalid quantity for %s: %w", row["item"], err)
		}
		price, err := strconv.ParseFloat(row["price"], 64)
		if err != nil {
			return fmt.Errorf("invalid price for %s: %w", row["item"], err)
		}

		i, ok := index[platform]
		if !ok {
			i = len(carts)
			index[platform] = i
			carts = append(carts, api.PlatformCart{Platform: platform})
		}
		carts[i].Items = append(carts[i].Items, api.CartItem{Name: row["item"], Quantity: qty, Price: price})
		carts[i].ItemCount += qty
		carts[i].Subtotal += price * float64(qty)
	}

	w.backend.SeedCarts(w.sessionID, carts)
	if err := w.engine.Load(context.Background(), w.sessionID); err != nil {
		return fmt.Errorf("load carts: %w", err)
	}
	w.debugf("seeded %d carts for session %s", len(carts), w.sessionID)
	return nil
}

func (w *ShoppingWorld) removeItem(index int, platform string) error {
	item, err := w.engine.RemoveItem(platform, index)
	if err != nil {
		return err
	}
	w.debugf("removed %q from %s", item.Name, platform)
	return nil
}

func (w *ShoppingWorld) removeItemOutOfRange(index int, platform string) error {
	_, err := w.engine.RemoveItem(platform, index)
	if !errors.Is(err, cart.ErrIndexOutOfRange) {
		return fmt.Errorf("expected index-out-of-range, got %v", err)
	}
	return nil
}

func (w *ShoppingWorld) removeItemUnknownPlatform(index int, platform string) error {
	_, err := w.engine.RemoveItem(platform, index)
	if !errors.Is(err, cart.ErrUnknownPlatform) {
		return fmt.Errorf("expected unknown-platform, got %v", err)
	}
	return nil
}

func (w *ShoppingWorld) assertPlatformCart(platform string, items int, total string) error {
	want, err := strconv.ParseFloat(total, 64)
	if err != nil {
		return err
	}
	for _, c := range w.engine.Snapshot().Carts {
		if c.Platform != platform {
			continue
		}
		if c.ItemCount != items {
			return fmt.Errorf("%s has %d items, want %d", platform, c.ItemCount, items)
		}
		if math.Abs(c.Subtotal-want) > 0.001 {
			return fmt.Errorf("%s subtotal %.2f, want %.2f", platform, c.Subtotal, want)
		}
		return nil
	}
	return fmt.Errorf("no cart for platform %s", platform)
}

func (w *ShoppingWorld) assertOverallTotals(items int, total string) error {
	want, err := strconv.ParseFloat(total, 64)
	if err != nil {
		return err
	}
	snap := w.engine.Snapshot()
	if snap.TotalItems != items {
		return fmt.Errorf("total items %d, want %d", snap.TotalItems, items)
	}
	if math.Abs(snap.TotalAmount-want) > 0.001 {
		return fmt.Errorf("total amount %.2f, want %.2f", snap.TotalAmount, want)
	}
	return nil
}

func (w *ShoppingWorld) assertStagedRemovals(platform string, count int) error {
	diffs := w.engine.PendingDiffs(platform)
	if len(diffs) != count {
		return fmt.Errorf("%s has %d staged removals, want %d", platform, len(diffs), count)
	}
	return nil
}

func (w *ShoppingWorld) applyStagedChanges() error {
	return w.coord.ApplyChanges(context.Background(), w.sessionID)
}

func (w *ShoppingWorld) assertBackendSavedDiffs(count int, platform string) error {
	// The dev backend consumes saved diffs when they are applied, so a fully
	// applied platform shows zero and totals prove the removals instead.
	got := len(w.backend.SavedDiffs(w.sessionID, platform))
	if got != count {
		return fmt.Errorf("backend holds %d diffs for %s, want %d", got, platform, count)
	}
	return nil
}

func tableToMaps(table *godog.Table) ([]map[string]string, error) {
	if len(table.Rows) < 2 {
		return nil, fmt.Errorf("table needs a header row and at least one data row")
	}
	header := table.Rows[0]
	var out []map[string]string
	for _, row := range table.Rows[1:] {
		if len(row.Cells) != len(header.Cells) {
			return nil, fmt.Errorf("row has %d cells, header has %d", len(row.Cells), len(header.Cells))
		}
		m := make(map[string]string, len(header.Cells))
		for i, cell := range row.Cells {
			m[header.Cells[i].Value] = cell.Value
		}
		out = append(out, m)
	}
	return out, nil
}
