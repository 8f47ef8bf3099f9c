package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"github.com/dishcart/dishcart/internal/api"
	"github.com/dishcart/dishcart/internal/auth"
	"github.com/dishcart/dishcart/internal/cart"
	"github.com/dishcart/dishcart/internal/checkout"
	appconfig "github.com/dishcart/dishcart/internal/config"
	"github.com/dishcart/dishcart/internal/history"
	"github.com/dishcart/dishcart/internal/poller"
	"github.com/dishcart/dishcart/internal/secrets"
	"github.com/dishcart/dishcart/internal/stream"
	"github.com/dishcart/dishcart/internal/telemetry"
)

// graceDelay lets trailing progress frames land after job completion before
// the flow moves on to cart review.
const graceDelay = 2 * time.Second

type runFlags struct {
	query     string
	platforms []string
	removals  []removal
	autoYes   bool
}

// removal is one staged edit requested on the command line, e.g.
// -remove instacart:0. Indexes refer to the cart as it stands when the
// removal is applied, one at a time.
type removal struct {
	platform string
	index    int
}

func main() {
	_ = godotenv.Load()
	if err := secrets.Bootstrap(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "secrets bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		flags, err := parseRunFlags(os.Args[2:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		runApp(func(deps appDeps, shutdowner fx.Shutdowner) {
			go func() {
				if err := runFlow(context.Background(), deps, flags); err != nil {
					deps.Logger.Printf("flow failed: %v", err)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()
		})
	case "history":
		runApp(func(deps appDeps, shutdowner fx.Shutdowner) {
			go func() {
				if err := showHistory(context.Background(), deps); err != nil {
					deps.Logger.Printf("history failed: %v", err)
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()
		})
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  dishcart run "<recipe>" [-platforms instacart,ubereats] [-remove platform:index ...] [-yes]
  dishcart history`)
}

type appDeps struct {
	fx.In

	Config  appconfig.Config
	Logger  *log.Logger
	Client  *api.Client
	History *history.Store
}

func runApp(invoke func(appDeps, fx.Shutdowner)) {
	app := fx.New(
		fx.NopLogger,
		fx.Provide(
			appconfig.Load,
			newLogger,
			newAPIClient,
			newHistoryStore,
		),
		fx.Invoke(
			setupTelemetry,
			func(lc fx.Lifecycle, deps appDeps, shutdowner fx.Shutdowner) {
				lc.Append(fx.Hook{OnStart: func(context.Context) error {
					invoke(deps, shutdowner)
					return nil
				}})
			},
		),
	)
	app.Run()
}

func newLogger(cfg appconfig.Config) *log.Logger {
	prefix := fmt.Sprintf("[%s] ", cfg.ServiceName)
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

func newAPIClient(cfg appconfig.Config) *api.Client {
	return api.NewClient(cfg.API.BaseURL, auth.StaticTokenSource{Value: cfg.API.Token}, cfg.API.Timeout)
}

func newHistoryStore(lc fx.Lifecycle, cfg appconfig.Config) (*history.Store, error) {
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		return store.Close()
	}})
	return store, nil
}

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config) {
	var cleanup func()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			cleanup = telemetry.InitTracer(cfg.ServiceName)
			return nil
		},
		OnStop: func(context.Context) error {
			if cleanup != nil {
				cleanup()
			}
			return nil
		},
	})
}

func parseRunFlags(args []string) (runFlags, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	platforms := fs.String("platforms", "instacart", "comma-separated platform list")
	autoYes := fs.Bool("yes", false, "skip removal confirmations")
	var removeSpecs multiFlag
	fs.Var(&removeSpecs, "remove", "stage a removal as platform:index (repeatable)")

	// flag stops at the first positional, so collect it and keep parsing;
	// recipe words and flags can then appear in any order.
	var words []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return runFlags{}, err
		}
		if fs.NArg() == 0 {
			break
		}
		words = append(words, fs.Arg(0))
		rest = fs.Args()[1:]
	}
	if len(words) == 0 {
		return runFlags{}, fmt.Errorf("run: a recipe query is required")
	}

	flags := runFlags{
		query:   strings.Join(words, " "),
		autoYes: *autoYes,
	}
	for _, p := range strings.Split(*platforms, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			flags.platforms = append(flags.platforms, trimmed)
		}
	}
	for _, spec := range removeSpecs {
		platform, idxStr, ok := strings.Cut(spec, ":")
		if !ok {
			return runFlags{}, fmt.Errorf("run: bad -remove %q, want platform:index", spec)
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return runFlags{}, fmt.Errorf("run: bad -remove index %q: %w", idxStr, err)
		}
		flags.removals = append(flags.removals, removal{platform: platform, index: idx})
	}
	return flags, nil
}

type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

// runFlow drives the whole recipe-to-checkout sequence.
func runFlow(ctx context.Context, deps appDeps, flags runFlags) error {
	logger := deps.Logger
	client := deps.Client

	recipe, err := client.RecipeSearch(ctx, flags.query)
	if err != nil {
		return err
	}
	fmt.Printf("Recipe: %s (%d ingredients), session %s\n", recipe.RecipeName, len(recipe.Ingredients), recipe.SessionID)

	jobID, err := client.StartFulfillment(ctx, recipe.SessionID, recipe.Ingredients, flags.platforms)
	if err != nil {
		return err
	}
	fmt.Printf("Fulfillment job %s started on %s\n", jobID, strings.Join(flags.platforms, ", "))

	if err := watchJob(ctx, deps, recipe.SessionID, jobID); err != nil {
		return err
	}

	engine := cart.NewEngine(client, logger)
	if err := engine.Load(ctx, recipe.SessionID); err != nil {
		return err
	}
	printCarts(engine.Snapshot())

	reader := bufio.NewReader(os.Stdin)
	for _, rm := range flags.removals {
		snap := engine.Snapshot()
		name, ok := itemName(snap, rm.platform, rm.index)
		if !ok {
			return fmt.Errorf("no item at %s:%d", rm.platform, rm.index)
		}
		if !flags.autoYes && !confirm(reader, fmt.Sprintf("Remove %q from %s?", name, rm.platform)) {
			fmt.Printf("Kept %q\n", name)
			continue
		}
		item, err := engine.RemoveItem(rm.platform, rm.index)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %q from %s\n", item.Name, rm.platform)
	}

	coordinator := checkout.NewCoordinator(client, engine, logger)
	if engine.HasPendingDiffs() {
		fmt.Println("Applying cart changes...")
		if err := coordinator.ApplyChanges(ctx, recipe.SessionID); err != nil {
			return err
		}
	}

	snap := engine.Snapshot()
	fmt.Printf("Paying $%.2f...\n", snap.TotalAmount)
	tx, err := coordinator.Pay(ctx, recipe.SessionID)
	if err != nil {
		return err
	}

	fmt.Printf("Payment complete. Transaction %s (ref %s), total $%.2f\n", tx.TransactionID, tx.ReferenceID, tx.TotalAmount)
	for _, p := range tx.Platforms {
		fmt.Printf("  %-12s $%.2f (%d items)\n", p.Platform, p.Subtotal, p.ItemsCount)
	}

	if err := deps.History.Save(ctx, recipe.SessionID, tx); err != nil {
		// History is a convenience; a confirmed payment must not look failed.
		logger.Printf("could not record transaction locally: %v", err)
	}
	return nil
}

// watchJob runs the poller and the progress stream side by side; either
// terminal signal is enough to proceed.
func watchJob(ctx context.Context, deps appDeps, sessionID, jobID string) error {
	logger := deps.Logger

	streamClient := stream.NewClient(deps.Config.Stream.BaseURL, deps.Config.Stream.ReconnectBaseDelay,
		deps.Config.Stream.MaxReconnectAttempts, logger)
	defer streamClient.Disconnect()

	completed := make(chan struct{})
	streamClient.OnMessage(func(ev api.Event) {
		switch ev.Type {
		case api.EventAgentUpdate:
			fmt.Printf("  [%s] %s %s\n", ev.Platform, ev.Status, ev.Message)
		case api.EventJobCompleted:
			select {
			case <-completed:
			default:
				close(completed)
			}
		}
	})
	if err := streamClient.Connect(ctx, sessionID); err != nil {
		// Best effort: the poller alone can still carry the flow.
		logger.Printf("progress stream unavailable: %v", err)
	}

	watcher := poller.Watch(deps.Client, jobID, deps.Config.Poller.Interval, logger)
	defer watcher.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-completed:
			time.Sleep(graceDelay)
			return nil
		case <-watcher.Done():
			if latest := watcher.Latest(); latest != nil {
				if latest.Status == api.JobError {
					return fmt.Errorf("fulfillment failed: %s", latest.Message)
				}
				if latest.Status == api.JobSuccess {
					return nil
				}
			}
			if err := watcher.Err(); err != nil {
				// The stream may still announce completion.
				select {
				case <-completed:
					time.Sleep(graceDelay)
					return nil
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(deps.Config.API.Timeout):
					return fmt.Errorf("watch job: %w", err)
				}
			}
			return nil
		}
	}
}

func printCarts(snap cart.Snapshot) {
	fmt.Printf("\n%d items across %d platforms, total $%.2f\n", snap.TotalItems, len(snap.Carts), snap.TotalAmount)
	for _, c := range snap.Carts {
		fmt.Printf("%s: %d items, $%.2f\n", c.Platform, c.ItemCount, c.Subtotal)
		for i, item := range c.Items {
			fmt.Printf("  %2d. %s x%d @ $%.2f\n", i, item.Name, item.Quantity, item.Price)
		}
	}
}

func itemName(snap cart.Snapshot, platform string, index int) (string, bool) {
	for _, c := range snap.Carts {
		if c.Platform == platform && index >= 0 && index < len(c.Items) {
			return c.Items[index].Name, true
		}
	}
	return "", false
}

func confirm(reader *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func showHistory(ctx context.Context, deps appDeps) error {
	records, err := deps.History.Recent(ctx, 20)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No transactions yet.")
		return nil
	}
	for _, rec := range records {
		fmt.Printf("%s  %s  $%.2f\n", rec.CreatedAt.Format(time.RFC3339), rec.TransactionID, rec.TotalAmount)
		for _, p := range rec.Platforms {
			fmt.Printf("    %-12s $%.2f (%d items)\n", p.Platform, p.Subtotal, p.ItemsCount)
		}
	}
	return nil
}
