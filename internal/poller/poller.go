package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dishcart/dishcart/internal/api"
)

// StatusClient is the slice of the backend client the poller needs.
type StatusClient interface {
	JobStatus(ctx context.Context, jobID string) (*api.JobStatus, error)
}

// Watcher polls one job's status at a fixed cadence until the job reaches a
// terminal state or the watcher is stopped. A Watcher is bound to a single
// job id for its whole life; watching a different job means stopping this
// watcher and starting a new one, so two polling chains can never write into
// the same slot.
type Watcher struct {
	client   StatusClient
	jobID    string
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	latest  *api.JobStatus
	lastErr error
	stopped bool

	cancel  context.CancelFunc
	done    chan struct{}
	updates chan api.JobStatus
}

// Watch starts polling jobID every interval. An empty job id yields an inert
// watcher whose Done channel is already closed.
func Watch(client StatusClient, jobID string, interval time.Duration, logger *log.Logger) *Watcher {
	w := &Watcher{
		client:   client,
		jobID:    jobID,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
		updates:  make(chan api.JobStatus, 16),
	}
	if jobID == "" {
		close(w.done)
		close(w.updates)
		return w
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.loop(ctx)
	return w
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	defer close(w.updates)

	for {
		status, err := w.client.JobStatus(ctx, w.jobID)
		if err != nil {
			// No automatic retry of a failed request; only a successful
			// non-terminal response continues the chain.
			if w.record(nil, err) {
				w.logger.Printf("[Job Watcher %s] status request failed: %v", w.jobID, err)
			}
			return
		}

		if !w.record(status, nil) {
			// Stopped while the request was in flight; the late response
			// must not land anywhere.
			return
		}

		if api.TerminalJobStatus(status.Status) {
			w.logger.Printf("[Job Watcher %s] reached terminal status %q", w.jobID, status.Status)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// record stores a snapshot or error, returning false when the watcher was
// already stopped.
func (w *Watcher) record(status *api.JobStatus, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	if err != nil {
		w.lastErr = err
		return true
	}
	copied := cloneStatus(status)
	w.latest = &copied
	select {
	case w.updates <- cloneStatus(status):
	default:
	}
	return true
}

// cloneStatus copies a snapshot including its platform map, so no two holders
// of a snapshot share mutable state.
func cloneStatus(status *api.JobStatus) api.JobStatus {
	copied := *status
	if status.Platforms != nil {
		platforms := make(map[string]api.PlatformProgress, len(status.Platforms))
		for k, v := range status.Platforms {
			platforms[k] = v
		}
		copied.Platforms = platforms
	}
	return copied
}

// Latest returns a copy of the most recent snapshot, or nil before the first
// successful fetch.
func (w *Watcher) Latest() *api.JobStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.latest == nil {
		return nil
	}
	copied := cloneStatus(w.latest)
	return &copied
}

// Err reports the request failure that ended the polling chain, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Updates streams snapshots as they arrive. The channel closes when polling
// ends; slow consumers miss intermediate snapshots rather than stalling the
// loop.
func (w *Watcher) Updates() <-chan api.JobStatus {
	return w.updates
}

// Done closes once polling has ended for any reason.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Stop tears the watcher down. The scheduled continuation is cancelled and
// any in-flight response is discarded.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
}
