package poller

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dishcart/dishcart/internal/api"
)

// scriptedClient serves a fixed sequence of responses and counts requests.
type scriptedClient struct {
	mu        sync.Mutex
	responses []response
	requests  int

	// block, when set, holds every request until released.
	block   chan struct{}
	release chan struct{}
}

type response struct {
	status    string
	platforms map[string]api.PlatformProgress
	err       error
}

func (c *scriptedClient) JobStatus(ctx context.Context, jobID string) (*api.JobStatus, error) {
	c.mu.Lock()
	i := c.requests
	c.requests++
	block := c.block
	c.mu.Unlock()

	if block != nil {
		block <- struct{}{}
		<-c.release
	}

	if i >= len(c.responses) {
		return nil, errors.New("script exhausted")
	}
	r := c.responses[i]
	if r.err != nil {
		return nil, r.err
	}
	return &api.JobStatus{JobID: jobID, Status: r.status, Platforms: r.platforms}, nil
}

func (c *scriptedClient) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitDone(t *testing.T, w *Watcher) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not finish")
	}
}

func TestPollsUntilTerminalStatus(t *testing.T) {
	client := &scriptedClient{responses: []response{
		{status: api.JobPending},
		{status: api.JobRunning},
		{status: api.JobRunning},
		{status: api.JobSuccess},
	}}

	w := Watch(client, "J1", time.Millisecond, testLogger())
	waitDone(t, w)

	require.Equal(t, 4, client.requestCount())
	require.NoError(t, w.Err())
	latest := w.Latest()
	require.NotNil(t, latest)
	require.Equal(t, api.JobSuccess, latest.Status)

	// Terminal means terminal: nothing further fires.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 4, client.requestCount())
}

func TestErrorStatusIsTerminal(t *testing.T) {
	client := &scriptedClient{responses: []response{
		{status: api.JobPending},
		{status: api.JobError},
	}}

	w := Watch(client, "J1", time.Millisecond, testLogger())
	waitDone(t, w)

	require.Equal(t, 2, client.requestCount())
	require.Equal(t, api.JobError, w.Latest().Status)
}

func TestRequestFailureStopsTheChain(t *testing.T) {
	client := &scriptedClient{responses: []response{
		{status: api.JobPending},
		{err: errors.New("connection refused")},
	}}

	w := Watch(client, "J1", time.Millisecond, testLogger())
	waitDone(t, w)

	require.Equal(t, 2, client.requestCount())
	require.ErrorContains(t, w.Err(), "connection refused")
	// The last good snapshot survives the failure.
	require.Equal(t, api.JobPending, w.Latest().Status)

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, client.requestCount())
}

func TestEmptyJobIDDoesNothing(t *testing.T) {
	client := &scriptedClient{}

	w := Watch(client, "", time.Millisecond, testLogger())
	waitDone(t, w)

	require.Zero(t, client.requestCount())
	require.Nil(t, w.Latest())
	w.Stop()
}

func TestStopDiscardsInFlightResponse(t *testing.T) {
	client := &scriptedClient{
		responses: []response{{status: api.JobRunning}},
		block:     make(chan struct{}),
		release:   make(chan struct{}),
	}

	w := Watch(client, "J1", time.Millisecond, testLogger())

	// Wait for the request to be in flight, stop the watcher, then let the
	// response land.
	<-client.block
	w.Stop()
	close(client.release)
	waitDone(t, w)

	require.Nil(t, w.Latest())
	require.Equal(t, 1, client.requestCount())
}

func TestLatestSnapshotsDoNotShareState(t *testing.T) {
	client := &scriptedClient{responses: []response{
		{status: api.JobSuccess, platforms: map[string]api.PlatformProgress{
			"instacart": {Status: "completed", ItemsFound: 4},
		}},
	}}

	w := Watch(client, "J1", time.Millisecond, testLogger())
	waitDone(t, w)

	first := w.Latest()
	require.NotNil(t, first)
	first.Platforms["instacart"] = api.PlatformProgress{Status: "tampered"}

	fresh := w.Latest()
	require.Equal(t, "completed", fresh.Platforms["instacart"].Status)
	require.Equal(t, 4, fresh.Platforms["instacart"].ItemsFound)
}

func TestUpdatesStreamSnapshots(t *testing.T) {
	client := &scriptedClient{responses: []response{
		{status: api.JobPending},
		{status: api.JobSuccess},
	}}

	w := Watch(client, "J1", time.Millisecond, testLogger())

	var seen []string
	for status := range w.Updates() {
		seen = append(seen, status.Status)
	}
	require.Equal(t, []string{api.JobPending, api.JobSuccess}, seen)
}
