package stream

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dishcart/dishcart/internal/api"
)

// progressServer is a controllable stand-in for the session event channel.
// It can accept connections (handing them to the test) or reject dials
// outright, and counts both.
type progressServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan []byte

	mu      sync.Mutex
	reject  bool
	accepts int
	rejects int
}

func newProgressServer(t *testing.T) *progressServer {
	s := &progressServer{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan []byte, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.reject {
			s.rejects++
			s.mu.Unlock()
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		s.accepts++
		s.mu.Unlock()

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		// Capture client frames until the connection dies; the test drives
		// server writes and closes through the handle above.
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			s.received <- data
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *progressServer) baseURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *progressServer) setReject(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = v
}

func (s *progressServer) counts() (accepts, rejects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts, s.rejects
}

func (s *progressServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []api.Event
}

func (r *recorder) record(ev api.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []api.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]api.Event, len(r.events))
	copy(out, r.events)
	return out
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestClient(s *progressServer) *Client {
	return NewClient(s.baseURL(), 2*time.Millisecond, 5, testLogger())
}

func TestEventsReachEverySubscriberInOrder(t *testing.T) {
	server := newProgressServer(t)
	client := newTestClient(server)
	defer client.Disconnect()

	var first, second recorder
	client.OnMessage(first.record)
	client.OnMessage(second.record)

	require.NoError(t, client.Connect(context.Background(), "S1"))
	conn := server.nextConn(t)

	send(t, conn, `{"type":"agent_update","platform":"instacart","status":"running"}`)
	send(t, conn, `{"type":"heartbeat"}`)
	send(t, conn, `{"type":"job_completed","status":"success"}`)

	require.Eventually(t, func() bool {
		return len(first.snapshot()) == 3 && len(second.snapshot()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	for _, events := range [][]api.Event{first.snapshot(), second.snapshot()} {
		require.Equal(t, api.EventAgentUpdate, events[0].Type)
		require.Equal(t, "instacart", events[0].Platform)
		require.Equal(t, api.EventUnknown, events[1].Type)
		require.Equal(t, api.EventJobCompleted, events[2].Type)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	server := newProgressServer(t)
	client := newTestClient(server)
	defer client.Disconnect()

	var rec recorder
	client.OnMessage(rec.record)

	require.NoError(t, client.Connect(context.Background(), "S1"))
	conn := server.nextConn(t)

	send(t, conn, `this is not json`)
	send(t, conn, `[1,2,3]`)
	send(t, conn, `{"type":"agent_update","platform":"instacart","status":"running"}`)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, api.EventAgentUpdate, rec.snapshot()[0].Type)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	server := newProgressServer(t)
	client := newTestClient(server)
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background(), "S1"))
	conn := server.nextConn(t)

	// Every reconnect dial will now fail.
	server.setReject(true)
	_ = conn.Close(websocket.StatusInternalError, "backend crashed")

	require.Eventually(t, func() bool {
		_, rejects := server.counts()
		return rejects == 5
	}, 5*time.Second, 5*time.Millisecond)

	// Attempts are exhausted; the client goes quiet.
	time.Sleep(100 * time.Millisecond)
	accepts, rejects := server.counts()
	require.Equal(t, 5, rejects)
	require.Equal(t, 1, accepts)
}

func TestSuccessfulReconnectResetsAttemptCounter(t *testing.T) {
	server := newProgressServer(t)
	client := newTestClient(server)
	defer client.Disconnect()

	var rec recorder
	client.OnMessage(rec.record)

	require.NoError(t, client.Connect(context.Background(), "S1"))
	conn := server.nextConn(t)

	// At least one failed attempt, then the backend comes back.
	server.setReject(true)
	_ = conn.Close(websocket.StatusInternalError, "backend crashed")
	require.Eventually(t, func() bool {
		_, rejects := server.counts()
		return rejects >= 1
	}, 5*time.Second, 5*time.Millisecond)
	server.setReject(false)

	conn = server.nextConn(t)
	send(t, conn, `{"type":"agent_update","platform":"instacart","status":"running"}`)
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	_, rejectsAtRecovery := server.counts()

	// The counter reset on the successful reconnect: a fresh outage gets the
	// full five attempts again, not five minus the earlier failures.
	server.setReject(true)
	_ = conn.Close(websocket.StatusInternalError, "backend crashed again")
	require.Eventually(t, func() bool {
		_, rejects := server.counts()
		return rejects == rejectsAtRecovery+5
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	_, rejects := server.counts()
	require.Equal(t, rejectsAtRecovery+5, rejects)
}

func TestSendWritesClientFrames(t *testing.T) {
	server := newProgressServer(t)
	client := newTestClient(server)
	defer client.Disconnect()

	require.ErrorIs(t, client.Send(map[string]string{"type": "ack"}), ErrNotConnected)

	require.NoError(t, client.Connect(context.Background(), "S1"))
	server.nextConn(t)

	require.NoError(t, client.Send(map[string]string{"type": "ack", "platform": "instacart"}))

	select {
	case frame := <-server.received:
		require.JSONEq(t, `{"type":"ack","platform":"instacart"}`, string(frame))
	case <-time.After(2 * time.Second):
		t.Fatal("no frame arrived")
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	server := newProgressServer(t)
	client := newTestClient(server)

	require.NoError(t, client.Connect(context.Background(), "S1"))
	server.nextConn(t)

	client.Disconnect()

	// The close caused by Disconnect must not schedule a reconnect.
	time.Sleep(100 * time.Millisecond)
	accepts, rejects := server.counts()
	require.Equal(t, 1, accepts)
	require.Zero(t, rejects)
}

func TestConnectReplacesPriorConnection(t *testing.T) {
	server := newProgressServer(t)
	client := newTestClient(server)
	defer client.Disconnect()

	var rec recorder
	client.OnMessage(rec.record)

	require.NoError(t, client.Connect(context.Background(), "S1"))
	server.nextConn(t)

	require.NoError(t, client.Connect(context.Background(), "S1"))
	conn := server.nextConn(t)

	send(t, conn, `{"type":"agent_update","platform":"instacart","status":"running"}`)
	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The replaced connection's close is not an outage; no reconnect fires.
	time.Sleep(100 * time.Millisecond)
	accepts, _ := server.counts()
	require.Equal(t, 2, accepts)
}
