package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/dishcart/dishcart/internal/api"
)

// ErrNotConnected is returned by Send before a connection is established.
var ErrNotConnected = errors.New("progress stream not connected")

// Subscriber receives every parsed progress event, in arrival order.
type Subscriber func(api.Event)

// Client maintains a best-effort live connection to the session progress
// channel. One Client belongs to one screen/flow and must be torn down with
// Disconnect; the reconnect counter and connection handle are instance state,
// never shared across sessions.
type Client struct {
	baseURL     string
	baseDelay   time.Duration
	maxAttempts int
	logger      *log.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	gen         int
	subscribers []Subscriber
	attempts    int
	closed      bool
	sessionID   string
	ctx         context.Context
}

// NewClient builds a stream client against baseURL (ws:// or wss://).
// baseDelay and maxAttempts govern the reconnect policy: attempt n waits
// n x baseDelay, and after maxAttempts consecutive failures the client goes
// quiet.
func NewClient(baseURL string, baseDelay time.Duration, maxAttempts int, logger *log.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// OnMessage registers a subscriber. Every subscriber sees every event.
func (c *Client) OnMessage(fn Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Connect opens the progress channel for sessionID, replacing any prior
// connection. A successful dial resets the reconnect attempt counter.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.closed = false
	c.sessionID = sessionID
	c.ctx = ctx
	prev := c.conn
	c.conn = nil
	// Invalidate the old read loop up front so its close cannot race a
	// reconnect against this dial.
	c.gen++
	c.mu.Unlock()

	if prev != nil {
		// Replacement close; the old read loop sees a stale generation and
		// will not schedule a reconnect.
		_ = prev.Close(websocket.StatusNormalClosure, "replaced")
	}

	return c.dial(ctx, sessionID)
}

func (c *Client) dial(ctx context.Context, sessionID string) error {
	wsURL := c.baseURL + "/ws/agent-progress?session_id=" + url.QueryEscape(sessionID)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
		return nil
	}
	c.conn = conn
	c.gen++
	c.attempts = 0
	gen := c.gen
	c.mu.Unlock()

	c.logger.Printf("[Progress Stream %s] connected", sessionID)
	go c.readLoop(ctx, conn, gen, sessionID)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen int, sessionID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			stale := c.closed || gen != c.gen
			c.mu.Unlock()
			if stale {
				// Close caused by Disconnect or by a replacement Connect;
				// no reconnect.
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Printf("[Progress Stream %s] connection closed (%v)", sessionID, status)
			} else {
				c.logger.Printf("[Progress Stream %s] read error: %v", sessionID, err)
			}
			c.scheduleReconnect(sessionID)
			return
		}

		event, ok := parseEvent(data)
		if !ok {
			c.logger.Printf("[Progress Stream %s] dropping malformed frame: %s", sessionID, data)
			continue
		}
		c.notify(event)
	}
}

// parseEvent decodes a frame into the closed event union. Unrecognized types
// map to EventUnknown; frames that are not JSON objects fail the parse.
func parseEvent(data []byte) (api.Event, bool) {
	var event api.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return api.Event{}, false
	}
	switch event.Type {
	case api.EventAgentUpdate, api.EventJobCompleted:
	default:
		event.Type = api.EventUnknown
	}
	event.Raw = data
	return event, true
}

func (c *Client) notify(event api.Event) {
	c.mu.Lock()
	subs := make([]Subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	// Synchronous dispatch from the single read loop keeps arrival order
	// for every subscriber.
	for _, fn := range subs {
		fn(event)
	}
}

func (c *Client) scheduleReconnect(sessionID string) {
	c.mu.Lock()
	if c.closed || c.attempts >= c.maxAttempts {
		// Out of attempts: give up quietly.
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	ctx := c.ctx
	c.mu.Unlock()

	delay := time.Duration(attempt) * c.baseDelay
	c.logger.Printf("[Progress Stream %s] reconnecting in %s (attempt %d/%d)", sessionID, delay, attempt, c.maxAttempts)

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.dial(ctx, sessionID); err != nil {
			c.logger.Printf("[Progress Stream %s] reconnect failed: %v", sessionID, err)
			c.scheduleReconnect(sessionID)
		}
	})
}

// Send writes a client frame onto the channel.
func (c *Client) Send(v any) error {
	c.mu.Lock()
	conn := c.conn
	ctx := c.ctx
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Disconnect closes the connection, clears every subscriber and suppresses
// the reconnect that the close would otherwise trigger.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.subscribers = nil
	c.attempts = 0
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnected")
	}
}
