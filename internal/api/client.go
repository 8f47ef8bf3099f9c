package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dishcart/dishcart/internal/auth"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Error is a non-2xx backend response. The backend reports failures as
// {"detail": "..."} bodies.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend status %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("backend status %d", e.Status)
}

// Client is the typed HTTP client for the backend collaborator surface.
// Every request carries the bearer credential from the token source; a
// request timeout counts as an ordinary failure.
type Client struct {
	baseURL string
	tokens  auth.TokenSource
	http    *http.Client
}

// NewClient builds a Client against baseURL. Requests are traced through
// otelhttp and time out after timeout (30s in production config).
func NewClient(baseURL string, tokens auth.TokenSource, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// RecipeSearch turns a free-form recipe query into an ingredient list and a
// new shopping session.
func (c *Client) RecipeSearch(ctx context.Context, query string) (*RecipeResult, error) {
	var out RecipeResult
	if err := c.do(ctx, http.MethodPost, "/api/recipe", map[string]any{"query": query}, nil, &out); err != nil {
		return nil, fmt.Errorf("recipe search: %w", err)
	}
	return &out, nil
}

// StartFulfillment kicks off the asynchronous cart-building job and returns
// its id.
func (c *Client) StartFulfillment(ctx context.Context, sessionID string, ingredients []Ingredient, platforms []string) (string, error) {
	body := map[string]any{
		"session_id":  sessionID,
		"ingredients": ingredients,
		"platforms":   platforms,
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/start-agents", body, nil, &out); err != nil {
		return "", fmt.Errorf("start fulfillment: %w", err)
	}
	return out.JobID, nil
}

// JobStatus fetches the current snapshot for a fulfillment job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var out JobStatus
	path := "/api/job/" + url.PathEscape(jobID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, fmt.Errorf("job status %s: %w", jobID, err)
	}
	if out.JobID == "" {
		out.JobID = jobID
	}
	return &out, nil
}

// CartStatus fetches every platform cart plus aggregate totals for a session.
func (c *Client) CartStatus(ctx context.Context, sessionID string) (*CartStatus, error) {
	var out CartStatus
	q := url.Values{"session_id": {sessionID}}
	if err := c.do(ctx, http.MethodGet, "/api/cart-status?"+q.Encode(), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("cart status: %w", err)
	}
	return &out, nil
}

// SaveCartDiffs submits one platform's staged edits.
func (c *Client) SaveCartDiffs(ctx context.Context, sessionID, platform string, diffs []CartDiff) error {
	body := map[string]any{
		"session_id": sessionID,
		"platform":   platform,
		"diffs":      diffs,
	}
	if err := c.do(ctx, http.MethodPost, "/api/cart-diffs", body, nil, nil); err != nil {
		return fmt.Errorf("save cart diffs for %s: %w", platform, err)
	}
	return nil
}

// ApplyDiffs asks the backend to apply every saved diff for the session.
func (c *Client) ApplyDiffs(ctx context.Context, sessionID string) error {
	body := map[string]any{"session_id": sessionID}
	if err := c.do(ctx, http.MethodPost, "/api/apply-diffs", body, nil, nil); err != nil {
		return fmt.Errorf("apply diffs: %w", err)
	}
	return nil
}

// Checkout completes payment for the session. idempotencyKey is generated by
// the coordinator and held fixed for the attempt so a duplicate submission
// cannot charge twice.
func (c *Client) Checkout(ctx context.Context, sessionID, idempotencyKey string) (*Transaction, error) {
	body := map[string]any{"session_id": sessionID}
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	var out Transaction
	if err := c.do(ctx, http.MethodPost, "/api/checkout", body, headers, &out); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&detail)
		return &Error{Status: resp.StatusCode, Detail: detail.Detail}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
