package devbackend

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dishcart/dishcart/internal/api"
)

// Options tune the stub for its two audiences: humans running cmd/devbackend
// and tests that cannot wait three seconds per agent step.
type Options struct {
	// StepDelay paces the scripted agent progression. Zero means no delay.
	StepDelay time.Duration
}

// Server is a stub of the backend collaborator surface. It exists for local
// development and for the test suites; it keeps everything in memory and
// scripts the fulfillment job deterministically.
type Server struct {
	logger    *log.Logger
	hub       *hub
	stepDelay time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	jobs     map[string]*job
}

type session struct {
	recipeName  string
	ingredients []api.Ingredient
	carts       []api.PlatformCart
	savedDiffs  map[string][]api.CartDiff
	applied     bool
	tx          *api.Transaction
}

// New builds an empty stub backend.
func New(logger *log.Logger, opts Options) *Server {
	return &Server{
		logger:    logger,
		hub:       newHub(logger),
		stepDelay: opts.StepDelay,
		sessions:  make(map[string]*session),
		jobs:      make(map[string]*job),
	}
}

// Router returns the full collaborator surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Heartbeat("/health"))

	r.Method(http.MethodPost, "/api/recipe", otelhttp.NewHandler(http.HandlerFunc(s.handleRecipe), "recipe"))
	r.Method(http.MethodPost, "/api/start-agents", otelhttp.NewHandler(http.HandlerFunc(s.handleStartAgents), "start-agents"))
	r.Method(http.MethodGet, "/api/job/{jobID}/status", otelhttp.NewHandler(http.HandlerFunc(s.handleJobStatus), "job-status"))
	r.Method(http.MethodGet, "/api/cart-status", otelhttp.NewHandler(http.HandlerFunc(s.handleCartStatus), "cart-status"))
	r.Method(http.MethodPost, "/api/cart-diffs", otelhttp.NewHandler(http.HandlerFunc(s.handleCartDiffs), "cart-diffs"))
	r.Method(http.MethodPost, "/api/apply-diffs", otelhttp.NewHandler(http.HandlerFunc(s.handleApplyDiffs), "apply-diffs"))
	r.Method(http.MethodPost, "/api/checkout", otelhttp.NewHandler(http.HandlerFunc(s.handleCheckout), "checkout"))
	r.Get("/ws/agent-progress", s.hub.handleProgress)

	return r
}

// CreateSession registers a session directly, bypassing the recipe endpoint.
// Test harnesses use this together with SeedCarts.
func (s *Server) CreateSession() string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &session{savedDiffs: make(map[string][]api.CartDiff)}
	return id
}

// SeedCarts replaces a session's carts with fixtures.
func (s *Server) SeedCarts(sessionID string, carts []api.PlatformCart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		sess.carts = carts
	}
}

// SavedDiffs returns what was submitted for one platform of a session.
func (s *Server) SavedDiffs(sessionID, platform string) []api.CartDiff {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.savedDiffs[platform]
	}
	return nil
}

func (s *Server) setCart(sessionID string, cart api.PlatformCart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	for i := range sess.carts {
		if sess.carts[i].Platform == cart.Platform {
			sess.carts[i] = cart
			return
		}
	}
	sess.carts = append(sess.carts, cart)
}

func (s *Server) handleRecipe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeDetail(w, http.StatusBadRequest, "query is required")
		return
	}

	// Canned parse: every word of the query becomes an ingredient.
	var ingredients []api.Ingredient
	for _, word := range strings.Fields(strings.ToLower(req.Query)) {
		ingredients = append(ingredients, api.Ingredient{Name: word, Quantity: "1 unit"})
	}

	sessionID := s.CreateSession()
	s.mu.Lock()
	sess := s.sessions[sessionID]
	sess.recipeName = req.Query
	sess.ingredients = ingredients
	s.mu.Unlock()

	s.logger.Printf("[Dev Backend] session %s created for recipe %q", sessionID, req.Query)
	writeJSON(w, api.RecipeResult{
		SessionID:   sessionID,
		RecipeName:  req.Query,
		Ingredients: ingredients,
	})
}

func (s *Server) handleStartAgents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   string           `json:"session_id"`
		Ingredients []api.Ingredient `json:"ingredients"`
		Platforms   []string         `json:"platforms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	_, ok := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "session not found")
		return
	}
	if len(req.Platforms) == 0 {
		writeDetail(w, http.StatusBadRequest, "at least one platform is required")
		return
	}

	j := &job{
		id:        uuid.NewString(),
		sessionID: req.SessionID,
		status:    api.JobPending,
		platforms: make(map[string]api.PlatformProgress),
	}
	for _, p := range req.Platforms {
		j.platforms[p] = api.PlatformProgress{Status: "pending"}
	}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	s.logger.Printf("[Dev Backend] job %s started for session %s on %v", j.id, req.SessionID, req.Platforms)
	go s.runJob(j, req.Ingredients, req.Platforms)

	writeJSON(w, map[string]string{"job_id": j.id})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, j.snapshot())
}

func (s *Server) handleCartStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		writeDetail(w, http.StatusNotFound, "session not found")
		return
	}
	status := api.CartStatus{SessionID: sessionID, Carts: append([]api.PlatformCart(nil), sess.carts...)}
	for _, c := range sess.carts {
		status.TotalItems += c.ItemCount
		status.TotalAmount += c.Subtotal
	}
	s.mu.Unlock()

	writeJSON(w, status)
}

func (s *Server) handleCartDiffs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string         `json:"session_id"`
		Platform  string         `json:"platform"`
		Diffs     []api.CartDiff `json:"diffs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		writeDetail(w, http.StatusNotFound, "session not found")
		return
	}
	sess.savedDiffs[req.Platform] = append(sess.savedDiffs[req.Platform], req.Diffs...)
	s.logger.Printf("[Dev Backend] saved %d diffs for %s in session %s", len(req.Diffs), req.Platform, req.SessionID)
	writeJSON(w, map[string]string{"status": "saved"})
}

func (s *Server) handleApplyDiffs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		writeDetail(w, http.StatusNotFound, "session not found")
		return
	}

	applied := 0
	for platform, diffs := range sess.savedDiffs {
		for _, diff := range diffs {
			if diff.Action != api.DiffRemove {
				continue
			}
			for i := range sess.carts {
				if sess.carts[i].Platform != platform {
					continue
				}
				c := &sess.carts[i]
				for k, item := range c.Items {
					if item.Name == diff.Item.Name {
						c.Items = append(c.Items[:k], c.Items[k+1:]...)
						c.ItemCount -= item.Quantity
						c.Subtotal -= item.Price * float64(item.Quantity)
						applied++
						break
					}
				}
			}
		}
	}
	sess.savedDiffs = make(map[string][]api.CartDiff)
	sess.applied = true

	s.logger.Printf("[Dev Backend] applied %d diffs for session %s", applied, req.SessionID)
	writeJSON(w, map[string]any{"status": "applied", "count": applied})
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		writeDetail(w, http.StatusNotFound, "session not found")
		return
	}

	// A session pays once; repeats get the recorded transaction back.
	if sess.tx != nil {
		writeJSON(w, sess.tx)
		return
	}

	tx := &api.Transaction{
		TransactionID: uuid.NewString(),
		ReferenceID:   fmt.Sprintf("mock_txn_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		CreatedAt:     time.Now().UTC(),
	}
	for _, c := range sess.carts {
		tx.TotalAmount += c.Subtotal
		tx.Platforms = append(tx.Platforms, api.PlatformTotal{
			Platform:   c.Platform,
			Subtotal:   c.Subtotal,
			ItemsCount: c.ItemCount,
		})
	}
	sess.tx = tx

	s.logger.Printf("[Dev Backend] checkout complete for session %s, transaction %s, total %.2f",
		req.SessionID, tx.TransactionID, tx.TotalAmount)
	writeJSON(w, tx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
