package devbackend

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// hub tracks the open progress connections per session and broadcasts frames
// to them in order.
type hub struct {
	logger *log.Logger

	mu    sync.Mutex
	conns map[string]map[*websocket.Conn]struct{}
}

func newHub(logger *log.Logger) *hub {
	return &hub{
		logger: logger,
		conns:  make(map[string]map[*websocket.Conn]struct{}),
	}
}

func (h *hub) add(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[sessionID] == nil {
		h.conns[sessionID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[sessionID][conn] = struct{}{}
}

func (h *hub) remove(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[sessionID], conn)
}

// broadcast sends one JSON frame to every connection for the session. The
// lock is held across the writes so frames reach each client in the order
// they were broadcast.
func (h *hub) broadcast(sessionID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("[Dev Backend] encode frame: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns[sessionID] {
		if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			h.logger.Printf("[Dev Backend] drop dead connection for session %s: %v", sessionID, err)
			delete(h.conns[sessionID], conn)
		}
	}
}

// handleProgress upgrades the request and parks the connection until the
// client goes away. The stub never reads client frames beyond discarding
// them.
func (h *hub) handleProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("[Dev Backend] websocket accept failed: %v", err)
		return
	}

	h.add(sessionID, conn)
	defer h.remove(sessionID, conn)
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
