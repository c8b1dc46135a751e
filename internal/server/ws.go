package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"tilesync/internal/engine"
)

const wsWriteTimeout = 5 * time.Second

// hub streams engine notifications to websocket clients, one subscription
// per connection.
type hub struct {
	engine engine.Engine
	logger *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]context.CancelFunc
}

func newHub(e engine.Engine, logger *log.Logger) *hub {
	return &hub{engine: e, logger: logger, clients: make(map[*websocket.Conn]context.CancelFunc)}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) handle(w http.ResponseWriter, r *http.Request) {
	view := r.URL.Query().Get("view")
	sub, err := h.engine.Subscribe(view)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("ws: upgrade failed: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.add(conn, cancel)
	defer h.remove(conn)

	// clients only listen; reading notices the close
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Printf("ws: encode notification for %s: %v", n.ItemID, err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				h.logger.Printf("ws: write to view %q client: %v", view, err)
				return
			}
		}
	}
}

func (h *hub) add(conn *websocket.Conn, cancel context.CancelFunc) {
	h.mu.Lock()
	h.clients[conn] = cancel
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("ws: client connected (total: %d)", n)
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	cancel, ok := h.clients[conn]
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("ws: client disconnected (total: %d)", n)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*websocket.Conn]context.CancelFunc)
	h.mu.Unlock()
	for conn, cancel := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		cancel()
	}
}

// writeError renders err in the API envelope outside of huma.
func writeError(w http.ResponseWriter, err error) {
	ae, ok := handleError(err).(*apiError)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.status)
	json.NewEncoder(w).Encode(ae)
}
