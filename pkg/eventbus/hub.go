package eventbus

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// CardsHub serves /api/cards/ws: every card_created/card_updated/card_moved
// event is broadcast to every connected client.
type CardsHub struct {
	bus *Bus

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

// NewCardsHub builds a CardsHub subscribed to bus. Call Run in its own
// goroutine before serving HandleWS.
func NewCardsHub(bus *Bus) *CardsHub {
	return &CardsHub{bus: bus, clients: make(map[*websocket.Conn]bool)}
}

// Run forwards every card_* event from the bus to all connected clients
// until events, the bus subscription, is closed.
func (h *CardsHub) Run() {
	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	for e := range events {
		if e.Type != CardCreated && e.Type != CardUpdated && e.Type != CardMoved {
			continue
		}
		h.broadcast(e)
	}
}

func (h *CardsHub) broadcast(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(e); err != nil {
			slog.Warn("eventbus: dropping unresponsive cards-ws client", "error", err)
			go h.remove(conn)
		}
	}
}

func (h *CardsHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// HandleWS upgrades the request and registers the connection until it
// disconnects.
func (h *CardsHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("eventbus: cards-ws upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ExecutionHub serves /api/execution/ws/{cardId}: each connection only
// receives execution_log_appended events for its own card.
type ExecutionHub struct {
	bus *Bus

	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]bool
}

// NewExecutionHub builds an ExecutionHub subscribed to bus.
func NewExecutionHub(bus *Bus) *ExecutionHub {
	return &ExecutionHub{bus: bus, clients: make(map[string]map[*websocket.Conn]bool)}
}

// Run forwards execution_log_appended events to clients subscribed to the
// matching card id.
func (h *ExecutionHub) Run() {
	events, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	for e := range events {
		if e.Type != ExecutionLogAppended || e.CardID == "" {
			continue
		}
		h.broadcast(e.CardID, e)
	}
}

func (h *ExecutionHub) broadcast(cardID string, e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients[cardID] {
		if err := conn.WriteJSON(e); err != nil {
			slog.Warn("eventbus: dropping unresponsive execution-ws client", "cardId", cardID, "error", err)
			go h.remove(cardID, conn)
		}
	}
}

func (h *ExecutionHub) remove(cardID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[cardID]; ok {
		if _, ok := conns[conn]; ok {
			delete(conns, conn)
			conn.Close()
		}
		if len(conns) == 0 {
			delete(h.clients, cardID)
		}
	}
}

// HandleWS upgrades the request and registers the connection against
// cardID until it disconnects.
func (h *ExecutionHub) HandleWS(w http.ResponseWriter, r *http.Request, cardID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("eventbus: execution-ws upgrade failed", "cardId", cardID, "error", err)
		return
	}

	h.mu.Lock()
	if h.clients[cardID] == nil {
		h.clients[cardID] = make(map[*websocket.Conn]bool)
	}
	h.clients[cardID][conn] = true
	h.mu.Unlock()

	go func() {
		defer h.remove(cardID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
