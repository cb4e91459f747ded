package changelog

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans out every committed AllocationChange to connected operator
// terminals, best-effort. It carries no auth, no query parameters and no
// historical replay — just "what changed, right now."
type Hub struct {
	mu        sync.RWMutex
	clients   map[chan AllocationChange]bool
	broadcast chan AllocationChange
}

// NewHub constructs a Hub and starts its fan-out loop.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[chan AllocationChange]bool),
		broadcast: make(chan AllocationChange, 1000),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for change := range h.broadcast {
		h.mu.RLock()
		for client := range h.clients {
			select {
			case client <- change:
			default:
				// operator terminal is slow or gone; drop rather than block.
			}
		}
		h.mu.RUnlock()
	}
}

// Broadcast enqueues change for delivery to every connected client. It
// never blocks the caller beyond the hub's own buffer.
func (h *Hub) Broadcast(change AllocationChange) {
	select {
	case h.broadcast <- change:
	default:
		log.Printf("changelog: ops stream broadcast buffer full, dropping change for campaign %d", change.CampaignID)
	}
}

func (h *Hub) register() chan AllocationChange {
	c := make(chan AllocationChange, 16)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func (h *Hub) unregister(c chan AllocationChange) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c)
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and tails the hub until the client
// disconnects or the connection write fails.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("changelog: ops stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := h.register()
	defer h.unregister(client)

	for change := range client {
		payload, err := json.Marshal(change)
		if err != nil {
			log.Printf("changelog: ops stream marshal failed: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
