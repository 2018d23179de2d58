package api

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// hub fans broadcast messages out to all connected websocket clients.
type hub struct {
	mu      sync.Mutex
	clients map[*client]bool

	broadcastCh  chan []byte
	registerCh   chan *client
	unregisterCh chan *client
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub() *hub {
	return &hub{
		clients:      make(map[*client]bool),
		broadcastCh:  make(chan []byte, 64),
		registerCh:   make(chan *client),
		unregisterCh: make(chan *client),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.registerCh:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregisterCh:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcastCh:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		// feed is best-effort
	}
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// broadcastMessage is the wire envelope of the activity feed.
type broadcastMessage struct {
	Type     string      `json:"type"`
	Contract string      `json:"contract,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[api] websocket upgrade: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.hub.registerCh <- c

	go func() {
		defer func() {
			s.hub.unregisterCh <- c
			conn.Close()
		}()
		for {
			msg, ok := <-c.send
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Reads are only used to detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
