package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talgya/villagelife/internal/events"
)

// DefaultMaxClients caps concurrent stream connections.
const DefaultMaxClients = 64

// Hub fans task events out to websocket observers. It is an events.Sink.
//
// Clients connect to /api/v1/stream, optionally with ?owner= to filter.
// They may later send {"type":"SUBSCRIBE","owner":"..."} to change the
// filter. A slow client drops events rather than stalling the simulation.
type Hub struct {
	// Backlog supplies catch-up events sent right after connecting.
	Backlog func(n int) []events.Event

	upgrader   websocket.Upgrader
	maxClients int
	nextID     atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*observer
	dropped atomic.Uint64
}

type observer struct {
	out chan []byte

	mu    sync.Mutex
	owner string
}

func (o *observer) wants(e events.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owner == "" || o.owner == e.Owner
}

func (o *observer) setOwner(owner string) {
	o.mu.Lock()
	o.owner = owner
	o.mu.Unlock()
}

// SubscribeMsg changes a client's owner filter. An empty owner receives everything.
type SubscribeMsg struct {
	Type  string `json:"type"`
	Owner string `json:"owner"`
}

// NewHub returns a hub accepting up to maxClients connections
// (DefaultMaxClients if maxClients <= 0).
func NewHub(maxClients int) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		maxClients: maxClients,
		clients:    map[string]*observer{},
	}
}

// Clients returns the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Emit broadcasts e to every interested client without blocking.
func (h *Hub) Emit(e events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	b, err := json.Marshal(e)
	if err != nil {
		slog.Warn("stream marshal failed", "event", e.Name, "error", err)
		return
	}
	for _, c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.out <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) join(owner string) (string, *observer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.maxClients {
		return "", nil, false
	}
	id := fmt.Sprintf("O%d", h.nextID.Add(1))
	c := &observer{out: make(chan []byte, 256), owner: owner}
	h.clients[id] = c
	return id, c, true
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, c, ok := h.join(r.URL.Query().Get("owner"))
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
		return
	}
	defer h.leave(id)
	slog.Debug("stream client connected", "client", id, "owner", c.owner)

	// Catch-up goes out before live events; the writer has not started yet.
	if h.Backlog != nil {
		for _, e := range h.Backlog(50) {
			if !c.wants(e) {
				continue
			}
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer goroutine.
	writeErr := make(chan error, 1)
	go func() {
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				return
			case b := <-c.out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	// Reader loop: allow SUBSCRIBE updates.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != "SUBSCRIBE" {
			continue
		}
		c.setOwner(sub.Owner)
	}

	cancel()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

	// Best-effort wait for the writer to stop so it doesn't outlive conn.
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
	slog.Debug("stream client disconnected", "client", id)
}
