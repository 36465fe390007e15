package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Event types streamed over /api/events.
const (
	EventBatchUpdate = "batch_update"
	EventBatchDone   = "batch_done"
)

// BatchEvent is a live snapshot of the active batch pushed to SSE
// clients. Type is batch_update while runs are in flight and
// batch_done once the batch has finished.
type BatchEvent struct {
	Type    string        `json:"type"`
	BatchID string        `json:"batch_id"`
	Running bool          `json:"running"`
	Runs    []RunResponse `json:"runs"`
}

// SSEHub fans batch events out to connected SSE clients
type SSEHub struct {
	clients    map[chan BatchEvent]bool
	broadcast  chan BatchEvent
	register   chan chan BatchEvent
	unregister chan chan BatchEvent
	mu         sync.RWMutex
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[chan BatchEvent]bool),
		broadcast:  make(chan BatchEvent),
		register:   make(chan chan BatchEvent),
		unregister: make(chan chan BatchEvent),
	}
}

// Run starts the SSE hub
func (h *SSEHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client <- event:
				default:
					close(client)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends a batch event to all clients
func (h *SSEHub) Broadcast(event BatchEvent) {
	h.broadcast <- event
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		client := make(chan BatchEvent)
		s.sseHub.register <- client

		notify := r.Context().Done()
		go func() {
			<-notify
			s.sseHub.unregister <- client
		}()

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		for event := range client {
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: %s\n", event.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
