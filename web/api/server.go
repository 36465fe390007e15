package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/history"
)

// Store interface for batch history lookups
type Store interface {
	ListBatches(limit int) ([]*history.BatchRecord, error)
	GetBatchRuns(batchID string) ([]*history.RunRecord, error)
}

// SubmitFunc accepts a new batch of research questions. It returns once
// the batch is accepted; execution happens in the background.
type SubmitFunc func(questions []string, parallelism int) (string, error)

// Server is the HTTP API server
type Server struct {
	store  Store
	submit SubmitFunc
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub

	mu      sync.RWMutex
	running bool
	batchID string
	runs    []domain.RunState
}

// NewServer creates a new API server
func NewServer(store Store, submit SubmitFunc, addr string) *Server {
	s := &Server{
		store:  store,
		submit: submit,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/batches", s.listBatchesHandler())
	s.mux.HandleFunc("/api/batches/", s.getBatchHandler())
	s.mux.HandleFunc("/api/research", s.submitHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go s.sseHub.Run()
	return http.ListenAndServe(s.addr, s.mux)
}

// UpdateRuns replaces the live run snapshot and notifies SSE clients.
// The final call for a batch carries running=false and is pushed as a
// batch_done event.
func (s *Server) UpdateRuns(batchID string, runs []domain.RunState, running bool) {
	s.mu.Lock()
	s.batchID = batchID
	s.runs = runs
	s.running = running
	s.mu.Unlock()

	event := BatchEvent{
		Type:    EventBatchUpdate,
		BatchID: batchID,
		Running: running,
		Runs:    make([]RunResponse, len(runs)),
	}
	if !running {
		event.Type = EventBatchDone
	}
	for i := range runs {
		event.Runs[i] = runToResponse(runs[i])
	}
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
