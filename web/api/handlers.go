package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/history"
)

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Running bool          `json:"running"`
	BatchID string        `json:"batch_id,omitempty"`
	Total   int           `json:"total"`
	Pending int           `json:"pending"`
	Active  int           `json:"active"`
	OK      int           `json:"ok"`
	Failed  int           `json:"failed"`
	Runs    []RunResponse `json:"runs,omitempty"`
}

// RunResponse is the API response for a live run
type RunResponse struct {
	Index       int     `json:"index"`
	Question    string  `json:"question"`
	Status      string  `json:"status"`
	Searches    int     `json:"searches"`
	PagesOpened int     `json:"pages_opened"`
	LastAction  string  `json:"last_action,omitempty"`
	StartedAt   *string `json:"started_at,omitempty"`
	FinishedAt  *string `json:"finished_at,omitempty"`
	Elapsed     string  `json:"elapsed"`
}

// BatchResponse is the API response for a stored batch
type BatchResponse struct {
	ID             string  `json:"id"`
	OK             bool    `json:"ok"`
	Reason         string  `json:"reason,omitempty"`
	PartialFailure bool    `json:"partial_failure"`
	Total          int     `json:"total"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Parallelism    int     `json:"parallelism"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	StartedAt      string  `json:"started_at"`
	FinishedAt     string  `json:"finished_at"`
}

// StoredRunResponse is the API response for a stored run
type StoredRunResponse struct {
	Index          int      `json:"index"`
	Question       string   `json:"question"`
	Status         string   `json:"status"`
	OK             bool     `json:"ok"`
	Reason         string   `json:"reason,omitempty"`
	Answer         string   `json:"answer,omitempty"`
	AsOf           string   `json:"as_of,omitempty"`
	Confidence     float64  `json:"confidence"`
	Sources        []string `json:"sources,omitempty"`
	Searches       int      `json:"searches"`
	PagesOpened    int      `json:"pages_opened"`
	TokensInput    int64    `json:"tokens_input"`
	TokensOutput   int64    `json:"tokens_output"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
}

// SubmitRequest is the body of a research submission
type SubmitRequest struct {
	Questions   []string `json:"questions"`
	Parallelism int      `json:"parallelism"`
}

func runToResponse(r domain.RunState) RunResponse {
	resp := RunResponse{
		Index:       r.Index,
		Question:    r.Question,
		Status:      string(r.Status),
		Searches:    r.Searches,
		PagesOpened: r.PagesOpened,
		LastAction:  r.LastAction,
	}

	if r.StartedAt != nil {
		t := r.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}

	resp.Elapsed = r.Elapsed().Round(time.Second).String()
	return resp
}

func batchToResponse(b *history.BatchRecord) BatchResponse {
	return BatchResponse{
		ID:             b.ID,
		OK:             b.OK,
		Reason:         b.Reason,
		PartialFailure: b.PartialFailure,
		Total:          b.Total,
		Succeeded:      b.Succeeded,
		Failed:         b.Failed,
		Parallelism:    b.Parallelism,
		ElapsedSeconds: b.ElapsedSeconds,
		StartedAt:      b.StartedAt.Format(time.RFC3339),
		FinishedAt:     b.FinishedAt.Format(time.RFC3339),
	}
}

func storedRunToResponse(r *history.RunRecord) StoredRunResponse {
	return StoredRunResponse{
		Index:          r.Index,
		Question:       r.Question,
		Status:         r.Status,
		OK:             r.OK,
		Reason:         r.Reason,
		Answer:         r.Answer,
		AsOf:           r.AsOf,
		Confidence:     r.Confidence,
		Sources:        r.Sources,
		Searches:       r.Searches,
		PagesOpened:    r.PagesOpened,
		TokensInput:    r.TokensInput,
		TokensOutput:   r.TokensOutput,
		ElapsedSeconds: r.ElapsedSeconds,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		s.mu.RLock()
		status := StatusResponse{
			Running: s.running,
			BatchID: s.batchID,
			Total:   len(s.runs),
		}
		for _, run := range s.runs {
			switch run.Status {
			case domain.RunPending:
				status.Pending++
			case domain.RunRunning:
				status.Active++
			case domain.RunOK:
				status.OK++
			case domain.RunFailed:
				status.Failed++
			}
			status.Runs = append(status.Runs, runToResponse(run))
		}
		s.mu.RUnlock()

		writeJSON(w, status)
	}
}

func (s *Server) listBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.store == nil {
			writeJSON(w, []BatchResponse{})
			return
		}

		batches, err := s.store.ListBatches(20)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]BatchResponse, 0, len(batches))
		for _, b := range batches {
			responses = append(responses, batchToResponse(b))
		}

		writeJSON(w, responses)
	}
}

func (s *Server) getBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.store == nil {
			writeError(w, http.StatusServiceUnavailable, "history not available")
			return
		}

		// Extract batch ID from path: /api/batches/{id}
		id := strings.TrimPrefix(r.URL.Path, "/api/batches/")
		if id == "" {
			writeError(w, http.StatusBadRequest, "batch ID required")
			return
		}

		runs, err := s.store.GetBatchRuns(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(runs) == 0 {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}

		responses := make([]StoredRunResponse, 0, len(runs))
		for _, run := range runs {
			responses = append(responses, storedRunToResponse(run))
		}

		writeJSON(w, responses)
	}
}

func (s *Server) submitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		if s.submit == nil {
			writeError(w, http.StatusServiceUnavailable, "submission not available")
			return
		}

		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		var questions []string
		for _, q := range req.Questions {
			if strings.TrimSpace(q) != "" {
				questions = append(questions, q)
			}
		}
		if len(questions) == 0 {
			writeError(w, http.StatusBadRequest, "at least one question required")
			return
		}

		s.mu.RLock()
		busy := s.running
		s.mu.RUnlock()
		if busy {
			writeError(w, http.StatusConflict, "a batch is already running")
			return
		}

		id, err := s.submit(questions, req.Parallelism)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"batch_id": id, "status": "accepted"})
	}
}
