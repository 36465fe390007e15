package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/claude-research-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-research-orchestrator/internal/history"
)

func TestStatusHandler(t *testing.T) {
	server := NewServer(nil, nil, ":8080")

	now := time.Now()
	server.mu.Lock()
	server.running = true
	server.batchID = "b1"
	server.runs = []domain.RunState{
		{Index: 0, Question: "a", Status: domain.RunOK, StartedAt: &now, FinishedAt: &now},
		{Index: 1, Question: "b", Status: domain.RunRunning, Searches: 2, StartedAt: &now},
		{Index: 2, Question: "c", Status: domain.RunPending},
	}
	server.mu.Unlock()

	handler := server.statusHandler()
	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}

	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	if !status.Running {
		t.Error("Running = false, want true")
	}
	if status.Total != 3 {
		t.Errorf("Total = %d, want 3", status.Total)
	}
	if status.OK != 1 || status.Active != 1 || status.Pending != 1 {
		t.Errorf("counts = ok:%d active:%d pending:%d, want 1/1/1", status.OK, status.Active, status.Pending)
	}
	if status.Runs[1].Searches != 2 {
		t.Errorf("Runs[1].Searches = %d, want 2", status.Runs[1].Searches)
	}
}

func TestListBatchesHandler(t *testing.T) {
	store := &mockStore{
		batches: []*history.BatchRecord{
			{ID: "b2", OK: true, Total: 4, Succeeded: 4},
			{ID: "b1", OK: false, Total: 2, Failed: 2},
		},
	}

	server := NewServer(store, nil, ":8080")
	handler := server.listBatchesHandler()

	req := httptest.NewRequest("GET", "/api/batches", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}

	var batches []BatchResponse
	json.NewDecoder(w.Body).Decode(&batches)

	if len(batches) != 2 {
		t.Errorf("Batch count = %d, want 2", len(batches))
	}
	if batches[0].ID != "b2" {
		t.Errorf("batches[0].ID = %q, want b2", batches[0].ID)
	}
}

func TestGetBatchHandler(t *testing.T) {
	store := &mockStore{
		runs: map[string][]*history.RunRecord{
			"b1": {
				{BatchID: "b1", Index: 0, Question: "a", Status: "ok", OK: true, Answer: "yes"},
				{BatchID: "b1", Index: 1, Question: "b", Status: "failed", Reason: "timeout"},
			},
		},
	}

	server := NewServer(store, nil, ":8080")
	handler := server.getBatchHandler()

	req := httptest.NewRequest("GET", "/api/batches/b1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Status = %d, want 200", w.Code)
	}

	var runs []StoredRunResponse
	json.NewDecoder(w.Body).Decode(&runs)
	if len(runs) != 2 {
		t.Fatalf("Run count = %d, want 2", len(runs))
	}
	if runs[0].Answer != "yes" {
		t.Errorf("runs[0].Answer = %q, want yes", runs[0].Answer)
	}
	if runs[1].Reason != "timeout" {
		t.Errorf("runs[1].Reason = %q, want timeout", runs[1].Reason)
	}
}

func TestGetBatchHandler_NotFound(t *testing.T) {
	server := NewServer(&mockStore{}, nil, ":8080")
	handler := server.getBatchHandler()

	req := httptest.NewRequest("GET", "/api/batches/nope", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestSubmitHandler(t *testing.T) {
	var got []string
	submit := func(questions []string, parallelism int) (string, error) {
		got = questions
		return "batch-xyz", nil
	}

	server := NewServer(nil, submit, ":8080")
	handler := server.submitHandler()

	body := strings.NewReader(`{"questions": ["what changed", "", "  ", "and why"], "parallelism": 3}`)
	req := httptest.NewRequest("POST", "/api/research", body)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("Status = %d, want 202", w.Code)
	}
	if len(got) != 2 {
		t.Errorf("submitted %d questions, want 2 after blank filtering", len(got))
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["batch_id"] != "batch-xyz" {
		t.Errorf("batch_id = %q, want batch-xyz", resp["batch_id"])
	}
}

func TestSubmitHandler_RejectsEmptyAndBusy(t *testing.T) {
	submit := func(questions []string, parallelism int) (string, error) {
		return "id", nil
	}
	server := NewServer(nil, submit, ":8080")
	handler := server.submitHandler()

	req := httptest.NewRequest("POST", "/api/research", strings.NewReader(`{"questions": ["", " "]}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty questions: Status = %d, want 400", w.Code)
	}

	server.mu.Lock()
	server.running = true
	server.mu.Unlock()

	req = httptest.NewRequest("POST", "/api/research", strings.NewReader(`{"questions": ["q"]}`))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("busy: Status = %d, want 409", w.Code)
	}
}

func TestSubmitHandler_MethodNotAllowed(t *testing.T) {
	server := NewServer(nil, nil, ":8080")
	handler := server.submitHandler()

	req := httptest.NewRequest("GET", "/api/research", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Status = %d, want 405", w.Code)
	}
}

func TestUpdateRuns_BroadcastsTypedEvents(t *testing.T) {
	server := NewServer(nil, nil, ":0")
	go server.sseHub.Run()

	client := make(chan BatchEvent, 2)
	server.sseHub.register <- client

	now := time.Now()
	runs := []domain.RunState{
		{Index: 0, Question: "a", Status: domain.RunRunning, Searches: 3, StartedAt: &now},
		{Index: 1, Question: "b", Status: domain.RunPending},
	}
	server.UpdateRuns("b1", runs, true)

	select {
	case event := <-client:
		if event.Type != EventBatchUpdate {
			t.Errorf("Type = %q, want %q", event.Type, EventBatchUpdate)
		}
		if event.BatchID != "b1" {
			t.Errorf("BatchID = %q, want b1", event.BatchID)
		}
		if !event.Running {
			t.Error("Running = false, want true")
		}
		if len(event.Runs) != 2 {
			t.Fatalf("len(Runs) = %d, want 2", len(event.Runs))
		}
		if event.Runs[0].Searches != 3 || event.Runs[0].Status != string(domain.RunRunning) {
			t.Errorf("Runs[0] = %+v, want running with 3 searches", event.Runs[0])
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	runs[0].Status = domain.RunOK
	runs[1].Status = domain.RunFailed
	server.UpdateRuns("b1", runs, false)

	select {
	case event := <-client:
		if event.Type != EventBatchDone {
			t.Errorf("Type = %q, want %q", event.Type, EventBatchDone)
		}
		if event.Running {
			t.Error("Running = true, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("no done event received")
	}
}

type mockStore struct {
	batches []*history.BatchRecord
	runs    map[string][]*history.RunRecord
}

func (m *mockStore) ListBatches(limit int) ([]*history.BatchRecord, error) {
	return m.batches, nil
}

func (m *mockStore) GetBatchRuns(batchID string) ([]*history.RunRecord, error) {
	return m.runs[batchID], nil
}
