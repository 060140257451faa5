package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/flow"
	"github.com/FlowDeskHQ/FlowDesk/internal/models"
	"github.com/FlowDeskHQ/FlowDesk/internal/store"
)

const testFlowJSON = `{
	"id": "welcome",
	"name": "Welcome",
	"trigger": "default",
	"active": true,
	"definition": {
		"entryNodeId": "hi",
		"nodes": [
			{"id": "hi", "type": "message", "content": "Hi", "next": "pick"},
			{"id": "pick", "type": "question", "content": "Pick one:", "options": [
				{"value": "1", "label": "One", "next": "bye"},
				{"value": "2", "label": "Two", "next": "bye"}
			]},
			{"id": "bye", "type": "end", "content": "Bye"}
		]
	}
}`

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	return NewServer(st), st
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestUpsertAndGetFlow(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/flows", testFlowJSON)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /flows status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/flows/welcome", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /flows/welcome status = %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("status = %s", resp.Status)
	}

	rec = doRequest(t, s, http.MethodGet, "/flows/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET missing flow status = %d, want 404", rec.Code)
	}
}

func TestUpsertFlowRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{not json`},
		{"missing id", `{"name": "X", "trigger": "default", "definition": {"entryNodeId": "a", "nodes": [{"id": "a", "type": "end"}]}}`},
		{"bad trigger", `{"id": "x", "name": "X", "trigger": "wat", "definition": {"entryNodeId": "a", "nodes": [{"id": "a", "type": "end"}]}}`},
		{"missing entry node", `{"id": "x", "name": "X", "trigger": "default", "definition": {"nodes": [{"id": "a", "type": "end"}]}}`},
		{"unknown entry node", `{"id": "x", "name": "X", "trigger": "default", "definition": {"entryNodeId": "nope", "nodes": [{"id": "a", "type": "end"}]}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/flows", c.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestListFlows(t *testing.T) {
	s, st := newTestServer(t)
	for _, id := range []string{"a", "b"} {
		err := st.UpsertFlow(models.Flow{
			ID: id, Name: id, Trigger: models.FlowTriggerDefault, Active: true,
			Definition: []byte(`{"entryNodeId":"n","nodes":[{"id":"n","type":"end"}]}`),
		})
		if err != nil {
			t.Fatalf("UpsertFlow failed: %v", err)
		}
	}

	rec := doRequest(t, s, http.MethodGet, "/flows", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	flows, ok := resp.Result.([]interface{})
	if !ok || len(flows) != 2 {
		t.Errorf("result = %v", resp.Result)
	}
}

func TestSimulateFlow(t *testing.T) {
	s, _ := newTestServer(t)
	if rec := doRequest(t, s, http.MethodPost, "/flows", testFlowJSON); rec.Code != http.StatusOK {
		t.Fatalf("seed flow failed: %d", rec.Code)
	}

	body := `{"messages": ["2"], "at": "` + time.Now().Format(time.RFC3339) + `"}`
	rec := doRequest(t, s, http.MethodPost, "/flows/welcome/simulate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("simulate status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Status string                `json:"status"`
		Result flow.SimulationResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode simulation: %v", err)
	}
	if !resp.Result.Completed {
		t.Error("expected completed simulation")
	}
	if len(resp.Result.Transcript) != 4 {
		t.Errorf("transcript = %+v", resp.Result.Transcript)
	}
	if resp.Result.Transcript[0].From != flow.TranscriptBot || resp.Result.Transcript[0].Message != "Hi" {
		t.Errorf("first entry = %+v", resp.Result.Transcript[0])
	}
}

func TestSimulateFlowErrors(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/flows/missing/simulate", `{"messages": []}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("simulate missing flow status = %d, want 404", rec.Code)
	}

	if rec := doRequest(t, s, http.MethodPost, "/flows", testFlowJSON); rec.Code != http.StatusOK {
		t.Fatalf("seed flow failed: %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/flows/welcome/simulate", `{"messages": [], "at": "not-a-time"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp status = %d, want 400", rec.Code)
	}
}

func TestTicketMessages(t *testing.T) {
	s, st := newTestServer(t)
	ticket, err := st.GetOrCreateTicketByContact("5511999990000")
	if err != nil {
		t.Fatalf("GetOrCreateTicketByContact failed: %v", err)
	}
	err = st.AddMessage(models.Message{
		ID: "m1", TicketID: ticket.ID, Author: models.MessageAuthorContact,
		Body: "oi", Status: models.MessageStatusSent,
	})
	if err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	rec := doRequest(t, s, http.MethodGet, "/tickets/"+ticket.ID+"/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	msgs, ok := resp.Result.([]interface{})
	if !ok || len(msgs) != 1 {
		t.Errorf("result = %v", resp.Result)
	}

	rec = doRequest(t, s, http.MethodGet, "/tickets/nope/messages", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing ticket status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
