// Package api provides HTTP handlers for FlowDesk endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// simulateRequest is the body of POST /flows/{id}/simulate.
type simulateRequest struct {
	// Messages are the simulated contact answers, in order.
	Messages []string `json:"messages"`
	// At optionally pins the simulated clock (RFC 3339); defaults to now.
	At string `json:"at,omitempty"`
}

func (s *Server) upsertFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.upsertFlowHandler: processing request")

	var f models.Flow
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("Server.upsertFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := f.Validate(); err != nil {
		slog.Warn("Server.upsertFlowHandler: validation failed", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if err := s.store.UpsertFlow(f); err != nil {
		slog.Error("Server.upsertFlowHandler: failed to store flow", "error", err, "flowID", f.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to store flow"))
		return
	}

	slog.Info("Server.upsertFlowHandler: flow stored", "flowID", f.ID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow stored successfully", nil))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	flows, err := s.store.ListFlows()
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed to list flows", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f, err := s.store.GetFlow(id)
	if err != nil {
		slog.Error("Server.getFlowHandler: failed to get flow", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) simulateFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := r.PathValue("id")
	slog.Debug("Server.simulateFlowHandler: processing request", "flowID", id)

	f, err := s.store.GetFlow(id)
	if err != nil {
		slog.Error("Server.simulateFlowHandler: failed to get flow", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}

	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.simulateFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	now := time.Now()
	if req.At != "" {
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid 'at' timestamp, expected RFC 3339"))
			return
		}
		now = at
	}

	def, err := models.ParseFlowDefinition(f.Definition)
	if err != nil {
		slog.Error("Server.simulateFlowHandler: stored definition failed to parse", "error", err, "flowID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Stored flow definition is invalid"))
		return
	}

	sim := s.interp.Simulate(def, req.Messages, now)
	slog.Debug("Server.simulateFlowHandler: simulation finished", "flowID", id, "completed", sim.Completed, "transcript_length", len(sim.Transcript))
	writeJSONResponse(w, http.StatusOK, models.Success(sim))
}

func (s *Server) ticketMessagesHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.store.GetTicket(id); err != nil {
		if errors.Is(err, models.ErrTicketNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Ticket not found"))
			return
		}
		slog.Error("Server.ticketMessagesHandler: failed to get ticket", "error", err, "ticketID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get ticket"))
		return
	}

	msgs, err := s.store.ListMessages(id)
	if err != nil {
		slog.Error("Server.ticketMessagesHandler: failed to list messages", "error", err, "ticketID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list messages"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}
