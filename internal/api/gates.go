package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/httputil"
)

// historyTail bounds how many confidence entries ride along on the gate
// detail response. The history endpoint returns the full series.
const historyTail = 20

// handleGate routes /api/gates/{id}/... to the gate-scoped handlers.
func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	gateID, sub, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/api/gates/"), "/")
	if gateID == "" {
		httputil.BadRequest(w, "gate id is required")
		return
	}

	switch sub {
	case "":
		s.showGate(w, r, gateID)
	case "history":
		s.showGateHistory(w, r, gateID)
	case "outcomes":
		s.recordOutcome(w, r, gateID)
	case "state":
		s.setGateState(w, r, gateID)
	default:
		httputil.NotFound(w, "unknown gate resource")
	}
}

// gateDetail is the gate detail payload: definition, live state, and the
// most recent confidence history entries.
type gateDetail struct {
	Gate    engine.Gate              `json:"gate"`
	State   engine.GateState         `json:"state"`
	History []engine.ConfidenceEntry `json:"history"`
}

func (s *Server) showGate(w http.ResponseWriter, r *http.Request, gateID string) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ctx := r.Context()

	gate, err := s.db.GateByID(ctx, gateID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	state, err := s.db.GateStateByID(ctx, gateID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	history, err := s.db.ConfidenceHistoryForGate(ctx, gateID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve history: %v", err))
		return
	}
	if len(history) > historyTail {
		history = history[len(history)-historyTail:]
	}
	if history == nil {
		history = []engine.ConfidenceEntry{}
	}

	httputil.WriteJSONOK(w, gateDetail{Gate: *gate, State: *state, History: history})
}

func (s *Server) showGateHistory(w http.ResponseWriter, r *http.Request, gateID string) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ctx := r.Context()

	// Resolve the gate first so an unknown id reads as 404, not an empty
	// history.
	if _, err := s.db.GateByID(ctx, gateID); err != nil {
		writeEngineError(w, err)
		return
	}
	history, err := s.db.ConfidenceHistoryForGate(ctx, gateID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve history: %v", err))
		return
	}
	if history == nil {
		history = []engine.ConfidenceEntry{}
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"gate_id": gateID,
		"history": history,
		"count":   len(history),
	})
}

type outcomeRequest struct {
	DecisionEventID string `json:"decision_event_id"`
	Success         bool   `json:"success"`
	ResponseTimeMs  int64  `json:"response_time_ms"`
}

func (s *Server) recordOutcome(w http.ResponseWriter, r *http.Request, gateID string) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.DecisionEventID == "" {
		httputil.BadRequest(w, "decision_event_id is required")
		return
	}
	if req.ResponseTimeMs < 0 {
		httputil.BadRequest(w, "response_time_ms must be non-negative")
		return
	}

	state, err := s.engine.RecordDecisionOutcome(r.Context(), gateID, req.DecisionEventID, req.Success, req.ResponseTimeMs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, state)
}

type stateRequest struct {
	Target string `json:"target"`
}

func (s *Server) setGateState(w http.ResponseWriter, r *http.Request, gateID string) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Target == "" {
		httputil.BadRequest(w, "target is required")
		return
	}

	state, err := s.engine.SetGateOperationalState(r.Context(), gateID, engine.GateStatus(req.Target))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, state)
}
