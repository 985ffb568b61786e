package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/httputil"
)

// handleDecision routes /api/decisions/{id}/... to the decision-scoped
// handlers.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	decisionID, sub, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/api/decisions/"), "/")
	if decisionID == "" {
		httputil.BadRequest(w, "decision id is required")
		return
	}

	switch sub {
	case "review":
		s.reviewDecision(w, r, decisionID)
	default:
		httputil.NotFound(w, "unknown decision resource")
	}
}

type reviewRequest struct {
	Verdict    string `json:"verdict"`
	ReviewerID string `json:"reviewer_id"`
	Note       string `json:"note"`
}

func (s *Server) reviewDecision(w http.ResponseWriter, r *http.Request, decisionID string) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.Verdict == "" {
		httputil.BadRequest(w, "verdict is required")
		return
	}
	verdict := engine.ReviewVerdict(req.Verdict)
	if !verdict.Valid() {
		httputil.WriteJSONError(w, http.StatusConflict, fmt.Sprintf("unknown review verdict %q", req.Verdict))
		return
	}
	if req.ReviewerID == "" {
		httputil.BadRequest(w, "reviewer_id is required")
		return
	}

	decision, err := s.engine.ReviewDecision(r.Context(), decisionID, verdict, req.ReviewerID, req.Note)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, decision)
}

// showReviewQueue lists decisions still waiting on a human verdict,
// newest first, optionally scoped to a single event.
func (s *Server) showReviewQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	filter := engine.DecisionFilter{PendingReview: true}
	if v := r.URL.Query().Get("event"); v != "" {
		eventID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || eventID <= 0 {
			httputil.BadRequest(w, "Invalid 'event' parameter")
			return
		}
		filter.EventID = &eventID
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		filter.Limit = n
	}

	s.writeDecisionList(w, r, filter)
}
