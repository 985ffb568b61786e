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

// handleEvent routes /api/events/{id}/... to the event-scoped handlers.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	idPart, sub, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/api/events/"), "/")
	eventID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || eventID <= 0 {
		httputil.BadRequest(w, "invalid event id")
		return
	}

	switch sub {
	case "quality":
		s.showQuality(w, r, eventID)
	case "gates/preview":
		s.previewGates(w, r, eventID)
	case "gates/execute":
		s.executeGates(w, r, eventID)
	case "gates":
		s.listGates(w, r, eventID)
	case "decisions":
		s.listEventDecisions(w, r, eventID)
	case "stats":
		s.showEventStats(w, r, eventID)
	default:
		httputil.NotFound(w, "unknown event resource")
	}
}

func (s *Server) showQuality(w http.ResponseWriter, r *http.Request, eventID int64) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	report, err := s.engine.AssessQuality(r.Context(), eventID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, report)
}

func (s *Server) previewGates(w http.ResponseWriter, r *http.Request, eventID int64) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	result, err := s.engine.PreviewGates(r.Context(), eventID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, result)
}

type executeRequest struct {
	RunToken string `json:"run_token"`
}

func (s *Server) executeGates(w http.ResponseWriter, r *http.Request, eventID int64) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.RunToken == "" {
		httputil.BadRequest(w, "run_token is required")
		return
	}

	result, err := s.engine.ExecutePipeline(r.Context(), eventID, req.RunToken)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httputil.WriteJSONOK(w, result)
}

func (s *Server) listGates(w http.ResponseWriter, r *http.Request, eventID int64) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	records, err := s.db.ListGatesForEvent(r.Context(), eventID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve gates: %v", err))
		return
	}
	if records == nil {
		records = []engine.GateRecord{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"gates": records,
		"count": len(records),
	})
}

func (s *Server) listEventDecisions(w http.ResponseWriter, r *http.Request, eventID int64) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	filter := engine.DecisionFilter{EventID: &eventID}
	if !parseDecisionQuery(w, r, &filter) {
		return
	}
	s.writeDecisionList(w, r, filter)
}

// parseDecisionQuery fills filter from the request's query parameters.
// Reports false after writing a 400 when a parameter does not parse.
func parseDecisionQuery(w http.ResponseWriter, r *http.Request, filter *engine.DecisionFilter) bool {
	query := r.URL.Query()

	if g := query.Get("gate"); g != "" {
		filter.GateID = &g
	}
	if tp := query.Get("type"); tp != "" {
		dt := engine.DecisionType(tp)
		if !dt.Valid() {
			httputil.BadRequest(w, fmt.Sprintf("unknown decision type %q", tp))
			return false
		}
		filter.Type = &dt
	}
	if rv := query.Get("requires_review"); rv != "" {
		b, err := strconv.ParseBool(rv)
		if err != nil {
			httputil.BadRequest(w, "Invalid 'requires_review' parameter")
			return false
		}
		filter.RequiresReview = &b
	}
	if p := query.Get("pending"); p != "" {
		b, err := strconv.ParseBool(p)
		if err != nil {
			httputil.BadRequest(w, "Invalid 'pending' parameter")
			return false
		}
		filter.PendingReview = b
	}
	if l := query.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return false
		}
		filter.Limit = n
	}
	return true
}

func (s *Server) writeDecisionList(w http.ResponseWriter, r *http.Request, filter engine.DecisionFilter) {
	decisions, err := s.db.ListDecisionEvents(r.Context(), filter)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve decisions: %v", err))
		return
	}
	if decisions == nil {
		decisions = []engine.DecisionEvent{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// EventStatsAPI is the rollup rendered by the event stats endpoint: the
// stored activity counters plus gate status and decision type breakdowns
// and accuracy aggregates over gates that have recorded outcomes.
type EventStatsAPI struct {
	EventID        int64 `json:"event_id"`
	Checkins       int   `json:"checkins"`
	GPSCheckins    int   `json:"gps_checkins"`
	Gates          int   `json:"gates"`
	ActiveGates    int   `json:"active_gates"`
	Decisions      int   `json:"decisions"`
	PendingReviews int   `json:"pending_reviews"`

	GatesByStatus   map[string]int `json:"gates_by_status"`
	DecisionsByType map[string]int `json:"decisions_by_type"`

	AvgSuccessRate  float64 `json:"avg_success_rate"`
	AvgAccuracyRate float64 `json:"avg_accuracy_rate"`
}

func (s *Server) showEventStats(w http.ResponseWriter, r *http.Request, eventID int64) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	ctx := r.Context()

	base, err := s.db.GetEventStats(ctx, eventID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to collect event stats: %v", err))
		return
	}
	records, err := s.db.ListGatesForEvent(ctx, eventID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve gates: %v", err))
		return
	}
	decisions, err := s.db.ListDecisionEvents(ctx, engine.DecisionFilter{EventID: &eventID})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve decisions: %v", err))
		return
	}

	stats := EventStatsAPI{
		EventID:         base.EventID,
		Checkins:        base.Checkins,
		GPSCheckins:     base.GPSCheckins,
		Gates:           base.Gates,
		ActiveGates:     base.ActiveGates,
		Decisions:       base.Decisions,
		PendingReviews:  base.PendingReviews,
		GatesByStatus:   make(map[string]int),
		DecisionsByType: make(map[string]int),
	}

	measured := 0
	for _, rec := range records {
		stats.GatesByStatus[string(rec.State.Status)]++
		if rec.State.DecisionsCount > 0 {
			measured++
			stats.AvgSuccessRate += rec.State.SuccessRate
			stats.AvgAccuracyRate += rec.State.AccuracyRate
		}
	}
	if measured > 0 {
		stats.AvgSuccessRate /= float64(measured)
		stats.AvgAccuracyRate /= float64(measured)
	}
	for i := range decisions {
		stats.DecisionsByType[string(decisions[i].Type)]++
	}

	httputil.WriteJSONOK(w, stats)
}
