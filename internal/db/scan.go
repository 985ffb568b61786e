package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bandpass-data/gatesense/internal/engine"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows so the scan
// helpers below can serve single-row and list queries alike.
type rowScanner interface {
	Scan(dest ...any) error
}

// msTime converts a stored millisecond timestamp back to UTC time.
func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullableMS converts an optional time to a nullable millisecond column value.
func nullableMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// msPtr converts a nullable millisecond column back to an optional time.
func msPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := msTime(n.Int64)
	return &t
}

// gateColumns is the canonical column order for gate rows. Every query that
// feeds scanGate must select exactly these columns in this order.
const gateColumns = `id, event_id, name, lat, lon, radius_m,
	derivation_method, source_cluster_ids, member_count, purity,
	dominant_category, confidence, enforcement, should_enforce,
	window_start_ms, window_end_ms, run_token, created_at_ms`

// stateColumns is the canonical column order for gate state rows, consumed
// by scanGateState.
const stateColumns = `gate_id, status, confidence, decisions_count,
	decisions_today, last_decision_at_ms, success_rate, accuracy_rate,
	avg_response_ms, optimizing_since_ms, window_decisions,
	learning_started_at_ms, last_optimization_at_ms, optimization_count,
	version, updated_at_ms`

func scanGate(row rowScanner) (*engine.Gate, error) {
	var (
		g                engine.Gate
		clustersJSON     string
		enforcement      string
		shouldEnforceInt int
		windowStart      sql.NullInt64
		windowEnd        sql.NullInt64
		createdAtMs      int64
	)

	err := row.Scan(
		&g.ID,
		&g.EventID,
		&g.Name,
		&g.Lat,
		&g.Lon,
		&g.RadiusM,
		&g.DerivationMethod,
		&clustersJSON,
		&g.MemberCount,
		&g.Purity,
		&g.DominantCategory,
		&g.Confidence,
		&enforcement,
		&shouldEnforceInt,
		&windowStart,
		&windowEnd,
		&g.RunToken,
		&createdAtMs,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(clustersJSON), &g.SourceClusterIDs); err != nil {
		return nil, fmt.Errorf("failed to decode source cluster ids: %w", err)
	}
	if len(g.SourceClusterIDs) == 0 {
		g.SourceClusterIDs = nil
	}
	g.Enforcement = engine.EnforcementLevel(enforcement)
	g.ShouldEnforce = shouldEnforceInt == 1
	g.WindowStart = msPtr(windowStart)
	g.WindowEnd = msPtr(windowEnd)
	g.CreatedAt = msTime(createdAtMs)

	return &g, nil
}

func scanGateState(row rowScanner) (*engine.GateState, error) {
	var (
		st                 engine.GateState
		status             string
		lastDecisionAt     sql.NullInt64
		optimizingSince    sql.NullInt64
		learningStartedMs  int64
		lastOptimizationAt sql.NullInt64
		updatedAtMs        int64
	)

	err := row.Scan(
		&st.GateID,
		&status,
		&st.Confidence,
		&st.DecisionsCount,
		&st.DecisionsToday,
		&lastDecisionAt,
		&st.SuccessRate,
		&st.AccuracyRate,
		&st.AvgResponseMs,
		&optimizingSince,
		&st.WindowDecisions,
		&learningStartedMs,
		&lastOptimizationAt,
		&st.OptimizationCount,
		&st.Version,
		&updatedAtMs,
	)
	if err != nil {
		return nil, err
	}

	st.Status = engine.GateStatus(status)
	st.LastDecisionAt = msPtr(lastDecisionAt)
	st.OptimizingSince = msPtr(optimizingSince)
	st.LearningStartedAt = msTime(learningStartedMs)
	st.LastOptimizationAt = msPtr(lastOptimizationAt)
	st.UpdatedAt = msTime(updatedAtMs)

	return &st, nil
}

// gateRecordColumns selects a gate joined to its state (table aliases g and
// s) in the order scanGateRecord expects.
const gateRecordColumns = `g.id, g.event_id, g.name, g.lat, g.lon, g.radius_m,
	g.derivation_method, g.source_cluster_ids, g.member_count, g.purity,
	g.dominant_category, g.confidence, g.enforcement, g.should_enforce,
	g.window_start_ms, g.window_end_ms, g.run_token, g.created_at_ms,
	s.gate_id, s.status, s.confidence, s.decisions_count, s.decisions_today,
	s.last_decision_at_ms, s.success_rate, s.accuracy_rate, s.avg_response_ms,
	s.optimizing_since_ms, s.window_decisions, s.learning_started_at_ms,
	s.last_optimization_at_ms, s.optimization_count, s.version, s.updated_at_ms`

func scanGateRecord(row rowScanner) (*engine.GateRecord, error) {
	var (
		rec                engine.GateRecord
		clustersJSON       string
		enforcement        string
		shouldEnforceInt   int
		windowStart        sql.NullInt64
		windowEnd          sql.NullInt64
		gateCreatedMs      int64
		status             string
		lastDecisionAt     sql.NullInt64
		optimizingSince    sql.NullInt64
		learningStartedMs  int64
		lastOptimizationAt sql.NullInt64
		updatedAtMs        int64
	)

	err := row.Scan(
		&rec.Gate.ID,
		&rec.Gate.EventID,
		&rec.Gate.Name,
		&rec.Gate.Lat,
		&rec.Gate.Lon,
		&rec.Gate.RadiusM,
		&rec.Gate.DerivationMethod,
		&clustersJSON,
		&rec.Gate.MemberCount,
		&rec.Gate.Purity,
		&rec.Gate.DominantCategory,
		&rec.Gate.Confidence,
		&enforcement,
		&shouldEnforceInt,
		&windowStart,
		&windowEnd,
		&rec.Gate.RunToken,
		&gateCreatedMs,
		&rec.State.GateID,
		&status,
		&rec.State.Confidence,
		&rec.State.DecisionsCount,
		&rec.State.DecisionsToday,
		&lastDecisionAt,
		&rec.State.SuccessRate,
		&rec.State.AccuracyRate,
		&rec.State.AvgResponseMs,
		&optimizingSince,
		&rec.State.WindowDecisions,
		&learningStartedMs,
		&lastOptimizationAt,
		&rec.State.OptimizationCount,
		&rec.State.Version,
		&updatedAtMs,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(clustersJSON), &rec.Gate.SourceClusterIDs); err != nil {
		return nil, fmt.Errorf("failed to decode source cluster ids: %w", err)
	}
	if len(rec.Gate.SourceClusterIDs) == 0 {
		rec.Gate.SourceClusterIDs = nil
	}
	rec.Gate.Enforcement = engine.EnforcementLevel(enforcement)
	rec.Gate.ShouldEnforce = shouldEnforceInt == 1
	rec.Gate.WindowStart = msPtr(windowStart)
	rec.Gate.WindowEnd = msPtr(windowEnd)
	rec.Gate.CreatedAt = msTime(gateCreatedMs)

	rec.State.Status = engine.GateStatus(status)
	rec.State.LastDecisionAt = msPtr(lastDecisionAt)
	rec.State.OptimizingSince = msPtr(optimizingSince)
	rec.State.LearningStartedAt = msTime(learningStartedMs)
	rec.State.LastOptimizationAt = msPtr(lastOptimizationAt)
	rec.State.UpdatedAt = msTime(updatedAtMs)

	return &rec, nil
}

// decisionColumns is the canonical column order for decision event rows,
// consumed by scanDecisionEvent.
const decisionColumns = `id, gate_id, event_id, event_type, confidence,
	action, reasoning, automated, requires_review, review_status,
	reviewer_id, review_note, reviewed_at_ms, created_at_ms`

func scanDecisionEvent(row rowScanner) (*engine.DecisionEvent, error) {
	var (
		d            engine.DecisionEvent
		eventType    string
		reasoning    string
		automatedInt int
		requiresInt  int
		reviewStatus sql.NullString
		reviewedAt   sql.NullInt64
		createdAtMs  int64
	)

	err := row.Scan(
		&d.ID,
		&d.GateID,
		&d.EventID,
		&eventType,
		&d.Confidence,
		&d.Action,
		&reasoning,
		&automatedInt,
		&requiresInt,
		&reviewStatus,
		&d.ReviewerID,
		&d.ReviewNote,
		&reviewedAt,
		&createdAtMs,
	)
	if err != nil {
		return nil, err
	}

	d.Type = engine.DecisionType(eventType)
	d.Reasoning = json.RawMessage(reasoning)
	d.Automated = automatedInt == 1
	d.RequiresReview = requiresInt == 1
	if reviewStatus.Valid {
		verdict := engine.ReviewVerdict(reviewStatus.String)
		d.ReviewStatus = &verdict
	}
	d.ReviewedAt = msPtr(reviewedAt)
	d.CreatedAt = msTime(createdAtMs)

	return &d, nil
}
