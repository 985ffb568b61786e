package engine

import (
	"encoding/json"
	"time"
)

// DecisionType classifies an autonomous decision event.
type DecisionType string

const (
	DecisionGateCreation            DecisionType = "gate_creation"
	DecisionGateMerge               DecisionType = "gate_merge"
	DecisionThresholdAdjustment     DecisionType = "threshold_adjustment"
	DecisionAnomalyDetection        DecisionType = "anomaly_detection"
	DecisionPerformanceOptimization DecisionType = "performance_optimization"
	DecisionAutoCorrection          DecisionType = "auto_correction"
	DecisionPrediction              DecisionType = "prediction"
)

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool {
	switch t {
	case DecisionGateCreation, DecisionGateMerge, DecisionThresholdAdjustment,
		DecisionAnomalyDetection, DecisionPerformanceOptimization,
		DecisionAutoCorrection, DecisionPrediction:
		return true
	}
	return false
}

// ReviewVerdict is a human reviewer's call on a decision event.
type ReviewVerdict string

const (
	ReviewApproved ReviewVerdict = "approved"
	ReviewRejected ReviewVerdict = "rejected"
	ReviewModified ReviewVerdict = "modified"
)

// Valid reports whether v is a known review verdict.
func (v ReviewVerdict) Valid() bool {
	switch v {
	case ReviewApproved, ReviewRejected, ReviewModified:
		return true
	}
	return false
}

// DecisionEvent is one append-only audit record. Exactly one accompanies
// each engine mutation, written in the same transaction as the mutation.
// A rejected review does not roll the mutation back; corrective action is
// a separate operation that logs its own auto_correction event.
type DecisionEvent struct {
	ID string `json:"id"`
	// GateID is nil for event-scoped decisions (threshold adjustments).
	GateID  *string      `json:"gate_id,omitempty"`
	EventID int64        `json:"event_id"`
	Type    DecisionType `json:"event_type"`

	// Confidence is the engine's confidence at decision time.
	Confidence float64 `json:"confidence"`
	// Action is a short human-readable summary of what was done.
	Action string `json:"action"`
	// Reasoning captures the inputs and thresholds the decision saw.
	Reasoning json.RawMessage `json:"reasoning,omitempty"`

	// Automated is false only for operator-initiated actions.
	Automated      bool `json:"automated"`
	RequiresReview bool `json:"requires_review"`

	ReviewStatus *ReviewVerdict `json:"review_status,omitempty"`
	ReviewerID   *string        `json:"reviewer_id,omitempty"`
	ReviewNote   *string        `json:"review_note,omitempty"`
	ReviewedAt   *time.Time     `json:"reviewed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Reviewed reports whether a verdict has been attached.
func (d *DecisionEvent) Reviewed() bool {
	return d.ReviewStatus != nil
}

// DecisionFilter narrows a decision event listing. Nil fields match all.
type DecisionFilter struct {
	EventID        *int64
	GateID         *string
	Type           *DecisionType
	RequiresReview *bool
	// PendingReview selects events flagged for review with no verdict yet.
	PendingReview bool
	Limit         int
}

// encodeReasoning marshals a reasoning document. Reasoning is audit color,
// not control flow, so a marshal failure degrades to an empty document
// instead of failing the surrounding mutation.
func encodeReasoning(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
