package engine

import "time"

// GateStatus is the autonomous lifecycle state of a persisted gate.
type GateStatus string

const (
	// StatusLearning is the initial state: the gate accumulates decision
	// outcomes but drives no autonomous adjustments yet.
	StatusLearning GateStatus = "learning"
	// StatusOptimizing means the gate has enough samples and is tuning
	// against its evaluation window.
	StatusOptimizing GateStatus = "optimizing"
	// StatusActive means the gate met the accuracy bar over a full window.
	StatusActive GateStatus = "active"
	// StatusMaintenance is an operator hold; automatic transitions stop.
	StatusMaintenance GateStatus = "maintenance"
	// StatusPaused stops all decision processing until resumed.
	StatusPaused GateStatus = "paused"
)

// Valid reports whether s is a known lifecycle state.
func (s GateStatus) Valid() bool {
	switch s {
	case StatusLearning, StatusOptimizing, StatusActive, StatusMaintenance, StatusPaused:
		return true
	}
	return false
}

// Transition triggers recorded on confidence history entries.
const (
	TriggerPipeline   = "pipeline_create"
	TriggerPromotion  = "auto_promotion"
	TriggerActivation = "auto_activation"
	TriggerDemotion   = "auto_demotion"
	TriggerOperator   = "operator_request"
)

// Gate is a persisted gate definition derived by the pipeline. Rows are
// written once per run; lifecycle churn lives on GateState.
type Gate struct {
	ID      string `json:"id"`
	EventID int64  `json:"event_id"`
	Name    string `json:"name"`

	// Position is nil for virtual gates.
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
	RadiusM float64  `json:"radius_m"`

	DerivationMethod string `json:"derivation_method"`
	SourceClusterIDs []int  `json:"source_cluster_ids,omitempty"`

	MemberCount      int     `json:"member_count"`
	Purity           float64 `json:"purity"`
	DominantCategory string  `json:"dominant_category"`
	Confidence       float64 `json:"confidence"`

	Enforcement   EnforcementLevel `json:"enforcement"`
	ShouldEnforce bool             `json:"should_enforce"`

	// Temporal window bounds carried over from virtual candidates.
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`

	RunToken  string    `json:"run_token"`
	CreatedAt time.Time `json:"created_at"`
}

// GateState is the mutable autonomous state of a gate. Updates are
// compare-and-swap on Version; a stale writer re-reads and retries once.
type GateState struct {
	GateID string     `json:"gate_id"`
	Status GateStatus `json:"status"`

	// Confidence is the gate's evolving reliability estimate. It starts at
	// the derivation confidence and is superseded by observed rates as the
	// gate transitions; every history entry snapshots it.
	Confidence float64 `json:"confidence"`

	DecisionsCount int        `json:"decisions_count"`
	DecisionsToday int        `json:"decisions_today"`
	LastDecisionAt *time.Time `json:"last_decision_at,omitempty"`

	SuccessRate   float64 `json:"success_rate"`
	AccuracyRate  float64 `json:"accuracy_rate"`
	AvgResponseMs float64 `json:"avg_response_ms"`

	// OptimizingSince and WindowDecisions track the current evaluation
	// window; both reset when the gate enters optimizing or the window
	// restarts after a threshold adjustment.
	OptimizingSince *time.Time `json:"optimizing_since,omitempty"`
	WindowDecisions int        `json:"window_decisions"`

	LearningStartedAt time.Time `json:"learning_started_at"`
	// LastOptimizationAt and OptimizationCount advance each time an
	// evaluation window completes, whether it ends in activation or a
	// threshold adjustment.
	LastOptimizationAt *time.Time `json:"last_optimization_at,omitempty"`
	OptimizationCount  int        `json:"optimization_count"`

	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConfidenceEntry is one append-only confidence history record. Every state
// transition appends exactly one entry; entries are never updated.
type ConfidenceEntry struct {
	GateID string `json:"gate_id"`
	// Seq is per-gate monotonic, assigned by the store at insert time.
	Seq        int64      `json:"seq"`
	At         time.Time  `json:"at"`
	Score      float64    `json:"score"`
	FromStatus GateStatus `json:"from_status"`
	ToStatus   GateStatus `json:"to_status"`
	Trigger    string     `json:"trigger"`
}

// GateRecord pairs a persisted gate with its current lifecycle state for
// listing surfaces.
type GateRecord struct {
	Gate  Gate      `json:"gate"`
	State GateState `json:"state"`
}
