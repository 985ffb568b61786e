package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bandpass-data/gatesense/internal/config"
)

// PipelineRun records one execute keyed by (event, run token). At most one
// run persists per pair; a replay returns the stored result.
type PipelineRun struct {
	ID        string          `json:"id"`
	EventID   int64           `json:"event_id"`
	RunToken  string          `json:"run_token"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunCompleted is the only run status a committed transaction leaves
// behind; failed executes roll their run row back with everything else.
const RunCompleted = "completed"

// AdaptiveThresholds are the per-event tunables the lifecycle adjusts over
// time. A missing row means the event still runs on config defaults.
type AdaptiveThresholds struct {
	EventID                int64     `json:"event_id"`
	DuplicateDistanceM     float64   `json:"duplicate_distance_m"`
	PromotionSampleSize    int       `json:"promotion_sample_size"`
	ConfidenceThreshold    float64   `json:"confidence_threshold"`
	VelocityThresholdMs    int64     `json:"velocity_threshold_ms"`
	PerformanceImprovement float64   `json:"performance_improvement"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// DefaultThresholds seeds an event's adaptive thresholds from config.
func DefaultThresholds(eventID int64, cfg *config.EngineConfig, now time.Time) *AdaptiveThresholds {
	return &AdaptiveThresholds{
		EventID:             eventID,
		DuplicateDistanceM:  cfg.GetDuplicateDistanceM(),
		PromotionSampleSize: cfg.GetPromotionSampleSize(),
		ConfidenceThreshold: cfg.GetConfidenceThreshold(),
		VelocityThresholdMs: cfg.GetVelocityThresholdMs(),
		UpdatedAt:           now,
	}
}

// ThresholdOptimization is one append-only record of an automatic threshold
// change, kept so operators can audit how an event's tunables drifted.
type ThresholdOptimization struct {
	ID       int64     `json:"id"`
	EventID  int64     `json:"event_id"`
	At       time.Time `json:"at"`
	Field    string    `json:"field"`
	OldValue float64   `json:"old_value"`
	NewValue float64   `json:"new_value"`
	Reason   string    `json:"reason"`
}

// GateSet is everything one pipeline execute persists. The store writes it
// in a single transaction: either the whole set lands or none of it does.
type GateSet struct {
	Run       PipelineRun
	Gates     []Gate
	States    []GateState
	History   []ConfidenceEntry
	Decisions []DecisionEvent
}

// StateChange is everything one lifecycle mutation writes atomically: the
// new gate state guarded by ExpectVersion, plus any history entries,
// decision events, and threshold updates the transition produced.
type StateChange struct {
	State         GateState
	ExpectVersion int64
	History       []ConfidenceEntry
	Decisions     []DecisionEvent
	Thresholds    *AdaptiveThresholds
	Optimizations []ThresholdOptimization
}

// RunStore is the persistence surface of the derivation pipeline.
type RunStore interface {
	// PipelineRunByToken returns the run for (eventID, runToken), or
	// (nil, nil) when no such run exists.
	PipelineRunByToken(ctx context.Context, eventID int64, runToken string) (*PipelineRun, error)

	// CountGatesForEvent counts gates already persisted for the event.
	CountGatesForEvent(ctx context.Context, eventID int64) (int, error)

	// CreateGateSet persists the set in one transaction.
	CreateGateSet(ctx context.Context, set *GateSet) error
}

// GateSource reads persisted gates and their states.
type GateSource interface {
	// GateByID returns the gate, or an error wrapping ErrUnknownGate.
	GateByID(ctx context.Context, gateID string) (*Gate, error)

	// GateStateByID returns the gate's lifecycle state, or an error
	// wrapping ErrUnknownGate.
	GateStateByID(ctx context.Context, gateID string) (*GateState, error)
}

// StateStore applies lifecycle mutations.
type StateStore interface {
	GateSource

	// ApplyStateChange writes the change in one transaction, guarded by
	// change.ExpectVersion. Returns false (and writes nothing) when the
	// stored version no longer matches.
	ApplyStateChange(ctx context.Context, change *StateChange) (bool, error)
}

// ThresholdSource reads per-event adaptive thresholds.
type ThresholdSource interface {
	// ThresholdsForEvent returns the event's thresholds, or (nil, nil)
	// when the event has never drifted off the defaults.
	ThresholdsForEvent(ctx context.Context, eventID int64) (*AdaptiveThresholds, error)
}

// DecisionSource reads, writes, and reviews decision events.
type DecisionSource interface {
	// DecisionEventByID returns the event, or an error wrapping
	// ErrUnknownDecision.
	DecisionEventByID(ctx context.Context, id string) (*DecisionEvent, error)

	// InsertDecisionEvent appends a single decision event outside any
	// gate-set or state-change transaction.
	InsertDecisionEvent(ctx context.Context, ev *DecisionEvent) error

	// AttachReview attaches a verdict to an unreviewed decision event.
	// A second review returns an error wrapping ErrAlreadyReviewed.
	AttachReview(ctx context.Context, id string, verdict ReviewVerdict, reviewerID, note string, at time.Time) error
}

// IdleSource finds gates the anomaly sweep should look at.
type IdleSource interface {
	// ListIdleGates returns gates whose last decision predates the cutoff
	// (or that never decided and were created before it), excluding paused
	// and maintenance gates and gates already flagged idle.
	ListIdleGates(ctx context.Context, lastDecisionBefore time.Time) ([]GateRecord, error)
}

// Store is the full persistence surface the engine drives. *db.DB
// implements it; tests substitute in-memory fakes.
type Store interface {
	CheckinSource
	VenueSource
	ThresholdSource
	RunStore
	StateStore
	DecisionSource
	IdleSource
}
