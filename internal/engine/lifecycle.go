package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/bandpass-data/gatesense/internal/units"
)

// casAttempts bounds the optimistic concurrency retry loop: read, apply,
// and on version conflict re-read once before surfacing ErrStaleState.
const casAttempts = 2

// RecordDecisionOutcome feeds one decision outcome into a gate's lifecycle:
// counters and rates update, and the state machine advances when a rule
// fires. The referenced decision event must exist; outcomes against unknown
// decisions are rejected rather than counted blind.
//
// A gate that finished its promotion sample on a previous call promotes at
// the start of this one, so the incoming outcome opens the first evaluation
// window instead of vanishing into the learning tally.
func (e *Engine) RecordDecisionOutcome(ctx context.Context, gateID, decisionEventID string, success bool, responseMs int64) (*GateState, error) {
	if _, err := e.store.DecisionEventByID(ctx, decisionEventID); err != nil {
		return nil, err
	}
	gate, err := e.store.GateByID(ctx, gateID)
	if err != nil {
		return nil, err
	}
	th, err := e.thresholdsFor(ctx, gate.EventID)
	if err != nil {
		return nil, err
	}
	loc := e.venueLocation(ctx, gate.EventID)

	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := e.store.GateStateByID(ctx, gateID)
		if err != nil {
			return nil, err
		}
		change := e.buildOutcomeChange(gate, state, th, success, responseMs, loc)
		ok, err := e.store.ApplyStateChange(ctx, change)
		if err != nil {
			return nil, err
		}
		if ok {
			if change.State.Status != state.Status {
				log.Printf("[Lifecycle] gate %s: %s -> %s (decisions=%d accuracy=%.2f)",
					gateID, state.Status, change.State.Status,
					change.State.DecisionsCount, change.State.AccuracyRate)
			}
			result := change.State
			return &result, nil
		}
	}
	return nil, fmt.Errorf("gate %s: concurrent state update lost %d times: %w", gateID, casAttempts, ErrStaleState)
}

// venueLocation resolves the venue-local timezone for daily counter resets.
// Missing venues or bad timezones degrade to UTC; outcome recording never
// fails over a display concern.
func (e *Engine) venueLocation(ctx context.Context, eventID int64) *time.Location {
	venue, err := e.store.VenueForEvent(ctx, eventID)
	if err != nil || venue == nil {
		return time.UTC
	}
	if venue.Timezone != "" && !units.IsTimezoneValid(venue.Timezone) {
		log.Printf("[Lifecycle] event %d: invalid venue timezone %q, using UTC", eventID, venue.Timezone)
	}
	return units.VenueLocationOrUTC(venue.Timezone)
}

// buildOutcomeChange computes the full state mutation one outcome causes:
// promotion check, counter updates, then window evaluation or demotion.
func (e *Engine) buildOutcomeChange(gate *Gate, state *GateState, th *AdaptiveThresholds, success bool, responseMs int64, loc *time.Location) *StateChange {
	now := e.clock.Now().UTC()
	next := *state
	change := &StateChange{ExpectVersion: state.Version}

	if next.Status == StatusLearning && next.DecisionsCount >= th.PromotionSampleSize {
		e.promote(gate, &next, change, th, now)
	}

	applyOutcome(&next, success, responseMs, now, loc)

	switch {
	case next.Status == StatusOptimizing && next.WindowDecisions >= e.cfg.GetEvaluationWindow():
		e.evaluateWindow(gate, &next, change, th, now)
	case next.Status == StatusActive && next.AccuracyRate < th.ConfidenceThreshold-e.cfg.GetDemotionHysteresis():
		e.demote(gate, &next, change, th, now)
	}

	next.Version = state.Version + 1
	next.UpdatedAt = now
	change.State = next
	return change
}

// applyOutcome folds one outcome into the state's counters and running
// means. The daily counter resets at the first decision after venue-local
// midnight; window tracking runs only while optimizing or active.
func applyOutcome(s *GateState, success bool, responseMs int64, now time.Time, loc *time.Location) {
	if s.LastDecisionAt == nil || !units.SameLocalDay(*s.LastDecisionAt, now, loc) {
		s.DecisionsToday = 0
	}
	s.DecisionsToday++
	s.DecisionsCount++
	at := now
	s.LastDecisionAt = &at

	x := 0.0
	if success {
		x = 1.0
	}
	s.SuccessRate += (x - s.SuccessRate) / float64(s.DecisionsCount)
	s.AvgResponseMs += (float64(responseMs) - s.AvgResponseMs) / float64(s.DecisionsCount)

	if s.Status == StatusOptimizing || s.Status == StatusActive {
		s.WindowDecisions++
		s.AccuracyRate += (x - s.AccuracyRate) / float64(s.WindowDecisions)
	}
}

// promote moves a learning gate into optimizing once its promotion sample
// is full. The lifetime success rate becomes the gate's confidence; the
// evaluation window starts empty.
func (e *Engine) promote(gate *Gate, next *GateState, change *StateChange, th *AdaptiveThresholds, now time.Time) {
	next.Confidence = next.SuccessRate
	next.Status = StatusOptimizing
	since := now
	next.OptimizingSince = &since
	next.WindowDecisions = 0
	next.AccuracyRate = 0

	change.History = append(change.History, ConfidenceEntry{
		GateID:     gate.ID,
		At:         now,
		Score:      next.Confidence,
		FromStatus: StatusLearning,
		ToStatus:   StatusOptimizing,
		Trigger:    TriggerPromotion,
	})
	change.Decisions = append(change.Decisions, e.lifecycleDecision(gate, next, th, now,
		DecisionPerformanceOptimization,
		fmt.Sprintf("promoted gate %q to optimizing after %d decisions", gate.Name, next.DecisionsCount)))
}

// evaluateWindow closes a full evaluation window: activate when the window
// accuracy clears the threshold, otherwise hold the gate in optimizing,
// lower the event's confidence threshold within its floor, and restart the
// window. Either way the thresholds row records the cycle's performance.
func (e *Engine) evaluateWindow(gate *Gate, next *GateState, change *StateChange, th *AdaptiveThresholds, now time.Time) {
	opt := now
	next.LastOptimizationAt = &opt
	next.OptimizationCount++
	next.Confidence = next.AccuracyRate

	if next.AccuracyRate >= th.ConfidenceThreshold {
		next.Status = StatusActive
		next.OptimizingSince = nil
		// The window carries into active so demotion monitoring reads an
		// established mean, not a cold start.

		change.History = append(change.History, ConfidenceEntry{
			GateID:     gate.ID,
			At:         now,
			Score:      next.Confidence,
			FromStatus: StatusOptimizing,
			ToStatus:   StatusActive,
			Trigger:    TriggerActivation,
		})
		change.Decisions = append(change.Decisions, e.lifecycleDecision(gate, next, th, now,
			DecisionPerformanceOptimization,
			fmt.Sprintf("activated gate %q: window accuracy %.2f over %d decisions", gate.Name, next.AccuracyRate, next.WindowDecisions)))
		change.Thresholds = cycleThresholds(th, th.ConfidenceThreshold, next.AccuracyRate, now)
		return
	}

	change.Decisions = append(change.Decisions, e.lifecycleDecision(gate, next, th, now,
		DecisionPerformanceOptimization,
		fmt.Sprintf("held gate %q in optimizing: window accuracy %.2f below threshold %.2f", gate.Name, next.AccuracyRate, th.ConfidenceThreshold)))

	old := th.ConfidenceThreshold
	lowered := old - e.cfg.GetThresholdStep()
	if floor := e.cfg.GetConfidenceFloor(); lowered < floor {
		lowered = floor
	}
	change.Thresholds = cycleThresholds(th, lowered, next.AccuracyRate, now)

	if lowered != old {
		change.Optimizations = append(change.Optimizations, ThresholdOptimization{
			EventID:  gate.EventID,
			At:       now,
			Field:    "confidence_threshold",
			OldValue: old,
			NewValue: lowered,
			Reason:   fmt.Sprintf("gate %s window accuracy %.2f below %.2f", gate.ID, next.AccuracyRate, old),
		})
		change.Decisions = append(change.Decisions, DecisionEvent{
			ID:         uuid.New().String(),
			EventID:    gate.EventID,
			Type:       DecisionThresholdAdjustment,
			Confidence: next.AccuracyRate,
			Action:     fmt.Sprintf("lowered confidence threshold %.2f -> %.2f for event %d", old, lowered, gate.EventID),
			Reasoning: encodeReasoning(thresholdReasoning{
				GateID:         gate.ID,
				WindowAccuracy: next.AccuracyRate,
				OldThreshold:   old,
				NewThreshold:   lowered,
				Step:           e.cfg.GetThresholdStep(),
				Floor:          e.cfg.GetConfidenceFloor(),
			}),
			Automated:      true,
			RequiresReview: next.AccuracyRate < lowered,
			CreatedAt:      now,
		})
	}

	since := now
	next.OptimizingSince = &since
	next.WindowDecisions = 0
	next.AccuracyRate = 0
}

// demote drops an underperforming active gate back to optimizing with a
// fresh evaluation window.
func (e *Engine) demote(gate *Gate, next *GateState, change *StateChange, th *AdaptiveThresholds, now time.Time) {
	next.Confidence = next.AccuracyRate
	next.Status = StatusOptimizing
	since := now
	next.OptimizingSince = &since

	change.History = append(change.History, ConfidenceEntry{
		GateID:     gate.ID,
		At:         now,
		Score:      next.Confidence,
		FromStatus: StatusActive,
		ToStatus:   StatusOptimizing,
		Trigger:    TriggerDemotion,
	})
	change.Decisions = append(change.Decisions, e.lifecycleDecision(gate, next, th, now,
		DecisionAutoCorrection,
		fmt.Sprintf("demoted gate %q to optimizing: accuracy %.2f fell below %.2f", gate.Name, next.AccuracyRate, th.ConfidenceThreshold-e.cfg.GetDemotionHysteresis())))

	next.WindowDecisions = 0
	next.AccuracyRate = 0
}

// lifecycleDecision builds the audit event for one automatic lifecycle rule.
func (e *Engine) lifecycleDecision(gate *Gate, next *GateState, th *AdaptiveThresholds, now time.Time, typ DecisionType, action string) DecisionEvent {
	gid := gate.ID
	return DecisionEvent{
		ID:         uuid.New().String(),
		GateID:     &gid,
		EventID:    gate.EventID,
		Type:       typ,
		Confidence: next.Confidence,
		Action:     action,
		Reasoning: encodeReasoning(lifecycleReasoning{
			Status:              string(next.Status),
			DecisionsCount:      next.DecisionsCount,
			WindowDecisions:     next.WindowDecisions,
			SuccessRate:         next.SuccessRate,
			AccuracyRate:        next.AccuracyRate,
			ConfidenceThreshold: th.ConfidenceThreshold,
			PromotionSampleSize: th.PromotionSampleSize,
			EvaluationWindow:    e.cfg.GetEvaluationWindow(),
		}),
		Automated:      true,
		RequiresReview: next.Confidence < th.ConfidenceThreshold,
		CreatedAt:      now,
	}
}

// cycleThresholds copies the event thresholds for one completed optimization
// cycle: the confidence threshold moves to its new value and the performance
// improvement running value blends in the cycle's headroom over the old bar.
func cycleThresholds(th *AdaptiveThresholds, confidenceThreshold, windowAccuracy float64, now time.Time) *AdaptiveThresholds {
	updated := *th
	updated.ConfidenceThreshold = confidenceThreshold
	updated.PerformanceImprovement = 0.5*th.PerformanceImprovement + 0.5*(windowAccuracy-th.ConfidenceThreshold)
	updated.UpdatedAt = now
	return &updated
}

// SetGateOperationalState applies an externally triggered transition:
// maintenance holds, pauses, and resumes. Illegal transitions are rejected
// with ErrInvalidTransition and leave the state untouched. A paused gate
// resumes to learning while its promotion sample is incomplete, else to
// optimizing; the caller must name that computed state as the target.
func (e *Engine) SetGateOperationalState(ctx context.Context, gateID string, target GateStatus) (*GateState, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("gate %s: unknown target state %q: %w", gateID, target, ErrInvalidTransition)
	}
	gate, err := e.store.GateByID(ctx, gateID)
	if err != nil {
		return nil, err
	}
	th, err := e.thresholdsFor(ctx, gate.EventID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		state, err := e.store.GateStateByID(ctx, gateID)
		if err != nil {
			return nil, err
		}
		if err := checkOperatorTransition(state, target, th); err != nil {
			return nil, fmt.Errorf("gate %s: %w", gateID, err)
		}
		change := e.buildTransitionChange(gate, state, target)
		ok, err := e.store.ApplyStateChange(ctx, change)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Printf("[Lifecycle] gate %s: %s -> %s (operator)", gateID, state.Status, target)
			result := change.State
			return &result, nil
		}
	}
	return nil, fmt.Errorf("gate %s: concurrent state update lost %d times: %w", gateID, casAttempts, ErrStaleState)
}

// resumeTarget computes where a paused gate resumes to.
func resumeTarget(state *GateState, th *AdaptiveThresholds) GateStatus {
	if state.DecisionsCount < th.PromotionSampleSize {
		return StatusLearning
	}
	return StatusOptimizing
}

// checkOperatorTransition enforces the legal-transition table for external
// requests. Active is never assignable: gates earn it through a passed
// evaluation window.
func checkOperatorTransition(state *GateState, target GateStatus, th *AdaptiveThresholds) error {
	from := state.Status
	if target == from {
		return fmt.Errorf("already %s: %w", from, ErrInvalidTransition)
	}
	switch target {
	case StatusMaintenance:
		if from == StatusLearning || from == StatusOptimizing || from == StatusActive {
			return nil
		}
	case StatusPaused:
		return nil
	case StatusOptimizing:
		switch from {
		case StatusActive, StatusMaintenance:
			return nil
		case StatusPaused:
			if resumeTarget(state, th) == StatusOptimizing {
				return nil
			}
			return fmt.Errorf("paused gate with %d of %d decisions resumes to learning: %w",
				state.DecisionsCount, th.PromotionSampleSize, ErrInvalidTransition)
		}
	case StatusLearning:
		if from == StatusPaused {
			if resumeTarget(state, th) == StatusLearning {
				return nil
			}
			return fmt.Errorf("paused gate with %d decisions resumes to optimizing: %w",
				state.DecisionsCount, ErrInvalidTransition)
		}
	case StatusActive:
		return fmt.Errorf("active is not assignable: %w", ErrInvalidTransition)
	}
	return fmt.Errorf("%s -> %s: %w", from, target, ErrInvalidTransition)
}

// buildTransitionChange assembles the mutation for a legal operator
// transition: new status, history entry, and an auto_correction audit event
// marked non-automated.
func (e *Engine) buildTransitionChange(gate *Gate, state *GateState, target GateStatus) *StateChange {
	now := e.clock.Now().UTC()
	next := *state
	from := state.Status
	next.Status = target

	if target == StatusOptimizing {
		since := now
		next.OptimizingSince = &since
		next.WindowDecisions = 0
		next.AccuracyRate = 0
	} else {
		next.OptimizingSince = nil
	}
	next.Version = state.Version + 1
	next.UpdatedAt = now

	gid := gate.ID
	change := &StateChange{State: next, ExpectVersion: state.Version}
	change.History = append(change.History, ConfidenceEntry{
		GateID:     gate.ID,
		At:         now,
		Score:      next.Confidence,
		FromStatus: from,
		ToStatus:   target,
		Trigger:    TriggerOperator,
	})
	change.Decisions = append(change.Decisions, DecisionEvent{
		ID:         uuid.New().String(),
		GateID:     &gid,
		EventID:    gate.EventID,
		Type:       DecisionAutoCorrection,
		Confidence: next.Confidence,
		Action:     fmt.Sprintf("operator moved gate %q from %s to %s", gate.Name, from, target),
		Reasoning: encodeReasoning(lifecycleReasoning{
			Status:         string(target),
			DecisionsCount: next.DecisionsCount,
			SuccessRate:    next.SuccessRate,
			AccuracyRate:   next.AccuracyRate,
		}),
		CreatedAt: now,
	})
	return change
}

// ReviewDecision attaches a human verdict to a decision event. Legal only
// while the event has no verdict; a second review surfaces
// ErrAlreadyReviewed. The verdict never rolls back the mutation the event
// describes.
func (e *Engine) ReviewDecision(ctx context.Context, decisionEventID string, verdict ReviewVerdict, reviewerID, note string) (*DecisionEvent, error) {
	if !verdict.Valid() {
		return nil, fmt.Errorf("unknown review verdict %q", verdict)
	}
	if reviewerID == "" {
		return nil, fmt.Errorf("decision %s: empty reviewer id", decisionEventID)
	}
	now := e.clock.Now().UTC()
	if err := e.store.AttachReview(ctx, decisionEventID, verdict, reviewerID, note, now); err != nil {
		return nil, err
	}
	log.Printf("[Lifecycle] decision %s reviewed %s by %s", decisionEventID, verdict, reviewerID)
	return e.store.DecisionEventByID(ctx, decisionEventID)
}

// SweepIdleGates flags gates with no decisions inside the idle horizon by
// writing one anomaly_detection event per idle gate, always requiring
// review. Returns how many gates were flagged. The store excludes paused
// and maintenance gates and gates already flagged.
func (e *Engine) SweepIdleGates(ctx context.Context) (int, error) {
	now := e.clock.Now().UTC()
	cutoff := now.Add(-e.cfg.GetIdleAfter())
	idle, err := e.store.ListIdleGates(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle gates: %w", err)
	}

	flagged := 0
	for i := range idle {
		rec := &idle[i]
		last := "creation at " + rec.Gate.CreatedAt.Format(time.RFC3339)
		if rec.State.LastDecisionAt != nil {
			last = rec.State.LastDecisionAt.Format(time.RFC3339)
		}
		gid := rec.Gate.ID
		ev := &DecisionEvent{
			ID:         uuid.New().String(),
			GateID:     &gid,
			EventID:    rec.Gate.EventID,
			Type:       DecisionAnomalyDetection,
			Confidence: rec.State.Confidence,
			Action:     fmt.Sprintf("gate %q idle: no decisions since %s", rec.Gate.Name, last),
			Reasoning: encodeReasoning(idleReasoning{
				Status:         string(rec.State.Status),
				LastDecisionAt: rec.State.LastDecisionAt,
				Cutoff:         cutoff,
				IdleAfter:      e.cfg.GetIdleAfter().String(),
			}),
			Automated:      true,
			RequiresReview: true,
			CreatedAt:      now,
		}
		if err := e.store.InsertDecisionEvent(ctx, ev); err != nil {
			return flagged, fmt.Errorf("flag idle gate %s: %w", rec.Gate.ID, err)
		}
		flagged++
	}
	if flagged > 0 {
		log.Printf("[Lifecycle] idle sweep flagged %d gates (cutoff %s)", flagged, cutoff.Format(time.RFC3339))
	}
	return flagged, nil
}

// lifecycleReasoning is the audit document for lifecycle rule decisions.
type lifecycleReasoning struct {
	Status              string  `json:"status"`
	DecisionsCount      int     `json:"decisions_count"`
	WindowDecisions     int     `json:"window_decisions,omitempty"`
	SuccessRate         float64 `json:"success_rate"`
	AccuracyRate        float64 `json:"accuracy_rate"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
	PromotionSampleSize int     `json:"promotion_sample_size,omitempty"`
	EvaluationWindow    int     `json:"evaluation_window,omitempty"`
}

// thresholdReasoning is the audit document for threshold adjustments.
type thresholdReasoning struct {
	GateID         string  `json:"gate_id"`
	WindowAccuracy float64 `json:"window_accuracy"`
	OldThreshold   float64 `json:"old_threshold"`
	NewThreshold   float64 `json:"new_threshold"`
	Step           float64 `json:"step"`
	Floor          float64 `json:"floor"`
}

// idleReasoning is the audit document for idle-gate anomaly events.
type idleReasoning struct {
	Status         string     `json:"status"`
	LastDecisionAt *time.Time `json:"last_decision_at,omitempty"`
	Cutoff         time.Time  `json:"cutoff"`
	IdleAfter      string     `json:"idle_after"`
}
