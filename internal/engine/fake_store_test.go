package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeStore is an in-memory Store implementation backing engine tests.
// It honors the same contracts as the SQLite store: (nil, nil) misses,
// wrapped sentinel errors, version-guarded state changes, and atomic
// gate-set writes.
type fakeStore struct {
	mu sync.Mutex

	venues     map[int64]*Venue
	checkins   map[int64][]CheckinEvent
	thresholds map[int64]*AdaptiveThresholds

	runs          map[string]PipelineRun
	gates         map[string]Gate
	gateOrder     []string
	states        map[string]GateState
	history       map[string][]ConfidenceEntry
	decisions     map[string]DecisionEvent
	decisionOrder []string
	optimizations []ThresholdOptimization

	// applyRejects makes ApplyStateChange report a version conflict this
	// many times before behaving normally.
	applyRejects int
	// createErr fails CreateGateSet with the given error.
	createErr error
	// createBlock, when set, parks CreateGateSet until the channel closes;
	// createStarted closes as soon as a create is in flight.
	createBlock   chan struct{}
	createStarted chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		venues:     make(map[int64]*Venue),
		checkins:   make(map[int64][]CheckinEvent),
		thresholds: make(map[int64]*AdaptiveThresholds),
		runs:       make(map[string]PipelineRun),
		gates:      make(map[string]Gate),
		states:     make(map[string]GateState),
		history:    make(map[string][]ConfidenceEntry),
		decisions:  make(map[string]DecisionEvent),
	}
}

func runKey(eventID int64, token string) string {
	return fmt.Sprintf("%d|%s", eventID, token)
}

func (f *fakeStore) addVenue(v *Venue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *v
	f.venues[v.EventID] = &cp
}

func (f *fakeStore) addCheckins(eventID int64, cs []CheckinEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkins[eventID] = append(f.checkins[eventID], cs...)
}

func (f *fakeStore) setThresholds(th *AdaptiveThresholds) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *th
	f.thresholds[th.EventID] = &cp
}

func (f *fakeStore) seedGate(g Gate, s GateState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates[g.ID] = g
	f.gateOrder = append(f.gateOrder, g.ID)
	f.states[g.ID] = s
}

func (f *fakeStore) seedDecision(d DecisionEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions[d.ID] = d
	f.decisionOrder = append(f.decisionOrder, d.ID)
}

func (f *fakeStore) gateState(gateID string) GateState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[gateID]
}

func (f *fakeStore) historyFor(gateID string) []ConfidenceEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ConfidenceEntry, len(f.history[gateID]))
	copy(out, f.history[gateID])
	return out
}

func (f *fakeStore) decisionsByType(t DecisionType) []DecisionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []DecisionEvent
	for _, id := range f.decisionOrder {
		if d := f.decisions[id]; d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeStore) gateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gates)
}

func (f *fakeStore) ListCheckinsForEvent(ctx context.Context, eventID int64) ([]CheckinEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CheckinEvent, len(f.checkins[eventID]))
	copy(out, f.checkins[eventID])
	return out, nil
}

func (f *fakeStore) VenueForEvent(ctx context.Context, eventID int64) (*Venue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.venues[eventID]
	if !ok {
		return nil, fmt.Errorf("event %d: %w", eventID, ErrUnknownEvent)
	}
	cp := *v
	return &cp, nil
}

func (f *fakeStore) ThresholdsForEvent(ctx context.Context, eventID int64) (*AdaptiveThresholds, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th, ok := f.thresholds[eventID]
	if !ok {
		return nil, nil
	}
	cp := *th
	return &cp, nil
}

func (f *fakeStore) PipelineRunByToken(ctx context.Context, eventID int64, runToken string) (*PipelineRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runKey(eventID, runToken)]
	if !ok {
		return nil, nil
	}
	cp := run
	return &cp, nil
}

func (f *fakeStore) CountGatesForEvent(ctx context.Context, eventID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, g := range f.gates {
		if g.EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreateGateSet(ctx context.Context, set *GateSet) error {
	if f.createStarted != nil {
		select {
		case <-f.createStarted:
		default:
			close(f.createStarted)
		}
	}
	if f.createBlock != nil {
		select {
		case <-f.createBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.createErr != nil {
		return f.createErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := runKey(set.Run.EventID, set.Run.RunToken)
	if _, exists := f.runs[key]; exists {
		return fmt.Errorf("run already recorded for event %d token %s", set.Run.EventID, set.Run.RunToken)
	}
	f.runs[key] = set.Run
	for _, g := range set.Gates {
		f.gates[g.ID] = g
		f.gateOrder = append(f.gateOrder, g.ID)
	}
	for _, s := range set.States {
		f.states[s.GateID] = s
	}
	for _, h := range set.History {
		f.appendHistoryLocked(h)
	}
	for _, d := range set.Decisions {
		f.decisions[d.ID] = d
		f.decisionOrder = append(f.decisionOrder, d.ID)
	}
	return nil
}

func (f *fakeStore) appendHistoryLocked(h ConfidenceEntry) {
	h.Seq = int64(len(f.history[h.GateID]) + 1)
	f.history[h.GateID] = append(f.history[h.GateID], h)
}

func (f *fakeStore) GateByID(ctx context.Context, gateID string) (*Gate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[gateID]
	if !ok {
		return nil, fmt.Errorf("gate %s: %w", gateID, ErrUnknownGate)
	}
	cp := g
	return &cp, nil
}

func (f *fakeStore) GateStateByID(ctx context.Context, gateID string) (*GateState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[gateID]
	if !ok {
		return nil, fmt.Errorf("gate %s: %w", gateID, ErrUnknownGate)
	}
	cp := s
	return &cp, nil
}

func (f *fakeStore) ApplyStateChange(ctx context.Context, change *StateChange) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyRejects > 0 {
		f.applyRejects--
		return false, nil
	}
	cur, ok := f.states[change.State.GateID]
	if !ok {
		return false, fmt.Errorf("gate %s: %w", change.State.GateID, ErrUnknownGate)
	}
	if cur.Version != change.ExpectVersion {
		return false, nil
	}
	f.states[change.State.GateID] = change.State
	for _, h := range change.History {
		f.appendHistoryLocked(h)
	}
	for _, d := range change.Decisions {
		f.decisions[d.ID] = d
		f.decisionOrder = append(f.decisionOrder, d.ID)
	}
	if change.Thresholds != nil {
		cp := *change.Thresholds
		f.thresholds[cp.EventID] = &cp
	}
	f.optimizations = append(f.optimizations, change.Optimizations...)
	return true, nil
}

func (f *fakeStore) DecisionEventByID(ctx context.Context, id string) (*DecisionEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, ErrUnknownDecision)
	}
	cp := d
	return &cp, nil
}

func (f *fakeStore) InsertDecisionEvent(ctx context.Context, ev *DecisionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.decisions[ev.ID]; exists {
		return fmt.Errorf("decision %s already exists", ev.ID)
	}
	f.decisions[ev.ID] = *ev
	f.decisionOrder = append(f.decisionOrder, ev.ID)
	return nil
}

func (f *fakeStore) AttachReview(ctx context.Context, id string, verdict ReviewVerdict, reviewerID, note string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decisions[id]
	if !ok {
		return fmt.Errorf("decision %s: %w", id, ErrUnknownDecision)
	}
	if d.ReviewStatus != nil {
		return fmt.Errorf("decision %s: %w", id, ErrAlreadyReviewed)
	}
	v := verdict
	d.ReviewStatus = &v
	d.ReviewerID = &reviewerID
	if note != "" {
		d.ReviewNote = &note
	}
	reviewedAt := at
	d.ReviewedAt = &reviewedAt
	f.decisions[id] = d
	return nil
}

func (f *fakeStore) ListIdleGates(ctx context.Context, lastDecisionBefore time.Time) ([]GateRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	flagged := make(map[string]bool)
	for _, id := range f.decisionOrder {
		d := f.decisions[id]
		if d.Type == DecisionAnomalyDetection && d.GateID != nil {
			flagged[*d.GateID] = true
		}
	}

	var out []GateRecord
	for _, id := range f.gateOrder {
		g := f.gates[id]
		s := f.states[id]
		if s.Status == StatusPaused || s.Status == StatusMaintenance || flagged[id] {
			continue
		}
		idle := false
		if s.LastDecisionAt == nil {
			idle = g.CreatedAt.Before(lastDecisionBefore)
		} else {
			idle = s.LastDecisionAt.Before(lastDecisionBefore)
		}
		if idle {
			out = append(out, GateRecord{Gate: g, State: s})
		}
	}
	return out, nil
}
