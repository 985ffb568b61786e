package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bandpass-data/gatesense/internal/engine"
)

// baseTime anchors seeded rows so tests can assert exact timestamps.
// Stored times are millisecond precision, so fixtures stay on whole millis.
var baseTime = time.Date(2025, 6, 14, 18, 0, 0, 0, time.UTC)

// setupTestDB creates a migrated on-disk database under t.TempDir. File
// backed databases keep WAL behavior identical to production; :memory:
// would not exercise the same locking.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

// seedVenue inserts a venue with typical festival defaults.
func seedVenue(t *testing.T, db *DB, eventID int64) *engine.Venue {
	t.Helper()

	v := &engine.Venue{
		EventID:               eventID,
		Name:                  "Riverside Festival Grounds",
		DefaultRadiusM:        floatPtr(30),
		GPSAccuracyThresholdM: 50,
		Timezone:              "UTC",
	}
	if err := db.CreateVenue(context.Background(), v); err != nil {
		t.Fatalf("Failed to seed venue: %v", err)
	}
	return v
}

// gateFixture returns a gate/state pair ready for seedGate. The state
// starts at version 1 in the given status with confidence matching the
// gate's derivation confidence.
func gateFixture(gateID string, eventID int64, status engine.GateStatus) (engine.Gate, engine.GateState) {
	g := engine.Gate{
		ID:               gateID,
		EventID:          eventID,
		Name:             "Gate A",
		Lat:              floatPtr(41.8781),
		Lon:              floatPtr(-87.6298),
		RadiusM:          30,
		DerivationMethod: engine.MethodGPSDBSCAN,
		SourceClusterIDs: []int{0},
		MemberCount:      42,
		Purity:           0.95,
		DominantCategory: "GA",
		Confidence:       0.88,
		Enforcement:      engine.EnforcementStrict,
		ShouldEnforce:    true,
		RunToken:         "run-" + gateID,
		CreatedAt:        baseTime,
	}
	st := engine.GateState{
		GateID:            gateID,
		Status:            status,
		Confidence:        g.Confidence,
		LearningStartedAt: baseTime,
		Version:           1,
		UpdatedAt:         baseTime,
	}
	return g, st
}

// seedGate persists one gate with its state through the regular gate set
// path, recording a completed run under the gate's run token.
func seedGate(t *testing.T, db *DB, g engine.Gate, st engine.GateState) {
	t.Helper()

	set := &engine.GateSet{
		Run: engine.PipelineRun{
			ID:        "pr-" + g.ID,
			EventID:   g.EventID,
			RunToken:  g.RunToken,
			Status:    engine.RunCompleted,
			CreatedAt: g.CreatedAt,
		},
		Gates:  []engine.Gate{g},
		States: []engine.GateState{st},
		History: []engine.ConfidenceEntry{{
			GateID:     g.ID,
			At:         g.CreatedAt,
			Score:      g.Confidence,
			FromStatus: st.Status,
			ToStatus:   st.Status,
			Trigger:    engine.TriggerPipeline,
		}},
	}
	if err := db.CreateGateSet(context.Background(), set); err != nil {
		t.Fatalf("Failed to seed gate %s: %v", g.ID, err)
	}
}

// seedDecision inserts one decision event with sensible defaults applied to
// zero fields.
func seedDecision(t *testing.T, db *DB, ev engine.DecisionEvent) engine.DecisionEvent {
	t.Helper()

	if ev.Type == "" {
		ev.Type = engine.DecisionGateCreation
	}
	if ev.Action == "" {
		ev.Action = "created gate"
	}
	if len(ev.Reasoning) == 0 {
		ev.Reasoning = []byte(`{"source":"test"}`)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = baseTime
	}
	if err := db.InsertDecisionEvent(context.Background(), &ev); err != nil {
		t.Fatalf("Failed to seed decision %s: %v", ev.ID, err)
	}
	return ev
}
