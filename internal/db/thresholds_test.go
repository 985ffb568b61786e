package db

import (
	"context"
	"testing"
	"time"

	"github.com/bandpass-data/gatesense/internal/engine"
)

func TestThresholdsForEvent_Missing(t *testing.T) {
	db := setupTestDB(t)

	th, err := db.ThresholdsForEvent(context.Background(), 701)
	if err != nil {
		t.Fatalf("ThresholdsForEvent failed: %v", err)
	}
	if th != nil {
		t.Errorf("expected nil thresholds for untouched event, got %+v", th)
	}
}

func TestUpsertThresholds(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	th := &engine.AdaptiveThresholds{
		EventID:             702,
		DuplicateDistanceM:  25,
		PromotionSampleSize: 50,
		ConfidenceThreshold: 0.7,
		VelocityThresholdMs: 5000,
		UpdatedAt:           baseTime,
	}
	if err := db.UpsertThresholds(ctx, th); err != nil {
		t.Fatalf("UpsertThresholds failed: %v", err)
	}

	got, err := db.ThresholdsForEvent(ctx, 702)
	if err != nil {
		t.Fatalf("ThresholdsForEvent failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected thresholds row")
	}
	if got.DuplicateDistanceM != 25 || got.PromotionSampleSize != 50 {
		t.Errorf("got %+v, want duplicate 25 / sample 50", got)
	}
	if got.ConfidenceThreshold != 0.7 || got.VelocityThresholdMs != 5000 {
		t.Errorf("got %+v, want confidence 0.7 / velocity 5000", got)
	}
	if got.PerformanceImprovement != 0 {
		t.Errorf("PerformanceImprovement = %v, want 0", got.PerformanceImprovement)
	}
	if !got.UpdatedAt.Equal(baseTime) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, baseTime)
	}

	// Second write for the same event replaces, never duplicates
	th.ConfidenceThreshold = 0.65
	th.PromotionSampleSize = 30
	th.PerformanceImprovement = 0.08
	th.UpdatedAt = baseTime.Add(time.Hour)
	if err := db.UpsertThresholds(ctx, th); err != nil {
		t.Fatalf("second UpsertThresholds failed: %v", err)
	}

	got, err = db.ThresholdsForEvent(ctx, 702)
	if err != nil {
		t.Fatalf("ThresholdsForEvent failed: %v", err)
	}
	if got.ConfidenceThreshold != 0.65 || got.PromotionSampleSize != 30 {
		t.Errorf("got %+v, want updated confidence 0.65 / sample 30", got)
	}
	if got.PerformanceImprovement != 0.08 {
		t.Errorf("PerformanceImprovement = %v, want 0.08", got.PerformanceImprovement)
	}
	if !got.UpdatedAt.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, baseTime.Add(time.Hour))
	}
}

func TestListThresholdOptimizations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	opts, err := db.ListThresholdOptimizations(ctx, 703)
	if err != nil {
		t.Fatalf("ListThresholdOptimizations failed: %v", err)
	}
	if len(opts) != 0 {
		t.Fatalf("expected no records, got %d", len(opts))
	}

	// Optimization records only land through state changes
	g, st := gateFixture("g-opt", 703, engine.StatusOptimizing)
	seedGate(t, db, g, st)

	changes := []engine.ThresholdOptimization{
		{EventID: 703, At: baseTime.Add(time.Hour), Field: "confidence_threshold", OldValue: 0.7, NewValue: 0.65, Reason: "low volume event"},
		{EventID: 703, At: baseTime.Add(2 * time.Hour), Field: "promotion_sample_size", OldValue: 50, NewValue: 30, Reason: "low volume event"},
	}
	for i, opt := range changes {
		cur, err := db.GateStateByID(ctx, g.ID)
		if err != nil {
			t.Fatalf("GateStateByID failed: %v", err)
		}
		next := *cur
		next.Version = cur.Version + 1
		next.UpdatedAt = opt.At

		applied, err := db.ApplyStateChange(ctx, &engine.StateChange{
			State:         next,
			ExpectVersion: cur.Version,
			Optimizations: []engine.ThresholdOptimization{opt},
		})
		if err != nil {
			t.Fatalf("ApplyStateChange %d failed: %v", i, err)
		}
		if !applied {
			t.Fatalf("change %d did not apply", i)
		}
	}

	opts, err = db.ListThresholdOptimizations(ctx, 703)
	if err != nil {
		t.Fatalf("ListThresholdOptimizations failed: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("expected 2 records, got %d", len(opts))
	}
	if opts[0].Field != "confidence_threshold" || opts[1].Field != "promotion_sample_size" {
		t.Errorf("records out of order: %s, %s", opts[0].Field, opts[1].Field)
	}
	if opts[0].ID >= opts[1].ID {
		t.Errorf("ids not increasing: %d, %d", opts[0].ID, opts[1].ID)
	}
	if !opts[0].At.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("At = %v, want %v", opts[0].At, baseTime.Add(time.Hour))
	}
	if opts[0].OldValue != 0.7 || opts[0].NewValue != 0.65 || opts[0].Reason != "low volume event" {
		t.Errorf("record = %+v, want 0.7 -> 0.65 low volume event", opts[0])
	}

	// Scoped to the event
	other, err := db.ListThresholdOptimizations(ctx, 704)
	if err != nil {
		t.Fatalf("ListThresholdOptimizations failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no records for other event, got %d", len(other))
	}
}
