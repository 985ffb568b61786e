package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bandpass-data/gatesense/internal/config"
	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/timeutil"
)

// Runs the full engine against the real store and checks every row an
// execute leaves behind, then an outcome and a review on top of it. The
// engine tests cover the same flows against a fake store; this one pins the
// sqlite round-trip.
func TestEnginePersistence_ExecuteOutcomeReview(t *testing.T) {
	dbConn := setupTestDB(t)
	ctx := context.Background()
	const eventID = int64(5)

	seedVenue(t, dbConn, eventID)

	crowd := engine.GenerateCheckins(engine.FixtureSpec{
		EventID: eventID,
		Seed:    11,
		Clusters: []engine.FixtureCluster{{
			Lat: 41.8781, Lon: -87.6298, SpreadM: 3, Count: 90,
			Category: "General", AccuracyM: 5,
			Start: baseTime, Interval: 30 * time.Second,
		}},
	})
	require.NoError(t, dbConn.InsertCheckins(ctx, crowd))

	runTime := baseTime.Add(2 * time.Hour)
	clock := timeutil.NewMockClock(runTime)
	eng := engine.New(dbConn, nil, clock)

	result, err := eng.ExecutePipeline(ctx, eventID, "persist-run-1")
	require.NoError(t, err)
	require.Len(t, result.Gates, 1)
	assert.False(t, result.Replayed)

	gateID := result.Gates[0].ID

	t.Run("gate row", func(t *testing.T) {
		gate, err := dbConn.GateByID(ctx, gateID)
		require.NoError(t, err)

		assert.Equal(t, eventID, gate.EventID)
		assert.Equal(t, engine.MethodGPSDBSCAN, gate.DerivationMethod)
		assert.Equal(t, "persist-run-1", gate.RunToken)
		assert.Equal(t, 90, gate.MemberCount)
		assert.Equal(t, "General", gate.DominantCategory)
		assert.Equal(t, 1.0, gate.Purity)
		require.NotNil(t, gate.Lat)
		require.NotNil(t, gate.Lon)
		assert.InDelta(t, 41.8781, *gate.Lat, 0.001)
		assert.InDelta(t, -87.6298, *gate.Lon, 0.001)
		assert.Greater(t, gate.RadiusM, 0.0)
		assert.Equal(t, runTime, gate.CreatedAt.UTC())
	})

	t.Run("initial state and history", func(t *testing.T) {
		gate, err := dbConn.GateByID(ctx, gateID)
		require.NoError(t, err)
		state, err := dbConn.GateStateByID(ctx, gateID)
		require.NoError(t, err)

		assert.Equal(t, engine.StatusLearning, state.Status)
		assert.Equal(t, gate.Confidence, state.Confidence)
		assert.Equal(t, 0, state.DecisionsCount)
		assert.Equal(t, int64(1), state.Version)
		assert.Equal(t, runTime, state.LearningStartedAt.UTC())
		assert.Nil(t, state.LastDecisionAt)

		history, err := dbConn.ConfidenceHistoryForGate(ctx, gateID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, int64(1), history[0].Seq)
		assert.Equal(t, gate.Confidence, history[0].Score)
		assert.Equal(t, engine.StatusLearning, history[0].ToStatus)
		assert.Equal(t, engine.TriggerPipeline, history[0].Trigger)
	})

	t.Run("run row replays", func(t *testing.T) {
		run, err := dbConn.PipelineRunByToken(ctx, eventID, "persist-run-1")
		require.NoError(t, err)
		assert.Equal(t, result.RunID, run.ID)
		assert.Equal(t, engine.RunCompleted, run.Status)
		assert.NotEmpty(t, run.Result)

		replay, err := eng.ExecutePipeline(ctx, eventID, "persist-run-1")
		require.NoError(t, err)
		assert.True(t, replay.Replayed)
		assert.Equal(t, result.RunID, replay.RunID)
	})

	var creationID string
	t.Run("creation decision", func(t *testing.T) {
		decisions, err := dbConn.ListDecisionEvents(ctx, engine.DecisionFilter{
			GateID: strPtr(gateID),
		})
		require.NoError(t, err)
		require.Len(t, decisions, 1)

		dec := decisions[0]
		creationID = dec.ID
		assert.Equal(t, engine.DecisionGateCreation, dec.Type)
		require.NotNil(t, dec.GateID)
		assert.Equal(t, gateID, *dec.GateID)
		assert.True(t, dec.Automated)
		assert.NotEmpty(t, dec.Reasoning)
		assert.Contains(t, dec.Action, "created")
		assert.False(t, dec.Reviewed())

		// Review is demanded exactly when derivation confidence sits under
		// the promotion threshold.
		cfg := config.MustLoadDefaultConfig()
		assert.Equal(t, dec.Confidence < cfg.GetConfidenceThreshold(), dec.RequiresReview)
	})

	outcomeTime := runTime.Add(45 * time.Minute)
	t.Run("outcome folds into state", func(t *testing.T) {
		clock.Set(outcomeTime)

		state, err := eng.RecordDecisionOutcome(ctx, gateID, creationID, true, 420)
		require.NoError(t, err)

		assert.Equal(t, engine.StatusLearning, state.Status)
		assert.Equal(t, 1, state.DecisionsCount)
		assert.Equal(t, 1, state.DecisionsToday)
		assert.Equal(t, 1.0, state.SuccessRate)
		assert.Equal(t, 420.0, state.AvgResponseMs)
		assert.Equal(t, 0, state.WindowDecisions)
		assert.Equal(t, int64(2), state.Version)
		require.NotNil(t, state.LastDecisionAt)
		assert.Equal(t, outcomeTime, state.LastDecisionAt.UTC())

		// Returned state matches the persisted row.
		stored, err := dbConn.GateStateByID(ctx, gateID)
		require.NoError(t, err)
		assert.Equal(t, *state, *stored)
	})

	t.Run("review attaches once", func(t *testing.T) {
		reviewTime := runTime.Add(90 * time.Minute)
		clock.Set(reviewTime)

		reviewed, err := eng.ReviewDecision(ctx, creationID, engine.ReviewApproved, "op-7", "clean derivation")
		require.NoError(t, err)

		require.NotNil(t, reviewed.ReviewStatus)
		assert.Equal(t, engine.ReviewApproved, *reviewed.ReviewStatus)
		require.NotNil(t, reviewed.ReviewerID)
		assert.Equal(t, "op-7", *reviewed.ReviewerID)
		require.NotNil(t, reviewed.ReviewNote)
		assert.Equal(t, "clean derivation", *reviewed.ReviewNote)
		require.NotNil(t, reviewed.ReviewedAt)
		assert.Equal(t, reviewTime, reviewed.ReviewedAt.UTC())

		_, err = eng.ReviewDecision(ctx, creationID, engine.ReviewRejected, "op-8", "")
		assert.ErrorIs(t, err, engine.ErrAlreadyReviewed)
	})

	t.Run("event stats reflect the run", func(t *testing.T) {
		stats, err := dbConn.GetEventStats(ctx, eventID)
		require.NoError(t, err)
		assert.Equal(t, 90, stats.Checkins)
		assert.Equal(t, 90, stats.GPSCheckins)
		assert.Equal(t, 1, stats.Gates)
		assert.Equal(t, 0, stats.ActiveGates)
	})
}

// Promotion through the real store: the sample fills while learning, and
// the outcome after the full sample opens the first optimizing window.
func TestEnginePersistence_PromotionAtSampleSize(t *testing.T) {
	dbConn := setupTestDB(t)
	ctx := context.Background()
	const eventID = int64(6)

	seedVenue(t, dbConn, eventID)

	crowd := engine.GenerateCheckins(engine.FixtureSpec{
		EventID: eventID,
		Seed:    13,
		Clusters: []engine.FixtureCluster{{
			Lat: 41.8781, Lon: -87.6298, SpreadM: 3, Count: 80,
			Category: "VIP", AccuracyM: 5,
			Start: baseTime, Interval: 30 * time.Second,
		}},
	})
	require.NoError(t, dbConn.InsertCheckins(ctx, crowd))

	clock := timeutil.NewMockClock(baseTime.Add(2 * time.Hour))
	eng := engine.New(dbConn, nil, clock)

	result, err := eng.ExecutePipeline(ctx, eventID, "persist-run-2")
	require.NoError(t, err)
	require.Len(t, result.Gates, 1)
	gateID := result.Gates[0].ID

	decisions, err := dbConn.ListDecisionEvents(ctx, engine.DecisionFilter{GateID: strPtr(gateID)})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	decisionID := decisions[0].ID

	sample := config.MustLoadDefaultConfig().GetPromotionSampleSize()
	for i := 0; i < sample; i++ {
		clock.Advance(time.Minute)
		_, err := eng.RecordDecisionOutcome(ctx, gateID, decisionID, true, 300)
		require.NoError(t, err)
	}

	state, err := dbConn.GateStateByID(ctx, gateID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusLearning, state.Status)
	assert.Equal(t, sample, state.DecisionsCount)

	// The next outcome triggers the promotion first, then lands in the
	// fresh window.
	clock.Advance(time.Minute)
	promoted, err := eng.RecordDecisionOutcome(ctx, gateID, decisionID, true, 300)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusOptimizing, promoted.Status)
	assert.Equal(t, 1, promoted.WindowDecisions)
	assert.Equal(t, 1.0, promoted.AccuracyRate)
	require.NotNil(t, promoted.OptimizingSince)

	history, err := dbConn.ConfidenceHistoryForGate(ctx, gateID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, engine.StatusLearning, last.FromStatus)
	assert.Equal(t, engine.StatusOptimizing, last.ToStatus)
	assert.Equal(t, engine.TriggerPromotion, last.Trigger)
}
