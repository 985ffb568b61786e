package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bandpass-data/gatesense/internal/engine"
)

// PipelineRunByToken returns the run recorded for (eventID, runToken), or
// (nil, nil) when no such run exists. The pipeline uses this to replay a
// completed run instead of executing twice.
func (db *DB) PipelineRunByToken(ctx context.Context, eventID int64, runToken string) (*engine.PipelineRun, error) {
	query := `
		SELECT id, event_id, run_token, status, result, created_at_ms
		FROM pipeline_runs
		WHERE event_id = ? AND run_token = ?
	`

	var (
		run         engine.PipelineRun
		result      sql.NullString
		createdAtMs int64
	)
	err := db.QueryRowContext(ctx, query, eventID, runToken).Scan(
		&run.ID,
		&run.EventID,
		&run.RunToken,
		&run.Status,
		&result,
		&createdAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline run: %w", err)
	}

	if result.Valid {
		run.Result = json.RawMessage(result.String)
	}
	run.CreatedAt = msTime(createdAtMs)
	return &run, nil
}

// ListPipelineRunsForEvent returns the event's runs, newest first.
func (db *DB) ListPipelineRunsForEvent(ctx context.Context, eventID int64) ([]engine.PipelineRun, error) {
	query := `
		SELECT id, event_id, run_token, status, result, created_at_ms
		FROM pipeline_runs
		WHERE event_id = ?
		ORDER BY created_at_ms DESC, id DESC
	`

	rows, err := db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline runs: %w", err)
	}
	defer rows.Close()

	var runs []engine.PipelineRun
	for rows.Next() {
		var (
			run         engine.PipelineRun
			result      sql.NullString
			createdAtMs int64
		)
		err := rows.Scan(&run.ID, &run.EventID, &run.RunToken, &run.Status, &result, &createdAtMs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		if result.Valid {
			run.Result = json.RawMessage(result.String)
		}
		run.CreatedAt = msTime(createdAtMs)
		runs = append(runs, run)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pipeline runs: %w", err)
	}
	return runs, nil
}

// CreateGateSet persists one pipeline execute in a single transaction: the
// run row, every gate with its initial state, the seeded confidence history,
// and the accompanying decision events. Either the whole set lands or none
// of it does.
func (db *DB) CreateGateSet(ctx context.Context, set *engine.GateSet) error {
	return retryOnBusy(func() error {
		return db.createGateSet(ctx, set)
	})
}

func (db *DB) createGateSet(ctx context.Context, set *engine.GateSet) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin gate set transaction: %w", err)
	}
	defer tx.Rollback()

	var result any
	if len(set.Run.Result) > 0 {
		result = string(set.Run.Result)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, event_id, run_token, status, result, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		set.Run.ID,
		set.Run.EventID,
		set.Run.RunToken,
		set.Run.Status,
		result,
		set.Run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record pipeline run: %w", err)
	}

	for i := range set.Gates {
		if err := insertGateTx(ctx, tx, &set.Gates[i]); err != nil {
			return err
		}
	}
	for i := range set.States {
		if err := insertGateStateTx(ctx, tx, &set.States[i]); err != nil {
			return err
		}
	}
	for i := range set.History {
		if err := appendConfidenceEntryTx(ctx, tx, &set.History[i]); err != nil {
			return err
		}
	}
	for i := range set.Decisions {
		if err := insertDecisionEventTx(ctx, tx, &set.Decisions[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ApplyStateChange writes a lifecycle mutation in one transaction, guarded
// by change.ExpectVersion. Returns false with nothing written when the
// stored version no longer matches, and an error wrapping
// engine.ErrUnknownGate when the gate has no state row.
func (db *DB) ApplyStateChange(ctx context.Context, change *engine.StateChange) (bool, error) {
	var applied bool
	err := retryOnBusy(func() error {
		ok, err := db.applyStateChange(ctx, change)
		if err != nil {
			return err
		}
		applied = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (db *DB) applyStateChange(ctx context.Context, change *engine.StateChange) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin state change transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM gate_states WHERE gate_id = ?`,
		change.State.GateID).Scan(&current)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("gate %s: %w", change.State.GateID, engine.ErrUnknownGate)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read gate state version: %w", err)
	}
	if current != change.ExpectVersion {
		return false, nil
	}

	if err := updateGateStateTx(ctx, tx, &change.State, change.ExpectVersion); err != nil {
		return false, err
	}
	for i := range change.History {
		if err := appendConfidenceEntryTx(ctx, tx, &change.History[i]); err != nil {
			return false, err
		}
	}
	for i := range change.Decisions {
		if err := insertDecisionEventTx(ctx, tx, &change.Decisions[i]); err != nil {
			return false, err
		}
	}
	if change.Thresholds != nil {
		if err := writeThresholds(ctx, tx, change.Thresholds); err != nil {
			return false, err
		}
	}
	for i := range change.Optimizations {
		if err := insertThresholdOptimizationTx(ctx, tx, &change.Optimizations[i]); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit state change: %w", err)
	}
	return true, nil
}

func insertGateTx(ctx context.Context, tx *sql.Tx, g *engine.Gate) error {
	clusters := g.SourceClusterIDs
	if clusters == nil {
		clusters = []int{}
	}
	clustersJSON, err := json.Marshal(clusters)
	if err != nil {
		return fmt.Errorf("failed to encode source cluster ids: %w", err)
	}

	shouldEnforceInt := 0
	if g.ShouldEnforce {
		shouldEnforceInt = 1
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gates (
			id, event_id, name, lat, lon, radius_m,
			derivation_method, source_cluster_ids, member_count, purity,
			dominant_category, confidence, enforcement, should_enforce,
			window_start_ms, window_end_ms, run_token, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID,
		g.EventID,
		g.Name,
		g.Lat,
		g.Lon,
		g.RadiusM,
		g.DerivationMethod,
		string(clustersJSON),
		g.MemberCount,
		g.Purity,
		g.DominantCategory,
		g.Confidence,
		string(g.Enforcement),
		shouldEnforceInt,
		nullableMS(g.WindowStart),
		nullableMS(g.WindowEnd),
		g.RunToken,
		g.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert gate: %w", err)
	}
	return nil
}

func insertGateStateTx(ctx context.Context, tx *sql.Tx, st *engine.GateState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO gate_states (
			gate_id, status, confidence, decisions_count, decisions_today,
			last_decision_at_ms, success_rate, accuracy_rate, avg_response_ms,
			optimizing_since_ms, window_decisions, learning_started_at_ms,
			last_optimization_at_ms, optimization_count, version, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.GateID,
		string(st.Status),
		st.Confidence,
		st.DecisionsCount,
		st.DecisionsToday,
		nullableMS(st.LastDecisionAt),
		st.SuccessRate,
		st.AccuracyRate,
		st.AvgResponseMs,
		nullableMS(st.OptimizingSince),
		st.WindowDecisions,
		st.LearningStartedAt.UnixMilli(),
		nullableMS(st.LastOptimizationAt),
		st.OptimizationCount,
		st.Version,
		st.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert gate state: %w", err)
	}
	return nil
}

func updateGateStateTx(ctx context.Context, tx *sql.Tx, st *engine.GateState, expectVersion int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE gate_states SET
			status = ?,
			confidence = ?,
			decisions_count = ?,
			decisions_today = ?,
			last_decision_at_ms = ?,
			success_rate = ?,
			accuracy_rate = ?,
			avg_response_ms = ?,
			optimizing_since_ms = ?,
			window_decisions = ?,
			learning_started_at_ms = ?,
			last_optimization_at_ms = ?,
			optimization_count = ?,
			version = ?,
			updated_at_ms = ?
		WHERE gate_id = ? AND version = ?`,
		string(st.Status),
		st.Confidence,
		st.DecisionsCount,
		st.DecisionsToday,
		nullableMS(st.LastDecisionAt),
		st.SuccessRate,
		st.AccuracyRate,
		st.AvgResponseMs,
		nullableMS(st.OptimizingSince),
		st.WindowDecisions,
		st.LearningStartedAt.UnixMilli(),
		nullableMS(st.LastOptimizationAt),
		st.OptimizationCount,
		st.Version,
		st.UpdatedAt.UnixMilli(),
		st.GateID,
		expectVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update gate state: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("gate state for %s changed during update", st.GateID)
	}
	return nil
}

// appendConfidenceEntryTx assigns the next per-gate sequence number and
// inserts the entry. The UNIQUE(gate_id, seq) constraint backstops the
// assignment if two writers race.
func appendConfidenceEntryTx(ctx context.Context, tx *sql.Tx, e *engine.ConfidenceEntry) error {
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM gate_confidence_history WHERE gate_id = ?`,
		e.GateID).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("failed to assign history seq: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gate_confidence_history (
			gate_id, seq, at_ms, score, from_status, to_status, reason
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.GateID,
		e.Seq,
		e.At.UnixMilli(),
		e.Score,
		string(e.FromStatus),
		string(e.ToStatus),
		e.Trigger,
	)
	if err != nil {
		return fmt.Errorf("failed to insert confidence entry: %w", err)
	}
	return nil
}
