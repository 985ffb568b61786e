package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bandpass-data/gatesense/internal/engine"
)

// execer is the write surface shared by *sql.DB and *sql.Tx, so threshold
// writes can run standalone or inside a state-change transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ThresholdsForEvent returns the event's adaptive thresholds, or (nil, nil)
// when the event has never drifted off the config defaults.
func (db *DB) ThresholdsForEvent(ctx context.Context, eventID int64) (*engine.AdaptiveThresholds, error) {
	query := `
		SELECT event_id, duplicate_distance_m, promotion_sample_size,
			confidence_threshold, velocity_threshold_ms,
			performance_improvement, updated_at_ms
		FROM adaptive_thresholds
		WHERE event_id = ?
	`

	var (
		th          engine.AdaptiveThresholds
		updatedAtMs int64
	)
	err := db.QueryRowContext(ctx, query, eventID).Scan(
		&th.EventID,
		&th.DuplicateDistanceM,
		&th.PromotionSampleSize,
		&th.ConfidenceThreshold,
		&th.VelocityThresholdMs,
		&th.PerformanceImprovement,
		&updatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thresholds: %w", err)
	}

	th.UpdatedAt = msTime(updatedAtMs)
	return &th, nil
}

// UpsertThresholds writes the event's thresholds, replacing any existing row.
func (db *DB) UpsertThresholds(ctx context.Context, th *engine.AdaptiveThresholds) error {
	return retryOnBusy(func() error {
		return writeThresholds(ctx, db, th)
	})
}

// ListThresholdOptimizations returns the event's threshold change records
// in chronological order.
func (db *DB) ListThresholdOptimizations(ctx context.Context, eventID int64) ([]engine.ThresholdOptimization, error) {
	query := `
		SELECT id, event_id, at_ms, field, old_value, new_value, reason
		FROM threshold_optimizations
		WHERE event_id = ?
		ORDER BY at_ms ASC, id ASC
	`

	rows, err := db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threshold optimizations: %w", err)
	}
	defer rows.Close()

	var opts []engine.ThresholdOptimization
	for rows.Next() {
		var (
			o    engine.ThresholdOptimization
			atMs int64
		)
		err := rows.Scan(&o.ID, &o.EventID, &atMs, &o.Field, &o.OldValue, &o.NewValue, &o.Reason)
		if err != nil {
			return nil, fmt.Errorf("failed to scan threshold optimization: %w", err)
		}
		o.At = msTime(atMs)
		opts = append(opts, o)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threshold optimizations: %w", err)
	}
	return opts, nil
}

func writeThresholds(ctx context.Context, q execer, th *engine.AdaptiveThresholds) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO adaptive_thresholds (
			event_id, duplicate_distance_m, promotion_sample_size,
			confidence_threshold, velocity_threshold_ms,
			performance_improvement, updated_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			duplicate_distance_m = excluded.duplicate_distance_m,
			promotion_sample_size = excluded.promotion_sample_size,
			confidence_threshold = excluded.confidence_threshold,
			velocity_threshold_ms = excluded.velocity_threshold_ms,
			performance_improvement = excluded.performance_improvement,
			updated_at_ms = excluded.updated_at_ms`,
		th.EventID,
		th.DuplicateDistanceM,
		th.PromotionSampleSize,
		th.ConfidenceThreshold,
		th.VelocityThresholdMs,
		th.PerformanceImprovement,
		th.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert thresholds: %w", err)
	}
	return nil
}

func insertThresholdOptimizationTx(ctx context.Context, tx *sql.Tx, o *engine.ThresholdOptimization) error {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO threshold_optimizations (
			event_id, at_ms, field, old_value, new_value, reason
		) VALUES (?, ?, ?, ?, ?, ?)`,
		o.EventID,
		o.At.UnixMilli(),
		o.Field,
		o.OldValue,
		o.NewValue,
		o.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert threshold optimization: %w", err)
	}

	o.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return nil
}
