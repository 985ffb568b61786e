package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bandpass-data/gatesense/internal/engine"
)

// GateByID retrieves a gate definition. Unknown ids return an error
// wrapping engine.ErrUnknownGate.
func (db *DB) GateByID(ctx context.Context, gateID string) (*engine.Gate, error) {
	query := `SELECT ` + gateColumns + ` FROM gates WHERE id = ?`

	g, err := scanGate(db.QueryRowContext(ctx, query, gateID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("gate %s: %w", gateID, engine.ErrUnknownGate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gate: %w", err)
	}
	return g, nil
}

// GateStateByID retrieves a gate's lifecycle state. Unknown ids return an
// error wrapping engine.ErrUnknownGate.
func (db *DB) GateStateByID(ctx context.Context, gateID string) (*engine.GateState, error) {
	query := `SELECT ` + stateColumns + ` FROM gate_states WHERE gate_id = ?`

	st, err := scanGateState(db.QueryRowContext(ctx, query, gateID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("gate %s: %w", gateID, engine.ErrUnknownGate)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gate state: %w", err)
	}
	return st, nil
}

// ListGatesForEvent returns all gates for an event paired with their current
// states, in creation order.
func (db *DB) ListGatesForEvent(ctx context.Context, eventID int64) ([]engine.GateRecord, error) {
	query := `
		SELECT ` + gateRecordColumns + `
		FROM gates g
		JOIN gate_states s ON s.gate_id = g.id
		WHERE g.event_id = ?
		ORDER BY g.created_at_ms ASC, g.id ASC
	`

	rows, err := db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query gates: %w", err)
	}
	defer rows.Close()

	var records []engine.GateRecord
	for rows.Next() {
		rec, err := scanGateRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gate: %w", err)
		}
		records = append(records, *rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating gates: %w", err)
	}
	return records, nil
}

// CountGatesForEvent counts gates already persisted for the event.
func (db *DB) CountGatesForEvent(ctx context.Context, eventID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gates WHERE event_id = ?`, eventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count gates: %w", err)
	}
	return count, nil
}

// ConfidenceHistoryForGate returns the gate's confidence history in sequence
// order. History is append-only; the slice is the gate's full audit trail.
func (db *DB) ConfidenceHistoryForGate(ctx context.Context, gateID string) ([]engine.ConfidenceEntry, error) {
	query := `
		SELECT gate_id, seq, at_ms, score, from_status, to_status, reason
		FROM gate_confidence_history
		WHERE gate_id = ?
		ORDER BY seq ASC
	`

	rows, err := db.QueryContext(ctx, query, gateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query confidence history: %w", err)
	}
	defer rows.Close()

	var entries []engine.ConfidenceEntry
	for rows.Next() {
		var (
			e          engine.ConfidenceEntry
			atMs       int64
			fromStatus string
			toStatus   string
		)
		err := rows.Scan(&e.GateID, &e.Seq, &atMs, &e.Score, &fromStatus, &toStatus, &e.Trigger)
		if err != nil {
			return nil, fmt.Errorf("failed to scan confidence entry: %w", err)
		}
		e.At = msTime(atMs)
		e.FromStatus = engine.GateStatus(fromStatus)
		e.ToStatus = engine.GateStatus(toStatus)
		entries = append(entries, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating confidence history: %w", err)
	}
	return entries, nil
}

// ListIdleGates returns gates whose last decision predates the cutoff, or
// that never decided and were created before it. Paused and maintenance
// gates are skipped, as are gates already carrying an anomaly flag, so the
// sweep never reports the same gate twice.
func (db *DB) ListIdleGates(ctx context.Context, lastDecisionBefore time.Time) ([]engine.GateRecord, error) {
	query := `
		SELECT ` + gateRecordColumns + `
		FROM gates g
		JOIN gate_states s ON s.gate_id = g.id
		WHERE s.status NOT IN (?, ?)
		  AND COALESCE(s.last_decision_at_ms, g.created_at_ms) < ?
		  AND NOT EXISTS (
			SELECT 1 FROM gate_decision_events d
			WHERE d.gate_id = g.id AND d.event_type = ?
		  )
		ORDER BY g.created_at_ms ASC, g.id ASC
	`

	rows, err := db.QueryContext(ctx, query,
		string(engine.StatusPaused),
		string(engine.StatusMaintenance),
		lastDecisionBefore.UnixMilli(),
		string(engine.DecisionAnomalyDetection),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle gates: %w", err)
	}
	defer rows.Close()

	var records []engine.GateRecord
	for rows.Next() {
		rec, err := scanGateRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan idle gate: %w", err)
		}
		records = append(records, *rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating idle gates: %w", err)
	}
	return records, nil
}
