package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bandpass-data/gatesense/internal/engine"
)

// DecisionEventByID retrieves one decision event. Unknown ids return an
// error wrapping engine.ErrUnknownDecision.
func (db *DB) DecisionEventByID(ctx context.Context, id string) (*engine.DecisionEvent, error) {
	query := `SELECT ` + decisionColumns + ` FROM gate_decision_events WHERE id = ?`

	d, err := scanDecisionEvent(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("decision %s: %w", id, engine.ErrUnknownDecision)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get decision event: %w", err)
	}
	return d, nil
}

// InsertDecisionEvent appends a single decision event outside any gate-set
// or state-change transaction. Duplicate ids fail on the primary key.
func (db *DB) InsertDecisionEvent(ctx context.Context, ev *engine.DecisionEvent) error {
	return retryOnBusy(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin decision insert: %w", err)
		}
		defer tx.Rollback()

		if err := insertDecisionEventTx(ctx, tx, ev); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// AttachReview attaches a verdict to an unreviewed decision event. A second
// review returns an error wrapping engine.ErrAlreadyReviewed; the first
// verdict stands.
func (db *DB) AttachReview(ctx context.Context, id string, verdict engine.ReviewVerdict, reviewerID, note string, at time.Time) error {
	return retryOnBusy(func() error {
		return db.attachReview(ctx, id, verdict, reviewerID, note, at)
	})
}

func (db *DB) attachReview(ctx context.Context, id string, verdict engine.ReviewVerdict, reviewerID, note string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin review transaction: %w", err)
	}
	defer tx.Rollback()

	var reviewStatus sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT review_status FROM gate_decision_events WHERE id = ?`, id).Scan(&reviewStatus)
	if err == sql.ErrNoRows {
		return fmt.Errorf("decision %s: %w", id, engine.ErrUnknownDecision)
	}
	if err != nil {
		return fmt.Errorf("failed to read review status: %w", err)
	}
	if reviewStatus.Valid {
		return fmt.Errorf("decision %s: %w", id, engine.ErrAlreadyReviewed)
	}

	var notePtr *string
	if note != "" {
		notePtr = &note
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE gate_decision_events SET
			review_status = ?,
			reviewer_id = ?,
			review_note = ?,
			reviewed_at_ms = ?
		WHERE id = ?`,
		string(verdict),
		reviewerID,
		notePtr,
		at.UnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to attach review: %w", err)
	}

	return tx.Commit()
}

// ListDecisionEvents returns decision events matching the filter, newest
// first. A zero filter returns everything.
func (db *DB) ListDecisionEvents(ctx context.Context, filter engine.DecisionFilter) ([]engine.DecisionEvent, error) {
	var (
		conds []string
		args  []any
	)
	if filter.EventID != nil {
		conds = append(conds, "event_id = ?")
		args = append(args, *filter.EventID)
	}
	if filter.GateID != nil {
		conds = append(conds, "gate_id = ?")
		args = append(args, *filter.GateID)
	}
	if filter.Type != nil {
		conds = append(conds, "event_type = ?")
		args = append(args, string(*filter.Type))
	}
	if filter.RequiresReview != nil {
		requiresInt := 0
		if *filter.RequiresReview {
			requiresInt = 1
		}
		conds = append(conds, "requires_review = ?")
		args = append(args, requiresInt)
	}
	if filter.PendingReview {
		conds = append(conds, "requires_review = 1 AND review_status IS NULL")
	}

	query := `SELECT ` + decisionColumns + ` FROM gate_decision_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at_ms DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decision events: %w", err)
	}
	defer rows.Close()

	var events []engine.DecisionEvent
	for rows.Next() {
		d, err := scanDecisionEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision event: %w", err)
		}
		events = append(events, *d)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision events: %w", err)
	}
	return events, nil
}

// CountPendingReviews counts decision events flagged for review that have
// no verdict yet.
func (db *DB) CountPendingReviews(ctx context.Context, eventID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM gate_decision_events
		WHERE event_id = ? AND requires_review = 1 AND review_status IS NULL`,
		eventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	return count, nil
}

func insertDecisionEventTx(ctx context.Context, tx *sql.Tx, ev *engine.DecisionEvent) error {
	reasoning := "{}"
	if len(ev.Reasoning) > 0 {
		reasoning = string(ev.Reasoning)
	}

	automatedInt := 0
	if ev.Automated {
		automatedInt = 1
	}
	requiresInt := 0
	if ev.RequiresReview {
		requiresInt = 1
	}
	var reviewStatus any
	if ev.ReviewStatus != nil {
		reviewStatus = string(*ev.ReviewStatus)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO gate_decision_events (
			id, gate_id, event_id, event_type, confidence,
			action, reasoning, automated, requires_review, review_status,
			reviewer_id, review_note, reviewed_at_ms, created_at_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.GateID,
		ev.EventID,
		string(ev.Type),
		ev.Confidence,
		ev.Action,
		reasoning,
		automatedInt,
		requiresInt,
		reviewStatus,
		ev.ReviewerID,
		ev.ReviewNote,
		nullableMS(ev.ReviewedAt),
		ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision event: %w", err)
	}
	return nil
}
