package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bandpass-data/gatesense/internal/engine"
)

// CreateVenue inserts the venue configuration for an event.
func (db *DB) CreateVenue(ctx context.Context, v *engine.Venue) error {
	query := `
		INSERT INTO event_venues (
			event_id, name, default_radius_m, gps_accuracy_threshold_m, timezone
		) VALUES (?, ?, ?, ?, ?)
	`

	err := retryOnBusy(func() error {
		_, err := db.ExecContext(ctx, query,
			v.EventID,
			v.Name,
			v.DefaultRadiusM,
			v.GPSAccuracyThresholdM,
			v.Timezone,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create venue: %w", err)
	}
	return nil
}

// UpdateVenue replaces the venue configuration for an event.
func (db *DB) UpdateVenue(ctx context.Context, v *engine.Venue) error {
	query := `
		UPDATE event_venues SET
			name = ?,
			default_radius_m = ?,
			gps_accuracy_threshold_m = ?,
			timezone = ?
		WHERE event_id = ?
	`

	var affected int64
	err := retryOnBusy(func() error {
		result, err := db.ExecContext(ctx, query,
			v.Name,
			v.DefaultRadiusM,
			v.GPSAccuracyThresholdM,
			v.Timezone,
			v.EventID,
		)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update venue: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event %d: %w", v.EventID, engine.ErrUnknownEvent)
	}
	return nil
}

// VenueForEvent returns the venue record for an event, or an error wrapping
// engine.ErrUnknownEvent when none is configured.
func (db *DB) VenueForEvent(ctx context.Context, eventID int64) (*engine.Venue, error) {
	query := `
		SELECT event_id, name, default_radius_m, gps_accuracy_threshold_m, timezone
		FROM event_venues
		WHERE event_id = ?
	`

	var v engine.Venue
	err := db.QueryRowContext(ctx, query, eventID).Scan(
		&v.EventID,
		&v.Name,
		&v.DefaultRadiusM,
		&v.GPSAccuracyThresholdM,
		&v.Timezone,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event %d: %w", eventID, engine.ErrUnknownEvent)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get venue: %w", err)
	}
	return &v, nil
}

// ListVenues returns all configured venues ordered by event id.
func (db *DB) ListVenues(ctx context.Context) ([]engine.Venue, error) {
	query := `
		SELECT event_id, name, default_radius_m, gps_accuracy_threshold_m, timezone
		FROM event_venues
		ORDER BY event_id ASC
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query venues: %w", err)
	}
	defer rows.Close()

	var venues []engine.Venue
	for rows.Next() {
		var v engine.Venue
		err := rows.Scan(
			&v.EventID,
			&v.Name,
			&v.DefaultRadiusM,
			&v.GPSAccuracyThresholdM,
			&v.Timezone,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan venue: %w", err)
		}
		venues = append(venues, v)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating venues: %w", err)
	}
	return venues, nil
}

// InsertCheckins writes a batch of check-in events in one transaction and
// backfills generated ids. Events carrying a non-zero id keep it, so fixture
// batches stay stable across reseeds.
func (db *DB) InsertCheckins(ctx context.Context, checkins []engine.CheckinEvent) error {
	if len(checkins) == 0 {
		return nil
	}

	err := retryOnBusy(func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO checkin_events (
				id, event_id, wristband_id, ticket_category,
				checkin_time_ms, lat, lon, gps_accuracy_m, success
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range checkins {
			c := &checkins[i]

			var id any
			if c.ID != 0 {
				id = c.ID
			}
			successInt := 0
			if c.Success {
				successInt = 1
			}

			result, err := stmt.ExecContext(ctx,
				id,
				c.EventID,
				c.WristbandID,
				c.TicketCategory,
				c.CheckinTime.UnixMilli(),
				c.Lat,
				c.Lon,
				c.GPSAccuracyM,
				successInt,
			)
			if err != nil {
				return err
			}
			if c.ID == 0 {
				c.ID, err = result.LastInsertId()
				if err != nil {
					return err
				}
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("failed to insert checkins: %w", err)
	}
	return nil
}

// ListCheckinsForEvent returns all check-ins for the event ordered by id.
func (db *DB) ListCheckinsForEvent(ctx context.Context, eventID int64) ([]engine.CheckinEvent, error) {
	query := `
		SELECT id, event_id, wristband_id, ticket_category,
			checkin_time_ms, lat, lon, gps_accuracy_m, success
		FROM checkin_events
		WHERE event_id = ?
		ORDER BY id ASC
	`

	rows, err := db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkins: %w", err)
	}
	defer rows.Close()

	var checkins []engine.CheckinEvent
	for rows.Next() {
		var (
			c          engine.CheckinEvent
			checkinMs  int64
			successInt int
		)
		err := rows.Scan(
			&c.ID,
			&c.EventID,
			&c.WristbandID,
			&c.TicketCategory,
			&checkinMs,
			&c.Lat,
			&c.Lon,
			&c.GPSAccuracyM,
			&successInt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkin: %w", err)
		}
		c.CheckinTime = msTime(checkinMs)
		c.Success = successInt == 1
		checkins = append(checkins, c)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkins: %w", err)
	}
	return checkins, nil
}
