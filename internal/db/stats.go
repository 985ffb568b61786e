package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/bandpass-data/gatesense/internal/engine"
)

// TableStats describes one table's footprint.
type TableStats struct {
	Name     string  `json:"name"`
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

// DatabaseStats summarizes the database footprint for the debug endpoint.
type DatabaseStats struct {
	TotalSizeMB float64      `json:"total_size_mb"`
	Tables      []TableStats `json:"tables"`
}

// GetDatabaseStats reports total database size plus per-table row counts
// and sizes, largest tables first. Per-table sizes come from the dbstat
// virtual table and degrade to zero when the build lacks it.
func (db *DB) GetDatabaseStats() (*DatabaseStats, error) {
	var pageCount, pageSize int64
	if err := db.QueryRow(`PRAGMA page_count`).Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := db.QueryRow(`PRAGMA page_size`).Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to read page size: %w", err)
	}

	stats := &DatabaseStats{
		TotalSizeMB: float64(pageCount*pageSize) / (1024 * 1024),
	}

	rows, err := db.Query(`
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}

	for _, name := range names {
		var count int64
		if err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %q`, name)).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", name, err)
		}

		var sizeBytes int64
		err := db.QueryRow(`SELECT COALESCE(SUM(pgsize), 0) FROM dbstat WHERE name = ?`, name).Scan(&sizeBytes)
		if err != nil {
			sizeBytes = 0
		}

		stats.Tables = append(stats.Tables, TableStats{
			Name:     name,
			RowCount: count,
			SizeMB:   float64(sizeBytes) / (1024 * 1024),
		})
	}

	sort.Slice(stats.Tables, func(i, j int) bool {
		if stats.Tables[i].SizeMB != stats.Tables[j].SizeMB {
			return stats.Tables[i].SizeMB > stats.Tables[j].SizeMB
		}
		return stats.Tables[i].RowCount > stats.Tables[j].RowCount
	})

	return stats, nil
}

// EventStats is the per-event activity summary the monitor page renders.
type EventStats struct {
	EventID        int64 `json:"event_id"`
	Checkins       int   `json:"checkins"`
	GPSCheckins    int   `json:"gps_checkins"`
	Gates          int   `json:"gates"`
	ActiveGates    int   `json:"active_gates"`
	Decisions      int   `json:"decisions"`
	PendingReviews int   `json:"pending_reviews"`
}

// GetEventStats collects the activity counters for one event.
func (db *DB) GetEventStats(ctx context.Context, eventID int64) (*EventStats, error) {
	stats := &EventStats{EventID: eventID}

	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM checkin_events WHERE event_id = ?`,
		eventID).Scan(&stats.Checkins)
	if err != nil {
		return nil, fmt.Errorf("failed to count checkins: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM checkin_events
		WHERE event_id = ? AND lat IS NOT NULL AND lon IS NOT NULL`,
		eventID).Scan(&stats.GPSCheckins)
	if err != nil {
		return nil, fmt.Errorf("failed to count gps checkins: %w", err)
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gates WHERE event_id = ?`,
		eventID).Scan(&stats.Gates)
	if err != nil {
		return nil, fmt.Errorf("failed to count gates: %w", err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM gates g
		JOIN gate_states s ON s.gate_id = g.id
		WHERE g.event_id = ? AND s.status = ?`,
		eventID, string(engine.StatusActive)).Scan(&stats.ActiveGates)
	if err != nil {
		return nil, fmt.Errorf("failed to count active gates: %w", err)
	}

	err = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM gate_decision_events WHERE event_id = ?`,
		eventID).Scan(&stats.Decisions)
	if err != nil {
		return nil, fmt.Errorf("failed to count decisions: %w", err)
	}

	stats.PendingReviews, err = db.CountPendingReviews(ctx, eventID)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

// writeJSON renders a debug payload as indented JSON.
func writeJSON(w http.ResponseWriter, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}
