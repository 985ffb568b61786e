package engine

import (
	"context"
	"time"
)

// CheckinEvent is one historical check-in, read-only input to derivation.
// Ingestion and validation belong to the check-in platform; the engine never
// writes these rows.
type CheckinEvent struct {
	ID             int64     `json:"id"`
	EventID        int64     `json:"event_id"`
	WristbandID    string    `json:"wristband_id"`
	TicketCategory string    `json:"ticket_category"`
	CheckinTime    time.Time `json:"checkin_time"`

	// GPS fields are nil for devices that reported no fix.
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	GPSAccuracyM *float64 `json:"gps_accuracy_m,omitempty"`

	Success bool `json:"success"`
}

// HasGPS reports whether the check-in carries a usable position.
func (c *CheckinEvent) HasGPS() bool {
	return c.Lat != nil && c.Lon != nil
}

// Venue is the per-event venue configuration the engine consumes.
type Venue struct {
	EventID               int64    `json:"event_id"`
	Name                  string   `json:"name"`
	DefaultRadiusM        *float64 `json:"default_radius_m,omitempty"`
	GPSAccuracyThresholdM float64  `json:"gps_accuracy_threshold_m"`
	Timezone              string   `json:"timezone"`
}

// CheckinSource is a read accessor for check-in events scoped to one event.
type CheckinSource interface {
	// ListCheckinsForEvent returns all check-ins for the event ordered by id.
	ListCheckinsForEvent(ctx context.Context, eventID int64) ([]CheckinEvent, error)
}

// VenueSource resolves venue configuration for an event.
type VenueSource interface {
	// VenueForEvent returns the venue record, or an error wrapping
	// ErrUnknownEvent when the event has no venue configured.
	VenueForEvent(ctx context.Context, eventID int64) (*Venue, error)
}
