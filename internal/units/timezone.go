package units

import (
	"fmt"
	"time"
)

// Venue timezones are stored as IANA tz database names ("America/New_York").
// All persisted timestamps are UTC; venue-local time only matters for the
// daily decision counter, which resets at the venue's local midnight.

// IsTimezoneValid checks if the given timezone is valid by attempting to load
// it from the tz database.
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// LoadVenueLocation loads the tz database location for a venue timezone.
func LoadVenueLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return nil, fmt.Errorf("empty timezone")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", tz, err)
	}
	return loc, nil
}

// VenueLocationOrUTC loads the venue location, falling back to UTC when the
// timezone is missing or unknown. Callers that care about the fallback log it.
func VenueLocationOrUTC(tz string) *time.Location {
	loc, err := LoadVenueLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConvertTime converts a UTC time to the specified timezone for display.
func ConvertTime(utcTime time.Time, targetTimezone string) (time.Time, error) {
	if targetTimezone == "UTC" {
		return utcTime, nil
	}
	loc, err := LoadVenueLocation(targetTimezone)
	if err != nil {
		return utcTime, err
	}
	return utcTime.In(loc), nil
}

// LocalMidnight returns the start of the calendar day containing t in loc.
func LocalMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// SameLocalDay reports whether a and b fall on the same calendar day in loc.
func SameLocalDay(a, b time.Time, loc *time.Location) bool {
	al, bl := a.In(loc), b.In(loc)
	ay, am, ad := al.Date()
	by, bm, bd := bl.Date()
	return ay == by && am == bm && ad == bd
}
