package engine

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Fixtures generate synthetic check-in sets for seeding demo databases and
// for derivation tests. Generation is deterministic: the same FixtureSpec
// always yields the same rows, ids sequential from 1.

// FixtureCluster describes one synthetic crowd of GPS-bearing check-ins
// scattered around a center point.
type FixtureCluster struct {
	Lat     float64
	Lon     float64
	SpreadM float64
	Count   int

	Category  string
	AccuracyM float64

	Start    time.Time
	Interval time.Duration
}

// FixtureStream describes check-ins without GPS, for virtual derivation.
type FixtureStream struct {
	Category string
	Count    int

	Start    time.Time
	Interval time.Duration
}

// FixtureSpec is the full input to GenerateCheckins.
type FixtureSpec struct {
	EventID  int64
	Seed     int64
	Clusters []FixtureCluster
	Streams  []FixtureStream

	// DenialRate is the fraction of check-ins marked denied. Zero means
	// every check-in succeeds.
	DenialRate float64
}

// GenerateCheckins builds the synthetic check-in set spec describes.
func GenerateCheckins(spec FixtureSpec) []CheckinEvent {
	rng := rand.New(rand.NewSource(spec.Seed))
	var out []CheckinEvent
	nextID := int64(1)

	for _, cl := range spec.Clusters {
		for i := 0; i < cl.Count; i++ {
			lat, lon := scatter(rng, cl.Lat, cl.Lon, cl.SpreadM)
			acc := cl.AccuracyM * (0.75 + 0.5*rng.Float64())
			out = append(out, CheckinEvent{
				ID:             nextID,
				EventID:        spec.EventID,
				WristbandID:    fmt.Sprintf("wb-%06d", nextID),
				TicketCategory: cl.Category,
				CheckinTime:    cl.Start.Add(time.Duration(i) * cl.Interval),
				Lat:            &lat,
				Lon:            &lon,
				GPSAccuracyM:   &acc,
				Success:        rng.Float64() >= spec.DenialRate,
			})
			nextID++
		}
	}

	for _, st := range spec.Streams {
		for i := 0; i < st.Count; i++ {
			out = append(out, CheckinEvent{
				ID:             nextID,
				EventID:        spec.EventID,
				WristbandID:    fmt.Sprintf("wb-%06d", nextID),
				TicketCategory: st.Category,
				CheckinTime:    st.Start.Add(time.Duration(i) * st.Interval),
				Success:        rng.Float64() >= spec.DenialRate,
			})
			nextID++
		}
	}
	return out
}

// scatter offsets a center point by a normally distributed planar jitter.
func scatter(rng *rand.Rand, lat, lon, spreadM float64) (float64, float64) {
	dx := rng.NormFloat64() * spreadM
	dy := rng.NormFloat64() * spreadM
	offLat := lat + dy/metersPerDegree
	offLon := lon + dx/(metersPerDegree*math.Cos(lat*math.Pi/180))
	return offLat, offLon
}
