package engine

import (
	"math"
	"sort"

	"github.com/golang/geo/s2"
	"gonum.org/v1/gonum/stat"
)

// EarthRadiusMeters is the mean Earth radius used for geodesic distances.
const EarthRadiusMeters = 6371000.0

// Confidence model constants. These are fixed kernel weights, not per-event
// adaptive values, so scores stay comparable across events. The adaptive
// layer moves the enforcement threshold instead.
const (
	confSampleWeight   = 0.9  // weight on log1p(member count)
	confDensityWeight  = 0.5  // weight on log1p(density feature)
	confAccuracyWeight = 0.35 // penalty per 10 m of median GPS accuracy
	confBias           = -2.9 // logistic intercept
)

// AccuracyWeightFloor is the minimum weight a low-accuracy sample keeps.
// Samples are down-weighted, never discarded.
const AccuracyWeightFloor = 0.1

// HaversineMeters returns the great-circle distance between two WGS84
// coordinates in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Purity returns the share of the most common ticket category among members
// and that category. Ties break toward the category whose first member
// appears earliest in the slice, so the result is deterministic for a fixed
// member order. Empty input returns 0 and "".
func Purity(members []CheckinEvent) (float64, string) {
	if len(members) == 0 {
		return 0, ""
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	for i, m := range members {
		if _, ok := firstSeen[m.TicketCategory]; !ok {
			firstSeen[m.TicketCategory] = i
		}
		counts[m.TicketCategory]++
	}

	dominant := ""
	dominantCount := -1
	for cat, n := range counts {
		if n > dominantCount || (n == dominantCount && firstSeen[cat] < firstSeen[dominant]) {
			dominant = cat
			dominantCount = n
		}
	}

	return float64(dominantCount) / float64(len(members)), dominant
}

// Confidence scores a candidate with a weighted logistic over sample size,
// density, and median GPS accuracy. Monotonically non-decreasing in
// sampleSize and density, non-increasing in gpsAccuracyP50. Output is in
// (0, 1).
//
// The density feature is unitless: physical candidates pass weighted members
// per 100 m² of the eps disc, virtual candidates pass members per minute of
// window span. Both only need to rank more-packed above less-packed.
func Confidence(sampleSize int, density, gpsAccuracyP50 float64) float64 {
	if sampleSize < 0 {
		sampleSize = 0
	}
	if density < 0 {
		density = 0
	}
	if gpsAccuracyP50 < 0 {
		gpsAccuracyP50 = 0
	}

	z := confSampleWeight*math.Log1p(float64(sampleSize)) +
		confDensityWeight*math.Log1p(density) -
		confAccuracyWeight*(gpsAccuracyP50/10.0) +
		confBias

	return 1.0 / (1.0 + math.Exp(-z))
}

// AccuracyWeight returns the clustering weight for a GPS sample. Samples at
// or under the venue accuracy threshold count fully; worse samples decay as
// threshold/accuracy down to AccuracyWeightFloor. A nil accuracy (device
// reported a fix without an accuracy estimate) counts fully.
func AccuracyWeight(accuracyM *float64, thresholdM float64) float64 {
	if accuracyM == nil || thresholdM <= 0 {
		return 1.0
	}
	if *accuracyM <= thresholdM {
		return 1.0
	}
	w := thresholdM / *accuracyM
	if w < AccuracyWeightFloor {
		return AccuracyWeightFloor
	}
	return w
}

// AccuracyP50 returns the median of the reported accuracies in meters, or 0
// for an empty input.
func AccuracyP50(accuracies []float64) float64 {
	return quantile(accuracies, 0.5)
}

// quantile computes an empirical quantile over a copy of vals.
func quantile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil)
}

// clampConfidence bounds a score to [0, 1].
func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// projector maps WGS84 coordinates to a local equirectangular meter plane
// anchored at a reference point. Good to well under a meter of error at
// venue scale, which is all the clusterer needs.
type projector struct {
	lat0, lon0 float64
	cosLat0    float64
}

const metersPerDegree = EarthRadiusMeters * math.Pi / 180.0

func newProjector(lat0, lon0 float64) *projector {
	return &projector{
		lat0:    lat0,
		lon0:    lon0,
		cosLat0: math.Cos(lat0 * math.Pi / 180.0),
	}
}

func (p *projector) project(lat, lon float64) (x, y float64) {
	x = (lon - p.lon0) * metersPerDegree * p.cosLat0
	y = (lat - p.lat0) * metersPerDegree
	return x, y
}

func (p *projector) unproject(x, y float64) (lat, lon float64) {
	lon = p.lon0 + x/(metersPerDegree*p.cosLat0)
	lat = p.lat0 + y/metersPerDegree
	return lat, lon
}

// weightedGeometricMedian finds the point minimizing the weighted sum of
// distances to the samples (Weiszfeld iteration). Unlike the mean it resists
// far-flung stragglers, so gate centroids stay near the real entrance.
func weightedGeometricMedian(xs, ys, ws []float64) (float64, float64) {
	n := len(xs)
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return xs[0], ys[0]
	}

	// Weighted mean as the starting guess.
	var mx, my, wsum float64
	for i := 0; i < n; i++ {
		mx += xs[i] * ws[i]
		my += ys[i] * ws[i]
		wsum += ws[i]
	}
	if wsum == 0 {
		return xs[0], ys[0]
	}
	mx /= wsum
	my /= wsum

	const (
		maxIterations = 64
		convergenceSq = 1e-6 // meters squared
	)

	x, y := mx, my
	for iter := 0; iter < maxIterations; iter++ {
		var numX, numY, denom float64
		coincident := false
		for i := 0; i < n; i++ {
			dx := xs[i] - x
			dy := ys[i] - y
			d := math.Sqrt(dx*dx + dy*dy)
			if d < 1e-9 {
				// Current estimate sits on a sample point.
				coincident = true
				continue
			}
			w := ws[i] / d
			numX += xs[i] * w
			numY += ys[i] * w
			denom += w
		}
		if denom == 0 {
			break
		}
		nx, ny := numX/denom, numY/denom
		if coincident {
			// Damped step when straddling a sample point.
			nx = (nx + x) / 2
			ny = (ny + y) / 2
		}
		dx, dy := nx-x, ny-y
		x, y = nx, ny
		if dx*dx+dy*dy < convergenceSq {
			break
		}
	}

	return x, y
}
