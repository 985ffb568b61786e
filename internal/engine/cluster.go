package engine

import (
	"math"
	"sort"

	"github.com/bandpass-data/gatesense/internal/monitoring"
)

// estimatedPointsPerCell sizes the initial grid allocation.
const estimatedPointsPerCell = 4

// Radius estimate clamps: a gate footprint is never reported tighter than
// MinGateRadiusM nor wider than twice the clustering eps.
const MinGateRadiusM = 5.0

// minPointsFor returns the DBSCAN core threshold for an event:
// max(configured minimum, ceil(fraction * total check-ins)). The total
// counts every check-in for the event, GPS-bearing or not.
func minPointsFor(totalCheckins int, minimum int, fraction float64) int {
	scaled := int(math.Ceil(fraction * float64(totalCheckins)))
	if scaled > minimum {
		return scaled
	}
	return minimum
}

// clusterPoint is one GPS check-in projected onto the local meter plane.
type clusterPoint struct {
	x, y   float64
	weight float64
	member int // index into the member slice handed to the clusterer
}

// pointGrid indexes projected check-ins by eps-sized cells so neighborhood
// queries only touch the 3x3 cell block around a point.
type pointGrid struct {
	cellSize float64
	cells    map[int64][]int
}

func newPointGrid(cellSize float64) *pointGrid {
	return &pointGrid{cellSize: cellSize, cells: make(map[int64][]int)}
}

func (g *pointGrid) build(points []clusterPoint) {
	g.cells = make(map[int64][]int, len(points)/estimatedPointsPerCell+1)
	for i, p := range points {
		key := cellKey(g.cellOf(p.x), g.cellOf(p.y))
		g.cells[key] = append(g.cells[key], i)
	}
}

func (g *pointGrid) cellOf(v float64) int64 {
	return int64(math.Floor(v / g.cellSize))
}

// cellKey folds signed cell coordinates into one map key: zigzag encoding
// to make both axes non-negative, then Szudzik pairing.
func cellKey(cellX, cellY int64) int64 {
	var a, b int64
	if cellX >= 0 {
		a = 2 * cellX
	} else {
		a = -2*cellX - 1
	}
	if cellY >= 0 {
		b = 2 * cellY
	} else {
		b = -2*cellY - 1
	}
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

// neighbors returns indices of points within eps of points[idx], self
// included. Distances compare squared meters.
func (g *pointGrid) neighbors(points []clusterPoint, idx int, eps float64) []int {
	p := points[idx]
	eps2 := eps * eps
	baseX := g.cellOf(p.x)
	baseY := g.cellOf(p.y)

	var found []int
	for dx := int64(-1); dx <= 1; dx++ {
		for dy := int64(-1); dy <= 1; dy++ {
			for _, cand := range g.cells[cellKey(baseX+dx, baseY+dy)] {
				ddx := points[cand].x - p.x
				ddy := points[cand].y - p.y
				if ddx*ddx+ddy*ddy <= eps2 {
					found = append(found, cand)
				}
			}
		}
	}
	return found
}

// mass sums the accuracy weights of the given points. The DBSCAN core test
// compares this weighted mass against minPoints, so low-accuracy check-ins
// thin density instead of being discarded.
func mass(points []clusterPoint, idxs []int) float64 {
	var m float64
	for _, i := range idxs {
		m += points[i].weight
	}
	return m
}

// clusterPhysical runs weighted DBSCAN over the GPS-bearing check-ins and
// returns gps_dbscan candidates plus the count of noise points. Scoring
// fields (purity, confidence, accuracy) are filled later by the pipeline.
//
// Cluster ids are sequential in scan order after a stable sort of the input
// by check-in id, so identical input yields identical clusters in identical
// order.
func clusterPhysical(eventID int64, checkins []CheckinEvent, eps float64, minPoints int, accuracyThresholdM float64) ([]GateCandidate, int) {
	members := make([]CheckinEvent, 0, len(checkins))
	for i := range checkins {
		if checkins[i].HasGPS() {
			members = append(members, checkins[i])
		}
	}
	if len(members) == 0 {
		return nil, 0
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	// Anchor the meter projection at the mean position.
	var sumLat, sumLon float64
	for i := range members {
		sumLat += *members[i].Lat
		sumLon += *members[i].Lon
	}
	proj := newProjector(sumLat/float64(len(members)), sumLon/float64(len(members)))

	points := make([]clusterPoint, len(members))
	for i := range members {
		x, y := proj.project(*members[i].Lat, *members[i].Lon)
		points[i] = clusterPoint{
			x:      x,
			y:      y,
			weight: AccuracyWeight(members[i].GPSAccuracyM, accuracyThresholdM),
			member: i,
		}
	}

	grid := newPointGrid(eps)
	grid.build(points)

	// labels: 0=unvisited, -1=noise, >0=cluster id
	labels := make([]int, len(points))
	clusterID := 0
	coreMass := float64(minPoints)

	for i := range points {
		if labels[i] != 0 {
			continue
		}
		neighborhood := grid.neighbors(points, i, eps)
		if mass(points, neighborhood) < coreMass {
			labels[i] = -1
			continue
		}
		clusterID++
		expandCluster(points, grid, labels, i, neighborhood, clusterID, eps, coreMass)
	}

	noise := 0
	for _, l := range labels {
		if l == -1 {
			noise++
		}
	}

	candidates := buildPhysicalCandidates(eventID, members, points, labels, clusterID, proj, eps)
	monitoring.Logf("[Pipeline] event %d: dbscan eps=%.1fm minPts=%d -> %d clusters, %d noise of %d gps points",
		eventID, eps, minPoints, len(candidates), noise, len(points))
	return candidates, noise
}

// expandCluster grows a cluster from a core point with a queue. Border
// points join the first cluster that reaches them; previously-noise points
// become border points of this cluster.
func expandCluster(points []clusterPoint, grid *pointGrid, labels []int,
	seedIdx int, neighborhood []int, clusterID int, eps float64, coreMass float64) {

	labels[seedIdx] = clusterID

	for j := 0; j < len(neighborhood); j++ {
		idx := neighborhood[j]

		if labels[idx] == -1 {
			labels[idx] = clusterID
		}
		if labels[idx] != 0 {
			continue
		}

		labels[idx] = clusterID
		next := grid.neighbors(points, idx, eps)
		if mass(points, next) >= coreMass {
			neighborhood = append(neighborhood, next...)
		}
	}
}

// buildPhysicalCandidates turns labeled points into candidates: weighted
// geometric median centroid, P90 radius estimate, weighted mass, density
// over the eps disc.
func buildPhysicalCandidates(eventID int64, members []CheckinEvent, points []clusterPoint,
	labels []int, maxClusterID int, proj *projector, eps float64) []GateCandidate {

	candidates := make([]GateCandidate, 0, maxClusterID)

	for cid := 1; cid <= maxClusterID; cid++ {
		var idxs []int
		for i, label := range labels {
			if label == cid {
				idxs = append(idxs, i)
			}
		}
		if len(idxs) == 0 {
			continue
		}

		xs := make([]float64, len(idxs))
		ys := make([]float64, len(idxs))
		ws := make([]float64, len(idxs))
		var clusterMass float64
		for k, i := range idxs {
			xs[k] = points[i].x
			ys[k] = points[i].y
			ws[k] = points[i].weight
			clusterMass += points[i].weight
		}

		cx, cy := weightedGeometricMedian(xs, ys, ws)
		lat, lon := proj.unproject(cx, cy)

		dists := make([]float64, len(idxs))
		for k := range idxs {
			dx := xs[k] - cx
			dy := ys[k] - cy
			dists[k] = math.Sqrt(dx*dx + dy*dy)
		}
		radius := clampRadius(quantile(dists, 0.90), eps)

		cand := GateCandidate{
			ClusterID:        cid,
			EventID:          eventID,
			Lat:              &lat,
			Lon:              &lon,
			RadiusM:          radius,
			MemberCount:      len(idxs),
			WeightedMass:     clusterMass,
			Density:          discDensity(clusterMass, eps),
			DerivationMethod: MethodGPSDBSCAN,
			SourceClusterIDs: []int{cid},
		}
		cand.Members = make([]CheckinEvent, len(idxs))
		cand.MemberIDs = make([]int64, len(idxs))
		for k, i := range idxs {
			cand.Members[k] = members[points[i].member]
			cand.MemberIDs[k] = members[points[i].member].ID
		}
		candidates = append(candidates, cand)
	}

	return candidates
}

// discDensity is the confidence density feature for physical candidates:
// weighted mass per 100 square meters of the eps disc.
func discDensity(clusterMass, eps float64) float64 {
	area := math.Pi * eps * eps
	if area <= 0 {
		return 0
	}
	return clusterMass * 100.0 / area
}

// clampRadius bounds a radius estimate to [MinGateRadiusM, 2*eps].
func clampRadius(r, eps float64) float64 {
	if r < MinGateRadiusM {
		return MinGateRadiusM
	}
	if upper := 2 * eps; r > upper {
		return upper
	}
	return r
}
