package engine

import (
	"sort"
	"time"

	"github.com/bandpass-data/gatesense/internal/monitoring"
)

// clusterVirtual derives category_temporal candidates from check-ins that
// carry no GPS position. Check-ins are grouped by ticket category and split
// into temporal co-occurrence windows; a new window starts whenever the gap
// between consecutive check-ins exceeds maxGap. Windows with at least
// minPoints members become candidates.
//
// Cluster ids continue from startID so they never collide with physical
// cluster ids. Categories are walked in sorted order and windows in time
// order, so output is deterministic.
func clusterVirtual(eventID int64, checkins []CheckinEvent, maxGap time.Duration, minPoints int, startID int) []GateCandidate {
	byCategory := make(map[string][]CheckinEvent)
	for i := range checkins {
		c := checkins[i]
		if c.HasGPS() || c.TicketCategory == "" {
			continue
		}
		byCategory[c.TicketCategory] = append(byCategory[c.TicketCategory], c)
	}
	if len(byCategory) == 0 {
		return nil
	}

	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	var candidates []GateCandidate
	nextID := startID

	for _, cat := range categories {
		members := byCategory[cat]
		sort.Slice(members, func(i, j int) bool {
			if !members[i].CheckinTime.Equal(members[j].CheckinTime) {
				return members[i].CheckinTime.Before(members[j].CheckinTime)
			}
			return members[i].ID < members[j].ID
		})

		windowStart := 0
		for i := 1; i <= len(members); i++ {
			if i < len(members) && members[i].CheckinTime.Sub(members[i-1].CheckinTime) <= maxGap {
				continue
			}
			window := members[windowStart:i]
			windowStart = i
			if len(window) < minPoints {
				continue
			}
			candidates = append(candidates, virtualCandidate(eventID, nextID, cat, window))
			nextID++
		}
	}

	if len(candidates) > 0 {
		monitoring.Logf("[Pipeline] event %d: temporal windows -> %d virtual candidates over %d categories",
			eventID, len(candidates), len(categories))
	}
	return candidates
}

// virtualCandidate builds one category_temporal candidate from a window of
// same-category check-ins. No centroid, zero radius; the density feature is
// members per minute of window span.
func virtualCandidate(eventID int64, clusterID int, category string, window []CheckinEvent) GateCandidate {
	start := window[0].CheckinTime
	end := window[len(window)-1].CheckinTime

	// Sub-minute windows count as one minute so density stays finite.
	minutes := end.Sub(start).Minutes()
	if minutes < 1 {
		minutes = 1
	}

	cand := GateCandidate{
		ClusterID:        clusterID,
		EventID:          eventID,
		MemberCount:      len(window),
		WeightedMass:     float64(len(window)),
		Density:          float64(len(window)) / minutes,
		DominantCategory: category,
		DerivationMethod: MethodCategoryTemporal,
		SourceClusterIDs: []int{clusterID},
		WindowStart:      &start,
		WindowEnd:        &end,
	}
	cand.Members = make([]CheckinEvent, len(window))
	copy(cand.Members, window)
	cand.MemberIDs = make([]int64, len(window))
	for i := range window {
		cand.MemberIDs[i] = window[i].ID
	}
	return cand
}
