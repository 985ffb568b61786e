package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bandpass-data/gatesense/internal/monitoring"
)

// PreviewGates runs the full derivation for an event without persisting
// anything: quality assessment, physical and virtual clustering, scoring,
// ranking, merge suggestions, and enforcement assignment. Idempotent over
// unchanged data. Preview takes no lock and may run alongside an execute.
//
// When ctx expires after quality assessment but before clustering finishes,
// the result carries only the quality report and is flagged Partial.
func (e *Engine) PreviewGates(ctx context.Context, eventID int64) (*PreviewResult, error) {
	venue, err := e.store.VenueForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	checkins, err := e.store.ListCheckinsForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load check-ins for event %d: %w", eventID, err)
	}
	th, err := e.thresholdsFor(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return e.derive(ctx, eventID, venue, checkins, th), nil
}

// derive is the shared derivation pass behind preview and execute.
func (e *Engine) derive(ctx context.Context, eventID int64, venue *Venue, checkins []CheckinEvent, th *AdaptiveThresholds) *PreviewResult {
	now := e.clock.Now().UTC()
	quality := assessQuality(eventID, checkins, venue, e.cfg, now)

	result := &PreviewResult{
		EventID:     eventID,
		Quality:     quality,
		GeneratedAt: now,
	}
	if quality.Recommendation == QualityInsufficient {
		// Advisory only: derivation still runs over whatever is there.
		result.Warnings = append(result.Warnings, ErrInsufficientData.Error())
	}

	// The quality report alone is still useful when the caller's deadline
	// is too tight for clustering, so degrade to a partial result instead
	// of returning half-built candidates.
	if err := ctx.Err(); err != nil {
		result.Partial = true
		result.PartialReason = err.Error()
		return result
	}

	eps := e.epsFor(venue)
	minPoints := minPointsFor(len(checkins), e.cfg.GetMinClusterPoints(), e.cfg.GetClusterPointFraction())

	physical, noise := clusterPhysical(eventID, checkins, eps, minPoints, venue.GPSAccuracyThresholdM)
	virtual := clusterVirtual(eventID, checkins, e.cfg.GetVirtualWindow(), minPoints, len(physical)+1)

	if err := ctx.Err(); err != nil {
		result.Candidates = nil
		result.Partial = true
		result.PartialReason = err.Error()
		return result
	}

	candidates := append(physical, virtual...)
	e.scoreCandidates(candidates, venue)
	for i := range candidates {
		e.assignEnforcement(&candidates[i], th)
	}

	result.MergeSuggestions = e.suggestMerges(candidates, th)
	rankCandidates(candidates)
	result.Candidates = candidates
	result.NoiseCount = noise
	return result
}

// epsFor returns the DBSCAN neighborhood radius for a venue.
func (e *Engine) epsFor(venue *Venue) float64 {
	if venue != nil && venue.DefaultRadiusM != nil && *venue.DefaultRadiusM > 0 {
		return *venue.DefaultRadiusM
	}
	return e.cfg.GetFallbackRadiusM()
}

// scoreCandidates fills purity, accuracy, and confidence on every candidate
// using a bounded worker pool. Each worker writes only its own indexed slot,
// so concurrent scoring stays deterministic.
func (e *Engine) scoreCandidates(candidates []GateCandidate, venue *Venue) {
	if len(candidates) == 0 {
		return
	}
	workers := e.cfg.GetScoreWorkers()
	if workers < 1 {
		workers = 1
	}
	if workers > len(candidates) {
		workers = len(candidates)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				scoreCandidate(&candidates[i], venue)
			}
		}()
	}
	for i := range candidates {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
}

// scoreCandidate computes the scoring fields of a single candidate.
func scoreCandidate(c *GateCandidate, venue *Venue) {
	c.Purity, c.DominantCategory = Purity(c.Members)

	if c.DerivationMethod == MethodCategoryTemporal {
		// No position evidence: score against the venue accuracy
		// threshold as a worst-case prior.
		c.GPSAccuracyP50 = venue.GPSAccuracyThresholdM
	} else {
		var accs []float64
		for i := range c.Members {
			if c.Members[i].GPSAccuracyM != nil {
				accs = append(accs, *c.Members[i].GPSAccuracyM)
			}
		}
		c.GPSAccuracyP50 = AccuracyP50(accs)
	}

	c.Confidence = clampConfidence(Confidence(c.MemberCount, c.Density, c.GPSAccuracyP50))
	monitoring.Logf("[Pipeline] cluster %d (%s): members=%d purity=%.2f conf=%.2f density=%.2f acc=%.1fm",
		c.ClusterID, c.DerivationMethod, c.MemberCount, c.Purity, c.Confidence, c.Density, c.GPSAccuracyP50)
}

// assignEnforcement grades a scored candidate against the strict bar and
// the event's adaptive confidence threshold. A high-confidence but
// mixed-category candidate never hard-enforces: shouldEnforce additionally
// requires purity above the floor.
func (e *Engine) assignEnforcement(c *GateCandidate, th *AdaptiveThresholds) {
	switch {
	case c.Confidence >= e.cfg.GetStrictConfidence() && c.Purity >= e.cfg.GetStrictPurity():
		c.Enforcement = EnforcementStrict
	case c.Confidence >= th.ConfidenceThreshold:
		c.Enforcement = EnforcementAdvisory
	default:
		c.Enforcement = EnforcementNone
	}
	c.ShouldEnforce = c.Enforcement != EnforcementNone && c.Purity > e.cfg.GetEnforcePurityFloor()
}

// rankCandidates orders by confidence descending, breaking ties by larger
// member count, then smaller cluster id.
func rankCandidates(candidates []GateCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.MemberCount != b.MemberCount {
			return a.MemberCount > b.MemberCount
		}
		return a.ClusterID < b.ClusterID
	})
}

// suggestMerges flags every unordered pair of physical candidates whose
// centroids sit within the event's duplicate distance. The recommendation
// is merge when the combined purity of the union stays within tolerance of
// the lower input purity, else keep_separate.
func (e *Engine) suggestMerges(candidates []GateCandidate, th *AdaptiveThresholds) []MergeSuggestion {
	var physical []*GateCandidate
	for i := range candidates {
		if candidates[i].DerivationMethod == MethodGPSDBSCAN && candidates[i].Lat != nil {
			physical = append(physical, &candidates[i])
		}
	}
	sort.Slice(physical, func(i, j int) bool { return physical[i].ClusterID < physical[j].ClusterID })

	tolerance := e.cfg.GetMergePurityTolerance()
	var suggestions []MergeSuggestion
	for i := 0; i < len(physical); i++ {
		for j := i + 1; j < len(physical); j++ {
			a, b := physical[i], physical[j]
			dist := HaversineMeters(*a.Lat, *a.Lon, *b.Lat, *b.Lon)
			if dist > th.DuplicateDistanceM {
				continue
			}

			union := make([]CheckinEvent, 0, len(a.Members)+len(b.Members))
			union = append(union, a.Members...)
			union = append(union, b.Members...)
			combined, _ := Purity(union)

			floor := a.Purity
			if b.Purity < floor {
				floor = b.Purity
			}
			rec := MergeKeepSeparate
			if combined >= floor-tolerance {
				rec = MergeRecommended
			}
			suggestions = append(suggestions, MergeSuggestion{
				ClusterA:       a.ClusterID,
				ClusterB:       b.ClusterID,
				DistanceM:      dist,
				CombinedPurity: combined,
				Recommendation: rec,
			})
		}
	}
	return suggestions
}

// ExecutePipeline runs the derivation and persists the resulting gate set.
// Idempotent per (eventID, runToken): a replay returns the stored result of
// the first run without writing anything. A concurrent execute for the same
// event fails fast with ErrPipelineBusy. A different token on an event that
// already has gates is an operator re-derivation; prior gates remain.
func (e *Engine) ExecutePipeline(ctx context.Context, eventID int64, runToken string) (*ExecuteResult, error) {
	if runToken == "" {
		return nil, fmt.Errorf("event %d: empty run token", eventID)
	}

	// A stored run answers a replay without contending for the lock.
	if res, err := e.replayedResult(ctx, eventID, runToken); err != nil || res != nil {
		return res, err
	}

	if !e.runs.acquire(eventID, runToken) {
		holder, _ := e.runs.holder(eventID)
		return nil, fmt.Errorf("event %d: execute already running (token %s): %w", eventID, holder, ErrPipelineBusy)
	}
	defer e.runs.release(eventID)

	// Re-check under the lock: the earlier holder may have been this
	// token's first attempt.
	if res, err := e.replayedResult(ctx, eventID, runToken); err != nil || res != nil {
		return res, err
	}

	venue, err := e.store.VenueForEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	checkins, err := e.store.ListCheckinsForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load check-ins for event %d: %w", eventID, err)
	}
	th, err := e.thresholdsFor(ctx, eventID)
	if err != nil {
		return nil, err
	}

	preview := e.derive(ctx, eventID, venue, checkins, th)
	if preview.Partial {
		return nil, fmt.Errorf("event %d: derivation aborted: %s: %w", eventID, preview.PartialReason, ctx.Err())
	}

	final, applied := e.applyMerges(preview.Candidates, preview.MergeSuggestions, e.epsFor(venue), venue, th)

	priorCount, err := e.store.CountGatesForEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("count prior gates for event %d: %w", eventID, err)
	}

	set, result := e.buildGateSet(eventID, runToken, preview, final, applied, priorCount, th)
	if err := e.store.CreateGateSet(ctx, set); err != nil {
		return nil, fmt.Errorf("event %d run %s: %w: %v", eventID, runToken, ErrPipelineExecutionFailed, err)
	}

	log.Printf("[Pipeline] event %d run %s: persisted %d gates (%d merges applied, %d prior gates, %d noise)",
		eventID, runToken, len(result.Gates), len(applied), priorCount, result.NoiseCount)
	return result, nil
}

// replayedResult returns the stored result when (eventID, runToken) already
// ran, or nil when this token is fresh.
func (e *Engine) replayedResult(ctx context.Context, eventID int64, runToken string) (*ExecuteResult, error) {
	run, err := e.store.PipelineRunByToken(ctx, eventID, runToken)
	if err != nil {
		return nil, fmt.Errorf("look up run %s for event %d: %w", runToken, eventID, err)
	}
	if run == nil {
		return nil, nil
	}
	var result ExecuteResult
	if err := json.Unmarshal(run.Result, &result); err != nil {
		return nil, fmt.Errorf("decode stored result for run %s: %w", run.ID, err)
	}
	result.Replayed = true
	return &result, nil
}

// applyMerges folds merge-recommended suggestion pairs into single
// candidates. Chained recommendations (A-B, B-C) collapse into one
// candidate per connected component, rebuilt from the union of members and
// rescored. Returns the final ranked candidate list and the suggestions
// that were applied.
func (e *Engine) applyMerges(candidates []GateCandidate, suggestions []MergeSuggestion, eps float64, venue *Venue, th *AdaptiveThresholds) ([]GateCandidate, []MergeSuggestion) {
	var applied []MergeSuggestion
	for _, s := range suggestions {
		if s.Recommendation == MergeRecommended {
			applied = append(applied, s)
		}
	}
	if len(applied) == 0 {
		return candidates, nil
	}

	// Union-find over cluster ids named by applied suggestions.
	parent := make(map[int]int)
	var find func(int) int
	find = func(x int) int {
		p, ok := parent[x]
		if !ok || p == x {
			parent[x] = x
			return x
		}
		root := find(p)
		parent[x] = root
		return root
	}
	for _, s := range applied {
		ra, rb := find(s.ClusterA), find(s.ClusterB)
		if ra == rb {
			continue
		}
		// Smaller root id wins so merged ids are stable.
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	byRoot := make(map[int][]GateCandidate)
	var final []GateCandidate
	for _, c := range candidates {
		if _, merging := parent[c.ClusterID]; merging && c.DerivationMethod == MethodGPSDBSCAN {
			root := find(c.ClusterID)
			byRoot[root] = append(byRoot[root], c)
			continue
		}
		final = append(final, c)
	}

	roots := make([]int, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Ints(roots)

	for _, root := range roots {
		group := byRoot[root]
		if len(group) == 1 {
			final = append(final, group[0])
			continue
		}
		merged := e.mergeCandidates(group, eps, venue)
		e.assignEnforcement(&merged, th)
		final = append(final, merged)
	}

	rankCandidates(final)
	return final, applied
}

// mergeCandidates rebuilds one candidate from the union of a merge group's
// members: new centroid, radius, mass, and scores. The merged candidate
// keeps the smallest source cluster id and records all of them.
func (e *Engine) mergeCandidates(group []GateCandidate, eps float64, venue *Venue) GateCandidate {
	sort.Slice(group, func(i, j int) bool { return group[i].ClusterID < group[j].ClusterID })

	sourceIDs := make([]int, 0, len(group))
	var members []CheckinEvent
	var clusterMass float64
	for _, g := range group {
		sourceIDs = append(sourceIDs, g.SourceClusterIDs...)
		members = append(members, g.Members...)
		clusterMass += g.WeightedMass
	}
	sort.Ints(sourceIDs)

	var sumLat, sumLon float64
	for i := range members {
		sumLat += *members[i].Lat
		sumLon += *members[i].Lon
	}
	proj := newProjector(sumLat/float64(len(members)), sumLon/float64(len(members)))

	xs := make([]float64, len(members))
	ys := make([]float64, len(members))
	ws := make([]float64, len(members))
	for i := range members {
		xs[i], ys[i] = proj.project(*members[i].Lat, *members[i].Lon)
		ws[i] = AccuracyWeight(members[i].GPSAccuracyM, venue.GPSAccuracyThresholdM)
	}
	cx, cy := weightedGeometricMedian(xs, ys, ws)
	lat, lon := proj.unproject(cx, cy)

	dists := make([]float64, len(members))
	for i := range members {
		dists[i] = math.Hypot(xs[i]-cx, ys[i]-cy)
	}

	merged := GateCandidate{
		ClusterID:        group[0].ClusterID,
		EventID:          group[0].EventID,
		Lat:              &lat,
		Lon:              &lon,
		RadiusM:          clampRadius(quantile(dists, 0.90), eps),
		MemberCount:      len(members),
		WeightedMass:     clusterMass,
		Density:          discDensity(clusterMass, eps),
		DerivationMethod: MethodGPSDBSCAN,
		SourceClusterIDs: sourceIDs,
		Members:          members,
	}
	merged.MemberIDs = make([]int64, len(members))
	for i := range members {
		merged.MemberIDs[i] = members[i].ID
	}
	scoreCandidate(&merged, venue)
	return merged
}

// buildGateSet assembles the transaction payload and the execute result:
// one gate, state, initial history entry, and gate_creation decision per
// surviving candidate, plus one gate_merge decision per applied merge.
func (e *Engine) buildGateSet(eventID int64, runToken string, preview *PreviewResult,
	candidates []GateCandidate, applied []MergeSuggestion, priorCount int, th *AdaptiveThresholds) (*GateSet, *ExecuteResult) {

	now := e.clock.Now().UTC()
	runID := uuid.New().String()

	set := &GateSet{
		Run: PipelineRun{
			ID:        runID,
			EventID:   eventID,
			RunToken:  runToken,
			Status:    RunCompleted,
			CreatedAt: now,
		},
	}
	result := &ExecuteResult{
		EventID:        eventID,
		RunID:          runID,
		RunToken:       runToken,
		AppliedMerges:  applied,
		NoiseCount:     preview.NoiseCount,
		PriorGateCount: priorCount,
		Quality:        preview.Quality,
		CreatedAt:      now,
	}

	mergedByCluster := make(map[int]MergeSuggestion)
	for _, m := range applied {
		mergedByCluster[m.ClusterA] = m
	}

	position := 0
	for _, cand := range candidates {
		if cand.MemberCount == 0 {
			result.SkippedCandidates++
			continue
		}
		position++

		gate := Gate{
			ID:               uuid.New().String(),
			EventID:          eventID,
			Name:             gateName(position, &cand),
			Lat:              cand.Lat,
			Lon:              cand.Lon,
			RadiusM:          cand.RadiusM,
			DerivationMethod: cand.DerivationMethod,
			SourceClusterIDs: cand.SourceClusterIDs,
			MemberCount:      cand.MemberCount,
			Purity:           cand.Purity,
			DominantCategory: cand.DominantCategory,
			Confidence:       cand.Confidence,
			Enforcement:      cand.Enforcement,
			ShouldEnforce:    cand.ShouldEnforce,
			WindowStart:      cand.WindowStart,
			WindowEnd:        cand.WindowEnd,
			RunToken:         runToken,
			CreatedAt:        now,
		}
		set.Gates = append(set.Gates, gate)
		result.Gates = append(result.Gates, gate)

		set.States = append(set.States, GateState{
			GateID:            gate.ID,
			Status:            StatusLearning,
			Confidence:        gate.Confidence,
			LearningStartedAt: now,
			Version:           1,
			UpdatedAt:         now,
		})
		set.History = append(set.History, ConfidenceEntry{
			GateID:   gate.ID,
			At:       now,
			Score:    gate.Confidence,
			ToStatus: StatusLearning,
			Trigger:  TriggerPipeline,
		})

		gateID := gate.ID
		set.Decisions = append(set.Decisions, DecisionEvent{
			ID:         uuid.New().String(),
			GateID:     &gateID,
			EventID:    eventID,
			Type:       DecisionGateCreation,
			Confidence: gate.Confidence,
			Action: fmt.Sprintf("created %s gate %q from %d check-ins",
				gate.DerivationMethod, gate.Name, gate.MemberCount),
			Reasoning: encodeReasoning(creationReasoning{
				ClusterID:           cand.ClusterID,
				SourceClusterIDs:    cand.SourceClusterIDs,
				Method:              cand.DerivationMethod,
				MemberCount:         cand.MemberCount,
				Purity:              cand.Purity,
				Density:             cand.Density,
				GPSAccuracyP50:      cand.GPSAccuracyP50,
				ConfidenceThreshold: th.ConfidenceThreshold,
			}),
			Automated:      true,
			RequiresReview: gate.Confidence < th.ConfidenceThreshold,
			CreatedAt:      now,
		})

		if m, wasMerged := mergedByCluster[cand.ClusterID]; wasMerged {
			set.Decisions = append(set.Decisions, DecisionEvent{
				ID:         uuid.New().String(),
				GateID:     &gateID,
				EventID:    eventID,
				Type:       DecisionGateMerge,
				Confidence: cand.Confidence,
				Action: fmt.Sprintf("merged clusters %v into gate %q (%.1f m apart)",
					cand.SourceClusterIDs, gate.Name, m.DistanceM),
				Reasoning: encodeReasoning(mergeReasoning{
					SourceClusterIDs:   cand.SourceClusterIDs,
					DistanceM:          m.DistanceM,
					CombinedPurity:     m.CombinedPurity,
					DuplicateDistanceM: th.DuplicateDistanceM,
				}),
				Automated: true,
				CreatedAt: now,
			})
		}
	}

	if raw, err := json.Marshal(result); err == nil {
		set.Run.Result = raw
	}
	return set, result
}

// gateName labels a gate by its dominant category and rank position.
func gateName(position int, cand *GateCandidate) string {
	if cand.DerivationMethod == MethodCategoryTemporal {
		return fmt.Sprintf("Virtual %s Gate %d", cand.DominantCategory, position)
	}
	if cand.DominantCategory != "" {
		return fmt.Sprintf("%s Gate %d", cand.DominantCategory, position)
	}
	return fmt.Sprintf("Gate %d", position)
}

// creationReasoning is the audit document attached to gate_creation events.
type creationReasoning struct {
	ClusterID           int     `json:"cluster_id"`
	SourceClusterIDs    []int   `json:"source_cluster_ids,omitempty"`
	Method              string  `json:"method"`
	MemberCount         int     `json:"member_count"`
	Purity              float64 `json:"purity"`
	Density             float64 `json:"density"`
	GPSAccuracyP50      float64 `json:"gps_accuracy_p50"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// mergeReasoning is the audit document attached to gate_merge events.
type mergeReasoning struct {
	SourceClusterIDs   []int   `json:"source_cluster_ids"`
	DistanceM          float64 `json:"distance_m"`
	CombinedPurity     float64 `json:"combined_purity"`
	DuplicateDistanceM float64 `json:"duplicate_distance_m"`
}
