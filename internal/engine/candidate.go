package engine

import "time"

// Derivation methods recorded on candidates and persisted gates.
const (
	// MethodGPSDBSCAN marks candidates derived by density clustering of
	// GPS-bearing check-ins.
	MethodGPSDBSCAN = "gps_dbscan"
	// MethodCategoryTemporal marks virtual candidates derived from
	// category plus temporal co-occurrence of no-GPS check-ins.
	MethodCategoryTemporal = "category_temporal"
)

// EnforcementLevel grades how hard a derived gate should be enforced when
// wristbands are scanned against it.
type EnforcementLevel string

const (
	EnforcementStrict   EnforcementLevel = "strict"
	EnforcementAdvisory EnforcementLevel = "advisory"
	EnforcementNone     EnforcementLevel = "none"
)

// Merge suggestion recommendations.
const (
	MergeRecommended  = "merge"
	MergeKeepSeparate = "keep_separate"
)

// GateCandidate is one scored cluster of check-ins proposed as a gate.
// Candidates exist only in memory until an execute persists them as gates.
type GateCandidate struct {
	// ClusterID is deterministic for a fixed input: sequential in scan
	// order after the clusterer's stable sort of check-ins by id.
	ClusterID int   `json:"cluster_id"`
	EventID   int64 `json:"event_id"`

	// Centroid (weighted geometric median). Nil for virtual candidates,
	// which carry no position evidence.
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`

	// RadiusM estimates the gate footprint: P90 member distance from the
	// centroid, clamped to [5m, 2*eps]. Zero for virtual candidates.
	RadiusM float64 `json:"radius_m"`

	MemberCount  int     `json:"member_count"`
	WeightedMass float64 `json:"weighted_mass"`
	MemberIDs    []int64 `json:"member_ids,omitempty"`

	Purity           float64 `json:"purity"`
	DominantCategory string  `json:"dominant_category"`
	Confidence       float64 `json:"confidence"`
	GPSAccuracyP50   float64 `json:"gps_accuracy_p50"`
	Density          float64 `json:"density"`

	DerivationMethod string `json:"derivation_method"`

	Enforcement   EnforcementLevel `json:"enforcement"`
	ShouldEnforce bool             `json:"should_enforce"`

	// SourceClusterIDs lists the pre-merge cluster ids folded into this
	// candidate. Before any merge a candidate lists only itself.
	SourceClusterIDs []int `json:"source_cluster_ids"`

	// Temporal window bounds, set only for category_temporal candidates.
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`

	// Members backs merge recomputation. Not serialized; MemberIDs is the
	// persisted record.
	Members []CheckinEvent `json:"-"`
}

// MergeSuggestion flags two physical candidates whose centroids sit within
// the event's duplicate distance. The recommendation follows the combined
// purity of the union of their members.
type MergeSuggestion struct {
	ClusterA       int     `json:"cluster_a"`
	ClusterB       int     `json:"cluster_b"`
	DistanceM      float64 `json:"distance_m"`
	CombinedPurity float64 `json:"combined_purity"`
	Recommendation string  `json:"recommendation"`
}

// PreviewResult is the outcome of a side-effect-free derivation pass.
// Running preview twice over unchanged data yields identical results.
type PreviewResult struct {
	EventID          int64             `json:"event_id"`
	Quality          *QualityReport    `json:"quality"`
	Candidates       []GateCandidate   `json:"candidates"`
	MergeSuggestions []MergeSuggestion `json:"merge_suggestions,omitempty"`
	NoiseCount       int               `json:"noise_count"`

	// Partial marks a preview cut short by the caller's context after
	// quality assessment; Candidates are omitted rather than half-built.
	Partial       bool   `json:"partial,omitempty"`
	PartialReason string `json:"partial_reason,omitempty"`

	Warnings    []string  `json:"warnings,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ExecuteResult reports what a pipeline execute persisted, or the stored
// result of the first run when the (event, token) pair replays.
type ExecuteResult struct {
	EventID  int64  `json:"event_id"`
	RunID    string `json:"run_id"`
	RunToken string `json:"run_token"`
	Replayed bool   `json:"replayed,omitempty"`

	Gates             []Gate            `json:"gates"`
	AppliedMerges     []MergeSuggestion `json:"applied_merges,omitempty"`
	SkippedCandidates int               `json:"skipped_candidates"`
	NoiseCount        int               `json:"noise_count"`

	// PriorGateCount records how many gates earlier runs had already
	// persisted for the event, so operators can spot re-derivations.
	PriorGateCount int `json:"prior_gate_count"`

	Quality   *QualityReport `json:"quality"`
	CreatedAt time.Time      `json:"created_at"`
}
