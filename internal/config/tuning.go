package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

//go:embed engine.defaults.json
var defaultConfigJSON []byte

// EngineConfig represents the tuning parameters for gate derivation and the
// autonomous lifecycle. All fields are pointers so a partial JSON override
// only touches the values it names; the Get* methods provide fallback
// defaults for any field left nil. Per-event adaptive thresholds (duplicate
// distance, promotion sample size, confidence threshold, velocity threshold)
// start from these values and then drift per event.
type EngineConfig struct {
	// Clustering params
	FallbackRadiusM      *float64 `json:"fallback_radius_m,omitempty"`
	MinClusterPoints     *int     `json:"min_cluster_points,omitempty"`
	ClusterPointFraction *float64 `json:"cluster_point_fraction,omitempty"`
	VirtualWindow        *string  `json:"virtual_window,omitempty"` // duration string like "15m"

	// Quality assessor params
	MinGPSSufficient        *int `json:"min_gps_sufficient,omitempty"`
	MinCategoriesSufficient *int `json:"min_categories_sufficient,omitempty"`
	MinGPSMarginal          *int `json:"min_gps_marginal,omitempty"`

	// Scoring and enforcement params
	StrictConfidence     *float64 `json:"strict_confidence,omitempty"`
	StrictPurity         *float64 `json:"strict_purity,omitempty"`
	EnforcePurityFloor   *float64 `json:"enforce_purity_floor,omitempty"`
	MergePurityTolerance *float64 `json:"merge_purity_tolerance,omitempty"`
	ScoreWorkers         *int     `json:"score_workers,omitempty"`

	// Adaptive threshold seeds (per-event values start here)
	DuplicateDistanceM  *float64 `json:"duplicate_distance_m,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`
	PromotionSampleSize *int     `json:"promotion_sample_size,omitempty"`
	VelocityThresholdMs *int64   `json:"velocity_threshold_ms,omitempty"`

	// Lifecycle params
	EvaluationWindow   *int     `json:"evaluation_window,omitempty"`
	ThresholdStep      *float64 `json:"threshold_step,omitempty"`
	ConfidenceFloor    *float64 `json:"confidence_floor,omitempty"`
	DemotionHysteresis *float64 `json:"demotion_hysteresis,omitempty"`

	// Idle sweep params
	IdleAfter     *string `json:"idle_after,omitempty"`     // duration string like "24h"
	SweepInterval *string `json:"sweep_interval,omitempty"` // duration string like "1h"
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyEngineConfig returns an EngineConfig with all fields set to nil.
// Every Get* call on it answers with the built-in default.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig parses the embedded canonical defaults. Panics on
// error; the defaults file ships inside the binary so a failure here is a
// build defect, not a runtime condition.
func MustLoadDefaultConfig() *EngineConfig {
	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(defaultConfigJSON, cfg); err != nil {
		panic("cannot parse embedded engine.defaults.json: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		panic("embedded engine.defaults.json invalid: " + err.Error())
	}
	return cfg
}

// Validate checks that the configuration values are valid.
func (c *EngineConfig) Validate() error {
	for name, v := range map[string]*float64{
		"strict_confidence":      c.StrictConfidence,
		"strict_purity":          c.StrictPurity,
		"enforce_purity_floor":   c.EnforcePurityFloor,
		"merge_purity_tolerance": c.MergePurityTolerance,
		"confidence_threshold":   c.ConfidenceThreshold,
		"threshold_step":         c.ThresholdStep,
		"confidence_floor":       c.ConfidenceFloor,
		"demotion_hysteresis":    c.DemotionHysteresis,
		"cluster_point_fraction": c.ClusterPointFraction,
	} {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
	}

	if c.FallbackRadiusM != nil && *c.FallbackRadiusM <= 0 {
		return fmt.Errorf("fallback_radius_m must be positive, got %f", *c.FallbackRadiusM)
	}
	if c.DuplicateDistanceM != nil && *c.DuplicateDistanceM <= 0 {
		return fmt.Errorf("duplicate_distance_m must be positive, got %f", *c.DuplicateDistanceM)
	}
	for name, v := range map[string]*int{
		"min_cluster_points":    c.MinClusterPoints,
		"min_gps_sufficient":    c.MinGPSSufficient,
		"min_gps_marginal":      c.MinGPSMarginal,
		"promotion_sample_size": c.PromotionSampleSize,
		"evaluation_window":     c.EvaluationWindow,
		"score_workers":         c.ScoreWorkers,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.MinCategoriesSufficient != nil && *c.MinCategoriesSufficient < 1 {
		return fmt.Errorf("min_categories_sufficient must be at least 1, got %d", *c.MinCategoriesSufficient)
	}
	if c.VelocityThresholdMs != nil && *c.VelocityThresholdMs <= 0 {
		return fmt.Errorf("velocity_threshold_ms must be positive, got %d", *c.VelocityThresholdMs)
	}

	for name, v := range map[string]*string{
		"virtual_window": c.VirtualWindow,
		"idle_after":     c.IdleAfter,
		"sweep_interval": c.SweepInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

// GetFallbackRadiusM returns the fallback_radius_m value or the default.
// Used as DBSCAN eps when the venue has no configured radius.
func (c *EngineConfig) GetFallbackRadiusM() float64 {
	if c.FallbackRadiusM == nil {
		return 30.0
	}
	return *c.FallbackRadiusM
}

// GetMinClusterPoints returns the min_cluster_points value or the default.
func (c *EngineConfig) GetMinClusterPoints() int {
	if c.MinClusterPoints == nil {
		return 5
	}
	return *c.MinClusterPoints
}

// GetClusterPointFraction returns the cluster_point_fraction value or the default.
func (c *EngineConfig) GetClusterPointFraction() float64 {
	if c.ClusterPointFraction == nil {
		return 0.01
	}
	return *c.ClusterPointFraction
}

// GetVirtualWindow parses and returns the VirtualWindow as a time.Duration.
func (c *EngineConfig) GetVirtualWindow() time.Duration {
	if c.VirtualWindow == nil || *c.VirtualWindow == "" {
		return 15 * time.Minute
	}
	d, err := time.ParseDuration(*c.VirtualWindow)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetMinGPSSufficient returns the min_gps_sufficient value or the default.
func (c *EngineConfig) GetMinGPSSufficient() int {
	if c.MinGPSSufficient == nil {
		return 30
	}
	return *c.MinGPSSufficient
}

// GetMinCategoriesSufficient returns the min_categories_sufficient value or the default.
func (c *EngineConfig) GetMinCategoriesSufficient() int {
	if c.MinCategoriesSufficient == nil {
		return 2
	}
	return *c.MinCategoriesSufficient
}

// GetMinGPSMarginal returns the min_gps_marginal value or the default.
// Below this count the assessor reports insufficient rather than marginal.
func (c *EngineConfig) GetMinGPSMarginal() int {
	if c.MinGPSMarginal == nil {
		return 10
	}
	return *c.MinGPSMarginal
}

// GetStrictConfidence returns the strict_confidence value or the default.
func (c *EngineConfig) GetStrictConfidence() float64 {
	if c.StrictConfidence == nil {
		return 0.85
	}
	return *c.StrictConfidence
}

// GetStrictPurity returns the strict_purity value or the default.
func (c *EngineConfig) GetStrictPurity() float64 {
	if c.StrictPurity == nil {
		return 0.90
	}
	return *c.StrictPurity
}

// GetEnforcePurityFloor returns the enforce_purity_floor value or the default.
func (c *EngineConfig) GetEnforcePurityFloor() float64 {
	if c.EnforcePurityFloor == nil {
		return 0.70
	}
	return *c.EnforcePurityFloor
}

// GetMergePurityTolerance returns the merge_purity_tolerance value or the default.
func (c *EngineConfig) GetMergePurityTolerance() float64 {
	if c.MergePurityTolerance == nil {
		return 0.05
	}
	return *c.MergePurityTolerance
}

// GetScoreWorkers returns the score_workers value or the default.
func (c *EngineConfig) GetScoreWorkers() int {
	if c.ScoreWorkers == nil {
		return 4
	}
	return *c.ScoreWorkers
}

// GetDuplicateDistanceM returns the duplicate_distance_m value or the default.
func (c *EngineConfig) GetDuplicateDistanceM() float64 {
	if c.DuplicateDistanceM == nil {
		return 25.0
	}
	return *c.DuplicateDistanceM
}

// GetConfidenceThreshold returns the confidence_threshold value or the default.
func (c *EngineConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.70
	}
	return *c.ConfidenceThreshold
}

// GetPromotionSampleSize returns the promotion_sample_size value or the default.
func (c *EngineConfig) GetPromotionSampleSize() int {
	if c.PromotionSampleSize == nil {
		return 50
	}
	return *c.PromotionSampleSize
}

// GetVelocityThresholdMs returns the velocity_threshold_ms value or the default.
func (c *EngineConfig) GetVelocityThresholdMs() int64 {
	if c.VelocityThresholdMs == nil {
		return 5000
	}
	return *c.VelocityThresholdMs
}

// GetEvaluationWindow returns the evaluation_window value or the default.
func (c *EngineConfig) GetEvaluationWindow() int {
	if c.EvaluationWindow == nil {
		return 20
	}
	return *c.EvaluationWindow
}

// GetThresholdStep returns the threshold_step value or the default.
func (c *EngineConfig) GetThresholdStep() float64 {
	if c.ThresholdStep == nil {
		return 0.05
	}
	return *c.ThresholdStep
}

// GetConfidenceFloor returns the confidence_floor value or the default.
// Automatic threshold adjustments never push confidence_threshold below this.
func (c *EngineConfig) GetConfidenceFloor() float64 {
	if c.ConfidenceFloor == nil {
		return 0.50
	}
	return *c.ConfidenceFloor
}

// GetDemotionHysteresis returns the demotion_hysteresis value or the default.
func (c *EngineConfig) GetDemotionHysteresis() float64 {
	if c.DemotionHysteresis == nil {
		return 0.10
	}
	return *c.DemotionHysteresis
}

// GetIdleAfter parses and returns the IdleAfter as a time.Duration.
func (c *EngineConfig) GetIdleAfter() time.Duration {
	if c.IdleAfter == nil || *c.IdleAfter == "" {
		return 24 * time.Hour
	}
	d, err := time.ParseDuration(*c.IdleAfter)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetSweepInterval parses and returns the SweepInterval as a time.Duration.
func (c *EngineConfig) GetSweepInterval() time.Duration {
	if c.SweepInterval == nil || *c.SweepInterval == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(*c.SweepInterval)
	if err != nil {
		return time.Hour
	}
	return d
}
