package engine

import (
	"fmt"
	"time"

	"github.com/bandpass-data/gatesense/internal/config"
)

// QualityRecommendation rates whether an event's check-in history can
// support gate derivation.
type QualityRecommendation string

const (
	QualitySufficient   QualityRecommendation = "sufficient"
	QualityMarginal     QualityRecommendation = "marginal"
	QualityInsufficient QualityRecommendation = "insufficient"
)

// QualityReport summarizes the check-in history the derivation would run on.
// Assessment is side-effect-free; the report is advisory and never blocks a
// preview or execute.
type QualityReport struct {
	EventID            int64          `json:"event_id"`
	TotalCheckins      int            `json:"total_checkins"`
	SuccessfulCheckins int            `json:"successful_checkins"`
	GPSCheckins        int            `json:"gps_checkins"`
	UniqueWristbands   int            `json:"unique_wristbands"`
	UniqueCategories   int            `json:"unique_categories"`
	CategoryCounts     map[string]int `json:"category_counts"`

	// GPSCoverage is the share of check-ins carrying a position, in [0, 1].
	GPSCoverage float64 `json:"gps_coverage"`
	// GPSAccuracyP50 is the median reported accuracy over GPS check-ins, meters.
	GPSAccuracyP50 float64 `json:"gps_accuracy_p50"`

	Recommendation QualityRecommendation `json:"recommendation"`
	Warnings       []string              `json:"warnings,omitempty"`
	AssessedAt     time.Time             `json:"assessed_at"`
}

// Sufficient reports whether derivation has enough signal to trust.
func (r *QualityReport) Sufficient() bool {
	return r.Recommendation == QualitySufficient
}

// assessQuality builds a QualityReport from the event's check-ins. Pure:
// same input, same report (modulo the timestamp).
func assessQuality(eventID int64, checkins []CheckinEvent, venue *Venue, cfg *config.EngineConfig, now time.Time) *QualityReport {
	report := &QualityReport{
		EventID:        eventID,
		CategoryCounts: make(map[string]int),
		AssessedAt:     now,
	}

	wristbands := make(map[string]struct{})
	var accuracies []float64
	for i := range checkins {
		c := &checkins[i]
		report.TotalCheckins++
		if c.Success {
			report.SuccessfulCheckins++
		}
		if c.HasGPS() {
			report.GPSCheckins++
			if c.GPSAccuracyM != nil {
				accuracies = append(accuracies, *c.GPSAccuracyM)
			}
		}
		if c.TicketCategory != "" {
			report.CategoryCounts[c.TicketCategory]++
		}
		if c.WristbandID != "" {
			wristbands[c.WristbandID] = struct{}{}
		}
	}
	report.UniqueWristbands = len(wristbands)
	report.UniqueCategories = len(report.CategoryCounts)
	if report.TotalCheckins > 0 {
		report.GPSCoverage = float64(report.GPSCheckins) / float64(report.TotalCheckins)
	}
	report.GPSAccuracyP50 = AccuracyP50(accuracies)

	minSufficient := cfg.GetMinGPSSufficient()
	minMarginal := cfg.GetMinGPSMarginal()
	minCategories := cfg.GetMinCategoriesSufficient()

	switch {
	case report.TotalCheckins == 0 || report.GPSCheckins < minMarginal:
		report.Recommendation = QualityInsufficient
	case report.GPSCheckins >= minSufficient && report.UniqueCategories >= minCategories:
		report.Recommendation = QualitySufficient
	default:
		report.Recommendation = QualityMarginal
	}

	if report.TotalCheckins == 0 {
		report.Warnings = append(report.Warnings, "no check-ins recorded")
		return report
	}
	if report.GPSCheckins < minSufficient {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("only %d GPS check-ins (want >= %d)", report.GPSCheckins, minSufficient))
	}
	switch report.UniqueCategories {
	case 0:
		report.Warnings = append(report.Warnings, "no ticket categories present")
	case 1:
		report.Warnings = append(report.Warnings, "single ticket category")
	}
	if report.GPSCoverage < 0.25 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("GPS coverage %d%%", int(report.GPSCoverage*100)))
	}
	if venue != nil && venue.GPSAccuracyThresholdM > 0 && report.GPSAccuracyP50 > venue.GPSAccuracyThresholdM {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("median GPS accuracy %.0f m exceeds venue threshold %.0f m",
				report.GPSAccuracyP50, venue.GPSAccuracyThresholdM))
	}

	return report
}
