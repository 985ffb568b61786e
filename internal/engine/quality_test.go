package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/bandpass-data/gatesense/internal/config"
)

func testVenue() *Venue {
	radius := 30.0
	return &Venue{
		EventID:               1,
		Name:                  "Lakefront Pavilion",
		DefaultRadiusM:        &radius,
		GPSAccuracyThresholdM: 50,
		Timezone:              "America/Chicago",
	}
}

func noGPSCheckin(id int64, category string, at time.Time) CheckinEvent {
	return CheckinEvent{
		ID:             id,
		EventID:        1,
		WristbandID:    "wb",
		TicketCategory: category,
		CheckinTime:    at,
		Success:        true,
	}
}

func TestAssessQuality_NoCheckins(t *testing.T) {
	cfg := config.EmptyEngineConfig()
	report := assessQuality(1, nil, testVenue(), cfg, time.Now())

	if report.Recommendation != QualityInsufficient {
		t.Errorf("recommendation = %s, want insufficient", report.Recommendation)
	}
	if len(report.Warnings) != 1 || report.Warnings[0] != "no check-ins recorded" {
		t.Errorf("warnings = %v", report.Warnings)
	}
}

func TestAssessQuality_NoGPSIsInsufficient(t *testing.T) {
	cfg := config.EmptyEngineConfig()
	base := time.Date(2026, 6, 13, 18, 0, 0, 0, time.UTC)

	var checkins []CheckinEvent
	for i := 0; i < 80; i++ {
		checkins = append(checkins, noGPSCheckin(int64(i+1), "ga", base.Add(time.Duration(i)*time.Second)))
	}

	report := assessQuality(1, checkins, testVenue(), cfg, time.Now())
	if report.Recommendation != QualityInsufficient {
		t.Errorf("recommendation = %s, want insufficient with zero GPS", report.Recommendation)
	}
	if report.GPSCheckins != 0 {
		t.Errorf("GPSCheckins = %d, want 0", report.GPSCheckins)
	}
	if report.TotalCheckins != 80 {
		t.Errorf("TotalCheckins = %d, want 80", report.TotalCheckins)
	}
}

func TestAssessQuality_Sufficient(t *testing.T) {
	cfg := config.EmptyEngineConfig()
	base := time.Date(2026, 6, 13, 18, 0, 0, 0, time.UTC)

	var checkins []CheckinEvent
	for i := 0; i < 40; i++ {
		category := "ga"
		if i%4 == 0 {
			category = "vip"
		}
		c := checkinAt(int64(i+1), category, 41.8781+float64(i)*1e-6, -87.6298)
		c.CheckinTime = base.Add(time.Duration(i) * time.Second)
		acc := 8.0
		c.GPSAccuracyM = &acc
		checkins = append(checkins, c)
	}

	report := assessQuality(1, checkins, testVenue(), cfg, time.Now())
	if report.Recommendation != QualitySufficient {
		t.Errorf("recommendation = %s, want sufficient (warnings: %v)", report.Recommendation, report.Warnings)
	}
	if report.UniqueCategories != 2 {
		t.Errorf("UniqueCategories = %d, want 2", report.UniqueCategories)
	}
	if report.GPSAccuracyP50 != 8.0 {
		t.Errorf("GPSAccuracyP50 = %f, want 8.0", report.GPSAccuracyP50)
	}
	if report.GPSCoverage != 1.0 {
		t.Errorf("GPSCoverage = %f, want 1.0", report.GPSCoverage)
	}
}

func TestAssessQuality_MarginalSingleCategory(t *testing.T) {
	cfg := config.EmptyEngineConfig()

	// Plenty of GPS points but only one category: marginal, not sufficient.
	var checkins []CheckinEvent
	for i := 0; i < 40; i++ {
		checkins = append(checkins, checkinAt(int64(i+1), "ga", 41.8781, -87.6298))
	}

	report := assessQuality(1, checkins, testVenue(), cfg, time.Now())
	if report.Recommendation != QualityMarginal {
		t.Errorf("recommendation = %s, want marginal", report.Recommendation)
	}
	found := false
	for _, w := range report.Warnings {
		if w == "single ticket category" {
			found = true
		}
	}
	if !found {
		t.Errorf("missing single-category warning, got %v", report.Warnings)
	}
}

func TestAssessQuality_FewGPSWarning(t *testing.T) {
	cfg := config.EmptyEngineConfig()

	var checkins []CheckinEvent
	for i := 0; i < 12; i++ {
		category := "ga"
		if i%2 == 0 {
			category = "vip"
		}
		checkins = append(checkins, checkinAt(int64(i+1), category, 41.8781, -87.6298))
	}

	report := assessQuality(1, checkins, testVenue(), cfg, time.Now())
	if report.Recommendation != QualityMarginal {
		t.Errorf("recommendation = %s, want marginal", report.Recommendation)
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "only 12 GPS check-ins") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing GPS count warning, got %v", report.Warnings)
	}
}

func TestAssessQuality_AccuracyAboveVenueThreshold(t *testing.T) {
	cfg := config.EmptyEngineConfig()

	var checkins []CheckinEvent
	for i := 0; i < 40; i++ {
		category := "ga"
		if i%4 == 0 {
			category = "vip"
		}
		c := checkinAt(int64(i+1), category, 41.8781, -87.6298)
		acc := 80.0 // worse than the 50 m venue threshold
		c.GPSAccuracyM = &acc
		checkins = append(checkins, c)
	}

	report := assessQuality(1, checkins, testVenue(), cfg, time.Now())
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "exceeds venue threshold") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing accuracy warning, got %v", report.Warnings)
	}
}

func TestAssessQuality_Deterministic(t *testing.T) {
	cfg := config.EmptyEngineConfig()
	now := time.Date(2026, 6, 14, 9, 0, 0, 0, time.UTC)

	var checkins []CheckinEvent
	for i := 0; i < 25; i++ {
		checkins = append(checkins, checkinAt(int64(i+1), "ga", 41.8781, -87.6298))
	}

	first := assessQuality(1, checkins, testVenue(), cfg, now)
	second := assessQuality(1, checkins, testVenue(), cfg, now)

	if first.Recommendation != second.Recommendation ||
		first.GPSCheckins != second.GPSCheckins ||
		first.GPSAccuracyP50 != second.GPSAccuracyP50 ||
		len(first.Warnings) != len(second.Warnings) {
		t.Errorf("repeated assessment differed: %+v vs %+v", first, second)
	}
}
