// Command gates-backfill seeds an event with a synthetic crowd and runs the
// derivation pipeline over it, for demos and local development. Preview mode
// derives without writing; execute mode persists gates. With -out the run's
// artifacts (result JSON, gate map PNG) land in a directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bandpass-data/gatesense/internal/db"
	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/fsutil"
	"github.com/bandpass-data/gatesense/internal/monitor"
	"github.com/bandpass-data/gatesense/internal/timeutil"
)

func main() {
	var dbPath string
	var eventID int64
	var fixturePath string
	var seed int64
	var venueName string
	var timezone string
	var runToken string
	var previewOnly bool
	var outDir string

	flag.StringVar(&dbPath, "db", "gates.db", "path to sqlite db")
	flag.Int64Var(&eventID, "event", 0, "event id to seed")
	flag.StringVar(&fixturePath, "fixture", "", "fixture spec JSON (built-in demo crowd when empty)")
	flag.Int64Var(&seed, "seed", 42, "rng seed for the built-in demo crowd")
	flag.StringVar(&venueName, "venue", "", "venue name to create when the event has none")
	flag.StringVar(&timezone, "tz", "UTC", "venue timezone when creating")
	flag.StringVar(&runToken, "token", "", "pipeline run token (generated when empty)")
	flag.BoolVar(&previewOnly, "preview", false, "derive without persisting gates")
	flag.StringVar(&outDir, "out", "", "directory for result JSON and gate map PNG")
	flag.Parse()

	if eventID <= 0 {
		log.Fatalf("event must be provided")
	}

	dbConn, err := db.NewDB(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer dbConn.Close()

	ctx := context.Background()
	eng := engine.New(dbConn, nil, timeutil.RealClock{})

	ensureVenue(ctx, dbConn, eventID, venueName, timezone)

	spec := loadFixtureSpec(fixturePath, eventID, seed)
	seedCheckins(ctx, dbConn, eventID, spec)

	if previewOnly {
		runPreview(ctx, eng, dbConn, eventID, outDir)
	} else {
		runExecute(ctx, eng, dbConn, eventID, runToken, outDir)
	}

	fmt.Println("backfill complete")
}

// ensureVenue creates a venue row for the event when none exists yet.
func ensureVenue(ctx context.Context, dbConn *db.DB, eventID int64, name, tz string) {
	_, err := dbConn.VenueForEvent(ctx, eventID)
	if err == nil {
		return
	}
	if !errors.Is(err, engine.ErrUnknownEvent) {
		log.Fatalf("venue lookup: %v", err)
	}
	if name == "" {
		log.Fatalf("event %d has no venue; provide -venue to create one", eventID)
	}
	v := &engine.Venue{
		EventID:               eventID,
		Name:                  name,
		GPSAccuracyThresholdM: 50,
		Timezone:              tz,
	}
	if err := dbConn.CreateVenue(ctx, v); err != nil {
		log.Fatalf("create venue: %v", err)
	}
	fmt.Printf("created venue %q for event %d (tz %s)\n", name, eventID, tz)
}

// loadFixtureSpec reads a fixture spec from disk, or builds the demo crowd:
// two general-admission clusters, a VIP cluster, and a virtual staff stream.
func loadFixtureSpec(path string, eventID, seed int64) engine.FixtureSpec {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read fixture: %v", err)
		}
		var spec engine.FixtureSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			log.Fatalf("parse fixture: %v", err)
		}
		if spec.EventID == 0 {
			spec.EventID = eventID
		}
		if spec.EventID != eventID {
			log.Fatalf("fixture is for event %d, not %d", spec.EventID, eventID)
		}
		return spec
	}

	start := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Minute)
	return engine.FixtureSpec{
		EventID: eventID,
		Seed:    seed,
		Clusters: []engine.FixtureCluster{
			{Lat: 41.8781, Lon: -87.6298, SpreadM: 4, Count: 150, Category: "General", AccuracyM: 6, Start: start, Interval: 40 * time.Second},
			{Lat: 41.8787, Lon: -87.6310, SpreadM: 5, Count: 70, Category: "General", AccuracyM: 8, Start: start.Add(10 * time.Minute), Interval: time.Minute},
			{Lat: 41.8775, Lon: -87.6289, SpreadM: 3, Count: 45, Category: "VIP", AccuracyM: 5, Start: start.Add(5 * time.Minute), Interval: 90 * time.Second},
		},
		Streams: []engine.FixtureStream{
			{Category: "Staff", Count: 30, Start: start, Interval: 2 * time.Minute},
		},
		DenialRate: 0.04,
	}
}

// seedCheckins inserts the generated crowd unless the event already has
// check-ins.
func seedCheckins(ctx context.Context, dbConn *db.DB, eventID int64, spec engine.FixtureSpec) {
	stats, err := dbConn.GetEventStats(ctx, eventID)
	if err != nil {
		log.Fatalf("event stats: %v", err)
	}
	if stats.Checkins > 0 {
		fmt.Printf("event %d already has %d check-ins; skipping seed\n", eventID, stats.Checkins)
		return
	}

	checkins := engine.GenerateCheckins(spec)
	if len(checkins) == 0 {
		log.Fatalf("fixture spec produced no check-ins")
	}
	// Let the database assign ids so seeds across events never collide.
	for i := range checkins {
		checkins[i].ID = 0
	}
	if err := dbConn.InsertCheckins(ctx, checkins); err != nil {
		log.Fatalf("insert check-ins: %v", err)
	}
	fmt.Printf("seeded %d check-ins for event %d\n", len(checkins), eventID)
}

func runPreview(ctx context.Context, eng *engine.Engine, dbConn *db.DB, eventID int64, outDir string) {
	result, err := eng.PreviewGates(ctx, eventID)
	if err != nil {
		log.Fatalf("preview failed: %v", err)
	}

	printQuality(result.Quality)
	fmt.Printf("preview: %d candidates, %d merge suggestions, %d noise points\n",
		len(result.Candidates), len(result.MergeSuggestions), result.NoiseCount)
	for _, c := range result.Candidates {
		fmt.Printf("  cluster %d: %s %s members=%d purity=%.2f confidence=%.2f\n",
			c.ClusterID, c.DerivationMethod, c.DominantCategory, c.MemberCount, c.Purity, c.Confidence)
	}
	for _, m := range result.MergeSuggestions {
		fmt.Printf("  merge %d+%d: %.1fm apart, %s\n", m.ClusterA, m.ClusterB, m.DistanceM, m.Recommendation)
	}

	if outDir == "" {
		return
	}
	path, err := engine.ExportPreviewJSON(fsutil.OSFileSystem{}, outDir, result)
	if err != nil {
		log.Fatalf("export preview: %v", err)
	}
	fmt.Printf("wrote %s\n", path)
	writePlot(ctx, dbConn, eventID, outDir, result.GeneratedAt, false)
}

func runExecute(ctx context.Context, eng *engine.Engine, dbConn *db.DB, eventID int64, token, outDir string) {
	if token == "" {
		token = fmt.Sprintf("backfill-%d", time.Now().Unix())
	}

	result, err := eng.ExecutePipeline(ctx, eventID, token)
	if err != nil {
		log.Fatalf("execute failed: %v", err)
	}

	if result.Replayed {
		fmt.Printf("token %q already ran as %s; returning stored result\n", token, result.RunID)
	}
	printQuality(result.Quality)
	fmt.Printf("run %s: %d gates, %d merges applied, %d candidates skipped, %d noise points (prior gates: %d)\n",
		result.RunID, len(result.Gates), len(result.AppliedMerges), result.SkippedCandidates, result.NoiseCount, result.PriorGateCount)
	for _, g := range result.Gates {
		pos := "virtual"
		if g.Lat != nil && g.Lon != nil {
			pos = fmt.Sprintf("%.5f,%.5f r=%.0fm", *g.Lat, *g.Lon, g.RadiusM)
		}
		fmt.Printf("  %s [%s] %s members=%d purity=%.2f confidence=%.2f enforce=%v\n",
			g.Name, g.DerivationMethod, pos, g.MemberCount, g.Purity, g.Confidence, g.ShouldEnforce)
	}

	if outDir == "" {
		return
	}
	path, err := engine.ExportExecuteJSON(fsutil.OSFileSystem{}, outDir, result)
	if err != nil {
		log.Fatalf("export result: %v", err)
	}
	fmt.Printf("wrote %s\n", path)
	writePlot(ctx, dbConn, eventID, outDir, result.CreatedAt, true)
}

// writePlot renders the event's gate map beside the crowd and writes it into
// dir. Preview runs have no persisted gates yet, so the plot may carry the
// crowd alone.
func writePlot(ctx context.Context, dbConn *db.DB, eventID int64, dir string, at time.Time, withGates bool) {
	checkins, err := dbConn.ListCheckinsForEvent(ctx, eventID)
	if err != nil {
		log.Fatalf("list check-ins: %v", err)
	}
	var gates []engine.GateRecord
	if withGates {
		gates, err = dbConn.ListGatesForEvent(ctx, eventID)
		if err != nil {
			log.Fatalf("list gates: %v", err)
		}
	}
	venue, err := dbConn.VenueForEvent(ctx, eventID)
	if err != nil {
		log.Fatalf("venue lookup: %v", err)
	}
	png, err := monitor.RenderGatesPNG(fmt.Sprintf("%s - Derived Gates", venue.Name), checkins, gates)
	if err != nil {
		if errors.Is(err, monitor.ErrNothingToPlot) {
			fmt.Println("nothing to plot; skipping PNG")
			return
		}
		log.Fatalf("render plot: %v", err)
	}
	path, err := engine.WriteGatePlot(fsutil.OSFileSystem{}, dir, eventID, at, png)
	if err != nil {
		log.Fatalf("write plot: %v", err)
	}
	fmt.Printf("wrote %s\n", path)
}

func printQuality(q *engine.QualityReport) {
	if q == nil {
		return
	}
	fmt.Printf("quality: %d check-ins (%d with GPS, %.0f%% coverage), %d wristbands, %d categories, recommendation=%s\n",
		q.TotalCheckins, q.GPSCheckins, q.GPSCoverage*100, q.UniqueWristbands, q.UniqueCategories, q.Recommendation)
	for _, w := range q.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}
