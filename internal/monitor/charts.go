package monitor

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/httputil"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// echartsAssetsPrefix is where rendered chart pages load the echarts runtime
// from. The charts are operator debug surfaces on a network with egress, so
// the public assets host is acceptable here.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// confidenceRamp is a viridis ramp for the confidence visual map.
var confidenceRamp = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// eventParam parses the required 'event' query parameter, writing the error
// response itself when the value is missing or malformed.
func eventParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("event")
	if raw == "" {
		httputil.BadRequest(w, "missing 'event' parameter")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httputil.BadRequest(w, "invalid 'event' parameter")
		return 0, false
	}
	return id, true
}

// handleConfidenceChart renders a line chart (HTML) of one gate's confidence
// history using go-echarts. Query params:
//   - gate (required)
func (ws *WebServer) handleConfidenceChart(w http.ResponseWriter, r *http.Request) {
	gateID := r.URL.Query().Get("gate")
	if gateID == "" {
		httputil.BadRequest(w, "missing 'gate' parameter")
		return
	}

	ctx := r.Context()
	gate, err := ws.db.GateByID(ctx, gateID)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("no gate '%s'", gateID))
		return
	}
	history, err := ws.db.ConfidenceHistoryForGate(ctx, gateID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("get confidence history: %v", err))
		return
	}
	if len(history) == 0 {
		httputil.NotFound(w, fmt.Sprintf("no confidence history for gate '%s'", gateID))
		return
	}

	// Transition entries carry the new status in the axis label so the
	// lifecycle reads straight off the chart.
	x := make([]string, 0, len(history))
	data := make([]opts.LineData, 0, len(history))
	for _, entry := range history {
		label := entry.At.UTC().Format("01-02 15:04")
		if entry.FromStatus != entry.ToStatus {
			label = fmt.Sprintf("%s %s", label, entry.ToStatus)
		}
		x = append(x, label)
		data = append(data, opts.LineData{Value: entry.Score})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Gate Confidence", Theme: "dark", Width: "900px", Height: "500px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Confidence Timeline", Subtitle: fmt.Sprintf("gate=%s id=%s entries=%d", gate.Name, gateID, len(history))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "recorded (UTC)"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "confidence"}),
	)
	line.SetXAxis(x).AddSeries("confidence", data)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleGateMap renders a scatter (HTML) of an event's derived gates on a
// local meter plane using go-echarts, colored by confidence. Virtual gates
// have no position and are left out. Query params:
//   - event (required)
func (ws *WebServer) handleGateMap(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventParam(w, r)
	if !ok {
		return
	}

	records, err := ws.db.ListGatesForEvent(r.Context(), eventID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list gates: %v", err))
		return
	}

	physical := make([]engine.GateRecord, 0, len(records))
	for _, rec := range records {
		if rec.Gate.Lat != nil && rec.Gate.Lon != nil {
			physical = append(physical, rec)
		}
	}
	if len(physical) == 0 {
		httputil.NotFound(w, fmt.Sprintf("no positioned gates for event %d", eventID))
		return
	}

	// Anchor the meter plane at the mean gate position.
	var lat0, lon0 float64
	for _, rec := range physical {
		lat0 += *rec.Gate.Lat
		lon0 += *rec.Gate.Lon
	}
	lat0 /= float64(len(physical))
	lon0 /= float64(len(physical))
	cosLat0 := math.Cos(lat0 * math.Pi / 180.0)

	data := make([]opts.ScatterData, 0, len(physical))
	maxAbs := 0.0
	for _, rec := range physical {
		x := (*rec.Gate.Lon - lon0) * metersPerDegree * cosLat0
		y := (*rec.Gate.Lat - lat0) * metersPerDegree
		data = append(data, opts.ScatterData{
			Name:  rec.Gate.Name,
			Value: []interface{}{x, y, rec.State.Confidence},
		})
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))
	}

	// Force a square plot by using equal width/height and symmetric axis ranges
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Gate Map", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Derived Gates", Subtitle: fmt.Sprintf("event=%d gates=%d", eventID, len(physical))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "East (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "North (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        1,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: confidenceRamp},
		}),
	)

	scatter.AddSeries("gates", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
