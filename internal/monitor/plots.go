package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"math"
	"net/http"

	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/httputil"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// metersPerDegree converts degrees of latitude to meters on the local plane.
const metersPerDegree = engine.EarthRadiusMeters * math.Pi / 180.0

// discSegments is the polyline resolution for gate radius circles.
const discSegments = 64

// ErrNothingToPlot means the event has neither positioned gates nor GPS
// check-ins, so there is no geometry to draw.
var ErrNothingToPlot = errors.New("no positioned gates or GPS check-ins to plot")

// RenderGatesPNG draws an event's GPS check-ins and derived gate discs on a
// local meter plane and returns the encoded PNG. Virtual gates carry no
// position and are skipped. The same bytes feed the HTTP plot endpoint and
// the export writer.
func RenderGatesPNG(title string, checkins []engine.CheckinEvent, gates []engine.GateRecord) ([]byte, error) {
	physical := make([]engine.GateRecord, 0, len(gates))
	for _, rec := range gates {
		if rec.Gate.Lat != nil && rec.Gate.Lon != nil {
			physical = append(physical, rec)
		}
	}
	gps := make([]engine.CheckinEvent, 0, len(checkins))
	for i := range checkins {
		if checkins[i].HasGPS() {
			gps = append(gps, checkins[i])
		}
	}
	if len(physical) == 0 && len(gps) == 0 {
		return nil, ErrNothingToPlot
	}

	// Anchor the meter plane at the mean of everything positioned.
	var lat0, lon0 float64
	n := 0
	for _, rec := range physical {
		lat0 += *rec.Gate.Lat
		lon0 += *rec.Gate.Lon
		n++
	}
	for i := range gps {
		lat0 += *gps[i].Lat
		lon0 += *gps[i].Lon
		n++
	}
	lat0 /= float64(n)
	lon0 /= float64(n)
	cosLat0 := math.Cos(lat0 * math.Pi / 180.0)

	project := func(lat, lon float64) (float64, float64) {
		x := (lon - lon0) * metersPerDegree * cosLat0
		y := (lat - lat0) * metersPerDegree
		return x, y
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "East (m)"
	p.Y.Label.Text = "North (m)"

	maxAbs := 0.0

	if len(gps) > 0 {
		pts := make(plotter.XYs, 0, len(gps))
		for i := range gps {
			x, y := project(*gps[i].Lat, *gps[i].Lon)
			pts = append(pts, plotter.XY{X: x, Y: y})
			maxAbs = math.Max(maxAbs, math.Max(math.Abs(x), math.Abs(y)))
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("check-in scatter: %w", err)
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(1.5)
		sc.GlyphStyle.Color = color.RGBA{R: 120, G: 144, B: 156, A: 160}
		p.Add(sc)
		p.Legend.Add(fmt.Sprintf("check-ins (%d)", len(gps)), sc)
	}

	colors := gateColors(len(physical))
	for i, rec := range physical {
		cx, cy := project(*rec.Gate.Lat, *rec.Gate.Lon)
		radius := rec.Gate.RadiusM

		ring := make(plotter.XYs, 0, discSegments+1)
		for s := 0; s <= discSegments; s++ {
			theta := 2 * math.Pi * float64(s) / discSegments
			ring = append(ring, plotter.XY{
				X: cx + radius*math.Cos(theta),
				Y: cy + radius*math.Sin(theta),
			})
		}
		line, err := plotter.NewLine(ring)
		if err != nil {
			return nil, fmt.Errorf("gate disc %s: %w", rec.Gate.ID, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(2)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s [%s] %.2f", rec.Gate.Name, rec.State.Status, rec.State.Confidence), line)

		center, err := plotter.NewScatter(plotter.XYs{{X: cx, Y: cy}})
		if err != nil {
			return nil, fmt.Errorf("gate center %s: %w", rec.Gate.ID, err)
		}
		center.GlyphStyle.Shape = draw.CrossGlyph{}
		center.GlyphStyle.Radius = vg.Points(4)
		center.GlyphStyle.Color = colors[i]
		p.Add(center)

		maxAbs = math.Max(maxAbs, math.Max(math.Abs(cx), math.Abs(cy))+radius)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	// Symmetric square ranges keep the discs circular.
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 1.0
	}
	p.X.Min = -pad
	p.X.Max = pad
	p.Y.Min = -pad
	p.Y.Max = pad

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("render gate plot: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode gate plot: %w", err)
	}
	return buf.Bytes(), nil
}

// handleGatePlot serves the gate map as a PNG for quick sharing in incident
// threads. Query params:
//   - event (required)
func (ws *WebServer) handleGatePlot(w http.ResponseWriter, r *http.Request) {
	eventID, ok := eventParam(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	venue, err := ws.db.VenueForEvent(ctx, eventID)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("no venue configured for event %d", eventID))
		return
	}
	records, err := ws.db.ListGatesForEvent(ctx, eventID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list gates: %v", err))
		return
	}
	checkins, err := ws.db.ListCheckinsForEvent(ctx, eventID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list check-ins: %v", err))
		return
	}

	png, err := RenderGatesPNG(fmt.Sprintf("%s - Derived Gates", venue.Name), checkins, records)
	if err != nil {
		if errors.Is(err, ErrNothingToPlot) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("render plot: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// gateColors creates a palette of distinct colors for gate discs
func gateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}

	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
