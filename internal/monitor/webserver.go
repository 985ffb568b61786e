// Package monitor serves the operator-facing status page and debug charts
// for the gate engine. It binds its own address so the operations API can
// stay on a private interface while this surface faces the venue ops
// network.
package monitor

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bandpass-data/gatesense/internal/db"
	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/httputil"
)

//go:embed status.html
var StatusHTML embed.FS

// WebServer handles the HTTP interface for monitoring the gate engine.
// It provides endpoints for health checks, a status page, and debug charts.
type WebServer struct {
	address    string
	db         *db.DB
	apiBaseURL string
	client     httputil.HTTPClient
	server     *http.Server
	startedAt  time.Time
}

// WebServerConfig contains configuration options for the monitor server.
type WebServerConfig struct {
	Address string
	DB      *db.DB
	// APIBaseURL is the operations API base; the status page probes its
	// /healthz so both surfaces show up in one place.
	APIBaseURL string
	// Client overrides the HTTP client used for the API probe. Nil gets a
	// short-timeout standard client.
	Client httputil.HTTPClient
}

// NewWebServer creates a monitor server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	client := config.Client
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: 2 * time.Second})
	}

	ws := &WebServer{
		address:    config.Address,
		db:         config.DB,
		apiBaseURL: strings.TrimRight(config.APIBaseURL, "/"),
		client:     client,
		startedAt:  time.Now(),
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
// when the context is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		log.Printf("[Monitor] listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[Monitor] failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Monitor] shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := ws.server.Close(); err != nil {
			log.Printf("[Monitor] force close error: %v", err)
		}
	}

	log.Printf("[Monitor] stopped")
	return nil
}

// Close immediately closes the underlying server.
func (ws *WebServer) Close() error {
	return ws.server.Close()
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/charts/confidence", ws.handleConfidenceChart)
	mux.HandleFunc("/charts/map", ws.handleGateMap)
	mux.HandleFunc("/plots/gates.png", ws.handleGatePlot)

	return mux
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "gatesense-monitor", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// venueStatus pairs a venue row with its activity counters for the page.
type venueStatus struct {
	Venue engine.Venue
	Stats *db.EventStats
}

// handleStatus handles the main status page endpoint
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	// Load and parse the HTML template from embedded filesystem
	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	venues, err := ws.db.ListVenues(ctx)
	if err != nil {
		http.Error(w, "Error listing venues: "+err.Error(), http.StatusInternalServerError)
		return
	}

	statuses := make([]venueStatus, 0, len(venues))
	for _, v := range venues {
		stats, err := ws.db.GetEventStats(ctx, v.EventID)
		if err != nil {
			http.Error(w, "Error loading event stats: "+err.Error(), http.StatusInternalServerError)
			return
		}
		statuses = append(statuses, venueStatus{Venue: v, Stats: stats})
	}

	dbStats, err := ws.db.GetDatabaseStats()
	if err != nil {
		http.Error(w, "Error loading database stats: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Template data
	data := struct {
		HTTPAddress string
		APIBaseURL  string
		APIHealth   string
		Uptime      string
		Venues      []venueStatus
		DB          *db.DatabaseStats
	}{
		HTTPAddress: ws.address,
		APIBaseURL:  ws.apiBaseURL,
		APIHealth:   ws.probeAPIHealth(),
		Uptime:      time.Since(ws.startedAt).Round(time.Second).String(),
		Venues:      statuses,
		DB:          dbStats,
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// probeAPIHealth checks the operations API health endpoint. The result is a
// display string, not a machine field: the page is for humans.
func (ws *WebServer) probeAPIHealth() string {
	if ws.apiBaseURL == "" {
		return "not configured"
	}
	resp, err := ws.client.Get(ws.apiBaseURL + "/healthz")
	if err != nil {
		return fmt.Sprintf("unreachable (%v)", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("degraded (HTTP %d)", resp.StatusCode)
	}
	return "ok"
}
