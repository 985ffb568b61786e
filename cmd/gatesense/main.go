// Command gatesense runs the gate derivation service: the HTTP API, the
// operator monitor, and the periodic idle-gate sweep, over a single SQLite
// database. A 'migrate' subcommand manages the schema without starting the
// service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bandpass-data/gatesense/internal/api"
	"github.com/bandpass-data/gatesense/internal/config"
	"github.com/bandpass-data/gatesense/internal/db"
	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/monitor"
	"github.com/bandpass-data/gatesense/internal/timeutil"
	"github.com/bandpass-data/gatesense/internal/version"
)

var (
	listen        = flag.String("listen", ":8080", "API listen address")
	monitorListen = flag.String("monitor-listen", ":8081", "Monitor web UI listen address (empty disables the monitor)")
	dbFile        = flag.String("db", "gates.db", "Path to the SQLite database file")
	configPath    = flag.String("config", "", "Engine tuning config file (JSON); embedded defaults are used when empty")
	autoMigrate   = flag.Bool("auto-migrate", true, "Apply pending schema migrations on startup")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

// Main
func main() {
	// The migrate subcommand manages schema versions without starting the
	// service, so it dispatches before flag parsing.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if *listen == "" {
		log.Fatal("API listen address is required")
	}

	cfg := config.MustLoadDefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadEngineConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load engine config %s: %v", *configPath, err)
		}
		cfg = loaded
		log.Printf("Loaded engine tuning overrides from %s", *configPath)
	}

	// Initialize database
	var database *db.DB
	var err error
	if *autoMigrate {
		database, err = db.NewDB(*dbFile)
	} else {
		database, err = db.NewDBWithMigrationCheck(*dbFile, true)
	}
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	clock := timeutil.RealClock{}
	eng := engine.New(database, cfg, clock)

	log.Printf("Starting %s", version.String())

	// Create a wait group for the API server, monitor, and sweep routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start idle sweep routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		runIdleSweep(ctx, eng, clock, cfg.GetSweepInterval())
		log.Print("Idle sweep routine terminated")
	}()

	// API server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(eng, database).ServeMux()
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting API server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down API server...")

		// Create a shutdown context with a shorter timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("API server force close error: %v", err)
			}
		}

		log.Printf("API server routine stopped")
	}()

	// Monitor web server goroutine
	if *monitorListen != "" {
		ws := monitor.NewWebServer(monitor.WebServerConfig{
			Address:    *monitorListen,
			DB:         database,
			APIBaseURL: apiBaseURL(*listen),
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.Start(ctx); err != nil {
				log.Printf("Monitor server error: %v", err)
			}
			log.Print("Monitor routine terminated")
		}()
	}

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// runIdleSweep flags gates whose decision flow has gone quiet, checking on
// a fixed interval.
func runIdleSweep(ctx context.Context, eng *engine.Engine, clock timeutil.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("Sweeping idle gates every %s", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			swept, err := eng.SweepIdleGates(ctx)
			if err != nil {
				log.Printf("Idle sweep failed: %v", err)
				continue
			}
			if swept > 0 {
				log.Printf("Idle sweep flagged %d gates for review", swept)
			}
		}
	}
}

// runMigrate strips the --db-path option and hands the remaining words to
// the migration runner.
func runMigrate(args []string) {
	dbPath := "gates.db"
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--db-path" {
			if i+1 >= len(args) {
				log.Fatal("--db-path requires a value")
			}
			dbPath = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	db.RunMigrateCommand(rest, dbPath)
}

// apiBaseURL derives a loopback base URL for the monitor's API health probe
// from the API listen address.
func apiBaseURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
