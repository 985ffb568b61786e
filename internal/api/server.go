package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/bandpass-data/gatesense/internal/db"
	"github.com/bandpass-data/gatesense/internal/engine"
	"github.com/bandpass-data/gatesense/internal/httputil"
)

// ANSI escape codes for request log coloring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server exposes gate derivation, lifecycle, and audit review over HTTP.
// Pipeline and lifecycle mutations go through the engine; read surfaces
// query the store directly.
type Server struct {
	engine *engine.Engine
	db     *db.DB
}

func NewServer(eng *engine.Engine, database *db.DB) *Server {
	return &Server{
		engine: eng,
		db:     database,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events/", s.handleEvent)
	mux.HandleFunc("/api/gates/", s.handleGate)
	mux.HandleFunc("/api/decisions/review-queue", s.showReviewQueue)
	mux.HandleFunc("/api/decisions/", s.handleDecision)
	mux.HandleFunc("/healthz", s.healthz)
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	io.WriteString(w, "ok\n")
}

// writeEngineError maps the engine's sentinel errors onto HTTP status
// codes: not-found for unknown ids, conflict for busy pipelines, illegal
// transitions, lost version races, and double reviews.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownEvent),
		errors.Is(err, engine.ErrUnknownGate),
		errors.Is(err, engine.ErrUnknownDecision):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, engine.ErrPipelineBusy),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrStaleState),
		errors.Is(err, engine.ErrAlreadyReviewed):
		httputil.WriteJSONError(w, http.StatusConflict, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}
