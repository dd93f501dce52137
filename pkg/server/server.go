// Package server exposes detection, indicator matching and report history
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/alert"
	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/baseline"
	"github.com/objones25/go-traffic-sentinel/pkg/ioc"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
	"github.com/objones25/go-traffic-sentinel/pkg/source"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 32 << 20

// Detector scores observation batches
type Detector interface {
	Detect(ctx context.Context, observations []anomaly.Observation) ([]anomaly.Anomaly, error)
}

// Config holds HTTP server settings
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the sentinel HTTP API
type Server struct {
	Router   *mux.Router
	server   *http.Server
	config   Config
	detector Detector
	manager  *alert.Manager
	logger   *zap.Logger
}

// DetectResponse is returned by POST /api/detect
type DetectResponse struct {
	Anomalies []anomaly.Anomaly `json:"anomalies"`
	Report    *alert.Report     `json:"report,omitempty"`
	Warning   string            `json:"warning,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New creates a server
func New(config Config, detector Detector, manager *alert.Manager, logger *zap.Logger) *Server {
	s := &Server{
		Router:   mux.NewRouter(),
		config:   config,
		detector: detector,
		manager:  manager,
		logger:   logging.OrNop(logger).Named("server"),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.Router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.Router.Use(s.corsMiddleware)
	s.Router.Use(s.metricsMiddleware)

	api := s.Router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	api.HandleFunc("/detect", s.handleDetect).Methods("POST", "OPTIONS")
	api.HandleFunc("/ioc/match", s.handleMatch).Methods("POST", "OPTIONS")
	api.HandleFunc("/reports", s.handleListReports).Methods("GET")
	api.HandleFunc("/reports/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/reports/{id}", s.handleGetReport).Methods("GET")

	s.Router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleDetect accepts a JSON array or NDJSON stream of rows. Rows that do
// not parse are skipped and reported in the response warning.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	rows, err := source.DecodeRows(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid rows: "+err.Error())
		return
	}
	var warnings []string
	observations, err := anomaly.ParseRows(rows)
	if err != nil {
		dropped := len(rows) - len(observations)
		metrics.ObservationsDropped.Add(float64(dropped))
		s.logger.Warn("skipped invalid rows", zap.Int("dropped", dropped), zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("skipped %d invalid rows: %v", dropped, err))
	}

	anomalies, err := s.detector.Detect(r.Context(), observations)
	if err != nil {
		var storeErr *baseline.StoreError
		if errors.As(err, &storeErr) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := DetectResponse{Anomalies: anomalies}
	if s.manager != nil {
		report, err := s.manager.Process(r.Context(), anomalies)
		if err != nil {
			s.logger.Warn("report delivery failed", zap.Error(err))
			warnings = append(warnings, err.Error())
		}
		if report != nil {
			resp.Report = report
			resp.Anomalies = report.Anomalies
		}
	}
	resp.Warning = strings.Join(warnings, "; ")
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var record ioc.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&record); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid record format")
		return
	}
	if s.manager == nil {
		s.writeJSON(w, http.StatusOK, ioc.MatchResult{Rules: []string{}})
		return
	}
	s.writeJSON(w, http.StatusOK, s.manager.Enricher().Match(record))
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	reports := []alert.Report{}
	if s.manager != nil {
		reports = s.manager.ListReports(since)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(reports) {
			reports = reports[:limit]
		}
	}
	s.writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.manager == nil {
		s.writeError(w, http.StatusNotFound, "report not found: "+id)
		return
	}
	report, err := s.manager.GetReport(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		s.writeJSON(w, http.StatusOK, alert.ReportStats{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.manager.Stats())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Int("status", status), zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// Start listens until Stop is called. It returns http.ErrServerClosed after
// a graceful stop.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.config.Addr))
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
