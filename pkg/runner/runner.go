// Package runner drives the fetch, detect and report cycle on a schedule.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/alert"
	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
	"github.com/objones25/go-traffic-sentinel/pkg/source"
)

// Detector scores observation batches
type Detector interface {
	Detect(ctx context.Context, observations []anomaly.Observation) ([]anomaly.Anomaly, error)
}

// Config controls the schedule
type Config struct {
	// Interval between cycles
	Interval time.Duration
	// Lookback is the window fetched on every cycle, ending at the current
	// whole minute
	Lookback time.Duration
}

// Result describes one cycle
type Result struct {
	Window       source.Window     `json:"window"`
	Rows         int               `json:"rows"`
	Observations int               `json:"observations"`
	Anomalies    []anomaly.Anomaly `json:"anomalies"`
	Report       *alert.Report     `json:"report,omitempty"`
}

// Runner fetches rows from a source, detects anomalies and hands them to
// the report manager
type Runner struct {
	source   source.Source
	detector Detector
	manager  *alert.Manager
	config   Config
	now      func() time.Time
	logger   *zap.Logger
}

// New creates a runner. manager may be nil to only detect.
func New(src source.Source, detector Detector, manager *alert.Manager, config Config, logger *zap.Logger) (*Runner, error) {
	if src == nil || detector == nil {
		return nil, fmt.Errorf("source and detector are required")
	}
	if config.Interval <= 0 || config.Lookback < time.Minute {
		return nil, fmt.Errorf("interval must be positive and lookback at least one minute")
	}
	return &Runner{
		source:   src,
		detector: detector,
		manager:  manager,
		config:   config,
		now:      time.Now,
		logger:   logging.OrNop(logger).Named("runner"),
	}, nil
}

// RunOnce processes the lookback window ending now
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	minutes := int(r.config.Lookback / time.Minute)
	return r.RunWindow(ctx, source.LastMinutes(r.now(), minutes))
}

// RunWindow processes one window. Invalid rows are logged and skipped;
// source, detection and report delivery failures are returned.
func (r *Runner) RunWindow(ctx context.Context, w source.Window) (*Result, error) {
	rows, err := r.source.Fetch(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", r.source.Name(), err)
	}

	observations, err := anomaly.ParseRows(rows)
	if err != nil {
		dropped := len(rows) - len(observations)
		metrics.ObservationsDropped.Add(float64(dropped))
		r.logger.Warn("skipped invalid rows", zap.Int("dropped", dropped), zap.Error(err))
	}

	result := &Result{Window: w, Rows: len(rows), Observations: len(observations)}
	anomalies, err := r.detector.Detect(ctx, observations)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	result.Anomalies = anomalies

	if r.manager != nil {
		report, err := r.manager.Process(ctx, anomalies)
		if report != nil {
			result.Report = report
			result.Anomalies = report.Anomalies
		}
		if err != nil {
			return result, fmt.Errorf("deliver report: %w", err)
		}
	}

	r.logger.Info("cycle complete",
		zap.String("source", r.source.Name()),
		zap.Time("start", w.Start),
		zap.Time("end", w.End),
		zap.Int("rows", result.Rows),
		zap.Int("anomalies", len(result.Anomalies)),
	)
	return result, nil
}

// Run executes a cycle immediately and then every Interval until ctx is
// cancelled. Cycle failures are logged and do not stop the loop.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
