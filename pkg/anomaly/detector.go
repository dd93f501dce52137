package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objones25/go-traffic-sentinel/pkg/baseline"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
)

// BaselineStore loads and saves per-entity baselines
type BaselineStore interface {
	Load(ctx context.Context, storageKey string) (baseline.Record, bool, error)
	Save(ctx context.Context, storageKey string, r baseline.Record) error
}

// Detector scores observation batches against persisted EWMA baselines.
// A Detector holds no per-batch state and may be shared.
type Detector struct {
	config Config
	model  *baseline.Model
	store  BaselineStore
	logger *zap.Logger
}

// NewDetector creates a detector
func NewDetector(config Config, store BaselineStore, logger *zap.Logger) (*Detector, error) {
	if store == nil {
		return nil, fmt.Errorf("baseline store is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	model, err := baseline.NewModel(config.Alpha)
	if err != nil {
		return nil, err
	}

	return &Detector{
		config: config,
		model:  model,
		store:  store,
		logger: logging.OrNop(logger).Named("detector"),
	}, nil
}

// Config returns the detector configuration
func (d *Detector) Config() Config {
	return d.config
}

type group struct {
	key          FeatureKey
	observations []Observation
}

// Detect processes one batch. Observations are grouped per FeatureKey, each
// group is scored against its baseline and the baseline is updated and saved.
// The result holds at most one anomaly per group, ranked by |score| and
// truncated to TopK. Any store failure fails the whole batch.
func (d *Detector) Detect(ctx context.Context, observations []Observation) ([]Anomaly, error) {
	start := time.Now()
	defer func() {
		metrics.DetectDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.ObservationsTotal.Add(float64(len(observations)))

	groups := d.partition(observations)

	results := make([]*Anomaly, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)

	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			a, err := d.processGroup(gctx, grp)
			if err != nil {
				return err
			}
			results[i] = a
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		metrics.BatchesTotal.WithLabelValues("error").Inc()
		d.logger.Error("detection batch failed", zap.Int("groups", len(groups)), zap.Error(err))
		return nil, err
	}

	anomalies := make([]Anomaly, 0)
	for _, a := range results {
		if a != nil {
			anomalies = append(anomalies, *a)
			metrics.AnomaliesTotal.WithLabelValues(a.Metric, string(a.Mode)).Inc()
		}
	}

	ranked := Rank(anomalies, d.config.TopK)
	metrics.BatchesTotal.WithLabelValues("ok").Inc()
	d.logger.Info("detection batch complete",
		zap.Int("observations", len(observations)),
		zap.Int("groups", len(groups)),
		zap.Int("anomalies", len(anomalies)),
		zap.Int("reported", len(ranked)),
		zap.Duration("duration", time.Since(start)),
	)
	return ranked, nil
}

// partition drops NaN values and values beyond MaxValue, then groups the
// rest by FeatureKey, each group sorted by minute ascending. Groups are
// returned in key order.
func (d *Detector) partition(observations []Observation) []group {
	index := make(map[FeatureKey]int)
	var groups []group

	for _, obs := range observations {
		if math.IsNaN(obs.Value) || math.Abs(obs.Value) > MaxValue {
			metrics.ObservationsDropped.Inc()
			d.logger.Warn("dropping out of range observation",
				zap.Stringer("feature", obs.FeatureKey),
				zap.Time("minute", obs.Minute),
				zap.Float64("value", obs.Value),
			)
			continue
		}
		if obs.Subkey == "" {
			obs.Subkey = NoSubkey
		}

		i, ok := index[obs.FeatureKey]
		if !ok {
			i = len(groups)
			index[obs.FeatureKey] = i
			groups = append(groups, group{key: obs.FeatureKey})
		}
		groups[i].observations = append(groups[i].observations, obs)
	}

	for i := range groups {
		obs := groups[i].observations
		sort.SliceStable(obs, func(a, b int) bool {
			return obs[a].Minute.Before(obs[b].Minute)
		})
	}
	sort.Slice(groups, func(a, b int) bool {
		return groups[a].key.less(groups[b].key)
	})
	return groups
}

// processGroup runs the baseline lifecycle for one entity and returns its
// strongest anomaly, if any.
func (d *Detector) processGroup(ctx context.Context, grp group) (*Anomaly, error) {
	storageKey := grp.key.StorageKey()

	rec, found, err := d.store.Load(ctx, storageKey)
	switch {
	case errors.Is(err, baseline.ErrCorruptData):
		metrics.BaselineLoads.WithLabelValues("corrupt").Inc()
		d.logger.Warn("corrupt baseline, resetting to cold start",
			zap.String("storage_key", storageKey),
			zap.Stringer("feature", grp.key),
			zap.Error(err),
		)
		found = false
	case err != nil:
		metrics.BaselineStoreErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("load baseline for %s: %w", grp.key, err)
	case found:
		metrics.BaselineLoads.WithLabelValues("hit").Inc()
	default:
		metrics.BaselineLoads.WithLabelValues("miss").Inc()
	}

	obs := grp.observations
	var mean, std float64
	var lastUpdated time.Time
	var pending []Observation

	if found {
		mean, std = rec.Mean, rec.Std
		if rec.LastUpdated != nil {
			lastUpdated = *rec.LastUpdated
		}
		pending = absorbedAfter(obs, rec.LastUpdated)
		if len(pending) == 0 {
			d.logger.Debug("batch already absorbed", zap.Stringer("feature", grp.key))
			return nil, nil
		}
	} else {
		n := d.config.TrainWindow
		if n > len(obs) {
			n = len(obs)
		}
		history := make([]float64, n)
		for i := 0; i < n; i++ {
			history[i] = obs[i].Value
		}
		mean, std = d.model.Bootstrap(history)
		lastUpdated = obs[n-1].Minute
		pending = obs[n:]
		d.logger.Debug("bootstrapped baseline",
			zap.Stringer("feature", grp.key),
			zap.Int("history", n),
			zap.Float64("mean", mean),
			zap.Float64("std", std),
		)
	}

	var best *Anomaly
	for _, o := range pending {
		score := baseline.ZScore(o.Value, mean, std)
		if math.Abs(score) > d.config.Sigma && (best == nil || math.Abs(score) >= math.Abs(best.Score)) {
			best = newAnomaly(o, score, mean, baseline.ClampStd(std))
		}
		mean, std = d.model.Update(mean, std, o.Value)
		if o.Minute.After(lastUpdated) {
			lastUpdated = o.Minute
		}
	}

	updated := baseline.NewRecord(mean, lastUpdated)
	updated.Std = std
	if err := d.store.Save(ctx, storageKey, updated); err != nil {
		metrics.BaselineStoreErrors.WithLabelValues("save").Inc()
		return nil, fmt.Errorf("save baseline for %s: %w", grp.key, err)
	}

	if best != nil {
		d.logger.Debug("anomaly flagged",
			zap.Stringer("feature", grp.key),
			zap.Time("minute", best.Minute),
			zap.Float64("score", best.Score),
		)
	}
	return best, nil
}

// absorbedAfter returns the observations newer than lastUpdated
func absorbedAfter(obs []Observation, lastUpdated *time.Time) []Observation {
	if lastUpdated == nil {
		return obs
	}
	i := sort.Search(len(obs), func(i int) bool {
		return obs[i].Minute.After(*lastUpdated)
	})
	return obs[i:]
}

func newAnomaly(o Observation, score, mean, std float64) *Anomaly {
	mode := ModeLow
	if score > 0 {
		mode = ModeHigh
	}
	return &Anomaly{
		Key:          o.Key,
		Subkey:       o.Subkey,
		Minute:       o.Minute,
		Value:        o.Value,
		Score:        score,
		BaselineMean: mean,
		BaselineStd:  std,
		Metric:       o.Metric,
		Mode:         mode,
		Attributes:   o.Attributes,
	}
}
