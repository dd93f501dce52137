package source

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
)

// AttackerUserAgent is the user agent stamped on burst rows
const AttackerUserAgent = "sqlmap/1.7"

// SyntheticConfig shapes generated request counts
type SyntheticConfig struct {
	Seed     int64
	Clients  int
	Paths    []string
	Metric   string
	BaseRate int
	Jitter   int
	// BurstEvery injects a burst on one client every n minutes (0 disables)
	BurstEvery int
	// BurstFactor multiplies the burst client's rate
	BurstFactor int
	// DefaultMinutes sizes an unbounded window
	DefaultMinutes int
}

// DefaultSyntheticConfig returns a small reproducible traffic shape
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Seed:           42,
		Clients:        5,
		Paths:          []string{"/", "/login", "/api/items"},
		Metric:         "req_count",
		BaseRate:       20,
		Jitter:         2,
		BurstEvery:     15,
		BurstFactor:    25,
		DefaultMinutes: 30,
	}
}

// SyntheticSource generates deterministic traffic for demos and tests
type SyntheticSource struct {
	config  SyntheticConfig
	clients []syntheticClient
	now     func() time.Time
}

type syntheticClient struct {
	ip        string
	country   string
	userAgent string
}

// NewSyntheticSource creates a generator. The client population is fixed
// by the seed.
func NewSyntheticSource(cfg SyntheticConfig) (*SyntheticSource, error) {
	if cfg.Clients <= 0 {
		return nil, fmt.Errorf("clients must be positive, got %d", cfg.Clients)
	}
	if len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("at least one path is required")
	}
	if cfg.Metric == "" {
		cfg.Metric = "req_count"
	}
	if cfg.DefaultMinutes <= 0 {
		cfg.DefaultMinutes = 30
	}

	faker := gofakeit.New(cfg.Seed)
	clients := make([]syntheticClient, cfg.Clients)
	for i := range clients {
		clients[i] = syntheticClient{
			ip:        faker.IPv4Address(),
			country:   faker.CountryAbr(),
			userAgent: faker.UserAgent(),
		}
	}
	return &SyntheticSource{config: cfg, clients: clients, now: time.Now}, nil
}

func (s *SyntheticSource) Name() string { return "synthetic" }

// Fetch generates one row per client, path and minute of w. Values for a
// minute depend only on the seed and the minute, so overlapping windows
// agree.
func (s *SyntheticSource) Fetch(ctx context.Context, w Window) ([]anomaly.Row, error) {
	if w.End.IsZero() {
		w.End = s.now().UTC().Truncate(time.Minute)
	}
	if w.Start.IsZero() {
		w.Start = w.End.Add(-time.Duration(s.config.DefaultMinutes) * time.Minute)
	}
	start := w.Start.UTC().Truncate(time.Minute)
	if start.Before(w.Start) {
		start = start.Add(time.Minute)
	}

	rows := make([]anomaly.Row, 0)
	for minute := start; minute.Before(w.End); minute = minute.Add(time.Minute) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows = append(rows, s.minuteRows(minute)...)
	}
	metrics.SourceRowsTotal.WithLabelValues(s.Name()).Add(float64(len(rows)))
	return rows, nil
}

func (s *SyntheticSource) minuteRows(minute time.Time) []anomaly.Row {
	unix := minute.Unix() / 60
	faker := gofakeit.New(s.config.Seed ^ unix)

	burstClient := -1
	if s.config.BurstEvery > 0 && unix%int64(s.config.BurstEvery) == 0 {
		burstClient = int(unix/int64(s.config.BurstEvery)) % len(s.clients)
	}

	rows := make([]anomaly.Row, 0, len(s.clients)*len(s.config.Paths))
	for i, c := range s.clients {
		for _, path := range s.config.Paths {
			value := s.config.BaseRate
			if s.config.Jitter > 0 {
				value += faker.IntRange(-s.config.Jitter, s.config.Jitter)
			}
			ua := c.userAgent
			if i == burstClient {
				value *= max(s.config.BurstFactor, 1)
				ua = AttackerUserAgent
			}
			rows = append(rows, anomaly.Row{
				anomaly.ColumnMinute: minute,
				anomaly.ColumnKey:    c.ip,
				anomaly.ColumnSubkey: path,
				anomaly.ColumnValue:  value,
				anomaly.ColumnMetric: s.config.Metric,
				"client_ip":          c.ip,
				"country":            c.country,
				"user_agent":         ua,
				"uri":                path,
			})
		}
	}
	return rows
}
