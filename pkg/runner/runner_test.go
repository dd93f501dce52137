package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objones25/go-traffic-sentinel/pkg/alert"
	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/baseline"
	"github.com/objones25/go-traffic-sentinel/pkg/blobstore"
	"github.com/objones25/go-traffic-sentinel/pkg/ioc"
	"github.com/objones25/go-traffic-sentinel/pkg/source"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	rows  []anomaly.Row
	err   error
	calls atomic.Int32
	last  source.Window
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Fetch(ctx context.Context, w source.Window) ([]anomaly.Row, error) {
	s.calls.Add(1)
	s.last = w
	return s.rows, s.err
}

func newDetector(t *testing.T) *anomaly.Detector {
	t.Helper()
	store, err := baseline.NewStore(blobstore.NewMemoryStore(), 0)
	require.NoError(t, err)
	d, err := anomaly.NewDetector(anomaly.DefaultConfig(), store, nil)
	require.NoError(t, err)
	return d
}

func newManager(t *testing.T, cfg ioc.Config) *alert.Manager {
	t.Helper()
	rules, err := ioc.New(cfg)
	require.NoError(t, err)
	m, err := alert.NewManager(alert.NewEnricher(rules, alert.DefaultFieldMapping(), nil), nil)
	require.NoError(t, err)
	return m
}

func series(key string, values ...float64) []anomaly.Row {
	rows := make([]anomaly.Row, len(values))
	for i, v := range values {
		rows[i] = anomaly.Row{
			"minute": t0.Add(time.Duration(i) * time.Minute),
			"key":    key,
			"value":  v,
			"metric": "req_count",
		}
	}
	return rows
}

func TestNew(t *testing.T) {
	d := newDetector(t)
	_, err := New(nil, d, nil, Config{Interval: time.Minute, Lookback: time.Minute}, nil)
	assert.Error(t, err)
	_, err = New(&stubSource{}, d, nil, Config{Interval: 0, Lookback: time.Minute}, nil)
	assert.Error(t, err)
	_, err = New(&stubSource{}, d, nil, Config{Interval: time.Minute, Lookback: time.Second}, nil)
	assert.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	src := &stubSource{rows: series("203.0.113.4", 10, 12, 11, 100, 15)}
	src.rows = append(src.rows, anomaly.Row{"minute": t0, "key": "broken"})

	r, err := New(src, newDetector(t), newManager(t, ioc.Config{CIDRs: []string{"203.0.113.0/24"}}),
		Config{Interval: time.Minute, Lookback: 15 * time.Minute}, nil)
	require.NoError(t, err)
	r.now = func() time.Time { return t0.Add(10*time.Minute + 30*time.Second) }

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, source.Window{Start: t0.Add(-5 * time.Minute), End: t0.Add(10 * time.Minute)}, src.last)
	assert.Equal(t, 6, res.Rows)
	assert.Equal(t, 5, res.Observations)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, 100.0, res.Anomalies[0].Value)
	assert.Equal(t, []string{"cidr:203.0.113.0/24"}, res.Anomalies[0].IOCMatches)
	require.NotNil(t, res.Report)
	assert.Len(t, res.Report.IOCMatches, 1)

	// the same rows again are already absorbed
	res, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Anomalies)
	assert.Nil(t, res.Report)
}

func TestRunOnceWithoutManager(t *testing.T) {
	src := &stubSource{rows: series("a", 100, 102, 101, 99, 100, 1)}
	r, err := New(src, newDetector(t), nil, Config{Interval: time.Minute, Lookback: time.Hour}, nil)
	require.NoError(t, err)

	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, anomaly.ModeLow, res.Anomalies[0].Mode)
	assert.Nil(t, res.Report)
}

func TestRunOnceSourceError(t *testing.T) {
	src := &stubSource{err: errors.New("index missing")}
	r, err := New(src, newDetector(t), nil, Config{Interval: time.Minute, Lookback: time.Minute}, nil)
	require.NoError(t, err)

	_, err = r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stub")
}

func TestRunWindowSyntheticBursts(t *testing.T) {
	cfg := source.DefaultSyntheticConfig()
	cfg.Jitter = 0
	cfg.BurstEvery = 10
	src, err := source.NewSyntheticSource(cfg)
	require.NoError(t, err)

	r, err := New(src, newDetector(t), newManager(t, ioc.Config{UA: []string{source.AttackerUserAgent}}),
		Config{Interval: time.Minute, Lookback: 30 * time.Minute}, nil)
	require.NoError(t, err)

	w := source.Window{Start: t0.Add(time.Minute), End: t0.Add(30 * time.Minute)}
	res, err := r.RunWindow(context.Background(), w)
	require.NoError(t, err)

	// two bursts, one per client, across every path
	require.Len(t, res.Anomalies, 2*len(cfg.Paths))
	for _, a := range res.Anomalies {
		assert.Equal(t, anomaly.ModeHigh, a.Mode)
		assert.Equal(t, float64(cfg.BaseRate*cfg.BurstFactor), a.Value)
		assert.Equal(t, source.AttackerUserAgent, a.Attributes["user_agent"])
		assert.Equal(t, []string{"ua:" + source.AttackerUserAgent}, a.IOCMatches)
		assert.Zero(t, a.Minute.Minute()%10)
	}
	require.NotNil(t, res.Report)
	assert.Len(t, res.Report.IOCMatches, 2*len(cfg.Paths))
}

func TestRun(t *testing.T) {
	src := &stubSource{rows: series("a", 1, 2, 3)}
	r, err := New(src, newDetector(t), nil, Config{Interval: 5 * time.Millisecond, Lookback: time.Minute}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunSurvivesFailedCycles(t *testing.T) {
	src := &stubSource{err: errors.New("unavailable")}
	r, err := New(src, newDetector(t), nil, Config{Interval: 5 * time.Millisecond, Lookback: time.Minute}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	assert.Eventually(t, func() bool { return src.calls.Load() >= 2 }, time.Second, time.Millisecond)
}
