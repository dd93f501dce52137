package anomaly_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/baseline"
	"github.com/objones25/go-traffic-sentinel/pkg/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func series(metric, key string, start time.Time, values ...float64) []anomaly.Observation {
	out := make([]anomaly.Observation, len(values))
	for i, v := range values {
		out[i] = anomaly.Observation{
			FeatureKey: anomaly.FeatureKey{Metric: metric, Key: key, Subkey: anomaly.NoSubkey},
			Minute:     start.Add(time.Duration(i) * time.Minute),
			Value:      v,
		}
	}
	return out
}

func newDetector(t *testing.T, cfg anomaly.Config) (*anomaly.Detector, *baseline.Store, *blobstore.MemoryStore) {
	t.Helper()
	blobs := blobstore.NewMemoryStore()
	store, err := baseline.NewStore(blobs, time.Second)
	require.NoError(t, err)
	d, err := anomaly.NewDetector(cfg, store, nil)
	require.NoError(t, err)
	return d, store, blobs
}

func loadRecord(t *testing.T, store *baseline.Store, metric, key string) baseline.Record {
	t.Helper()
	rec, found, err := store.Load(context.Background(), baseline.StorageKey(metric, key, anomaly.NoSubkey))
	require.NoError(t, err)
	require.True(t, found)
	return rec
}

func TestDetectEndToEnd(t *testing.T) {
	d, store, _ := newDetector(t, anomaly.DefaultConfig())

	anomalies, err := d.Detect(context.Background(), series("req_count", "10.0.0.1", t0, 10, 12, 11, 100, 15))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)

	a := anomalies[0]
	assert.Equal(t, 100.0, a.Value)
	assert.Equal(t, anomaly.ModeHigh, a.Mode)
	assert.Equal(t, t0.Add(3*time.Minute), a.Minute)
	assert.Equal(t, "req_count", a.Metric)
	assert.Equal(t, "10.0.0.1", a.Key)
	assert.Equal(t, anomaly.NoSubkey, a.Subkey)
	assert.Greater(t, a.Score, 3.0)
	assert.InDelta(t, 10.72, a.BaselineMean, 1e-9)
	assert.InDelta(t, math.Sqrt(0.43512), a.BaselineStd, 1e-9)
	assert.InDelta(t, (100-10.72)/math.Sqrt(0.43512), a.Score, 1e-6)

	rec := loadRecord(t, store, "req_count", "10.0.0.1")
	require.NotNil(t, rec.LastUpdated)
	assert.Equal(t, t0.Add(4*time.Minute), *rec.LastUpdated)
	assert.GreaterOrEqual(t, rec.Std, 0.0)
}

func TestDetectUnsortedInput(t *testing.T) {
	d, _, _ := newDetector(t, anomaly.DefaultConfig())

	obs := series("req_count", "10.0.0.1", t0, 10, 12, 11, 100, 15)
	rand.New(rand.NewSource(7)).Shuffle(len(obs), func(i, j int) { obs[i], obs[j] = obs[j], obs[i] })

	anomalies, err := d.Detect(context.Background(), obs)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, 100.0, anomalies[0].Value)
}

func TestDetectConstantSeries(t *testing.T) {
	d, store, _ := newDetector(t, anomaly.DefaultConfig())

	anomalies, err := d.Detect(context.Background(), series("req_count", "steady", t0, 5, 5, 5, 5, 5, 5, 5, 5))
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	rec := loadRecord(t, store, "req_count", "steady")
	assert.Equal(t, 5.0, rec.Mean)
	assert.Equal(t, 0.0, rec.Std)
}

func TestDetectLowOutlier(t *testing.T) {
	d, _, _ := newDetector(t, anomaly.DefaultConfig())

	anomalies, err := d.Detect(context.Background(), series("req_count", "dropout", t0, 100, 102, 101, 99, 100, 1))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, anomaly.ModeLow, anomalies[0].Mode)
	assert.Less(t, anomalies[0].Score, -3.0)
	assert.Equal(t, 1.0, anomalies[0].Value)
}

func TestDetectColdStartSingleObservation(t *testing.T) {
	d, store, _ := newDetector(t, anomaly.DefaultConfig())

	anomalies, err := d.Detect(context.Background(), series("req_count", "first", t0, 42))
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	rec := loadRecord(t, store, "req_count", "first")
	assert.Equal(t, 42.0, rec.Mean)
	assert.Equal(t, 0.0, rec.Std)
	require.NotNil(t, rec.LastUpdated)
	assert.Equal(t, t0, *rec.LastUpdated)
}

func TestDetectAcrossBatches(t *testing.T) {
	d, store, _ := newDetector(t, anomaly.DefaultConfig())
	ctx := context.Background()

	anomalies, err := d.Detect(ctx, series("req_count", "10.0.0.9", t0, 10, 12, 11))
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	spike := series("req_count", "10.0.0.9", t0.Add(3*time.Minute), 100)
	anomalies, err = d.Detect(ctx, spike)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.InDelta(t, 10.72, anomalies[0].BaselineMean, 1e-9)
	after := loadRecord(t, store, "req_count", "10.0.0.9")

	t.Run("ReplayedWindowIsSkipped", func(t *testing.T) {
		anomalies, err := d.Detect(ctx, spike)
		require.NoError(t, err)
		assert.Empty(t, anomalies)
		assert.Equal(t, after, loadRecord(t, store, "req_count", "10.0.0.9"))
	})

	t.Run("OverlappingWindowScoresOnlyNewMinutes", func(t *testing.T) {
		overlap := append(series("req_count", "10.0.0.9", t0.Add(2*time.Minute), 11, 100), series("req_count", "10.0.0.9", t0.Add(4*time.Minute), 40)...)
		_, err := d.Detect(ctx, overlap)
		require.NoError(t, err)
		rec := loadRecord(t, store, "req_count", "10.0.0.9")
		assert.Equal(t, t0.Add(4*time.Minute), *rec.LastUpdated)
		expectedMean := 0.7*after.Mean + 0.3*40
		assert.InDelta(t, expectedMean, rec.Mean, 1e-9)
	})
}

func TestDetectTopK(t *testing.T) {
	cfg := anomaly.DefaultConfig()
	cfg.TopK = 3
	d, _, _ := newDetector(t, cfg)

	var obs []anomaly.Observation
	for i := 0; i < 6; i++ {
		obs = append(obs, series("req_count", fmt.Sprintf("host-%d", i), t0, 10, 12, 11, float64(50+10*i))...)
	}

	anomalies, err := d.Detect(context.Background(), obs)
	require.NoError(t, err)
	require.Len(t, anomalies, 3)
	for i := 1; i < len(anomalies); i++ {
		assert.Greater(t, math.Abs(anomalies[i-1].Score), math.Abs(anomalies[i].Score))
	}
	assert.Equal(t, "host-5", anomalies[0].Key)
	assert.Equal(t, "host-4", anomalies[1].Key)
	assert.Equal(t, "host-3", anomalies[2].Key)
}

func TestDetectOneAnomalyPerGroup(t *testing.T) {
	d, _, _ := newDetector(t, anomaly.DefaultConfig())

	// 60 deviates further from its baseline than 1000 does from the
	// baseline widened by 60
	anomalies, err := d.Detect(context.Background(), series("req_count", "burst", t0, 10, 12, 11, 60, 11, 10, 1000))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, 60.0, anomalies[0].Value)
	assert.Equal(t, t0.Add(3*time.Minute), anomalies[0].Minute)
}

func TestDetectMetricsAreIndependent(t *testing.T) {
	d, _, _ := newDetector(t, anomaly.DefaultConfig())

	obs := series("req_count", "10.0.0.1", t0, 10, 12, 11, 100, 15)
	obs = append(obs, series("bytes", "10.0.0.1", t0, 1000, 1200, 1100, 1150, 1050)...)
	obs = append(obs, series("login_fail", "10.0.0.1", t0, 1, 2, 1, 40, 2)...)

	anomalies, err := d.Detect(context.Background(), obs)
	require.NoError(t, err)
	require.Len(t, anomalies, 2)
	metrics := []string{anomalies[0].Metric, anomalies[1].Metric}
	assert.ElementsMatch(t, []string{"req_count", "login_fail"}, metrics)
}

func TestDetectDropsNonFiniteValues(t *testing.T) {
	d, store, _ := newDetector(t, anomaly.DefaultConfig())

	obs := series("req_count", "noisy", t0, 10, math.NaN(), 12, math.Inf(1), 11)
	anomalies, err := d.Detect(context.Background(), obs)
	require.NoError(t, err)
	assert.Empty(t, anomalies)

	rec := loadRecord(t, store, "req_count", "noisy")
	assert.False(t, math.IsNaN(rec.Mean))
	assert.False(t, math.IsNaN(rec.Std))
}

func TestDetectDropsOversizedValues(t *testing.T) {
	d, store, _ := newDetector(t, anomaly.DefaultConfig())

	obs := series("req_count", "huge", t0, 10, 12, 11, 1e200, -1e200)
	obs = append(obs, series("req_count", "10.0.0.1", t0, 10, 12, 11, 100)...)

	anomalies, err := d.Detect(context.Background(), obs)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "10.0.0.1", anomalies[0].Key)
	assert.Equal(t, 100.0, anomalies[0].Value)

	rec := loadRecord(t, store, "req_count", "huge")
	assert.InDelta(t, 10.72, rec.Mean, 1e-9)
	assert.False(t, math.IsInf(rec.Std, 0))
	require.NotNil(t, rec.LastUpdated)
	assert.Equal(t, t0.Add(2*time.Minute), *rec.LastUpdated)

	// the bound itself is accepted
	_, err = d.Detect(context.Background(), series("req_count", "edge", t0, 10, anomaly.MaxValue))
	require.NoError(t, err)
}

func TestDetectEmptySubkeyUsesSentinel(t *testing.T) {
	d, store, _ := newDetector(t, anomaly.DefaultConfig())

	obs := series("req_count", "10.0.0.1", t0, 10)
	obs[0].Subkey = ""
	_, err := d.Detect(context.Background(), obs)
	require.NoError(t, err)
	loadRecord(t, store, "req_count", "10.0.0.1")
}

func TestDetectCorruptBaselineIsColdStart(t *testing.T) {
	d, store, blobs := newDetector(t, anomaly.DefaultConfig())
	ctx := context.Background()

	key := baseline.StorageKey("req_count", "10.0.0.1", anomaly.NoSubkey)
	require.NoError(t, blobs.Put(ctx, key, []byte("{not json")))

	anomalies, err := d.Detect(ctx, series("req_count", "10.0.0.1", t0, 10, 12, 11, 100, 15))
	require.NoError(t, err)
	require.Len(t, anomalies, 1)

	rec := loadRecord(t, store, "req_count", "10.0.0.1")
	assert.Greater(t, rec.Mean, 10.0)
}

type brokenStore struct {
	loadErr error
	saveErr error
}

func (s brokenStore) Load(ctx context.Context, key string) (baseline.Record, bool, error) {
	return baseline.Record{}, false, s.loadErr
}

func (s brokenStore) Save(ctx context.Context, key string, r baseline.Record) error {
	return s.saveErr
}

func TestDetectStoreErrorsAbortBatch(t *testing.T) {
	transport := &baseline.StoreError{Op: "load", Key: "k", Err: errors.New("connection refused")}

	tests := []struct {
		name  string
		store brokenStore
	}{
		{"Load", brokenStore{loadErr: transport}},
		{"Save", brokenStore{saveErr: &baseline.StoreError{Op: "save", Key: "k", Err: errors.New("timeout")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := anomaly.NewDetector(anomaly.DefaultConfig(), tt.store, nil)
			require.NoError(t, err)

			obs := series("req_count", "a", t0, 10, 12, 11, 100)
			obs = append(obs, series("req_count", "b", t0, 1, 2, 3)...)
			anomalies, err := d.Detect(context.Background(), obs)
			require.Error(t, err)
			assert.Nil(t, anomalies)

			var storeErr *baseline.StoreError
			assert.ErrorAs(t, err, &storeErr)
		})
	}
}

func TestDetectManyGroupsConcurrently(t *testing.T) {
	cfg := anomaly.DefaultConfig()
	cfg.Workers = 8
	cfg.TopK = 1000
	d, _, blobs := newDetector(t, cfg)

	var obs []anomaly.Observation
	for i := 0; i < 200; i++ {
		values := []float64{10, 12, 11, 12}
		if i%10 == 0 {
			values = append(values, 500)
		}
		obs = append(obs, series("req_count", fmt.Sprintf("10.0.%d.%d", i/256, i%256), t0, values...)...)
	}

	anomalies, err := d.Detect(context.Background(), obs)
	require.NoError(t, err)
	assert.Len(t, anomalies, 20)
	assert.Equal(t, 200, blobs.Len())
}

func TestNewDetectorValidation(t *testing.T) {
	store, err := baseline.NewStore(blobstore.NewMemoryStore(), time.Second)
	require.NoError(t, err)

	_, err = anomaly.NewDetector(anomaly.DefaultConfig(), nil, nil)
	assert.Error(t, err)

	mutations := map[string]func(*anomaly.Config){
		"ZeroAlpha":   func(c *anomaly.Config) { c.Alpha = 0 },
		"LargeAlpha":  func(c *anomaly.Config) { c.Alpha = 1.2 },
		"ZeroSigma":   func(c *anomaly.Config) { c.Sigma = 0 },
		"ZeroTopK":    func(c *anomaly.Config) { c.TopK = 0 },
		"ZeroWindow":  func(c *anomaly.Config) { c.TrainWindow = 0 },
		"ZeroWorkers": func(c *anomaly.Config) { c.Workers = 0 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := anomaly.DefaultConfig()
			mutate(&cfg)
			_, err := anomaly.NewDetector(cfg, store, nil)
			assert.Error(t, err)
		})
	}
}
