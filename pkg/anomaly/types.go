package anomaly

import (
	"fmt"
	"time"

	"github.com/objones25/go-traffic-sentinel/pkg/baseline"
)

// NoSubkey is the subkey used when a row does not carry one
const NoSubkey = "N/A"

// MaxValue bounds the magnitude of accepted observation values. Squared
// deviations of larger values overflow float64.
const MaxValue = 1e150

// FeatureKey identifies one tracked entity for one metric
type FeatureKey struct {
	Metric string `json:"metric"`
	Key    string `json:"key"`
	Subkey string `json:"subkey"`
}

// StorageKey returns the baseline object path for the key
func (k FeatureKey) StorageKey() string {
	return baseline.StorageKey(k.Metric, k.Key, k.Subkey)
}

func (k FeatureKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Metric, k.Key, k.Subkey)
}

// less orders keys lexicographically by (metric, key, subkey)
func (k FeatureKey) less(o FeatureKey) bool {
	if k.Metric != o.Metric {
		return k.Metric < o.Metric
	}
	if k.Key != o.Key {
		return k.Key < o.Key
	}
	return k.Subkey < o.Subkey
}

// Observation is one per-minute sample of a metric for a tracked entity
type Observation struct {
	FeatureKey
	Minute time.Time
	Value  float64
	// Attributes holds the remaining string columns of the source row
	// (client IP, user agent, URI, country) for indicator correlation
	Attributes map[string]string
}

// Mode is the direction of a deviation
type Mode string

const (
	ModeHigh Mode = "high"
	ModeLow  Mode = "low"
)

// Anomaly is a flagged deviation from an entity's baseline
type Anomaly struct {
	Key          string            `json:"key"`
	Subkey       string            `json:"subkey"`
	Minute       time.Time         `json:"minute"`
	Value        float64           `json:"value"`
	Score        float64           `json:"score"`
	BaselineMean float64           `json:"baseline_mean"`
	BaselineStd  float64           `json:"baseline_std"`
	Metric       string            `json:"metric"`
	Mode         Mode              `json:"mode"`
	IOCMatches   []string          `json:"ioc_matches,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// FeatureKey returns the identity the anomaly was flagged for
func (a Anomaly) FeatureKey() FeatureKey {
	return FeatureKey{Metric: a.Metric, Key: a.Key, Subkey: a.Subkey}
}

// Config holds detector configuration
type Config struct {
	// EWMA smoothing factor (0 < Alpha <= 1)
	Alpha float64
	// An observation is anomalous when |z| > Sigma
	Sigma float64
	// Maximum number of anomalies returned per batch
	TopK int
	// Leading observations absorbed into a cold baseline without scoring
	TrainWindow int
	// Number of entity groups processed concurrently
	Workers int
}

// DefaultConfig returns the default detector configuration
func DefaultConfig() Config {
	return Config{
		Alpha:       baseline.DefaultAlpha,
		Sigma:       3.0, // 3 standard deviations
		TopK:        10,
		TrainWindow: 2,
		Workers:     4,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Alpha <= 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be in (0, 1], got %v", c.Alpha)
	}
	if c.Sigma <= 0 {
		return fmt.Errorf("sigma threshold must be positive")
	}
	if c.TopK < 1 {
		return fmt.Errorf("top-K must be positive")
	}
	if c.TrainWindow < 1 {
		return fmt.Errorf("train window must be at least 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	return nil
}
