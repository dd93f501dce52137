package baseline

import (
	"fmt"
	"math"
)

const (
	// DefaultAlpha is the smoothing factor used when none is configured
	DefaultAlpha = 0.3

	// StdFloor is the smallest standard deviation used as a z-score divisor
	StdFloor = 1e-9
)

// Model implements the exponentially weighted mean/variance recurrences used
// for per-entity baselines. A Model holds no per-entity state and is safe for
// concurrent use.
type Model struct {
	alpha float64 // Smoothing factor (0 < alpha <= 1)
}

// NewModel creates a model with the given smoothing factor
func NewModel(alpha float64) (*Model, error) {
	if math.IsNaN(alpha) || alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha must be in (0, 1], got %v", alpha)
	}
	return &Model{alpha: alpha}, nil
}

// Alpha returns the smoothing factor
func (m *Model) Alpha() float64 {
	return m.alpha
}

// Update folds one value into a (mean, std) pair and returns the new pair.
//
//	mean' = (1-a)*mean + a*value
//	var'  = (1-a)*std^2 + a*(value-mean')^2
//
// A variance that overflows saturates at math.MaxFloat64.
func (m *Model) Update(mean, std, value float64) (float64, float64) {
	newMean := (1-m.alpha)*mean + m.alpha*value
	diff := value - newMean
	variance := (1-m.alpha)*std*std + m.alpha*diff*diff
	if math.IsInf(variance, 1) {
		variance = math.MaxFloat64
	}
	return newMean, math.Sqrt(variance)
}

// Bootstrap computes an initial baseline from leading history. With fewer
// than two points the mean is the last value (or 0) and std is 0.
func (m *Model) Bootstrap(history []float64) (float64, float64) {
	if len(history) < 2 {
		if len(history) == 1 {
			return history[0], 0
		}
		return 0, 0
	}

	mean, std := history[0], 0.0
	for _, v := range history[1:] {
		mean, std = m.Update(mean, std, v)
	}
	return mean, std
}

// ClampStd raises std to StdFloor so it can be used as a divisor
func ClampStd(std float64) float64 {
	if std < StdFloor || math.IsNaN(std) {
		return StdFloor
	}
	return std
}

// ZScore returns the signed number of (clamped) standard deviations value
// lies from mean
func ZScore(value, mean, std float64) float64 {
	return (value - mean) / ClampStd(std)
}
