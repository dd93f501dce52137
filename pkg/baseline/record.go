package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrCorruptData is returned when stored baseline bytes cannot be decoded
// into a valid Record.
var ErrCorruptData = errors.New("corrupt baseline data")

// Record is the persisted statistical state of one tracked entity
type Record struct {
	Mean        float64    `json:"mean"`
	Std         float64    `json:"std"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// NewRecord creates a fresh record. Std starts at zero.
func NewRecord(mean float64, lastUpdated time.Time) Record {
	ts := lastUpdated.UTC()
	return Record{Mean: mean, LastUpdated: &ts}
}

// Validate checks the record invariants
func (r Record) Validate() error {
	if math.IsNaN(r.Mean) || math.IsInf(r.Mean, 0) {
		return fmt.Errorf("mean must be finite, got %v", r.Mean)
	}
	if math.IsNaN(r.Std) || math.IsInf(r.Std, 0) || r.Std < 0 {
		return fmt.Errorf("std must be finite and non-negative, got %v", r.Std)
	}
	return nil
}

// Encode serializes the record as JSON
func (r Record) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to encode invalid baseline: %w", err)
	}
	return json.Marshal(r)
}

// DecodeRecord parses stored bytes. Any failure wraps ErrCorruptData.
func DecodeRecord(data []byte) (Record, error) {
	var raw struct {
		Mean        *float64   `json:"mean"`
		Std         *float64   `json:"std"`
		LastUpdated *time.Time `json:"last_updated"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if raw.Mean == nil || raw.Std == nil {
		return Record{}, fmt.Errorf("%w: missing mean or std", ErrCorruptData)
	}

	r := Record{Mean: *raw.Mean, Std: *raw.Std, LastUpdated: raw.LastUpdated}
	if err := r.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	return r, nil
}
