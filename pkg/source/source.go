// Package source provides query sources that yield per-minute metric rows
// (minute, key, subkey, value, metric) for detection.
package source

import (
	"context"
	"time"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
)

// Window is a half-open time range [Start, End). A zero Start or End leaves
// that side unbounded.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// LastMinutes returns the window of the n whole minutes before now
func LastMinutes(now time.Time, n int) Window {
	end := now.UTC().Truncate(time.Minute)
	return Window{Start: end.Add(-time.Duration(n) * time.Minute), End: end}
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// Source fetches metric rows for a window
type Source interface {
	Name() string
	Fetch(ctx context.Context, w Window) ([]anomaly.Row, error)
}
