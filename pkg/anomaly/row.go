package anomaly

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Row is one result row from a query source
type Row map[string]any

// Recognized row columns; all other string columns become attributes
const (
	ColumnMinute = "minute"
	ColumnKey    = "key"
	ColumnSubkey = "subkey"
	ColumnValue  = "value"
	ColumnMetric = "metric"
)

var minuteLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
}

// ParseRow converts a source row into an Observation
func ParseRow(row Row) (Observation, error) {
	var obs Observation

	metric, err := stringColumn(row, ColumnMetric)
	if err != nil {
		return obs, err
	}
	key, err := stringColumn(row, ColumnKey)
	if err != nil {
		return obs, err
	}
	subkey := NoSubkey
	if raw, ok := row[ColumnSubkey]; ok && raw != nil {
		s := fmt.Sprint(raw)
		if s != "" {
			subkey = s
		}
	}

	minute, err := parseMinute(row[ColumnMinute])
	if err != nil {
		return obs, err
	}
	value, err := parseValue(row[ColumnValue])
	if err != nil {
		return obs, err
	}

	obs = Observation{
		FeatureKey: FeatureKey{Metric: metric, Key: key, Subkey: subkey},
		Minute:     minute,
		Value:      value,
	}
	for col, raw := range row {
		switch col {
		case ColumnMinute, ColumnKey, ColumnSubkey, ColumnValue, ColumnMetric:
			continue
		}
		if s, ok := raw.(string); ok && s != "" {
			if obs.Attributes == nil {
				obs.Attributes = make(map[string]string)
			}
			obs.Attributes[col] = s
		}
	}
	return obs, nil
}

// ParseRows converts rows, skipping invalid ones. The returned error joins
// the failures of every skipped row.
func ParseRows(rows []Row) ([]Observation, error) {
	observations := make([]Observation, 0, len(rows))
	var errs []error
	for i, row := range rows {
		obs, err := ParseRow(row)
		if err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))
			continue
		}
		observations = append(observations, obs)
	}
	return observations, errors.Join(errs...)
}

func stringColumn(row Row, col string) (string, error) {
	raw, ok := row[col]
	if !ok || raw == nil {
		return "", fmt.Errorf("missing %s column", col)
	}
	s, ok := raw.(string)
	if !ok {
		s = fmt.Sprint(raw)
	}
	if s == "" {
		return "", fmt.Errorf("empty %s column", col)
	}
	return s, nil
}

func parseMinute(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range minuteLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		return time.Time{}, fmt.Errorf("unparseable minute %q", v)
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case json.Number:
		secs, err := v.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("unparseable minute %q", v)
		}
		return time.Unix(secs, 0).UTC(), nil
	case nil:
		return time.Time{}, fmt.Errorf("missing %s column", ColumnMinute)
	default:
		return time.Time{}, fmt.Errorf("unsupported minute type %T", raw)
	}
}

func parseValue(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("unparseable value %q", v)
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable value %q", v)
		}
		f = parsed
	case nil:
		return 0, fmt.Errorf("missing %s column", ColumnValue)
	default:
		return 0, fmt.Errorf("unsupported value type %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %v", f)
	}
	return f, nil
}
