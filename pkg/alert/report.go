package alert

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
)

// Subject returns the report subject line
func Subject(anomalies []anomaly.Anomaly, matches []IOCMatch) string {
	return fmt.Sprintf("Security Anomaly Detected: %d statistical anomalies, %d IOC matches", len(anomalies), len(matches))
}

// NewReport formats a report for a batch
func NewReport(anomalies []anomaly.Anomaly, matches []IOCMatch, now time.Time) Report {
	var b strings.Builder
	b.WriteString("== Anomaly Detection Report ==\n\n")

	if len(anomalies) > 0 {
		b.WriteString("--- Statistical Anomalies (EWMA) ---\n")
		for _, a := range anomalies {
			fmt.Fprintf(&b, "- Metric: %s, Key: %s, Subkey: %s, Minute: %s, Value: %g, Score: %.2f (%s), Baseline: %.2f±%.2f\n",
				a.Metric, a.Key, a.Subkey, a.Minute.UTC().Format(time.RFC3339), a.Value, a.Score, a.Mode, a.BaselineMean, a.BaselineStd)
		}
		b.WriteString("\n")
	}

	if len(matches) > 0 {
		b.WriteString("--- IOC Matches ---\n")
		for _, m := range matches {
			fmt.Fprintf(&b, "- Key: %s, Metric: %s, Matched on: %s\n", m.Key, m.Metric, strings.Join(m.Rules, ", "))
		}
		b.WriteString("\n")
	}

	if anomalies == nil {
		anomalies = []anomaly.Anomaly{}
	}
	if matches == nil {
		matches = []IOCMatch{}
	}
	return Report{
		ID:          uuid.NewString(),
		GeneratedAt: now.UTC(),
		Subject:     Subject(anomalies, matches),
		Body:        b.String(),
		Anomalies:   anomalies,
		IOCMatches:  matches,
	}
}
