package alert

import (
	"net/netip"

	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/ioc"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
)

// FieldMapping names the anomaly attributes that feed each indicator field.
// The first non-empty attribute wins.
type FieldMapping struct {
	ClientIP  []string
	Country   []string
	UserAgent []string
	URI       []string
}

// DefaultFieldMapping returns the attribute names produced by the bundled
// query sources
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{
		ClientIP:  []string{"client_ip", "ip", "src_ip"},
		Country:   []string{"country"},
		UserAgent: []string{"user_agent", "ua"},
		URI:       []string{"uri", "path"},
	}
}

// Enricher correlates anomalies with indicator rules
type Enricher struct {
	rules  *ioc.RuleSet
	fields FieldMapping
	logger *zap.Logger
}

// NewEnricher creates an enricher. A nil rule set disables correlation.
func NewEnricher(rules *ioc.RuleSet, fields FieldMapping, logger *zap.Logger) *Enricher {
	return &Enricher{
		rules:  rules,
		fields: fields,
		logger: logging.OrNop(logger).Named("enricher"),
	}
}

// Record builds the indicator record for an anomaly. When no client IP
// attribute is present and the tracked key is an address, the key is used.
func (e *Enricher) Record(a anomaly.Anomaly) ioc.Record {
	r := ioc.Record{
		ClientIP:  firstAttr(a.Attributes, e.fields.ClientIP),
		Country:   firstAttr(a.Attributes, e.fields.Country),
		UserAgent: firstAttr(a.Attributes, e.fields.UserAgent),
		URI:       firstAttr(a.Attributes, e.fields.URI),
	}
	if r.ClientIP == "" {
		if _, err := netip.ParseAddr(a.Key); err == nil {
			r.ClientIP = a.Key
		}
	}
	if r.URI == "" && len(a.Subkey) > 0 && a.Subkey[0] == '/' {
		r.URI = a.Subkey
	}
	return r
}

// Enrich sets IOCMatches on every anomaly that matches at least one rule
// and returns the enriched copies with the list of matches.
func (e *Enricher) Enrich(anomalies []anomaly.Anomaly) ([]anomaly.Anomaly, []IOCMatch) {
	out := make([]anomaly.Anomaly, len(anomalies))
	copy(out, anomalies)

	matches := make([]IOCMatch, 0)
	if e.rules == nil {
		return out, matches
	}

	for i := range out {
		record := e.Record(out[i])
		result := e.rules.Match(record)
		if !result.Matched {
			continue
		}

		out[i].IOCMatches = result.Rules
		matches = append(matches, IOCMatch{
			Metric: out[i].Metric,
			Key:    out[i].Key,
			Subkey: out[i].Subkey,
			Record: record,
			Rules:  result.Rules,
		})
		for _, rule := range result.Rules {
			metrics.IOCMatches.WithLabelValues(ioc.Category(rule)).Inc()
		}
		e.logger.Info("indicator match",
			zap.String("metric", out[i].Metric),
			zap.String("key", out[i].Key),
			zap.Strings("rules", result.Rules),
		)
	}
	return out, matches
}

// Match evaluates a single record. A nil rule set never matches.
func (e *Enricher) Match(r ioc.Record) ioc.MatchResult {
	if e.rules == nil {
		return ioc.MatchResult{Rules: []string{}}
	}
	result := e.rules.Match(r)
	for _, rule := range result.Rules {
		metrics.IOCMatches.WithLabelValues(ioc.Category(rule)).Inc()
	}
	return result
}

func firstAttr(attrs map[string]string, names []string) string {
	for _, n := range names {
		if v := attrs[n]; v != "" {
			return v
		}
	}
	return ""
}
