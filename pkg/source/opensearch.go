package source

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
)

// OpenSearchConfig describes the aggregation run against a log index
type OpenSearchConfig struct {
	URL      string
	Username string
	Password string
	Insecure bool

	Index          string
	TimestampField string
	// KeyField is the tracked entity (for example client.ip)
	KeyField string
	// SubkeyField optionally splits entities (for example url.path)
	SubkeyField string
	// Metric names the produced rows
	Metric string
	// SumField, when set, sums this field instead of counting documents
	SumField string
	// AttributeFields are reported with the most frequent value per bucket
	AttributeFields map[string]string
	// MaxKeys bounds the terms aggregations
	MaxKeys int
}

// DefaultOpenSearchConfig returns defaults for HTTP access logs
func DefaultOpenSearchConfig() OpenSearchConfig {
	return OpenSearchConfig{
		URL:            "http://localhost:9200",
		Index:          "access-logs-*",
		TimestampField: "@timestamp",
		KeyField:       "client.ip",
		Metric:         "req_count",
		AttributeFields: map[string]string{
			"user_agent": "user_agent.original",
			"country":    "client.geo.country_iso_code",
		},
		MaxKeys: 500,
	}
}

// OpenSearchSource aggregates per-minute metrics from OpenSearch
type OpenSearchSource struct {
	client *opensearch.Client
	config OpenSearchConfig
	logger *zap.Logger
}

// NewOpenSearchClient creates a client for cfg
func NewOpenSearchClient(cfg OpenSearchConfig) (*opensearch.Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Insecure,
		},
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}
	return client, nil
}

// NewOpenSearchSource creates a source using client
func NewOpenSearchSource(client *opensearch.Client, cfg OpenSearchConfig, logger *zap.Logger) (*OpenSearchSource, error) {
	if client == nil {
		return nil, fmt.Errorf("opensearch client is required")
	}
	if cfg.Index == "" || cfg.KeyField == "" || cfg.TimestampField == "" || cfg.Metric == "" {
		return nil, fmt.Errorf("index, key field, timestamp field and metric are required")
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 500
	}
	return &OpenSearchSource{
		client: client,
		config: cfg,
		logger: logging.OrNop(logger).Named("opensearch"),
	}, nil
}

func (s *OpenSearchSource) Name() string { return "opensearch" }

// buildQuery nests minute -> key -> [subkey] buckets
func (s *OpenSearchSource) buildQuery(w Window) map[string]interface{} {
	leaf := map[string]interface{}{}
	if s.config.SumField != "" {
		leaf["value_sum"] = map[string]interface{}{
			"sum": map[string]interface{}{"field": s.config.SumField},
		}
	}
	for name, field := range s.config.AttributeFields {
		leaf["attr_"+name] = map[string]interface{}{
			"terms": map[string]interface{}{"field": field, "size": 1},
		}
	}

	keyAgg := map[string]interface{}{
		"terms": map[string]interface{}{"field": s.config.KeyField, "size": s.config.MaxKeys},
	}
	if s.config.SubkeyField != "" {
		keyAgg["aggs"] = map[string]interface{}{
			"by_subkey": map[string]interface{}{
				"terms": map[string]interface{}{"field": s.config.SubkeyField, "size": s.config.MaxKeys, "missing": anomaly.NoSubkey},
				"aggs":  leaf,
			},
		}
	} else if len(leaf) > 0 {
		keyAgg["aggs"] = leaf
	}

	rangeQuery := map[string]interface{}{"format": "strict_date_optional_time"}
	if !w.Start.IsZero() {
		rangeQuery["gte"] = w.Start.UTC().Format(time.RFC3339)
	}
	if !w.End.IsZero() {
		rangeQuery["lt"] = w.End.UTC().Format(time.RFC3339)
	}

	return map[string]interface{}{
		"size": 0,
		"query": map[string]interface{}{
			"range": map[string]interface{}{s.config.TimestampField: rangeQuery},
		},
		"aggs": map[string]interface{}{
			"per_minute": map[string]interface{}{
				"date_histogram": map[string]interface{}{
					"field":          s.config.TimestampField,
					"fixed_interval": "1m",
					"min_doc_count":  1,
				},
				"aggs": map[string]interface{}{"by_key": keyAgg},
			},
		},
	}
}

type termsBucket struct {
	Key      interface{} `json:"key"`
	DocCount float64     `json:"doc_count"`
	ValueSum *struct {
		Value *float64 `json:"value"`
	} `json:"value_sum"`
	BySubkey *struct {
		Buckets []json.RawMessage `json:"buckets"`
	} `json:"by_subkey"`
}

type searchResponse struct {
	Aggregations struct {
		PerMinute struct {
			Buckets []struct {
				Key   int64 `json:"key"`
				ByKey struct {
					Buckets []json.RawMessage `json:"buckets"`
				} `json:"by_key"`
			} `json:"buckets"`
		} `json:"per_minute"`
	} `json:"aggregations"`
}

func (s *OpenSearchSource) Fetch(ctx context.Context, w Window) ([]anomaly.Row, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(s.buildQuery(w)); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.config.Index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("search error: %s", res.String())
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	rows := make([]anomaly.Row, 0)
	for _, minuteBucket := range parsed.Aggregations.PerMinute.Buckets {
		minute := time.UnixMilli(minuteBucket.Key).UTC()
		for _, rawKey := range minuteBucket.ByKey.Buckets {
			keyRows, err := s.rowsForKey(minute, rawKey)
			if err != nil {
				return nil, err
			}
			rows = append(rows, keyRows...)
		}
	}

	metrics.SourceRowsTotal.WithLabelValues(s.Name()).Add(float64(len(rows)))
	s.logger.Debug("fetched rows",
		zap.Time("start", w.Start),
		zap.Time("end", w.End),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}

func (s *OpenSearchSource) rowsForKey(minute time.Time, raw json.RawMessage) ([]anomaly.Row, error) {
	var kb termsBucket
	if err := json.Unmarshal(raw, &kb); err != nil {
		return nil, fmt.Errorf("decode key bucket: %w", err)
	}
	key := fmt.Sprint(kb.Key)

	if kb.BySubkey == nil {
		return []anomaly.Row{s.row(minute, key, anomaly.NoSubkey, kb, raw)}, nil
	}

	rows := make([]anomaly.Row, 0, len(kb.BySubkey.Buckets))
	for _, rawSub := range kb.BySubkey.Buckets {
		var sb termsBucket
		if err := json.Unmarshal(rawSub, &sb); err != nil {
			return nil, fmt.Errorf("decode subkey bucket: %w", err)
		}
		rows = append(rows, s.row(minute, key, fmt.Sprint(sb.Key), sb, rawSub))
	}
	return rows, nil
}

func (s *OpenSearchSource) row(minute time.Time, key, subkey string, b termsBucket, raw json.RawMessage) anomaly.Row {
	value := b.DocCount
	if s.config.SumField != "" && b.ValueSum != nil && b.ValueSum.Value != nil {
		value = *b.ValueSum.Value
	}

	row := anomaly.Row{
		anomaly.ColumnMinute: minute,
		anomaly.ColumnKey:    key,
		anomaly.ColumnSubkey: subkey,
		anomaly.ColumnValue:  value,
		anomaly.ColumnMetric: s.config.Metric,
	}

	if len(s.config.AttributeFields) == 0 {
		return row
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return row
	}
	for name := range s.config.AttributeFields {
		agg, ok := fields["attr_"+name]
		if !ok {
			continue
		}
		var top struct {
			Buckets []struct {
				Key interface{} `json:"key"`
			} `json:"buckets"`
		}
		if err := json.Unmarshal(agg, &top); err == nil && len(top.Buckets) > 0 {
			row[name] = fmt.Sprint(top.Buckets[0].Key)
		}
	}
	return row
}
