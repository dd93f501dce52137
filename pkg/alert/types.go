package alert

import (
	"time"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/ioc"
)

// IOCMatch records the indicator rules an anomalous entity matched
type IOCMatch struct {
	Metric string     `json:"metric"`
	Key    string     `json:"key"`
	Subkey string     `json:"subkey"`
	Record ioc.Record `json:"record"`
	Rules  []string   `json:"rules"`
}

// Report is the notification payload produced for one detection batch
type Report struct {
	ID          string            `json:"id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Anomalies   []anomaly.Anomaly `json:"anomalies"`
	IOCMatches  []IOCMatch        `json:"ioc_matches"`
}

// NotificationConfig defines where reports are delivered
type NotificationConfig struct {
	Slack   *SlackConfig   `json:"slack,omitempty"`
	Webhook *WebhookConfig `json:"webhook,omitempty"`
	// Maximum notifications per minute across channels; zero disables limiting
	RatePerMinute int `json:"rate_per_minute"`
	// Timeout for each outbound HTTP request
	Timeout time.Duration `json:"timeout"`
}

// SlackConfig defines Slack notification settings
type SlackConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel,omitempty"`
	Username   string `json:"username,omitempty"`
}

// WebhookConfig defines webhook notification settings
type WebhookConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}
