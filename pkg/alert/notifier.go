package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/metrics"
)

const (
	defaultNotifyTimeout = 5 * time.Second
	slackColor           = "#f2c744"
)

// Notifier delivers reports to Slack and a generic webhook
type Notifier struct {
	mu sync.RWMutex

	config  NotificationConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	stats NotificationStats
}

// NotificationStats tracks notification delivery statistics
type NotificationStats struct {
	TotalSent  int            `json:"total_sent"`
	FailedSent int            `json:"failed_sent"`
	Limited    int            `json:"limited"`
	LastSent   time.Time      `json:"last_sent"`
	ByChannel  map[string]int `json:"by_channel"`
}

// NewNotifier validates config and creates a notifier
func NewNotifier(config NotificationConfig, logger *zap.Logger) (*Notifier, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}

	n := &Notifier{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logging.OrNop(logger).Named("notifier"),
		stats: NotificationStats{
			ByChannel: make(map[string]int),
		},
	}
	if config.RatePerMinute > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(float64(config.RatePerMinute)/60), config.RatePerMinute)
	}
	return n, nil
}

// Notify sends the report to every configured channel. Slack failures are
// logged only; webhook failures are returned.
func (n *Notifier) Notify(ctx context.Context, report Report) error {
	if n.limiter != nil && !n.limiter.Allow() {
		n.mu.Lock()
		n.stats.Limited++
		n.mu.Unlock()
		n.logger.Warn("notification rate limited", zap.String("report_id", report.ID))
		return nil
	}

	if n.config.Slack != nil {
		err := n.sendSlack(ctx, report)
		n.record("slack", err)
		if err != nil {
			n.logger.Error("slack notification failed", zap.String("report_id", report.ID), zap.Error(err))
		}
	}

	if n.config.Webhook != nil {
		err := n.sendWebhook(ctx, report)
		n.record("webhook", err)
		if err != nil {
			return fmt.Errorf("webhook notification failed: %w", err)
		}
	}
	return nil
}

func (n *Notifier) sendSlack(ctx context.Context, report Report) error {
	message := map[string]interface{}{
		"text": report.Subject,
		"attachments": []map[string]interface{}{
			{
				"color": slackColor,
				"text":  report.Body,
			},
		},
	}
	if n.config.Slack.Channel != "" {
		message["channel"] = n.config.Slack.Channel
	}
	if n.config.Slack.Username != "" {
		message["username"] = n.config.Slack.Username
	}

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}
	return n.post(ctx, http.MethodPost, n.config.Slack.WebhookURL, body, nil)
}

func (n *Notifier) sendWebhook(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	return n.post(ctx, n.config.Webhook.Method, n.config.Webhook.URL, body, n.config.Webhook.Headers)
}

func (n *Notifier) post(ctx context.Context, method, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned non-success status: %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) record(channel string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.NotificationsTotal.WithLabelValues(channel, status).Inc()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.stats.TotalSent++
	if err != nil {
		n.stats.FailedSent++
	}
	n.stats.LastSent = time.Now()
	n.stats.ByChannel[channel]++
}

// Stats returns a copy of the delivery statistics
func (n *Notifier) Stats() NotificationStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	stats := n.stats
	stats.ByChannel = make(map[string]int, len(n.stats.ByChannel))
	for k, v := range n.stats.ByChannel {
		stats.ByChannel[k] = v
	}
	return stats
}

func validateConfig(config NotificationConfig) error {
	if config.Slack != nil && config.Slack.WebhookURL == "" {
		return fmt.Errorf("invalid slack configuration: missing webhook URL")
	}
	if config.Webhook != nil {
		if config.Webhook.URL == "" {
			return fmt.Errorf("invalid webhook configuration: missing URL")
		}
		if config.Webhook.Method == "" {
			return fmt.Errorf("invalid webhook configuration: missing HTTP method")
		}
	}
	if config.RatePerMinute < 0 {
		return fmt.Errorf("rate per minute must not be negative")
	}
	return nil
}
