package alert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher publishes raw messages to a subject
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL     string
	Subject string
	Name    string
	Timeout time.Duration
}

// ConnectNATS opens a NATS connection usable as a Publisher
func ConnectNATS(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// ReportPublisher publishes reports as JSON
type ReportPublisher struct {
	pub     Publisher
	subject string
}

// NewReportPublisher creates a report publisher on subject
func NewReportPublisher(pub Publisher, subject string) (*ReportPublisher, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	return &ReportPublisher{pub: pub, subject: subject}, nil
}

// Publish sends the report. Failures are returned to the caller.
func (p *ReportPublisher) Publish(report Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := p.pub.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish report to %s: %w", p.subject, err)
	}
	return nil
}
