package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
)

const defaultMaxHistory = 100

// Manager turns ranked anomalies into reports: it correlates them with
// indicator rules, formats the report, publishes it and notifies.
type Manager struct {
	mu sync.RWMutex

	enricher   *Enricher
	notifier   *Notifier
	publisher  *ReportPublisher
	reports    []Report
	maxHistory int
	stats      ReportStats
	now        func() time.Time
	logger     *zap.Logger
}

// ReportStats summarizes processed reports
type ReportStats struct {
	TotalReports    int       `json:"total_reports"`
	TotalAnomalies  int       `json:"total_anomalies"`
	TotalIOCMatches int       `json:"total_ioc_matches"`
	LastReport      time.Time `json:"last_report"`
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithNotifier delivers reports through n
func WithNotifier(n *Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithPublisher publishes reports through p
func WithPublisher(p *ReportPublisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithHistory keeps the last size reports in memory
func WithHistory(size int) ManagerOption {
	return func(m *Manager) {
		if size > 0 {
			m.maxHistory = size
		}
	}
}

// WithClock overrides the report timestamp source
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a report manager
func NewManager(enricher *Enricher, logger *zap.Logger, opts ...ManagerOption) (*Manager, error) {
	if enricher == nil {
		return nil, fmt.Errorf("enricher is required")
	}
	m := &Manager{
		enricher:   enricher,
		maxHistory: defaultMaxHistory,
		now:        time.Now,
		logger:     logging.OrNop(logger).Named("alerts"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Process enriches anomalies and, when there is anything to report, builds,
// stores and delivers a report. It returns nil when nothing was found.
// Publish and webhook failures are returned together with the report.
func (m *Manager) Process(ctx context.Context, anomalies []anomaly.Anomaly) (*Report, error) {
	enriched, matches := m.enricher.Enrich(anomalies)
	if len(enriched) == 0 && len(matches) == 0 {
		m.logger.Info("no anomalies detected")
		return nil, nil
	}

	report := NewReport(enriched, matches, m.now())
	m.store(report)
	m.logger.Info("report generated",
		zap.String("report_id", report.ID),
		zap.String("subject", report.Subject),
	)

	var errs []error
	if m.publisher != nil {
		if err := m.publisher.Publish(report); err != nil {
			errs = append(errs, err)
		}
	}
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return &report, errors.Join(errs...)
}

func (m *Manager) store(report Report) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reports = append(m.reports, report)
	if len(m.reports) > m.maxHistory {
		m.reports = m.reports[len(m.reports)-m.maxHistory:]
	}
	m.stats.TotalReports++
	m.stats.TotalAnomalies += len(report.Anomalies)
	m.stats.TotalIOCMatches += len(report.IOCMatches)
	m.stats.LastReport = report.GeneratedAt
}

// GetReport returns a stored report by ID
func (m *Manager) GetReport(id string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.reports {
		if m.reports[i].ID == id {
			r := m.reports[i]
			return &r, nil
		}
	}
	return nil, fmt.Errorf("report not found: %s", id)
}

// ListReports returns stored reports generated at or after since, newest first
func (m *Manager) ListReports(since time.Time) []Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Report, 0, len(m.reports))
	for i := len(m.reports) - 1; i >= 0; i-- {
		if !m.reports[i].GeneratedAt.Before(since) {
			out = append(out, m.reports[i])
		}
	}
	return out
}

// Stats returns report statistics
func (m *Manager) Stats() ReportStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Enricher returns the manager's enricher
func (m *Manager) Enricher() *Enricher {
	return m.enricher
}
