package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertDLQDepth       AlertType = "dlq_depth"
	AlertReviewBacklog  AlertType = "review_backlog"
)

// minFinishedJobs is the sample size below which the failure rate is not
// evaluated.
const minFinishedJobs = 5

// Alert is one breached threshold. Resolved alerts report that a
// previously firing condition cleared.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Resolved  bool           `json:"resolved,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type rule struct {
	typ      AlertType
	severity string
	check    func(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool)
}

var rules = []rule{
	{AlertJobFailureRate, "high", func(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
		finished := s.finished()
		if cfg.FailureRateThreshold <= 0 || finished < minFinishedJobs || s.JobFailRate <= cfg.FailureRateThreshold {
			return "", nil, false
		}
		return fmt.Sprintf("Ingestion job failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				s.JobFailRate*100, cfg.FailureRateThreshold*100, s.JobsFailed, finished, s.LookbackHours),
			map[string]any{"failure_rate": s.JobFailRate, "threshold": cfg.FailureRateThreshold, "failed": s.JobsFailed, "finished": finished},
			true
	}},
	{AlertDLQDepth, "high", func(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
		if cfg.DLQDepthLimit <= 0 || s.DLQDepth <= cfg.DLQDepthLimit {
			return "", nil, false
		}
		return fmt.Sprintf("%d dead-lettered jobs exceed limit %d", s.DLQDepth, cfg.DLQDepthLimit),
			map[string]any{"dlq_depth": s.DLQDepth, "limit": cfg.DLQDepthLimit},
			true
	}},
	{AlertReviewBacklog, "medium", func(cfg config.MonitoringConfig, s *MetricsSnapshot) (string, map[string]any, bool) {
		if cfg.ReviewBacklogLimit <= 0 || s.ReviewBacklog <= cfg.ReviewBacklogLimit {
			return "", nil, false
		}
		return fmt.Sprintf("%d tariff records awaiting review exceed limit %d", s.ReviewBacklog, cfg.ReviewBacklogLimit),
			map[string]any{"review_backlog": s.ReviewBacklog, "limit": cfg.ReviewBacklogLimit},
			true
	}},
}

// Alerter checks snapshots against thresholds and posts changes to a
// webhook. A condition is announced once when it starts firing and once
// when it clears.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig

	mu     sync.Mutex
	firing map[AlertType]Alert
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("webhook", "alert")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
		firing: make(map[AlertType]Alert),
	}
}

// Evaluate returns every alert the snapshot breaches. A zero limit disables
// its check.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	for _, r := range rules {
		msg, details, hit := r.check(a.cfg, snap)
		if !hit {
			continue
		}
		alerts = append(alerts, Alert{Type: r.typ, Severity: r.severity, Message: msg, Details: details, Timestamp: now})
	}
	return alerts
}

// Transitions diffs the current alerts against what was firing and returns
// the newly fired alerts followed by resolutions.
func (a *Alerter) Transitions(current []Alert) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Alert
	seen := make(map[AlertType]bool, len(current))
	for _, al := range current {
		seen[al.Type] = true
		if _, ok := a.firing[al.Type]; !ok {
			out = append(out, al)
		}
		a.firing[al.Type] = al
	}
	for typ, prev := range a.firing {
		if seen[typ] {
			continue
		}
		delete(a.firing, typ)
		out = append(out, Alert{
			Type:      typ,
			Severity:  prev.Severity,
			Message:   "resolved: " + prev.Message,
			Resolved:  true,
			Timestamp: time.Now().UTC(),
		})
	}
	return out
}

// SendAlerts posts each alert to the webhook and returns how many were
// delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	sent := 0
	for _, al := range alerts {
		log := zap.L().With(zap.String("type", string(al.Type)), zap.Bool("resolved", al.Resolved))
		if err := resilience.Do(ctx, a.retry, func(ctx context.Context) error { return a.post(ctx, al) }); err != nil {
			log.Error("monitoring: send alert", zap.Error(err))
			continue
		}
		log.Info("monitoring: alert sent", zap.String("severity", al.Severity))
		sent++
	}
	return sent
}

func (a *Alerter) post(ctx context.Context, al Alert) error {
	payload, err := json.Marshal(al)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	resp.Body.Close() //nolint:errcheck,gosec

	if resp.StatusCode >= 300 {
		err := eris.Errorf("monitoring: webhook returned %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
