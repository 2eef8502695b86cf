package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		DLQDepthLimit:        10,
		ReviewBacklogLimit:   50,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		JobsSucceeded: 95,
		JobsFailed:    5,
		JobFailRate:   0.05,
		DLQDepth:      10,
		ReviewBacklog: 12,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_JobFailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		JobsSucceeded: 10,
		JobsPartial:   2,
		JobsFailed:    8,
		JobFailRate:   0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertJobFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Contains(t, alerts[0].Message, "8 failed / 20 finished")
}

func TestAlerter_Evaluate_MinimumJobsRequired(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		JobsSucceeded: 1,
		JobsFailed:    2,
		JobFailRate:   0.666,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DLQDepth(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{DLQDepth: 11, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "11 dead-lettered jobs")
}

func TestAlerter_Evaluate_ReviewBacklog(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{ReviewBacklog: 51, LookbackHours: 24})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertReviewBacklog, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Equal(t, 51, alerts[0].Details["review_backlog"])
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		JobsSucceeded: 10,
		JobsFailed:    10,
		JobFailRate:   0.5,
		DLQDepth:      30,
		ReviewBacklog: 80,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertJobFailureRate])
	assert.True(t, types[AlertDLQDepth])
	assert.True(t, types[AlertReviewBacklog])
}

func TestAlerter_Evaluate_ZeroLimitsDisable(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		JobsFailed:    100,
		JobFailRate:   1,
		DLQDepth:      999,
		ReviewBacklog: 999,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Transitions(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	dlq := Alert{Type: AlertDLQDepth, Severity: "high", Message: "11 dead-lettered jobs exceed limit 10"}
	backlog := Alert{Type: AlertReviewBacklog, Severity: "medium", Message: "51 tariff records awaiting review exceed limit 50"}

	out := a.Transitions([]Alert{dlq})
	require.Len(t, out, 1)
	assert.False(t, out[0].Resolved)

	assert.Empty(t, a.Transitions([]Alert{dlq}), "still firing is not re-announced")

	out = a.Transitions([]Alert{backlog})
	require.Len(t, out, 2)
	assert.Equal(t, AlertReviewBacklog, out[0].Type)
	assert.Equal(t, AlertDLQDepth, out[1].Type)
	assert.True(t, out[1].Resolved)
	assert.Equal(t, "resolved: 11 dead-lettered jobs exceed limit 10", out[1].Message)

	out = a.Transitions(nil)
	require.Len(t, out, 1)
	assert.True(t, out[0].Resolved)
	assert.Empty(t, a.Transitions(nil))
}

func fastAlerter(cfg config.MonitoringConfig) *Alerter {
	a := NewAlerter(cfg)
	a.retry.InitialBackoff = time.Millisecond
	a.retry.MaxBackoff = time.Millisecond
	return a
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a := fastAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertJobFailureRate, Severity: "high", Message: "failure rate"},
		{Type: AlertDLQDepth, Severity: "high", Message: "resolved: dlq", Resolved: true},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Zero(t, a.SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}}))
	assert.Zero(t, NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"}).SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sent := fastAlerter(config.MonitoringConfig{WebhookURL: ts.URL}).SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	sent := fastAlerter(config.MonitoringConfig{WebhookURL: ts.URL}).SendAlerts(context.Background(), []Alert{{Type: AlertDLQDepth}})
	assert.Zero(t, sent)
	assert.Equal(t, int32(1), calls.Load())
}
