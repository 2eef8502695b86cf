package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
)

func TestChecker_CheckPublishesGauges(t *testing.T) {
	src := &fakeSource{
		all:   model.JobCounts{model.JobPending: 2},
		dlq:   12,
		stats: model.TariffStats{ReviewPending: 3},
	}
	reg := prometheus.NewRegistry()
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, DLQDepthLimit: 10}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), metrics.New(reg), cfg)

	alerts := checker.Check(context.Background())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertDLQDepth, alerts[0].Type)

	expected := `
# HELP tariff_dlq_depth Dead-lettered jobs not yet requeued.
# TYPE tariff_dlq_depth gauge
tariff_dlq_depth 12
# HELP tariff_review_backlog Tariff records waiting for review.
# TYPE tariff_review_backlog gauge
tariff_review_backlog 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tariff_dlq_depth", "tariff_review_backlog"))
}

func TestChecker_AnnouncesTransitionsOnce(t *testing.T) {
	var (
		mu  sync.Mutex
		got []Alert
	)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&a))
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
	}))
	defer ts.Close()

	src := &fakeSource{dlq: 12}
	cfg := config.MonitoringConfig{DLQDepthLimit: 10, WebhookURL: ts.URL}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), nil, cfg)
	ctx := context.Background()

	require.Len(t, checker.Check(ctx), 1)
	require.Len(t, checker.Check(ctx), 1)
	src.dlq = 3
	assert.Empty(t, checker.Check(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.False(t, got[0].Resolved)
	assert.True(t, got[1].Resolved)
	assert.Equal(t, AlertDLQDepth, got[1].Type)
}

func TestChecker_CheckCollectError(t *testing.T) {
	src := &fakeSource{dlqErr: assert.AnError}
	cfg := config.MonitoringConfig{DLQDepthLimit: 1}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), nil, cfg)

	assert.Nil(t, checker.Check(context.Background()))
}

func TestChecker_RunChecksImmediatelyAndStops(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 3600, LookbackWindowHours: 24}
	src := &fakeSource{}
	checker := NewChecker(NewCollector(src), NewAlerter(cfg), nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return src.calls() > 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&fakeSource{}), NewAlerter(config.MonitoringConfig{}), nil, config.MonitoringConfig{})
	assert.Equal(t, 5*time.Minute, checker.interval)
}
