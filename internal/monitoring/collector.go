package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Jobs updated within the lookback window.
	JobsTotal      int     `json:"jobs_total"`
	JobsSucceeded  int     `json:"jobs_succeeded"`
	JobsPartial    int     `json:"jobs_partial"`
	JobsFailed     int     `json:"jobs_failed"`
	JobsPending    int     `json:"jobs_pending"`
	JobsInProgress int     `json:"jobs_in_progress"`
	JobFailRate    float64 `json:"job_fail_rate"`

	// Point-in-time backlogs.
	DLQDepth      int `json:"dlq_depth"`
	ReviewBacklog int `json:"review_backlog"`
	DegradedRates int `json:"degraded_records"`

	// Counts over the whole queue, used for the queue gauges.
	Queue model.JobCounts `json:"-"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the subset of the store the collector reads.
type Source interface {
	CountJobs(ctx context.Context, since time.Time) (model.JobCounts, error)
	CountDLQ(ctx context.Context) (int, error)
	TariffStats(ctx context.Context, portID string) (*model.TariffStats, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store Source
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st Source) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot of queue and review metrics over the given
// lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	counts, err := c.store.CountJobs(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count jobs")
	}
	snap.JobsSucceeded = counts[model.JobSucceeded]
	snap.JobsPartial = counts[model.JobPartial]
	snap.JobsFailed = counts[model.JobFailed]
	snap.JobsPending = counts[model.JobPending]
	snap.JobsInProgress = counts[model.JobInProgress]
	for _, n := range counts {
		snap.JobsTotal += n
	}
	if finished := snap.finished(); finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}

	queue, err := c.store.CountJobs(ctx, time.Time{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count queue")
	}
	snap.Queue = queue

	dlq, err := c.store.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = dlq

	stats, err := c.store.TariffStats(ctx, "")
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: tariff stats")
	}
	snap.ReviewBacklog = stats.ReviewPending
	snap.DegradedRates = stats.Degraded

	return snap, nil
}

func (s *MetricsSnapshot) finished() int {
	return s.JobsSucceeded + s.JobsPartial + s.JobsFailed
}
