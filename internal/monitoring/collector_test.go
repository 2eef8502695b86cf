package monitoring

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

// fakeSource implements Source for testing. recent is returned for a
// windowed count, all for an unbounded one.
type fakeSource struct {
	recent   model.JobCounts
	all      model.JobCounts
	dlq      int
	stats    model.TariffStats
	jobsErr  error
	dlqErr   error
	statsErr error
	mu       sync.Mutex
	since    []time.Time
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.since)
}

func (f *fakeSource) CountJobs(_ context.Context, since time.Time) (model.JobCounts, error) {
	f.mu.Lock()
	f.since = append(f.since, since)
	f.mu.Unlock()
	if f.jobsErr != nil {
		return nil, f.jobsErr
	}
	if since.IsZero() {
		return f.all, nil
	}
	return f.recent, nil
}

func (f *fakeSource) CountDLQ(context.Context) (int, error) {
	return f.dlq, f.dlqErr
}

func (f *fakeSource) TariffStats(context.Context, string) (*model.TariffStats, error) {
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	st := f.stats
	return &st, nil
}

func TestCollector_Collect(t *testing.T) {
	src := &fakeSource{
		recent: model.JobCounts{
			model.JobSucceeded:  6,
			model.JobPartial:    2,
			model.JobFailed:     2,
			model.JobPending:    3,
			model.JobInProgress: 1,
		},
		all:   model.JobCounts{model.JobSucceeded: 40, model.JobPending: 3},
		dlq:   4,
		stats: model.TariffStats{ReviewPending: 7, Degraded: 1},
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewCollector(src)
	c.now = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 14, snap.JobsTotal)
	assert.Equal(t, 6, snap.JobsSucceeded)
	assert.Equal(t, 2, snap.JobsPartial)
	assert.Equal(t, 2, snap.JobsFailed)
	assert.Equal(t, 3, snap.JobsPending)
	assert.Equal(t, 1, snap.JobsInProgress)
	assert.InDelta(t, 0.2, snap.JobFailRate, 1e-9)
	assert.Equal(t, 4, snap.DLQDepth)
	assert.Equal(t, 7, snap.ReviewBacklog)
	assert.Equal(t, 1, snap.DegradedRates)
	assert.Equal(t, 40, snap.Queue[model.JobSucceeded])
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, now, snap.CollectedAt)

	require.Len(t, src.since, 2)
	assert.Equal(t, now.Add(-24*time.Hour), src.since[0])
}

func TestCollector_NoFinishedJobs(t *testing.T) {
	src := &fakeSource{recent: model.JobCounts{model.JobPending: 5}}
	snap, err := NewCollector(src).Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, snap.JobFailRate)
	assert.Equal(t, 5, snap.JobsTotal)
}

func TestCollector_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  *fakeSource
		want string
	}{
		{"jobs", &fakeSource{jobsErr: errors.New("db down")}, "count jobs"},
		{"dlq", &fakeSource{dlqErr: errors.New("db down")}, "count dlq"},
		{"stats", &fakeSource{statsErr: errors.New("db down")}, "tariff stats"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCollector(tt.src).Collect(context.Background(), 24)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
