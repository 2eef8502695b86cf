package worker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/document"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

// fakeSource serves a mutable body with an ETag derived from its content.
type fakeSource struct {
	mu    sync.Mutex
	body  string
	err   error
	etags []string
}

func (f *fakeSource) set(body string) {
	f.mu.Lock()
	f.body = body
	f.mu.Unlock()
}

func (f *fakeSource) Fetch(_ context.Context, _, etag string) (*fetcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.etags = append(f.etags, etag)
	if f.err != nil {
		return nil, f.err
	}
	tag := `"` + document.Hash([]byte(f.body))[:8] + `"`
	if etag == tag {
		return &fetcher.Result{ETag: tag}, nil
	}
	return &fetcher.Result{Body: []byte(f.body), ETag: tag, Changed: true}, nil
}

func newTestScheduler(t *testing.T, src *fakeSource, c *clock) (*Scheduler, *store.SQLiteStore) {
	t.Helper()
	return newTestSchedulerIn(t, src, c, t.TempDir())
}

func newTestSchedulerIn(t *testing.T, src *fakeSource, c *clock, blobDir string) (*Scheduler, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	blobs, err := document.NewBlobStore(blobDir)
	require.NoError(t, err)
	s := NewScheduler(st, src, blobs, config.SchedulerConfig{
		TickSecs:            60,
		DefaultIntervalMins: 60,
		Sources: []config.SourceConfig{{
			Name:         "singapore",
			PortCode:     "sgsin",
			URL:          "https://example.com/sgsin.txt",
			DocumentType: string(model.DocumentPlaintext),
		}},
	}, 3)
	s.now = c.Now
	return s, st
}

func TestScheduler_EnqueuesNewContent(t *testing.T) {
	c := newClock()
	src := &fakeSource{body: "Pilotage USD 250 per call"}
	s, fs := newTestScheduler(t, src, c)
	ctx := context.Background()

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := fs.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "SGSIN", jobs[0].PortCode)
	assert.Equal(t, "singapore", jobs[0].SourceName)
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	doc, err := fs.GetDocument(ctx, jobs[0].DocumentID)
	require.NoError(t, err)
	require.NotNil(t, doc)
	data, err := document.Read(doc.BlobPath)
	require.NoError(t, err)
	assert.Equal(t, "Pilotage USD 250 per call", string(data))

	state, err := fs.GetSourceState(ctx, "singapore")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, doc.ContentHash, state.LastHash)
	assert.NotEmpty(t, state.ETag)
	assert.NotNil(t, state.LastEnqueued)
	assert.Empty(t, state.LastError)
}

func TestScheduler_RespectsInterval(t *testing.T) {
	c := newClock()
	src := &fakeSource{body: "Pilotage USD 250 per call"}
	s, _ := newTestScheduler(t, src, c)
	ctx := context.Background()

	_, err := s.Tick(ctx)
	require.NoError(t, err)

	c.Advance(30 * time.Minute)
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, src.etags, 1, "source not due yet")
}

func TestScheduler_NotModifiedAndUnchanged(t *testing.T) {
	c := newClock()
	src := &fakeSource{body: "Pilotage USD 250 per call"}
	s, fs := newTestScheduler(t, src, c)
	ctx := context.Background()

	_, err := s.Tick(ctx)
	require.NoError(t, err)

	c.Advance(2 * time.Hour)
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, src.etags, 2)
	assert.NotEmpty(t, src.etags[1], "previous ETag is sent")

	src.set("Pilotage USD 300 per call")
	c.Advance(2 * time.Hour)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs, err := fs.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestScheduler_FetchErrorIsRecorded(t *testing.T) {
	c := newClock()
	src := &fakeSource{err: eris.New("connection refused")}
	s, fs := newTestScheduler(t, src, c)
	ctx := context.Background()

	n, err := s.Tick(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	state, err := fs.GetSourceState(ctx, "singapore")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Contains(t, state.LastError, "connection refused")
	assert.NotNil(t, state.LastCheckedAt)
}

func TestScheduler_FailedVisitRefetchesContent(t *testing.T) {
	const body = "Pilotage USD 250 per call"
	c := newClock()
	src := &fakeSource{body: body}
	dir := t.TempDir()
	s, fs := newTestSchedulerIn(t, src, c, dir)
	ctx := context.Background()

	// A file where the shard directory belongs makes the blob write fail.
	shard := filepath.Join(dir, document.Hash([]byte(body))[:2])
	require.NoError(t, os.WriteFile(shard, []byte("x"), 0o644))

	n, err := s.Tick(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	state, err := fs.GetSourceState(ctx, "singapore")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Empty(t, state.ETag)
	assert.Empty(t, state.LastHash)
	assert.NotEmpty(t, state.LastError)

	require.NoError(t, os.Remove(shard))
	c.Advance(2 * time.Hour)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, src.etags, 2)
	assert.Empty(t, src.etags[1], "no validator is sent after a failed visit")

	jobs, err := fs.ListJobs(ctx, model.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	c := newClock()
	src := &fakeSource{body: "Pilotage USD 250 per call"}
	s, fs := newTestScheduler(t, src, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		jobs, err := fs.ListJobs(context.Background(), model.JobFilter{})
		return err == nil && len(jobs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
