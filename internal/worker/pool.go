// Package worker runs queued ingestion jobs and the periodic source scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/ingest"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
)

// Ingester ingests one document.
type Ingester interface {
	Ingest(ctx context.Context, doc *model.SourceDocument, opts ingest.RunOptions) (*model.IngestionResult, error)
}

// Options tunes the pool.
type Options struct {
	Count        int
	MaxAttempts  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	LockTimeout  time.Duration
	// Backoff is the schedule for re-running a job after a transient
	// failure. MaxAttempts on it is ignored.
	Backoff resilience.RetryConfig
}

// OptionsFromConfig maps worker.* settings.
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		Count:        cfg.Count,
		MaxAttempts:  cfg.MaxRetryAttempts,
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		JobTimeout:   time.Duration(cfg.JobTimeoutSecs) * time.Second,
		LockTimeout:  time.Duration(cfg.LockTimeoutSecs) * time.Second,
		Backoff:      resilience.FromWorkerConfig(cfg),
	}
}

// Pool claims jobs from the store and runs them. Workers never sleep on a
// failed job: a retry is a pending row whose scheduled_at lies in the future.
type Pool struct {
	store    store.Store
	ingester Ingester
	metrics  *metrics.Metrics
	opts     Options
	prefix   string
	now      func() time.Time
}

// NewPool creates a pool.
func NewPool(st store.Store, ing Ingester, m *metrics.Metrics, opts Options) *Pool {
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.LockTimeout <= opts.JobTimeout {
		opts.LockTimeout = opts.JobTimeout + time.Minute
	}
	host, _ := os.Hostname()
	return &Pool{
		store:    st,
		ingester: ing,
		metrics:  m,
		opts:     opts,
		prefix:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		now:      time.Now,
	}
}

// MaxAttempts is the attempt budget given to newly enqueued jobs.
func (p *Pool) MaxAttempts() int { return p.opts.MaxAttempts }

// Run starts the workers and the stale-lock reaper. It blocks until ctx is
// cancelled; a job in flight at shutdown is released for retry.
func (p *Pool) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "worker"))
	log.Info("worker: starting pool",
		zap.Int("workers", p.opts.Count),
		zap.Int("max_attempts", p.opts.MaxAttempts),
		zap.Duration("job_timeout", p.opts.JobTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Count; i++ {
		id := fmt.Sprintf("%s-w%d", p.prefix, i)
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.reapLoop(gctx)
		return nil
	})
	err := g.Wait()
	log.Info("worker: pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := zap.L().With(zap.String("component", "worker"), zap.String("worker_id", workerID))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ran, err := p.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			log.Error("worker: run job", zap.Error(err))
		}
		if ran {
			timer.Reset(0)
		} else {
			timer.Reset(p.opts.PollInterval)
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.LockTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Reap(ctx); err != nil && ctx.Err() == nil {
				zap.L().Error("worker: reap stale jobs", zap.Error(err))
			}
		}
	}
}

// RunOnce claims and runs at most one job. It reports whether a job was
// claimed.
func (p *Pool) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := p.store.ClaimJob(ctx, workerID, p.now().UTC(), p.opts.LockTimeout)
	if err != nil {
		return false, eris.Wrap(err, "worker: claim")
	}
	if job == nil {
		return false, nil
	}
	return true, p.process(ctx, workerID, job)
}

func (p *Pool) process(ctx context.Context, workerID string, job *model.IngestionJob) error {
	started := p.now()
	log := zap.L().With(
		zap.String("component", "worker"),
		zap.String("worker_id", workerID),
		zap.String("job_id", job.ID),
		zap.String("port", job.PortCode),
		zap.Int("attempt", job.AttemptCount),
	)
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = p.opts.MaxAttempts
	}

	res, err := p.run(ctx, job)

	now := p.now().UTC()
	job.UpdatedAt = now
	job.Result = res
	var dlq *resilience.DLQEntry
	switch {
	case err == nil:
		job.Status = res.Status.JobStatus()
		job.LastError = ""
		log.Info("worker: job complete", zap.String("status", string(job.Status)))

	case resilience.IsRetryable(err) && !job.AttemptsExhausted():
		p.recordError(job, err, now)
		job.Status = model.JobPending
		job.ScheduledAt = now.Add(resilience.Backoff(job.AttemptCount-1, p.opts.Backoff))
		log.Warn("worker: job failed, will retry",
			zap.Time("scheduled_at", job.ScheduledAt),
			zap.String("kind", string(resilience.KindOf(err))),
			zap.Error(err),
		)

	default:
		if resilience.IsRetryable(err) {
			err = resilience.Permanent(resilience.KindRetryExhausted,
				eris.Wrapf(err, "worker: gave up after %d attempts", job.AttemptCount))
		}
		p.recordError(job, err, now)
		job.Status = model.JobFailed
		entry := resilience.NewDLQEntry(job, err, now)
		dlq = &entry
		log.Error("worker: job failed",
			zap.String("kind", string(resilience.KindOf(err))),
			zap.Error(err),
		)
	}

	// Release even when shutting down so the job is not stuck until its
	// lock expires.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.store.ReleaseJob(rctx, job, workerID); err != nil {
		return eris.Wrapf(err, "worker: release job %s", job.ID)
	}
	if dlq != nil {
		if err := p.store.EnqueueDLQ(rctx, *dlq); err != nil {
			log.Error("worker: dead-letter job", zap.Error(err))
		}
	}
	p.metrics.ObserveJob(job.Status, p.now().Sub(started))
	return nil
}

// run loads the document and ingests it under the job timeout. Timeouts and
// cancellation are transient.
func (p *Pool) run(ctx context.Context, job *model.IngestionJob) (*model.IngestionResult, error) {
	doc, err := p.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return nil, eris.Wrapf(err, "worker: load document %s", job.DocumentID)
	}
	if doc == nil {
		return nil, resilience.Permanent(resilience.KindExtraction,
			eris.Errorf("worker: document not found: %s", job.DocumentID))
	}

	jctx, cancel := context.WithTimeout(ctx, p.opts.JobTimeout)
	defer cancel()

	res, err := p.ingester.Ingest(jctx, doc, ingest.RunOptions{Force: job.Force})
	if err != nil && jctx.Err() != nil && !resilience.IsKind(err, resilience.KindTimeout) {
		reason := "job timed out"
		if errors.Is(jctx.Err(), context.Canceled) {
			reason = "job cancelled"
		}
		err = resilience.NewKindError(resilience.KindTimeout, eris.Wrap(err, reason))
	}
	return res, err
}

func (p *Pool) recordError(job *model.IngestionJob, err error, at time.Time) {
	job.LastError = err.Error()
	job.ErrorHistory = append(job.ErrorHistory, model.JobError{
		Attempt:   job.AttemptCount,
		Error:     err.Error(),
		Kind:      string(resilience.KindOf(err)),
		Transient: resilience.IsRetryable(err),
		At:        at,
	})
}

// Reap fails in-progress jobs whose lock expired on their final attempt and
// dead-letters them. Expired jobs with attempts left are reclaimed by
// ClaimJob instead.
func (p *Pool) Reap(ctx context.Context) (int, error) {
	now := p.now().UTC()
	jobs, err := p.store.ReapStaleJobs(ctx, now, p.opts.LockTimeout)
	if err != nil {
		return 0, err
	}
	for i := range jobs {
		job := &jobs[i]
		cause := resilience.Errorf(resilience.KindRetryExhausted, "%s", job.LastError)
		if err := p.store.EnqueueDLQ(ctx, resilience.NewDLQEntry(job, cause, now)); err != nil {
			return i, eris.Wrapf(err, "worker: dead-letter stale job %s", job.ID)
		}
		p.metrics.ObserveJob(model.JobFailed, 0)
		zap.L().Warn("worker: reaped stale job", zap.String("job_id", job.ID), zap.Int("attempts", job.AttemptCount))
	}
	return len(jobs), nil
}

// EnqueueOptions describes a new job.
type EnqueueOptions struct {
	MaxAttempts int
	Force       bool
	SourceName  string
}

// Enqueue stores doc and queues a job for it. It returns the open job and
// false when one already exists for the same content.
func Enqueue(ctx context.Context, st store.Store, doc *model.SourceDocument, opts EnqueueOptions) (*model.IngestionJob, bool, error) {
	saved, err := st.SaveDocument(ctx, doc)
	if err != nil {
		return nil, false, eris.Wrap(err, "worker: save document")
	}
	job, created, err := st.EnqueueJob(ctx, &model.IngestionJob{
		DocumentID:  saved.ID,
		ContentHash: saved.ContentHash,
		PortCode:    saved.PortCode,
		SourceName:  opts.SourceName,
		MaxAttempts: opts.MaxAttempts,
		Force:       opts.Force,
	})
	if err != nil {
		return nil, false, eris.Wrap(err, "worker: enqueue")
	}
	if created {
		zap.L().Info("worker: job enqueued",
			zap.String("job_id", job.ID),
			zap.String("port", job.PortCode),
			zap.String("source", opts.SourceName),
		)
	}
	return job, created, nil
}

// Requeue moves a failed job back to pending with a fresh attempt budget and
// marks its dead-letter entry.
func Requeue(ctx context.Context, st store.Store, id string, now time.Time) error {
	if err := st.RequeueJob(ctx, id, now); err != nil {
		return err
	}
	if err := st.MarkDLQRequeued(ctx, id, now); err != nil {
		return eris.Wrapf(err, "worker: mark dead letter requeued for %s", id)
	}
	return nil
}
