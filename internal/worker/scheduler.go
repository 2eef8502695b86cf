package worker

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/document"
	"github.com/sells-group/tariff-cli/internal/fetcher"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

// SourceFetcher downloads a source, honoring the ETag of the previous visit.
type SourceFetcher interface {
	Fetch(ctx context.Context, url, etag string) (*fetcher.Result, error)
}

// Scheduler periodically downloads configured sources and enqueues an
// ingestion job when their content changed.
type Scheduler struct {
	store       store.Store
	fetcher     SourceFetcher
	blobs       *document.BlobStore
	sources     []config.SourceConfig
	tick        time.Duration
	defInterval time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewScheduler creates a scheduler for cfg.Sources.
func NewScheduler(st store.Store, f SourceFetcher, blobs *document.BlobStore, cfg config.SchedulerConfig, maxAttempts int) *Scheduler {
	tick := time.Duration(cfg.TickSecs) * time.Second
	if tick <= 0 {
		tick = time.Minute
	}
	def := time.Duration(cfg.DefaultIntervalMins) * time.Minute
	if def <= 0 {
		def = 24 * time.Hour
	}
	return &Scheduler{
		store:       st,
		fetcher:     f,
		blobs:       blobs,
		sources:     cfg.Sources,
		tick:        tick,
		defInterval: def,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// Run visits due sources once immediately and then on every tick until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "scheduler"))
	log.Info("scheduler: starting", zap.Int("sources", len(s.sources)), zap.Duration("tick", s.tick))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		if n, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Warn("scheduler: tick finished with errors", zap.Int("enqueued", n), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("scheduler: stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick visits every source whose interval elapsed. One source's failure does
// not stop the others; the first error is returned.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	var (
		enqueued int
		firstErr error
	)
	for _, src := range s.sources {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		ok, err := s.visit(ctx, src)
		if err != nil {
			zap.L().Error("scheduler: source failed", zap.String("source", src.Name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			enqueued++
		}
	}
	return enqueued, firstErr
}

func (s *Scheduler) visit(ctx context.Context, src config.SourceConfig) (bool, error) {
	state, err := s.store.GetSourceState(ctx, src.Name)
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: load state for %s", src.Name)
	}
	if state == nil {
		state = &model.SourceState{Name: src.Name}
	}

	now := s.now().UTC()
	if state.LastCheckedAt != nil && now.Sub(*state.LastCheckedAt) < src.Interval(s.defInterval) {
		return false, nil
	}
	log := zap.L().With(zap.String("component", "scheduler"), zap.String("source", src.Name), zap.String("port", src.PortCode))
	state.LastCheckedAt = &now

	enqueued, err := s.refresh(ctx, src, state, now, log)
	if err != nil {
		state.LastError = err.Error()
	} else {
		state.LastError = ""
	}
	if serr := s.store.SaveSourceState(ctx, state); serr != nil && err == nil {
		err = eris.Wrapf(serr, "scheduler: save state for %s", src.Name)
	}
	return enqueued, err
}

// refresh fetches src and enqueues changed content. The source's ETag and
// LastHash advance only once the content is queued or known to be queued, so
// a failed visit is fetched in full again next time.
func (s *Scheduler) refresh(ctx context.Context, src config.SourceConfig, state *model.SourceState, now time.Time, log *zap.Logger) (bool, error) {
	res, err := s.fetcher.Fetch(ctx, src.URL, state.ETag)
	if err != nil {
		return false, eris.Wrapf(err, "scheduler: fetch %s", src.URL)
	}
	if !res.Changed {
		log.Debug("scheduler: not modified")
		return false, nil
	}

	doc, err := document.Prepare(ctx, s.blobs, document.Source{
		PortCode:     src.PortCode,
		SourceURL:    src.URL,
		DocumentType: model.DocumentType(src.DocumentType),
		Data:         res.Body,
	}, now)
	if err != nil {
		return false, err
	}
	if doc.ContentHash == state.LastHash {
		log.Debug("scheduler: content unchanged")
		state.ETag = res.ETag
		return false, nil
	}

	open, err := s.store.HasOpenJob(ctx, doc.ContentHash)
	if err != nil {
		return false, eris.Wrap(err, "scheduler: check open job")
	}
	if open {
		log.Info("scheduler: job already open for content", zap.String("content_hash", doc.ContentHash))
		state.ETag, state.LastHash = res.ETag, doc.ContentHash
		return false, nil
	}

	if _, _, err := Enqueue(ctx, s.store, doc, EnqueueOptions{MaxAttempts: s.maxAttempts, SourceName: src.Name}); err != nil {
		return false, err
	}
	state.ETag, state.LastHash = res.ETag, doc.ContentHash
	state.LastEnqueued = &now
	return true, nil
}
