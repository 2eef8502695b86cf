// Package ingest orchestrates extraction, matching, structuring, currency
// normalization, validation and persistence for one source document.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/currency"
	"github.com/sells-group/tariff-cli/internal/llm"
	"github.com/sells-group/tariff-cli/internal/metrics"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pattern"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/validate"
)

// Extractor produces the raw text of a document.
type Extractor interface {
	Extract(ctx context.Context, doc *model.SourceDocument) (*model.ExtractionResult, error)
}

// Options tunes the ingestion service.
type Options struct {
	// CoverageThreshold is the pattern coverage below which the LLM runs.
	CoverageThreshold      float64
	Precedence             llm.Precedence
	LowConfidenceThreshold float64
	// MaxConcurrent bounds IngestMany.
	MaxConcurrent int
	// PersistRates writes the rate table to the store after each document.
	PersistRates bool
}

// OptionsFromConfig maps the llm.*, ingest.* and currency.* settings the
// service reads.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	prec, err := llm.ParsePrecedence(cfg.LLM.Precedence)
	if err != nil {
		return Options{}, err
	}
	return Options{
		CoverageThreshold:      cfg.LLM.CoverageThreshold,
		Precedence:             prec,
		LowConfidenceThreshold: cfg.LLM.LowConfidenceThreshold,
		MaxConcurrent:          cfg.Ingest.MaxConcurrent,
		PersistRates:           cfg.Currency.Snapshot,
	}, nil
}

// RunOptions controls a single ingestion.
type RunOptions struct {
	// Force re-ingests content whose previous ingestion completed.
	Force bool
}

// Deps are the collaborators of the service.
type Deps struct {
	Store      store.Store
	Extractor  Extractor
	Matcher    *pattern.Matcher
	Structurer *llm.Structurer
	Currency   *currency.Service
	Validator  *validate.Validator
	Metrics    *metrics.Metrics
}

// Service ingests documents.
type Service struct {
	store      store.Store
	extractor  Extractor
	matcher    *pattern.Matcher
	structurer *llm.Structurer
	currency   *currency.Service
	validator  *validate.Validator
	metrics    *metrics.Metrics
	opts       Options
	now        func() time.Time
}

// New creates a service. The range tables and the currency service must
// agree on the base currency.
func New(deps Deps, opts Options) (*Service, error) {
	if deps.Store == nil || deps.Extractor == nil || deps.Matcher == nil || deps.Currency == nil || deps.Validator == nil {
		return nil, eris.New("ingest: store, extractor, matcher, currency and validator are required")
	}
	if tb, cb := deps.Validator.Tables().BaseCurrency, deps.Currency.Base(); tb != cb {
		return nil, eris.Errorf("ingest: range tables use base %s but currency.base is %s", tb, cb)
	}
	if opts.Precedence == "" {
		opts.Precedence = llm.PrecedenceLowConfidence
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 5
	}
	return &Service{
		store:      deps.Store,
		extractor:  deps.Extractor,
		matcher:    deps.Matcher,
		structurer: deps.Structurer,
		currency:   deps.Currency,
		validator:  deps.Validator,
		metrics:    deps.Metrics,
		opts:       opts,
		now:        time.Now,
	}, nil
}

// Ingest runs the whole pipeline for doc and commits everything it produced
// in one store transaction. Unchanged content whose previous ingestion
// completed returns a skipped result without writing anything unless
// opts.Force is set.
//
// A returned error means nothing was committed. Retryable errors (transient
// extraction or provider failures, store conflicts) should be retried by the
// caller. A permanent extraction failure commits a failed result and also
// returns the error.
func (s *Service) Ingest(ctx context.Context, doc *model.SourceDocument, opts RunOptions) (*model.IngestionResult, error) {
	started := s.now().UTC()
	stored, err := s.store.GetDocumentByHash(ctx, doc.ContentHash)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: lookup document")
	}
	if stored != nil {
		doc = stored
	}
	log := zap.L().With(
		zap.String("component", "ingest"),
		zap.String("document_id", doc.ID),
		zap.String("port", doc.PortCode),
		zap.String("content_hash", shortHash(doc.ContentHash)),
	)

	if !opts.Force {
		prior, err := s.store.GetCompletedIngestion(ctx, doc.ContentHash)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: check prior ingestion")
		}
		if prior != nil {
			log.Info("ingest: unchanged content, skipping", zap.String("prior_status", string(prior.Status)))
			res := &model.IngestionResult{
				DocumentID:  prior.DocumentID,
				ContentHash: doc.ContentHash,
				PortCode:    doc.PortCode,
				Status:      model.IngestionSkipped,
				SkipReason:  model.SkipDuplicate,
				StartedAt:   started,
				CompletedAt: s.now().UTC(),
			}
			s.metrics.ObserveIngestion(res)
			return res, nil
		}
	}

	res := &model.IngestionResult{
		ID:          uuid.NewString(),
		DocumentID:  doc.ID,
		ContentHash: doc.ContentHash,
		PortCode:    doc.PortCode,
		StartedAt:   started,
	}

	extraction, err := s.extractor.Extract(ctx, doc)
	if err != nil {
		if resilience.IsRetryable(err) {
			return nil, err
		}
		return s.commitFailed(ctx, doc, res, err, log)
	}
	res.Extraction = summarize(extraction)
	res.Warnings = append(res.Warnings, extraction.Warnings...)

	var candidates []model.TariffLineItemCandidate
	if extraction.ProducesCandidates() {
		candidates, err = s.candidates(ctx, extraction.RawText, res, log)
		if err != nil {
			return nil, err
		}
	} else {
		res.Warnings = append(res.Warnings, "extraction fell back to manual review: "+extraction.Reason)
	}

	items := s.convert(ctx, candidates, res)

	verdicts, err := s.validator.ValidateDocument(ctx, doc.PortCode, items)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var writes []store.RecordWrite
	res.Items = make([]model.ItemResult, len(items))
	for i, it := range items {
		vd := verdicts[i]
		ir := model.ItemResult{
			Index:          it.Index,
			Candidate:      it.Candidate,
			Outcomes:       vd.Outcomes,
			Status:         vd.Status,
			BaseAmount:     it.BaseAmount,
			PreviousAmount: vd.PreviousAmount,
			PercentChange:  vd.PercentChange,
			Confidence:     it.Candidate.Confidence,
			Reasons:        vd.Reasons(),
		}
		switch vd.Action {
		case validate.ActionInsert, validate.ActionSupersede, validate.ActionReview:
			rec := s.newRecord(doc, it, now)
			w := store.RecordWrite{Record: rec}
			if vd.Active != nil {
				rec.SupersedesID = model.StringPtr(vd.Active.ID)
				ir.SupersedesID = vd.Active.ID
			}
			switch vd.Action {
			case validate.ActionSupersede:
				w.SupersedeID = vd.Active.ID
			case validate.ActionReview:
				rec.Status = model.RecordReview
				rec.ReviewReason = strings.Join(ir.Reasons, "; ")
			}
			writes = append(writes, w)
			ir.RecordID = rec.ID
		case validate.ActionConfirm:
			ir.RecordID = vd.Active.ID
		}
		res.Items[i] = ir
	}

	res.Status = documentStatus(extraction, res.Items)
	res.Tally()
	res.CompletedAt = s.now().UTC()

	err = s.store.CommitIngestion(ctx, &store.IngestionBatch{
		Document:   doc,
		Extraction: extraction,
		Records:    writes,
		Result:     res,
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: commit")
	}

	if s.opts.PersistRates {
		if err := s.currency.Persist(ctx, s.store); err != nil {
			log.Warn("ingest: persist rate snapshot failed", zap.Error(err))
		}
	}

	s.metrics.ObserveIngestion(res)
	log.Info("ingest: complete",
		zap.String("status", string(res.Status)),
		zap.String("method", string(extraction.Method)),
		zap.Float64("coverage", res.Coverage),
		zap.Bool("llm_used", res.LLMUsed),
		zap.Int("items", res.Stats.Candidates),
		zap.Int("accepted", res.Stats.Accepted),
		zap.Int("review", res.Stats.Review),
		zap.Int("rejected", res.Stats.Rejected),
		zap.Int("records_written", len(writes)),
		zap.Duration("elapsed", res.CompletedAt.Sub(started)),
	)
	return res, nil
}

// candidates runs the pattern matcher and, when coverage is low and a
// provider is configured, the LLM structurer.
func (s *Service) candidates(ctx context.Context, text string, res *model.IngestionResult, log *zap.Logger) ([]model.TariffLineItemCandidate, error) {
	match := s.matcher.Match(text)
	res.Coverage = match.Coverage
	if match.Coverage >= s.opts.CoverageThreshold {
		return match.Candidates, nil
	}

	low := resilience.Errorf(resilience.KindPatternCoverageLow,
		"coverage %.2f below %.2f (%d of %d lines)", match.Coverage, s.opts.CoverageThreshold, match.MatchedLines, match.BearingLines)
	if !s.structurer.Enabled() {
		res.Warnings = append(res.Warnings, low.Error()+"; no LLM provider configured")
		return match.Candidates, nil
	}
	log.Info("ingest: pattern coverage low, structuring with LLM", zap.Float64("coverage", match.Coverage))

	out, err := s.structurer.Structure(ctx, text)
	if err != nil {
		return nil, err
	}
	res.LLMUsed = true
	res.Warnings = append(res.Warnings, low.Error())
	for _, f := range out.Failures {
		res.Errors = append(res.Errors, fmt.Sprintf("chunk %d after %d attempts: %v", f.Index, f.Attempts, f.Err))
	}
	s.metrics.ObserveLLMChunks(out.Chunks-len(out.Failures), len(out.Failures))

	return llm.Merge(match.Candidates, out.Candidates, s.opts.Precedence, s.opts.LowConfidenceThreshold), nil
}

// convert resolves exchange rates for every currency in candidates, then
// converts each amount with one snapshot so the whole document uses a single
// rate set.
func (s *Service) convert(ctx context.Context, candidates []model.TariffLineItemCandidate, res *model.IngestionResult) []validate.Item {
	codes := make([]string, 0, len(candidates))
	for _, c := range candidates {
		codes = append(codes, c.Currency)
	}
	degraded, unavailable := s.currency.Resolve(ctx, codes)
	for code := range degraded {
		res.Warnings = append(res.Warnings, "stale exchange rate used for "+code)
		s.metrics.ObserveRate("degraded")
	}
	for code, err := range unavailable {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", code, err))
		s.metrics.ObserveRate("unavailable")
	}
	snap := s.currency.Snapshot()

	items := make([]validate.Item, len(candidates))
	for i, c := range candidates {
		it := validate.Item{Index: i, Candidate: c}
		code := strings.ToUpper(c.Currency)
		switch {
		case code == "":
		case unavailable[code] != nil:
			it.CurrencyErr = unavailable[code]
		default:
			base, err := snap.ToBase(c.Amount, code)
			if err != nil {
				it.CurrencyErr = err
				break
			}
			it.BaseAmount = model.Float64Ptr(base)
			if degraded[code] {
				it.Degraded = true
				it.Candidate.Confidence = clamp01(it.Candidate.Confidence - s.currency.DegradedPenalty())
			} else {
				s.metrics.ObserveRate("ok")
			}
		}
		items[i] = it
	}
	return items
}

func (s *Service) newRecord(doc *model.SourceDocument, it validate.Item, now time.Time) *model.TariffRecord {
	c := it.Candidate
	return &model.TariffRecord{
		ID:                 uuid.NewString(),
		PortID:             doc.PortCode,
		ChargeType:         c.ChargeType,
		Amount:             c.Amount,
		AmountMax:          c.AmountMax,
		Currency:           strings.ToUpper(c.Currency),
		BaseCurrency:       s.currency.Base(),
		BaseCurrencyAmount: it.BaseAmount,
		Unit:               c.Unit,
		SizeRangeMin:       c.SizeRangeMin,
		SizeRangeMax:       c.SizeRangeMax,
		SizeUnit:           c.SizeUnit,
		VesselType:         c.VesselType,
		DataSource:         c.DataSource(),
		EffectiveDate:      now,
		ConfidenceScore:    c.Confidence,
		Degraded:           it.Degraded,
		Status:             model.RecordActive,
		DocumentID:         doc.ID,
		SourceSpan:         c.Span,
		RawText:            c.Text,
		CreatedAt:          now,
	}
}

func (s *Service) commitFailed(ctx context.Context, doc *model.SourceDocument, res *model.IngestionResult, cause error, log *zap.Logger) (*model.IngestionResult, error) {
	res.Status = model.IngestionFailed
	res.Errors = append(res.Errors, cause.Error())
	res.CompletedAt = s.now().UTC()
	log.Error("ingest: extraction failed", zap.Error(cause))

	if err := s.store.CommitIngestion(ctx, &store.IngestionBatch{Document: doc, Result: res}); err != nil {
		log.Warn("ingest: record failed ingestion", zap.Error(err))
	}
	s.metrics.ObserveIngestion(res)
	return res, cause
}

// IngestMany ingests documents concurrently, bounded by MaxConcurrent. One
// document's failure does not stop the others; results and errors are
// index-aligned with docs.
func (s *Service) IngestMany(ctx context.Context, docs []*model.SourceDocument, opts RunOptions) ([]*model.IngestionResult, []error) {
	results := make([]*model.IngestionResult, len(docs))
	errs := make([]error, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxConcurrent)
	for i, doc := range docs {
		g.Go(func() error {
			results[i], errs[i] = s.Ingest(gctx, doc, opts)
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

// documentStatus: succeeded only when every item is clean and there was at
// least one. Manual fallback is always partial.
func documentStatus(x *model.ExtractionResult, items []model.ItemResult) model.IngestionStatus {
	if x.Method == model.MethodFallbackManual || len(items) == 0 {
		return model.IngestionPartial
	}
	for _, it := range items {
		if !it.Status.Clean() {
			return model.IngestionPartial
		}
	}
	return model.IngestionSucceeded
}

func summarize(x *model.ExtractionResult) *model.ExtractionSummary {
	return &model.ExtractionSummary{
		Method:     x.Method,
		Confidence: x.Confidence,
		PageCount:  x.PageCount,
		Density:    x.Density,
		Engine:     x.Engine,
		Reason:     x.Reason,
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
