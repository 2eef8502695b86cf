package ingest

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/currency"
	"github.com/sells-group/tariff-cli/internal/document"
	"github.com/sells-group/tariff-cli/internal/llm"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pattern"
	"github.com/sells-group/tariff-cli/internal/resilience"
	"github.com/sells-group/tariff-cli/internal/store"
	"github.com/sells-group/tariff-cli/internal/validate"
)

// textExtractor returns the document's text as a text-layer extraction.
type textExtractor struct {
	texts map[string]string
	err   error
	calls atomic.Int32
}

func (e *textExtractor) Extract(_ context.Context, doc *model.SourceDocument) (*model.ExtractionResult, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return &model.ExtractionResult{
		DocumentID: doc.ID,
		Method:     model.MethodTextLayer,
		RawText:    e.texts[doc.ContentHash],
		Confidence: 0.9,
		PageCount:  1,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

type fixture struct {
	svc   *Service
	store *store.SQLiteStore
	ext   *textExtractor
}

func newFixture(t *testing.T, provider llm.Provider) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	holder := pattern.NewHolder(pattern.DefaultDictionary())
	rates := currency.NewStaticProvider("USD", map[string]float64{"SGD": 1.35, "EUR": 0.92})
	ext := &textExtractor{texts: map[string]string{}}

	svc, err := New(Deps{
		Store:      st,
		Extractor:  ext,
		Matcher:    pattern.NewMatcher(holder, pattern.Options{FuzzyMaxDistance: 2, MinItemConfidence: 0.5}),
		Structurer: llm.New(provider, holder, llm.Options{ChunkSize: 10000, MaxAttempts: 1, RequestTimeout: time.Second}),
		Currency:   currency.NewService(rates, holder, currency.Options{Base: "USD"}),
		Validator:  validate.New(nil, holder, st, validate.Options{ReviewConfidence: 0.5}),
	}, Options{CoverageThreshold: 0.7, LowConfidenceThreshold: 0.6, MaxConcurrent: 2})
	require.NoError(t, err)
	return &fixture{svc: svc, store: st, ext: ext}
}

func (f *fixture) doc(port, text string) *model.SourceDocument {
	hash := document.Hash([]byte(text))
	f.ext.texts[hash] = text
	return &model.SourceDocument{
		ID:           uuid.NewString(),
		PortCode:     port,
		BlobPath:     "/blobs/" + hash,
		ContentHash:  hash,
		DocumentType: model.DocumentPlaintext,
		RetrievedAt:  time.Now().UTC(),
	}
}

func (f *fixture) records(t *testing.T, status model.RecordStatus) []model.TariffRecord {
	t.Helper()
	recs, err := f.store.ListTariffs(context.Background(), model.TariffFilter{Status: status})
	require.NoError(t, err)
	return recs
}

func TestIngest_AcceptsAndPersists(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, f.doc("SGSIN", "Pilotage USD 250 per call, 0-5000GT"), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.IngestionSucceeded, res.Status)
	assert.False(t, res.LLMUsed)
	assert.InDelta(t, 1.0, res.Coverage, 1e-9)
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, model.ItemAccepted, item.Status)
	require.NotNil(t, item.BaseAmount)
	assert.InDelta(t, 250.0, *item.BaseAmount, 1e-9)
	assert.Equal(t, 1, res.Stats.Accepted)

	active := f.records(t, model.RecordActive)
	require.Len(t, active, 1)
	rec := active[0]
	assert.Equal(t, item.RecordID, rec.ID)
	assert.Equal(t, model.ChargePilotage, rec.ChargeType)
	assert.Equal(t, model.UnitPerCall, rec.Unit)
	assert.Equal(t, model.SourceRealScraped, rec.DataSource)
	assert.Equal(t, "USD", rec.BaseCurrency)
	require.NotNil(t, rec.SizeRangeMax)
	assert.InDelta(t, 5000.0, *rec.SizeRangeMax, 1e-9)

	x, err := f.store.GetExtraction(ctx, res.DocumentID)
	require.NoError(t, err)
	require.NotNil(t, x)
	assert.Equal(t, model.MethodTextLayer, x.Method)
}

func TestIngest_SameContentIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.doc("SGSIN", "Pilotage USD 250 per call")

	first, err := f.svc.Ingest(ctx, doc, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.IngestionSucceeded, first.Status)

	again := *doc
	again.ID = uuid.NewString()
	second, err := f.svc.Ingest(ctx, &again, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.IngestionSkipped, second.Status)
	assert.Equal(t, model.SkipDuplicate, second.SkipReason)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	assert.Empty(t, second.Items)
	assert.Equal(t, int32(1), f.ext.calls.Load())
	assert.Len(t, f.records(t, ""), 1)
}

func TestIngest_ForceConfirmsUnchangedTariff(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.doc("SGSIN", "Pilotage USD 250 per call")

	first, err := f.svc.Ingest(ctx, doc, RunOptions{})
	require.NoError(t, err)

	forced := *doc
	forced.ID = uuid.NewString()
	second, err := f.svc.Ingest(ctx, &forced, RunOptions{Force: true})
	require.NoError(t, err)

	assert.Equal(t, model.IngestionSucceeded, second.Status)
	assert.Equal(t, first.DocumentID, second.DocumentID)
	require.Len(t, second.Items, 1)
	assert.Equal(t, model.ItemConfirmed, second.Items[0].Status)
	assert.Equal(t, first.Items[0].RecordID, second.Items[0].RecordID)
	assert.Equal(t, int32(2), f.ext.calls.Load())
	assert.Len(t, f.records(t, ""), 1)
}

func TestIngest_SmallChangeSupersedes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, f.doc("SGSIN", "Pilotage USD 250 per call"), RunOptions{})
	require.NoError(t, err)
	oldID := first.Items[0].RecordID

	res, err := f.svc.Ingest(ctx, f.doc("SGSIN", "Pilotage USD 300 per call"), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.IngestionSucceeded, res.Status)
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.ItemAccepted, res.Items[0].Status)
	assert.Equal(t, oldID, res.Items[0].SupersedesID)

	old, err := f.store.GetTariff(ctx, oldID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordSuperseded, old.Status)
	assert.NotNil(t, old.EffectiveTo)

	active := f.records(t, model.RecordActive)
	require.Len(t, active, 1)
	assert.InDelta(t, 300.0, active[0].Amount, 1e-9)
	require.NotNil(t, active[0].SupersedesID)
	assert.Equal(t, oldID, *active[0].SupersedesID)

	changes := PriceChanges(res)
	require.Len(t, changes, 1)
	assert.InDelta(t, 250.0, changes[0].PreviousAmount, 1e-9)
	assert.InDelta(t, 0.2, changes[0].PercentChange, 1e-9)
}

func TestIngest_LargeChangeGoesToReview(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Ingest(ctx, f.doc("SGSIN", "Pilotage USD 100 per call"), RunOptions{})
	require.NoError(t, err)

	res, err := f.svc.Ingest(ctx, f.doc("SGSIN", "Pilotage USD 160 per call"), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.IngestionPartial, res.Status)
	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, model.ItemReview, item.Status)
	assert.False(t, item.Outcomes.Passed(model.LayerDuplicate))
	require.NotNil(t, item.PercentChange)
	assert.InDelta(t, 0.6, *item.PercentChange, 1e-9)

	active := f.records(t, model.RecordActive)
	require.Len(t, active, 1)
	assert.Equal(t, first.Items[0].RecordID, active[0].ID)
	assert.InDelta(t, 100.0, active[0].Amount, 1e-9)

	review := f.records(t, model.RecordReview)
	require.Len(t, review, 1)
	assert.Equal(t, item.RecordID, review[0].ID)
	assert.Contains(t, review[0].ReviewReason, "DuplicateConflict")
	assert.Contains(t, review[0].ReviewReason, "+60.0%")
}

func TestIngest_OutOfRangeIsRejectedNotPersisted(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Ingest(context.Background(), f.doc("SGSIN", "Pilotage USD 5 per call"), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.IngestionPartial, res.Status)
	require.Len(t, res.Items, 1)
	assert.Equal(t, model.ItemRejected, res.Items[0].Status)
	assert.Empty(t, res.Items[0].RecordID)
	assert.Equal(t, 1, res.Stats.Rejected)
	assert.Empty(t, f.records(t, ""))
}

func TestIngest_ConvertsToBaseCurrency(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Ingest(context.Background(), f.doc("SGSIN", "Pilotage SGD 1350 per call"), RunOptions{})
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	require.NotNil(t, res.Items[0].BaseAmount)
	assert.InDelta(t, 1000.0, *res.Items[0].BaseAmount, 1e-6)

	active := f.records(t, model.RecordActive)
	require.Len(t, active, 1)
	assert.Equal(t, "SGD", active[0].Currency)
	require.NotNil(t, active[0].BaseCurrencyAmount)
	assert.InDelta(t, 1000.0, *active[0].BaseCurrencyAmount, 1e-6)
}

func TestIngest_FallbackManualIsPartial(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.doc("SGSIN", "unreadable scan")

	ext := &fallbackExtractor{}
	f.svc.extractor = ext
	res, err := f.svc.Ingest(ctx, doc, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, model.IngestionPartial, res.Status)
	assert.Empty(t, res.Items)
	require.NotNil(t, res.Extraction)
	assert.Equal(t, model.MethodFallbackManual, res.Extraction.Method)
	assert.Empty(t, f.records(t, ""))

	prior, err := f.store.GetCompletedIngestion(ctx, doc.ContentHash)
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, model.IngestionPartial, prior.Status)
}

type fallbackExtractor struct{}

func (fallbackExtractor) Extract(_ context.Context, doc *model.SourceDocument) (*model.ExtractionResult, error) {
	return &model.ExtractionResult{
		DocumentID: doc.ID,
		Method:     model.MethodFallbackManual,
		Confidence: 0.3,
		Reason:     "OCR confidence 0.30 below 0.40",
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func TestIngest_PermanentExtractionFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.doc("SGSIN", "Pilotage USD 250 per call")
	f.ext.err = resilience.Permanent(resilience.KindExtraction, eris.New("corrupt xref table"))

	res, err := f.svc.Ingest(ctx, doc, RunOptions{})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.IngestionFailed, res.Status)
	assert.False(t, resilience.IsRetryable(err))
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "corrupt xref table")

	stored, err := f.store.GetDocumentByHash(ctx, doc.ContentHash)
	require.NoError(t, err)
	assert.NotNil(t, stored, "failed ingestions keep the document")

	prior, err := f.store.GetCompletedIngestion(ctx, doc.ContentHash)
	require.NoError(t, err)
	assert.Nil(t, prior, "a failed ingestion does not block a retry")
}

func TestIngest_TransientExtractionFailureCommitsNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	doc := f.doc("SGSIN", "Pilotage USD 250 per call")
	f.ext.err = resilience.NewKindError(resilience.KindExtraction, eris.New("blob not readable"))

	res, err := f.svc.Ingest(ctx, doc, RunOptions{})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, resilience.IsRetryable(err))

	stored, err := f.store.GetDocumentByHash(ctx, doc.ContentHash)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

const proseTariff = "Schedule of dues\nPilotage: two hundred fifty dollars per call for vessels to 5000 GT\n"

func TestIngest_LowCoverageWithoutLLM(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Ingest(context.Background(), f.doc("SGSIN", proseTariff), RunOptions{})
	require.NoError(t, err)

	assert.False(t, res.LLMUsed)
	assert.Less(t, res.Coverage, 0.7)
	assert.Equal(t, model.IngestionPartial, res.Status)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "no LLM provider configured")
}

func TestIngest_LowCoverageUsesLLM(t *testing.T) {
	p := &mockProvider{}
	reply := `{"items":[{"charge_type":"PILOTAGE","charge_type_raw":"Pilotage","amount":250,"currency":"USD","unit":"PER_CALL",` +
		`"size_range_min":0,"size_range_max":5000,"size_unit":"GT",` +
		`"source_text":"Pilotage: two hundred fifty dollars per call for vessels to 5000 GT","confidence":0.85}]}`
	p.On("Complete", mock.Anything, mock.Anything).Return(reply, nil)

	f := newFixture(t, p)
	res, err := f.svc.Ingest(context.Background(), f.doc("SGSIN", proseTariff), RunOptions{})
	require.NoError(t, err)

	assert.True(t, res.LLMUsed)
	assert.Empty(t, res.Errors)

	var accepted []model.ItemResult
	for _, it := range res.Items {
		if it.Status == model.ItemAccepted {
			accepted = append(accepted, it)
		}
	}
	require.Len(t, accepted, 1)
	assert.Equal(t, model.CandidateLLM, accepted[0].Candidate.Source)

	rec, err := f.store.GetTariff(context.Background(), accepted[0].RecordID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.SourceLLMStructured, rec.DataSource)
	assert.InDelta(t, 250.0, rec.Amount, 1e-9)
	p.AssertExpectations(t)
}

func TestIngest_LLMChunkFailureIsRecorded(t *testing.T) {
	p := &mockProvider{}
	p.On("Complete", mock.Anything, mock.Anything).Return("I could not find any tariffs.", nil)

	f := newFixture(t, p)
	res, err := f.svc.Ingest(context.Background(), f.doc("SGSIN", proseTariff), RunOptions{})
	require.NoError(t, err)

	assert.True(t, res.LLMUsed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "chunk 0")
	assert.Equal(t, model.IngestionPartial, res.Status)
}

func TestIngestMany(t *testing.T) {
	f := newFixture(t, nil)
	docs := []*model.SourceDocument{
		f.doc("SGSIN", "Pilotage USD 250 per call"),
		f.doc("NLRTM", "Pilotage EUR 900 per call"),
	}

	results, errs := f.svc.IngestMany(context.Background(), docs, RunOptions{})
	require.Len(t, results, 2)
	for i := range docs {
		require.NoError(t, errs[i])
		assert.Equal(t, model.IngestionSucceeded, results[i].Status)
		assert.Equal(t, docs[i].PortCode, results[i].PortCode)
	}
	assert.Len(t, f.records(t, model.RecordActive), 2)
}

func TestNew_BaseCurrencyMismatch(t *testing.T) {
	holder := pattern.NewHolder(pattern.DefaultDictionary())
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	_, err = New(Deps{
		Store:     st,
		Extractor: &textExtractor{},
		Matcher:   pattern.NewMatcher(holder, pattern.Options{}),
		Currency:  currency.NewService(currency.NewStaticProvider("EUR", nil), holder, currency.Options{Base: "EUR"}),
		Validator: validate.New(nil, holder, st, validate.Options{}),
	}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currency.base is EUR")

	_, err = New(Deps{Store: st}, Options{})
	assert.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.LLM.CoverageThreshold = 0.7
	cfg.LLM.Precedence = "pattern"
	cfg.Ingest.MaxConcurrent = 3
	cfg.Currency.Snapshot = true

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, llm.PrecedencePattern, opts.Precedence)
	assert.InDelta(t, 0.7, opts.CoverageThreshold, 1e-9)
	assert.Equal(t, 3, opts.MaxConcurrent)
	assert.True(t, opts.PersistRates)

	cfg.LLM.Precedence = "sometimes"
	_, err = OptionsFromConfig(cfg)
	assert.Error(t, err)
}
