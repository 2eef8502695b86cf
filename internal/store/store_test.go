package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDocument(hash string) *model.SourceDocument {
	return &model.SourceDocument{
		ID:           "doc-" + hash,
		PortCode:     "SGSIN",
		BlobPath:     "blobs/" + hash,
		ContentHash:  hash,
		DocumentType: model.DocumentDigitalPDF,
		SourceURL:    "https://www.mpa.gov.sg/tariffs.pdf",
		RetrievedAt:  t0,
	}
}

func testRecord(id string, amount float64, status model.RecordStatus) *model.TariffRecord {
	return &model.TariffRecord{
		ID:              id,
		PortID:          "SGSIN",
		ChargeType:      model.ChargePilotage,
		Amount:          amount,
		Currency:        "USD",
		BaseCurrency:    "USD",
		Unit:            model.UnitPerCall,
		SizeRangeMin:    model.Float64Ptr(0),
		SizeRangeMax:    model.Float64Ptr(5000),
		SizeUnit:        "GT",
		DataSource:      model.SourceRealScraped,
		EffectiveDate:   t0,
		ConfidenceScore: 0.9,
		Status:          status,
		DocumentID:      "doc-h1",
		SourceSpan:      model.Span{Offset: 10, Length: 42},
		RawText:         "Pilotage USD 250 per call, 0-5000GT",
		CreatedAt:       t0,
	}
}

func testResult(hash string, status model.IngestionStatus) *model.IngestionResult {
	return &model.IngestionResult{
		DocumentID:  "doc-" + hash,
		ContentHash: hash,
		PortCode:    "SGSIN",
		Status:      status,
		StartedAt:   t0,
		CompletedAt: t0.Add(time.Second),
	}
}

func testJob(hash string, maxAttempts int) *model.IngestionJob {
	return &model.IngestionJob{
		DocumentID:  "doc-" + hash,
		ContentHash: hash,
		PortCode:    "SGSIN",
		MaxAttempts: maxAttempts,
		ScheduledAt: t0,
	}
}

// storeTestSuite runs behavioral tests against any Store implementation.
func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SaveDocument_IdempotentByHash", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.SaveDocument(ctx, testDocument("h1"))
		require.NoError(t, err)
		dup := testDocument("h1")
		dup.ID = "doc-other"
		second, err := s.SaveDocument(ctx, dup)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.True(t, first.RetrievedAt.Equal(t0))

		got, err := s.GetDocument(ctx, "doc-h1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.DocumentDigitalPDF, got.DocumentType)

		missing, err := s.GetDocumentByHash(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("CommitIngestion_InsertAndSupersede", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CommitIngestion(ctx, &IngestionBatch{
			Document: testDocument("h1"),
			Extraction: &model.ExtractionResult{
				DocumentID: "doc-h1", Method: model.MethodTextLayer, RawText: "Pilotage USD 250",
				Confidence: 0.9, PageCount: 1, CreatedAt: t0,
			},
			Records: []RecordWrite{{Record: testRecord("r1", 250, model.RecordActive)}},
			Result:  testResult("h1", model.IngestionSucceeded),
		}))

		active, err := s.GetActiveTariff(ctx, testRecord("", 0, "").Key())
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, "r1", active.ID)
		assert.InDelta(t, 5000, *active.SizeRangeMax, 1e-9)

		next := testRecord("r2", 260, model.RecordActive)
		next.EffectiveDate = t0.Add(24 * time.Hour)
		next.SupersedesID = model.StringPtr("r1")
		next.DocumentID = "doc-h2"
		require.NoError(t, s.CommitIngestion(ctx, &IngestionBatch{
			Document: testDocument("h2"),
			Records:  []RecordWrite{{Record: next, SupersedeID: "r1"}},
			Result:   testResult("h2", model.IngestionSucceeded),
		}))

		old, err := s.GetTariff(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.RecordSuperseded, old.Status)
		require.NotNil(t, old.EffectiveTo)
		assert.True(t, old.EffectiveTo.Equal(next.EffectiveDate))

		active, err = s.GetActiveTariff(ctx, next.Key())
		require.NoError(t, err)
		assert.Equal(t, "r2", active.ID)
		assert.Equal(t, "r1", *active.SupersedesID)

		extraction, err := s.GetExtraction(ctx, "doc-h1")
		require.NoError(t, err)
		require.NotNil(t, extraction)
		assert.Equal(t, model.MethodTextLayer, extraction.Method)

		done, err := s.GetCompletedIngestion(ctx, "h2")
		require.NoError(t, err)
		require.NotNil(t, done)
		assert.Equal(t, model.IngestionSucceeded, done.Status)
	})

	t.Run("CommitIngestion_LostSupersedeRaceRollsBack", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CommitIngestion(ctx, &IngestionBatch{
			Records: []RecordWrite{{Record: testRecord("r1", 250, model.RecordActive)}},
		}))
		second := testRecord("r2", 260, model.RecordActive)
		require.NoError(t, s.CommitIngestion(ctx, &IngestionBatch{
			Records: []RecordWrite{{Record: second, SupersedeID: "r1"}},
		}))

		// A writer that read r1 as active before the commit above.
		stale := testRecord("r3", 270, model.RecordActive)
		err := s.CommitIngestion(ctx, &IngestionBatch{
			Document: testDocument("h3"),
			Records:  []RecordWrite{{Record: stale, SupersedeID: "r1"}},
			Result:   testResult("h3", model.IngestionSucceeded),
		})
		require.Error(t, err)
		assert.True(t, resilience.IsKind(err, resilience.KindStoreConflict))
		assert.True(t, resilience.IsRetryable(err))

		got, err := s.GetTariff(ctx, "r3")
		require.NoError(t, err)
		assert.Nil(t, got)
		doc, err := s.GetDocumentByHash(ctx, "h3")
		require.NoError(t, err)
		assert.Nil(t, doc, "document insert must roll back with the batch")
	})

	t.Run("CommitIngestion_SecondActiveForKeyConflicts", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CommitIngestion(ctx, &IngestionBatch{
			Records: []RecordWrite{{Record: testRecord("r1", 250, model.RecordActive)}},
		}))
		err := s.CommitIngestion(ctx, &IngestionBatch{
			Records: []RecordWrite{{Record: testRecord("r2", 250, model.RecordActive)}},
		})
		require.Error(t, err)
		assert.True(t, resilience.IsKind(err, resilience.KindStoreConflict))
	})

	t.Run("ReviewRecordsShareKeyWithActive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		review := testRecord("r2", 400, model.RecordReview)
		review.ReviewReason = "duplicate: amount changed by 60%"
		require.NoError(t, s.CommitIngestion(ctx, &IngestionBatch{
			Records: []RecordWrite{
				{Record: testRecord("r1", 250, model.RecordActive)},
				{Record: review},
			},
		}))

		list, err := s.ListTariffs(ctx, model.TariffFilter{Status: model.RecordReview})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "r2", list[0].ID)
		assert.Equal(t, review.ReviewReason, list[0].ReviewReason)
	})

	t.Run("ResolveReview_ApproveSupersedesActive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.CommitIngestion(ctx, &IngestionBatch{
			Records: []RecordWrite{
				{Record: testRecord("r1", 250, model.RecordActive)},
				{Record: testRecord("r2", 400, model.RecordReview)},
			},
		}))

		approved := testRecord("r2", 380, model.RecordActive)
		approved.DataSource = model.SourceManual
		approved.SupersedesID = model.StringPtr("r1")
		approved.ConfidenceScore = 1
		require.NoError(t, s.ResolveReview(ctx, ReviewResolution{Record: approved, SupersedeID: "r1", At: t0.Add(time.Hour)}))

		active, err := s.GetActiveTariff(ctx, approved.Key())
		require.NoError(t, err)
		assert.Equal(t, "r2", active.ID)
		assert.InDelta(t, 380, active.Amount, 1e-9)
		assert.Equal(t, model.SourceManual, active.DataSource)

		old, err := s.GetTariff(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, model.RecordSuperseded, old.Status)

		err = s.ResolveReview(ctx, ReviewResolution{Record: approved, At: t0})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "review record not found")
	})

	t.Run("TariffStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		llm := testRecord("r2", 90, model.RecordActive)
		llm.ChargeType = model.ChargeTowage
		llm.DataSource = model.SourceLLMStructured
		llm.ConfidenceScore = 0.7
		llm.Degraded = true
		require.NoError(t, s.CommitIngestion(ctx, &IngestionBatch{
			Records: []RecordWrite{
				{Record: testRecord("r1", 250, model.RecordActive)},
				{Record: llm},
				{Record: testRecord("r3", 999, model.RecordReview)},
			},
		}))

		st, err := s.TariffStats(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 3, st.Total)
		assert.Equal(t, 2, st.Active)
		assert.Equal(t, 1, st.RealScraped)
		assert.Equal(t, 1, st.LLMStructured)
		assert.Equal(t, 1, st.ReviewPending)
		assert.Equal(t, 1, st.Degraded)
		assert.InDelta(t, 0.8, st.AverageConfidence, 1e-9)
		assert.InDelta(t, 50, st.CoveragePercent, 1e-9)

		other, err := s.TariffStats(ctx, "NLRTM")
		require.NoError(t, err)
		assert.Zero(t, other.Total)
		assert.Zero(t, other.CoveragePercent)
	})

	t.Run("EnqueueJob_OneOpenJobPerHash", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, created, err := s.EnqueueJob(ctx, testJob("h1", 3))
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, model.JobPending, first.Status)

		again, created, err := s.EnqueueJob(ctx, testJob("h1", 3))
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, again.ID)

		open, err := s.HasOpenJob(ctx, "h1")
		require.NoError(t, err)
		assert.True(t, open)
		open, err = s.HasOpenJob(ctx, "h2")
		require.NoError(t, err)
		assert.False(t, open)
	})

	t.Run("ClaimJob_LifecycleAndBackoffGate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		lock := 30 * time.Minute

		job, _, err := s.EnqueueJob(ctx, testJob("h1", 3))
		require.NoError(t, err)

		claimed, err := s.ClaimJob(ctx, "w1", t0.Add(time.Minute), lock)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, job.ID, claimed.ID)
		assert.Equal(t, model.JobInProgress, claimed.Status)
		assert.Equal(t, 1, claimed.AttemptCount)
		assert.Equal(t, "w1", claimed.LockedBy)

		none, err := s.ClaimJob(ctx, "w2", t0.Add(2*time.Minute), lock)
		require.NoError(t, err)
		assert.Nil(t, none, "a locked job is not claimable")

		// Transient failure: back to pending, gated ten seconds out.
		claimed.Status = model.JobPending
		claimed.LastError = "ExtractionFailure: read timeout"
		claimed.ErrorHistory = append(claimed.ErrorHistory, model.JobError{Attempt: 1, Error: claimed.LastError, Transient: true, At: t0})
		claimed.ScheduledAt = t0.Add(time.Minute + 10*time.Second)
		claimed.UpdatedAt = t0.Add(time.Minute)
		require.NoError(t, s.ReleaseJob(ctx, claimed, "w1"))

		none, err = s.ClaimJob(ctx, "w1", t0.Add(time.Minute+5*time.Second), lock)
		require.NoError(t, err)
		assert.Nil(t, none, "job is not due until its backoff elapses")

		again, err := s.ClaimJob(ctx, "w2", t0.Add(time.Minute+10*time.Second), lock)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.AttemptCount)
		require.Len(t, again.ErrorHistory, 1)
		assert.True(t, again.ErrorHistory[0].Transient)

		err = s.ReleaseJob(ctx, again, "w1")
		require.Error(t, err, "only the lock holder may release")

		again.Status = model.JobSucceeded
		again.Result = testResult("h1", model.IngestionSucceeded)
		require.NoError(t, s.ReleaseJob(ctx, again, "w2"))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobSucceeded, got.Status)
		assert.Empty(t, got.LockedBy)
		assert.Nil(t, got.LockedAt)
		require.NotNil(t, got.Result)
		assert.Equal(t, model.IngestionSucceeded, got.Result.Status)

		// Closed jobs free the hash for a new job.
		_, created, err := s.EnqueueJob(ctx, testJob("h1", 3))
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("ClaimJob_ExpiredLockReclaimedThenReaped", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		lock := 10 * time.Minute

		job, _, err := s.EnqueueJob(ctx, testJob("h1", 2))
		require.NoError(t, err)

		_, err = s.ClaimJob(ctx, "crashed", t0, lock)
		require.NoError(t, err)

		reclaimed, err := s.ClaimJob(ctx, "w2", t0.Add(11*time.Minute), lock)
		require.NoError(t, err)
		require.NotNil(t, reclaimed)
		assert.Equal(t, 2, reclaimed.AttemptCount)
		assert.Equal(t, "w2", reclaimed.LockedBy)

		// The final attempt's worker also dies; the lock can't be re-claimed.
		none, err := s.ClaimJob(ctx, "w3", t0.Add(30*time.Minute), lock)
		require.NoError(t, err)
		assert.Nil(t, none)

		reaped, err := s.ReapStaleJobs(ctx, t0.Add(30*time.Minute), lock)
		require.NoError(t, err)
		require.Len(t, reaped, 1)
		assert.Equal(t, job.ID, reaped[0].ID)
		assert.Equal(t, model.JobFailed, reaped[0].Status)
		assert.Equal(t, "lock expired after final attempt", reaped[0].LastError)
		assert.Equal(t, 2, reaped[0].AttemptCount)
	})

	t.Run("RequeueJob", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		job, _, err := s.EnqueueJob(ctx, testJob("h1", 1))
		require.NoError(t, err)
		claimed, err := s.ClaimJob(ctx, "w1", t0, time.Minute)
		require.NoError(t, err)
		claimed.Status = model.JobFailed
		claimed.LastError = "JobRetryExhausted"
		require.NoError(t, s.ReleaseJob(ctx, claimed, "w1"))

		require.NoError(t, s.RequeueJob(ctx, job.ID, t0.Add(time.Hour)))
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobPending, got.Status)
		assert.Zero(t, got.AttemptCount)
		assert.Empty(t, got.LastError)

		err = s.RequeueJob(ctx, job.ID, t0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed job not found")
	})

	t.Run("RequeueJob_OpenJobExists", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		job, _, err := s.EnqueueJob(ctx, testJob("h1", 1))
		require.NoError(t, err)
		claimed, err := s.ClaimJob(ctx, "w1", t0, time.Minute)
		require.NoError(t, err)
		claimed.Status = model.JobFailed
		require.NoError(t, s.ReleaseJob(ctx, claimed, "w1"))

		_, created, err := s.EnqueueJob(ctx, testJob("h1", 1))
		require.NoError(t, err)
		require.True(t, created)

		err = s.RequeueJob(ctx, job.ID, t0)
		assert.ErrorIs(t, err, ErrOpenJobExists)
	})

	t.Run("ListAndCountJobs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, h := range []string{"h1", "h2", "h3"} {
			_, _, err := s.EnqueueJob(ctx, testJob(h, 3))
			require.NoError(t, err)
		}
		_, err := s.ClaimJob(ctx, "w1", t0, time.Minute)
		require.NoError(t, err)

		pending, err := s.ListJobs(ctx, model.JobFilter{Status: model.JobPending})
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		limited, err := s.ListJobs(ctx, model.JobFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)

		counts, err := s.CountJobs(ctx, t0.Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, counts[model.JobPending])
		assert.Equal(t, 1, counts[model.JobInProgress])
	})

	t.Run("DeadLetterQueue", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		job := testJob("h1", 3)
		job.ID = "job-1"
		job.AttemptCount = 3
		job.ErrorHistory = []model.JobError{{Attempt: 3, Error: "timeout", Transient: true}}
		require.NoError(t, s.EnqueueDLQ(ctx, resilience.NewDLQEntry(job, resilience.NewTransientError(errors.New("read timeout"), 0), t0)))

		other := testJob("h2", 3)
		other.ID = "job-2"
		other.PortCode = "NLRTM"
		require.NoError(t, s.EnqueueDLQ(ctx, resilience.NewDLQEntry(other, resilience.Permanent(resilience.KindExtraction, assert.AnError), t0)))

		n, err := s.CountDLQ(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		entries, err := s.ListDLQ(ctx, resilience.DLQFilter{PortCode: "SGSIN"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, resilience.KindRetryExhausted, entries[0].Kind)
		require.Len(t, entries[0].ErrorHistory, 1)

		permanent, err := s.ListDLQ(ctx, resilience.DLQFilter{ErrorType: "permanent"})
		require.NoError(t, err)
		require.Len(t, permanent, 1)
		assert.Equal(t, "job-2", permanent[0].JobID)

		require.NoError(t, s.MarkDLQRequeued(ctx, "job-1", t0.Add(time.Hour)))
		n, err = s.CountDLQ(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("Rates_SaveAndLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SaveRates(ctx, []model.ExchangeRate{
			{Base: "SGD", Quote: "USD", Rate: 0.74, AsOf: t0, Source: "static"},
			{Base: "EUR", Quote: "USD", Rate: 1.08, AsOf: t0, Source: "static"},
		}))
		require.NoError(t, s.SaveRates(ctx, []model.ExchangeRate{
			{Base: "SGD", Quote: "USD", Rate: 0.75, AsOf: t0.Add(time.Hour), Source: "http"},
		}))

		rates, err := s.LoadRates(ctx)
		require.NoError(t, err)
		require.Len(t, rates, 2)
		assert.Equal(t, "EUR/USD", rates[0].Pair())
		assert.InDelta(t, 0.75, rates[1].Rate, 1e-9)
		assert.True(t, rates[1].AsOf.Equal(t0.Add(time.Hour)))
	})

	t.Run("SourceState_RoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		got, err := s.GetSourceState(ctx, "mpa-sg")
		require.NoError(t, err)
		assert.Nil(t, got)

		checked := t0
		require.NoError(t, s.SaveSourceState(ctx, &model.SourceState{Name: "mpa-sg", ETag: `"abc"`, LastCheckedAt: &checked}))
		enq := t0.Add(time.Minute)
		require.NoError(t, s.SaveSourceState(ctx, &model.SourceState{Name: "mpa-sg", ETag: `"def"`, LastHash: "h1", LastCheckedAt: &enq, LastEnqueued: &enq}))

		got, err = s.GetSourceState(ctx, "mpa-sg")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, `"def"`, got.ETag)
		assert.Equal(t, "h1", got.LastHash)
		require.NotNil(t, got.LastEnqueued)
		assert.True(t, got.LastEnqueued.Equal(enq))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, func(t *testing.T) Store {
		return newTestSQLiteStore(t)
	})
}
