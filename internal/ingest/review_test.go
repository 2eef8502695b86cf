package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
)

// seedReview leaves one active pilotage record at 100 USD and one review
// record at 160 USD.
func seedReview(t *testing.T, f *fixture) (activeID, reviewID string) {
	t.Helper()
	ctx := context.Background()
	first, err := f.svc.Ingest(ctx, f.doc("SGSIN", "Pilotage USD 100 per call"), RunOptions{})
	require.NoError(t, err)
	second, err := f.svc.Ingest(ctx, f.doc("SGSIN", "Pilotage USD 160 per call"), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, model.ItemReview, second.Items[0].Status)
	return first.Items[0].RecordID, second.Items[0].RecordID
}

func TestListReview(t *testing.T) {
	f := newFixture(t, nil)
	_, reviewID := seedReview(t, f)

	recs, err := f.svc.ListReview(context.Background(), "SGSIN", 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, reviewID, recs[0].ID)

	recs, err = f.svc.ListReview(context.Background(), "NLRTM", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestApprove_SupersedesActive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	activeID, reviewID := seedReview(t, f)

	rec, err := f.svc.Approve(ctx, reviewID, ApproveOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.RecordActive, rec.Status)
	assert.Empty(t, rec.ReviewReason)
	require.NotNil(t, rec.SupersedesID)
	assert.Equal(t, activeID, *rec.SupersedesID)
	assert.Equal(t, model.SourceRealScraped, rec.DataSource)

	old, err := f.store.GetTariff(ctx, activeID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordSuperseded, old.Status)

	active := f.records(t, model.RecordActive)
	require.Len(t, active, 1)
	assert.Equal(t, reviewID, active[0].ID)
	assert.InDelta(t, 160.0, active[0].Amount, 1e-9)
	assert.Empty(t, f.records(t, model.RecordReview))
}

func TestApprove_AmountOverrideIsManual(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, reviewID := seedReview(t, f)

	rec, err := f.svc.Approve(ctx, reviewID, ApproveOptions{Amount: model.Float64Ptr(125)})
	require.NoError(t, err)

	stored, err := f.store.GetTariff(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordActive, stored.Status)
	assert.Equal(t, model.SourceManual, stored.DataSource)
	assert.InDelta(t, 125.0, stored.Amount, 1e-9)
	assert.InDelta(t, 1.0, stored.ConfidenceScore, 1e-9)
	require.NotNil(t, stored.BaseCurrencyAmount)
	assert.InDelta(t, 125.0, *stored.BaseCurrencyAmount, 1e-9)
}

func TestApprove_InvalidAmount(t *testing.T) {
	f := newFixture(t, nil)
	_, reviewID := seedReview(t, f)

	_, err := f.svc.Approve(context.Background(), reviewID, ApproveOptions{Amount: model.Float64Ptr(-3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount must be positive")
	assert.Len(t, f.records(t, model.RecordReview), 1)
}

func TestReject(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	activeID, reviewID := seedReview(t, f)

	rec, err := f.svc.Reject(ctx, reviewID, "typo in source")
	require.NoError(t, err)
	assert.Equal(t, model.RecordRejected, rec.Status)

	stored, err := f.store.GetTariff(ctx, reviewID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordRejected, stored.Status)
	assert.Equal(t, "typo in source", stored.ReviewReason)

	active, err := f.store.GetTariff(ctx, activeID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordActive, active.Status)

	_, err = f.svc.Approve(ctx, reviewID, ApproveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in review")
}

func TestApprove_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Approve(context.Background(), "missing", ApproveOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	seedReview(t, f)

	st, err := f.svc.Stats(context.Background(), "SGSIN")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.ReviewPending)
}

func TestPriceChanges_SortsByMagnitude(t *testing.T) {
	res := &model.IngestionResult{Items: []model.ItemResult{
		{Index: 0, PreviousAmount: model.Float64Ptr(100), PercentChange: model.Float64Ptr(0.1), Candidate: model.TariffLineItemCandidate{Amount: 110}},
		{Index: 1, PreviousAmount: model.Float64Ptr(100), PercentChange: model.Float64Ptr(0), Candidate: model.TariffLineItemCandidate{Amount: 100}},
		{Index: 2, PreviousAmount: model.Float64Ptr(100), PercentChange: model.Float64Ptr(-0.4), Candidate: model.TariffLineItemCandidate{Amount: 60}},
		{Index: 3, Candidate: model.TariffLineItemCandidate{Amount: 10}},
	}}

	changes := PriceChanges(res)
	require.Len(t, changes, 2)
	assert.Equal(t, 2, changes[0].Index)
	assert.Equal(t, 0, changes[1].Index)
	assert.Nil(t, PriceChanges(nil))
}
