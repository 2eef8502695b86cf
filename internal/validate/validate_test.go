package validate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pattern"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) GetActiveTariff(ctx context.Context, key model.TariffKey) (*model.TariffRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TariffRecord), args.Error(1)
}

func newValidator(lookup ActiveLookup) *Validator {
	return New(DefaultTables(), pattern.NewHolder(pattern.DefaultDictionary()), lookup, Options{
		DuplicateReviewThreshold: 0.3,
		ReviewConfidence:         0.5,
	})
}

func pilotage(amount float64) model.TariffLineItemCandidate {
	return model.TariffLineItemCandidate{
		ChargeType: model.ChargePilotage,
		Amount:     amount,
		Currency:   "USD",
		Unit:       model.UnitPerCall,
		Confidence: 0.9,
		Source:     model.CandidatePattern,
	}
}

func usd(c model.TariffLineItemCandidate) Item {
	return Item{Candidate: c, BaseAmount: model.Float64Ptr(c.Amount)}
}

func TestValidate_Accepted(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("GetActiveTariff", mock.Anything, mock.Anything).Return(nil, nil)

	vd, err := newValidator(lookup).Validate(context.Background(), "SGSIN", usd(pilotage(250)))
	require.NoError(t, err)

	assert.Equal(t, model.ItemAccepted, vd.Status)
	assert.Equal(t, ActionInsert, vd.Action)
	require.Len(t, vd.Outcomes, 4)
	for i, layer := range model.Layers {
		assert.Equal(t, layer, vd.Outcomes[i].Layer)
		assert.True(t, vd.Outcomes[i].Passed, layer)
	}
	lookup.AssertExpectations(t)
}

func TestValidate_AllLayersRunOnRejection(t *testing.T) {
	c := pilotage(0)
	c.Currency = ""
	c.Flags = []string{model.FlagDisagreement}

	vd, err := newValidator(nil).Validate(context.Background(), "SGSIN", Item{Candidate: c})
	require.NoError(t, err)

	assert.Equal(t, model.ItemRejected, vd.Status)
	assert.Equal(t, ActionReject, vd.Action)
	require.Len(t, vd.Outcomes, 4)
	assert.False(t, vd.Outcomes.Passed(model.LayerStructural))
	assert.False(t, vd.Outcomes.Passed(model.LayerRange))
	assert.False(t, vd.Outcomes.Passed(model.LayerConsistency))
	assert.Contains(t, vd.Outcomes[0].Reason, "currency missing")
	assert.Contains(t, vd.Outcomes[0].Reason, "not positive")
}

func TestValidate_RangeRejects(t *testing.T) {
	vd, err := newValidator(nil).Validate(context.Background(), "SGSIN", usd(pilotage(900000)))
	require.NoError(t, err)
	assert.Equal(t, model.ItemRejected, vd.Status)
	assert.False(t, vd.Outcomes.Passed(model.LayerRange))
	assert.Contains(t, vd.Outcomes[1].Reason, "outside [10, 150000]")
}

func TestValidate_RangeUsesQuotedCurrencyRule(t *testing.T) {
	c := pilotage(450000)
	c.Currency = "INR"

	// 450000 INR is out of the USD bound but inside the INR rule.
	vd, err := newValidator(nil).Validate(context.Background(), "INNSA", Item{Candidate: c, BaseAmount: model.Float64Ptr(450000)})
	require.NoError(t, err)
	assert.True(t, vd.Outcomes.Passed(model.LayerRange))
	assert.Equal(t, model.ItemAccepted, vd.Status)
}

func TestValidate_RangeWithoutRateUsesDefault(t *testing.T) {
	c := pilotage(5)
	c.Currency = "EUR"
	it := Item{Candidate: c, CurrencyErr: errors.New("no rate")}

	vd, err := newValidator(nil).Validate(context.Background(), "NLRTM", it)
	require.NoError(t, err)
	assert.True(t, vd.Outcomes.Passed(model.LayerRange))
	assert.False(t, vd.Outcomes.Passed(model.LayerConsistency))
	assert.Contains(t, vd.Outcomes[2].Reason, "no exchange rate for EUR")
	assert.Equal(t, model.ItemReview, vd.Status)
	assert.Equal(t, ActionReview, vd.Action)
}

func TestValidate_Consistency(t *testing.T) {
	tests := []struct {
		name   string
		port   string
		mutate func(c *model.TariffLineItemCandidate)
		reason string
	}{
		{"incompatible unit", "SGSIN", func(c *model.TariffLineItemCandidate) { c.Unit = model.UnitPerTEU }, "unit PER_TEU not used for PILOTAGE"},
		{"size unit without range", "SGSIN", func(c *model.TariffLineItemCandidate) {
			c.Unit = model.UnitPerGT
			c.Amount = 0.5
		}, "PER_GT needs a size range"},
		{"size unit mismatch", "SGSIN", func(c *model.TariffLineItemCandidate) {
			c.Unit = model.UnitPerGT
			c.Amount = 0.5
			c.SizeRangeMax = model.Float64Ptr(50000)
			c.SizeUnit = "DWT"
		}, "PER_GT priced on a DWT size range"},
		{"foreign currency", "SGSIN", func(c *model.TariffLineItemCandidate) { c.Currency = "EUR" }, "currency EUR not used in SG"},
		{"disagreement", "SGSIN", func(c *model.TariffLineItemCandidate) { c.Flags = []string{model.FlagDisagreement} }, "disagree"},
		{"unit assumed", "SGSIN", func(c *model.TariffLineItemCandidate) {
			c.Unit = model.UnitFlatFee
			c.Flags = []string{model.FlagUnitMissing}
		}, "unit not stated"},
		{"low confidence", "SGSIN", func(c *model.TariffLineItemCandidate) { c.Confidence = 0.4 }, "confidence 0.40 below 0.50"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := pilotage(250)
			tt.mutate(&c)
			vd, err := newValidator(nil).Validate(context.Background(), tt.port, usd(c))
			require.NoError(t, err)
			assert.True(t, vd.Outcomes.Persistable())
			assert.False(t, vd.Outcomes.Passed(model.LayerConsistency))
			assert.Contains(t, vd.Outcomes[2].Reason, tt.reason)
			assert.Equal(t, model.ItemReview, vd.Status)
		})
	}
}

func TestValidate_SizeBasedWithRange(t *testing.T) {
	c := pilotage(0.5)
	c.Unit = model.UnitPerGT
	c.SizeRangeMin = model.Float64Ptr(0)
	c.SizeRangeMax = model.Float64Ptr(5000)
	c.SizeUnit = "GT"

	vd, err := newValidator(nil).Validate(context.Background(), "SGSIN", usd(c))
	require.NoError(t, err)
	assert.True(t, vd.Outcomes.Clean(), vd.Reasons())
}

func TestValidate_UnknownCountryAcceptsAnyCurrency(t *testing.T) {
	c := pilotage(250)
	c.Currency = "EUR"
	vd, err := newValidator(nil).Validate(context.Background(), "ZZABC", usd(c))
	require.NoError(t, err)
	assert.True(t, vd.Outcomes.Passed(model.LayerConsistency))
}

func TestValidate_DegradedStaysActive(t *testing.T) {
	it := usd(pilotage(250))
	it.Degraded = true
	vd, err := newValidator(nil).Validate(context.Background(), "SGSIN", it)
	require.NoError(t, err)
	assert.Equal(t, model.ItemDegraded, vd.Status)
	assert.Equal(t, ActionInsert, vd.Action)
}

func activeRecord(amount float64) *model.TariffRecord {
	return &model.TariffRecord{
		ID:         "rec-1",
		PortID:     "SGSIN",
		ChargeType: model.ChargePilotage,
		Amount:     amount,
		Currency:   "USD",
		Unit:       model.UnitPerCall,
		Status:     model.RecordActive,
	}
}

func TestValidate_DuplicateConflictGoesToReview(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("GetActiveTariff", mock.Anything, model.TariffKey{
		PortID: "SGSIN", ChargeType: model.ChargePilotage, Unit: model.UnitPerCall,
	}).Return(activeRecord(100), nil)

	vd, err := newValidator(lookup).Validate(context.Background(), "SGSIN", usd(pilotage(160)))
	require.NoError(t, err)

	assert.Equal(t, model.ItemReview, vd.Status)
	assert.Equal(t, ActionReview, vd.Action)
	assert.False(t, vd.Outcomes.Passed(model.LayerDuplicate))
	assert.Contains(t, vd.Outcomes[3].Reason, "DuplicateConflict")
	assert.Contains(t, vd.Outcomes[3].Reason, "+60.0%")
	require.NotNil(t, vd.Active)
	assert.Equal(t, "rec-1", vd.Active.ID)
	require.NotNil(t, vd.PercentChange)
	assert.InDelta(t, 0.6, *vd.PercentChange, 1e-9)
	assert.InDelta(t, 100.0, *vd.PreviousAmount, 1e-9)
	lookup.AssertExpectations(t)
}

func TestValidate_SmallChangeSupersedes(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("GetActiveTariff", mock.Anything, mock.Anything).Return(activeRecord(100), nil)

	vd, err := newValidator(lookup).Validate(context.Background(), "SGSIN", usd(pilotage(110)))
	require.NoError(t, err)
	assert.Equal(t, model.ItemAccepted, vd.Status)
	assert.Equal(t, ActionSupersede, vd.Action)
	assert.InDelta(t, 0.1, *vd.PercentChange, 1e-9)
}

func TestValidate_IdenticalConfirms(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("GetActiveTariff", mock.Anything, mock.Anything).Return(activeRecord(250), nil)

	c := pilotage(250)
	c.Confidence = 0.3
	vd, err := newValidator(lookup).Validate(context.Background(), "SGSIN", usd(c))
	require.NoError(t, err)
	assert.Equal(t, model.ItemConfirmed, vd.Status)
	assert.Equal(t, ActionConfirm, vd.Action)
}

func TestValidate_CurrencyChangeNeedsBaseAmounts(t *testing.T) {
	lookup := &mockLookup{}
	active := activeRecord(100)
	lookup.On("GetActiveTariff", mock.Anything, mock.Anything).Return(active, nil)

	c := pilotage(92)
	c.Currency = "SGD"
	vd, err := newValidator(lookup).Validate(context.Background(), "SGSIN", Item{Candidate: c, BaseAmount: model.Float64Ptr(68)})
	require.NoError(t, err)
	assert.Equal(t, model.ItemReview, vd.Status)
	assert.Contains(t, vd.Outcomes[3].Reason, "currency changed")

	active.BaseCurrencyAmount = model.Float64Ptr(100)
	vd, err = newValidator(lookup).Validate(context.Background(), "SGSIN", Item{Candidate: c, BaseAmount: model.Float64Ptr(95)})
	require.NoError(t, err)
	assert.Equal(t, ActionSupersede, vd.Action)
	assert.InDelta(t, -0.05, *vd.PercentChange, 1e-9)
}

func TestValidate_LookupError(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("GetActiveTariff", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := newValidator(lookup).Validate(context.Background(), "SGSIN", usd(pilotage(250)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestValidateDocument_SameKeyTwice(t *testing.T) {
	lookup := &mockLookup{}
	lookup.On("GetActiveTariff", mock.Anything, mock.Anything).Return(nil, nil)

	first, second := usd(pilotage(250)), usd(pilotage(260))
	first.Index, second.Index = 0, 1
	other := usd(pilotage(400))
	other.Index = 2
	other.Candidate.SizeRangeMin = model.Float64Ptr(5000)

	verdicts, err := newValidator(lookup).ValidateDocument(context.Background(), "SGSIN", []Item{first, second, other})
	require.NoError(t, err)
	require.Len(t, verdicts, 3)

	assert.Equal(t, ActionInsert, verdicts[0].Action)
	assert.Equal(t, ActionReview, verdicts[1].Action)
	assert.Contains(t, verdicts[1].Outcomes[3].Reason, "same charge as item 0")
	assert.Equal(t, ActionInsert, verdicts[2].Action)
}

func TestTables(t *testing.T) {
	tables := DefaultTables()
	assert.Equal(t, "USD", tables.BaseCurrency)

	r, ok := tables.Match(model.ChargePortDues, model.UnitPerGT, "USD")
	require.True(t, ok)
	assert.Equal(t, model.UnitPerGT, r.Unit)
	assert.InDelta(t, 25.0, r.Max, 1e-9)

	r, ok = tables.Match(model.ChargePortDues, model.UnitPerCall, "USD")
	require.True(t, ok)
	assert.Empty(t, r.Unit)

	r, ok = tables.Match(model.ChargePortDues, model.UnitPerGT, "inr")
	require.True(t, ok)
	assert.Equal(t, "INR", r.Currency)

	_, ok = tables.Match(model.ChargeOther, model.UnitPerCall, "USD")
	assert.False(t, ok)

	assert.True(t, tables.UnitAllowed(model.ChargeOther, model.UnitPerTEU))
	assert.False(t, tables.UnitAllowed(model.ChargeQuarantine, model.UnitPerTEU))

	u, ok := tables.SizeUnitFor(model.UnitPerDWT)
	require.True(t, ok)
	assert.Equal(t, "DWT", u)
}

func TestLoadTables(t *testing.T) {
	tables, err := LoadTables("")
	require.NoError(t, err)
	assert.NotEmpty(t, tables.Rules)

	path := filepath.Join(t.TempDir(), "ranges.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_currency: eur
default: {min: 1, max: 10}
rules:
  - charge_type: PILOTAGE
    min: 2
    max: 3
`), 0o644))
	tables, err = LoadTables(path)
	require.NoError(t, err)
	assert.Equal(t, "EUR", tables.BaseCurrency)
	require.Len(t, tables.Rules, 1)
	assert.InDelta(t, 3.0, tables.Rules[0].Max, 1e-9)

	for name, doc := range map[string]string{
		"no base":      "default: {min: 1, max: 10}\n",
		"bad default":  "base_currency: USD\ndefault: {min: 5, max: 1}\n",
		"no charge":    "base_currency: USD\ndefault: {min: 1, max: 10}\nrules:\n  - {min: 1, max: 2}\n",
		"inverted":     "base_currency: USD\ndefault: {min: 1, max: 10}\nrules:\n  - {charge_type: PILOTAGE, min: 3, max: 2}\n",
		"invalid yaml": "rules: [",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTables([]byte(doc))
			assert.Error(t, err)
		})
	}

	_, err = LoadTables(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
