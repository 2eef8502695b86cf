// Package validate runs the four validation layers over tariff candidates
// and decides each item's disposition.
package validate

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pattern"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// ActiveLookup finds the current active record for a key.
type ActiveLookup interface {
	GetActiveTariff(ctx context.Context, key model.TariffKey) (*model.TariffRecord, error)
}

// Action is what the caller must do with a validated item.
type Action string

const (
	// ActionReject drops the item; it failed a gating layer.
	ActionReject Action = "reject"
	// ActionInsert stores a new active record; no active record exists.
	ActionInsert Action = "insert"
	// ActionSupersede stores a new active record replacing Active.
	ActionSupersede Action = "supersede"
	// ActionConfirm stores nothing; the active record already says the same.
	ActionConfirm Action = "confirm"
	// ActionReview stores the item with review status.
	ActionReview Action = "review"
)

// Options tunes the validator.
type Options struct {
	// DuplicateReviewThreshold is the relative amount change above which a
	// replacement of an active record needs review (0.3 = 30%).
	DuplicateReviewThreshold float64
	// ReviewConfidence sends items below this confidence to review.
	ReviewConfidence float64
}

// OptionsFromConfig maps validate.* settings.
func OptionsFromConfig(cfg config.ValidateConfig) Options {
	return Options{
		DuplicateReviewThreshold: cfg.DuplicateReviewThreshold,
		ReviewConfidence:         cfg.ReviewConfidence,
	}
}

// Item is one candidate with the currency context the ingestion service
// resolved for it.
type Item struct {
	Index     int
	Candidate model.TariffLineItemCandidate
	// BaseAmount is the amount in the base currency, nil when no rate was
	// available.
	BaseAmount  *float64
	Degraded    bool
	CurrencyErr error
}

// Verdict is the validator's decision for one item.
type Verdict struct {
	Outcomes       model.Outcomes
	Status         model.ItemStatus
	Action         Action
	Active         *model.TariffRecord
	PreviousAmount *float64
	PercentChange  *float64
}

// Reasons lists the failure reasons across all layers.
func (v Verdict) Reasons() []string { return v.Outcomes.Reasons() }

// Validator checks candidates against the range tables, the dictionary and
// the store's active records.
type Validator struct {
	tables *Tables
	dict   *pattern.Holder
	lookup ActiveLookup
	opts   Options
}

// New creates a validator.
func New(tables *Tables, dict *pattern.Holder, lookup ActiveLookup, opts Options) *Validator {
	if tables == nil {
		tables = DefaultTables()
	}
	if opts.DuplicateReviewThreshold <= 0 {
		opts.DuplicateReviewThreshold = 0.3
	}
	return &Validator{tables: tables, dict: dict, lookup: lookup, opts: opts}
}

// Tables returns the range and compatibility tables in use.
func (v *Validator) Tables() *Tables { return v.tables }

// ValidateDocument validates every item of one document for port. Every
// layer runs for every item. Items that would become active for a key
// already claimed by an earlier item in the same document fail the duplicate
// layer. A store error aborts the document.
func (v *Validator) ValidateDocument(ctx context.Context, port string, items []Item) ([]Verdict, error) {
	claimed := make(map[string]int)
	out := make([]Verdict, len(items))
	for i, it := range items {
		vd, err := v.Validate(ctx, port, it)
		if err != nil {
			return nil, err
		}
		if vd.Action == ActionInsert || vd.Action == ActionSupersede || vd.Action == ActionConfirm {
			key := it.Candidate.Key(port).String()
			if prev, ok := claimed[key]; ok {
				setOutcome(&vd, model.LayerDuplicate, false,
					fmt.Sprintf("same charge as item %d in this document", prev))
				vd.Status, vd.Action = model.ItemReview, ActionReview
			} else {
				claimed[key] = it.Index
			}
		}
		out[i] = vd
	}
	return out, nil
}

// Validate runs all four layers for one item and decides its disposition.
// An item identical to the active record is confirmed even when the
// consistency layer flags it.
func (v *Validator) Validate(ctx context.Context, port string, it Item) (Verdict, error) {
	c := &it.Candidate
	vd := Verdict{Outcomes: make(model.Outcomes, 0, len(model.Layers))}

	vd.Outcomes = append(vd.Outcomes, v.structural(it.Index, c))
	vd.Outcomes = append(vd.Outcomes, v.rangeCheck(it))
	vd.Outcomes = append(vd.Outcomes, v.consistency(port, it))

	dup, err := v.duplicate(ctx, port, it, &vd)
	if err != nil {
		return Verdict{}, err
	}
	vd.Outcomes = append(vd.Outcomes, dup)

	switch {
	case !vd.Outcomes.Persistable():
		vd.Status, vd.Action = model.ItemRejected, ActionReject
	case vd.Action == ActionConfirm:
		vd.Status = model.ItemConfirmed
	case !vd.Outcomes.Passed(model.LayerConsistency) || !vd.Outcomes.Passed(model.LayerDuplicate):
		vd.Status, vd.Action = model.ItemReview, ActionReview
	case it.Degraded:
		vd.Status = model.ItemDegraded
	default:
		vd.Status = model.ItemAccepted
	}
	return vd, nil
}

func (v *Validator) structural(idx int, c *model.TariffLineItemCandidate) model.ValidationOutcome {
	var problems []string
	if c.ChargeType == "" {
		problems = append(problems, "charge type missing")
	}
	if c.Amount <= 0 || math.IsNaN(c.Amount) || math.IsInf(c.Amount, 0) {
		problems = append(problems, fmt.Sprintf("amount %g is not positive", c.Amount))
	}
	if c.AmountMax != nil && *c.AmountMax < c.Amount {
		problems = append(problems, "amount max below amount")
	}
	switch {
	case c.Currency == "":
		problems = append(problems, "currency missing")
	case !v.dict.Load().IsCurrency(c.Currency):
		problems = append(problems, fmt.Sprintf("currency %s not recognized", c.Currency))
	}
	if c.Unit == "" {
		problems = append(problems, "unit missing")
	}
	if c.SizeRangeMin != nil && c.SizeRangeMax != nil && *c.SizeRangeMin > *c.SizeRangeMax {
		problems = append(problems, "size range min above max")
	}
	return outcome(idx, model.LayerStructural, problems)
}

// rangeCheck applies the most specific rule. Quoted-currency rules compare
// the amount as quoted; base rules compare the converted amount and fall
// back to the default bound on the quoted amount when no rate is known.
func (v *Validator) rangeCheck(it Item) model.ValidationOutcome {
	c := &it.Candidate
	if c.Amount <= 0 {
		return outcome(it.Index, model.LayerRange, []string{"no amount to check"})
	}

	rule, ok := v.tables.Match(c.ChargeType, c.Unit, c.Currency)
	switch {
	case ok && rule.Currency != "":
		return boundOutcome(it.Index, c.Amount, c.Currency, rule.Bound)
	case ok && it.BaseAmount != nil:
		return boundOutcome(it.Index, *it.BaseAmount, v.tables.BaseCurrency, rule.Bound)
	case it.BaseAmount != nil:
		return boundOutcome(it.Index, *it.BaseAmount, v.tables.BaseCurrency, v.tables.Default)
	default:
		return boundOutcome(it.Index, c.Amount, c.Currency, v.tables.Default)
	}
}

func boundOutcome(idx int, amount float64, currency string, b Bound) model.ValidationOutcome {
	if b.Contains(amount) {
		return outcome(idx, model.LayerRange, nil)
	}
	return outcome(idx, model.LayerRange, []string{
		fmt.Sprintf("%s %g outside [%g, %g]", currency, amount, b.Min, b.Max),
	})
}

func (v *Validator) consistency(port string, it Item) model.ValidationOutcome {
	c := &it.Candidate
	var problems []string

	if !v.tables.UnitAllowed(c.ChargeType, c.Unit) {
		problems = append(problems, fmt.Sprintf("unit %s not used for %s", c.Unit, c.ChargeType))
	}
	if c.HasFlag(model.FlagUnitMissing) {
		problems = append(problems, "unit not stated, assumed "+string(c.Unit))
	}
	if want, ok := v.tables.SizeUnitFor(c.Unit); ok {
		switch {
		case c.SizeRangeMin == nil && c.SizeRangeMax == nil:
			problems = append(problems, fmt.Sprintf("%s needs a size range", c.Unit))
		case c.SizeUnit != "" && !strings.EqualFold(c.SizeUnit, want):
			problems = append(problems, fmt.Sprintf("%s priced on a %s size range", c.Unit, c.SizeUnit))
		}
	}

	if country := model.CountryFromPort(port); country != "" && c.Currency != "" {
		if allowed := v.dict.Load().CountryCurrencies(country); len(allowed) > 0 && !contains(allowed, strings.ToUpper(c.Currency)) {
			problems = append(problems, fmt.Sprintf("currency %s not used in %s", c.Currency, country))
		}
	}

	if c.HasFlag(model.FlagDisagreement) {
		problems = append(problems, "LLM and pattern readings disagree")
	}
	if it.CurrencyErr != nil {
		problems = append(problems, "no exchange rate for "+c.Currency)
	}
	if v.opts.ReviewConfidence > 0 && c.Confidence < v.opts.ReviewConfidence {
		problems = append(problems, fmt.Sprintf("confidence %.2f below %.2f", c.Confidence, v.opts.ReviewConfidence))
	}
	return outcome(it.Index, model.LayerConsistency, problems)
}

// duplicate compares the item with the active record for its key and sets
// the verdict's action for items that reach persistence.
func (v *Validator) duplicate(ctx context.Context, port string, it Item, vd *Verdict) (model.ValidationOutcome, error) {
	c := &it.Candidate
	vd.Action = ActionInsert
	if v.lookup == nil || c.ChargeType == "" || c.Unit == "" {
		return outcome(it.Index, model.LayerDuplicate, nil), nil
	}

	active, err := v.lookup.GetActiveTariff(ctx, c.Key(port))
	if err != nil {
		return model.ValidationOutcome{}, eris.Wrapf(err, "validate: active record for %s", c.Key(port))
	}
	if active == nil {
		return outcome(it.Index, model.LayerDuplicate, nil), nil
	}
	vd.Active = active
	vd.PreviousAmount = model.Float64Ptr(active.Amount)

	if identical(active, c) {
		vd.Action = ActionConfirm
		vd.PercentChange = model.Float64Ptr(0)
		return outcome(it.Index, model.LayerDuplicate, nil), nil
	}

	vd.Action = ActionSupersede
	change, comparable := relativeChange(active, it)
	if !comparable {
		return outcome(it.Index, model.LayerDuplicate, []string{
			fmt.Sprintf("%s: currency changed from %s to %s", resilience.KindDuplicateConflict, active.Currency, c.Currency),
		}), nil
	}
	vd.PercentChange = model.Float64Ptr(change)
	if math.Abs(change) > v.opts.DuplicateReviewThreshold {
		return outcome(it.Index, model.LayerDuplicate, []string{
			fmt.Sprintf("%s: amount changed %+.1f%% from %g to %g %s (threshold %.0f%%)",
				resilience.KindDuplicateConflict, change*100, active.Amount, c.Amount, c.Currency, v.opts.DuplicateReviewThreshold*100),
		}), nil
	}
	return outcome(it.Index, model.LayerDuplicate, nil), nil
}

const amountEpsilon = 1e-9

func identical(r *model.TariffRecord, c *model.TariffLineItemCandidate) bool {
	if !strings.EqualFold(r.Currency, c.Currency) || math.Abs(r.Amount-c.Amount) > amountEpsilon {
		return false
	}
	switch {
	case r.AmountMax == nil && c.AmountMax == nil:
		return true
	case r.AmountMax == nil || c.AmountMax == nil:
		return false
	}
	return math.Abs(*r.AmountMax-*c.AmountMax) <= amountEpsilon
}

// relativeChange compares amounts in the quoted currency when it is unchanged,
// otherwise in the base currency when both sides have a base amount.
func relativeChange(r *model.TariffRecord, it Item) (float64, bool) {
	if strings.EqualFold(r.Currency, it.Candidate.Currency) {
		return model.PercentChange(r.Amount, it.Candidate.Amount), true
	}
	if r.BaseCurrencyAmount != nil && it.BaseAmount != nil {
		return model.PercentChange(*r.BaseCurrencyAmount, *it.BaseAmount), true
	}
	return 0, false
}

func outcome(idx int, layer model.ValidationLayer, problems []string) model.ValidationOutcome {
	return model.ValidationOutcome{
		ItemRef: idx,
		Layer:   layer,
		Passed:  len(problems) == 0,
		Reason:  strings.Join(problems, "; "),
	}
}

func setOutcome(vd *Verdict, layer model.ValidationLayer, passed bool, reason string) {
	for i := range vd.Outcomes {
		if vd.Outcomes[i].Layer != layer {
			continue
		}
		vd.Outcomes[i].Passed = passed
		if reason != "" {
			if vd.Outcomes[i].Reason != "" {
				vd.Outcomes[i].Reason += "; "
			}
			vd.Outcomes[i].Reason += reason
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
