package ingest

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

// ApproveOptions customizes a review approval.
type ApproveOptions struct {
	// Amount overrides the extracted amount. The record then counts as
	// manually entered with full confidence.
	Amount *float64
}

// ListReview returns records waiting for an operator decision, optionally
// for one port.
func (s *Service) ListReview(ctx context.Context, portID string, limit, offset int) ([]model.TariffRecord, error) {
	return s.store.ListTariffs(ctx, model.TariffFilter{
		PortID: portID,
		Status: model.RecordReview,
		Limit:  limit,
		Offset: offset,
	})
}

// Approve activates a review record, superseding the active record for the
// same key if there is one.
func (s *Service) Approve(ctx context.Context, id string, opts ApproveOptions) (*model.TariffRecord, error) {
	rec, err := s.reviewRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.Amount != nil {
		amount := *opts.Amount
		if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
			return nil, eris.Errorf("ingest: approve %s: amount must be positive, got %g", id, amount)
		}
		rec.Amount = amount
		if rec.AmountMax != nil && *rec.AmountMax < amount {
			rec.AmountMax = nil
		}
		rec.DataSource = model.SourceManual
		rec.ConfidenceScore = 1
	}

	rec.BaseCurrencyAmount = nil
	rec.Degraded = false
	conv, err := s.currency.ToBase(ctx, rec.Amount, rec.Currency)
	if err != nil {
		zap.L().Warn("ingest: approve without base amount",
			zap.String("tariff_id", id), zap.String("currency", rec.Currency), zap.Error(err))
	} else {
		rec.BaseCurrencyAmount = model.Float64Ptr(conv.Amount)
		rec.Degraded = conv.Degraded
	}

	active, err := s.store.GetActiveTariff(ctx, rec.Key())
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: approve %s: active lookup", id)
	}

	now := s.now().UTC()
	res := store.ReviewResolution{Record: rec, At: now}
	rec.SupersedesID = nil
	if active != nil {
		res.SupersedeID = active.ID
		rec.SupersedesID = model.StringPtr(active.ID)
	}
	rec.Status = model.RecordActive
	rec.ReviewReason = ""
	rec.EffectiveDate = now

	if err := s.store.ResolveReview(ctx, res); err != nil {
		return nil, eris.Wrapf(err, "ingest: approve %s", id)
	}
	zap.L().Info("ingest: review approved",
		zap.String("tariff_id", id),
		zap.String("key", rec.Key().String()),
		zap.Float64("amount", rec.Amount),
		zap.String("data_source", string(rec.DataSource)),
		zap.String("superseded", res.SupersedeID),
	)
	return rec, nil
}

// Reject closes a review record without activating it.
func (s *Service) Reject(ctx context.Context, id, reason string) (*model.TariffRecord, error) {
	rec, err := s.reviewRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Status = model.RecordRejected
	if reason != "" {
		rec.ReviewReason = reason
	}
	if err := s.store.ResolveReview(ctx, store.ReviewResolution{Record: rec, At: s.now().UTC()}); err != nil {
		return nil, eris.Wrapf(err, "ingest: reject %s", id)
	}
	zap.L().Info("ingest: review rejected", zap.String("tariff_id", id), zap.String("reason", reason))
	return rec, nil
}

func (s *Service) reviewRecord(ctx context.Context, id string) (*model.TariffRecord, error) {
	rec, err := s.store.GetTariff(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: get tariff %s", id)
	}
	if rec == nil {
		return nil, eris.Errorf("ingest: tariff not found: %s", id)
	}
	if rec.Status != model.RecordReview {
		return nil, eris.Errorf("ingest: tariff %s is %s, not in review", id, rec.Status)
	}
	return rec, nil
}

// Stats summarizes the stored tariffs, optionally for one port.
func (s *Service) Stats(ctx context.Context, portID string) (*model.TariffStats, error) {
	st, err := s.store.TariffStats(ctx, portID)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: stats")
	}
	return st, nil
}

// PriceChange is one amount change detected against the previously active
// record.
type PriceChange struct {
	Index          int              `json:"index"`
	ChargeType     model.ChargeType `json:"charge_type"`
	Unit           model.Unit       `json:"unit"`
	Currency       string           `json:"currency"`
	PreviousAmount float64          `json:"previous_amount"`
	Amount         float64          `json:"amount"`
	PercentChange  float64          `json:"percent_change"`
	Status         model.ItemStatus `json:"status"`
}

// PriceChanges lists the items of res whose amount moved, largest change
// first.
func PriceChanges(res *model.IngestionResult) []PriceChange {
	if res == nil {
		return nil
	}
	var out []PriceChange
	for _, it := range res.Items {
		if it.PreviousAmount == nil || it.PercentChange == nil || *it.PercentChange == 0 {
			continue
		}
		out = append(out, PriceChange{
			Index:          it.Index,
			ChargeType:     it.Candidate.ChargeType,
			Unit:           it.Candidate.Unit,
			Currency:       it.Candidate.Currency,
			PreviousAmount: *it.PreviousAmount,
			Amount:         it.Candidate.Amount,
			PercentChange:  *it.PercentChange,
			Status:         it.Status,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return math.Abs(out[i].PercentChange) > math.Abs(out[j].PercentChange)
	})
	return out
}
