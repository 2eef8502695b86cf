package currency

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pattern"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// RateStore persists the rate table for warm restarts.
type RateStore interface {
	SaveRates(ctx context.Context, rates []model.ExchangeRate) error
	LoadRates(ctx context.Context) ([]model.ExchangeRate, error)
}

// Quote is a resolved rate and whether it came from a failed refresh.
type Quote struct {
	model.ExchangeRate
	Degraded bool
}

// Service resolves exchange rates with a per-pair cache. A cached rate is
// served while younger than the staleness window. Older or missing rates are
// refreshed through the provider, one in-flight fetch per pair.
type Service struct {
	provider RateProvider
	base     string
	window   time.Duration
	penalty  float64
	timeout  time.Duration
	dict     *pattern.Holder
	now      func() time.Time

	mu    sync.RWMutex
	rates map[string]model.ExchangeRate

	group singleflight.Group
}

// Options configures a Service.
type Options struct {
	Base            string
	StalenessWindow time.Duration
	DegradedPenalty float64
	// FetchTimeout bounds one shared provider fetch. Default 30s.
	FetchTimeout time.Duration
}

// OptionsFromConfig maps currency.* settings.
func OptionsFromConfig(cfg config.CurrencyConfig) Options {
	return Options{
		Base:            cfg.Base,
		StalenessWindow: cfg.StalenessWindow(),
		DegradedPenalty: cfg.DegradedPenalty,
	}
}

// NewService creates a currency service.
func NewService(provider RateProvider, dict *pattern.Holder, opts Options) *Service {
	if opts.Base == "" {
		opts.Base = "USD"
	}
	if opts.StalenessWindow <= 0 {
		opts.StalenessWindow = 24 * time.Hour
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Service{
		provider: provider,
		base:     strings.ToUpper(opts.Base),
		window:   opts.StalenessWindow,
		penalty:  opts.DegradedPenalty,
		timeout:  opts.FetchTimeout,
		dict:     dict,
		now:      time.Now,
		rates:    make(map[string]model.ExchangeRate),
	}
}

// Base returns the normalization currency.
func (s *Service) Base() string { return s.base }

// DegradedPenalty is subtracted from the confidence of records converted
// with a stale rate.
func (s *Service) DegradedPenalty() float64 { return s.penalty }

// SupportedCurrencies lists the ISO codes the dictionary recognizes.
func (s *Service) SupportedCurrencies() []string {
	return s.dict.Load().SupportedCurrencies()
}

func pairKey(from, to string) string { return from + "/" + to }

// Rate returns the rate for 1 from in to. A fresh cached rate is returned as
// is. Otherwise the pair is refreshed; if that fails and a cached rate exists
// it is returned with Degraded set. Without any rate the error is
// CurrencyUnavailable.
func (s *Service) Rate(ctx context.Context, from, to string) (Quote, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return Quote{ExchangeRate: model.ExchangeRate{Base: from, Quote: to, Rate: 1, AsOf: s.now().UTC(), Source: "identity"}}, nil
	}

	key := pairKey(from, to)
	cached, ok := s.cached(key)
	if ok && s.now().Sub(cached.AsOf) <= s.window {
		return Quote{ExchangeRate: cached}, nil
	}

	// The shared fetch outlives any one caller so a cancelled caller does
	// not fail the others waiting on the same pair.
	ch := s.group.DoChan(key, func() (any, error) {
		// Another caller may have refreshed while this one waited.
		if r, ok := s.cached(key); ok && s.now().Sub(r.AsOf) <= s.window {
			return r, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		r, err := s.provider.FetchRate(fctx, from, to)
		if err != nil {
			return nil, err
		}
		er := model.ExchangeRate{Base: from, Quote: to, Rate: r, AsOf: s.now().UTC(), Source: s.provider.Name()}
		s.mu.Lock()
		s.rates[key] = er
		s.mu.Unlock()
		return er, nil
	})
	var err error
	select {
	case r := <-ch:
		if r.Err == nil {
			return Quote{ExchangeRate: r.Val.(model.ExchangeRate)}, nil
		}
		err = r.Err
	case <-ctx.Done():
		err = ctx.Err()
	}

	if ok {
		zap.L().Warn("currency: refresh failed, using last known rate",
			zap.String("pair", key),
			zap.Time("as_of", cached.AsOf),
			zap.Error(err),
		)
		return Quote{ExchangeRate: cached, Degraded: true}, nil
	}
	return Quote{}, resilience.Permanent(resilience.KindCurrencyUnavailable,
		eris.Wrapf(err, "currency: no rate for %s", key))
}

func (s *Service) cached(key string) (model.ExchangeRate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rates[key]
	return r, ok
}

// Conversion is an amount converted to the base currency.
type Conversion struct {
	Amount   float64
	Rate     float64
	AsOf     time.Time
	Degraded bool
}

// ToBase converts amount in from to the base currency.
func (s *Service) ToBase(ctx context.Context, amount float64, from string) (Conversion, error) {
	q, err := s.Rate(ctx, from, s.base)
	if err != nil {
		return Conversion{}, err
	}
	return Conversion{Amount: amount * q.Rate, Rate: q.Rate, AsOf: q.AsOf, Degraded: q.Degraded}, nil
}

// Resolve makes sure every currency in codes has a rate to the base and
// reports which were degraded or unavailable. Callers resolve first and
// then convert from one Snapshot so a document uses a single rate set.
func (s *Service) Resolve(ctx context.Context, codes []string) (degraded map[string]bool, unavailable map[string]error) {
	degraded = make(map[string]bool)
	unavailable = make(map[string]error)
	seen := make(map[string]bool)
	for _, c := range codes {
		c = strings.ToUpper(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		q, err := s.Rate(ctx, c, s.base)
		if err != nil {
			unavailable[c] = err
			continue
		}
		if q.Degraded {
			degraded[c] = true
		}
	}
	return degraded, unavailable
}

// Refresh forces a fetch of code→base for each code regardless of age.
func (s *Service) Refresh(ctx context.Context, codes []string) ([]model.ExchangeRate, error) {
	var out []model.ExchangeRate
	var errs []string
	for _, c := range codes {
		c = strings.ToUpper(c)
		if c == s.base {
			continue
		}
		r, err := s.provider.FetchRate(ctx, c, s.base)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		er := model.ExchangeRate{Base: c, Quote: s.base, Rate: r, AsOf: s.now().UTC(), Source: s.provider.Name()}
		s.mu.Lock()
		s.rates[er.Pair()] = er
		s.mu.Unlock()
		out = append(out, er)
	}
	if len(errs) > 0 {
		return out, eris.Errorf("currency: refresh failed for %d of %d currencies: %s", len(errs), len(codes), strings.Join(errs, "; "))
	}
	return out, nil
}

// Rates lists the cached rates ordered by pair.
func (s *Service) Rates() []model.ExchangeRate {
	s.mu.RLock()
	out := make([]model.ExchangeRate, 0, len(s.rates))
	for _, r := range s.rates {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Pair() < out[j].Pair() })
	return out
}

// Warm loads persisted rates. Rates already in memory are kept when newer.
func (s *Service) Warm(ctx context.Context, store RateStore) (int, error) {
	rates, err := store.LoadRates(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "currency: warm")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range rates {
		key := r.Pair()
		if cur, ok := s.rates[key]; ok && !r.AsOf.After(cur.AsOf) {
			continue
		}
		s.rates[key] = r
		n++
	}
	return n, nil
}

// Persist writes the rate table to store.
func (s *Service) Persist(ctx context.Context, store RateStore) error {
	rates := s.Rates()
	if len(rates) == 0 {
		return nil
	}
	return eris.Wrap(store.SaveRates(ctx, rates), "currency: persist")
}

// Snapshot freezes the current rate table.
func (s *Service) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(map[string]model.ExchangeRate, len(s.rates))
	for k, v := range s.rates {
		m[k] = v
	}
	return &Snapshot{base: s.base, rates: m}
}

// Snapshot is an immutable rate table. Converting with one snapshot is
// consistent: X→base→X returns the original amount.
type Snapshot struct {
	base  string
	rates map[string]model.ExchangeRate
}

// Base returns the snapshot's base currency.
func (sn *Snapshot) Base() string { return sn.base }

// rate returns 1 from = r to using the direct pair, its inverse, or a cross
// through the base.
func (sn *Snapshot) rate(from, to string) (float64, bool) {
	if from == to {
		return 1, true
	}
	if r, ok := sn.rates[pairKey(from, to)]; ok && r.Rate > 0 {
		return r.Rate, true
	}
	if r, ok := sn.rates[pairKey(to, from)]; ok && r.Rate > 0 {
		return 1 / r.Rate, true
	}
	if from != sn.base && to != sn.base {
		a, ok1 := sn.rate(from, sn.base)
		b, ok2 := sn.rate(sn.base, to)
		if ok1 && ok2 {
			return a * b, true
		}
	}
	return 0, false
}

// Convert converts amount from one currency to another.
func (sn *Snapshot) Convert(amount float64, from, to string) (float64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	r, ok := sn.rate(from, to)
	if !ok {
		return 0, resilience.Permanent(resilience.KindCurrencyUnavailable,
			eris.Errorf("currency: no rate for %s", pairKey(from, to)))
	}
	return amount * r, nil
}

// ToBase converts amount to the snapshot's base currency.
func (sn *Snapshot) ToBase(amount float64, from string) (float64, error) {
	return sn.Convert(amount, from, sn.base)
}

// RoundTripError returns |A - back(forward(A))| for diagnostics.
func (sn *Snapshot) RoundTripError(amount float64, code string) (float64, error) {
	b, err := sn.ToBase(amount, code)
	if err != nil {
		return 0, err
	}
	back, err := sn.Convert(b, sn.base, code)
	if err != nil {
		return 0, err
	}
	return math.Abs(back - amount), nil
}
