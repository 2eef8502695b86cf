package currency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/pattern"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

type countingProvider struct {
	calls   atomic.Int32
	rate    float64
	err     error
	release chan struct{}
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) FetchRate(ctx context.Context, _, _ string) (float64, error) {
	p.calls.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return p.rate, p.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(p RateProvider) (*Service, *clock) {
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewService(p, pattern.NewHolder(pattern.DefaultDictionary()), Options{
		Base:            "USD",
		StalenessWindow: time.Hour,
		DegradedPenalty: 0.2,
	})
	s.now = clk.Now
	return s, clk
}

func TestRate_SameCurrency(t *testing.T) {
	p := &countingProvider{rate: 2}
	s, _ := newTestService(p)

	q, err := s.Rate(context.Background(), "usd", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, q.Rate, 1e-12)
	assert.Zero(t, p.calls.Load())
}

func TestRate_CachesWithinWindow(t *testing.T) {
	p := &countingProvider{rate: 1.1}
	s, clk := newTestService(p)
	ctx := context.Background()

	q, err := s.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.1, q.Rate, 1e-12)
	assert.False(t, q.Degraded)
	assert.Equal(t, "counting", q.Source)

	clk.Advance(30 * time.Minute)
	_, err = s.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())

	clk.Advance(31 * time.Minute)
	p.rate = 1.2
	q, err = s.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.2, q.Rate, 1e-12)
	assert.Equal(t, int32(2), p.calls.Load())
}

func TestRate_SingleFlightPerPair(t *testing.T) {
	p := &countingProvider{rate: 1.1, release: make(chan struct{})}
	s, _ := newTestService(p)

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := s.Rate(context.Background(), "EUR", "USD")
			if err == nil && q.Rate != 1.1 {
				err = fmt.Errorf("got rate %v", q.Rate)
			}
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(p.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestRate_CancelledCallerDoesNotFailOthers(t *testing.T) {
	p := &countingProvider{rate: 1.1, release: make(chan struct{})}
	s, _ := newTestService(p)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.Rate(ctx, "EUR", "USD")
		first <- err
	}()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-first:
		require.Error(t, err)
		assert.True(t, resilience.IsKind(err, resilience.KindCurrencyUnavailable))
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	second := make(chan error, 1)
	go func() {
		q, err := s.Rate(context.Background(), "EUR", "USD")
		if err == nil && q.Rate != 1.1 {
			err = fmt.Errorf("got rate %v", q.Rate)
		}
		second <- err
	}()
	close(p.release)
	require.NoError(t, <-second)
	assert.Equal(t, int32(1), p.calls.Load(), "shared fetch survived the cancellation")
}

func TestRate_DegradedOnRefreshFailure(t *testing.T) {
	p := &countingProvider{rate: 1.1}
	s, clk := newTestService(p)
	ctx := context.Background()

	_, err := s.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	p.err = errors.New("provider down")
	q, err := s.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.True(t, q.Degraded)
	assert.InDelta(t, 1.1, q.Rate, 1e-12)
}

func TestRate_Unavailable(t *testing.T) {
	p := &countingProvider{err: errors.New("provider down")}
	s, _ := newTestService(p)

	_, err := s.Rate(context.Background(), "XAF", "USD")
	require.Error(t, err)
	assert.Equal(t, resilience.KindCurrencyUnavailable, resilience.KindOf(err))
	assert.False(t, resilience.IsRetryable(err))
}

func TestToBase(t *testing.T) {
	s, _ := newTestService(NewStaticProvider("USD", map[string]float64{"EUR": 0.5}))

	conv, err := s.ToBase(context.Background(), 100, "EUR")
	require.NoError(t, err)
	assert.InDelta(t, 200.0, conv.Amount, 1e-9)
	assert.InDelta(t, 2.0, conv.Rate, 1e-12)
	assert.False(t, conv.Degraded)
}

func TestResolve(t *testing.T) {
	s, clk := newTestService(NewStaticProvider("USD", map[string]float64{"EUR": 0.9}))
	ctx := context.Background()
	_, err := s.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)

	s.provider = &countingProvider{err: errors.New("down")}
	clk.Advance(2 * time.Hour)

	degraded, unavailable := s.Resolve(ctx, []string{"EUR", "eur", "GBP", "USD", ""})
	assert.Equal(t, map[string]bool{"EUR": true}, degraded)
	require.Len(t, unavailable, 1)
	assert.Contains(t, unavailable, "GBP")
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s, _ := newTestService(NewStaticProvider("USD", map[string]float64{
		"EUR": 0.92, "SGD": 1.34, "INR": 83.1,
	}))
	_, err := s.Refresh(context.Background(), []string{"EUR", "SGD", "INR", "USD"})
	require.NoError(t, err)

	snap := s.Snapshot()
	for _, code := range []string{"EUR", "SGD", "INR", "USD"} {
		for _, amount := range []float64{0.08, 250, 1234567.89} {
			diff, err := snap.RoundTripError(amount, code)
			require.NoError(t, err)
			assert.LessOrEqual(t, diff, 1e-9*amount, "%s %v", code, amount)
		}
	}

	// Cross rate through the base.
	got, err := snap.Convert(92, "EUR", "SGD")
	require.NoError(t, err)
	assert.InDelta(t, 134.0, got, 1e-9)

	_, err = snap.Convert(1, "EUR", "JPY")
	require.Error(t, err)
	assert.Equal(t, resilience.KindCurrencyUnavailable, resilience.KindOf(err))
}

func TestSnapshot_IsImmutable(t *testing.T) {
	p := &countingProvider{rate: 2}
	s, clk := newTestService(p)
	_, err := s.Rate(context.Background(), "EUR", "USD")
	require.NoError(t, err)

	snap := s.Snapshot()
	clk.Advance(2 * time.Hour)
	p.rate = 3
	_, err = s.Rate(context.Background(), "EUR", "USD")
	require.NoError(t, err)

	got, err := snap.ToBase(10, "EUR")
	require.NoError(t, err)
	assert.InDelta(t, 20.0, got, 1e-9)
}

func TestRefresh_ReportsFailures(t *testing.T) {
	s, _ := newTestService(NewStaticProvider("USD", map[string]float64{"EUR": 0.9}))
	rates, err := s.Refresh(context.Background(), []string{"EUR", "XYZ"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	require.Len(t, rates, 1)
	assert.Equal(t, "EUR/USD", rates[0].Pair())
	assert.Len(t, s.Rates(), 1)
}

type memRateStore struct {
	rates []model.ExchangeRate
	err   error
}

func (m *memRateStore) SaveRates(_ context.Context, rates []model.ExchangeRate) error {
	if m.err != nil {
		return m.err
	}
	m.rates = append([]model.ExchangeRate(nil), rates...)
	return nil
}

func (m *memRateStore) LoadRates(context.Context) ([]model.ExchangeRate, error) {
	return m.rates, m.err
}

func TestWarmAndPersist(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestService(NewStaticProvider("USD", map[string]float64{"EUR": 0.5}))
	_, err := s.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)

	store := &memRateStore{}
	require.NoError(t, s.Persist(ctx, store))
	require.Len(t, store.rates, 1)

	fresh, _ := newTestService(&countingProvider{err: errors.New("offline")})
	fresh.now = clk.Now
	n, err := fresh.Warm(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	q, err := fresh.Rate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, q.Rate, 1e-12)
	assert.False(t, q.Degraded)

	store.err = errors.New("disk full")
	assert.Error(t, s.Persist(ctx, store))
	_, err = fresh.Warm(ctx, store)
	assert.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider("usd", map[string]float64{"eur": 0.8, "GBP": 0.5})

	r, err := p.FetchRate(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.25, r, 1e-12)

	r, err = p.FetchRate(context.Background(), "GBP", "EUR")
	require.NoError(t, err)
	assert.InDelta(t, 1.6, r, 1e-12)

	_, err = p.FetchRate(context.Background(), "JPY", "USD")
	assert.Error(t, err)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.CurrencyConfig{Base: "USD"})
	require.NoError(t, err)
	assert.Equal(t, "static", p.Name())

	_, err = NewProvider(config.CurrencyConfig{Provider: "http"})
	assert.Error(t, err)

	p, err = NewProvider(config.CurrencyConfig{Provider: "http", APIURL: "http://rates.local"})
	require.NoError(t, err)
	assert.Equal(t, "http", p.Name())

	_, err = NewProvider(config.CurrencyConfig{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func fastHTTPProvider(url string) *HTTPProvider {
	return NewHTTPProvider(HTTPProviderOptions{
		URL:               url,
		APIKey:            "secret",
		RequestsPerSecond: 1000,
		Retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 10,
			ResetTimeout:     time.Second,
		},
	})
}

func TestHTTPProvider_FetchRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "EUR", r.URL.Query().Get("base"))
		assert.Equal(t, "USD", r.URL.Query().Get("symbols"))
		assert.Equal(t, "secret", r.URL.Query().Get("access_key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base":"EUR","rates":{"USD":1.08}}`))
	}))
	defer srv.Close()

	r, err := fastHTTPProvider(srv.URL).FetchRate(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.08, r, 1e-12)
}

func TestHTTPProvider_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"base":"EUR","rates":{"USD":1.1}}`))
	}))
	defer srv.Close()

	r, err := fastHTTPProvider(srv.URL).FetchRate(context.Background(), "EUR", "USD")
	require.NoError(t, err)
	assert.InDelta(t, 1.1, r, 1e-12)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_PermanentStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := fastHTTPProvider(srv.URL).FetchRate(context.Background(), "EUR", "USD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_MissingQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"base":"EUR","rates":{"GBP":0.85}}`))
	}))
	defer srv.Close()

	_, err := fastHTTPProvider(srv.URL).FetchRate(context.Background(), "EUR", "USD")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no USD quote")
}
