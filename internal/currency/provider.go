// Package currency converts tariff amounts to the base currency from a
// cached, staleness-bound rate table.
package currency

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/tariff-cli/internal/config"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// RateProvider fetches a live quote: 1 from = rate to.
type RateProvider interface {
	Name() string
	FetchRate(ctx context.Context, from, to string) (float64, error)
}

// NewProvider selects the provider named by currency.provider.
func NewProvider(cfg config.CurrencyConfig) (RateProvider, error) {
	switch cfg.Provider {
	case "", "static":
		return NewStaticProvider(cfg.Base, cfg.StaticRates), nil
	case "http":
		if cfg.APIURL == "" {
			return nil, eris.New("currency: http provider requires currency.api_url")
		}
		return NewHTTPProvider(HTTPProviderOptions{
			URL:               cfg.APIURL,
			APIKey:            cfg.APIKey,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}), nil
	}
	return nil, eris.Errorf("currency: unknown provider %q", cfg.Provider)
}

// StaticProvider serves a configured table of "1 base = N code" rates.
type StaticProvider struct {
	base  string
	rates map[string]float64
}

// NewStaticProvider creates a provider over rates quoted against base.
func NewStaticProvider(base string, rates map[string]float64) *StaticProvider {
	m := make(map[string]float64, len(rates)+1)
	for k, v := range rates {
		m[strings.ToUpper(k)] = v
	}
	base = strings.ToUpper(base)
	m[base] = 1
	return &StaticProvider{base: base, rates: m}
}

// Name implements RateProvider.
func (p *StaticProvider) Name() string { return "static" }

// FetchRate implements RateProvider with a cross rate through the base.
func (p *StaticProvider) FetchRate(_ context.Context, from, to string) (float64, error) {
	f, ok := p.rates[from]
	if !ok || f <= 0 {
		return 0, eris.Errorf("currency: no static rate for %s", from)
	}
	t, ok := p.rates[to]
	if !ok || t <= 0 {
		return 0, eris.Errorf("currency: no static rate for %s", to)
	}
	return t / f, nil
}

// HTTPProviderOptions configures the HTTP rate provider.
type HTTPProviderOptions struct {
	URL               string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
}

// HTTPProvider queries a JSON rates API of the form
// GET url?base=EUR&symbols=USD returning {"base":"EUR","rates":{"USD":1.07}}.
type HTTPProvider struct {
	opts    HTTPProviderOptions
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewHTTPProvider creates an HTTP provider with rate limiting, retry and a
// circuit breaker.
func NewHTTPProvider(opts HTTPProviderOptions) *HTTPProvider {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Breaker.FailureThreshold == 0 {
		opts.Breaker = resilience.DefaultCircuitBreakerConfig()
	}
	if opts.Breaker.Name == "" {
		opts.Breaker.Name = "currency"
	}
	opts.Retry.OnRetry = resilience.RetryLogger("currency", "fetch_rate")
	return &HTTPProvider{
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		breaker: resilience.NewCircuitBreaker(opts.Breaker),
	}
}

// Name implements RateProvider.
func (p *HTTPProvider) Name() string { return "http" }

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// FetchRate implements RateProvider.
func (p *HTTPProvider) FetchRate(ctx context.Context, from, to string) (float64, error) {
	r, err := resilience.DoVal(ctx, p.opts.Retry, func(ctx context.Context) (float64, error) {
		return resilience.ExecuteVal(ctx, p.breaker, func(ctx context.Context) (float64, error) {
			return p.fetch(ctx, from, to)
		})
	})
	if err != nil {
		return 0, eris.Wrapf(err, "currency: fetch %s/%s", from, to)
	}
	return r, nil
}

func (p *HTTPProvider) fetch(ctx context.Context, from, to string) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, eris.Wrap(err, "rate limiter wait")
	}

	u, err := url.Parse(p.opts.URL)
	if err != nil {
		return 0, eris.Wrap(err, "parse rates url")
	}
	q := u.Query()
	q.Set("base", from)
	q.Set("symbols", to)
	if p.opts.APIKey != "" {
		q.Set("access_key", p.opts.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, eris.Wrap(err, "create request")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("rates api returned %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return 0, resilience.NewTransientError(err, resp.StatusCode)
		}
		return 0, err
	}

	var body ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, eris.Wrap(err, "decode rates response")
	}
	r, ok := body.Rates[to]
	if !ok || r <= 0 {
		return 0, eris.Errorf("rates api has no %s quote for %s", to, from)
	}
	return r, nil
}
