package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tariff-cli/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRetries is the number of attempts per download.
	MaxRetries int
	// RequestsPerSecond is the ceiling per host. Port authority sites are
	// small, so the default is conservative.
	RequestsPerSecond float64
	// Backoff is the wait schedule between attempts. MaxAttempts on it is
	// ignored in favor of MaxRetries.
	Backoff resilience.RetryConfig
}

// hostLimiter paces requests to one host. A 429 halves its rate, down to an
// eighth of the ceiling; each success wins back a quarter, never above the
// ceiling.
type hostLimiter struct {
	mu      sync.Mutex
	lim     *rate.Limiter
	ceiling rate.Limit
}

func newHostLimiter(ceiling rate.Limit) *hostLimiter {
	return &hostLimiter{lim: rate.NewLimiter(ceiling, 1), ceiling: ceiling}
}

func (h *hostLimiter) wait(ctx context.Context) error { return h.lim.Wait(ctx) }

func (h *hostLimiter) limit() rate.Limit { return h.lim.Limit() }

func (h *hostLimiter) throttled() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lim.SetLimit(max(h.lim.Limit()/2, h.ceiling/8))
}

func (h *hostLimiter) succeeded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lim.SetLimit(min(h.lim.Limit()*1.25, h.ceiling))
}

// HTTPFetcher downloads over http(s) with per-host pacing and retries of
// transient failures. It sends the previous validator so unchanged sources
// cost a 304.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu    sync.Mutex
	hosts map[string]*hostLimiter
}

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tariff-cli/1.0"
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Backoff.InitialBackoff <= 0 {
		opts.Backoff = resilience.RetryConfig{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, JitterFraction: 0.25}
	}
	opts.Backoff.MaxAttempts = opts.MaxRetries
	opts.Backoff.OnRetry = resilience.RetryLogger("source", "download")

	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				MaxConnsPerHost:     8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:  opts,
		hosts: make(map[string]*hostLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(rawURL string) *hostLimiter {
	var host string
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hosts[host]
	if !ok {
		h = newHostLimiter(rate.Limit(f.opts.RequestsPerSecond))
		f.hosts[host] = h
	}
	return h
}

// Download fetches the URL and returns the response body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	body, _, _, err := f.DownloadIfChanged(ctx, rawURL, "")
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DownloadIfChanged sends validator as If-None-Match, or as
// If-Modified-Since when it is an HTTP date. The returned validator is the
// response ETag, falling back to Last-Modified.
func (f *HTTPFetcher) DownloadIfChanged(ctx context.Context, rawURL, validator string) (io.ReadCloser, string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", false, eris.Wrapf(err, "fetcher: build request for %s", rawURL)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	if validator != "" {
		if _, perr := http.ParseTime(validator); perr == nil {
			req.Header.Set("If-Modified-Since", validator)
		} else {
			req.Header.Set("If-None-Match", validator)
		}
	}

	resp, err := f.do(ctx, req)
	if err != nil {
		return nil, "", false, eris.Wrapf(err, "fetcher: get %s", rawURL)
	}
	switch resp.StatusCode {
	case http.StatusNotModified:
		_ = resp.Body.Close()
		return nil, validator, false, nil
	case http.StatusOK:
		next := resp.Header.Get("ETag")
		if next == "" {
			next = resp.Header.Get("Last-Modified")
		}
		return resp.Body, next, true, nil
	}
	_ = resp.Body.Close()
	return nil, "", false, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
}

// do sends req, retrying transport errors, 429 and 5xx. Other statuses are
// returned to the caller.
func (f *HTTPFetcher) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	lim := f.limiterFor(req.URL.String())
	return resilience.DoVal(ctx, f.opts.Backoff, func(ctx context.Context) (*http.Response, error) {
		if err := lim.wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limit wait")
		}
		resp, err := f.client.Do(req.Clone(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, resilience.NewTransientError(err, 0)
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			lim.throttled()
			zap.L().Warn("fetcher: throttled by host",
				zap.String("host", req.URL.Host),
				zap.Float64("rate", float64(lim.limit())),
			)
		}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			return nil, resilience.NewTransientError(eris.Errorf("http %d from %s", resp.StatusCode, req.URL.Host), resp.StatusCode)
		}
		lim.succeeded()
		return resp, nil
	})
}
