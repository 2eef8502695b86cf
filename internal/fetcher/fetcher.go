// Package fetcher downloads tariff source documents over http(s), ftp and the
// local filesystem.
package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/config"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadIfChanged fetches the URL only if the ETag has changed.
	// Returns (body, newETag, changed, error). If not changed, body is nil and changed is false.
	// Sources without validators always report changed.
	DownloadIfChanged(ctx context.Context, url string, etag string) (io.ReadCloser, string, bool, error)
}

// Result is a fully read source document.
type Result struct {
	Body    []byte
	ETag    string
	Changed bool
}

// Router dispatches to a Fetcher by URL scheme. A URL without a scheme is
// treated as a local path.
type Router struct {
	schemes  map[string]Fetcher
	maxBytes int64
}

// NewRouter wires the http, https, ftp and file fetchers from config.
func NewRouter(cfg config.FetchConfig) *Router {
	h := NewHTTPFetcher(HTTPOptions{
		UserAgent:         cfg.UserAgent,
		Timeout:           time.Duration(cfg.TimeoutSecs) * time.Second,
		MaxRetries:        cfg.MaxRetries,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
	r := &Router{
		schemes: map[string]Fetcher{
			"http":  h,
			"https": h,
			"ftp":   NewFTPFetcher(FTPOptions{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second}),
			"file":  &FileFetcher{},
		},
		maxBytes: cfg.MaxBytes,
	}
	return r
}

// Register overrides the fetcher for a scheme.
func (r *Router) Register(scheme string, f Fetcher) {
	r.schemes[scheme] = f
}

func (r *Router) fetcherFor(rawURL string) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	scheme := u.Scheme
	if scheme == "" || len(scheme) == 1 { // bare path or Windows drive letter
		scheme = "file"
	}
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, eris.Errorf("fetcher: unsupported scheme %q", scheme)
	}
	return f, nil
}

// Download implements Fetcher.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := r.fetcherFor(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadIfChanged implements Fetcher.
func (r *Router) DownloadIfChanged(ctx context.Context, rawURL, etag string) (io.ReadCloser, string, bool, error) {
	f, err := r.fetcherFor(rawURL)
	if err != nil {
		return nil, "", false, err
	}
	return f.DownloadIfChanged(ctx, rawURL, etag)
}

// Fetch downloads the URL into memory, honoring the previous ETag.
func (r *Router) Fetch(ctx context.Context, rawURL, etag string) (*Result, error) {
	body, newETag, changed, err := r.DownloadIfChanged(ctx, rawURL, etag)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &Result{ETag: newETag}, nil
	}
	defer body.Close() //nolint:errcheck

	data, err := ReadAll(body, r.maxBytes)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %s", rawURL)
	}
	return &Result{Body: data, ETag: newETag, Changed: true}, nil
}

// ReadAll reads rc up to limit bytes. A non-positive limit reads everything.
func ReadAll(rc io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(rc)
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, eris.Errorf("document exceeds %d bytes", limit)
	}
	return buf.Bytes(), nil
}
