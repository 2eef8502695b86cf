package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"

	"github.com/rotisserie/eris"
)

// FileFetcher reads documents from the local filesystem. It accepts file://
// URLs and bare paths.
type FileFetcher struct{}

func localPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return rawURL, nil
	}
	if u.Path == "" {
		return "", eris.Errorf("empty path in file url %q", rawURL)
	}
	return u.Path, nil
}

// Download opens the file.
func (f *FileFetcher) Download(_ context.Context, rawURL string) (io.ReadCloser, error) {
	path, err := localPath(rawURL)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open file")
	}
	return file, nil
}

// DownloadIfChanged opens the file. Local files carry no validator, so the
// content hash downstream decides whether anything changed.
func (f *FileFetcher) DownloadIfChanged(ctx context.Context, rawURL, _ string) (io.ReadCloser, string, bool, error) {
	rc, err := f.Download(ctx, rawURL)
	if err != nil {
		return nil, "", false, err
	}
	return rc, "", true, nil
}
