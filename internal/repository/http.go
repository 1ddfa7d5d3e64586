package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pragmagrid/pragmactl/internal/errdefs"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

type httpFetcher struct {
	client  *http.Client
	baseURL *url.URL
	sign    func(rawURL string) (string, error)
	logger  logrus.FieldLogger
}

func newHTTPFetcher(rawURL string, sign func(string) (string, error), logger logrus.FieldLogger) (*httpFetcher, error) {
	if rawURL == "" {
		return nil, errdefs.Configf("repository url is not set")
	}

	base, err := url.Parse(rawURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errdefs.Configf("bad repository url %q", rawURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &httpFetcher{
		client:  &http.Client{Jar: jar},
		baseURL: base,
		sign:    sign,
		logger:  logger,
	}, nil
}

// Fetch downloads rel below the base url to dst. The file only appears at
// dst once complete.
func (h *httpFetcher) Fetch(ctx context.Context, rel, dst string) error {
	remote := *h.baseURL
	remote.Path = path.Join("/", h.baseURL.Path, filepath.ToSlash(rel))
	target := remote.String()

	if h.sign != nil {
		signed, err := h.sign(target)
		if err != nil {
			return fmt.Errorf("failed to sign url: %w", err)
		}
		target = signed
	}

	logger := h.logger.WithFields(logrus.Fields{"url": remote.String(), "path": dst})
	logger.Info("downloading")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return errdefs.Backendf("GET "+remote.String(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errdefs.Backendf("GET "+remote.String(), fmt.Errorf("unexpected status %s", resp.Status))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		_ = tmp.Close()
		return errdefs.Backendf("GET "+remote.String(), err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}

	logger.WithField("size", humanize.IBytes(uint64(n))).Info("downloaded")

	return nil
}
