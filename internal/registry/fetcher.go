package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AlexZinkM/canton-connect/internal/common"
)

const maxManifestBytes = 1 << 20

// Fetcher retrieves the raw manifest document for a distribution channel
type Fetcher interface {
	Fetch(ctx context.Context, channel string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher
type FetcherFunc func(ctx context.Context, channel string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, channel string) ([]byte, error) { return f(ctx, channel) }

// HTTPFetcher reads <baseURL>/<channel>/manifest.json
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher creates a manifest fetcher for a registry base URL
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, channel string) ([]byte, error) {
	u := fmt.Sprintf("%s/%s/manifest.json", f.baseURL, url.PathEscape(channel))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, common.Classify(fmt.Errorf("failed to get manifest: %w", err), "registry.fetch", common.KindTransportError)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, common.Ef(common.KindTransportError, "registry.fetch", "failed to get manifest: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes+1))
	if err != nil {
		return nil, common.Classify(fmt.Errorf("failed to read manifest: %w", err), "registry.fetch", common.KindTransportError)
	}
	if len(body) > maxManifestBytes {
		return nil, common.Ef(common.KindTransportError, "registry.fetch", "manifest exceeds %d bytes", maxManifestBytes)
	}
	return body, nil
}

// FileFetcher reads <dir>/<channel>.json, for air-gapped or pinned deployments
type FileFetcher struct {
	dir string
}

// NewFileFetcher creates a manifest fetcher over a local directory
func NewFileFetcher(dir string) *FileFetcher {
	return &FileFetcher{dir: dir}
}

func (f *FileFetcher) Fetch(_ context.Context, channel string) ([]byte, error) {
	if channel == "" || strings.ContainsAny(channel, `/\`) || strings.Contains(channel, "..") {
		return nil, fmt.Errorf("invalid channel %q", channel)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, channel+".json"))
	if err != nil {
		return nil, common.E(common.KindTransportError, "registry.fetch", fmt.Errorf("failed to read manifest: %w", err))
	}
	return data, nil
}
