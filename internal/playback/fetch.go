package playback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// maxFetchSize caps a single fetched audio asset.
const maxFetchSize = 32 << 20 // 32 MiB

// fetcher downloads audio assets referenced by URL.
type fetcher struct {
	client *http.Client
}

func newFetcher(client *http.Client) *fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &fetcher{client: client}
}

// fetch downloads the asset and reports its container format, preferring the
// response Content-Type over the URL extension.
func (f *fetcher) fetch(ctx context.Context, rawURL string) (data []byte, format string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("playback: build fetch request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("playback: fetch audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("playback: fetch audio: %s returned %s", rawURL, resp.Status)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxFetchSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("playback: read audio body: %w", err)
	}
	if len(data) > maxFetchSize {
		return nil, "", fmt.Errorf("playback: audio asset exceeds %d bytes", maxFetchSize)
	}

	format = normalizeFormat(resp.Header.Get("Content-Type"))
	if !SupportsFormat(format) {
		format = formatFromURL(rawURL)
	}
	return data, format, nil
}

// formatFromURL guesses the container format from the URL path extension.
func formatFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return normalizeFormat(strings.TrimPrefix(path.Ext(u.Path), "."))
}
