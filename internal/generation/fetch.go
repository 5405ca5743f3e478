package generation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/tryon-studio/internal/imagedata"
)

const (
	defaultFetchTimeout = 60 * time.Second

	// maxArtifactSize caps a downloaded output image (50 MB).
	maxArtifactSize int64 = 50 * 1024 * 1024
)

// HTTPFetcher downloads provider output images over HTTP and checks that
// the bytes decode as an image.
type HTTPFetcher struct {
	client *http.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher. A nil client gets a 60s timeout.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{client: client}
}

// Fetch returns the image bytes with their sniffed MIME type and extension.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", "", fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactSize+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > maxArtifactSize {
		return nil, "", "", fmt.Errorf("download exceeds %d bytes", maxArtifactSize)
	}

	info, err := imagedata.Sniff(body)
	if err != nil {
		return nil, "", "", err
	}

	log.Debug().
		Int("bytes", len(body)).
		Str("mimeType", info.MIMEType).
		Int("width", info.Width).
		Int("height", info.Height).
		Dur("duration", time.Since(start)).
		Msg("Downloaded provider output")
	return body, info.MIMEType, info.Extension, nil
}
