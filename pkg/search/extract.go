package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/markusmobius/go-trafilatura"
	"golang.org/x/time/rate"
)

// maxPageBytes caps how much of a result page is read before extraction.
const maxPageBytes = 2 << 20

// ContentExtractor turns a result page into readable text.
type ContentExtractor interface {
	Extract(ctx context.Context, pageURL string) (string, error)
}

// PageExtractor downloads a page and keeps its main text, without comments or tables.
// Fetches share a token bucket so a burst of results does not hammer remote hosts.
type PageExtractor struct {
	client  *http.Client
	limiter *rate.Limiter
}

func NewPageExtractor(timeout time.Duration, qps float64) *PageExtractor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if qps <= 0 {
		qps = 10
	}
	return &PageExtractor{
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(qps), int(qps)+1),
	}
}

// Extract returns the page's main text truncated to MaxSnippetLength on a sentence boundary.
func (e *PageExtractor) Extract(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || parsed.Host == "" {
		return "", fmt.Errorf("invalid page url %q", pageURL)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch page: status %d", resp.StatusCode)
	}

	result, err := trafilatura.Extract(io.LimitReader(resp.Body, maxPageBytes), trafilatura.Options{
		OriginalURL:     parsed,
		ExcludeComments: true,
		ExcludeTables:   true,
		EnableFallback:  false,
	})
	if err != nil {
		return "", fmt.Errorf("extract page: %w", err)
	}
	text := strings.TrimSpace(result.ContentText)
	if text == "" {
		return "", fmt.Errorf("extract page: no readable content")
	}
	return TruncateToSentences(text, MaxSnippetLength), nil
}
