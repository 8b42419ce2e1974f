package search

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

const (
	// Google Custom Search never returns more than 10 items per call.
	googleMaxPerCall = 10
	// pages fetched at once for one search
	extractConcurrency = 4
)

// GoogleProvider queries the Google Custom Search JSON API.
// Calls are throttled with a token bucket so bursts of sub-queries stay under the API quota.
// When an extractor is set, each result's snippet is replaced by the text of its page.
type GoogleProvider struct {
	svc       *customsearch.Service
	engineID  string
	limiter   *rate.Limiter
	extractor ContentExtractor
}

// NewGoogleProvider builds the provider. extractor may be nil, in which case results keep
// the snippet returned by the API. opts are passed to the API client.
func NewGoogleProvider(ctx context.Context, apiKey, engineID string, qps float64, extractor ContentExtractor, opts ...option.ClientOption) (*GoogleProvider, error) {
	if apiKey == "" || engineID == "" {
		return nil, fmt.Errorf("google search requires an api key and a search engine id")
	}
	svc, err := customsearch.NewService(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("create custom search service: %w", err)
	}
	if qps <= 0 {
		qps = 5
	}
	return &GoogleProvider{
		svc:       svc,
		engineID:  engineID,
		limiter:   rate.NewLimiter(rate.Limit(qps), int(qps)+1),
		extractor: extractor,
	}, nil
}

func (g *GoogleProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 || limit > googleMaxPerCall {
		limit = googleMaxPerCall
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := g.svc.Cse.List().
		Q(query).
		Cx(g.engineID).
		Num(int64(limit)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("google search: %w", err)
	}

	results := make([]Result, 0, len(resp.Items))
	for _, item := range resp.Items {
		if item == nil || item.Link == "" {
			continue
		}
		results = append(results, Result{
			Title:   item.Title,
			URL:     item.Link,
			Snippet: TruncateToSentences(item.Snippet, MaxSnippetLength),
			Source:  Domain(item.Link),
		})
	}

	g.fillContent(ctx, results)
	return results, nil
}

// fillContent swaps snippets for extracted page text. A page that cannot be fetched or
// yields no text keeps its snippet.
func (g *GoogleProvider) fillContent(ctx context.Context, results []Result) {
	if g.extractor == nil {
		return
	}
	var eg errgroup.Group
	eg.SetLimit(extractConcurrency)
	for i := range results {
		eg.Go(func() error {
			defer func() { _ = recover() }()
			text, err := g.extractor.Extract(ctx, results[i].URL)
			if err == nil && text != "" {
				results[i].Snippet = text
			}
			return nil
		})
	}
	_ = eg.Wait()
}
