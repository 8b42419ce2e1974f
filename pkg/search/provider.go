// Package search wraps the web-search collaborator.
package search

import (
	"context"
	"net/url"
	"strings"
	"unicode/utf8"
)

// MaxSnippetLength caps how much page text a single result carries into prompts.
const MaxSnippetLength = 2000

// Result is one web hit, ordered by provider-assigned relevance.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"` // host of URL
}

// Provider runs a web search and returns at most limit results.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Dedupe keeps the first occurrence of every URL, preserving order, and stops at limit (0 = no limit).
func Dedupe(results []Result, limit int) []Result {
	seen := make(map[string]bool, len(results))
	out := make([]Result, 0, len(results))
	for _, r := range results {
		key := normalizeURL(r.URL)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// normalizeURL makes trivially different spellings of one page compare equal.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// Domain extracts the host of a URL, falling back to the raw value.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// TruncateToSentences cuts text to maxLen while trying to end on a full sentence.
func TruncateToSentences(text string, maxLen int) string {
	if len(text) <= maxLen {
		return text
	}
	truncated := text[:maxLen]
	if i := strings.LastIndex(truncated, "."); i > 0 {
		return truncated[:i+1]
	}
	for len(truncated) > 0 && !utf8.RuneStart(text[len(truncated)]) {
		truncated = truncated[:len(truncated)-1]
	}
	return truncated
}
