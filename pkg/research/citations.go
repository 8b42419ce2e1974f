package research

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ai-research-be/pkg/search"
)

var (
	markerPattern = regexp.MustCompile(`\[(\d+)\]`)
	listPrefix    = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
)

const insufficientEvidenceAnswer = "I couldn't find enough reliable sources on the web to answer this question with citations. " +
	"Try rephrasing it or making it more specific."

// parseSubQueries reads one query per line, dropping list markers, duplicates and the original query.
func parseSubQueries(text, original string, limit int) []string {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(original)): true}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		q := strings.TrimSpace(listPrefix.ReplaceAllString(line, ""))
		q = strings.Trim(q, `"`)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

// parseFindings turns "- claim [1][3]" lines into findings whose sources point at evidence urls.
// Lines without a valid source marker are dropped.
func parseFindings(text string, evidence []search.Result) []Finding {
	var findings []Finding
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(listPrefix.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}

		var sources []string
		seen := make(map[string]bool)
		for _, m := range markerPattern.FindAllStringSubmatch(line, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 1 || n > len(evidence) {
				continue
			}
			u := evidence[n-1].URL
			if !seen[u] {
				seen[u] = true
				sources = append(sources, u)
			}
		}
		claim := strings.TrimSpace(markerPattern.ReplaceAllString(line, ""))
		if claim == "" || len(sources) == 0 {
			continue
		}
		findings = append(findings, Finding{Claim: claim, Sources: sources})
	}
	return findings
}

// findingsFromSnippets is the fallback when the model produced no usable findings:
// every result becomes a finding backed by its own page.
func findingsFromSnippets(evidence []search.Result) []Finding {
	findings := make([]Finding, 0, len(evidence))
	for _, r := range evidence {
		claim := strings.TrimSpace(r.Snippet)
		if claim == "" {
			claim = r.Title
		}
		if claim == "" {
			continue
		}
		findings = append(findings, Finding{Claim: claim, Sources: []string{r.URL}})
	}
	return findings
}

// numberSources assigns markers [1..n] to the urls used by findings, in order of first use.
func numberSources(findings []Finding, evidence []search.Result) []Citation {
	titles := make(map[string]string, len(evidence))
	for _, r := range evidence {
		titles[r.URL] = r.Title
	}

	var sources []Citation
	seen := make(map[string]bool)
	for _, f := range findings {
		for _, u := range f.Sources {
			if seen[u] {
				continue
			}
			seen[u] = true
			sources = append(sources, Citation{
				Marker: fmt.Sprintf("[%d]", len(sources)+1),
				URL:    u,
				Title:  titles[u],
			})
		}
	}
	return sources
}

// finalizeAnswer strips markers that point at no source, then appends a source list for
// the markers actually cited. When the text cites nothing, every source is listed.
func finalizeAnswer(text string, sources []Citation) SynthesisOutput {
	used := make(map[int]bool)
	text = markerPattern.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || n < 1 || n > len(sources) {
			return ""
		}
		used[n] = true
		return m
	})

	var numbers []int
	if len(used) == 0 {
		for i := range sources {
			numbers = append(numbers, i+1)
		}
	} else {
		for n := range used {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)
	}

	citations := make([]Citation, 0, len(numbers))
	var b strings.Builder
	b.WriteString(strings.TrimSpace(text))
	if len(numbers) > 0 {
		b.WriteString("\n\n**Sources**\n")
	}
	for _, n := range numbers {
		c := sources[n-1]
		citations = append(citations, c)
		title := c.Title
		if title == "" {
			title = search.Domain(c.URL)
		}
		fmt.Fprintf(&b, "\n- %s [%s](%s)", c.Marker, title, c.URL)
	}

	return SynthesisOutput{Text: b.String(), Citations: citations}
}
