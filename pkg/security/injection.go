package security

import (
	"context"
	"regexp"
	"strings"
)

type injectionPattern struct {
	re     *regexp.Regexp
	weight float64
}

// Weights reflect how strongly a phrase indicates an attempt to override instructions.
var injectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override)\b.{0,30}\b(previous|prior|above|earlier|all|your)\b.{0,20}\b(instructions?|prompts?|rules|directions|guidelines)\b`), 0.95},
	{regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|leak|output)\b.{0,30}\b(system|hidden|initial|original)\s+(prompt|instructions?|message)`), 0.9},
	{regexp.MustCompile(`(?i)\b(jailbreak|do anything now|developer mode|dan mode)\b`), 0.9},
	{regexp.MustCompile(`(?i)\byou are (now|no longer)\b`), 0.7},
	{regexp.MustCompile(`(?i)\b(bypass|disable|turn off|circumvent)\b.{0,20}\b(safety|filters?|restrictions|guardrails|moderation)\b`), 0.85},
	{regexp.MustCompile(`(?i)</?\s*(system|assistant|instructions?)\s*>`), 0.8},
	{regexp.MustCompile(`(?i)\b(pretend|act as if|roleplay as)\b.{0,30}\b(no|without)\b.{0,15}\b(rules|restrictions|limits)\b`), 0.85},
	{regexp.MustCompile(`(?i)\bnew instructions?\s*:`), 0.75},
}

var sentenceSplit = regexp.MustCompile(`[.!?\n]+`)

// InjectionScanner flags prompt-injection attempts by scoring each sentence
// against known override phrasings; the highest sentence score wins.
type InjectionScanner struct {
	threshold float64
}

func NewInjectionScanner(threshold float64) *InjectionScanner {
	if threshold <= 0 {
		threshold = 0.8
	}
	return &InjectionScanner{threshold: threshold}
}

func (s *InjectionScanner) Name() string { return "prompt_injection" }

func (s *InjectionScanner) Scan(ctx context.Context, text string) (ScanResult, error) {
	if err := ctx.Err(); err != nil {
		return ScanResult{}, err
	}

	score := 0.0
	for _, sentence := range sentenceSplit.Split(text, -1) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if sc := scoreSentence(sentence); sc > score {
			score = sc
		}
	}

	res := ScanResult{Category: "prompt_injection", Score: score}
	if score >= s.threshold {
		res.Flagged = true
		res.Message = injectionMessage(score)
	}
	return res, nil
}

// scoreSentence combines matching patterns as independent signals: 1 - Π(1 - w).
func scoreSentence(sentence string) float64 {
	miss := 1.0
	for _, p := range injectionPatterns {
		if p.re.MatchString(sentence) {
			miss *= 1 - p.weight
		}
	}
	return 1 - miss
}

func injectionMessage(score float64) string {
	switch {
	case score > 0.8:
		return "This appears to be a severe prompt injection attempt. Please rephrase your query."
	case score > 0.5:
		return "Your query contains patterns that could be interpreted as prompt injection. Please try rewording it."
	default:
		return "Your query contains some suspicious patterns. Please try making it more straightforward."
	}
}
