package security

import (
	"context"
	"fmt"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const moderationModel = "omni-moderation-latest"

// ModerationClient is the subset of the go-openai client used for moderation.
type ModerationClient interface {
	Moderations(ctx context.Context, request openai.ModerationRequest) (openai.ModerationResponse, error)
}

// ModerationScanner flags content through the OpenAI moderation endpoint and a
// local banned-topic threshold applied to the returned category scores.
type ModerationScanner struct {
	client       ModerationClient
	banThreshold float64
}

func NewModerationScanner(client ModerationClient, banThreshold float64) *ModerationScanner {
	if banThreshold <= 0 {
		banThreshold = 0.6
	}
	return &ModerationScanner{client: client, banThreshold: banThreshold}
}

func (s *ModerationScanner) Name() string { return "moderation" }

type categoryScore struct {
	name    string
	topic   string
	flagged bool
	score   float64
}

func (s *ModerationScanner) Scan(ctx context.Context, text string) (ScanResult, error) {
	resp, err := s.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: moderationModel,
	})
	if err != nil {
		return ScanResult{}, err
	}
	if len(resp.Results) == 0 {
		return ScanResult{}, fmt.Errorf("moderation returned no results")
	}

	result := resp.Results[0]
	scores := categoryScores(result)

	var (
		flagged []categoryScore
		top     categoryScore
	)
	for _, c := range scores {
		if c.score > top.score {
			top = c
		}
		if c.flagged || (c.topic != "" && c.score >= s.banThreshold) {
			flagged = append(flagged, c)
		}
	}

	res := ScanResult{Category: top.name, Score: top.score}
	if !result.Flagged && len(flagged) == 0 {
		return res, nil
	}

	res.Flagged = true
	sort.SliceStable(flagged, func(i, j int) bool { return flagged[i].score > flagged[j].score })
	if len(flagged) > 0 {
		res.Category = flagged[0].name
		res.Score = flagged[0].score
	}
	res.Message = moderationMessage(flagged)
	return res, nil
}

// categoryScores flattens the moderation result; topic names the banned topic a category belongs to.
func categoryScores(r openai.Result) []categoryScore {
	c, sc := r.Categories, r.CategoryScores
	return []categoryScore{
		{"hate", "hate", c.Hate, float64(sc.Hate)},
		{"hate/threatening", "hate", c.HateThreatening, float64(sc.HateThreatening)},
		{"harassment", "", c.Harassment, float64(sc.Harassment)},
		{"harassment/threatening", "", c.HarassmentThreatening, float64(sc.HarassmentThreatening)},
		{"self-harm", "self-harm", c.SelfHarm, float64(sc.SelfHarm)},
		{"self-harm/intent", "self-harm", c.SelfHarmIntent, float64(sc.SelfHarmIntent)},
		{"self-harm/instructions", "self-harm", c.SelfHarmInstructions, float64(sc.SelfHarmInstructions)},
		{"sexual", "nsfw", c.Sexual, float64(sc.Sexual)},
		{"sexual/minors", "nsfw", c.SexualMinors, float64(sc.SexualMinors)},
		{"violence", "violence", c.Violence, float64(sc.Violence)},
		{"violence/graphic", "violence", c.ViolenceGraphic, float64(sc.ViolenceGraphic)},
	}
}

func moderationMessage(flagged []categoryScore) string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range flagged {
		label := c.name
		if c.topic != "" {
			label = c.topic
		}
		if !seen[label] {
			seen[label] = true
			names = append(names, label)
		}
	}

	switch len(names) {
	case 0:
		return "Your message was flagged for banned topics. Please revise and try again."
	case 1:
		return fmt.Sprintf("Your message was flagged for %s. Please revise and try again.", names[0])
	default:
		return fmt.Sprintf("Your message was flagged for %s and %s. Please revise and try again.",
			strings.Join(names[:len(names)-1], ", "), names[len(names)-1])
	}
}
