package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Verdict is a judge's relationship call between new content and an
// existing memory on the same topic.
type Verdict string

const (
	// VerdictEquivalent: same information, nothing new worth keeping.
	VerdictEquivalent Verdict = "equivalent"
	// VerdictEvolved: new content is an updated form of the old.
	VerdictEvolved Verdict = "evolved"
	// VerdictUnrelated: similar wording but genuinely distinct knowledge.
	VerdictUnrelated Verdict = "unrelated"
)

// Judge decides how new content relates to an existing same-topic memory.
// Implementations may be slow or unreliable; callers bound them with a
// context deadline and fail open on error.
type Judge interface {
	Review(ctx context.Context, newContent, oldContent string) (Verdict, error)
}

// RuleJudge is a deterministic offline judge: identical trimmed text is
// equivalent, majority word overlap means the content evolved, anything
// else is unrelated.
type RuleJudge struct{}

// NewRuleJudge creates the offline rule-based judge.
func NewRuleJudge() *RuleJudge {
	return &RuleJudge{}
}

func (j *RuleJudge) Review(ctx context.Context, newContent, oldContent string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	newTrim := strings.TrimSpace(newContent)
	oldTrim := strings.TrimSpace(oldContent)
	if newTrim == oldTrim {
		return VerdictEquivalent, nil
	}
	if wordOverlap(newTrim, oldTrim) > 0.5 {
		return VerdictEvolved, nil
	}
	return VerdictUnrelated, nil
}

// wordOverlap returns the fraction of the smaller text's words that also
// appear in the larger one.
func wordOverlap(a, b string) float64 {
	wordsA := strings.Fields(strings.ToLower(a))
	wordsB := strings.Fields(strings.ToLower(b))
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(wordsA))
	for _, w := range wordsA {
		setA[w] = true
	}
	setB := make(map[string]bool, len(wordsB))
	common := 0
	for _, w := range wordsB {
		if setB[w] {
			continue
		}
		setB[w] = true
		if setA[w] {
			common++
		}
	}
	smaller := len(setA)
	if len(setB) < smaller {
		smaller = len(setB)
	}
	return float64(common) / float64(smaller)
}

const claudeJudgeSystem = `You arbitrate between a new piece of agent memory and an existing one on the same topic.
Answer with exactly one word:
EQUIVALENT if the new content adds nothing over the existing memory.
EVOLVED if the new content is an updated or corrected form of the existing memory.
UNRELATED if they describe genuinely distinct knowledge despite similar wording.`

// ClaudeJudge delegates the relationship call to an Anthropic model.
type ClaudeJudge struct {
	client anthropic.Client
	model  string
}

// NewClaudeJudge creates a judge backed by the Anthropic API.
func NewClaudeJudge(apiKey, model string) *ClaudeJudge {
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &ClaudeJudge{client: anthropic.NewClient(opts...), model: model}
}

func (j *ClaudeJudge) Review(ctx context.Context, newContent, oldContent string) (Verdict, error) {
	prompt := fmt.Sprintf("EXISTING MEMORY:\n%s\n\nNEW CONTENT:\n%s", oldContent, newContent)
	resp, err := j.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(j.model),
		MaxTokens: 8,
		System: []anthropic.TextBlockParam{
			{Text: claudeJudgeSystem},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("judge request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseVerdict(text.String())
}

func parseVerdict(text string) (Verdict, error) {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "EQUIVALENT"):
		return VerdictEquivalent, nil
	case strings.Contains(upper, "EVOLVED"):
		return VerdictEvolved, nil
	case strings.Contains(upper, "UNRELATED"):
		return VerdictUnrelated, nil
	}
	return "", fmt.Errorf("indeterminate judge response: %q", strings.TrimSpace(text))
}
