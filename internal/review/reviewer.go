// Package review asks an LLM to look over staged changes before they merge.
// Reviews are advisory; a failed or unreachable reviewer never blocks a merge.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/wrangle-dev/wrangle/internal/models"
)

// Client wraps the Anthropic API for staged-change review.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates a review client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildPrompt constructs the system and user prompts for a staged-change review.
func buildPrompt(change models.StagedChange, diff string) (system string, user string) {
	system = `You review code changes staged for merge into a main branch. Return ONLY a JSON object with these fields:
- "success": boolean, false when any issue of type "bug" or "security" is found
- "issues": array of objects with "file" (path), "line" (number, 0 if unknown), "type" (one of "bug", "security", "style", "performance"), "message" (what is wrong), "suggestion" (how to fix, can be empty)
- "suggestions": array of strings with general improvements that are not defects
- "summary": 1-3 sentence overall assessment

Rules:
- Only report issues visible in the diff; do not speculate about unseen code
- Style nits belong in "suggestions" unless they obscure a defect
- An empty issues array with success=true means the change looks safe to merge
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\nFiles staged: %s\n\nDiff:\n\n", change.SpecName, strings.Join(change.Files, ", "))
	sb.WriteString(diff)
	user = sb.String()
	return
}

// Review sends one task's staged diff for review. On any transport or parse
// failure it returns a degraded not-successful report alongside the error, so
// callers can always render something.
func (c *Client) Review(ctx context.Context, change models.StagedChange, diff string) (*models.ReviewReport, error) {
	systemPrompt, userPrompt := buildPrompt(change, diff)

	degraded := func(err error) (*models.ReviewReport, error) {
		return &models.ReviewReport{
			Success: false,
			Summary: fmt.Sprintf("review unavailable: %v", err),
		}, err
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 4096,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return degraded(fmt.Errorf("anthropic API call: %w", err))
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return degraded(fmt.Errorf("no text content in API response"))
	}

	var report models.ReviewReport
	if err := json.Unmarshal([]byte(stripFencing(text)), &report); err != nil {
		return degraded(fmt.Errorf("parse review response as JSON: %w", err))
	}
	return &report, nil
}

// stripFencing removes markdown code fencing a model sometimes wraps around
// JSON output despite instructions.
func stripFencing(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) > 1 {
		text = lines[1]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}
