// Package enrich is the LLM enrichment seam for the memory store. Every
// capability degrades to an empty result when the API is unreachable,
// unconfigured, or returns something unparseable; a memory write never
// fails because enrichment did.
package enrich

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/untoldecay/hive/internal/debug"
)

const (
	defaultModel = "claude-3-5-haiku-latest"
	maxTagTokens = 256
)

const tagPrompt = `List up to 5 short lowercase topic tags for the note below.
Reply with a JSON array of strings and nothing else.

Note:
`

// Tagger proposes tags for memory content via the Anthropic API.
type Tagger struct {
	client  anthropic.Client
	model   anthropic.Model
	enabled bool
}

// NewTagger reads ANTHROPIC_API_KEY; without one the tagger is a no-op.
func NewTagger(model string) *Tagger {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return &Tagger{}
	}
	if model == "" {
		model = defaultModel
	}
	return &Tagger{
		client:  anthropic.NewClient(option.WithAPIKey(key)),
		model:   anthropic.Model(model),
		enabled: true,
	}
}

// AutoTag returns proposed tags, or nil when disabled or on any failure.
func (t *Tagger) AutoTag(ctx context.Context, content string) []string {
	if !t.enabled || content == "" {
		return nil
	}
	message, err := t.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     t.model,
		MaxTokens: maxTagTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(tagPrompt + content)),
		},
	})
	if err != nil {
		debug.Logf("swarm:enrich", "auto-tag call failed: %v", err)
		return nil
	}
	if len(message.Content) == 0 || message.Content[0].Type != "text" {
		return nil
	}
	return parseTags(message.Content[0].Text)
}

// parseTags accepts a bare JSON array, tolerating surrounding prose.
func parseTags(text string) []string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &tags); err != nil {
		debug.Logf("swarm:enrich", "unparseable tag response: %v", err)
		return nil
	}
	out := tags[:0]
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			out = append(out, tag)
		}
	}
	return out
}
