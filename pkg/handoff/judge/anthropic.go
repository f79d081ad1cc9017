package judge

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/handoff"
)

// AnthropicOptions configures an AnthropicChecker.
type AnthropicOptions struct {
	Model     string
	MaxTokens int64
	APIKey    string // Falls back to ANTHROPIC_API_KEY
}

// AnthropicChecker judges handoffs with the Anthropic Messages API.
type AnthropicChecker struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

var _ handoff.Checker = (*AnthropicChecker)(nil)

// NewAnthropicChecker creates a checker using the official client.
func NewAnthropicChecker(optFns ...func(o *AnthropicOptions)) *AnthropicChecker {
	opts := AnthropicOptions{
		Model:     string(anthropic.ModelClaude3_5Sonnet20241022),
		MaxTokens: DefaultMaxTokens,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicChecker{client: &client, opts: opts}
}

// Check asks the model for a verdict on payload.
func (c *AnthropicChecker) Check(ctx context.Context, payload *events.HandoffPayload) (handoff.Verdict, error) {
	prompt, err := userPrompt(payload)
	if err != nil {
		return handoff.Verdict{}, err
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.opts.Model),
		MaxTokens: c.opts.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return handoff.Verdict{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var reply strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply.WriteString(block.AsText().Text)
		}
	}

	return parseVerdict(reply.String())
}
