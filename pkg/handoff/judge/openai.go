package judge

import (
	"context"
	"fmt"

	"github.com/dyluth/warren/pkg/events"
	"github.com/dyluth/warren/pkg/handoff"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures an OpenAIChecker.
type OpenAIOptions struct {
	Model     string
	MaxTokens int64
	APIKey    string // Falls back to OPENAI_API_KEY
}

// OpenAIChecker judges handoffs with the OpenAI Chat Completions API.
type OpenAIChecker struct {
	client *openai.Client
	opts   OpenAIOptions
}

var _ handoff.Checker = (*OpenAIChecker)(nil)

// NewOpenAIChecker creates a checker using the official client.
func NewOpenAIChecker(optFns ...func(o *OpenAIOptions)) *OpenAIChecker {
	opts := OpenAIOptions{
		Model:     openai.ChatModelGPT4oMini,
		MaxTokens: DefaultMaxTokens,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAIChecker{client: &client, opts: opts}
}

// Check asks the model for a verdict on payload.
func (c *OpenAIChecker) Check(ctx context.Context, payload *events.HandoffPayload) (handoff.Verdict, error) {
	prompt, err := userPrompt(payload)
	if err != nil {
		return handoff.Verdict{}, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(c.opts.MaxTokens),
		Temperature:         openai.Float(0),
	})
	if err != nil {
		return handoff.Verdict{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return handoff.Verdict{}, fmt.Errorf("no choices returned")
	}

	return parseVerdict(resp.Choices[0].Message.Content)
}
