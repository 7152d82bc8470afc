package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicClient streams completions from the Anthropic Messages API.
// SDK retries are disabled; throttling surfaces as *errs.ThrottleError for
// the caller's retry policy.
type AnthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicClient creates a generator for model. baseURL may be empty.
func NewAnthropicClient(apiKey, baseURL, model string) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: defaultAnthropicMaxTokens,
	}
}

func (c *AnthropicClient) params(prompt Prompt) anthropic.MessageNewParams {
	maxTokens := prompt.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]anthropic.MessageParam, 0, len(prompt.Messages))
	for _, m := range prompt.Messages {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if prompt.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(prompt.Temperature))
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: prompt.System},
		}
	}
	return params
}

// StreamChat streams text deltas to callback in arrival order.
func (c *AnthropicClient) StreamChat(ctx context.Context, prompt Prompt, callback func(chunk string) error) error {
	stream := c.client.Messages.NewStreaming(ctx, c.params(prompt))
	defer func() {
		_ = stream.Close()
	}()

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				if err := callback(delta.Text); err != nil {
					return fmt.Errorf("callback error: %w", err)
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		return anthropicError(err)
	}
	return nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var h http.Header
		if apiErr.Response != nil {
			h = apiErr.Response.Header
		}
		return throttleIfLimited(apiErr.StatusCode, h, fmt.Errorf("anthropic stream failed: %w", err))
	}
	return fmt.Errorf("anthropic stream failed: %w", err)
}
