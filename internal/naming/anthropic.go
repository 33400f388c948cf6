package naming

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("orchflow/naming")

// AnthropicNamer asks the Anthropic Messages API for a worker name.
type AnthropicNamer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	onUsage   func(ctx context.Context, provider, model string, input, output int64)
}

// LLMConfig configures either LLM namer.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// MaxTokens defaults to 64; names are a few words.
	MaxTokens int64
	// ExtraHeaders are sent with every request (e.g. "api-key" for Azure).
	ExtraHeaders map[string]string
	// OnUsage, when set, receives token usage after each call.
	OnUsage func(ctx context.Context, provider, model string, input, output int64)
}

// NewAnthropicNamer creates an Anthropic-backed namer.
func NewAnthropicNamer(cfg LLMConfig) *AnthropicNamer {
	var opts []option.RequestOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	for k, v := range cfg.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 64
	}
	m := cfg.Model
	if m == "" {
		m = "claude-haiku-4-5"
	}
	return &AnthropicNamer{
		client:    anthropic.NewClient(opts...),
		model:     m,
		maxTokens: maxTokens,
		onUsage:   cfg.OnUsage,
	}
}

// Provider returns "anthropic".
func (n *AnthropicNamer) Provider() string { return "anthropic" }

// Name returns the model's raw answer; WithFallback cleans and validates it.
func (n *AnthropicNamer) Name(ctx context.Context, task string) (string, error) {
	ctx, span := tracer.Start(ctx, "chat "+n.model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "chat"),
			attribute.String("gen_ai.provider.name", "anthropic"),
			attribute.String("gen_ai.request.model", n.model),
			attribute.Int64("gen_ai.request.max_tokens", n.maxTokens),
		),
	)
	defer span.End()

	resp, err := n.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(n.model),
		MaxTokens: n.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(UserPromptTemplate + task)),
		},
	})
	if err != nil {
		span.SetAttributes(attribute.String("error.type", "api_error"))
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}
	if len(resp.Content) == 0 {
		span.SetAttributes(attribute.String("error.type", "empty_response"))
		return "", fmt.Errorf("anthropic API returned empty response")
	}
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
	)
	if n.onUsage != nil {
		n.onUsage(ctx, "anthropic", n.model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	return resp.Content[0].Text, nil
}
