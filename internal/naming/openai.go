package naming

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OpenAINamer asks an OpenAI-compatible Chat Completions API for a worker name.
type OpenAINamer struct {
	client    openai.Client
	model     string
	maxTokens int64
	onUsage   func(ctx context.Context, provider, model string, input, output int64)
}

// NewOpenAINamer creates an OpenAI-backed namer.
func NewOpenAINamer(cfg LLMConfig) *OpenAINamer {
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
		m = "gpt-4o-mini"
	}
	return &OpenAINamer{
		client:    openai.NewClient(opts...),
		model:     m,
		maxTokens: maxTokens,
		onUsage:   cfg.OnUsage,
	}
}

// Provider returns "openai".
func (n *OpenAINamer) Provider() string { return "openai" }

// Name returns the model's raw answer.
func (n *OpenAINamer) Name(ctx context.Context, task string) (string, error) {
	ctx, span := tracer.Start(ctx, "chat "+n.model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("gen_ai.operation.name", "chat"),
			attribute.String("gen_ai.provider.name", "openai"),
			attribute.String("gen_ai.request.model", n.model),
			attribute.Int64("gen_ai.request.max_tokens", n.maxTokens),
		),
	)
	defer span.End()

	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: n.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(SystemPrompt),
			openai.UserMessage(UserPromptTemplate + task),
		},
		MaxCompletionTokens: openai.Int(n.maxTokens),
	})
	if err != nil {
		span.SetAttributes(attribute.String("error.type", "api_error"))
		return "", fmt.Errorf("openai API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetAttributes(attribute.String("error.type", "empty_response"))
		return "", fmt.Errorf("openai API returned empty response")
	}
	span.SetAttributes(
		attribute.String("gen_ai.response.id", resp.ID),
		attribute.Int64("gen_ai.usage.input_tokens", resp.Usage.PromptTokens),
		attribute.Int64("gen_ai.usage.output_tokens", resp.Usage.CompletionTokens),
	)
	if n.onUsage != nil {
		n.onUsage(ctx, "openai", n.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}
	return resp.Choices[0].Message.Content, nil
}
