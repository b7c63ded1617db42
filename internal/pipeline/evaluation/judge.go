package evaluation

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"pigeon/internal/pipeline/config"
)

// JudgeResult is the LLM judge's verdict for one LLM test case,
// recorded verbatim in the per-test report.
type JudgeResult struct {
	Output   string `json:"output"`
	EvalType string `json:"eval_type"`
}

// Judge submits a query plus retrieved contexts to a configured LLM
// judge model, following the judge prompt and eval_type from the LLM
// test case.
type Judge struct {
	Chat  ChatClient
	Model string
}

// ChatClient sends one non-streaming chat turn and returns the model's
// reply text. Concrete SDK wiring (OpenAI, Anthropic) lives in the
// adapters below; Judge depends only on this narrow seam so tests can
// supply a stub.
type ChatClient interface {
	Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error)
}

// Score builds the judge prompt from the query, retrieved contexts, and
// the test's own judge prompt, then asks the configured model to grade
// the result set (eval_type "single") or compare two result sets
// (eval_type "pairwise", where pairedContexts is the second run).
func (j *Judge) Score(ctx context.Context, query string, contexts []string, judgePrompt, evalType string, pairedContexts []string) (JudgeResult, error) {
	var sb strings.Builder
	sb.WriteString(judgePrompt)
	sb.WriteString("\n\nQuery: ")
	sb.WriteString(query)
	sb.WriteString("\n\nRetrieved contexts:\n")
	for i, c := range contexts {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, c)
	}
	if evalType == "pairwise" {
		sb.WriteString("\nComparison contexts:\n")
		for i, c := range pairedContexts {
			fmt.Fprintf(&sb, "[%d] %s\n", i+1, c)
		}
	}

	out, err := j.Chat.Complete(ctx, j.Model,
		"You are grading retrieval quality. Respond with your judgment only.", sb.String())
	if err != nil {
		return JudgeResult{}, err
	}
	return JudgeResult{Output: out, EvalType: evalType}, nil
}

// NewChatClient selects a ChatClient by provider name. dryRun always
// selects the deterministic client regardless of provider.
func NewChatClient(cfg config.LLMConfig, dryRun bool) ChatClient {
	if dryRun {
		return DeterministicChatClient{}
	}
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicChatClient("")
	default:
		return NewOpenAIChatClient("")
	}
}

// DeterministicChatClient echoes a fixed judgment so dry runs never
// perform network calls.
type DeterministicChatClient struct{}

func (DeterministicChatClient) Complete(_ context.Context, model, _, userPrompt string) (string, error) {
	return fmt.Sprintf("dry-run judgment (model=%s, prompt_len=%d)", model, len(userPrompt)), nil
}

// OpenAIChatClient sends judge prompts through the OpenAI chat
// completions API.
type OpenAIChatClient struct {
	sdk sdk.Client
}

// NewOpenAIChatClient builds a client; apiKey empty defers to the
// OPENAI_API_KEY environment variable, matching option.WithAPIKey's
// default resolution.
func NewOpenAIChatClient(apiKey string) *OpenAIChatClient {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &OpenAIChatClient{sdk: sdk.NewClient(opts...)}
}

func (c *OpenAIChatClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(systemPrompt),
			sdk.UserMessage(userPrompt),
		},
	}
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(comp.Choices) == 0 {
		return "", fmt.Errorf("openai judge: empty response")
	}
	return comp.Choices[0].Message.Content, nil
}

// AnthropicChatClient sends judge prompts through the Anthropic
// Messages API.
type AnthropicChatClient struct {
	sdk anthropic.Client
}

func NewAnthropicChatClient(apiKey string) *AnthropicChatClient {
	opts := []aoption.RequestOption{}
	if apiKey != "" {
		opts = append(opts, aoption.WithAPIKey(apiKey))
	}
	return &AnthropicChatClient{sdk: anthropic.NewClient(opts...)}
}

func (c *AnthropicChatClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	msg, err := c.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String(), nil
}
