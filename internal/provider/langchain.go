package provider

import (
	"context"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/apperror"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// LangChainInvoker calls a provider through a langchaingo model client.
// The concrete model is selected per call.
type LangChainInvoker struct {
	provider   models.LLMProvider
	llm        llms.Model
	inputKeys  []string
	outputKeys []string
}

// NewOpenAIInvoker creates an invoker for the OpenAI chat completions API.
func NewOpenAIInvoker(apiKey string, opts ...openai.Option) (*LangChainInvoker, error) {
	if apiKey == "" {
		return nil, apperror.Permanent(models.ProviderOpenAI, "api key is required", nil)
	}
	client, err := openai.New(append([]openai.Option{openai.WithToken(apiKey)}, opts...)...)
	if err != nil {
		return nil, classifyMessage(models.ProviderOpenAI, err)
	}
	return newLangChainInvoker(models.ProviderOpenAI, client,
		[]string{"PromptTokens"}, []string{"CompletionTokens"}), nil
}

// NewGeminiInvoker creates an invoker for the Google Gemini API.
func NewGeminiInvoker(ctx context.Context, apiKey string, opts ...googleai.Option) (*LangChainInvoker, error) {
	if apiKey == "" {
		return nil, apperror.Permanent(models.ProviderGemini, "api key is required", nil)
	}
	client, err := googleai.New(ctx, append([]googleai.Option{googleai.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, classifyMessage(models.ProviderGemini, err)
	}
	return newLangChainInvoker(models.ProviderGemini, client,
		[]string{"input_tokens", "PromptTokens"}, []string{"output_tokens", "CompletionTokens"}), nil
}

func newLangChainInvoker(p models.LLMProvider, llm llms.Model, inputKeys, outputKeys []string) *LangChainInvoker {
	return &LangChainInvoker{provider: p, llm: llm, inputKeys: inputKeys, outputKeys: outputKeys}
}

// Provider implements Invoker.
func (l *LangChainInvoker) Provider() models.LLMProvider {
	return l.provider
}

// Invoke implements Invoker.
func (l *LangChainInvoker) Invoke(ctx context.Context, model string, req Request) (*Response, error) {
	messages := make([]llms.MessageContent, 0, 2)
	if req.System != "" {
		messages = append(messages, llms.MessageContent{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(req.System)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  schema.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.Prompt)},
	})

	resp, err := l.llm.GenerateContent(ctx, messages,
		llms.WithModel(model),
		llms.WithMaxTokens(int(req.maxTokens())),
	)
	if err != nil {
		return nil, classifyMessage(l.provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, apperror.Transient(l.provider, "empty response", nil)
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Content,
		InputTokens:  firstUsage(choice.GenerationInfo, l.inputKeys),
		OutputTokens: firstUsage(choice.GenerationInfo, l.outputKeys),
	}
	// Not every backend reports usage; fall back to the length heuristic so
	// the call is still billed.
	if out.InputTokens == 0 {
		out.InputTokens = router.EstimateTokenCount(req.System + req.Prompt)
	}
	if out.OutputTokens == 0 {
		out.OutputTokens = router.EstimateTokenCount(choice.Content)
	}
	return out, nil
}

func firstUsage(info map[string]any, keys []string) int64 {
	for _, k := range keys {
		if v := toInt64(info[k]); v > 0 {
			return v
		}
	}
	return 0
}
