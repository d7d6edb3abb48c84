package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/internal/router"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

// AnthropicInvoker calls the Anthropic Messages API.
type AnthropicInvoker struct {
	client anthropic.Client
}

// NewAnthropicInvoker creates an invoker authenticated with apiKey. SDK-level
// retries are disabled; retry policy belongs to the fallback executor.
func NewAnthropicInvoker(apiKey string, opts ...option.RequestOption) *AnthropicInvoker {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &AnthropicInvoker{client: anthropic.NewClient(append(base, opts...)...)}
}

// Provider implements Invoker.
func (a *AnthropicInvoker) Provider() models.LLMProvider {
	return models.ProviderAnthropic
}

// Invoke implements Invoker.
func (a *AnthropicInvoker) Invoke(ctx context.Context, model string, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: req.maxTokens(),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(models.ProviderAnthropic, apiErr.StatusCode, err)
		}
		return nil, classifyMessage(models.ProviderAnthropic, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(variant.Text)
		}
	}

	out := &Response{
		Content:      sb.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	if out.InputTokens == 0 {
		out.InputTokens = router.EstimateTokenCount(req.System + req.Prompt)
	}
	return out, nil
}
