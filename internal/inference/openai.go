package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	apperrors "edgeai/internal/errors"
	"edgeai/internal/registry"
)

var _ Backend = (*OpenAI)(nil)

// OpenAI calls an OpenAI-compatible chat completions endpoint, such as
// LiteLLM, llama.cpp server or vLLM. The server owns its weights, so pair it
// with NopLoader.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI builds a backend for baseURL. apiKey may be empty for local
// servers.
func NewOpenAI(baseURL, apiKey string, opts ...option.RequestOption) *OpenAI {
	all := make([]option.RequestOption, 0, len(opts)+2)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		all = append(all, option.WithBaseURL(baseURL))
	}
	if apiKey == "" {
		apiKey = "unused"
	}
	all = append(all, option.WithAPIKey(apiKey))
	all = append(all, opts...)
	return &OpenAI{client: openai.NewClient(all...)}
}

func (o *OpenAI) Infer(ctx context.Context, model registry.Handle, prompt string, params Params) (Result, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if params.System != "" {
		messages = append(messages, openai.SystemMessage(params.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	req := openai.ChatCompletionNewParams{
		Model:    modelName(model),
		Messages: messages,
	}
	if params.Temperature > 0 {
		req.Temperature = openai.Float(params.Temperature)
	}
	if params.TopP > 0 {
		req.TopP = openai.Float(params.TopP)
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(params.MaxTokens))
	}
	var reqOpts []option.RequestOption
	if len(params.Stop) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("stop", params.Stop))
	}

	resp, err := o.client.Chat.Completions.New(ctx, req, reqOpts...)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			err = &apperrors.HTTPStatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		}
		return Result{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("openai chat completion: empty choices for %s", modelName(model))
	}
	choice := resp.Choices[0]
	res := Result{
		Text:             choice.Message.Content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	applyFinishReason(&res, choice.FinishReason)
	return res, nil
}
