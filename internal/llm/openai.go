package llm

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// DefaultModel is used when neither the agent nor the client names one
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures the OpenAI chat completions client
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI invokes chat completions. Retries are left to the caller's policy, so
// the SDK's own retry loop is disabled.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates the client. An empty API key is a fatal configuration error.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, Errorf(KindFatal, "openai api key not set")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}, nil
}

// Invoke implements Invoker
func (o *OpenAI) Invoke(ctx context.Context, prompt string, cfg AgentConfig) (Response, error) {
	model := cfg.Model
	if model == "" {
		model = o.model
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if cfg.System != "" {
		messages = append(messages, openai.SystemMessage(cfg.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(cfg.Temperature),
	}
	if cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(cfg.MaxTokens))
	}
	if cfg.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		}
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, classifyOpenAI(err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, Errorf(KindProvider, "openai returned no choices")
	}

	choice := completion.Choices[0]
	if choice.FinishReason == "content_filter" {
		return Response{}, Errorf(KindFatal, "openai refused the prompt: content filter")
	}
	text := choice.Message.Content
	if strings.TrimSpace(text) == "" && choice.Message.Refusal != "" {
		return Response{}, Errorf(KindFatal, "openai refused the prompt: %s", choice.Message.Refusal)
	}

	return Response{
		Text:  text,
		Model: completion.Model,
		Usage: TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func classifyOpenAI(err error) error {
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, err)
	}

	var apiErr *openai.Error
	if !stderrors.As(err, &apiErr) {
		// transport failures: connection refused, reset, DNS
		return NewError(KindProvider, err)
	}
	switch code := apiErr.StatusCode; {
	case code == http.StatusTooManyRequests:
		return NewError(KindRateLimited, err)
	case code == http.StatusRequestTimeout:
		return NewError(KindTimeout, err)
	case code >= 500:
		return NewError(KindProvider, err)
	default:
		// 4xx: bad key, unknown model, invalid request
		return NewError(KindFatal, err)
	}
}
