package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// Gemini 的 OpenAI 兼容入口
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

const DefaultModel = "gemini-flash-latest"

var (
	ErrRateLimited   = errors.New("rate limited")
	ErrModelNotFound = errors.New("model not found")
	// ErrUnauthorized 凭据缺失或被拒绝，重试无意义，整轮采集应当停止
	ErrUnauthorized = errors.New("llm credentials rejected")
)

// Completion 一次补全调用的原始结果
type Completion struct {
	Text         string
	FinishReason string
	Refusal      string
}

// Completer 生成式补全后端。限流错误需要包装 ErrRateLimited，模型不存在需要包装 ErrModelNotFound，
// 凭据问题需要包装 ErrUnauthorized。
type Completer interface {
	Complete(ctx context.Context, model, prompt string) (Completion, error)
}

// OpenAIBackend 通过 openai-go 调用 OpenAI 兼容的 chat completions 接口，要求 JSON 对象输出
type OpenAIBackend struct {
	client openai.Client
	hasKey bool
}

func NewOpenAIBackend(apiKey, baseURL string, timeout time.Duration) *OpenAIBackend {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/"),
		// 重试由 Summarizer 自己控制
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	return &OpenAIBackend{client: openai.NewClient(opts...), hasKey: strings.TrimSpace(apiKey) != ""}
}

// Ready 未配置 key 时返回 ErrUnauthorized，不发出请求
func (b *OpenAIBackend) Ready() error {
	if !b.hasKey {
		return fmt.Errorf("%w: api key is empty", ErrUnauthorized)
	}
	return nil
}

func (b *OpenAIBackend) Complete(ctx context.Context, model, prompt string) (Completion, error) {
	if err := b.Ready(); err != nil {
		return Completion{}, err
	}
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return Completion{}, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return Completion{FinishReason: "no_choices"}, nil
	}
	choice := resp.Choices[0]
	return Completion{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Refusal:      choice.Message.Refusal,
	}, nil
}

func classifyAPIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrModelNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}
	// Gemini 对无效 key 返回 400 API_KEY_INVALID
	if strings.Contains(err.Error(), "API_KEY_INVALID") {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	// Gemini 有时以其它状态码返回配额错误
	if strings.Contains(err.Error(), "RESOURCE_EXHAUSTED") {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}
