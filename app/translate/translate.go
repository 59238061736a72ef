// Package translate 将英文输入翻译为目标语言。
package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"audio-forge/app/model"
	"audio-forge/app/tts"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Translator 文本翻译
type Translator interface {
	Translate(ctx context.Context, text string, target model.Language) (string, error)
}

// Passthrough 不做翻译，原样返回
type Passthrough struct{}

func (Passthrough) Translate(_ context.Context, text string, _ model.Language) (string, error) {
	return text, nil
}

// OpenAIConfig 翻译使用的聊天模型配置
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// OpenAI 使用聊天补全接口翻译
type OpenAI struct {
	client      openai.Client
	model       string
	temperature float64
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAI{
		client:      openai.NewClient(opts...),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func systemPrompt(target model.Language) string {
	return fmt.Sprintf("You are a highly accurate and fluent translator. "+
		"Translate the following English text into %s. "+
		"Provide only the translated text, without any additional comments, explanations, or conversational filler. "+
		"Preserve paragraph breaks and sentence punctuation.", target.DisplayName())
}

func (o *OpenAI) Translate(ctx context.Context, text string, target model.Language) (string, error) {
	if target == model.SourceLanguage || strings.TrimSpace(text) == "" {
		return text, nil
	}

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(target)),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(o.temperature),
	})
	if err != nil {
		return "", mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &tts.ProviderError{Provider: "openai-translate", StatusCode: http.StatusBadGateway, Message: "翻译结果为空"}
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", &tts.ProviderError{Provider: "openai-translate", StatusCode: http.StatusBadGateway, Message: "翻译结果为空"}
	}
	return out, nil
}

// mapError 复用合成错误的分类，使处理器对翻译失败采用相同的重试策略
func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &tts.ProviderError{
			Provider:   "openai-translate",
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return &tts.ProviderError{Provider: "openai-translate", Err: err}
}
