package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"audio-forge/app/model"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "tts-1"
	openAIDefaultVoice = "alloy"
)

// OpenAIConfig OpenAI 语音合成配置
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Voice      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAI 基于官方 SDK 的合成实现
type OpenAI struct {
	model  string
	voice  string
	client openai.Client
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = openAIDefaultVoice
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	// 重试由处理器统一控制
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAI{
		model:  cfg.Model,
		voice:  cfg.Voice,
		client: openai.NewClient(opts...),
	}
}

func (o *OpenAI) Name() string {
	return OpenAIName
}

func (o *OpenAI) Synthesize(ctx context.Context, req Request) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &ProviderError{Provider: OpenAIName, Message: "文本为空"}
	}
	voice := req.Voice
	if voice == "" || !model.IsOpenAIVoice(voice) {
		voice = o.voice
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}

	resp, err := o.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          openai.SpeechModel(o.model),
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
		Speed:          openai.Float(speed),
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: OpenAIName, Message: "读取音频失败", Err: err}
	}
	if len(audio) == 0 {
		return nil, &ProviderError{Provider: OpenAIName, StatusCode: http.StatusBadGateway, Message: "返回了空音频"}
	}
	return &Result{Audio: audio, Format: "mp3"}, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe := &ProviderError{
			Provider:   OpenAIName,
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Message,
			Err:        err,
		}
		if pe.Message == "" {
			pe.Message = fmt.Sprintf("HTTP %d", apiErr.StatusCode)
		}
		if apiErr.Response != nil {
			pe.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return pe
	}
	return &ProviderError{Provider: OpenAIName, Err: err}
}

