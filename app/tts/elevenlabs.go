package tts

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"audio-forge/app/model"

	"resty.dev/v3"
)

const (
	ElevenLabsName           = "elevenlabs"
	elevenLabsDefaultBaseURL = "https://api.elevenlabs.io/v1"
	elevenLabsDefaultModel   = "eleven_multilingual_v2"
	elevenLabsOutputFormat   = "mp3_44100_128"
)

// ElevenLabsConfig ElevenLabs 配置
type ElevenLabsConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voices  map[string]string // 语言 -> 默认 voice id
	Timeout time.Duration
}

// ElevenLabs 通过 REST 接口合成
type ElevenLabs struct {
	client *resty.Client
	model  string
	voices map[string]string
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	Speed           float64 `json:"speed,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsError struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

func NewElevenLabs(cfg ElevenLabsConfig) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = elevenLabsDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = elevenLabsDefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("xi-api-key", cfg.APIKey).
		SetHeader("Accept", "audio/mpeg")

	return &ElevenLabs{
		client: client,
		model:  cfg.Model,
		voices: cfg.Voices,
	}
}

func (e *ElevenLabs) Name() string {
	return ElevenLabsName
}

func (e *ElevenLabs) Synthesize(ctx context.Context, req Request) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, &ProviderError{Provider: ElevenLabsName, Message: "文本为空"}
	}
	voice := req.Voice
	if voice == "" || model.IsOpenAIVoice(voice) {
		voice = e.voices[string(req.Language)]
	}
	if voice == "" {
		return nil, &ProviderError{Provider: ElevenLabsName, Message: fmt.Sprintf("语言 %s 没有可用的 voice id", req.Language)}
	}

	// ElevenLabs 的语速范围比 OpenAI 窄
	speed := req.Speed
	if speed != 0 {
		speed = min(max(speed, 0.7), 1.2)
	}

	var apiErr elevenLabsError
	resp, err := e.client.R().
		SetContext(ctx).
		SetPathParam("voice", voice).
		SetQueryParam("output_format", elevenLabsOutputFormat).
		SetHeader("Content-Type", "application/json").
		SetBody(elevenLabsRequest{
			Text:    text,
			ModelID: e.model,
			VoiceSettings: elevenLabsVoiceSettings{
				Stability:       0.5,
				SimilarityBoost: 0.75,
				Speed:           speed,
				UseSpeakerBoost: true,
			},
		}).
		SetError(&apiErr).
		Post("/text-to-speech/{voice}")
	if err != nil {
		return nil, &ProviderError{Provider: ElevenLabsName, Message: "请求失败", Err: err}
	}

	if resp.StatusCode() != http.StatusOK {
		msg := apiErr.Detail.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return nil, &ProviderError{
			Provider:   ElevenLabsName,
			StatusCode: resp.StatusCode(),
			Message:    msg,
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
		}
	}

	audio := resp.Bytes()
	if len(audio) == 0 {
		return nil, &ProviderError{Provider: ElevenLabsName, StatusCode: http.StatusBadGateway, Message: "返回了空音频"}
	}
	return &Result{Audio: audio, Format: "mp3"}, nil
}
