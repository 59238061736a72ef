package model

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Provider 语音合成服务商
type Provider string

const (
	ProviderAuto       Provider = "auto"
	ProviderOpenAI     Provider = "openai"
	ProviderElevenLabs Provider = "elevenlabs"
)

// Personality 旁白风格
type Personality string

const (
	PersonalityArtDealer     Personality = "art_dealer"
	PersonalityArtInstructor Personality = "art_instructor"
	PersonalityHybrid        Personality = "hybrid"
)

const (
	DefaultSpeed = 1.0
	MinSpeed     = 0.25
	MaxSpeed     = 4.0
)

var openAIVoices = map[string]struct{}{
	"alloy": {}, "ash": {}, "ballad": {}, "coral": {}, "echo": {}, "fable": {},
	"nova": {}, "onyx": {}, "sage": {}, "shimmer": {}, "verse": {},
}

// ElevenLabs 的 voice id 是一串字母数字
var elevenLabsVoiceID = regexp.MustCompile(`^[A-Za-z0-9]{16,40}$`)

// IsOpenAIVoice 是否为 OpenAI 内置音色名
func IsOpenAIVoice(v string) bool {
	_, ok := openAIVoices[strings.ToLower(v)]
	return ok
}

// IsElevenLabsVoice 是否符合 ElevenLabs voice id 格式
func IsElevenLabsVoice(v string) bool {
	return elevenLabsVoiceID.MatchString(v) && !IsOpenAIVoice(v)
}

// ProviderFor auto 模式下英文走 OpenAI，其他语言走 ElevenLabs
func ProviderFor(pref Provider, lang Language) Provider {
	if pref != "" && pref != ProviderAuto {
		return pref
	}
	if lang == LanguageEnglish {
		return ProviderOpenAI
	}
	return ProviderElevenLabs
}

// JobConfig 任务的合成参数，提交时校验
type JobConfig struct {
	Provider    Provider    `json:"provider"`
	VoiceID     string      `json:"voice_id,omitempty"`
	Speed       float64     `json:"speed"`
	CallbackURL string      `json:"callback_url,omitempty"`
	Personality Personality `json:"personality"`
	Title       string      `json:"title,omitempty"`
}

// WithDefaults 填充未设置的字段
func (c JobConfig) WithDefaults() JobConfig {
	if c.Provider == "" {
		c.Provider = ProviderAuto
	}
	if c.Speed == 0 {
		c.Speed = DefaultSpeed
	}
	if c.Personality == "" {
		c.Personality = PersonalityHybrid
	}
	return c
}

// Validate 校验配置
func (c JobConfig) Validate() error {
	switch c.Provider {
	case ProviderAuto, ProviderOpenAI, ProviderElevenLabs:
	default:
		return fmt.Errorf("不支持的 provider: %q", c.Provider)
	}
	if c.Speed < MinSpeed || c.Speed > MaxSpeed {
		return fmt.Errorf("speed 必须在 %.2f 到 %.1f 之间，当前为 %v", MinSpeed, MaxSpeed, c.Speed)
	}
	switch c.Personality {
	case PersonalityArtDealer, PersonalityArtInstructor, PersonalityHybrid:
	default:
		return fmt.Errorf("不支持的 personality: %q", c.Personality)
	}
	if c.CallbackURL != "" {
		u, err := url.Parse(c.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("callback_url 必须是 http(s) 绝对地址: %q", c.CallbackURL)
		}
	}
	if len(c.VoiceID) > 128 {
		return fmt.Errorf("voice_id 过长")
	}
	return nil
}

// ValidateFor 在 Validate 的基础上检查 voice_id 能否服务每个语言所用的服务商
func (c JobConfig) ValidateFor(langs []Language) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.VoiceID == "" {
		return nil
	}
	for _, lang := range langs {
		switch ProviderFor(c.Provider, lang) {
		case ProviderOpenAI:
			if !IsOpenAIVoice(c.VoiceID) {
				return fmt.Errorf("voice_id %q 不是 OpenAI 音色，无法用于语言 %s", c.VoiceID, lang)
			}
		case ProviderElevenLabs:
			if !IsElevenLabsVoice(c.VoiceID) {
				return fmt.Errorf("voice_id %q 不是 ElevenLabs voice id，无法用于语言 %s", c.VoiceID, lang)
			}
		}
	}
	return nil
}
