// Package tts 封装文本转语音服务商。
package tts

import (
	"context"

	"audio-forge/app/model"
)

// Request 单个文本片段的合成请求
type Request struct {
	Text     string
	Language model.Language
	Voice    string
	Speed    float64
}

// Result 合成结果，Audio 为 mp3 数据
type Result struct {
	Audio  []byte
	Format string
}

// Provider 语音合成服务商
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req Request) (*Result, error)
}
