package tts

import (
	"context"
	"fmt"

	"audio-forge/app/model"
)

// Router 按任务配置和语言选择服务商：
// auto 模式下英文走 OpenAI，其他语言走 ElevenLabs。
type Router struct {
	providers map[model.Provider]Provider
}

func NewRouter(openai, elevenlabs Provider) *Router {
	r := &Router{providers: map[model.Provider]Provider{}}
	if openai != nil {
		r.providers[model.ProviderOpenAI] = openai
	}
	if elevenlabs != nil {
		r.providers[model.ProviderElevenLabs] = elevenlabs
	}
	return r
}

// Resolve 返回指定语言应使用的服务商
func (r *Router) Resolve(pref model.Provider, lang model.Language) (Provider, error) {
	name := model.ProviderFor(pref, lang)
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	// auto 模式下允许退回到任意已配置的服务商
	if pref == "" || pref == model.ProviderAuto {
		for _, p := range r.providers {
			return p, nil
		}
	}
	return nil, fmt.Errorf("服务商 %s 未配置", name)
}

// Synthesize 按配置选择服务商并合成
func (r *Router) Synthesize(ctx context.Context, cfg model.JobConfig, req Request) (*Result, error) {
	p, err := r.Resolve(cfg.Provider, req.Language)
	if err != nil {
		return nil, &ProviderError{Provider: string(cfg.Provider), Message: err.Error()}
	}
	return p.Synthesize(ctx, req)
}
