package server

import (
	"fmt"

	"audio-forge/app/auth"
	"audio-forge/app/config"
	"audio-forge/app/logger"
	"audio-forge/app/service"
	"audio-forge/app/storage"
	"audio-forge/app/translate"
	"audio-forge/app/tts"

	"gorm.io/gorm"
)

// Pipeline 音频任务处理所需的全部组件
type Pipeline struct {
	Store      *service.JobStore
	Jobs       *service.JobService
	Processor  *service.Processor
	Pool       *service.PoolDispatcher
	Trigger    *service.Trigger
	Reconciler *service.Reconciler
	Sweeper    *service.Sweeper
	Artifacts  *storage.Local
	Tokens     *auth.JWTService
}

// NewPipeline 按配置组装处理流程。本地工作池总是创建，
// 用于执行本进程收到的任务；http 模式下触发器改为投递到 dispatcher.base_url。
func NewPipeline(cfg *config.Config, db *gorm.DB, log *logger.Logger) (*Pipeline, error) {
	artifacts, err := storage.NewLocal(cfg.Storage.Root, cfg.Storage.PublicBaseURL)
	if err != nil {
		return nil, fmt.Errorf("初始化音频存储失败: %w", err)
	}

	var openaiTTS, elevenTTS tts.Provider
	if cfg.TTS.OpenAI.APIKey != "" {
		openaiTTS = tts.NewOpenAI(tts.OpenAIConfig{
			APIKey:  cfg.TTS.OpenAI.APIKey,
			BaseURL: cfg.TTS.OpenAI.BaseURL,
			Model:   cfg.TTS.OpenAI.Model,
			Voice:   cfg.TTS.OpenAI.Voice,
			Timeout: cfg.TTS.Timeout,
		})
	}
	if cfg.TTS.ElevenLabs.APIKey != "" {
		elevenTTS = tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:  cfg.TTS.ElevenLabs.APIKey,
			BaseURL: cfg.TTS.ElevenLabs.BaseURL,
			Model:   cfg.TTS.ElevenLabs.Model,
			Voices:  cfg.TTS.ElevenLabs.Voices,
			Timeout: cfg.TTS.Timeout,
		})
	}
	if openaiTTS == nil && elevenTTS == nil {
		log.Warn("未配置任何语音服务商，所有语言都会处理失败")
	}

	var translator translate.Translator = translate.Passthrough{}
	if cfg.Translate.APIKey != "" {
		translator = translate.NewOpenAI(translate.OpenAIConfig{
			APIKey:      cfg.Translate.APIKey,
			BaseURL:     cfg.Translate.BaseURL,
			Model:       cfg.Translate.Model,
			Temperature: cfg.Translate.Temperature,
			Timeout:     cfg.TTS.Timeout,
		})
	} else {
		log.Warn("未配置翻译服务，非英文语言将直接朗读原文")
	}

	store := service.NewJobStore(db, log)
	reconciler := service.NewReconciler(db, store, log)
	processor := service.NewProcessor(service.ProcessorDeps{
		Store:      store,
		Synth:      tts.NewRouter(openaiTTS, elevenTTS),
		Translator: translator,
		Artifacts:  artifacts,
		Stitcher:   storage.NewStitcher(cfg.Storage.FFmpegPath),
		Linker:     reconciler,
		Notifier:   service.NewCallbackNotifier(cfg.TTS.Timeout, log),
	}, cfg.Pipeline, log)

	tokens := auth.NewJWTService(cfg)
	pool := service.NewPoolDispatcher(processor, cfg.Dispatcher.Workers, cfg.Dispatcher.Queue, log)
	var dispatcher service.Dispatcher = pool
	if cfg.Dispatcher.Mode == "http" {
		dispatcher = service.NewHTTPDispatcher(cfg.Dispatcher.BaseURL, tokens, log)
	}
	trigger := service.NewTrigger(dispatcher, cfg.Dispatcher.Debounce, log)
	jobs := service.NewJobService(store, trigger, log)
	jobs.SetStaleWindow(processor.StaleAfter)

	return &Pipeline{
		Store:      store,
		Jobs:       jobs,
		Processor:  processor,
		Pool:       pool,
		Trigger:    trigger,
		Reconciler: reconciler,
		Sweeper:    service.NewSweeper(store, trigger, reconciler, processor.StaleAfter, log),
		Artifacts:  artifacts,
		Tokens:     tokens,
	}, nil
}

// Reload 应用热更新后的配置
func (p *Pipeline) Reload(cfg *config.Config) {
	p.Processor.SetPipeline(cfg.Pipeline)
	p.Trigger.SetDebounce(cfg.Dispatcher.Debounce)
}
