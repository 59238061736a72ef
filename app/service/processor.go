package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"audio-forge/app/config"
	"audio-forge/app/logger"
	"audio-forge/app/model"
	"audio-forge/app/storage"
	"audio-forge/app/translate"
	"audio-forge/app/tts"
	"audio-forge/app/utils/chunker"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Synthesizer 按任务配置合成单个分片
type Synthesizer interface {
	Synthesize(ctx context.Context, cfg model.JobConfig, req tts.Request) (*tts.Result, error)
}

// PostLinker 任务完成后把音频关联到文章
type PostLinker interface {
	LinkJob(ctx context.Context, job *model.AudioJob) (*LinkResult, error)
}

// Notifier 任务进入终态后通知调用方
type Notifier interface {
	Notify(ctx context.Context, job *model.AudioJob) error
}

// LanguageOutcome 单个语言在一次处理中的结果
type LanguageOutcome string

const (
	OutcomeCompleted LanguageOutcome = "completed"
	OutcomeFailed    LanguageOutcome = "failed"
	OutcomeReleased  LanguageOutcome = "released"
	OutcomeSkipped   LanguageOutcome = "skipped"
)

// PassResult 一次处理的汇总
type PassResult struct {
	JobID     string                             `json:"job_id"`
	Status    model.JobStatus                    `json:"status"`
	Languages map[model.Language]LanguageOutcome `json:"languages"`
}

// Processor 执行一次有界的任务处理：领取每个待处理语言，
// 翻译、切分、合成缺失的分片、拼接并上传。
type Processor struct {
	store       *JobStore
	synth       Synthesizer
	translator  translate.Translator
	artifacts   storage.Store
	stitcher    storage.Stitcher
	linker      PostLinker
	notifier    Notifier
	log         *logger.Logger
	pipeline    atomic.Pointer[config.PipelineConfig]
	now         func() time.Time
	waitForTest func(time.Duration) <-chan time.Time
}

type ProcessorDeps struct {
	Store      *JobStore
	Synth      Synthesizer
	Translator translate.Translator
	Artifacts  storage.Store
	Stitcher   storage.Stitcher
	Linker     PostLinker
	Notifier   Notifier
}

func NewProcessor(deps ProcessorDeps, cfg config.PipelineConfig, log *logger.Logger) *Processor {
	if deps.Translator == nil {
		deps.Translator = translate.Passthrough{}
	}
	if deps.Stitcher == nil {
		deps.Stitcher = storage.ConcatStitcher{}
	}
	p := &Processor{
		store:      deps.Store,
		synth:      deps.Synth,
		translator: deps.Translator,
		artifacts:  deps.Artifacts,
		stitcher:   deps.Stitcher,
		linker:     deps.Linker,
		notifier:   deps.Notifier,
		log:        log.Named("processor"),
		now:        time.Now,
	}
	p.SetPipeline(cfg)
	return p
}

// SetPipeline 更新处理参数，配置热更新时调用
func (p *Processor) SetPipeline(cfg config.PipelineConfig) {
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = chunker.DefaultLimit
	}
	if cfg.LanguageConcurrency <= 0 {
		cfg.LanguageConcurrency = 1
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Minute
	}
	p.pipeline.Store(&cfg)
}

func (p *Processor) settings() config.PipelineConfig {
	return *p.pipeline.Load()
}

// ProcessJob 处理任务中所有待处理的语言，单个语言失败不影响其他语言
func (p *Processor) ProcessJob(ctx context.Context, jobID string) (*PassResult, error) {
	cfg := p.settings()
	if cfg.PassTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PassTimeout)
		defer cancel()
	}

	job, err := p.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result := &PassResult{JobID: jobID, Status: job.Status, Languages: map[model.Language]LanguageOutcome{}}
	if job.IsCancelled() {
		return result, nil
	}

	now := p.now()
	var targets []model.Language
	for _, lang := range job.Languages {
		st := job.LanguageStatuses[lang]
		if st == nil {
			continue
		}
		if st.Status == model.LanguagePending || st.IsStale(now, cfg.StaleAfter) {
			targets = append(targets, lang)
		}
	}
	if len(targets) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.LanguageConcurrency)
	for _, lang := range targets {
		g.Go(func() error {
			outcome := p.processLanguage(gctx, jobID, lang)
			mu.Lock()
			result.Languages[lang] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	final, err := p.store.Get(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return result, err
	}
	result.Status = final.Status

	if changed(result) && (final.Status == model.JobStatusCompleted || final.Status == model.JobStatusFailed) {
		p.onTerminal(context.WithoutCancel(ctx), final)
	}
	return result, nil
}

func changed(r *PassResult) bool {
	for _, o := range r.Languages {
		if o == OutcomeCompleted || o == OutcomeFailed {
			return true
		}
	}
	return false
}

func (p *Processor) onTerminal(ctx context.Context, job *model.AudioJob) {
	if job.Status == model.JobStatusCompleted && job.PostID != nil && *job.PostID != "" && p.linker != nil {
		if res, err := p.linker.LinkJob(ctx, job); err != nil {
			p.log.Warn("关联文章音频失败", zap.String("job_id", job.ID), zap.Error(err))
		} else if res.Repaired {
			p.log.Info("文章音频已关联", zap.String("job_id", job.ID), zap.String("post_id", *job.PostID))
		}
	}
	if job.Config.CallbackURL != "" && p.notifier != nil {
		if err := p.notifier.Notify(ctx, job); err != nil {
			p.log.Warn("回调通知失败", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (p *Processor) processLanguage(ctx context.Context, jobID string, lang model.Language) LanguageOutcome {
	cfg := p.settings()
	claimID := uuid.NewString()
	log := p.log.ForJob(jobID, string(lang))

	job, err := p.store.Update(ctx, jobID, func(j *model.AudioJob) error {
		if j.IsCancelled() {
			return ErrJobCancelled
		}
		st := j.LanguageStatuses[lang]
		if st == nil || !j.HasLanguage(lang) {
			return ErrLanguageNotInJob
		}
		return Claim(st, claimID, p.now(), cfg.StaleAfter)
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrJobCancelled) && !errors.Is(err, ErrLanguageNotInJob) {
			log.Error("领取语言失败", zap.Error(err))
		}
		return OutcomeSkipped
	}
	log.Info("开始处理语言", zap.String("claim_id", claimID))

	text, err := p.textFor(ctx, job, lang, claimID)
	if err != nil {
		return p.finishWithError(ctx, log, jobID, lang, claimID, fmt.Errorf("翻译失败: %w", err))
	}

	chunks := chunker.Split(text, cfg.ChunkLimit)
	if len(chunks) == 0 {
		return p.finishWithError(ctx, log, jobID, lang, claimID, errors.New("文本为空，无法合成"))
	}

	job, err = p.store.Update(ctx, jobID, func(j *model.AudioJob) error {
		st := j.LanguageStatuses[lang]
		if st == nil {
			return ErrNotOwner
		}
		if err := checkOwner(st, claimID); err != nil {
			return err
		}
		// 文本或切分上限变化后，旧分片不再对应
		if st.ChunkCount != len(chunks) && len(st.ChunkAudioURLs) > 0 {
			st.ChunkAudioURLs = []string{}
		}
		if len(st.ChunkAudioURLs) > len(chunks) {
			st.ChunkAudioURLs = st.ChunkAudioURLs[:len(chunks)]
		}
		st.ChunkCount = len(chunks)
		return Heartbeat(st, claimID, p.now())
	})
	if err != nil {
		return p.lost(log, err)
	}

	st := job.LanguageStatuses[lang]
	urls := append([]string(nil), st.ChunkAudioURLs...)
	if len(urls) > 0 {
		log.Info("跳过已合成的分片", zap.Int("done", len(urls)), zap.Int("total", len(chunks)))
	}

	for i := len(urls); i < len(chunks); i++ {
		audio, err := p.synthesize(ctx, log, job.Config, lang, chunks[i])
		if err != nil {
			return p.finishWithError(ctx, log, jobID, lang, claimID, fmt.Errorf("分片 %d 合成失败: %w", i, err))
		}
		url, err := p.artifacts.Put(ctx, storage.ChunkKey(jobID, string(lang), claimID, i), bytes.NewReader(audio))
		if err != nil {
			return p.finishWithError(ctx, log, jobID, lang, claimID, fmt.Errorf("上传分片 %d 失败: %w", i, err))
		}

		_, err = p.store.Update(ctx, jobID, func(j *model.AudioJob) error {
			if j.IsCancelled() {
				return ErrJobCancelled
			}
			st := j.LanguageStatuses[lang]
			if st == nil {
				return ErrNotOwner
			}
			return AppendChunk(st, claimID, i, url, p.now())
		})
		if errors.Is(err, ErrJobCancelled) {
			return p.release(ctx, log, jobID, lang, claimID)
		}
		if err != nil {
			return p.lost(log, err)
		}
		urls = append(urls, url)
		log.Debug("分片已完成", zap.Int("index", i), zap.Int("total", len(chunks)))
	}

	finalURL, err := p.stitcher.Stitch(ctx, p.artifacts, urls, storage.FinalKey(jobID, string(lang), claimID))
	if err != nil {
		return p.finishWithError(ctx, log, jobID, lang, claimID, fmt.Errorf("拼接音频失败: %w", err))
	}

	_, err = p.store.Update(ctx, jobID, func(j *model.AudioJob) error {
		if j.IsCancelled() {
			return ErrJobCancelled
		}
		st := j.LanguageStatuses[lang]
		if st == nil {
			return ErrNotOwner
		}
		return Complete(st, claimID, finalURL, p.now())
	})
	if errors.Is(err, ErrJobCancelled) {
		return p.release(ctx, log, jobID, lang, claimID)
	}
	if err != nil {
		return p.lost(log, err)
	}
	log.Info("语言处理完成", zap.String("audio_url", finalURL), zap.Int("chunks", len(chunks)))
	return OutcomeCompleted
}

// textFor 返回该语言要朗读的文本，翻译结果缓存到任务上
func (p *Processor) textFor(ctx context.Context, job *model.AudioJob, lang model.Language, claimID string) (string, error) {
	if lang == model.SourceLanguage {
		return job.InputText, nil
	}
	if cached := job.TranslatedTexts[lang]; cached != "" {
		return cached, nil
	}

	text, err := retry.DoWithData(func() (string, error) {
		out, err := p.translator.Translate(ctx, job.InputText, lang)
		if err != nil && !tts.IsTransient(err) {
			return "", retry.Unrecoverable(err)
		}
		return out, err
	}, p.retryOptions(ctx, nil)...)
	if err != nil {
		return "", err
	}

	_, err = p.store.Update(ctx, job.ID, func(j *model.AudioJob) error {
		st := j.LanguageStatuses[lang]
		if st == nil {
			return ErrNotOwner
		}
		if err := checkOwner(st, claimID); err != nil {
			return err
		}
		// 文本在翻译期间被修改时不缓存
		if j.InputText != job.InputText {
			return ErrNoChange
		}
		j.TranslatedTexts[lang] = text
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// voiceFor 未指定 voice 时按旁白风格选择默认音色
func voiceFor(cfg model.JobConfig, lang model.Language) string {
	if cfg.VoiceID != "" {
		return cfg.VoiceID
	}
	if lang != model.LanguageEnglish {
		return ""
	}
	switch cfg.Personality {
	case model.PersonalityArtDealer:
		return "onyx"
	case model.PersonalityArtInstructor:
		return "nova"
	}
	return ""
}

func (p *Processor) synthesize(ctx context.Context, log *logger.Logger, cfg model.JobConfig, lang model.Language, text string) ([]byte, error) {
	req := tts.Request{
		Text:     text,
		Language: lang,
		Voice:    voiceFor(cfg, lang),
		Speed:    cfg.Speed,
	}
	onRetry := func(n uint, err error) {
		log.Warn("合成失败，准备重试", zap.Uint("attempt", n+1), zap.Error(err))
	}
	return retry.DoWithData(func() ([]byte, error) {
		res, err := p.synth.Synthesize(ctx, cfg, req)
		if err != nil {
			if !tts.IsTransient(err) {
				return nil, retry.Unrecoverable(err)
			}
			return nil, err
		}
		return res.Audio, nil
	}, p.retryOptions(ctx, onRetry)...)
}

func (p *Processor) retryOptions(ctx context.Context, onRetry retry.OnRetryFunc) []retry.Option {
	cfg := p.settings()
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(cfg.MaxRetries + 1),
		retry.Delay(cfg.RetryDelay),
		retry.MaxDelay(cfg.MaxRetryDelay),
		retry.MaxJitter(cfg.RetryDelay),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, err error, c *retry.Config) time.Duration {
			if d := tts.RetryAfter(err); d > 0 {
				return d
			}
			return retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)(n, err, c)
		}),
	}
	if onRetry != nil {
		opts = append(opts, retry.OnRetry(onRetry))
	}
	if p.waitForTest != nil {
		opts = append(opts, retry.WithTimer(testTimer(p.waitForTest)))
	}
	return opts
}

type testTimer func(time.Duration) <-chan time.Time

func (t testTimer) After(d time.Duration) <-chan time.Time {
	return t(d)
}

// finishWithError 根据错误类型决定失败还是释放
func (p *Processor) finishWithError(ctx context.Context, log *logger.Logger, jobID string, lang model.Language, claimID string, cause error) LanguageOutcome {
	// 处理超时或服务关闭：交还给下一次处理，不计为失败
	if ctx.Err() != nil {
		log.Warn("处理被中断，释放语言", zap.Error(cause))
		return p.release(ctx, log, jobID, lang, claimID)
	}
	if errors.Is(cause, ErrNotOwner) {
		return p.lost(log, cause)
	}

	reason := cause.Error()
	_, err := p.store.Update(ctx, jobID, func(j *model.AudioJob) error {
		st := j.LanguageStatuses[lang]
		if st == nil {
			return ErrNotOwner
		}
		return Fail(st, claimID, reason, p.now())
	})
	if err != nil {
		return p.lost(log, err)
	}
	log.Error("语言处理失败", zap.Error(cause))
	return OutcomeFailed
}

func (p *Processor) release(ctx context.Context, log *logger.Logger, jobID string, lang model.Language, claimID string) LanguageOutcome {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := p.store.Update(rctx, jobID, func(j *model.AudioJob) error {
		st := j.LanguageStatuses[lang]
		if st == nil {
			return ErrNotOwner
		}
		return Release(st, claimID)
	})
	if err != nil {
		return p.lost(log, err)
	}
	log.Info("已释放语言，等待下次处理")
	return OutcomeReleased
}

func (p *Processor) lost(log *logger.Logger, err error) LanguageOutcome {
	if errors.Is(err, ErrNotOwner) {
		log.Info("语言已被重置或接管，停止本次处理")
	} else {
		log.Error("更新语言状态失败", zap.Error(err))
	}
	return OutcomeSkipped
}

// StaleAfter 当前的心跳过期窗口
func (p *Processor) StaleAfter() time.Duration {
	return p.settings().StaleAfter
}
