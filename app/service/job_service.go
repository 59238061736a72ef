package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"audio-forge/app/logger"
	"audio-forge/app/model"

	"go.uber.org/zap"
)

// MaxInputTextLength 单个任务允许的最大文本长度（rune）
const MaxInputTextLength = 200000

// SubmitInput 提交任务参数
type SubmitInput struct {
	Text      string
	Languages []string
	IsDraft   bool
	PostID    *string
	Config    model.JobConfig
}

// UpdateInput 修改任务参数，nil 表示不修改
type UpdateInput struct {
	Text          *string
	Languages     []string
	FinalizeDraft bool
	PostID        *string
}

// LanguageStatusView 对外展示的语言状态
type LanguageStatusView struct {
	Status     model.LanguageState `json:"status"`
	Draft      bool                `json:"draft"`
	ChunkCount int                 `json:"chunk_count"`
	ChunksDone int                 `json:"chunks_done"`
	AudioURL   string              `json:"audio_url,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// JobStatusView 任务状态查询结果
type JobStatusView struct {
	JobID              string                                `json:"job_id"`
	Status             model.JobStatus                       `json:"status"`
	Message            string                                `json:"message"`
	Progress           float64                               `json:"progress"`
	IsDraft            bool                                  `json:"is_draft"`
	CurrentLanguage    *model.Language                       `json:"current_language"`
	Languages          []model.Language                      `json:"languages"`
	LanguageStatuses   map[model.Language]LanguageStatusView `json:"language_statuses"`
	CompletedLanguages []model.Language                      `json:"completed_languages"`
	AudioURLs          map[model.Language]string             `json:"audio_urls"`
	ErrorMessage       string                                `json:"error_message,omitempty"`
	CancelReason       string                                `json:"cancel_reason,omitempty"`
	PostID             *string                               `json:"post_id"`
	Config             model.JobConfig                       `json:"config"`
	CreatedAt          time.Time                             `json:"created_at"`
	UpdatedAt          time.Time                             `json:"updated_at"`
	CompletedAt        *time.Time                            `json:"completed_at,omitempty"`
}

// BatchStatusItem 文章最近一个任务的摘要
type BatchStatusItem struct {
	JobID              string           `json:"job_id"`
	Status             model.JobStatus  `json:"status"`
	Progress           float64          `json:"progress"`
	PrimaryAudioURL    string           `json:"primary_audio_url,omitempty"`
	CompletedLanguages []model.Language `json:"completed_languages"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// JobService 任务的对外操作
type JobService struct {
	store      *JobStore
	trigger    *Trigger
	log        *logger.Logger
	now        func() time.Time
	staleAfter func() time.Duration
}

func NewJobService(store *JobStore, trigger *Trigger, log *logger.Logger) *JobService {
	return &JobService{
		store:      store,
		trigger:    trigger,
		log:        log.Named("jobs"),
		now:        time.Now,
		staleAfter: func() time.Duration { return 10 * time.Minute },
	}
}

// SetStaleWindow 设置判定处理中语言失联的心跳窗口，需与处理器保持一致
func (s *JobService) SetStaleWindow(fn func() time.Duration) {
	s.staleAfter = fn
}

// normalizeLanguages 解析、过滤并去重语言列表，保持请求顺序
func normalizeLanguages(in []string) []model.Language {
	out := make([]model.Language, 0, len(in))
	for _, s := range in {
		lang, err := model.ParseLanguage(s)
		if err != nil {
			continue
		}
		if !slices.Contains(out, lang) {
			out = append(out, lang)
		}
	}
	return out
}

func validateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", invalid("text", "文本不能为空")
	}
	if n := len([]rune(text)); n > MaxInputTextLength {
		return "", invalid("text", "文本过长: %d > %d", n, MaxInputTextLength)
	}
	return text, nil
}

// Submit 校验并创建任务，随后立即投递处理。投递失败不影响创建结果。
func (s *JobService) Submit(ctx context.Context, in SubmitInput) (*model.AudioJob, error) {
	text, err := validateText(in.Text)
	if err != nil {
		return nil, err
	}
	if in.PostID != nil && strings.TrimSpace(*in.PostID) == "" {
		in.PostID = nil
	}

	langs := normalizeLanguages(in.Languages)
	if len(langs) == 0 {
		langs = []model.Language{model.LanguageEnglish}
	}
	// 草稿结束后会加入其他语言，按请求的完整列表校验音色
	cfg := in.Config.WithDefaults()
	if err := cfg.ValidateFor(langs); err != nil {
		return nil, invalid("config", "%s", err.Error())
	}
	if in.IsDraft {
		langs = langs[:1]
	}

	job := &model.AudioJob{
		InputText:        text,
		Languages:        langs,
		IsDraft:          in.IsDraft,
		LanguageStatuses: make(map[model.Language]*model.LanguageStatus, len(langs)),
		PostID:           in.PostID,
		Config:           cfg,
	}
	if in.IsDraft {
		current := langs[0]
		job.CurrentLanguage = &current
	}
	for _, lang := range langs {
		job.LanguageStatuses[lang] = model.NewLanguageStatus(in.IsDraft)
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("任务已创建",
		zap.String("job_id", job.ID),
		zap.Any("languages", job.Languages),
		zap.Bool("draft", job.IsDraft))

	_ = s.trigger.Force(ctx, job.ID)
	return job, nil
}

// UpdateJob 修改文本、语言或结束草稿，受影响的语言重置为 pending
func (s *JobService) UpdateJob(ctx context.Context, id string, in UpdateInput) (*model.AudioJob, error) {
	if in.Text == nil && in.Languages == nil && !in.FinalizeDraft && in.PostID == nil {
		return nil, invalid("", "没有需要修改的字段")
	}
	var text string
	if in.Text != nil {
		t, err := validateText(*in.Text)
		if err != nil {
			return nil, err
		}
		text = t
	}
	var langs []model.Language
	if in.Languages != nil {
		langs = normalizeLanguages(in.Languages)
		if len(langs) == 0 {
			return nil, invalid("languages", "没有受支持的语言")
		}
	}

	job, err := s.store.Update(ctx, id, func(j *model.AudioJob) error {
		if in.PostID != nil {
			if postID := strings.TrimSpace(*in.PostID); postID != "" {
				j.PostID = &postID
			} else {
				j.PostID = nil
			}
		}
		if in.Text != nil && text != j.InputText {
			j.InputText = text
			j.TranslatedTexts = map[model.Language]string{}
			for _, lang := range j.Languages {
				j.LanguageStatuses[lang] = model.NewLanguageStatus(j.IsDraft)
			}
		}

		finalize := in.FinalizeDraft && j.IsDraft
		if langs != nil {
			var target []model.Language
			switch {
			case finalize:
				target = append(slices.Clone(j.Languages), langs...)
				target = dedupe(target)
			case j.IsDraft:
				target = langs[:1]
			default:
				target = langs
			}
			statuses := make(map[model.Language]*model.LanguageStatus, len(target))
			for _, lang := range target {
				if st, ok := j.LanguageStatuses[lang]; ok && st != nil {
					statuses[lang] = st
				} else {
					statuses[lang] = model.NewLanguageStatus(j.IsDraft && !finalize)
				}
			}
			j.Languages = target
			j.LanguageStatuses = statuses
			for lang := range j.TranslatedTexts {
				if !j.HasLanguage(lang) {
					delete(j.TranslatedTexts, lang)
				}
			}
		}

		if finalize {
			j.IsDraft = false
			for _, st := range j.LanguageStatuses {
				st.Draft = false
			}
		}
		if j.IsDraft {
			current := j.Languages[0]
			j.CurrentLanguage = &current
		} else {
			j.CurrentLanguage = nil
		}
		if langs != nil {
			if err := j.Config.ValidateFor(j.Languages); err != nil {
				return invalid("config", "%s", err.Error())
			}
		}

		if j.CancelledAt != nil && len(j.PendingLanguages()) > 0 {
			j.CancelledAt = nil
			j.CancelReason = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("任务已更新", zap.String("job_id", id), zap.Any("languages", job.Languages), zap.Bool("draft", job.IsDraft))
	if len(job.PendingLanguages()) > 0 {
		_ = s.trigger.Force(ctx, id)
	}
	return job, nil
}

func dedupe(in []model.Language) []model.Language {
	out := make([]model.Language, 0, len(in))
	for _, l := range in {
		if !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	return out
}

// Status 查询任务状态
func (s *JobService) Status(ctx context.Context, id string) (*JobStatusView, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return BuildStatusView(job), nil
}

// BuildStatusView 生成状态视图
func BuildStatusView(job *model.AudioJob) *JobStatusView {
	view := &JobStatusView{
		JobID:              job.ID,
		Status:             job.Status,
		Message:            StatusMessage(job),
		Progress:           Progress(job),
		IsDraft:            job.IsDraft,
		CurrentLanguage:    job.CurrentLanguage,
		Languages:          job.Languages,
		LanguageStatuses:   make(map[model.Language]LanguageStatusView, len(job.Languages)),
		CompletedLanguages: job.CompletedLanguages,
		AudioURLs:          job.AudioURLs,
		ErrorMessage:       job.ErrorMessage,
		CancelReason:       job.CancelReason,
		PostID:             job.PostID,
		Config:             job.Config,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
		CompletedAt:        job.CompletedAt,
	}
	for _, lang := range job.Languages {
		st := job.LanguageStatuses[lang]
		if st == nil {
			continue
		}
		view.LanguageStatuses[lang] = LanguageStatusView{
			Status:     st.Status,
			Draft:      st.Draft,
			ChunkCount: st.ChunkCount,
			ChunksDone: len(st.ChunkAudioURLs),
			AudioURL:   st.AudioURL,
			Error:      st.Error,
		}
	}
	return view
}

// StatusMessage 可读的进度描述
func StatusMessage(job *model.AudioJob) string {
	switch job.Status {
	case model.JobStatusCancelled:
		if job.CancelReason != "" {
			return "job cancelled: " + job.CancelReason
		}
		return "job cancelled"
	case model.JobStatusCompleted:
		return "all languages completed"
	}
	if msg := firstError(job); msg != "" {
		return "error: " + msg
	}
	if job.IsDraft && job.CurrentLanguage != nil {
		return fmt.Sprintf("processing draft language: %s", *job.CurrentLanguage)
	}
	return fmt.Sprintf("processing languages: %d/%d complete", len(job.CompletedLanguages), len(job.Languages))
}

// Progress 完成百分比，每种语言权重相同，未完成语言按分片进度计算
func Progress(job *model.AudioJob) float64 {
	if len(job.Languages) == 0 {
		return 0
	}
	var sum float64
	for _, lang := range job.Languages {
		st := job.LanguageStatuses[lang]
		switch {
		case st == nil:
		case st.Status == model.LanguageCompleted:
			sum++
		case st.ChunkCount > 0:
			sum += float64(len(st.ChunkAudioURLs)) / float64(st.ChunkCount)
		}
	}
	return math.Round(sum/float64(len(job.Languages))*1000) / 10
}

// BatchStatus 返回每篇文章最近更新的任务摘要，没有任务的文章不出现在结果中
func (s *JobService) BatchStatus(ctx context.Context, postIDs []string) (map[string]BatchStatusItem, error) {
	ids := make([]string, 0, len(postIDs))
	for _, id := range postIDs {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, invalid("post_ids", "不能为空")
	}

	jobs, err := s.store.ListByPostIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]BatchStatusItem, len(ids))
	for i := range jobs {
		job := &jobs[i]
		if _, seen := out[*job.PostID]; seen {
			continue
		}
		item := BatchStatusItem{
			JobID:              job.ID,
			Status:             job.Status,
			Progress:           Progress(job),
			CompletedLanguages: job.CompletedLanguages,
			UpdatedAt:          job.UpdatedAt,
		}
		if len(job.CompletedLanguages) > 0 {
			item.PrimaryAudioURL = job.AudioURLs[job.PrimaryLanguage()]
		}
		out[*job.PostID] = item
	}
	return out, nil
}

// Trigger 请求一次处理，合并窗口内的重复请求不会投递，返回 false
func (s *JobService) Trigger(ctx context.Context, id string) (bool, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return false, err
	}
	return s.trigger.Fire(ctx, id)
}

// RegenerateLanguage 将单个语言重置为 pending 并清空分片
func (s *JobService) RegenerateLanguage(ctx context.Context, id, language string) (*model.AudioJob, error) {
	lang, err := model.ParseLanguage(language)
	if err != nil {
		return nil, invalid("language", "%s", err.Error())
	}

	job, err := s.store.Update(ctx, id, func(j *model.AudioJob) error {
		st := j.LanguageStatuses[lang]
		if !j.HasLanguage(lang) || st == nil {
			return ErrLanguageNotInJob
		}
		// 已取消任务上崩溃的处理不会被扫描回收，心跳过期时在此回收
		ReleaseStale(st, s.now(), s.staleAfter())
		if err := Reset(st, st.Draft); err != nil {
			return err
		}
		delete(j.TranslatedTexts, lang)
		j.CancelledAt = nil
		j.CancelReason = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("语言已重置", zap.String("job_id", id), zap.String("language", string(lang)))
	_ = s.trigger.Force(ctx, id)
	return job, nil
}

// Cancel 取消任务，已完成的分片保留
func (s *JobService) Cancel(ctx context.Context, id, reason string) (*model.AudioJob, error) {
	reason = strings.TrimSpace(reason)
	job, err := s.store.Update(ctx, id, func(j *model.AudioJob) error {
		if j.IsCancelled() {
			return ErrNoChange
		}
		if j.Status == model.JobStatusCompleted {
			return fmt.Errorf("%w: 任务已完成", ErrInvalidTransition)
		}
		now := s.now()
		j.CancelledAt = &now
		j.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("任务已取消", zap.String("job_id", id), zap.String("reason", reason))
	return job, nil
}

// Delete 删除任务记录，已生成的音频不会被删除
func (s *JobService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info("任务已删除", zap.String("job_id", id))
	return nil
}

// IsNotFound 是否为任务不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}
