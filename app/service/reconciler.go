package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"audio-forge/app/logger"
	"audio-forge/app/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LinkResult 单个任务的关联结果
type LinkResult struct {
	Repaired        bool     `json:"repaired"`
	PrimaryAssetID  string   `json:"primary_asset_id,omitempty"`
	CreatedAssetIDs []string `json:"created_asset_ids,omitempty"`
}

// RepairReport 一次修复的统计
type RepairReport struct {
	JobsInspected   int               `json:"jobs_inspected"`
	PostsRepaired   int               `json:"posts_repaired"`
	AssetsCreated   int               `json:"assets_created"`
	RepairedPostIDs []string          `json:"repaired_post_ids"`
	CreatedAssetIDs []string          `json:"created_asset_ids"`
	Errors          map[string]string `json:"errors,omitempty"`
}

// Reconciler 修复已完成但未关联到文章的音频
type Reconciler struct {
	db    *gorm.DB
	store *JobStore
	log   *logger.Logger
	now   func() time.Time
}

func NewReconciler(db *gorm.DB, store *JobStore, log *logger.Logger) *Reconciler {
	return &Reconciler{db: db, store: store, log: log.Named("reconciler"), now: time.Now}
}

// Repair 扫描已完成的任务，为缺少音频引用的文章补齐关联。
// 同一文章只使用最近更新的任务；单个任务出错不影响其他任务。
func (r *Reconciler) Repair(ctx context.Context, postIDs []string) (*RepairReport, error) {
	jobs, err := r.store.FindCompletedWithPost(ctx, postIDs)
	if err != nil {
		return nil, err
	}

	report := &RepairReport{
		RepairedPostIDs: []string{},
		CreatedAssetIDs: []string{},
		Errors:          map[string]string{},
	}
	seen := map[string]bool{}
	for i := range jobs {
		job := &jobs[i]
		if len(job.AudioURLs) == 0 {
			continue
		}
		report.JobsInspected++
		if seen[*job.PostID] {
			continue
		}
		seen[*job.PostID] = true

		res, err := r.link(ctx, job, false)
		if err != nil {
			report.Errors[job.ID] = err.Error()
			r.log.Warn("修复任务失败", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if res.Repaired {
			report.PostsRepaired++
			report.RepairedPostIDs = append(report.RepairedPostIDs, *job.PostID)
		}
		report.AssetsCreated += len(res.CreatedAssetIDs)
		report.CreatedAssetIDs = append(report.CreatedAssetIDs, res.CreatedAssetIDs...)
	}

	if report.PostsRepaired > 0 || len(report.Errors) > 0 {
		r.log.Info("音频关联修复完成",
			zap.Int("inspected", report.JobsInspected),
			zap.Int("repaired", report.PostsRepaired),
			zap.Int("assets_created", report.AssetsCreated),
			zap.Int("errors", len(report.Errors)))
	}
	return report, nil
}

// LinkJob 任务完成时关联音频，新任务的音频会替换文章原有的主音频
func (r *Reconciler) LinkJob(ctx context.Context, job *model.AudioJob) (*LinkResult, error) {
	return r.link(ctx, job, true)
}

func (r *Reconciler) link(ctx context.Context, job *model.AudioJob, override bool) (*LinkResult, error) {
	result := &LinkResult{}
	if job.PostID == nil || *job.PostID == "" || len(job.AudioURLs) == 0 {
		return result, nil
	}
	postID := *job.PostID
	primaryLang := job.PrimaryLanguage()
	if _, ok := job.AudioURLs[primaryLang]; !ok {
		return nil, fmt.Errorf("主语言 %s 没有音频", primaryLang)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var post model.Post
		if err := tx.Where("id = ?", postID).First(&post).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("文章 %s 不存在", postID)
			}
			return err
		}
		if post.AudioAssetsByLanguage == nil {
			post.AudioAssetsByLanguage = map[model.Language]string{}
		}

		primaryValid := post.PrimaryAudioID != nil && assetExists(tx, *post.PrimaryAudioID)
		postChanged := false

		for _, lang := range job.CompletedLanguages {
			url, ok := job.AudioURLs[lang]
			if !ok {
				continue
			}
			current := post.AudioAssetsByLanguage[lang]
			needLang := override || current == "" || !assetExists(tx, current)
			needPrimary := lang == primaryLang && (override || !primaryValid)
			if !needLang && !needPrimary {
				continue
			}

			asset, created, err := r.ensureAsset(tx, job, &post, lang, url, !override)
			if err != nil {
				return err
			}
			if created {
				result.CreatedAssetIDs = append(result.CreatedAssetIDs, asset.ID)
			}
			if needLang && current != asset.ID {
				post.AudioAssetsByLanguage[lang] = asset.ID
				postChanged = true
			}
			if needPrimary && (post.PrimaryAudioID == nil || *post.PrimaryAudioID != asset.ID) {
				id := asset.ID
				post.PrimaryAudioID = &id
				postChanged = true
			}
			if lang == primaryLang {
				result.PrimaryAssetID = asset.ID
			}
		}

		if !postChanged {
			return nil
		}
		result.Repaired = true
		return tx.Model(&post).
			Select("primary_audio_id", "audio_assets_by_language").
			Updates(&post).Error
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func assetExists(tx *gorm.DB, id string) bool {
	var n int64
	tx.Model(&model.MediaAsset{}).Where("id = ?", id).Count(&n)
	return n > 0
}

// ensureAsset 按 (文章, 地址) 查找资源，不存在时创建
func (r *Reconciler) ensureAsset(tx *gorm.DB, job *model.AudioJob, post *model.Post, lang model.Language, url string, repaired bool) (*model.MediaAsset, bool, error) {
	var asset model.MediaAsset
	err := tx.Where("related_post_id = ? AND file_url = ?", post.ID, url).First(&asset).Error
	if err == nil {
		return &asset, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	now := r.now()
	meta := model.AssetGenerationMetadata{
		Type:          "tts",
		Language:      lang,
		OriginalJobID: job.ID,
		Repaired:      repaired,
	}
	if repaired {
		meta.RepairedAt = &now
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, false, err
	}

	title := post.Title
	if job.Config.Title != "" {
		title = job.Config.Title
	}
	asset = model.MediaAsset{
		ID:                 uuid.NewString(),
		Title:              fmt.Sprintf("Audio: %s", title),
		Description:        fmt.Sprintf("Audio narration (%s)", lang.DisplayName()),
		FileURL:            url,
		FileType:           model.AssetFileTypeAudio,
		MimeType:           model.AssetMimeTypeMPEG,
		Language:           lang,
		RelatedPostID:      post.ID,
		SourceJobID:        job.ID,
		Status:             model.AssetStatusReady,
		GenerationMetadata: datatypes.JSON(raw),
	}
	if err := tx.Create(&asset).Error; err != nil {
		return nil, false, fmt.Errorf("创建媒体资源失败: %w", err)
	}
	return &asset, true, nil
}
