package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"audio-forge/app/logger"
	"audio-forge/app/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// maxConflictRetries 版本冲突时重新读取并重放变更的次数
const maxConflictRetries = 8

// Mutation 在内存中修改任务，返回 ErrNoChange 时不写库
type Mutation func(job *model.AudioJob) error

// JobStore 任务的持久化存储。
// 所有写操作都经过 Update：读取、变更、重新推导派生字段，
// 再以 version 做条件更新，保证语言状态和派生字段在同一行内一致。
type JobStore struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

func NewJobStore(db *gorm.DB, log *logger.Logger) *JobStore {
	return &JobStore{db: db, log: log, now: time.Now}
}

// Create 写入新任务
func (s *JobStore) Create(ctx context.Context, job *model.AudioJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := s.now()
	job.Version = 1
	job.CreatedAt = now
	job.UpdatedAt = now
	s.derive(job, now)

	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("创建任务失败: %w", err)
	}
	return nil
}

// Get 读取任务
func (s *JobStore) Get(ctx context.Context, id string) (*model.AudioJob, error) {
	var job model.AudioJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("读取任务失败: %w", err)
	}
	job.EnsureMaps()
	return &job, nil
}

// Update 以乐观锁方式变更任务，冲突时重新读取并重放变更
func (s *JobStore) Update(ctx context.Context, id string, fn Mutation) (*model.AudioJob, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		prev := job.Version

		if err := fn(job); err != nil {
			if errors.Is(err, ErrNoChange) {
				return job, nil
			}
			return nil, err
		}

		now := s.now()
		s.derive(job, now)
		job.Version = prev + 1
		job.UpdatedAt = now

		res := s.db.WithContext(ctx).
			Model(&model.AudioJob{}).
			Where("id = ? AND version = ?", id, prev).
			Select("*").Omit("id", "created_at").
			Updates(job)
		if res.Error != nil {
			return nil, fmt.Errorf("更新任务失败: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return job, nil
		}
		s.log.Debugf("任务 %s 版本冲突 (version=%d)，第 %d 次重试", id, prev, attempt+1)
	}
	return nil, ErrConflict
}

// derive 重新计算派生字段
func (s *JobStore) derive(job *model.AudioJob, now time.Time) {
	job.SyncDerived()
	status := DeriveJobStatus(job)
	if status == model.JobStatusCompleted {
		if job.Status != model.JobStatusCompleted || job.CompletedAt == nil {
			job.CompletedAt = &now
		}
	} else {
		job.CompletedAt = nil
	}
	job.Status = status
	job.ErrorMessage = firstError(job)
}

// Delete 删除任务
func (s *JobStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&model.AudioJob{})
	if res.Error != nil {
		return fmt.Errorf("删除任务失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListByPostIDs 按更新时间倒序返回关联到这些文章的任务
func (s *JobStore) ListByPostIDs(ctx context.Context, postIDs []string) ([]model.AudioJob, error) {
	var jobs []model.AudioJob
	if len(postIDs) == 0 {
		return jobs, nil
	}
	err := s.db.WithContext(ctx).
		Where("post_id IN ?", postIDs).
		Order("updated_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("查询文章任务失败: %w", err)
	}
	for i := range jobs {
		jobs[i].EnsureMaps()
	}
	return jobs, nil
}

// FindActive 返回仍有待处理或处理中语言的任务 ID
func (s *JobStore) FindActive(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&model.AudioJob{}).
		Where("status IN ?", []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}).
		Order("updated_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("查询待处理任务失败: %w", err)
	}
	return ids, nil
}

// FindCompletedWithPost 返回已完成且关联了文章的任务，postIDs 为空时不限制
func (s *JobStore) FindCompletedWithPost(ctx context.Context, postIDs []string) ([]model.AudioJob, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND post_id IS NOT NULL AND post_id <> ''", model.JobStatusCompleted)
	if len(postIDs) > 0 {
		q = q.Where("post_id IN ?", postIDs)
	}
	var jobs []model.AudioJob
	if err := q.Order("updated_at DESC").Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("查询已完成任务失败: %w", err)
	}
	for i := range jobs {
		jobs[i].EnsureMaps()
	}
	return jobs, nil
}
