package service

import (
	"context"
	"errors"
	"testing"

	"audio-forge/app/logger"
	"audio-forge/app/model"
)

func newJob(langs ...model.Language) *model.AudioJob {
	job := &model.AudioJob{
		InputText:        "Hello world.",
		Languages:        langs,
		LanguageStatuses: map[model.Language]*model.LanguageStatus{},
		Config:           model.JobConfig{}.WithDefaults(),
	}
	for _, lang := range langs {
		job.LanguageStatuses[lang] = model.NewLanguageStatus(false)
	}
	return job
}

func TestJobStoreCreateGet(t *testing.T) {
	store := NewJobStore(newTestDB(t), logger.NewNop())
	ctx := context.Background()

	job := newJob(model.LanguageEnglish, model.LanguageSpanish)
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("创建失败: %v", err)
	}
	if job.ID == "" || job.Version != 1 || job.Status != model.JobStatusPending {
		t.Fatalf("unexpected job: %+v", job)
	}

	got, err := store.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(got.Languages) != 2 || got.LanguageStatuses[model.LanguageSpanish].Status != model.LanguagePending {
		t.Fatalf("unexpected job: %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if err := store.Delete(ctx, job.ID); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
}

func TestJobStoreUpdateDerives(t *testing.T) {
	store := NewJobStore(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	job := newJob(model.LanguageEnglish, model.LanguageSpanish)
	_ = store.Create(ctx, job)

	updated, err := store.Update(ctx, job.ID, func(j *model.AudioJob) error {
		st := j.LanguageStatuses[model.LanguageSpanish]
		st.Status = model.LanguageCompleted
		st.AudioURL = "https://cdn.test/es.mp3"
		return nil
	})
	if err != nil {
		t.Fatalf("更新失败: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}
	if len(updated.CompletedLanguages) != 1 || updated.CompletedLanguages[0] != model.LanguageSpanish {
		t.Fatalf("unexpected completed languages: %v", updated.CompletedLanguages)
	}
	if updated.AudioURLs[model.LanguageSpanish] != "https://cdn.test/es.mp3" {
		t.Fatalf("unexpected audio urls: %v", updated.AudioURLs)
	}

	final, _ := store.Update(ctx, job.ID, func(j *model.AudioJob) error {
		st := j.LanguageStatuses[model.LanguageEnglish]
		st.Status = model.LanguageCompleted
		st.AudioURL = "https://cdn.test/en.mp3"
		return nil
	})
	if final.Status != model.JobStatusCompleted || final.CompletedAt == nil {
		t.Fatalf("expected completed job, got %s", final.Status)
	}
	// 完成顺序保留
	if final.CompletedLanguages[0] != model.LanguageSpanish || final.CompletedLanguages[1] != model.LanguageEnglish {
		t.Fatalf("unexpected completion order: %v", final.CompletedLanguages)
	}

	stored, _ := store.Get(ctx, job.ID)
	if stored.Status != model.JobStatusCompleted || stored.Version != 3 {
		t.Fatalf("unexpected stored job: status=%s version=%d", stored.Status, stored.Version)
	}
}

func TestJobStoreNoChange(t *testing.T) {
	store := NewJobStore(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	job := newJob(model.LanguageEnglish)
	_ = store.Create(ctx, job)

	got, err := store.Update(ctx, job.ID, func(*model.AudioJob) error { return ErrNoChange })
	if err != nil {
		t.Fatalf("ErrNoChange 不应返回错误: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("无变更时不应写库, version=%d", got.Version)
	}

	boom := errors.New("boom")
	if _, err := store.Update(ctx, job.ID, func(*model.AudioJob) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestJobStoreConflictReplays(t *testing.T) {
	store := NewJobStore(newTestDB(t), logger.NewNop())
	ctx := context.Background()
	job := newJob(model.LanguageEnglish, model.LanguageSpanish)
	_ = store.Create(ctx, job)

	calls := 0
	got, err := store.Update(ctx, job.ID, func(j *model.AudioJob) error {
		calls++
		if calls == 1 {
			// 在读取之后、写入之前插入一次并发修改
			_, err := store.Update(ctx, job.ID, func(inner *model.AudioJob) error {
				inner.LanguageStatuses[model.LanguageSpanish].Status = model.LanguageFailed
				inner.LanguageStatuses[model.LanguageSpanish].Error = "es failed"
				return nil
			})
			if err != nil {
				return err
			}
		}
		j.LanguageStatuses[model.LanguageEnglish].Status = model.LanguageCompleted
		j.LanguageStatuses[model.LanguageEnglish].AudioURL = "https://cdn.test/en.mp3"
		return nil
	})
	if err != nil {
		t.Fatalf("更新失败: %v", err)
	}
	if calls != 2 {
		t.Fatalf("冲突后应重放一次变更, calls=%d", calls)
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3, got %d", got.Version)
	}
	// 两次修改都保留
	if got.LanguageStatuses[model.LanguageSpanish].Status != model.LanguageFailed ||
		got.LanguageStatuses[model.LanguageEnglish].Status != model.LanguageCompleted {
		t.Fatalf("concurrent change lost: %+v", got.LanguageStatuses)
	}
	if got.Status != model.JobStatusFailed || got.ErrorMessage != "es: es failed" {
		t.Fatalf("unexpected derived status: %s %q", got.Status, got.ErrorMessage)
	}
}

func TestJobStoreQueries(t *testing.T) {
	store := NewJobStore(newTestDB(t), logger.NewNop())
	ctx := context.Background()

	active := newJob(model.LanguageEnglish)
	_ = store.Create(ctx, active)

	done := newJob(model.LanguageEnglish)
	done.PostID = strPtr("post-1")
	done.LanguageStatuses[model.LanguageEnglish].Status = model.LanguageCompleted
	done.LanguageStatuses[model.LanguageEnglish].AudioURL = "https://cdn.test/en.mp3"
	_ = store.Create(ctx, done)

	ids, err := store.FindActive(ctx, 10)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(ids) != 1 || ids[0] != active.ID {
		t.Fatalf("unexpected active ids: %v", ids)
	}

	completed, err := store.FindCompletedWithPost(ctx, nil)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != done.ID {
		t.Fatalf("unexpected completed jobs: %d", len(completed))
	}
	if completed, _ := store.FindCompletedWithPost(ctx, []string{"other"}); len(completed) != 0 {
		t.Fatalf("按文章过滤失败")
	}
}
