package service

import (
	"errors"
	"testing"
	"time"

	"audio-forge/app/model"
)

func TestClaim(t *testing.T) {
	now := time.Now()
	st := model.NewLanguageStatus(false)

	if err := Claim(st, "a", now, time.Minute); err != nil {
		t.Fatalf("pending 应可领取: %v", err)
	}
	if st.Status != model.LanguageProcessing || st.ClaimID != "a" || st.Attempts != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}

	if err := Claim(st, "b", now.Add(30*time.Second), time.Minute); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("未过期的处理中语言不应被领取, got %v", err)
	}

	if err := Claim(st, "b", now.Add(2*time.Minute), time.Minute); err != nil {
		t.Fatalf("过期的处理中语言应可被接管: %v", err)
	}
	if st.ClaimID != "b" || st.Attempts != 2 {
		t.Fatalf("unexpected state after takeover: %+v", st)
	}
	if err := Heartbeat(st, "a", now); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("旧处理器不应再持有语言, got %v", err)
	}
}

func TestClaimTerminalStates(t *testing.T) {
	for _, state := range []model.LanguageState{model.LanguageCompleted, model.LanguageFailed} {
		st := &model.LanguageStatus{Status: state}
		if err := Claim(st, "a", time.Now(), time.Minute); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s 不应被领取, got %v", state, err)
		}
	}
}

func TestAppendChunk(t *testing.T) {
	now := time.Now()
	st := model.NewLanguageStatus(false)
	_ = Claim(st, "a", now, time.Minute)
	st.ChunkCount = 2

	if err := AppendChunk(st, "a", 1, "u1", now); err == nil {
		t.Fatalf("跳过分片 0 应失败")
	}
	if err := AppendChunk(st, "a", 0, "u0", now); err != nil {
		t.Fatalf("追加分片失败: %v", err)
	}
	if err := AppendChunk(st, "a", 0, "u0", now); !errors.Is(err, ErrNoChange) {
		t.Fatalf("重复追加相同分片应返回 ErrNoChange, got %v", err)
	}
	if err := AppendChunk(st, "a", 0, "other", now); err == nil {
		t.Fatalf("覆盖已有分片应失败")
	}
	if err := AppendChunk(st, "b", 1, "u1", now); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("非持有者追加应失败, got %v", err)
	}
	if err := Complete(st, "a", "final", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("分片不全时不应完成, got %v", err)
	}
	if err := AppendChunk(st, "a", 1, "u1", now); err != nil {
		t.Fatalf("追加分片失败: %v", err)
	}
	if err := AppendChunk(st, "a", 2, "u2", now); err == nil {
		t.Fatalf("超过分片总数应失败")
	}
	if err := Complete(st, "a", "final", now); err != nil {
		t.Fatalf("完成失败: %v", err)
	}
	if st.Status != model.LanguageCompleted || st.AudioURL != "final" || st.ClaimID != "" {
		t.Fatalf("unexpected state: %+v", st)
	}
}

func TestFailReleaseReset(t *testing.T) {
	now := time.Now()
	st := model.NewLanguageStatus(true)
	_ = Claim(st, "a", now, time.Minute)
	st.ChunkCount = 3
	_ = AppendChunk(st, "a", 0, "u0", now)

	if err := Reset(st, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("处理中的语言不应被重置, got %v", err)
	}

	if err := Release(st, "a"); err != nil {
		t.Fatalf("释放失败: %v", err)
	}
	if st.Status != model.LanguagePending || len(st.ChunkAudioURLs) != 1 {
		t.Fatalf("释放后应保留分片: %+v", st)
	}

	_ = Claim(st, "b", now, time.Minute)
	if err := Fail(st, "b", "boom", now); err != nil {
		t.Fatalf("标记失败出错: %v", err)
	}
	if st.Status != model.LanguageFailed || st.Error != "boom" || len(st.ChunkAudioURLs) != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}

	if err := Reset(st, true); err != nil {
		t.Fatalf("重置失败: %v", err)
	}
	if st.Status != model.LanguagePending || len(st.ChunkAudioURLs) != 0 || st.Error != "" || !st.Draft || st.Attempts != 2 {
		t.Fatalf("unexpected state after reset: %+v", st)
	}
}

func TestReleaseStale(t *testing.T) {
	now := time.Now()
	st := model.NewLanguageStatus(false)
	_ = Claim(st, "a", now, time.Minute)

	if ReleaseStale(st, now.Add(30*time.Second), time.Minute) {
		t.Fatalf("未过期不应回收")
	}
	if !ReleaseStale(st, now.Add(2*time.Minute), time.Minute) {
		t.Fatalf("过期应回收")
	}
	if st.Status != model.LanguagePending || st.ClaimID != "" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if ReleaseStale(st, now.Add(time.Hour), time.Minute) {
		t.Fatalf("pending 不应被回收")
	}
}

func TestDeriveJobStatus(t *testing.T) {
	mk := func(states ...model.LanguageState) *model.AudioJob {
		job := &model.AudioJob{LanguageStatuses: map[model.Language]*model.LanguageStatus{}}
		for i, s := range states {
			lang := model.SupportedLanguages[i]
			job.Languages = append(job.Languages, lang)
			job.LanguageStatuses[lang] = &model.LanguageStatus{Status: s}
		}
		return job
	}
	const (
		P = model.LanguagePending
		R = model.LanguageProcessing
		C = model.LanguageCompleted
		F = model.LanguageFailed
	)
	cases := []struct {
		name   string
		job    *model.AudioJob
		expect model.JobStatus
	}{
		{"全部待处理", mk(P, P), model.JobStatusPending},
		{"部分处理中", mk(C, R), model.JobStatusProcessing},
		{"全部完成", mk(C, C, C), model.JobStatusCompleted},
		{"失败且无未完成", mk(C, F), model.JobStatusFailed},
		{"失败但仍有待处理", mk(F, P), model.JobStatusPending},
		{"失败但仍有处理中", mk(F, R), model.JobStatusProcessing},
		{"部分完成其余待处理", mk(C, P), model.JobStatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveJobStatus(tc.job); got != tc.expect {
				t.Fatalf("expected %s, got %s", tc.expect, got)
			}
		})
	}

	cancelled := mk(C, C)
	now := time.Now()
	cancelled.CancelledAt = &now
	if got := DeriveJobStatus(cancelled); got != model.JobStatusCancelled {
		t.Fatalf("取消优先, got %s", got)
	}
}
