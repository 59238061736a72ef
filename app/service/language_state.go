package service

import (
	"fmt"
	"time"

	"audio-forge/app/model"
)

// 语言状态机：
//
//	pending    -> processing  Claim
//	processing -> completed   Complete
//	processing -> failed      Fail
//	processing -> pending     Release（取消或超时回收）
//	completed  -> pending     Reset（重新生成）
//	failed     -> pending     Reset（重试）
//
// 过期的 processing 可以被新的处理器再次 Claim。

func transitionErr(st *model.LanguageStatus, to model.LanguageState) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Status, to)
}

// Claim 领取待处理的语言
func Claim(st *model.LanguageStatus, claimID string, now time.Time, staleAfter time.Duration) error {
	switch {
	case st.Status == model.LanguagePending:
	case st.Status == model.LanguageProcessing && st.IsStale(now, staleAfter):
	default:
		return transitionErr(st, model.LanguageProcessing)
	}
	st.Status = model.LanguageProcessing
	st.ClaimID = claimID
	st.Error = ""
	st.Attempts++
	st.StartedAt = &now
	st.HeartbeatAt = &now
	if st.ChunkAudioURLs == nil {
		st.ChunkAudioURLs = []string{}
	}
	return nil
}

func checkOwner(st *model.LanguageStatus, claimID string) error {
	if st.Status != model.LanguageProcessing || st.ClaimID != claimID {
		return ErrNotOwner
	}
	return nil
}

// Heartbeat 刷新心跳
func Heartbeat(st *model.LanguageStatus, claimID string, now time.Time) error {
	if err := checkOwner(st, claimID); err != nil {
		return err
	}
	st.HeartbeatAt = &now
	return nil
}

// AppendChunk 追加第 index 个分片，分片必须按顺序追加
func AppendChunk(st *model.LanguageStatus, claimID string, index int, url string, now time.Time) error {
	if err := checkOwner(st, claimID); err != nil {
		return err
	}
	switch n := len(st.ChunkAudioURLs); {
	case index < n:
		// 重复追加同一分片
		if st.ChunkAudioURLs[index] == url {
			return ErrNoChange
		}
		return fmt.Errorf("分片 %d 已存在", index)
	case index > n:
		return fmt.Errorf("分片 %d 之前还缺少 %d 个分片", index, index-n)
	}
	if st.ChunkCount > 0 && index >= st.ChunkCount {
		return fmt.Errorf("分片 %d 超出分片总数 %d", index, st.ChunkCount)
	}
	st.ChunkAudioURLs = append(st.ChunkAudioURLs, url)
	st.HeartbeatAt = &now
	return nil
}

// Complete 全部分片就绪并完成拼接
func Complete(st *model.LanguageStatus, claimID, audioURL string, now time.Time) error {
	if err := checkOwner(st, claimID); err != nil {
		return err
	}
	if len(st.ChunkAudioURLs) != st.ChunkCount {
		return fmt.Errorf("%w: 只有 %d/%d 个分片", ErrInvalidTransition, len(st.ChunkAudioURLs), st.ChunkCount)
	}
	st.Status = model.LanguageCompleted
	st.AudioURL = audioURL
	st.Error = ""
	st.ClaimID = ""
	st.CompletedAt = &now
	st.HeartbeatAt = &now
	return nil
}

// Fail 标记失败，已完成的分片保留
func Fail(st *model.LanguageStatus, claimID, reason string, now time.Time) error {
	if err := checkOwner(st, claimID); err != nil {
		return err
	}
	st.Status = model.LanguageFailed
	st.Error = reason
	st.ClaimID = ""
	st.HeartbeatAt = &now
	return nil
}

// Release 放弃领取，回到 pending，已完成的分片保留
func Release(st *model.LanguageStatus, claimID string) error {
	if err := checkOwner(st, claimID); err != nil {
		return err
	}
	st.Status = model.LanguagePending
	st.ClaimID = ""
	return nil
}

// ReleaseStale 回收心跳过期的处理中语言
func ReleaseStale(st *model.LanguageStatus, now time.Time, staleAfter time.Duration) bool {
	if !st.IsStale(now, staleAfter) {
		return false
	}
	st.Status = model.LanguagePending
	st.ClaimID = ""
	return true
}

// Reset 重新生成或重试，清空分片和产物
func Reset(st *model.LanguageStatus, draft bool) error {
	switch st.Status {
	case model.LanguageCompleted, model.LanguageFailed, model.LanguagePending:
	default:
		return transitionErr(st, model.LanguagePending)
	}
	*st = model.LanguageStatus{
		Status:         model.LanguagePending,
		Draft:          draft,
		ChunkAudioURLs: []string{},
		Attempts:       st.Attempts,
	}
	return nil
}

// DeriveJobStatus 由语言状态推导任务状态，取消状态优先
func DeriveJobStatus(job *model.AudioJob) model.JobStatus {
	if job.CancelledAt != nil {
		return model.JobStatusCancelled
	}
	var pending, processing, completed, failed int
	for _, lang := range job.Languages {
		st := job.LanguageStatuses[lang]
		if st == nil {
			pending++
			continue
		}
		switch st.Status {
		case model.LanguagePending:
			pending++
		case model.LanguageProcessing:
			processing++
		case model.LanguageCompleted:
			completed++
		case model.LanguageFailed:
			failed++
		}
	}
	switch {
	case len(job.Languages) > 0 && completed == len(job.Languages):
		return model.JobStatusCompleted
	case failed > 0 && pending == 0 && processing == 0:
		return model.JobStatusFailed
	case processing > 0:
		return model.JobStatusProcessing
	default:
		return model.JobStatusPending
	}
}

// firstError 第一个失败语言的错误信息
func firstError(job *model.AudioJob) string {
	for _, lang := range job.Languages {
		if st := job.LanguageStatuses[lang]; st != nil && st.Status == model.LanguageFailed && st.Error != "" {
			return fmt.Sprintf("%s: %s", lang, st.Error)
		}
	}
	return ""
}
