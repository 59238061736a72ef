package service

import (
	"context"
	"fmt"
	"time"

	"audio-forge/app/logger"
	"audio-forge/app/model"

	"resty.dev/v3"
)

// CallbackPayload 回调请求体
type CallbackPayload struct {
	JobID              string                    `json:"job_id"`
	Status             model.JobStatus           `json:"status"`
	PostID             *string                   `json:"post_id,omitempty"`
	CompletedLanguages []model.Language          `json:"completed_languages"`
	AudioURLs          map[model.Language]string `json:"audio_urls"`
	Error              string                    `json:"error,omitempty"`
	CompletedAt        *time.Time                `json:"completed_at,omitempty"`
}

// CallbackNotifier 向任务配置的 callback_url 推送终态
type CallbackNotifier struct {
	client *resty.Client
	log    *logger.Logger
}

func NewCallbackNotifier(timeout time.Duration, log *logger.Logger) *CallbackNotifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("User-Agent", "audio-forge")
	return &CallbackNotifier{client: client, log: log.Named("callback")}
}

func (n *CallbackNotifier) Notify(ctx context.Context, job *model.AudioJob) error {
	if job.Config.CallbackURL == "" {
		return nil
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(CallbackPayload{
			JobID:              job.ID,
			Status:             job.Status,
			PostID:             job.PostID,
			CompletedLanguages: job.CompletedLanguages,
			AudioURLs:          job.AudioURLs,
			Error:              job.ErrorMessage,
			CompletedAt:        job.CompletedAt,
		}).
		Post(job.Config.CallbackURL)
	if err != nil {
		return fmt.Errorf("回调请求失败: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("回调返回状态码 %d: %s", resp.StatusCode(), resp.String())
	}
	n.log.Infof("任务 %s 回调成功: %s", job.ID, job.Config.CallbackURL)
	return nil
}
