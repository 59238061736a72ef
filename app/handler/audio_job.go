package handler

import (
	"context"
	"net/http"
	"time"

	"audio-forge/app/logger"
	"audio-forge/app/model"
	"audio-forge/app/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AudioJobHandler 音频任务接口
type AudioJobHandler struct {
	jobs       *service.JobService
	reconciler *service.Reconciler
	log        *logger.Logger
	upgrader   websocket.Upgrader
	pollEvery  time.Duration
}

func NewAudioJobHandler(jobs *service.JobService, reconciler *service.Reconciler, log *logger.Logger) *AudioJobHandler {
	return &AudioJobHandler{
		jobs:       jobs,
		reconciler: reconciler,
		log:        log.Named("http"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pollEvery: time.Second,
	}
}

// SubmitRequest 提交任务请求
type SubmitRequest struct {
	Text      string          `json:"text" binding:"required"`
	Languages []string        `json:"languages"`
	IsDraft   bool            `json:"is_draft"`
	PostID    *string         `json:"post_id"`
	Config    model.JobConfig `json:"config"`
}

// SubmitResponse 提交任务响应
type SubmitResponse struct {
	JobID            string                                   `json:"job_id"`
	Status           model.JobStatus                          `json:"status"`
	Languages        []model.Language                         `json:"languages"`
	IsDraft          bool                                     `json:"is_draft"`
	LanguageStatuses map[model.Language]*model.LanguageStatus `json:"language_statuses"`
}

// UpdateRequest 修改任务请求
type UpdateRequest struct {
	Text          *string  `json:"text"`
	Languages     []string `json:"languages"`
	FinalizeDraft bool     `json:"finalize_draft"`
	PostID        *string  `json:"post_id"`
}

type BatchStatusRequest struct {
	PostIDs []string `json:"post_ids" binding:"required"`
}

type RegenerateRequest struct {
	Language string `json:"language" binding:"required"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type RepairRequest struct {
	PostIDs []string `json:"post_ids"`
}

// Submit 创建任务
func (h *AudioJobHandler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	job, err := h.jobs.Submit(c.Request.Context(), service.SubmitInput{
		Text:      req.Text,
		Languages: req.Languages,
		IsDraft:   req.IsDraft,
		PostID:    req.PostID,
		Config:    req.Config,
	})
	if err != nil {
		failWith(c, err)
		return
	}

	success(c, http.StatusAccepted, SubmitResponse{
		JobID:            job.ID,
		Status:           job.Status,
		Languages:        job.Languages,
		IsDraft:          job.IsDraft,
		LanguageStatuses: job.LanguageStatuses,
	}, "任务已创建")
}

// Update 修改文本、语言或结束草稿
func (h *AudioJobHandler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	job, err := h.jobs.UpdateJob(c.Request.Context(), c.Param("id"), service.UpdateInput{
		Text:          req.Text,
		Languages:     req.Languages,
		FinalizeDraft: req.FinalizeDraft,
		PostID:        req.PostID,
	})
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, service.BuildStatusView(job), "任务已更新")
}

// Get 查询任务状态
func (h *AudioJobHandler) Get(c *gin.Context) {
	view, err := h.jobs.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, view, view.Message)
}

// BatchStatus 按文章批量查询最近任务
func (h *AudioJobHandler) BatchStatus(c *gin.Context) {
	var req BatchStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	items, err := h.jobs.BatchStatus(c.Request.Context(), req.PostIDs)
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, items, "查询成功")
}

// Trigger 手动触发处理。投递失败不影响任务本身，由定时扫描兜底
func (h *AudioJobHandler) Trigger(c *gin.Context) {
	id := c.Param("id")
	dispatched, err := h.jobs.Trigger(c.Request.Context(), id)
	switch {
	case err == nil && dispatched:
		success(c, http.StatusAccepted, gin.H{"job_id": id, "dispatched": true}, "已触发处理")
	case err == nil:
		success(c, http.StatusAccepted, gin.H{"job_id": id, "dispatched": false}, "最近已投递，本次请求已合并")
	case service.IsNotFound(err):
		failWith(c, err)
	default:
		success(c, http.StatusAccepted, gin.H{"job_id": id, "dispatched": false, "error": err.Error()}, "投递失败，稍后自动重试")
	}
}

// Regenerate 重新生成单个语言
func (h *AudioJobHandler) Regenerate(c *gin.Context) {
	var req RegenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	job, err := h.jobs.RegenerateLanguage(c.Request.Context(), c.Param("id"), req.Language)
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusAccepted, service.BuildStatusView(job), "已重新排队")
}

// Cancel 取消任务
func (h *AudioJobHandler) Cancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
			return
		}
	}
	job, err := h.jobs.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, service.BuildStatusView(job), "任务已取消")
}

// Delete 删除任务记录
func (h *AudioJobHandler) Delete(c *gin.Context) {
	if err := h.jobs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, nil, "任务已删除")
}

// Repair 修复文章与音频资源的关联
func (h *AudioJobHandler) Repair(c *gin.Context) {
	var req RepairRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
			return
		}
	}
	report, err := h.reconciler.Repair(c.Request.Context(), req.PostIDs)
	if err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusOK, report, "修复完成")
}

func terminal(status model.JobStatus) bool {
	return status == model.JobStatusCompleted || status == model.JobStatusFailed || status == model.JobStatusCancelled
}

// Stream 通过 websocket 推送任务状态，任务结束后关闭连接
func (h *AudioJobHandler) Stream(c *gin.Context) {
	id := c.Param("id")
	view, err := h.jobs.Status(c.Request.Context(), id)
	if err != nil {
		failWith(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket 升级失败", zap.String("job_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// 读取客户端消息只为感知断开
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pollEvery)
	defer ticker.Stop()

	var last time.Time
	for {
		if !view.UpdatedAt.Equal(last) {
			if err := conn.WriteJSON(view); err != nil {
				return
			}
			last = view.UpdatedAt
		}
		if terminal(view.Status) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(view.Status)),
				time.Now().Add(time.Second))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := h.jobs.Status(ctx, id)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
				time.Now().Add(time.Second))
			return
		}
		view = next
	}
}
