package handler

import (
	"net/http"

	"audio-forge/app/service"

	"github.com/gin-gonic/gin"
)

// InternalHandler 供分发器调用的内部接口
type InternalHandler struct {
	pool service.Dispatcher
}

func NewInternalHandler(pool service.Dispatcher) *InternalHandler {
	return &InternalHandler{pool: pool}
}

// Process 将任务放入本地工作池，立即返回
func (h *InternalHandler) Process(c *gin.Context) {
	id := c.Param("id")
	if err := h.pool.Dispatch(c.Request.Context(), id); err != nil {
		failWith(c, err)
		return
	}
	success(c, http.StatusAccepted, gin.H{"job_id": id}, "已加入处理队列")
}
